package keys

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

// ErrKeyDerivation wraps any failure to build the house key hierarchy
// from the master seed
var ErrKeyDerivation = errors.New("key derivation failed")

const seedLen = 32

// Derivation paths, relative to the master key:
//
//	main key:  m/84'/0'/0'/0/0
//	game keys: m/84'/0'/0'/1/{multiplier index}
var accountPath = []uint32{
	hdkeychain.HardenedKeyStart + 84,
	hdkeychain.HardenedKeyStart + 0,
	hdkeychain.HardenedKeyStart + 0,
}

// KeyRing holds the house's master extended private key and derives the
// main signing key plus one signing key per multiplier. The same seed
// always yields the same keys.
type KeyRing struct {
	master *hdkeychain.ExtendedKey
}

// NewKeyRing builds a KeyRing from a hex-encoded 32-byte seed
func NewKeyRing(seedHex string, params *chaincfg.Params) (*KeyRing, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(seedHex))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hex seed: %s", ErrKeyDerivation, err)
	}
	if len(seed) != seedLen {
		return nil, fmt.Errorf(
			"%w: seed must be %d bytes, got %d",
			ErrKeyDerivation,
			seedLen,
			len(seed),
		)
	}
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyDerivation, err)
	}
	return &KeyRing{master: master}, nil
}

// MainKey returns the main operational key (m/84'/0'/0'/0/0)
func (k *KeyRing) MainKey() (*btcec.PrivateKey, error) {
	return k.derive(0, 0)
}

// GameKey returns the signing key for a multiplier (m/84'/0'/0'/1/{index})
func (k *KeyRing) GameKey(multiplier Multiplier) (*btcec.PrivateKey, error) {
	return k.derive(1, multiplier.Index())
}

// GameKeys returns the signing key for every multiplier, keyed by
// multiplier
func (k *KeyRing) GameKeys() (map[Multiplier]*btcec.PrivateKey, error) {
	ret := make(map[Multiplier]*btcec.PrivateKey)
	for _, multiplier := range AllMultipliers() {
		key, err := k.GameKey(multiplier)
		if err != nil {
			return nil, err
		}
		ret[multiplier] = key
	}
	return ret, nil
}

func (k *KeyRing) derive(change, index uint32) (*btcec.PrivateKey, error) {
	key := k.master
	var err error
	for _, childIndex := range accountPath {
		key, err = key.Derive(childIndex)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrKeyDerivation, err)
		}
	}
	for _, childIndex := range []uint32{change, index} {
		key, err = key.Derive(childIndex)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrKeyDerivation, err)
		}
	}
	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyDerivation, err)
	}
	return privKey, nil
}
