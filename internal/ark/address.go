package ark

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/txscript"
)

// The BIP-341 "nothing up my sleeve" point, used as the unspendable
// internal key for every VTXO taproot output
const unspendableKeyHex = "0250929b74c1a04954b78b4b6035e97a5e078a5a0f28ec96d547bfee9ace803ac0"

// EncodeAddress builds an encoded Ark address from the server signer key
// and the VTXO taproot output key. The payload is bech32m over the two
// x-only keys.
func EncodeAddress(hrp string, serverKey []byte, vtxoKey []byte) (string, error) {
	if len(serverKey) != 32 || len(vtxoKey) != 32 {
		return "", fmt.Errorf("%w: keys must be 32 bytes", ErrAddressDecode)
	}
	payload := make([]byte, 0, 64)
	payload = append(payload, serverKey...)
	payload = append(payload, vtxoKey...)
	converted, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrAddressDecode, err)
	}
	encoded, err := bech32.EncodeM(hrp, converted)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrAddressDecode, err)
	}
	return encoded, nil
}

// DecodeAddress parses an encoded Ark address into the server signer key
// and the VTXO taproot output key
func DecodeAddress(address string) (hrp string, serverKey []byte, vtxoKey []byte, err error) {
	hrp, data, version, err := bech32.DecodeGeneric(address)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: %s", ErrAddressDecode, err)
	}
	if version != bech32.VersionM {
		return "", nil, nil, fmt.Errorf(
			"%w: expected bech32m encoding",
			ErrAddressDecode,
		)
	}
	payload, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: %s", ErrAddressDecode, err)
	}
	if len(payload) != 64 {
		return "", nil, nil, fmt.Errorf(
			"%w: expected 64 byte payload, got %d",
			ErrAddressDecode,
			len(payload),
		)
	}
	return hrp, payload[0:32], payload[32:64], nil
}

// vtxoScript is the default VTXO script for an owner key: a script tree
// with a cooperative forfeit path (owner + server) and a unilateral exit
// path (owner after a CSV delay), committed under the unspendable
// internal key
type vtxoScript struct {
	ForfeitScript []byte
	ExitScript    []byte
	TapKey        []byte
}

func newVtxoScript(
	serverKey []byte,
	ownerKey []byte,
	exitDelaySeconds int64,
) (*vtxoScript, error) {
	forfeitScript, err := txscript.NewScriptBuilder().
		AddData(ownerKey).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		AddData(serverKey).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	if err != nil {
		return nil, err
	}
	exitScript, err := txscript.NewScriptBuilder().
		AddInt64(csvSequence(exitDelaySeconds)).
		AddOp(txscript.OP_CHECKSEQUENCEVERIFY).
		AddOp(txscript.OP_DROP).
		AddData(ownerKey).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	if err != nil {
		return nil, err
	}
	tree := txscript.AssembleTaprootScriptTree(
		txscript.NewBaseTapLeaf(forfeitScript),
		txscript.NewBaseTapLeaf(exitScript),
	)
	rootHash := tree.RootNode.TapHash()
	internalKey, err := internalKey()
	if err != nil {
		return nil, err
	}
	outputKey := txscript.ComputeTaprootOutputKey(internalKey, rootHash[:])
	return &vtxoScript{
		ForfeitScript: forfeitScript,
		ExitScript:    exitScript,
		TapKey:        schnorr.SerializePubKey(outputKey),
	}, nil
}

// csvSequence encodes a relative time lock in seconds as a sequence
// value (512-second granularity with the type flag set)
func csvSequence(seconds int64) int64 {
	const sequenceLockTimeIsSeconds = 1 << 22
	return sequenceLockTimeIsSeconds | (seconds >> 9)
}

func internalKey() (*btcec.PublicKey, error) {
	keyBytes, err := hex.DecodeString(unspendableKeyHex)
	if err != nil {
		return nil, err
	}
	return btcec.ParsePubKey(keyBytes)
}

// p2trScript returns the hex-encoded p2tr script pubkey for a taproot
// output key
func p2trScript(tapKey []byte) (string, error) {
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_1).
		AddData(tapKey).
		Script()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(script), nil
}

// subDustScript returns the hex-encoded sub-dust script form of an
// address: an OP_RETURN carrying the taproot output key, used for
// deposits below the server's dust value
func subDustScript(tapKey []byte) (string, error) {
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData(tapKey).
		Script()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(script), nil
}

// tapKeyFromScript extracts the taproot output key from either script
// form, or returns nil when the script is neither
func tapKeyFromScript(scriptHex string) []byte {
	script, err := hex.DecodeString(scriptHex)
	if err != nil {
		return nil
	}
	if len(script) != 34 {
		return nil
	}
	switch script[0] {
	case txscript.OP_1, txscript.OP_RETURN:
	default:
		return nil
	}
	if script[1] != 0x20 {
		return nil
	}
	return script[2:34]
}
