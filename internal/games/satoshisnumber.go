package games

import (
	"crypto/sha256"
	"encoding/binary"
	"strconv"

	"github.com/bonomat/satsday/internal/keys"
)

// SatoshisNumber is the original dice game: hash the nonce together with
// the deposit txid and win if the resulting number is below the
// multiplier's threshold
type SatoshisNumber struct{}

// Evaluate rolls sha256(nonce || txid) and takes the first two bytes,
// big-endian, as the roll over [0, 65536). No floating point is involved
// in the win decision.
func (g *SatoshisNumber) Evaluate(
	nonce uint64,
	txid string,
	multiplier keys.Multiplier,
) Evaluation {
	hashInput := strconv.FormatUint(nonce, 10) + txid
	digest := sha256.Sum256([]byte(hashInput))
	roll := binary.BigEndian.Uint16(digest[0:2])
	isWin := multiplier.IsWin(roll)
	ret := Evaluation{
		RolledValue: int64(roll),
		IsWin:       isWin,
	}
	if isWin {
		ret.PayoutRatio = multiplier.Ratio()
	}
	return ret
}

func (g *SatoshisNumber) Name() string {
	return "Satoshi's Number"
}

func (g *SatoshisNumber) Description() string {
	return "Guess if the hash-derived number will be below the target threshold. " +
		"The lower the threshold, the higher the payout multiplier."
}

// Payout computes the winning amount for a bet at the given ratio
func Payout(betSats uint64, ratio uint64) uint64 {
	return betSats * ratio / 100
}
