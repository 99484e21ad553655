package games

import (
	"github.com/bonomat/satsday/internal/keys"
)

// Evaluation is the outcome of running a game round
type Evaluation struct {
	// The number that was rolled
	RolledValue int64
	// Whether the player won
	IsWin bool
	// Payout per 100 units bet when the player won, zero otherwise
	PayoutRatio uint64
}

// Game decides the outcome of a round from the committed nonce, the
// player's deposit txid and the multiplier of the address they paid
type Game interface {
	Evaluate(nonce uint64, txid string, multiplier keys.Multiplier) Evaluation
	Name() string
	Description() string
}

// Type identifies a game variant
type Type int

const (
	TypeSatoshisNumber Type = iota
	// Future games can be added here
)

func (t Type) String() string {
	switch t {
	case TypeSatoshisNumber:
		return "satoshis-number"
	}
	return "unknown"
}

// New returns the game for the given type
func New(gameType Type) Game {
	switch gameType {
	case TypeSatoshisNumber:
		return &SatoshisNumber{}
	}
	return nil
}
