package games_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/bonomat/satsday/internal/games"
	"github.com/bonomat/satsday/internal/keys"
)

// Known outcomes for nonce 42 at 2x (threshold 31784). The roll is the
// big-endian first two bytes of sha256(ascii(nonce) || txid).
func TestEvaluateKnownVectors(t *testing.T) {
	game := games.New(games.TypeSatoshisNumber)
	testDefs := []struct {
		txid   string
		roll   int64
		isWin  bool
	}{
		{strings.Repeat("ab", 32), 17192, true},
		{strings.Repeat("cd", 32), 54153, false},
		{strings.Repeat("11", 32), 8846, true},
		{strings.Repeat("66", 32), 60288, false},
	}
	for _, testDef := range testDefs {
		eval := game.Evaluate(42, testDef.txid, keys.MultiplierX200)
		if eval.RolledValue != testDef.roll {
			t.Errorf(
				"txid %s: expected roll %d, got %d",
				testDef.txid[:8],
				testDef.roll,
				eval.RolledValue,
			)
		}
		if eval.IsWin != testDef.isWin {
			t.Errorf(
				"txid %s: expected isWin = %v",
				testDef.txid[:8],
				testDef.isWin,
			)
		}
		if testDef.isWin && eval.PayoutRatio != 200 {
			t.Errorf(
				"txid %s: winner should carry payout ratio 200, got %d",
				testDef.txid[:8],
				eval.PayoutRatio,
			)
		}
		if !testDef.isWin && eval.PayoutRatio != 0 {
			t.Errorf(
				"txid %s: loser should carry no payout ratio",
				testDef.txid[:8],
			)
		}
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	game := games.New(games.TypeSatoshisNumber)
	first := game.Evaluate(12345, "test_tx", keys.MultiplierX200)
	second := game.Evaluate(12345, "test_tx", keys.MultiplierX200)
	if first != second {
		t.Errorf("same inputs should evaluate identically")
	}
	if first.RolledValue < 0 || first.RolledValue > 65535 {
		t.Errorf("roll %d out of range", first.RolledValue)
	}
}

func TestEvaluateRollIndependentOfMultiplier(t *testing.T) {
	game := games.New(games.TypeSatoshisNumber)
	reference := game.Evaluate(7, strings.Repeat("00", 32), keys.MultiplierX105)
	for _, multiplier := range keys.AllMultipliers() {
		eval := game.Evaluate(7, strings.Repeat("00", 32), multiplier)
		if eval.RolledValue != reference.RolledValue {
			t.Errorf(
				"roll should not depend on the multiplier, got %d for %s",
				eval.RolledValue,
				multiplier,
			)
		}
	}
}

// Over many simulated rolls the observed win rate must stay close to
// threshold / 65536 for every multiplier
func TestStatisticalFairness(t *testing.T) {
	const iterations = 10_000
	game := games.New(games.TypeSatoshisNumber)
	for _, multiplier := range keys.AllMultipliers() {
		var wins int
		for i := 0; i < iterations; i++ {
			txid := fmt.Sprintf("test_txid_%d", i)
			eval := game.Evaluate(uint64(i), txid, multiplier)
			if eval.IsWin {
				wins++
			}
		}
		actual := float64(wins) / float64(iterations) * 100.0
		expected := float64(multiplier.Threshold()) / 65536.0 * 100.0
		tolerance := 3.0
		if multiplier.Threshold() < 100 {
			tolerance = 5.0
		}
		if diff := actual - expected; diff > tolerance || diff < -tolerance {
			t.Errorf(
				"%s: win rate %.2f%% deviates from expected %.2f%%",
				multiplier,
				actual,
				expected,
			)
		}
	}
}

func TestPayout(t *testing.T) {
	testDefs := []struct {
		betSats  uint64
		ratio    uint64
		expected uint64
	}{
		{500, 200, 1000},
		{500, 105, 525},
		{333, 150, 499},
		{1, 105, 1},
		{100, 100000, 100_000},
	}
	for _, testDef := range testDefs {
		payout := games.Payout(testDef.betSats, testDef.ratio)
		if payout != testDef.expected {
			t.Errorf(
				"Payout(%d, %d) should return %d, got %d",
				testDef.betSats,
				testDef.ratio,
				testDef.expected,
				payout,
			)
		}
	}
}

func TestGameMetadata(t *testing.T) {
	game := games.New(games.TypeSatoshisNumber)
	if game.Name() == "" {
		t.Errorf("game should have a name")
	}
	if game.Description() == "" {
		t.Errorf("game should have a description")
	}
	if games.TypeSatoshisNumber.String() != "satoshis-number" {
		t.Errorf(
			"unexpected type string: %s",
			games.TypeSatoshisNumber.String(),
		)
	}
}
