package keys_test

import (
	"testing"

	"github.com/bonomat/satsday/internal/keys"
)

func TestMultiplierTable(t *testing.T) {
	testDefs := []struct {
		multiplier keys.Multiplier
		ratio      uint64
		threshold  uint16
		index      uint32
		display    string
	}{
		{keys.MultiplierX105, 105, 60_541, 0, "1.05x"},
		{keys.MultiplierX110, 110, 57_789, 1, "1.10x"},
		{keys.MultiplierX133, 133, 47_796, 2, "1.33x"},
		{keys.MultiplierX150, 150, 42_379, 3, "1.50x"},
		{keys.MultiplierX200, 200, 31_784, 4, "2x"},
		{keys.MultiplierX300, 300, 21_189, 5, "3x"},
		{keys.MultiplierX1000, 1000, 6_356, 6, "10x"},
		{keys.MultiplierX2500, 2500, 2_542, 7, "25x"},
		{keys.MultiplierX5000, 5000, 1_271, 8, "50x"},
		{keys.MultiplierX10000, 10000, 635, 9, "100x"},
		{keys.MultiplierX100000, 100000, 64, 10, "1000x"},
	}
	for _, testDef := range testDefs {
		if testDef.multiplier.Ratio() != testDef.ratio {
			t.Errorf(
				"%s: Ratio() should return %d, got %d",
				testDef.display,
				testDef.ratio,
				testDef.multiplier.Ratio(),
			)
		}
		if testDef.multiplier.Threshold() != testDef.threshold {
			t.Errorf(
				"%s: Threshold() should return %d, got %d",
				testDef.display,
				testDef.threshold,
				testDef.multiplier.Threshold(),
			)
		}
		if testDef.multiplier.Index() != testDef.index {
			t.Errorf(
				"%s: Index() should return %d, got %d",
				testDef.display,
				testDef.index,
				testDef.multiplier.Index(),
			)
		}
		if testDef.multiplier.String() != testDef.display {
			t.Errorf(
				"String() should return %s, got %s",
				testDef.display,
				testDef.multiplier.String(),
			)
		}
		fromRatio, ok := keys.MultiplierFromRatio(testDef.ratio)
		if !ok || fromRatio != testDef.multiplier {
			t.Errorf(
				"MultiplierFromRatio(%d) should return %s",
				testDef.ratio,
				testDef.display,
			)
		}
	}
}

func TestMultiplierFromRatioUnknown(t *testing.T) {
	if _, ok := keys.MultiplierFromRatio(123); ok {
		t.Errorf("MultiplierFromRatio should reject unknown ratio")
	}
}

func TestAllMultipliers(t *testing.T) {
	all := keys.AllMultipliers()
	if len(all) != 11 {
		t.Fatalf("expected 11 multipliers, got %d", len(all))
	}
	// Derivation-index order
	for i, multiplier := range all {
		if multiplier.Index() != uint32(i) {
			t.Errorf(
				"multiplier at position %d has index %d",
				i,
				multiplier.Index(),
			)
		}
	}
}

func TestIsWin(t *testing.T) {
	multiplier := keys.MultiplierX200
	if !multiplier.IsWin(0) {
		t.Errorf("roll 0 should win")
	}
	if !multiplier.IsWin(31_783) {
		t.Errorf("roll just below the threshold should win")
	}
	if multiplier.IsWin(31_784) {
		t.Errorf("roll equal to the threshold should lose")
	}
	if multiplier.IsWin(65_535) {
		t.Errorf("maximum roll should lose")
	}
}
