package keys

import (
	"fmt"
)

// Multiplier identifies one of the fixed game payout tiers. The integer
// value doubles as the BIP32 child index of the tier's game key.
type Multiplier int

const (
	MultiplierX105 Multiplier = iota // 1.05x
	MultiplierX110                   // 1.10x
	MultiplierX133                   // 1.33x
	MultiplierX150                   // 1.50x
	MultiplierX200                   // 2.00x
	MultiplierX300                   // 3.00x
	MultiplierX1000                  // 10.00x
	MultiplierX2500                  // 25.00x
	MultiplierX5000                  // 50.00x
	MultiplierX10000                 // 100.00x
	MultiplierX100000                // 1000.00x
)

type multiplierParams struct {
	// Payout per 100 units bet (105 = 1.05x)
	ratio uint64
	// Open upper bound for a winning roll over [0, 65536)
	threshold uint16
}

// Thresholds are chosen so that ratio * threshold / 65536 leaves the
// house a 2-3% edge on every tier
var multiplierTable = map[Multiplier]multiplierParams{
	MultiplierX105:    {ratio: 105, threshold: 60_541},
	MultiplierX110:    {ratio: 110, threshold: 57_789},
	MultiplierX133:    {ratio: 133, threshold: 47_796},
	MultiplierX150:    {ratio: 150, threshold: 42_379},
	MultiplierX200:    {ratio: 200, threshold: 31_784},
	MultiplierX300:    {ratio: 300, threshold: 21_189},
	MultiplierX1000:   {ratio: 1000, threshold: 6_356},
	MultiplierX2500:   {ratio: 2500, threshold: 2_542},
	MultiplierX5000:   {ratio: 5000, threshold: 1_271},
	MultiplierX10000:  {ratio: 10000, threshold: 635},
	MultiplierX100000: {ratio: 100000, threshold: 64},
}

// AllMultipliers returns every supported multiplier in derivation-index order
func AllMultipliers() []Multiplier {
	return []Multiplier{
		MultiplierX105,
		MultiplierX110,
		MultiplierX133,
		MultiplierX150,
		MultiplierX200,
		MultiplierX300,
		MultiplierX1000,
		MultiplierX2500,
		MultiplierX5000,
		MultiplierX10000,
		MultiplierX100000,
	}
}

// MultiplierFromRatio maps a stored ratio value (e.g. 105, 200) back to
// its Multiplier
func MultiplierFromRatio(ratio uint64) (Multiplier, bool) {
	for m, params := range multiplierTable {
		if params.ratio == ratio {
			return m, true
		}
	}
	return 0, false
}

// Ratio returns the payout per 100 units bet (105 = 1.05x)
func (m Multiplier) Ratio() uint64 {
	return multiplierTable[m].ratio
}

// Threshold returns the open upper bound for a winning roll
func (m Multiplier) Threshold() uint16 {
	return multiplierTable[m].threshold
}

// Index returns the BIP32 child index of the multiplier's game key
func (m Multiplier) Index() uint32 {
	return uint32(m)
}

// IsWin reports whether a roll wins at this multiplier
func (m Multiplier) IsWin(roll uint16) bool {
	return roll < multiplierTable[m].threshold
}

// WinProbability returns the win chance as a percentage
func (m Multiplier) WinProbability() float64 {
	return float64(multiplierTable[m].threshold) / 65536.0 * 100.0
}

func (m Multiplier) String() string {
	value := float64(multiplierTable[m].ratio) / 100.0
	if value < 2.0 {
		return fmt.Sprintf("%.2fx", value)
	}
	return fmt.Sprintf("%.0fx", value)
}
