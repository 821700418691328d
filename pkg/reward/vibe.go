// Package reward accrues VIBE credit for verified device uptime and
// settles accrued balances in batches through an external ledger.
package reward

import "fmt"

// Amount is a VIBE quantity in base units of 1e-8 VIBE. All arithmetic is
// integral; only display conversion touches floats.
type Amount = int64

// UnitsPerVibe is the number of base units in one displayed VIBE.
const UnitsPerVibe = 100_000_000

// ToDisplay converts base units to whole VIBE for logs and UIs.
func ToDisplay(a Amount) float64 {
	return float64(a) / UnitsPerVibe
}

// FromDisplay converts whole VIBE to base units.
func FromDisplay(v float64) Amount {
	return Amount(v * UnitsPerVibe)
}

// FormatVibe renders an amount like "3.90 VIBE".
func FormatVibe(a Amount) string {
	return fmt.Sprintf("%.2f VIBE", ToDisplay(a))
}
