package ledger

import (
	"fmt"
	"math"
	"strconv"
)

// Amount is a quantity of credits expressed in micro-credits. Prices in
// configuration are decimal; they are converted once at load so repeated
// deductions never accumulate float error.
type Amount int64

const microPerCredit = 1_000_000

// FromCredits converts a decimal credit value to an Amount, rounding to the
// nearest micro-credit.
func FromCredits(v float64) Amount {
	return Amount(math.Round(v * microPerCredit))
}

// ParseAmount parses a decimal credit string such as "0.05".
func ParseAmount(s string) (Amount, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("ledger: parse amount %q: %w", s, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("ledger: parse amount %q: %w", s, ErrInvalidAmount)
	}
	return FromCredits(v), nil
}

// Credits returns the amount as decimal credits.
func (a Amount) Credits() float64 {
	return float64(a) / microPerCredit
}

func (a Amount) String() string {
	return strconv.FormatFloat(a.Credits(), 'f', -1, 64)
}

// MarshalJSON renders the amount as a decimal number of credits.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts a decimal number of credits.
func (a *Amount) UnmarshalJSON(data []byte) error {
	v, err := ParseAmount(string(data))
	if err != nil {
		return err
	}
	*a = v
	return nil
}
