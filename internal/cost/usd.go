package cost

import (
	"fmt"
	"math"
	"strconv"

	"github.com/rotisserie/eris"
)

// USD is a fixed-point dollar amount with four decimal places
// (1 unit = $0.0001).
type USD int64

// Scale is the number of USD units per dollar.
const Scale = 10000

// FromFloat converts a float dollar amount to USD, rounding half away from zero.
func FromFloat(dollars float64) USD {
	return USD(math.Round(dollars * Scale))
}

// Float returns the dollar amount as a float64.
func (u USD) Float() float64 {
	return float64(u) / Scale
}

// String formats the amount with four decimals.
func (u USD) String() string {
	sign := ""
	v := int64(u)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%04d", sign, v/Scale, v%Scale)
}

// MarshalJSON encodes the amount as a JSON number with four decimals.
func (u USD) MarshalJSON() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalJSON accepts any JSON number.
func (u *USD) UnmarshalJSON(b []byte) error {
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return eris.Wrapf(err, "cost: parse usd %q", string(b))
	}
	*u = FromFloat(f)
	return nil
}
