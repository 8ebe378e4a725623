package gateway

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Amount is a monetary value rounded to exactly two fractional digits,
// half away from zero. It is produced once, when an order is built, and is
// never rounded again.
type Amount struct {
	d decimal.Decimal
}

func RoundAmount(d decimal.Decimal) Amount {
	return Amount{d: d.Round(2)}
}

// String always has two fractional digits: "150.00".
func (a Amount) String() string { return a.d.StringFixed(2) }

func (a Amount) Decimal() decimal.Decimal { return a.d }

// MarshalJSON writes the fixed two-digit form as a JSON string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}
