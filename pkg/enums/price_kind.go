package enums

import "fmt"

// PriceKind distinguishes one-time prices from recurring ones.
type PriceKind string

const (
	PriceKindOneTime   PriceKind = "one_time"
	PriceKindRecurring PriceKind = "recurring"
)

var validPriceKinds = []PriceKind{
	PriceKindOneTime,
	PriceKindRecurring,
}

// String implements fmt.Stringer.
func (p PriceKind) String() string {
	return string(p)
}

// IsValid reports whether the value is known.
func (p PriceKind) IsValid() bool {
	for _, candidate := range validPriceKinds {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParsePriceKind converts raw input into a PriceKind.
func ParsePriceKind(value string) (PriceKind, error) {
	for _, candidate := range validPriceKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid price kind %q", value)
}
