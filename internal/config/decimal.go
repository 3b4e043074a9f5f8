package config

import (
	"fmt"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Decimal accepts quoted or bare YAML numbers without float rounding.
type Decimal struct {
	decimal.Decimal
}

func MustDecimal(s string) Decimal {
	return Decimal{decimal.RequireFromString(s)}
}

func (d *Decimal) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("decimal must be a scalar")
	}
	if value.Value == "" || value.Tag == "!!null" {
		d.Decimal = decimal.Zero
		return nil
	}
	dec, err := decimal.NewFromString(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid decimal %q: %w", value.Line, value.Value, err)
	}
	d.Decimal = dec
	return nil
}

func (d Decimal) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// AsFloat is the value as the float64 the account layer works in.
func (d Decimal) AsFloat() float64 {
	return d.InexactFloat64()
}
