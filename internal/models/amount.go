package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount is an arbitrary-precision token amount in the asset's smallest unit.
// It is stored as numeric(78,0) and serialized as a decimal string.
type Amount struct {
	v *big.Int
}

func NewAmount(v int64) Amount {
	return Amount{v: big.NewInt(v)}
}

func AmountFromBig(v *big.Int) Amount {
	if v == nil {
		return Amount{}
	}
	return Amount{v: new(big.Int).Set(v)}
}

// ParseAmount parses a base-10 integer string. Signs and fractions are rejected.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("amount is empty")
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return Amount{}, fmt.Errorf("amount %q must be an unsigned integer", s)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("amount %q is not an integer", s)
	}
	return Amount{v: v}, nil
}

func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Big returns a copy of the underlying integer.
func (a Amount) Big() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.v)
}

func (a Amount) String() string {
	if a.v == nil {
		return "0"
	}
	return a.v.String()
}

func (a Amount) Sign() int {
	if a.v == nil {
		return 0
	}
	return a.v.Sign()
}

func (a Amount) IsZero() bool { return a.Sign() == 0 }

func (a Amount) Cmp(b Amount) int {
	return a.Big().Cmp(b.Big())
}

func (a Amount) Add(b Amount) Amount {
	return Amount{v: new(big.Int).Add(a.Big(), b.Big())}
}

func (a Amount) Sub(b Amount) Amount {
	return Amount{v: new(big.Int).Sub(a.Big(), b.Big())}
}

// Decimal scales the amount down by the asset's decimals for display.
func (a Amount) Decimal(decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(a.Big(), -decimals)
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n json.Number
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return fmt.Errorf("amount must be a string or integer: %w", err)
		}
		s = n.String()
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = Amount{}
		return nil
	case []byte:
		return a.scanString(string(v))
	case string:
		return a.scanString(v)
	case int64:
		*a = NewAmount(v)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Amount", src)
	}
}

func (a *Amount) scanString(s string) error {
	// numeric columns may come back with a trailing ".0" fraction.
	if i := strings.IndexByte(s, '.'); i >= 0 {
		frac := strings.TrimRight(s[i+1:], "0")
		if frac != "" {
			return fmt.Errorf("amount %q has a fractional part", s)
		}
		s = s[:i]
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// GormDataType keeps the column wide enough for u256 values.
func (Amount) GormDataType() string {
	return "numeric(78,0)"
}
