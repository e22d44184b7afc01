package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MicrosPerUnit is the number of micro-units in one currency unit.
const MicrosPerUnit = 1_000_000

// Money is an amount in micro-units of the account currency (USD).
// Integer micros keep balance arithmetic exact.
type Money int64

// ErrInvalidMoney is returned when a decimal amount cannot be parsed
var ErrInvalidMoney = errors.New("invalid money amount")

// ParseMoney parses a decimal string such as "1.25" or "-0.000001".
// At most six fractional digits are accepted.
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidMoney
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return 0, ErrInvalidMoney
	}
	if len(frac) > 6 {
		return 0, fmt.Errorf("%w: more than 6 decimal places in %q", ErrInvalidMoney, s)
	}

	var units int64
	if whole != "" {
		v, err := strconv.ParseInt(whole, 10, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidMoney, s)
		}
		units = v
	}

	var micros int64
	if frac != "" {
		v, err := strconv.ParseInt(frac+strings.Repeat("0", 6-len(frac)), 10, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidMoney, s)
		}
		micros = v
	}

	if units > (1<<63-1-micros)/MicrosPerUnit {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidMoney, s)
	}

	total := units*MicrosPerUnit + micros
	if neg {
		total = -total
	}
	return Money(total), nil
}

// MustParseMoney is ParseMoney for constants; it panics on error.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Micros returns the raw micro-unit value
func (m Money) Micros() int64 {
	return int64(m)
}

// String formats the amount with at least two decimal places, e.g. "0.85" or "0.000123".
func (m Money) String() string {
	v := int64(m)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	frac := fmt.Sprintf("%06d", v%MicrosPerUnit)
	frac = strings.TrimRight(frac, "0")
	for len(frac) < 2 {
		frac += "0"
	}
	return fmt.Sprintf("%s%d.%s", sign, v/MicrosPerUnit, frac)
}

// MarshalJSON encodes the amount as a JSON number with exact decimals
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string
func (m *Money) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	v, err := ParseMoney(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Min returns the smaller of two amounts
func Min(a, b Money) Money {
	if a < b {
		return a
	}
	return b
}
