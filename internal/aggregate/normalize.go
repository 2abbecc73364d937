package aggregate

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Kind tells which field of a Value is populated.
type Kind int

const (
	KindMissing Kind = iota
	KindBool
	KindText
	KindNumber
	KindList
)

// Value is a normalized contract read result.
type Value struct {
	Kind   Kind
	Bool   bool
	Text   string
	Number decimal.Decimal
	List   []Value
}

// Missing is the value of an absent or failed read
var Missing = Value{Kind: KindMissing}

// Normalize converts a raw read result. nil, false and "" are missing;
// booleans and strings pass through; integers become decimals; slices are
// converted element by element. Anything else is missing.
func Normalize(raw any) Value {
	switch v := raw.(type) {
	case nil:
		return Missing
	case bool:
		if !v {
			return Missing
		}
	case string:
		if v == "" {
			return Missing
		}
	}
	return convert(raw)
}

func convert(raw any) Value {
	switch v := raw.(type) {
	case bool:
		return Value{Kind: KindBool, Bool: v}
	case string:
		return Value{Kind: KindText, Text: v}
	case *big.Int:
		if v == nil {
			return Missing
		}
		return number(decimal.NewFromBigInt(v, 0))
	case big.Int:
		return number(decimal.NewFromBigInt(&v, 0))
	case decimal.Decimal:
		return number(v)
	case int:
		return number(decimal.NewFromInt(int64(v)))
	case int64:
		return number(decimal.NewFromInt(v))
	case int32:
		return number(decimal.NewFromInt32(v))
	case uint8:
		return number(decimal.NewFromInt(int64(v)))
	case uint32:
		return number(decimal.NewFromInt(int64(v)))
	case uint64:
		return number(decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0))
	case []any:
		list := make([]Value, len(v))
		for i, item := range v {
			list[i] = convert(item)
		}
		return Value{Kind: KindList, List: list}
	case []*big.Int:
		list := make([]Value, len(v))
		for i, item := range v {
			list[i] = convert(item)
		}
		return Value{Kind: KindList, List: list}
	default:
		return Missing
	}
}

func number(d decimal.Decimal) Value {
	return Value{Kind: KindNumber, Number: d}
}

// Decimal returns the numeric value, unset unless the value is a number.
func (v Value) Decimal() decimal.NullDecimal {
	if v.Kind != KindNumber {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: v.Number, Valid: true}
}

// Index returns the i-th element of a list value, or Missing
func (v Value) Index(i int) Value {
	if v.Kind != KindList || i < 0 || i >= len(v.List) {
		return Missing
	}
	return v.List[i]
}
