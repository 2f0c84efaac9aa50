package schema

import (
	"encoding/json"
	"fmt"
	"math"
)

// Coerce normalizes a decoded wire value to the declared type.
//
// Decoders disagree on numeric representation (encoding/json yields
// float64 or json.Number, CBOR yields uint64 or int64), so integers are
// always returned as int64 and floats as float64. An integer property
// accepts a float only when it has no fractional part.
//
// Returns ErrTypeMismatch when v cannot represent t.
func Coerce(t ValueType, v any) (any, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: nil is not %s", ErrTypeMismatch, t)
	}

	switch t {
	case TypeInteger:
		return toInt(v)
	case TypeFloat:
		return toFloat(v)
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeObject:
		return toObject(v)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrTypeMismatch, t)
	}
	return nil, fmt.Errorf("%w: %T is not %s", ErrTypeMismatch, v, t)
}

func toInt(v any) (any, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return uintToInt(uint64(n))
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return uintToInt(n)
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not int", ErrTypeMismatch, n.String())
		}
		return floatToInt(f)
	}
	return nil, fmt.Errorf("%w: %T is not int", ErrTypeMismatch, v)
}

func uintToInt(n uint64) (any, error) {
	if n > math.MaxInt64 {
		return nil, fmt.Errorf("%w: %d overflows int", ErrTypeMismatch, n)
	}
	return int64(n), nil
}

func floatToInt(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return nil, fmt.Errorf("%w: %v is not integral", ErrTypeMismatch, f)
	}
	// float64(math.MaxInt64) rounds up to 2^63, which does not fit.
	if f >= 0x1p63 || f < -0x1p63 {
		return nil, fmt.Errorf("%w: %v overflows int", ErrTypeMismatch, f)
	}
	return int64(f), nil
}

func toFloat(v any) (any, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not float", ErrTypeMismatch, n.String())
		}
		return f, nil
	}
	return nil, fmt.Errorf("%w: %T is not float", ErrTypeMismatch, v)
}

func toObject(v any) (any, error) {
	switch o := v.(type) {
	case map[string]any:
		return o, nil
	case []any:
		return o, nil
	case map[any]any:
		out := make(map[string]any, len(o))
		for k, val := range o {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("%w: object key %v is not a string", ErrTypeMismatch, k)
			}
			out[key] = val
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %T is not object", ErrTypeMismatch, v)
}
