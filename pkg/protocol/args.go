package protocol

import (
	"errors"
	"fmt"
	"math"
)

// Argument errors.
var (
	ErrArgMissing = errors.New("protocol: argument missing")
	ErrArgType    = errors.New("protocol: argument has wrong type")
)

func argAt(args []any, i int) (any, error) {
	if i < 0 || i >= len(args) {
		return nil, fmt.Errorf("%w: index %d of %d", ErrArgMissing, i, len(args))
	}
	return args[i], nil
}

func argTypeError(i int, want string, got any) error {
	return fmt.Errorf("%w: index %d: want %s, got %T", ErrArgType, i, want, got)
}

// ArgString returns args[i] as a string. Byte slices are accepted.
func ArgString(args []any, i int) (string, error) {
	v, err := argAt(args, i)
	if err != nil {
		return "", err
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	default:
		return "", argTypeError(i, "string", v)
	}
}

// ArgInt returns args[i] as an int64. Integral floats are accepted since
// JavaScript numbers carry no integer type.
func ArgInt(args []any, i int) (int64, error) {
	v, err := argAt(args, i)
	if err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case int64:
		return x, nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, argTypeError(i, "int64", v)
		}
		return int64(x), nil
	case int:
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) || x > math.MaxInt64 || x < math.MinInt64 {
			return 0, argTypeError(i, "integer", v)
		}
		return int64(x), nil
	default:
		return 0, argTypeError(i, "integer", v)
	}
}

// ArgFloat returns args[i] as a float64.
func ArgFloat(args []any, i int) (float64, error) {
	v, err := argAt(args, i)
	if err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case int:
		return float64(x), nil
	default:
		return 0, argTypeError(i, "number", v)
	}
}

// ArgBool returns args[i] as a bool.
func ArgBool(args []any, i int) (bool, error) {
	v, err := argAt(args, i)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, argTypeError(i, "bool", v)
	}
	return b, nil
}

// ArgBytes returns args[i] as raw bytes. Strings are accepted.
func ArgBytes(args []any, i int) ([]byte, error) {
	v, err := argAt(args, i)
	if err != nil {
		return nil, err
	}
	switch x := v.(type) {
	case []byte:
		return x, nil
	case string:
		return []byte(x), nil
	default:
		return nil, argTypeError(i, "bytes", v)
	}
}
