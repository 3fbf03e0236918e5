package compiler

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/harun/exprtools/pkg/descriptor"
	"github.com/harun/exprtools/pkg/expr"
)

var errNotCoercible = errors.New("not coercible")

// coerce converts a caller supplied argument to the expression value of the
// declared type. Arguments usually arrive JSON decoded, so integers may be
// float64 or json.Number.
func coerce(typ descriptor.Type, v interface{}) (expr.Value, error) {
	if v == nil {
		return expr.Value{}, errNotCoercible
	}

	switch typ {
	case descriptor.TypeInteger:
		i, err := toInteger(v)
		if err != nil {
			return expr.Value{}, err
		}
		return expr.Int(i), nil

	case descriptor.TypeNumber:
		f, err := toNumber(v)
		if err != nil {
			return expr.Value{}, err
		}
		return expr.Number(f), nil

	case descriptor.TypeBoolean:
		b, err := toBoolean(v)
		if err != nil {
			return expr.Value{}, err
		}
		return expr.Bool(b), nil

	default:
		s, err := toText(v)
		if err != nil {
			return expr.Value{}, err
		}
		return expr.String(s), nil
	}
}

func toInteger(v interface{}) (int64, error) {
	switch x := v.(type) {
	case bool:
		return 0, errNotCoercible
	case string:
		s := strings.TrimSpace(x)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, errNotCoercible
		}
		return integral(f)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return 0, errNotCoercible
		}
		return integral(f)
	case float64:
		return integral(x)
	case float32:
		return integral(float64(x))
	case uint:
		return fromUnsigned(uint64(x))
	case uint32:
		return fromUnsigned(uint64(x))
	case uint64:
		return fromUnsigned(x)
	case uintptr:
		return fromUnsigned(uint64(x))
	}

	i, err := cast.ToInt64E(v)
	if err != nil {
		return 0, errNotCoercible
	}
	return i, nil
}

// fromUnsigned rejects values that do not fit in an int64
func fromUnsigned(u uint64) (int64, error) {
	if u > math.MaxInt64 {
		return 0, errNotCoercible
	}
	return int64(u), nil
}

// integral accepts floats without a fractional part that fit in an int64
func integral(f float64) (int64, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, errNotCoercible
	}
	return int64(f), nil
}

func toNumber(v interface{}) (float64, error) {
	var (
		f   float64
		err error
	)

	switch x := v.(type) {
	case bool:
		return 0, errNotCoercible
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(x), 64)
	case json.Number:
		f, err = x.Float64()
	default:
		f, err = cast.ToFloat64E(v)
	}

	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errNotCoercible
	}
	return f, nil
}

func toBoolean(v interface{}) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "1":
			return true, nil
		case "false", "0":
			return false, nil
		}
		return false, errNotCoercible
	}

	// numbers are accepted only as 0 or 1
	f, err := toNumber(v)
	if err != nil || (f != 0 && f != 1) {
		return false, errNotCoercible
	}
	return f == 1, nil
}

func toText(v interface{}) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case float64:
		return formatFloat(x), nil
	case float32:
		return formatFloat(float64(x)), nil
	}

	s, err := cast.ToStringE(v)
	if err != nil {
		return "", errNotCoercible
	}
	return s, nil
}

// formatFloat renders JSON numbers that hold integers without a fraction
func formatFloat(f float64) string {
	if i, err := integral(f); err == nil {
		return strconv.FormatInt(i, 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
