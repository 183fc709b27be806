// Package schema implements composable structural validators for decoded JSON
// values. A Schema never mutates its input: it either accepts the value or
// reports every violation it found, each tagged with the path of the offending
// field.
//
// Values are expected in the shape produced by a generic JSON decode:
// map[string]any for objects, []any for arrays, string, bool, nil and a numeric
// type (float64 or json.Number, any Go integer or float is accepted as well).
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Violation describes one reason a value was not accepted.
type Violation struct {
	Path   string
	Reason string
}

func (v Violation) String() string {
	if v.Path == "" {
		return v.Reason
	}
	return v.Path + ": " + v.Reason
}

// Schema validates a decoded value.
type Schema interface {
	// Validate returns nil when value is accepted.
	Validate(value any) []Violation

	check(path string, value any, out []Violation) []Violation
}

// Strings renders violations for logging.
func Strings(violations []Violation) []string {
	if len(violations) == 0 {
		return nil
	}
	out := make([]string, len(violations))
	for i, v := range violations {
		out[i] = v.String()
	}
	return out
}

func join(path, field string) string {
	if path == "" {
		return field
	}
	return path + "." + field
}

func typeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	if isNumber(value) {
		return "number"
	}
	return fmt.Sprintf("%T", value)
}

func isNumber(value any) bool {
	switch n := value.(type) {
	case float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return true
	case json.Number:
		_, err := n.Float64()
		return err == nil
	}
	return false
}

type kindSchema struct {
	name   string
	accept func(any) bool
}

func (k kindSchema) Validate(value any) []Violation { return k.check("", value, nil) }

func (k kindSchema) check(path string, value any, out []Violation) []Violation {
	if k.accept(value) {
		return out
	}
	return append(out, Violation{Path: path, Reason: "expected " + k.name + ", got " + typeName(value)})
}

// String accepts any string, including the empty one.
func String() Schema {
	return kindSchema{name: "string", accept: func(v any) bool {
		_, ok := v.(string)
		return ok
	}}
}

// Number accepts any JSON number.
func Number() Schema {
	return kindSchema{name: "number", accept: isNumber}
}

// Integer accepts a number without a fractional part that fits in an int64.
func Integer() Schema {
	return kindSchema{name: "integer", accept: func(v any) bool { return isInteger(v, false) }}
}

// Unsigned accepts a non-negative integer that fits in a uint64.
func Unsigned() Schema {
	return kindSchema{name: "non-negative integer", accept: func(v any) bool { return isInteger(v, true) }}
}

func isInteger(value any, unsigned bool) bool {
	switch n := value.(type) {
	case int:
		return !unsigned || n >= 0
	case int8:
		return !unsigned || n >= 0
	case int16:
		return !unsigned || n >= 0
	case int32:
		return !unsigned || n >= 0
	case int64:
		return !unsigned || n >= 0
	case uint, uint8, uint16, uint32:
		return true
	case uint64:
		return unsigned || n <= math.MaxInt64
	case float32:
		return integralFloat(float64(n), unsigned)
	case float64:
		return integralFloat(n, unsigned)
	case json.Number:
		if unsigned {
			_, err := strconv.ParseUint(string(n), 10, 64)
			return err == nil
		}
		_, err := strconv.ParseInt(string(n), 10, 64)
		return err == nil
	}
	return false
}

// integralFloat reports whether f holds a whole number in the int64 range, or
// the uint64 range when unsigned is set.
func integralFloat(f float64, unsigned bool) bool {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return false
	}
	if unsigned {
		return f >= 0 && f < math.Exp2(64)
	}
	return f >= -math.Exp2(63) && f < math.Exp2(63)
}

// Boolean accepts true and false.
func Boolean() Schema {
	return kindSchema{name: "boolean", accept: func(v any) bool {
		_, ok := v.(bool)
		return ok
	}}
}

// Any accepts every value.
func Any() Schema {
	return kindSchema{name: "any value", accept: func(any) bool { return true }}
}

type literalSchema struct {
	values []string
}

// Literal accepts a string equal to one of values.
func Literal(values ...string) Schema {
	return literalSchema{values: values}
}

func (l literalSchema) Validate(value any) []Violation { return l.check("", value, nil) }

func (l literalSchema) check(path string, value any, out []Violation) []Violation {
	s, ok := value.(string)
	if ok {
		for _, v := range l.values {
			if s == v {
				return out
			}
		}
	}
	quoted := make([]string, len(l.values))
	for i, v := range l.values {
		quoted[i] = fmt.Sprintf("%q", v)
	}
	return append(out, Violation{Path: path, Reason: "expected one of " + strings.Join(quoted, ", ")})
}
