package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrimitives(t *testing.T) {
	tests := []struct {
		name   string
		schema Schema
		value  any
		ok     bool
	}{
		{"StringAccepts", String(), "abc", true},
		{"StringAcceptsEmpty", String(), "", true},
		{"StringRejectsNumber", String(), 1.0, false},
		{"NumberAcceptsFloat", Number(), 1.5, true},
		{"NumberAcceptsInt", Number(), int64(7), true},
		{"NumberAcceptsJSONNumber", Number(), json.Number("12"), true},
		{"NumberRejectsBadJSONNumber", Number(), json.Number("x"), false},
		{"NumberRejectsString", Number(), "12", false},
		{"IntegerAcceptsWholeFloat", Integer(), 1717171717.0, true},
		{"IntegerAcceptsNegative", Integer(), -3.0, true},
		{"IntegerRejectsFraction", Integer(), 2.5, false},
		{"IntegerRejectsOverflow", Integer(), 1e19, false},
		{"IntegerAcceptsJSONNumber", Integer(), json.Number("22009797"), true},
		{"IntegerRejectsJSONNumberFraction", Integer(), json.Number("1.5"), false},
		{"IntegerRejectsString", Integer(), "7", false},
		{"UnsignedAcceptsZero", Unsigned(), 0.0, true},
		{"UnsignedAcceptsLarge", Unsigned(), 1e19, true},
		{"UnsignedRejectsNegative", Unsigned(), -1.0, false},
		{"UnsignedRejectsNegativeInt", Unsigned(), int64(-1), false},
		{"UnsignedRejectsJSONNumberNegative", Unsigned(), json.Number("-1"), false},
		{"BooleanAccepts", Boolean(), false, true},
		{"BooleanRejectsString", Boolean(), "not-a-boolean", false},
		{"AnyAcceptsNull", Any(), nil, true},
		{"LiteralAccepts", Literal("a", "b"), "b", true},
		{"LiteralRejectsOther", Literal("a", "b"), "c", false},
		{"LiteralRejectsNonString", Literal("a"), true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			violations := tt.schema.Validate(tt.value)
			if tt.ok {
				assert.Empty(t, violations)
			} else {
				assert.Len(t, violations, 1)
			}
		})
	}
}

func TestPrimitiveViolationReason(t *testing.T) {
	v := Boolean().Validate("not-a-boolean")
	assert.Equal(t, []Violation{{Reason: "expected boolean, got string"}}, v)

	v = Unsigned().Validate(-1.0)
	assert.Equal(t, []Violation{{Reason: "expected non-negative integer, got number"}}, v)

	v = Literal("swapBaseIn", "swapBaseOut").Validate("swap")
	assert.Equal(t, `expected one of "swapBaseIn", "swapBaseOut"`, v[0].Reason)
}

func TestObject(t *testing.T) {
	s := Object(
		Required("id", String()),
		Required("count", Number()),
		Optional("note", String()),
	)

	t.Run("Valid", func(t *testing.T) {
		assert.Empty(t, s.Validate(map[string]any{"id": "x", "count": 1.0}))
	})

	t.Run("ExtraPropertiesAllowed", func(t *testing.T) {
		assert.Empty(t, s.Validate(map[string]any{"id": "x", "count": 1.0, "other": true}))
	})

	t.Run("MissingRequired", func(t *testing.T) {
		v := s.Validate(map[string]any{})
		assert.Equal(t, []Violation{
			{Path: "id", Reason: "required property is missing"},
			{Path: "count", Reason: "required property is missing"},
		}, v)
	})

	t.Run("OptionalPresentMustMatch", func(t *testing.T) {
		v := s.Validate(map[string]any{"id": "x", "count": 1.0, "note": 3.0})
		assert.Equal(t, []Violation{{Path: "note", Reason: "expected string, got number"}}, v)
	})

	t.Run("OptionalNullIsNotAbsent", func(t *testing.T) {
		v := s.Validate(map[string]any{"id": "x", "count": 1.0, "note": nil})
		assert.Len(t, v, 1)
	})

	t.Run("NotAnObject", func(t *testing.T) {
		v := s.Validate([]any{})
		assert.Equal(t, []Violation{{Reason: "expected object, got array"}}, v)
	})
}

func TestNestedPaths(t *testing.T) {
	s := Object(Required("outer", Object(Required("inner", Number()))))
	v := s.Validate(map[string]any{"outer": map[string]any{"inner": "1"}})
	assert.Equal(t, "outer.inner: expected number, got string", v[0].String())
}

func TestMerge(t *testing.T) {
	base := Object(Required("id", String()), Required("ts", Number()))
	variant := Object(Required("ts", String()), Required("pool", String()))

	merged := Merge(base, variant)
	names := []string{}
	for _, f := range merged.Fields() {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"id", "ts", "pool"}, names)
	assert.Empty(t, merged.Validate(map[string]any{"id": "a", "ts": "late", "pool": "p"}))
	assert.NotEmpty(t, merged.Validate(map[string]any{"id": "a", "ts": 1.0, "pool": "p"}))

	extended := base.Extend(Required("extra", Boolean()))
	assert.Len(t, extended.Fields(), 3)
	assert.Len(t, base.Fields(), 2)
}

func TestUnion(t *testing.T) {
	s := Union(
		Object(Required("a", String())),
		Object(Required("b", Number()), Required("c", Number())),
	)

	assert.Empty(t, s.Validate(map[string]any{"a": "x"}))
	assert.Empty(t, s.Validate(map[string]any{"b": 1.0, "c": 2.0}))

	v := s.Validate(map[string]any{"b": 1.0})
	assert.Equal(t, "expected value matching one of 2 variants", v[0].Reason)
	assert.Contains(t, v, Violation{Path: "a", Reason: "required property is missing"})
}

func TestIntersect(t *testing.T) {
	s := Intersect(
		Object(Required("a", String())),
		Object(Required("b", Boolean())),
	)

	assert.Empty(t, s.Validate(map[string]any{"a": "x", "b": true}))
	v := s.Validate(map[string]any{})
	assert.Len(t, v, 2)
}

func TestStrings(t *testing.T) {
	assert.Nil(t, Strings(nil))
	assert.Equal(t, []string{"a: bad", "worse"}, Strings([]Violation{{Path: "a", Reason: "bad"}, {Reason: "worse"}}))
}
