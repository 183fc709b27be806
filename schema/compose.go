package schema

import "fmt"

// Field is one named property of an object schema.
type Field struct {
	Name     string
	Schema   Schema
	Optional bool
}

// Required declares a property that must be present.
func Required(name string, s Schema) Field {
	return Field{Name: name, Schema: s}
}

// Optional declares a property that may be absent. When present it must
// still satisfy s; an explicit null is not the same as absent.
func Optional(name string, s Schema) Field {
	return Field{Name: name, Schema: s, Optional: true}
}

// ObjectSchema accepts JSON objects whose declared properties satisfy their
// schemas. Undeclared properties are allowed.
type ObjectSchema struct {
	fields []Field
}

// Object builds an object schema from fields. A later field with the same
// name replaces an earlier one.
func Object(fields ...Field) *ObjectSchema {
	o := &ObjectSchema{}
	for _, f := range fields {
		o.set(f)
	}
	return o
}

func (o *ObjectSchema) set(f Field) {
	for i := range o.fields {
		if o.fields[i].Name == f.Name {
			o.fields[i] = f
			return
		}
	}
	o.fields = append(o.fields, f)
}

// Fields returns a copy of the declared properties in declaration order.
func (o *ObjectSchema) Fields() []Field {
	return append([]Field(nil), o.fields...)
}

// Extend returns a new object schema with fields added on top of o.
func (o *ObjectSchema) Extend(fields ...Field) *ObjectSchema {
	return Merge(o, Object(fields...))
}

func (o *ObjectSchema) Validate(value any) []Violation { return o.check("", value, nil) }

func (o *ObjectSchema) check(path string, value any, out []Violation) []Violation {
	obj, ok := value.(map[string]any)
	if !ok {
		return append(out, Violation{Path: path, Reason: "expected object, got " + typeName(value)})
	}
	for _, f := range o.fields {
		v, present := obj[f.Name]
		if !present {
			if !f.Optional {
				out = append(out, Violation{Path: join(path, f.Name), Reason: "required property is missing"})
			}
			continue
		}
		out = f.Schema.check(join(path, f.Name), v, out)
	}
	return out
}

// Merge flattens several object shapes into one. Fields keep the order in
// which they first appear; on a name clash the later shape wins.
func Merge(objects ...*ObjectSchema) *ObjectSchema {
	merged := &ObjectSchema{}
	for _, o := range objects {
		if o == nil {
			continue
		}
		for _, f := range o.fields {
			merged.set(f)
		}
	}
	return merged
}

type unionSchema struct {
	variants []Schema
}

// Union accepts a value accepted by at least one variant.
func Union(variants ...Schema) Schema {
	return unionSchema{variants: variants}
}

func (u unionSchema) Validate(value any) []Violation { return u.check("", value, nil) }

func (u unionSchema) check(path string, value any, out []Violation) []Violation {
	var closest []Violation
	for i, v := range u.variants {
		found := v.check(path, value, nil)
		if len(found) == 0 {
			return out
		}
		if i == 0 || len(found) < len(closest) {
			closest = found
		}
	}
	out = append(out, Violation{
		Path:   path,
		Reason: fmt.Sprintf("expected value matching one of %d variants", len(u.variants)),
	})
	return append(out, closest...)
}

type intersectSchema struct {
	parts []Schema
}

// Intersect accepts a value accepted by every part and reports the
// violations of all of them.
func Intersect(parts ...Schema) Schema {
	return intersectSchema{parts: parts}
}

func (s intersectSchema) Validate(value any) []Violation { return s.check("", value, nil) }

func (s intersectSchema) check(path string, value any, out []Violation) []Violation {
	for _, p := range s.parts {
		out = p.check(path, value, out)
	}
	return out
}
