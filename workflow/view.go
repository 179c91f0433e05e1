package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// View is a read-only typed projection of the shared document.
type View[T any] interface {
	Project(doc Document) (T, error)
}

// ViewFunc adapts a function to View. The function must not modify or retain doc.
type ViewFunc[T any] func(doc Document) (T, error)

func (f ViewFunc[T]) Project(doc Document) (T, error) {
	return f(doc)
}

// ProjectionOption tunes a typed projection.
type ProjectionOption func(*projectionConfig)

type projectionConfig struct {
	strict bool
}

// Strict makes the projection reject document fields that T does not declare,
// and fields of T that the document leaves absent or null. Pointer fields and
// fields tagged omitempty are optional.
func Strict() ProjectionOption {
	return func(c *projectionConfig) {
		c.strict = true
	}
}

type typedProjection[T any] struct {
	cfg projectionConfig
}

// TypedProjection decodes the whole document as T. A shape mismatch is
// reported as a *StateError with code DECODE instead of a partially filled T.
func TypedProjection[T any](opts ...ProjectionOption) View[T] {
	p := &typedProjection[T]{}
	for _, opt := range opts {
		opt(&p.cfg)
	}
	return p
}

func (p *typedProjection[T]) Project(doc Document) (T, error) {
	var out, zero T
	if err := decodeInto(doc, &out, p.cfg.strict); err != nil {
		return zero, &StateError{Op: "view", Code: ErrCodeDecode,
			Cause: fmt.Errorf("decode state as %T: %w", out, err)}
	}
	if p.cfg.strict {
		if err := checkRequired(reflect.TypeOf(out), map[string]any(doc), ""); err != nil {
			return zero, err
		}
	}
	return out, nil
}

type fieldView[T any] struct {
	field string
}

// FieldView decodes a single top-level field as T. A missing field is an error.
func FieldView[T any](field string) View[T] {
	return &fieldView[T]{field: field}
}

func (v *fieldView[T]) Project(doc Document) (T, error) {
	var out T
	raw, ok := doc[v.field]
	if !ok {
		return out, &StateError{Op: "view", Field: v.field, Code: ErrCodeMissingField,
			Cause: fmt.Errorf("field not present")}
	}
	if err := decodeInto(raw, &out, false); err != nil {
		var zero T
		return zero, &StateError{Op: "view", Field: v.field, Code: ErrCodeDecode, Cause: err}
	}
	return out, nil
}

func decodeInto(src any, dst any, strict bool) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if strict {
		dec.DisallowUnknownFields()
	}
	return dec.Decode(dst)
}

// checkRequired walks the struct fields of t and reports the first one obj
// does not carry. Nested structs are checked against their sub-objects.
func checkRequired(t reflect.Type, obj map[string]any, prefix string) error {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, opts, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" && opts == "" {
			continue
		}
		if f.Anonymous && name == "" {
			if f.Type.Kind() == reflect.Pointer {
				continue
			}
			if err := checkRequired(f.Type, obj, prefix); err != nil {
				return err
			}
			continue
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		if f.Type.Kind() == reflect.Pointer || hasTagOption(opts, "omitempty") {
			continue
		}
		path := prefix + name
		raw, ok := lookupField(obj, name)
		if !ok {
			return &StateError{Op: "view", Field: path, Code: ErrCodeMissingField,
				Cause: fmt.Errorf("field not present")}
		}
		if raw == nil {
			return &StateError{Op: "view", Field: path, Code: ErrCodeDecode,
				Cause: fmt.Errorf("field is null")}
		}
		switch sub := raw.(type) {
		case map[string]any:
			if err := checkRequired(f.Type, sub, path+"."); err != nil {
				return err
			}
		case Document:
			if err := checkRequired(f.Type, sub, path+"."); err != nil {
				return err
			}
		}
	}
	return nil
}

// lookupField matches keys the way encoding/json does: exact first, then
// case-insensitively.
func lookupField(obj map[string]any, name string) (any, bool) {
	if v, ok := obj[name]; ok {
		return v, true
	}
	for k, v := range obj {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

func hasTagOption(opts, want string) bool {
	for opts != "" {
		var o string
		o, opts, _ = strings.Cut(opts, ",")
		if o == want {
			return true
		}
	}
	return false
}
