package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Modification describes an atomic update of a SharedState document.
//
// Apply receives a shallow copy of the top-level map. Implementations may add,
// replace or delete top-level keys but must not mutate nested maps or slices in
// place; build new ones instead.
type Modification interface {
	Apply(doc Document) error
}

// ModificationFunc adapts a function to Modification.
type ModificationFunc func(doc Document) error

func (f ModificationFunc) Apply(doc Document) error {
	return f(doc)
}

type setOp struct {
	field string
	value any
	err   error
}

// Set replaces field with value, creating it if absent.
func Set(field string, value any) Modification {
	v, err := normalize(value)
	return &setOp{field: field, value: v, err: err}
}

func (o *setOp) Apply(doc Document) error {
	if o.err != nil {
		return &StateError{Op: "set", Field: o.field, Code: ErrCodeEncode, Cause: o.err}
	}
	doc[o.field] = o.value
	return nil
}

type extendOp struct {
	field  string
	values []any
	err    error
}

// ExtendArray appends values to the array stored in field, creating an empty
// array first if the field is absent or null.
func ExtendArray(field string, values ...any) Modification {
	op := &extendOp{field: field, values: make([]any, 0, len(values))}
	for _, v := range values {
		nv, err := normalize(v)
		if err != nil {
			op.err = err
			break
		}
		op.values = append(op.values, nv)
	}
	return op
}

func (o *extendOp) Apply(doc Document) error {
	if o.err != nil {
		return &StateError{Op: "extend", Field: o.field, Code: ErrCodeEncode, Cause: o.err}
	}
	var current []any
	switch cur := doc[o.field].(type) {
	case nil:
	case []any:
		current = cur
	default:
		return &StateError{Op: "extend", Field: o.field, Code: ErrCodeTypeMismatch,
			Cause: fmt.Errorf("field holds %T, not an array", cur)}
	}
	next := make([]any, 0, len(current)+len(o.values))
	next = append(next, current...)
	next = append(next, o.values...)
	doc[o.field] = next
	return nil
}

type addOp struct {
	field string
	delta float64
}

// Add adds delta to the numeric field, treating an absent field as zero.
func Add(field string, delta float64) Modification {
	return &addOp{field: field, delta: delta}
}

// Increment adds one to the numeric field, treating an absent field as zero.
func Increment(field string) Modification {
	return Add(field, 1)
}

func (o *addOp) Apply(doc Document) error {
	switch cur := doc[o.field].(type) {
	case nil:
		doc[o.field] = o.delta
	case float64:
		doc[o.field] = cur + o.delta
	default:
		return &StateError{Op: "add", Field: o.field, Code: ErrCodeTypeMismatch,
			Cause: fmt.Errorf("field holds %T, not a number", cur)}
	}
	return nil
}

// Delete removes field. Deleting an absent field is a no-op.
func Delete(field string) Modification {
	return ModificationFunc(func(doc Document) error {
		delete(doc, field)
		return nil
	})
}

type sequenceOp []Modification

// Sequence applies the modifications in order within one critical section.
// If any of them fails, none of them takes effect.
func Sequence(mods ...Modification) Modification {
	return sequenceOp(mods)
}

func (s sequenceOp) Apply(doc Document) error {
	for _, m := range s {
		if m == nil {
			continue
		}
		if err := m.Apply(doc); err != nil {
			return err
		}
	}
	return nil
}

// Delta decomposes a struct into one primitive per field. Fields are mapped
// with a `delta:"key,op[,omitempty]"` tag where op is one of set (default),
// append or add (alias increment). Without a tag the json name is used.
// Nil pointers, slices, maps and interfaces are skipped.
//
//	type searchDelta struct {
//	    Results []string `delta:"results,append"`
//	    Loops   int      `delta:"loop_count,add"`
//	    Answer  *string  `delta:"answer"`
//	}
func Delta(v any) (Modification, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return Sequence(), nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, &StateError{Op: "delta", Code: ErrCodeTypeMismatch,
			Cause: fmt.Errorf("delta must be a struct, got %s", rv.Kind())}
	}

	rt := rv.Type()
	mods := make([]Modification, 0, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		if !sf.IsExported() {
			continue
		}
		key, op, omitEmpty, skip := parseDeltaTag(sf)
		if skip {
			continue
		}
		fv := rv.Field(i)
		if isNilValue(fv) || (omitEmpty && fv.IsZero()) {
			continue
		}
		for fv.Kind() == reflect.Pointer || fv.Kind() == reflect.Interface {
			fv = fv.Elem()
		}

		switch op {
		case "set", "":
			mods = append(mods, Set(key, fv.Interface()))
		case "append":
			if fv.Kind() != reflect.Slice && fv.Kind() != reflect.Array {
				return nil, &StateError{Op: "delta", Field: key, Code: ErrCodeTypeMismatch,
					Cause: fmt.Errorf("append needs a slice, got %s", fv.Kind())}
			}
			values := make([]any, fv.Len())
			for j := range values {
				values[j] = fv.Index(j).Interface()
			}
			mods = append(mods, ExtendArray(key, values...))
		case "add", "increment":
			n, ok := numericValue(fv)
			if !ok {
				return nil, &StateError{Op: "delta", Field: key, Code: ErrCodeTypeMismatch,
					Cause: fmt.Errorf("%s needs a number, got %s", op, fv.Kind())}
			}
			mods = append(mods, Add(key, n))
		default:
			return nil, &StateError{Op: "delta", Field: key, Code: ErrCodeTypeMismatch,
				Cause: fmt.Errorf("unknown delta op %q", op)}
		}
	}
	return Sequence(mods...), nil
}

// MustDelta is like Delta but panics on a malformed delta type.
func MustDelta(v any) Modification {
	m, err := Delta(v)
	if err != nil {
		panic(err)
	}
	return m
}

func parseDeltaTag(sf reflect.StructField) (key, op string, omitEmpty, skip bool) {
	tag, ok := sf.Tag.Lookup("delta")
	if tag == "-" {
		return "", "", false, true
	}
	if ok {
		parts := strings.Split(tag, ",")
		key = parts[0]
		if len(parts) > 1 {
			op = parts[1]
		}
		for _, p := range parts[2:] {
			if p == "omitempty" {
				omitEmpty = true
			}
		}
	}
	if key == "" {
		key = jsonFieldName(sf)
	}
	return key, op, omitEmpty, false
}

func jsonFieldName(sf reflect.StructField) string {
	if tag, ok := sf.Tag.Lookup("json"); ok {
		name, _, _ := strings.Cut(tag, ",")
		if name != "" && name != "-" {
			return name
		}
	}
	return sf.Name
}

func isNilValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Map:
		return v.IsNil()
	}
	return false
}

func numericValue(v reflect.Value) (float64, bool) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), true
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	}
	if n, ok := v.Interface().(json.Number); ok {
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
