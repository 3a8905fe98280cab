package wire

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Bind builds a *T from a wire kwargs map, first via a plain JSON round
// trip (covers ints/floats/strings/bytes/lists/maps) and then, for any
// field of T whose address implements Loader, re-applying that field's
// custom Load against the original decoded state. This is the agent-side
// half of the "declared type advertises load" hook; the
// straightforward JSON pass handles everything else.
func Bind[T any](kwargs map[string]any) (*T, error) {
	var target T

	raw, err := json.Marshal(kwargs)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal kwargs: %w", err)
	}
	if err := json.Unmarshal(raw, &target); err != nil {
		return nil, fmt.Errorf("wire: unmarshal kwargs into %T: %w", target, err)
	}

	v := reflect.ValueOf(&target).Elem()
	t := v.Type()
	if t.Kind() != reflect.Struct {
		return &target, nil
	}

	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		if !field.CanAddr() {
			continue
		}
		loader, ok := field.Addr().Interface().(Loader)
		if !ok {
			continue
		}
		name := jsonFieldName(t.Field(i))
		rawField, ok := kwargs[name]
		if !ok {
			continue
		}
		state, ok := rawField.(map[string]any)
		if !ok {
			continue
		}
		if err := loader.Load(state); err != nil {
			return nil, fmt.Errorf("wire: load field %q: %w", name, err)
		}
	}

	return &target, nil
}

func jsonFieldName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" || tag == "-" {
		return f.Name
	}
	for i := 0; i < len(tag); i++ {
		if tag[i] == ',' {
			return tag[:i]
		}
	}
	return tag
}
