package record

import (
	"encoding/json"
	"reflect"
	"strings"
	"sync"
)

var knownKeys sync.Map // reflect.Type -> map[string]bool

// fieldKeys returns the JSON keys of t's exported fields, following
// embedded structs the way encoding/json does.
func fieldKeys(t reflect.Type) map[string]bool {
	if v, ok := knownKeys.Load(t); ok {
		return v.(map[string]bool)
	}
	keys := make(map[string]bool)
	collectKeys(t, keys)
	knownKeys.Store(t, keys)
	return keys
}

func collectKeys(t reflect.Type, keys map[string]bool) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		if f.Anonymous && name == "" && f.Type.Kind() == reflect.Struct {
			collectKeys(f.Type, keys)
			continue
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		keys[name] = true
	}
}

func marshalWithExtra(v any, extra map[string]any) ([]byte, error) {
	base, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return base, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for k, x := range extra {
		if _, known := m[k]; known {
			continue
		}
		raw, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		m[k] = raw
	}
	return json.Marshal(m)
}

// unmarshalWithExtra decodes data into v (a pointer to struct) and returns
// the top-level keys v has no field for.
func unmarshalWithExtra(data []byte, v any) (map[string]any, error) {
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	keys := fieldKeys(reflect.TypeOf(v).Elem())
	var extra map[string]any
	for k, x := range all {
		if keys[k] {
			continue
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[k] = x
	}
	return extra, nil
}
