package record

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/jsonschema-go/jsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Schema is a JSON schema in both raw form, which is sent to the model as
// the structured-output constraint, and resolved form, which validates
// what comes back.
type Schema struct {
	Raw      json.RawMessage
	resolved *jsonschema.Resolved
}

// ParseSchema parses and resolves a JSON schema document.
func ParseSchema(data []byte) (*Schema, error) {
	var s jsonschema.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("record: parsing schema: %w", err)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("record: resolving schema: %w", err)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return nil, fmt.Errorf("record: compacting schema: %w", err)
	}
	return &Schema{Raw: compact.Bytes(), resolved: resolved}, nil
}

// LoadSchema reads a schema file.
func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("record: reading schema: %w", err)
	}
	return ParseSchema(data)
}

// DefaultSchema returns the built-in strict schema for t.
func DefaultSchema(t Type) (*Schema, error) {
	data, err := schemaFS.ReadFile("schemas/" + string(t) + ".json")
	if err != nil {
		return nil, fmt.Errorf("record: no built-in schema for %q", t)
	}
	return ParseSchema(data)
}

// SchemaFor loads path when set, the built-in schema otherwise.
func SchemaFor(t Type, path string) (*Schema, error) {
	if path != "" {
		return LoadSchema(path)
	}
	return DefaultSchema(t)
}

// Validate checks a decoded JSON instance against the schema.
func (s *Schema) Validate(instance any) error {
	if s == nil || s.resolved == nil {
		return nil
	}
	return s.resolved.Validate(instance)
}
