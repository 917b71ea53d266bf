package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidPayload covers model output that is not JSON or does not match
// the schema.
var ErrInvalidPayload = errors.New("record: invalid payload")

var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// ExtractJSON strips Markdown fences and surrounding prose from a model
// answer and returns the JSON object inside it.
func ExtractJSON(raw string) (string, error) {
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		return raw, nil
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1], nil
	}
	return "", fmt.Errorf("%w: no JSON object found in response", ErrInvalidPayload)
}

// Decode turns a model answer into a payload of type t. The text must hold
// a JSON object that validates against schema (when given).
func Decode(t Type, text string, schema *Schema) (*Payload, error) {
	body, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	var instance any
	if err := json.Unmarshal([]byte(body), &instance); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if _, ok := instance.(map[string]any); !ok {
		return nil, fmt.Errorf("%w: top-level value is not an object", ErrInvalidPayload)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: schema: %w", ErrInvalidPayload, err)
	}
	p, err := Unmarshal(t, []byte(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return p, nil
}
