// Package prompts loads the instruction templates sent to the model.
// Every template has a built-in default that a configured file replaces.
package prompts

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Template names.
const (
	MetadataExtraction   = "metadata_extraction"
	AgendaExtraction     = "agenda_extraction"
	ReferencesExtraction = "references_extraction"
	CypherGeneration     = "cypher_generation"
	CypherQA             = "cypher_qa"
	CypherFilter         = "cypher_filter"
	Chart                = "chart"
	Timeline             = "timeline"
)

var (
	ErrMissingPrompt = errors.New("prompts: prompt file not found")
	ErrUnknownPrompt = errors.New("prompts: unknown prompt")
)

//go:embed defaults/*.txt
var defaults embed.FS

// Names lists every template name.
func Names() []string {
	entries, _ := defaults.ReadDir("defaults")
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".txt"))
	}
	sort.Strings(names)
	return names
}

// Store resolves templates by name and caches them.
type Store struct {
	mu    sync.Mutex
	paths map[string]string
	cache map[string]string
}

// NewStore creates a store. paths maps template names to files; names
// without a path use the built-in default.
func NewStore(paths map[string]string) *Store {
	p := make(map[string]string, len(paths))
	for k, v := range paths {
		if v != "" {
			p[k] = v
		}
	}
	return &Store{paths: p, cache: make(map[string]string)}
}

// Load returns the named template. A configured file that cannot be read
// is an error, never a silent fallback.
func (s *Store) Load(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.cache[name]; ok {
		return t, nil
	}

	var t string
	if path, ok := s.paths[name]; ok {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("%w: %s (%s)", ErrMissingPrompt, name, path)
			}
			return "", fmt.Errorf("prompts: reading %s: %w", path, err)
		}
		t = string(data)
	} else {
		data, err := defaults.ReadFile("defaults/" + name + ".txt")
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrUnknownPrompt, name)
		}
		t = string(data)
	}
	s.cache[name] = t
	return t, nil
}

// Check loads every template once so missing files fail at startup.
func (s *Store) Check() error {
	for _, name := range Names() {
		if _, err := s.Load(name); err != nil {
			return err
		}
	}
	return nil
}

// Render replaces {name} placeholders with vars. Braces that do not name a
// variable are left alone, so templates may carry JSON and Cypher maps.
func Render(tmpl string, vars map[string]string) string {
	if len(vars) == 0 {
		return tmpl
	}
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
