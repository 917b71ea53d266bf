package prompts

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaults(t *testing.T) {
	s := NewStore(nil)
	if err := s.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}
	gen, err := s.Load(CypherGeneration)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{"{schema}", "{field_descriptions}", "{question}", "{index_info}"} {
		if !strings.Contains(gen, p) {
			t.Errorf("generation prompt lacks %s", p)
		}
	}
	if len(Names()) != 8 {
		t.Errorf("Names() = %v", Names())
	}
}

func TestConfiguredFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qa.txt")
	if err := os.WriteFile(path, []byte("Q: {question}"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(map[string]string{CypherQA: path})
	got, err := s.Load(CypherQA)
	if err != nil {
		t.Fatal(err)
	}
	if got != "Q: {question}" {
		t.Errorf("Load = %q", got)
	}

	// Cached: removing the file does not matter any more.
	os.Remove(path)
	if _, err := s.Load(CypherQA); err != nil {
		t.Errorf("cached load: %v", err)
	}
}

func TestMissingFile(t *testing.T) {
	s := NewStore(map[string]string{Chart: filepath.Join(t.TempDir(), "nope.txt")})
	if _, err := s.Load(Chart); !errors.Is(err, ErrMissingPrompt) {
		t.Errorf("err = %v, want ErrMissingPrompt", err)
	}
	if err := s.Check(); !errors.Is(err, ErrMissingPrompt) {
		t.Errorf("Check err = %v, want ErrMissingPrompt", err)
	}
	if _, err := NewStore(nil).Load("poem"); !errors.Is(err, ErrUnknownPrompt) {
		t.Errorf("err = %v, want ErrUnknownPrompt", err)
	}
}

func TestRender(t *testing.T) {
	got := Render(`MATCH (m {year: 2024}) // {question} {missing}`, map[string]string{"question": "who?"})
	want := `MATCH (m {year: 2024}) // who? {missing}`
	if got != want {
		t.Errorf("Render = %q, want %q", got, want)
	}
}
