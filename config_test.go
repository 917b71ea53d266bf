package minutegraph

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brunobiangulo/minutegraph/prompts"
	"github.com/brunobiangulo/minutegraph/record"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigFormats(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
	}{
		{"config.yaml", "protocols_path: /data/protocols\ncalls_per_minute: 40\nchat:\n  provider: ollama\n  model: qwen3:8b\nneo4j:\n  uri: bolt://graph:7687\n"},
		{"config.toml", "protocols_path = \"/data/protocols\"\ncalls_per_minute = 40\n[chat]\nprovider = \"ollama\"\nmodel = \"qwen3:8b\"\n[neo4j]\nuri = \"bolt://graph:7687\"\n"},
		{"config.json", `{"protocols_path": "/data/protocols", "calls_per_minute": 40, "chat": {"provider": "ollama", "model": "qwen3:8b"}, "neo4j": {"uri": "bolt://graph:7687"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig(writeFile(t, dir, tt.name, tt.content))
			if err != nil {
				t.Fatalf("LoadConfig: %v", err)
			}
			if cfg.ProtocolsPath != "/data/protocols" {
				t.Errorf("ProtocolsPath = %q", cfg.ProtocolsPath)
			}
			if cfg.CallsPerMinute != 40 {
				t.Errorf("CallsPerMinute = %d, want 40", cfg.CallsPerMinute)
			}
			if cfg.Chat.Provider != "ollama" || cfg.Chat.Model != "qwen3:8b" {
				t.Errorf("Chat = %+v", cfg.Chat)
			}
			if cfg.Neo4j.URI != "bolt://graph:7687" {
				t.Errorf("Neo4j.URI = %q", cfg.Neo4j.URI)
			}
			// Unset fields keep their defaults.
			if cfg.Embedding.Model != "text-embedding-3-large" {
				t.Errorf("Embedding.Model = %q, want default", cfg.Embedding.Model)
			}
			if cfg.TopK != 100 {
				t.Errorf("TopK = %d, want default 100", cfg.TopK)
			}
		})
	}
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("missing file: got %v, want ErrInvalidConfig", err)
	}
	path := writeFile(t, dir, "broken.json", "{not json")
	if _, err := LoadConfig(path); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("broken file: got %v, want ErrInvalidConfig", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PROTOCOLS_PATH", "/srv/protocols")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_MODEL_NAME", "gpt-4o-mini")
	t.Setenv("AGENDA_EXTRACTION_PROMPT_PATH", "/prompts/agenda.txt")
	t.Setenv("DIAGRAM_GENERATION_PROMPT_PATH", "/prompts/chart.txt")
	t.Setenv("AGENDA_BATCH_INPUT_ID_SAVE_PATH", "/batches/agenda.id")
	t.Setenv("NEO4J_PASSWORD", "secret")
	t.Setenv("MAX_LLM_CALLS_PER_MINUTE", "25")

	cfg := DefaultConfig()
	if err := ApplyEnv(&cfg); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.ProtocolsPath != "/srv/protocols" {
		t.Errorf("ProtocolsPath = %q", cfg.ProtocolsPath)
	}
	if cfg.Chat.APIKey != "sk-test" || cfg.Chat.Model != "gpt-4o-mini" {
		t.Errorf("Chat = %+v", cfg.Chat)
	}
	if cfg.Embedding.APIKey != "sk-test" {
		t.Errorf("embedding key should fall back to the chat key, got %q", cfg.Embedding.APIKey)
	}
	if cfg.Prompts.Agenda != "/prompts/agenda.txt" || cfg.Prompts.Chart != "/prompts/chart.txt" {
		t.Errorf("Prompts = %+v", cfg.Prompts)
	}
	if cfg.Batch.Agenda.IDFile != "/batches/agenda.id" {
		t.Errorf("Batch.Agenda.IDFile = %q", cfg.Batch.Agenda.IDFile)
	}
	if cfg.Neo4j.Password != "secret" {
		t.Errorf("Neo4j.Password = %q", cfg.Neo4j.Password)
	}
	if cfg.CallsPerMinute != 25 {
		t.Errorf("CallsPerMinute = %d, want 25", cfg.CallsPerMinute)
	}
}

func TestApplyEnvRejectsBadNumber(t *testing.T) {
	t.Setenv("MAX_LLM_CALLS_PER_MINUTE", "many")
	cfg := DefaultConfig()
	if err := ApplyEnv(&cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("got %v, want ErrInvalidConfig", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := Config{ProtocolsPath: "/data"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.CallsPerMinute != 100 {
		t.Errorf("CallsPerMinute = %d, want 100", cfg.CallsPerMinute)
	}
	if cfg.CatalogPath != filepath.Join("/data", "documents.json") {
		t.Errorf("CatalogPath = %q", cfg.CatalogPath)
	}
	if cfg.EvalResultsPath != filepath.Join("/data", "evaluation_results.json") {
		t.Errorf("EvalResultsPath = %q", cfg.EvalResultsPath)
	}
	if cfg.EmbeddingDim != 1024 || cfg.QueryAttempts != 5 || cfg.RetryBudget != 3 {
		t.Errorf("defaults not filled: %+v", cfg)
	}

	bad := Config{ProtocolsPath: "/data", CallsPerMinute: -1}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("negative rate: got %v, want ErrInvalidConfig", err)
	}

	crowded := Config{ProtocolsPath: "/data", MaxInFlight: -2}
	if err := crowded.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("negative max in flight: got %v, want ErrInvalidConfig", err)
	}

	noRoot := Config{}
	if err := noRoot.Validate(); !errors.Is(err, ErrMissingPath) {
		t.Errorf("no protocols path: got %v, want ErrMissingPath", err)
	}
}

func TestPromptPathsMap(t *testing.T) {
	m := PromptPaths{Agenda: "/p/agenda.txt", Timeline: "/p/timeline.txt"}.Map()
	if len(m) != 2 {
		t.Fatalf("got %d entries, want 2: %v", len(m), m)
	}
	if m[prompts.AgendaExtraction] != "/p/agenda.txt" {
		t.Errorf("agenda = %q", m[prompts.AgendaExtraction])
	}
	if m[prompts.Timeline] != "/p/timeline.txt" {
		t.Errorf("timeline = %q", m[prompts.Timeline])
	}
}

func TestBatchFilesDefaults(t *testing.T) {
	cfg := Config{ProtocolsPath: "/data"}
	cfg.Batch.Metadata.File = "/custom/metadata.jsonl"

	f := cfg.batchFiles(record.TypeMetadata)
	if f.File != "/custom/metadata.jsonl" {
		t.Errorf("File = %q", f.File)
	}
	if f.IDFile != filepath.Join("/data", "batches", "metadata.id") {
		t.Errorf("IDFile = %q", f.IDFile)
	}

	f = cfg.batchFiles(record.TypeReferences)
	if f.File != filepath.Join("/data", "batches", "references.jsonl") {
		t.Errorf("File = %q", f.File)
	}
}

func TestNewGovernorCapsInFlightCalls(t *testing.T) {
	cfg := Config{CallsPerMinute: 100, RateStrategy: "window", MaxInFlight: 1}
	g, err := newGovernor(cfg)
	if err != nil {
		t.Fatalf("newGovernor: %v", err)
	}
	release, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second Acquire while one call is in flight: got %v, want deadline exceeded", err)
	}

	release()
	release2, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	release2()

	if _, err := newGovernor(Config{CallsPerMinute: 100, RateStrategy: "leaky"}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("unknown strategy: got %v, want ErrInvalidConfig", err)
	}
}
