package minutegraph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v2"

	"github.com/brunobiangulo/minutegraph/graph"
	"github.com/brunobiangulo/minutegraph/prompts"
	"github.com/brunobiangulo/minutegraph/ratelimit"
	"github.com/brunobiangulo/minutegraph/record"
)

// Config holds all configuration for the minutegraph engine.
type Config struct {
	// ProtocolsPath is the root of the downloaded meeting documents. Records
	// and aggregates are written below it.
	ProtocolsPath string `json:"protocols_path" yaml:"protocols_path" toml:"protocols_path"`

	// CatalogPath is the document index written by the scraper. Defaults to
	// <ProtocolsPath>/documents.json.
	CatalogPath string `json:"catalog_path" yaml:"catalog_path" toml:"catalog_path"`

	// DBPath is the full path to the SQLite ledger.
	// If empty, defaults to ~/.minutegraph/minutegraph.db
	DBPath string `json:"db_path" yaml:"db_path" toml:"db_path"`

	// LLM providers
	Chat      LLMConfig `json:"chat" yaml:"chat" toml:"chat"`
	Embedding LLMConfig `json:"embedding" yaml:"embedding" toml:"embedding"`

	// Rate limiting of outbound model calls
	CallsPerMinute int    `json:"calls_per_minute" yaml:"calls_per_minute" toml:"calls_per_minute"`
	RateStrategy   string `json:"rate_strategy" yaml:"rate_strategy" toml:"rate_strategy"` // window, pacer, semaphore
	// MaxInFlight caps concurrent model calls on top of the rate; 0 leaves
	// them uncapped.
	MaxInFlight int `json:"max_in_flight" yaml:"max_in_flight" toml:"max_in_flight"`

	// Extraction
	RetryBudget int `json:"retry_budget" yaml:"retry_budget" toml:"retry_budget"`
	Concurrency int `json:"concurrency" yaml:"concurrency" toml:"concurrency"`

	// Question answering
	QueryAttempts int `json:"query_attempts" yaml:"query_attempts" toml:"query_attempts"`
	TopK          int `json:"top_k" yaml:"top_k" toml:"top_k"`

	// Embedding dimensions (must match model)
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim" toml:"embedding_dim"`

	// Graph building
	GraphConcurrency int `json:"graph_concurrency" yaml:"graph_concurrency" toml:"graph_concurrency"`

	Prompts PromptPaths  `json:"prompts" yaml:"prompts" toml:"prompts"`
	Schemas SchemaPaths  `json:"schemas" yaml:"schemas" toml:"schemas"`
	Batch   BatchConfig  `json:"batch" yaml:"batch" toml:"batch"`
	Neo4j   graph.Config `json:"neo4j" yaml:"neo4j" toml:"neo4j"`

	// FieldDescriptionsPath is a JSON file describing graph properties for
	// the query and answer prompts.
	FieldDescriptionsPath string `json:"field_descriptions_path" yaml:"field_descriptions_path" toml:"field_descriptions_path"`

	// EvalResultsPath accumulates evaluation reports.
	EvalResultsPath string `json:"eval_results_path" yaml:"eval_results_path" toml:"eval_results_path"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider" toml:"provider"` // openai, ollama, custom
	Model    string `json:"model" yaml:"model" toml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url" toml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key" toml:"api_key"`
}

// PromptPaths points prompts at files. Empty paths use the built-in prompts.
type PromptPaths struct {
	Metadata         string `json:"metadata" yaml:"metadata" toml:"metadata"`
	Agenda           string `json:"agenda" yaml:"agenda" toml:"agenda"`
	References       string `json:"references" yaml:"references" toml:"references"`
	CypherGeneration string `json:"cypher_generation" yaml:"cypher_generation" toml:"cypher_generation"`
	CypherQA         string `json:"cypher_qa" yaml:"cypher_qa" toml:"cypher_qa"`
	CypherFilter     string `json:"cypher_filter" yaml:"cypher_filter" toml:"cypher_filter"`
	Chart            string `json:"chart" yaml:"chart" toml:"chart"`
	Timeline         string `json:"timeline" yaml:"timeline" toml:"timeline"`
}

// Map keys the configured paths by prompt name.
func (p PromptPaths) Map() map[string]string {
	m := map[string]string{}
	for name, path := range map[string]string{
		prompts.MetadataExtraction:   p.Metadata,
		prompts.AgendaExtraction:     p.Agenda,
		prompts.ReferencesExtraction: p.References,
		prompts.CypherGeneration:     p.CypherGeneration,
		prompts.CypherQA:             p.CypherQA,
		prompts.CypherFilter:         p.CypherFilter,
		prompts.Chart:                p.Chart,
		prompts.Timeline:             p.Timeline,
	} {
		if path != "" {
			m[name] = path
		}
	}
	return m
}

// SchemaPaths points extraction schemas at files. Empty paths use the
// built-in schemas.
type SchemaPaths struct {
	Metadata   string `json:"metadata" yaml:"metadata" toml:"metadata"`
	Agenda     string `json:"agenda" yaml:"agenda" toml:"agenda"`
	References string `json:"references" yaml:"references" toml:"references"`
}

// Path returns the schema file of t.
func (s SchemaPaths) Path(t record.Type) string {
	switch t {
	case record.TypeMetadata:
		return s.Metadata
	case record.TypeAgenda:
		return s.Agenda
	case record.TypeReferences:
		return s.References
	}
	return ""
}

// BatchFiles are the request file and the saved job id of one extraction type.
type BatchFiles struct {
	File   string `json:"file" yaml:"file" toml:"file"`
	IDFile string `json:"id_file" yaml:"id_file" toml:"id_file"`
}

// BatchConfig configures provider batch jobs.
type BatchConfig struct {
	Metadata   BatchFiles `json:"metadata" yaml:"metadata" toml:"metadata"`
	Agenda     BatchFiles `json:"agenda" yaml:"agenda" toml:"agenda"`
	References BatchFiles `json:"references" yaml:"references" toml:"references"`

	PricePerMillion float64 `json:"price_per_million" yaml:"price_per_million" toml:"price_per_million"`
	// PauseSeconds spaces consecutive submissions.
	PauseSeconds int `json:"pause_seconds" yaml:"pause_seconds" toml:"pause_seconds"`
}

// batchFiles returns the batch files of t, defaulting to
// <ProtocolsPath>/batches/<type>.jsonl and <type>.id.
func (c *Config) batchFiles(t record.Type) BatchFiles {
	var f BatchFiles
	switch t {
	case record.TypeMetadata:
		f = c.Batch.Metadata
	case record.TypeAgenda:
		f = c.Batch.Agenda
	case record.TypeReferences:
		f = c.Batch.References
	}
	dir := filepath.Join(c.ProtocolsPath, "batches")
	if f.File == "" {
		f.File = filepath.Join(dir, string(t)+".jsonl")
	}
	if f.IDFile == "" {
		f.IDFile = filepath.Join(dir, string(t)+".id")
	}
	return f
}

// DefaultConfig returns a Config for the OpenAI API with a local Neo4j.
// The database is stored in ~/.minutegraph/minutegraph.db by default.
func DefaultConfig() Config {
	return Config{
		ProtocolsPath: "protocols",
		Chat: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o-2024-08-06",
		},
		Embedding: LLMConfig{
			Provider: "openai",
			Model:    "text-embedding-3-large",
		},
		CallsPerMinute:   ratelimit.DefaultLimit,
		RateStrategy:     ratelimit.StrategyWindow,
		RetryBudget:      3,
		Concurrency:      8,
		QueryAttempts:    5,
		TopK:             100,
		EmbeddingDim:     graph.DefaultDimension,
		GraphConcurrency: 4,
		Batch: BatchConfig{
			PauseSeconds: 60,
		},
		Neo4j: graph.Config{
			URI:      "neo4j://localhost:7687",
			Username: "neo4j",
		},
	}
}

// LoadConfig reads a config file over DefaultConfig. The decoder is chosen
// by extension: .yaml/.yml, .toml, anything else JSON.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("%w: reading %s: %w", ErrInvalidConfig, path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("%w: parsing %s: %w", ErrInvalidConfig, path, err)
	}
	return cfg, nil
}

// envStrings maps environment variables onto string fields. Later entries
// win when several name the same field.
func envStrings(cfg *Config) []struct {
	name string
	dst  *string
} {
	return []struct {
		name string
		dst  *string
	}{
		{"PROTOCOLS_PATH", &cfg.ProtocolsPath},
		{"SCRAPED_DATA_FILE_PATH", &cfg.CatalogPath},
		{"MINUTEGRAPH_CATALOG_PATH", &cfg.CatalogPath},
		{"MINUTEGRAPH_DB_PATH", &cfg.DBPath},

		{"OPENAI_API_KEY", &cfg.Chat.APIKey},
		{"OPENAI_MODEL_NAME", &cfg.Chat.Model},
		{"OPENAI_TEXT_EMBEDDING_MODEL_NAME", &cfg.Embedding.Model},
		{"MINUTEGRAPH_CHAT_PROVIDER", &cfg.Chat.Provider},
		{"MINUTEGRAPH_CHAT_BASE_URL", &cfg.Chat.BaseURL},
		{"MINUTEGRAPH_CHAT_API_KEY", &cfg.Chat.APIKey},
		{"MINUTEGRAPH_EMBED_PROVIDER", &cfg.Embedding.Provider},
		{"MINUTEGRAPH_EMBED_BASE_URL", &cfg.Embedding.BaseURL},
		{"MINUTEGRAPH_EMBED_API_KEY", &cfg.Embedding.APIKey},
		{"MINUTEGRAPH_RATE_STRATEGY", &cfg.RateStrategy},

		{"METADATA_EXTRACTION_PROMPT_PATH", &cfg.Prompts.Metadata},
		{"AGENDA_EXTRACTION_PROMPT_PATH", &cfg.Prompts.Agenda},
		{"REFERENCES_EXTRACTION_PROMPT_PATH", &cfg.Prompts.References},
		{"CYPHER_GENERATION_PROMPT_PATH", &cfg.Prompts.CypherGeneration},
		{"CYPHER_QA_PROMPT_PATH", &cfg.Prompts.CypherQA},
		{"CYPHER_FILTER_PROMPT_PATH", &cfg.Prompts.CypherFilter},
		{"DIAGRAM_GENERATION_PROMPT_PATH", &cfg.Prompts.Chart},
		{"TIMELINE_GENERATION_PROMPT_PATH", &cfg.Prompts.Timeline},

		{"METADATA_JSON_SCHEMA_PATH", &cfg.Schemas.Metadata},
		{"AGENDA_JSON_SCHEMA_PATH", &cfg.Schemas.Agenda},
		{"REFERENCES_JSON_SCHEMA_PATH", &cfg.Schemas.References},

		{"METADATA_BATCH_FILE_PATH", &cfg.Batch.Metadata.File},
		{"METADATA_BATCH_INPUT_ID_SAVE_PATH", &cfg.Batch.Metadata.IDFile},
		{"AGENDA_BATCH_FILE_PATH", &cfg.Batch.Agenda.File},
		{"AGENDA_BATCH_INPUT_ID_SAVE_PATH", &cfg.Batch.Agenda.IDFile},
		{"REFERENCES_BATCH_FILE_PATH", &cfg.Batch.References.File},
		{"REFERENCES_INPUT_ID_SAVE_PATH", &cfg.Batch.References.IDFile},

		{"FIELD_DESCRIPTIONS_JSON_PATH", &cfg.FieldDescriptionsPath},
		{"MINUTEGRAPH_EVAL_RESULTS_PATH", &cfg.EvalResultsPath},

		{"NEO4J_URI", &cfg.Neo4j.URI},
		{"NEO4J_USERNAME", &cfg.Neo4j.Username},
		{"NEO4J_PASSWORD", &cfg.Neo4j.Password},
		{"NEO4J_DATABASE", &cfg.Neo4j.Database},
	}
}

// ApplyEnv overrides cfg from the environment. Unparsable numbers are
// reported as ErrInvalidConfig.
func ApplyEnv(cfg *Config) error {
	for _, e := range envStrings(cfg) {
		if v := os.Getenv(e.name); v != "" {
			*e.dst = v
		}
	}
	if cfg.Embedding.APIKey == "" && cfg.Embedding.Provider == "openai" {
		cfg.Embedding.APIKey = cfg.Chat.APIKey
	}

	for _, e := range []struct {
		name string
		dst  *int
	}{
		{"MAX_LLM_CALLS_PER_MINUTE", &cfg.CallsPerMinute},
		{"MINUTEGRAPH_RETRY_BUDGET", &cfg.RetryBudget},
		{"MINUTEGRAPH_CONCURRENCY", &cfg.Concurrency},
		{"MINUTEGRAPH_MAX_IN_FLIGHT", &cfg.MaxInFlight},
		{"MINUTEGRAPH_TOP_K", &cfg.TopK},
		{"MINUTEGRAPH_EMBEDDING_DIM", &cfg.EmbeddingDim},
	} {
		v := os.Getenv(e.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a number", ErrInvalidConfig, e.name, v)
		}
		*e.dst = n
	}
	return nil
}

// Validate fills defaults for zero values and rejects impossible ones.
func (c *Config) Validate() error {
	if c.CallsPerMinute == 0 {
		c.CallsPerMinute = ratelimit.DefaultLimit
	}
	if c.CallsPerMinute < 1 {
		return fmt.Errorf("%w: calls per minute must be at least 1, got %d", ErrInvalidConfig, c.CallsPerMinute)
	}
	if c.MaxInFlight < 0 {
		return fmt.Errorf("%w: max in flight must not be negative, got %d", ErrInvalidConfig, c.MaxInFlight)
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = 3
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.QueryAttempts <= 0 {
		c.QueryAttempts = 5
	}
	if c.TopK <= 0 {
		c.TopK = 100
	}
	if c.EmbeddingDim <= 0 {
		c.EmbeddingDim = graph.DefaultDimension
	}
	if c.ProtocolsPath == "" {
		return fmt.Errorf("%w: protocols path", ErrMissingPath)
	}
	if c.CatalogPath == "" {
		c.CatalogPath = filepath.Join(c.ProtocolsPath, "documents.json")
	}
	if c.EvalResultsPath == "" {
		c.EvalResultsPath = filepath.Join(c.ProtocolsPath, "evaluation_results.json")
	}
	return nil
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "minutegraph.db" // fallback to cwd
	}
	return filepath.Join(home, ".minutegraph", "minutegraph.db")
}
