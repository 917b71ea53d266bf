package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/brunobiangulo/minutegraph"
)

var (
	configPath string
	verbose    bool
	jsonOutput bool

	// newEngine opens the engine for a command. Tests replace it.
	newEngine = minutegraph.New

	engine minutegraph.Engine
)

var rootCmd = &cobra.Command{
	Use:   "minutegraph",
	Short: "Structured records and a question-answering graph from meeting protocols",
	Long: `minutegraph extracts meeting metadata and agenda items from downloaded
municipal protocols, loads them into Neo4j and answers questions over the
resulting graph.

Configuration is read from --config (YAML, TOML or JSON) and the
environment.`,
	SilenceUsage:       true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (YAML, TOML or JSON)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
}

func setup(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))

	cfg := minutegraph.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = minutegraph.LoadConfig(configPath); err != nil {
			return err
		}
	}
	if err := minutegraph.ApplyEnv(&cfg); err != nil {
		return err
	}
	e, err := newEngine(cfg)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	engine = e
	return nil
}

func teardown(cmd *cobra.Command, args []string) error {
	if engine == nil {
		return nil
	}
	err := engine.Close()
	engine = nil
	return err
}

// printJSON writes v indented to the command's output.
func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	cmd.Println(string(data))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
