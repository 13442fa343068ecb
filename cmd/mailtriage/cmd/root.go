package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mailtriage/mailtriage/internal/classify"
	"github.com/mailtriage/mailtriage/internal/config"
	"github.com/mailtriage/mailtriage/internal/store"
)

var (
	cfgFile string
	verbose bool
	cfg     *config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mailtriage",
	Short: "AI-assisted email triage daemon",
	Long: `mailtriage mirrors Gmail and IMAP mailboxes into a local SQLite
database, classifies incoming mail with a local LLM, and exposes the
result over a local HTTP API.

Mutations are applied locally first and pushed back to the provider
on the next sync cycle.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))

		path := cfgFile
		if path == "" {
			path = defaultConfigPath()
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return nil
	},
}

// Execute runs the root command with a background context.
// Prefer ExecuteContext for signal-aware execution.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with the given context,
// enabling graceful shutdown when the context is cancelled.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func defaultConfigPath() string {
	if h := os.Getenv("MAILTRIAGE_HOME"); h != "" {
		return filepath.Join(h, "config.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".mailtriage", "config.json")
}

// openStore opens the configured database and applies the schema.
func openStore() (*store.Store, error) {
	s, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := s.InitSchema(); err != nil {
		s.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// buildClassifier constructs the classifier from config, or nil when AI
// is disabled.
func buildClassifier() (*classify.Classifier, error) {
	if !cfg.AI.Enabled {
		return nil, nil
	}
	if cfg.AI.Model == "" {
		return nil, fmt.Errorf("ai.model is required when ai.enabled is true")
	}
	llm, err := classify.NewOllamaClient(cfg.AI.Endpoint, cfg.AI.Model, cfg.AI.Temperature)
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	taxonomy := classify.TaxonomyFromConfig(&cfg.AI)
	return classify.New(llm, cfg.AI.Model, taxonomy, classify.WithLogger(logger)), nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.mailtriage/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
