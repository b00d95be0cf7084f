// Command tract is the CLI for the tract context store: git-like
// version control for LLM conversation context.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tracthq/tract"
	"github.com/tracthq/tract/internal/audit"
	"github.com/tracthq/tract/internal/config"
	"github.com/tracthq/tract/internal/llm"
)

var (
	dbPath     string
	tractID    string
	jsonOutput bool

	rootCtx = context.Background()

	session *tract.Session
	current *tract.Tract
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "tract",
	Short:         "Version control for LLM conversation context",
	Long:          "tract stores a conversation's context as a DAG of content-addressed commits\nwith branches, merges, rebases, and time-travel compilation.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := config.Initialize(); err != nil {
			fatalError("loading config: %v", err)
		}
		if dbPath != "" {
			config.Set("db", dbPath)
		}
		if tractID != "" {
			config.Set("tract", tractID)
		}
		if jsonOutput {
			config.Set("json", true)
		}
		jsonOutput = config.GetBool("json")
		logger = newLogger()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (default: discovered .tract/tract.db)")
	rootCmd.PersistentFlags().StringVar(&tractID, "tract", "", "tract id (default: \"default\")")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "machine-readable JSON output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newLogger builds the structured logger: rotating file when
// log.file is configured, discard otherwise.
func newLogger() *slog.Logger {
	var w io.Writer = io.Discard
	if file := config.GetString("log.file"); file != "" {
		w = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    config.GetInt("log.max-size-mb"),
			MaxBackups: config.GetInt("log.max-backups"),
		}
	}
	level := slog.LevelInfo
	if config.GetString("log.level") == "debug" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openTract opens the session and tract for a command. Callers must
// defer closeSession.
func openTract() {
	path := config.FindDatabasePath()
	if path == "" {
		fatalError("no tract database found; run 'tract init' or pass --db")
	}

	budget := tract.TokenBudget{
		Max:    config.GetInt("budget.max"),
		Action: tract.BudgetAction(config.GetString("budget.action")),
	}

	opts := tract.Options{
		CacheSize:   config.GetInt("cache.size"),
		TokenBudget: budget,
		Logger:      logger,
	}

	// LLM-backed semantic resolution is available whenever a key is
	// configured; commands that do not need it never touch the client.
	if client, err := llm.NewAnthropicClient(llm.AnthropicOptions{
		Model:     config.GetString("llm.model"),
		MaxTokens: int64(config.GetInt("llm.max-tokens")),
		Audit:     audit.NewLogger(filepath.Dir(filepath.Dir(path))),
	}); err == nil {
		opts.LLM = client
	}

	var err error
	session, err = tract.Open(path, opts)
	if err != nil {
		fatalError("opening %s: %v", path, err)
	}

	id := config.GetString("tract")
	if id == "" {
		id = "default"
	}
	current, err = session.OpenOrCreateTract(rootCtx, id, id)
	if err != nil {
		closeSession()
		fatalError("opening tract %s: %v", id, err)
	}
}

func closeSession() {
	if session != nil {
		_ = session.Close()
		session = nil
		current = nil
	}
}

// fatalError prints an error (JSON when requested) and exits 1.
func fatalError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if jsonOutput {
		_ = json.NewEncoder(os.Stderr).Encode(map[string]string{"error": msg})
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	closeSession()
	os.Exit(1)
}

// outputJSON prints v as indented JSON.
func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatalError("encoding JSON: %v", err)
	}
}
