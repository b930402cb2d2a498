// Package cli implements the memory-engine CLI commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/andyan77/diyu-agent-sub002/internal/config"
	"github.com/andyan77/diyu-agent-sub002/internal/engine"
	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
	"github.com/andyan77/diyu-agent-sub002/internal/store"
)

var (
	configPath string
	dbPath     string
	cfg        *config.Config
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "memory-engine",
	Short: "Versioned personal memory for conversational agents",
	Long: "Stores what users reveal about themselves, assembles it into budgeted context for each turn, " +
		"and erases it on request within an SLA. SQLite-backed, single binary.",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()

		loaded, err := config.Load(configPath)
		if err != nil {
			exitErr("load config", err)
		}
		if dbPath != "" {
			loaded.Storage.Path = dbPath
		}
		cfg = loaded
		slog.SetDefault(newLogger(cfg.Logging, os.Stderr))
	},
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: built-in defaults, MEMENGINE_* env overrides)")
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (overrides storage.path)")
}

func newLogger(lc config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func openStore() (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(cfg.Storage.Path, store.Options{Logger: slog.Default()})
}

func openEngine(ctx context.Context) (*engine.Engine, error) {
	return engine.Open(ctx, cfg, engine.WithLogger(slog.Default()))
}

// readContent joins args, falling back to piped stdin.
func readContent(args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	stat, err := os.Stdin.Stat()
	if err != nil || stat.Mode()&os.ModeCharDevice != 0 {
		return "", nil
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func requireFlag(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	if strings.TrimSpace(v) == "" {
		exitErr(cmd.Name(), memerr.New(memerr.CodeCLIInputInvalid, "--"+name+" is required"))
	}
	return v
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func exitErr(msg string, err error) {
	code := memerr.CodeOf(err)
	if code != "" {
		fmt.Fprintf(os.Stderr, "error: %s: %v (%s)\n", msg, err, code)
	} else {
		fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	}
	os.Exit(1)
}
