package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/canvasforge/internal/bus"
	"github.com/user/canvasforge/internal/config"
	"github.com/user/canvasforge/internal/generate"
	"github.com/user/canvasforge/internal/store"
	"github.com/user/canvasforge/internal/tools"
	"github.com/user/canvasforge/pkg/llm"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "canvasforge",
	Short:         "Stream LLM-generated HTML onto event-sourced canvas pages",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config",
		filepath.Join(os.Getenv("HOME"), ".canvasforge", "config.json"), "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// openComponents wires the store, bus, tool registry, and generator from
// config. Callers own closing the returned store.
func openComponents(cfg *config.Config) (*store.Store, *bus.Bus, *generate.Generator, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(filepath.Join(cfg.DataDir, "canvas.db"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}

	b := bus.New()

	registry := tools.NewRegistry()
	registry.Register(tools.NewEcho())
	registry.Register(tools.NewWikipediaImages())
	registry.Register(tools.NewReadURL())

	policy := generate.DefaultFallbackPolicy()
	if len(cfg.LLM.FallbackModels) > 0 {
		policy.Models = cfg.LLM.FallbackModels
		policy.Delay = 150 * time.Millisecond
	}

	gen := generate.New(llm.Config{
		BaseURL:   cfg.LLM.BaseURL,
		APIKey:    cfg.LLM.APIKey,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
	}, registry, b, st, policy, cfg.Agent.Cycles, int64(cfg.MaxConcurrent))

	return st, b, gen, nil
}
