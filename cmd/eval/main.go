// Command eval runs the end-to-end acceptance scenarios against live
// Postgres, Qdrant, and provider endpoints, then prints a JSON report.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/mnemo-dev/mnemo"
	"github.com/mnemo-dev/mnemo/eval"
	"github.com/mnemo-dev/mnemo/llm"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON)")
	withJudge := flag.Bool("judge", false, "Score top results with an LLM judge")
	timeout := flag.Duration("timeout", 30*time.Minute, "Overall run timeout")
	flag.Parse()

	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg := mnemo.DefaultConfig()
	if *configPath != "" {
		f, err := os.Open(*configPath)
		if err != nil {
			slog.Error("opening config", "error", err)
			os.Exit(1)
		}
		if err := json.NewDecoder(f).Decode(&cfg); err != nil {
			f.Close()
			slog.Error("parsing config", "error", err)
			os.Exit(1)
		}
		f.Close()
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if cfg.Chat.APIKey == "" {
			cfg.Chat.APIKey = key
		}
		if cfg.Embedding.APIKey == "" {
			cfg.Embedding.APIKey = key
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	mem, err := mnemo.New(ctx, cfg)
	if err != nil {
		slog.Error("creating memory", "error", err)
		os.Exit(1)
	}
	defer mem.Close()

	if err := mem.Migrate(ctx); err != nil {
		slog.Error("migrating stores", "error", err)
		os.Exit(1)
	}
	mem.StartWorkers(ctx)

	ev := eval.NewEvaluator(mem)
	if *withJudge {
		ev.SetJudge(llm.NewClient(llm.Config{
			BaseURL: cfg.Chat.BaseURL,
			APIKey:  cfg.Chat.APIKey,
			Model:   cfg.Chat.Model,
			Timeout: cfg.Chat.Timeout,
		}))
	}

	report, err := ev.Run(ctx, eval.CoreScenarios())
	if err != nil {
		slog.Error("evaluation run failed", "error", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		slog.Error("encoding report", "error", err)
		os.Exit(1)
	}

	if report.Failed > 0 {
		os.Exit(1)
	}
}
