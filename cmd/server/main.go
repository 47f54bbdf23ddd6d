package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mnemo-dev/mnemo"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON)")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	noWorkers := flag.Bool("no-workers", false, "Serve RPC only, run no extraction workers")
	flag.Parse()

	// .env is optional; real environment wins over file values.
	_ = godotenv.Load()

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
	applyEnv(&cfg)

	// Structured JSON logging.
	level := slog.LevelInfo
	if cfg.LogLevel == "debug" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))

	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	ctx := context.Background()
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

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	if !*noWorkers {
		mem.StartWorkers(workerCtx)
	}

	h := newHandler(mem)
	mux := http.NewServeMux()

	mux.HandleFunc("POST /rpc/remember", h.handleRemember)
	mux.HandleFunc("POST /rpc/recall", h.handleRecall)
	mux.HandleFunc("POST /rpc/forget", h.handleForget)
	mux.HandleFunc("POST /rpc/status", h.handleStatus)
	mux.HandleFunc("POST /rpc/reextract", h.handleReextract)
	mux.HandleFunc("GET /health", h.handleHealth)

	apiKey := os.Getenv("MNEMO_API_KEY")
	corsOrigins := os.Getenv("MNEMO_CORS_ORIGINS")

	// Middleware chain: recovery -> cors -> auth -> logging -> mux
	var handler http.Handler = mux
	handler = logMiddleware(handler)
	handler = authMiddleware(apiKey, handler)
	handler = corsMiddleware(corsOrigins, handler)
	handler = recoveryMiddleware(handler)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // remember embeds synchronously
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// Workers stop after the listener so in-flight RPCs settle first.
	stopWorkers()

	slog.Info("server stopped")
}

// applyEnv overlays MNEMO_* environment variables onto the config.
func applyEnv(cfg *mnemo.Config) {
	if v := os.Getenv("MNEMO_POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("MNEMO_QDRANT_HOST"); v != "" {
		cfg.QdrantHost = v
	}
	if v := os.Getenv("MNEMO_QDRANT_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.QdrantPort = p
		}
	}
	if v := os.Getenv("MNEMO_EMBED_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("MNEMO_EMBED_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("MNEMO_EMBED_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("MNEMO_CHAT_BASE_URL"); v != "" {
		cfg.Chat.BaseURL = v
	}
	if v := os.Getenv("MNEMO_CHAT_API_KEY"); v != "" {
		cfg.Chat.APIKey = v
	}
	if v := os.Getenv("MNEMO_CHAT_MODEL"); v != "" {
		cfg.Chat.Model = v
	}
	if v := os.Getenv("MNEMO_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("MNEMO_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MNEMO_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.WorkerCount = n
		}
	}

	// Fallback: the common provider key serves both endpoints.
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if cfg.Chat.APIKey == "" {
			cfg.Chat.APIKey = key
		}
		if cfg.Embedding.APIKey == "" {
			cfg.Embedding.APIKey = key
		}
	}
}
