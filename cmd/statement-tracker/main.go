package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/statement-tracker/internal/extraction"
	"github.com/zombor/statement-tracker/internal/queue"
	"github.com/zombor/statement-tracker/internal/statement"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// Values from .env become environment variables, so the flag set below picks them up.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error: loading .env: %v\n", err)
		os.Exit(1)
	}

	fs := ff.NewFlagSet("statement-tracker")
	var (
		port            = fs.IntLong("port", 8080, "HTTP server port")
		dbPath          = fs.StringLong("db", "statement-tracker.db", "Database file path")
		queuePath       = fs.StringLong("queue-db", "statement-tracker-queue.db", "Job queue file path (empty keeps jobs in memory)")
		storagePath     = fs.StringLong("storage", "./statements", "Directory for uploaded statements awaiting processing")
		workers         = fs.IntLong("workers", 2, "Number of statements processed concurrently")
		extractorType   = fs.StringLong("extractor", "gemini", "Extraction model provider: 'gemini' or 'ollama'")
		geminiKey       = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel     = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL       = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel     = fs.StringLong("ollama-model", "llama3.1", "Ollama model name (e.g., llama3.1, qwen2.5, mistral-nemo)")
		maxOutputTokens = fs.IntLong("max-output-tokens", extraction.DefaultMaxOutputTokens, "Output token ceiling for one extraction call")
		inferenceRPS    = fs.Float64Long("inference-rps", 1, "Maximum extraction calls per second (0 disables the limit)")
		authUser        = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass        = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		defaultUser     = fs.StringLong("default-user", "default", "User ID for requests without an X-User-ID header (empty rejects them)")
		maxUploadMB     = fs.IntLong("max-upload-mb", 32, "Maximum size of one upload request in megabytes")
		logLevel        = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		logFormat       = fs.StringLong("log-format", "text", "Log format: 'text' or 'json'")
		showVersion     = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("STATEMENT_TRACKER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := setupLogging(*logLevel, *logFormat); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Initialize database
	slog.Info("Initializing database...", "path", *dbPath)
	db, err := statement.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize extraction client based on type
	var client extraction.Client
	switch *extractorType {
	case "gemini":
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini client...", "model", *geminiModel)
		client, err = extraction.NewGemini(apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Initializing Ollama client...", "url", *ollamaURL, "model", *ollamaModel)
		client, err = extraction.NewOllama(*ollamaURL, *ollamaModel)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid extractor type", "type", *extractorType, "valid", "gemini or ollama")
		os.Exit(1)
	}
	if *inferenceRPS > 0 {
		client = extraction.NewRateLimitedClient(client, *inferenceRPS, 1)
	}
	defer client.Close()

	// Initialize storage
	slog.Info("Initializing storage...", "path", *storagePath)
	store, err := statement.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	// Initialize queue and workers
	var jobs queue.Queue
	if *queuePath == "" {
		slog.Warn("No queue file configured, queued statements are lost on restart", "workers", *workers)
		jobs = queue.NewMemoryQueue(256, *workers)
	} else {
		slog.Info("Initializing job queue...", "path", *queuePath, "workers", *workers)
		boltQueue, err := queue.NewBoltQueue(*queuePath, *workers)
		if err != nil {
			slog.Error("Failed to initialize job queue", "error", err)
			os.Exit(1)
		}
		defer boltQueue.Close()
		jobs = boltQueue
	}

	worker := statement.NewWorker(db, store, extraction.NewFitzExtractor(), extraction.NewService(client, *maxOutputTokens))
	if err := jobs.Start(context.Background(), worker.Handle); err != nil {
		slog.Error("Failed to start workers", "error", err)
		os.Exit(1)
	}

	// Initialize server
	service := statement.NewService(db, store, jobs)
	server := statement.NewServer(service, statement.ServerOptions{
		BasicAuth: statement.BasicAuth{
			Username: *authUser,
			Password: *authPass,
		},
		DefaultUser:    *defaultUser,
		MaxUploadBytes: int64(*maxUploadMB) << 20,
	})

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}
	// Jobs still running when the deadline passes are redelivered on the next start.
	if err := jobs.Stop(ctx); err != nil {
		slog.Warn("Workers did not finish before shutdown", "error", err)
	}
}

// setupLogging installs the default slog handler
func setupLogging(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
