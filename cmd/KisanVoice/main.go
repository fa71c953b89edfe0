package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/KisanLabs/KisanVoice/internal/api"
	"github.com/KisanLabs/KisanVoice/internal/genai"
	"github.com/KisanLabs/KisanVoice/internal/ingest"
	"github.com/KisanLabs/KisanVoice/internal/lockfile"
	"github.com/KisanLabs/KisanVoice/internal/pipeline"
	"github.com/KisanLabs/KisanVoice/internal/store"
	"github.com/KisanLabs/KisanVoice/internal/stt"
	"github.com/KisanLabs/KisanVoice/internal/telegram"
	"github.com/KisanLabs/KisanVoice/internal/tts"
	"github.com/KisanLabs/KisanVoice/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for KisanVoice state data
	DefaultStateDir = "/var/lib/kisanvoice"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "kisanvoice.db"
	// audioSubdir holds per-turn audio files inside the state directory
	audioSubdir = "audio"
	// shutdownGrace bounds draining on SIGINT/SIGTERM
	shutdownGrace = 30 * time.Second
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	tempDir := filepath.Join(*flags.stateDir, audioSubdir)
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		slog.Error("Failed to create audio temp directory", "error", err, "dir", tempDir)
		os.Exit(1)
	}

	// The in-memory dedup set and the SQLite backend are single-process;
	// guard the state directory before touching either.
	guard, err := lockfile.Acquire(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer guard.Release()

	dedup, err := buildDedupStore(flags)
	if err != nil {
		slog.Error("Failed to initialize dedup store", "error", err)
		os.Exit(1)
	}
	defer dedup.Close()

	gateway, err := telegram.NewClient(buildTelegramOptions(flags)...)
	if err != nil {
		slog.Error("Failed to initialize Telegram client", "error", err)
		os.Exit(1)
	}
	transcriber, err := stt.NewClient(buildSTTOptions(flags)...)
	if err != nil {
		slog.Error("Failed to initialize transcription client", "error", err)
		os.Exit(1)
	}
	responder, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		slog.Error("Failed to initialize GenAI client", "error", err)
		os.Exit(1)
	}
	synthesizer, err := tts.NewClient(buildTTSOptions(flags, tempDir)...)
	if err != nil {
		slog.Error("Failed to initialize speech synthesis client", "error", err)
		os.Exit(1)
	}

	orch := pipeline.NewOrchestrator(transcriber, responder, synthesizer,
		pipeline.WithDefaultLanguage(*flags.defaultLanguage))
	ingestor := ingest.NewIngestor(dedup, orch, gateway,
		ingest.WithTempDir(tempDir),
		ingest.WithTurnTimeout(*flags.turnTimeout))
	server := api.NewServer(ingestor, orch, transcriber, responder, buildAPIOptions(flags, tempDir)...)

	slog.Info("Bootstrapping KisanVoice", "state_dir", *flags.stateDir, "api_addr", *flags.apiAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received, draining")
	case err := <-serverErr:
		if err != nil {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(drainCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	if err := ingestor.Shutdown(drainCtx); err != nil {
		slog.Warn("Some turns did not finish before shutdown deadline", "error", err)
	}
	slog.Info("KisanVoice exited successfully")
}

// Config holds environment configuration
type Config struct {
	BotToken        string
	OpenAIKey       string
	ElevenLabsKey   string
	VoiceID         string
	TTSModelID      string
	DedupDSN        string
	StateDir        string
	APIAddr         string
	DefaultLanguage string
	TurnTimeout     time.Duration
}

// Flags holds command line flag values
type Flags struct {
	botToken        *string
	openaiKey       *string
	elevenLabsKey   *string
	voiceID         *string
	ttsModelID      *string
	dedupDSN        *string
	stateDir        *string
	apiAddr         *string
	defaultLanguage *string
	turnTimeout     *time.Duration
}

// initializeLogger sets up structured logging. $KISANVOICE_DEBUG
// switches the level to debug.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("KISANVOICE_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		BotToken:        os.Getenv("TELEGRAM_BOT_TOKEN"),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		ElevenLabsKey:   os.Getenv("ELEVEN_LABS_API_KEY"),
		VoiceID:         os.Getenv("ELEVEN_LABS_VOICE_ID"),
		TTSModelID:      os.Getenv("ELEVEN_LABS_MODEL_ID"),
		DedupDSN:        util.EnvOrDefault("DEDUP_DB_DSN", os.Getenv("DATABASE_URL")),
		StateDir:        util.EnvOrDefault("KISANVOICE_STATE_DIR", DefaultStateDir),
		APIAddr:         os.Getenv("API_ADDR"),
		DefaultLanguage: util.EnvOrDefault("DEFAULT_LANGUAGE", pipeline.DefaultLanguage),
		TurnTimeout:     util.ParseDurationEnv("TURN_TIMEOUT", ingest.DefaultTurnTimeout),
	}

	// Default to a SQLite database in the state directory so dedup
	// survives restarts even without external storage.
	if config.DedupDSN == "" {
		config.DedupDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No dedup DSN provided, defaulting to SQLite", "sqlite_path", config.DedupDSN)
	}

	slog.Debug("environment variables loaded",
		"TELEGRAM_BOT_TOKEN_SET", config.BotToken != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"ELEVEN_LABS_API_KEY_SET", config.ElevenLabsKey != "",
		"DEDUP_DB_DSN_SET", config.DedupDSN != "",
		"KISANVOICE_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"DEFAULT_LANGUAGE", config.DefaultLanguage,
		"TURN_TIMEOUT", config.TurnTimeout)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		botToken:        flag.String("bot-token", config.BotToken, "Telegram bot token (overrides $TELEGRAM_BOT_TOKEN)"),
		openaiKey:       flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		elevenLabsKey:   flag.String("elevenlabs-api-key", config.ElevenLabsKey, "ElevenLabs API key (overrides $ELEVEN_LABS_API_KEY)"),
		voiceID:         flag.String("voice-id", config.VoiceID, "ElevenLabs voice ID (overrides $ELEVEN_LABS_VOICE_ID)"),
		ttsModelID:      flag.String("tts-model", config.TTSModelID, "ElevenLabs model ID (overrides $ELEVEN_LABS_MODEL_ID)"),
		dedupDSN:        flag.String("dedup-dsn", config.DedupDSN, "dedup store DSN: redis://, postgres://, or a SQLite path (overrides $DEDUP_DB_DSN or $DATABASE_URL)"),
		stateDir:        flag.String("state-dir", config.StateDir, "state directory for KisanVoice data (overrides $KISANVOICE_STATE_DIR)"),
		apiAddr:         flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		defaultLanguage: flag.String("default-language", config.DefaultLanguage, "fallback reply language code (overrides $DEFAULT_LANGUAGE)"),
		turnTimeout:     flag.Duration("turn-timeout", config.TurnTimeout, "per-turn pipeline timeout (overrides $TURN_TIMEOUT)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"botTokenSet", *flags.botToken != "",
		"openaiKeySet", *flags.openaiKey != "",
		"elevenLabsKeySet", *flags.elevenLabsKey != "",
		"dedupDSN_set", *flags.dedupDSN != "",
		"stateDir", *flags.stateDir,
		"apiAddr", *flags.apiAddr,
		"defaultLanguage", *flags.defaultLanguage,
		"turnTimeout", *flags.turnTimeout)

	// Re-derive the SQLite default when only the state dir was overridden.
	if *flags.dedupDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dedupDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dedup DSN based on state directory", "sqlite_path", *flags.dedupDSN)
	}

	return flags
}

// buildDedupStore constructs the dedup backend from the DSN. An explicit
// "memory" DSN selects the in-process set, which does not survive
// restarts.
func buildDedupStore(flags Flags) (store.DedupRepo, error) {
	dsn := *flags.dedupDSN
	if dsn == "" || dsn == "memory" {
		slog.Warn("Using in-memory dedup store; duplicates will be reprocessed after a restart")
		return store.NewInMemoryStore(), nil
	}
	switch store.DetectDSNType(dsn) {
	case "redis":
		slog.Debug("Detected Redis DSN, configuring Redis dedup store")
		return store.NewRedisStore(store.WithDSN(dsn))
	case "postgres":
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL dedup store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	default:
		slog.Debug("Detected SQLite DSN, configuring SQLite dedup store", "db_path", dsn)
		return store.NewSQLiteStore(store.WithDSN(dsn))
	}
}

// buildTelegramOptions constructs Telegram client options
func buildTelegramOptions(flags Flags) []telegram.Option {
	var opts []telegram.Option
	if *flags.botToken != "" {
		opts = append(opts, telegram.WithToken(*flags.botToken))
	}
	return opts
}

// buildSTTOptions constructs transcription client options
func buildSTTOptions(flags Flags) []stt.Option {
	var opts []stt.Option
	if *flags.openaiKey != "" {
		opts = append(opts, stt.WithAPIKey(*flags.openaiKey))
	}
	return opts
}

// buildGenAIOptions constructs GenAI client options
func buildGenAIOptions(flags Flags) []genai.Option {
	var opts []genai.Option
	if *flags.openaiKey != "" {
		opts = append(opts, genai.WithAPIKey(*flags.openaiKey))
	}
	return opts
}

// buildTTSOptions constructs speech synthesis client options
func buildTTSOptions(flags Flags, tempDir string) []tts.Option {
	opts := []tts.Option{tts.WithTempDir(tempDir)}
	if *flags.elevenLabsKey != "" {
		opts = append(opts, tts.WithAPIKey(*flags.elevenLabsKey))
	}
	if *flags.voiceID != "" {
		opts = append(opts, tts.WithVoiceID(*flags.voiceID))
	}
	if *flags.ttsModelID != "" {
		opts = append(opts, tts.WithModelID(*flags.ttsModelID))
	}
	return opts
}

// buildAPIOptions constructs API server options
func buildAPIOptions(flags Flags, tempDir string) []api.Option {
	opts := []api.Option{api.WithTempDir(tempDir)}
	if *flags.apiAddr != "" {
		opts = append(opts, api.WithAddr(*flags.apiAddr))
	}
	return opts
}
