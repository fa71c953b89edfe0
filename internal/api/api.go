package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/KisanLabs/KisanVoice/internal/models"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = ":8080"

// Timeouts for the HTTP server. Voice uploads and synchronous pipeline
// runs are slow, so the write timeout is generous.
const (
	readTimeout  = 30 * time.Second
	writeTimeout = 5 * time.Minute
	idleTimeout  = 120 * time.Second
)

// Ingestor accepts one webhook update and returns the ack status.
type Ingestor interface {
	Receive(ctx context.Context, up models.Update) models.AckStatus
}

// Orchestrator runs the full pipeline for the direct voice endpoints.
type Orchestrator interface {
	RunTurn(ctx context.Context, audioPath, languageHint string) (models.PipelineResult, error)
}

// Transcriber backs the transcribe-only endpoint.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, languageHint string) (text, language string, err error)
}

// Responder backs the respond-only endpoint.
type Responder interface {
	Respond(ctx context.Context, text, languageCode string) (string, error)
}

// Opts holds server configuration.
type Opts struct {
	Addr    string
	TempDir string
}

// Option configures the server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTempDir sets the directory for uploaded audio files.
func WithTempDir(dir string) Option {
	return func(o *Opts) { o.TempDir = dir }
}

// Server wires the HTTP routes to the ingestion and pipeline components.
type Server struct {
	ingestor Ingestor
	orch     Orchestrator
	stt      Transcriber
	llm      Responder
	tempDir  string
	httpSrv  *http.Server
}

// NewServer builds a server over its collaborators. The orchestrator,
// transcriber, and responder serve the direct voice endpoints; the
// ingestor serves the webhook.
func NewServer(ingestor Ingestor, orch Orchestrator, stt Transcriber, llm Responder, opts ...Option) *Server {
	cfg := Opts{
		Addr:    DefaultAddr,
		TempDir: os.TempDir(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{
		ingestor: ingestor,
		orch:     orch,
		stt:      stt,
		llm:      llm,
		tempDir:  cfg.TempDir,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.rootHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/api/telegram", s.telegramWebhookHandler)
	mux.HandleFunc("/api/v2/process-voice", s.processVoiceHandler)
	mux.HandleFunc("/api/v2/transcribe-only", s.transcribeOnlyHandler)
	mux.HandleFunc("/api/v2/respond-only", s.respondOnlyHandler)

	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

// Handler returns the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start blocks serving HTTP until Shutdown is called or the listener
// fails.
func (s *Server) Start() error {
	slog.Info("Server.Start: listening", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Server.Shutdown: draining connections")
	return s.httpSrv.Shutdown(ctx)
}
