// Package ingest implements the webhook ingestion path: the dedup guard,
// immediate acknowledgment, and fire-and-forget scheduling of pipeline
// turns.
//
// Receive must return quickly — Telegram enforces short webhook response
// deadlines and re-delivers the same update when they are missed — so
// all pipeline work runs in a per-turn goroutine scheduled after the
// dedup record is written. Errors and panics inside a turn are contained
// there: they become a logged failure plus one user-facing notice, and
// never reach the acknowledgment path or crash the process.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KisanLabs/KisanVoice/internal/models"
	"github.com/KisanLabs/KisanVoice/internal/pipeline"
	"github.com/KisanLabs/KisanVoice/internal/store"
)

// DefaultTurnTimeout bounds one turn end to end so a hung collaborator
// fails the stage instead of stalling the goroutine forever.
const DefaultTurnTimeout = 5 * time.Minute

// voicePrompt is sent when a chat sends text instead of voice.
const voicePrompt = "🎙 Please send a voice message. I will reply in voice."

// failureNotices maps a language code to the user-facing notice sent
// when a turn fails. The notice never carries internal error detail.
var failureNotices = map[string]string{
	"hi": "❌ Audio process nahi ho paayi. Please dubara bhejein.",
}

// defaultFailureNotice is used for languages without a dedicated notice.
const defaultFailureNotice = "❌ Sorry, I could not process your voice message. Please try again."

// FailureNotice returns the localized failure notice for a language code.
func FailureNotice(languageCode string) string {
	if notice, ok := failureNotices[languageCode]; ok {
		return notice
	}
	return defaultFailureNotice
}

// Orchestrator runs the three pipeline stages for one turn.
type Orchestrator interface {
	RunTurn(ctx context.Context, audioPath, languageHint string) (models.PipelineResult, error)
}

// Gateway covers the platform calls a turn needs: fetching the inbound
// voice file and delivering the reply or a failure notice.
type Gateway interface {
	GetFileURL(ctx context.Context, fileID string) (string, error)
	DownloadFile(ctx context.Context, fileURL, dst string) error
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendVoice(ctx context.Context, chatID int64, audioPath string) error
}

// Opts holds ingestor configuration.
type Opts struct {
	TempDir     string
	TurnTimeout time.Duration
}

// Option configures the ingestor.
type Option func(*Opts)

// WithTempDir sets the directory for per-turn audio downloads.
func WithTempDir(dir string) Option {
	return func(o *Opts) { o.TempDir = dir }
}

// WithTurnTimeout bounds the duration of one background turn.
func WithTurnTimeout(d time.Duration) Option {
	return func(o *Opts) { o.TurnTimeout = d }
}

// Ingestor accepts inbound updates, deduplicates them, and schedules
// pipeline turns. The dedup repo is the only state shared across turns.
type Ingestor struct {
	dedup       store.DedupRepo
	orch        Orchestrator
	gateway     Gateway
	tempDir     string
	turnTimeout time.Duration
	wg          sync.WaitGroup
}

// NewIngestor assembles an ingestor from its collaborators.
func NewIngestor(dedup store.DedupRepo, orch Orchestrator, gateway Gateway, opts ...Option) *Ingestor {
	cfg := Opts{
		TempDir:     os.TempDir(),
		TurnTimeout: DefaultTurnTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Ingestor{
		dedup:       dedup,
		orch:        orch,
		gateway:     gateway,
		tempDir:     cfg.TempDir,
		turnTimeout: cfg.TurnTimeout,
	}
}

// Receive handles one inbound update and returns the acknowledgment
// status. It records the update ID synchronously before scheduling the
// turn, so a re-delivered duplicate arriving during processing is still
// absorbed. It never blocks on pipeline work.
func (in *Ingestor) Receive(ctx context.Context, up models.Update) models.AckStatus {
	if up.Message == nil {
		slog.Debug("Ingestor.Receive: update carries no message payload, ignoring", "update_id", up.UpdateID)
		return models.AckIgnored
	}

	fresh, err := in.dedup.RecordInbound(ctx, up.UpdateID, up.Message.Chat.ID)
	if err != nil {
		// Fail open: processing a rare duplicate beats dropping a real
		// message when the dedup backend hiccups.
		slog.Error("Ingestor.Receive: dedup record failed, processing anyway", "error", err, "update_id", up.UpdateID)
	} else if !fresh {
		slog.Warn("Ingestor.Receive: duplicate update ignored", "update_id", up.UpdateID)
		return models.AckDuplicate
	}

	in.schedule(up)
	return models.AckOK
}

// Shutdown waits for in-flight turns to finish or ctx to expire.
func (in *Ingestor) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		in.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown wait: %w", ctx.Err())
	}
}

// schedule starts the turn goroutine. The goroutine owns the turn's
// lifecycle; a panic inside it is converted to a failure notice so a
// misbehaving stage cannot take the process down.
func (in *Ingestor) schedule(up models.Update) {
	turnID := uuid.NewString()
	chatID := up.Message.Chat.ID
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), in.turnTimeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				slog.Error("Ingestor.schedule: turn panicked", "panic", r, "turn_id", turnID, "update_id", up.UpdateID)
				in.sendFailureNotice(ctx, chatID, "")
			}
		}()

		in.runTurn(ctx, turnID, up)
	}()
}

// runTurn executes one complete turn: route by payload type, fetch the
// audio, run the pipeline, and deliver the outcome.
func (in *Ingestor) runTurn(ctx context.Context, turnID string, up models.Update) {
	msg := up.Message
	chatID := msg.Chat.ID
	slog.Info("Ingestor.runTurn: turn started", "turn_id", turnID, "update_id", up.UpdateID, "chat_id", chatID)

	switch {
	case msg.Voice != nil:
		in.runVoiceTurn(ctx, turnID, chatID, msg.Voice.FileID)
	case msg.Text != "":
		if err := in.gateway.SendMessage(ctx, chatID, voicePrompt); err != nil {
			slog.Error("Ingestor.runTurn: failed to send voice prompt", "error", err, "turn_id", turnID, "chat_id", chatID)
		}
	default:
		slog.Debug("Ingestor.runTurn: message carries neither text nor voice, nothing to do", "turn_id", turnID, "update_id", up.UpdateID)
	}
}

func (in *Ingestor) runVoiceTurn(ctx context.Context, turnID string, chatID int64, fileID string) {
	fileURL, err := in.gateway.GetFileURL(ctx, fileID)
	if err != nil {
		slog.Error("Ingestor.runVoiceTurn: failed to resolve voice file", "error", err, "turn_id", turnID, "file_id", fileID)
		in.sendFailureNotice(ctx, chatID, "")
		return
	}

	inputPath := filepath.Join(in.tempDir, "input_"+turnID+".oga")
	if err := in.gateway.DownloadFile(ctx, fileURL, inputPath); err != nil {
		slog.Error("Ingestor.runVoiceTurn: failed to download voice file", "error", err, "turn_id", turnID, "file_id", fileID)
		in.sendFailureNotice(ctx, chatID, "")
		return
	}
	defer in.removeTempFile(inputPath, turnID)

	res, err := in.orch.RunTurn(ctx, inputPath, "")
	if err != nil {
		stage, lang := failureContext(err)
		slog.Error("Ingestor.runVoiceTurn: pipeline turn failed", "error", err, "turn_id", turnID, "stage", stage, "language", lang)
		in.sendFailureNotice(ctx, chatID, lang)
		return
	}
	defer in.removeTempFile(res.AudioPath, turnID)

	if err := in.gateway.SendVoice(ctx, chatID, res.AudioPath); err != nil {
		// The platform's own retry, if any, is outside our control; the
		// failure is logged and the turn ends.
		slog.Error("Ingestor.runVoiceTurn: voice delivery failed", "error", err, "turn_id", turnID, "chat_id", chatID)
		return
	}
	slog.Info("Ingestor.runVoiceTurn: turn delivered", "turn_id", turnID, "chat_id", chatID, "language", res.Language)
}

// sendFailureNotice delivers the localized failure notice; notice
// delivery failures are logged only.
func (in *Ingestor) sendFailureNotice(ctx context.Context, chatID int64, languageCode string) {
	if err := in.gateway.SendMessage(ctx, chatID, FailureNotice(languageCode)); err != nil {
		slog.Error("Ingestor.sendFailureNotice: failed to deliver failure notice", "error", err, "chat_id", chatID)
	}
}

// removeTempFile deletes a per-turn artifact; a failed delete is logged,
// never escalated, so it cannot mask the turn's actual outcome.
func (in *Ingestor) removeTempFile(path, turnID string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Ingestor.removeTempFile: failed to remove temp file", "error", err, "path", path, "turn_id", turnID)
	}
}

// failureContext extracts the failed stage and best-known language from
// a pipeline error.
func failureContext(err error) (pipeline.Stage, string) {
	var se *pipeline.StageError
	if errors.As(err, &se) {
		return se.Stage, se.Language
	}
	return "", ""
}
