// Package pipeline sequences the three stages of one conversational
// turn: speech-to-text, response generation, text-to-speech.
//
// The stages run strictly in order; each stage's output is the next
// stage's input, and a stage failure stops the turn without invoking the
// remaining stages. The orchestrator holds no per-turn state of its own,
// so one instance serves any number of concurrent turns.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/KisanLabs/KisanVoice/internal/models"
)

// Stage identifies which pipeline step a failure occurred in.
type Stage string

const (
	// StageSTT is the speech-to-text stage.
	StageSTT Stage = "stt"
	// StageLLM is the response-generation stage.
	StageLLM Stage = "llm"
	// StageTTS is the text-to-speech stage.
	StageTTS Stage = "tts"
)

// StageError reports which stage a turn failed in and the best language
// known at that point, so the failure notice can be localized. The
// wrapped cause is for logs only; it never reaches the end user.
type StageError struct {
	Stage    Stage
	Language string
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Transcriber converts an audio file to text. A non-empty language hint
// forces the recognition language; the detected language code is
// returned alongside the text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, languageHint string) (text, language string, err error)
}

// Responder generates a reply to text in the given language.
type Responder interface {
	Respond(ctx context.Context, text, languageCode string) (string, error)
}

// Synthesizer converts reply text to speech and returns the audio path.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

// Opts holds orchestrator configuration.
type Opts struct {
	DefaultLanguage string
}

// Option configures the orchestrator.
type Option func(*Opts)

// WithDefaultLanguage sets the language used when the caller supplies no
// hint and detection yields nothing.
func WithDefaultLanguage(code string) Option {
	return func(o *Opts) { o.DefaultLanguage = code }
}

// DefaultLanguage is the fallback language when nothing better is known.
const DefaultLanguage = "hi"

// Orchestrator runs the three pipeline stages for one turn.
type Orchestrator struct {
	stt         Transcriber
	llm         Responder
	tts         Synthesizer
	defaultLang string
}

// NewOrchestrator assembles an orchestrator from the three collaborators.
func NewOrchestrator(stt Transcriber, llm Responder, tts Synthesizer, opts ...Option) *Orchestrator {
	cfg := Opts{DefaultLanguage: DefaultLanguage}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Orchestrator{stt: stt, llm: llm, tts: tts, defaultLang: cfg.DefaultLanguage}
}

// RunTurn executes one turn over the audio file at audioPath. The
// language hint, when non-empty, overrides detection; otherwise the
// detected language is used, falling back to the configured default.
// Failures are reported as *StageError naming the failed stage. The
// caller owns audioPath and the returned result's AudioPath.
func (o *Orchestrator) RunTurn(ctx context.Context, audioPath, languageHint string) (models.PipelineResult, error) {
	var res models.PipelineResult

	text, detected, err := o.stt.Transcribe(ctx, audioPath, languageHint)
	if err != nil {
		return res, &StageError{Stage: StageSTT, Language: o.resolveLanguage(languageHint, ""), Err: err}
	}
	lang := o.resolveLanguage(languageHint, detected)
	res.Transcription = text
	res.Language = lang
	slog.Debug("Orchestrator.RunTurn: transcription completed", "language", lang, "chars", len(text))

	reply, err := o.llm.Respond(ctx, text, lang)
	if err != nil {
		return res, &StageError{Stage: StageLLM, Language: lang, Err: err}
	}
	res.ReplyText = reply
	slog.Debug("Orchestrator.RunTurn: reply generated", "language", lang, "chars", len(reply))

	audio, err := o.tts.Synthesize(ctx, reply)
	if err != nil {
		return res, &StageError{Stage: StageTTS, Language: lang, Err: err}
	}
	res.AudioPath = audio
	slog.Debug("Orchestrator.RunTurn: synthesis completed", "audio_path", audio)

	return res, nil
}

// resolveLanguage applies the hint-over-detection-over-default policy.
func (o *Orchestrator) resolveLanguage(hint, detected string) string {
	if hint != "" {
		return hint
	}
	if detected != "" {
		return detected
	}
	return o.defaultLang
}
