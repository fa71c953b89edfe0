package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/KisanLabs/KisanVoice/internal/models"
	"github.com/KisanLabs/KisanVoice/internal/pipeline"
)

// maxUploadBytes caps multipart voice uploads. Telegram voice notes top
// out well below this.
const maxUploadBytes = 25 << 20

// maxHeaderValueLen bounds the diagnostic response headers; transcripts
// can run far longer than a header should.
const maxHeaderValueLen = 200

func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{
		"service": "KisanVoice",
		"message": "Namaste! Voice bot for farmers is running.",
	}))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"health": "ok"}))
}

// telegramWebhookHandler accepts one webhook delivery. It always answers
// HTTP 200: a non-200 here makes Telegram re-deliver the same update,
// which only multiplies the load that caused the failure.
func (s *Server) telegramWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.telegramWebhookHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var up models.Update
	if err := json.NewDecoder(r.Body).Decode(&up); err != nil {
		slog.Warn("Server.telegramWebhookHandler: failed to decode update", "error", err)
		writeJSONResponse(w, http.StatusOK, models.AckResponse{Status: models.AckIgnored})
		return
	}

	status := s.ingestor.Receive(r.Context(), up)
	writeJSONResponse(w, http.StatusOK, models.AckResponse{Status: status})
}

// processVoiceHandler runs the full pipeline synchronously over an
// uploaded audio file and streams the synthesized mp3 back. Transcript,
// reply text, and language ride along as URL-escaped response headers.
func (s *Server) processVoiceHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	audioPath, languageHint, ok := s.receiveAudioUpload(w, r)
	if !ok {
		return
	}
	defer s.removeUpload(audioPath)

	res, err := s.orch.RunTurn(r.Context(), audioPath, languageHint)
	if err != nil {
		slog.Error("Server.processVoiceHandler: pipeline failed", "error", err)
		writeJSONResponse(w, pipelineErrorStatus(err), models.Error(pipelineErrorMessage(err)))
		return
	}
	defer s.removeUpload(res.AudioPath)

	out, err := os.Open(res.AudioPath)
	if err != nil {
		slog.Error("Server.processVoiceHandler: failed to open synthesized audio", "error", err, "path", res.AudioPath)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read synthesized audio"))
		return
	}
	defer out.Close()

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("X-Transcription", headerValue(res.Transcription))
	w.Header().Set("X-Response-Text", headerValue(res.ReplyText))
	w.Header().Set("X-Language", headerValue(res.Language))
	if _, err := io.Copy(w, out); err != nil {
		slog.Error("Server.processVoiceHandler: failed to stream audio", "error", err)
	}
}

// transcribeOnlyHandler runs just the speech-to-text stage.
func (s *Server) transcribeOnlyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	audioPath, languageHint, ok := s.receiveAudioUpload(w, r)
	if !ok {
		return
	}
	defer s.removeUpload(audioPath)

	text, language, err := s.stt.Transcribe(r.Context(), audioPath, languageHint)
	if err != nil {
		slog.Error("Server.transcribeOnlyHandler: transcription failed", "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Transcription failed"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{
		"transcription": text,
		"language":      language,
	}))
}

// respondOnlyHandler runs just the response-generation stage over a text
// query.
func (s *Server) respondOnlyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form data"))
		return
	}
	query := r.FormValue("query")
	if query == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: query"))
		return
	}
	language := r.FormValue("language")
	if language == "" {
		language = pipeline.DefaultLanguage
	}

	reply, err := s.llm.Respond(r.Context(), query, language)
	if err != nil {
		slog.Error("Server.respondOnlyHandler: response generation failed", "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Response generation failed"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{
		"query":    query,
		"response": reply,
		"language": language,
	}))
}

// receiveAudioUpload parses the multipart form, stores the "audio" part
// under the temp dir, and returns its path plus the optional language
// field. On failure it has already written the error response.
func (s *Server) receiveAudioUpload(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	// ParseMultipartForm's argument only bounds in-memory buffering; the
	// body reader is what enforces the upload cap.
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		slog.Warn("Server.receiveAudioUpload: failed to parse multipart form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid multipart form"))
		return "", "", false
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required file field: audio"))
		return "", "", false
	}
	defer file.Close()

	ext := filepath.Ext(header.Filename)
	if ext == "" {
		ext = ".oga"
	}
	dst := filepath.Join(s.tempDir, "upload_"+uuid.NewString()+ext)
	out, err := os.Create(dst)
	if err != nil {
		slog.Error("Server.receiveAudioUpload: failed to create upload file", "error", err, "path", dst)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to store upload"))
		return "", "", false
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		s.removeUpload(dst)
		slog.Error("Server.receiveAudioUpload: failed to write upload file", "error", err, "path", dst)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to store upload"))
		return "", "", false
	}
	if err := out.Close(); err != nil {
		s.removeUpload(dst)
		slog.Error("Server.receiveAudioUpload: failed to close upload file", "error", err, "path", dst)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to store upload"))
		return "", "", false
	}
	return dst, r.FormValue("language"), true
}

func (s *Server) removeUpload(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Server.removeUpload: failed to remove temp file", "error", err, "path", path)
	}
}

// headerValue makes a pipeline string safe for an HTTP header: truncated
// on a rune boundary first, then URL-escaped so multi-byte scripts
// survive transport intact.
func headerValue(v string) string {
	if runes := []rune(v); len(runes) > maxHeaderValueLen {
		v = string(runes[:maxHeaderValueLen])
	}
	return url.QueryEscape(v)
}

// pipelineErrorStatus maps a pipeline failure to an HTTP status: stage
// failures are upstream-service problems, anything else is internal.
func pipelineErrorStatus(err error) int {
	var se *pipeline.StageError
	if errors.As(err, &se) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// pipelineErrorMessage names the failed stage without exposing the
// underlying cause.
func pipelineErrorMessage(err error) string {
	var se *pipeline.StageError
	if errors.As(err, &se) {
		switch se.Stage {
		case pipeline.StageSTT:
			return "Transcription failed"
		case pipeline.StageLLM:
			return "Response generation failed"
		case pipeline.StageTTS:
			return "Speech synthesis failed"
		}
	}
	return "Voice processing failed"
}
