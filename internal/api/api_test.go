package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/KisanLabs/KisanVoice/internal/models"
	"github.com/KisanLabs/KisanVoice/internal/pipeline"
)

type fakeIngestor struct {
	status  models.AckStatus
	updates []models.Update
}

func (f *fakeIngestor) Receive(ctx context.Context, up models.Update) models.AckStatus {
	f.updates = append(f.updates, up)
	return f.status
}

type fakeOrchestrator struct {
	result models.PipelineResult
	err    error
	paths  []string
	hints  []string
}

func (f *fakeOrchestrator) RunTurn(ctx context.Context, audioPath, languageHint string) (models.PipelineResult, error) {
	f.paths = append(f.paths, audioPath)
	f.hints = append(f.hints, languageHint)
	return f.result, f.err
}

type fakeTranscriber struct {
	text string
	lang string
	err  error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audioPath, languageHint string) (string, string, error) {
	return f.text, f.lang, f.err
}

type fakeResponder struct {
	reply string
	err   error
	langs []string
}

func (f *fakeResponder) Respond(ctx context.Context, text, languageCode string) (string, error) {
	f.langs = append(f.langs, languageCode)
	return f.reply, f.err
}

func newTestServer(t *testing.T, ing *fakeIngestor, orch *fakeOrchestrator, stt *fakeTranscriber, llm *fakeResponder) *Server {
	t.Helper()
	if ing == nil {
		ing = &fakeIngestor{status: models.AckOK}
	}
	if orch == nil {
		orch = &fakeOrchestrator{}
	}
	if stt == nil {
		stt = &fakeTranscriber{}
	}
	if llm == nil {
		llm = &fakeResponder{}
	}
	return NewServer(ing, orch, stt, llm, WithTempDir(t.TempDir()))
}

func decodeAPIResponse(t *testing.T, body io.Reader) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func multipartAudio(t *testing.T, fieldValues map[string]string, audio []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("audio", "input.oga")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(audio); err != nil {
		t.Fatalf("write audio part: %v", err)
	}
	for k, v := range fieldValues {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestTelegramWebhookAckStatuses(t *testing.T) {
	cases := []struct {
		name   string
		status models.AckStatus
	}{
		{"ok", models.AckOK},
		{"duplicate", models.AckDuplicate},
		{"ignored", models.AckIgnored},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ing := &fakeIngestor{status: tc.status}
			srv := newTestServer(t, ing, nil, nil, nil)

			body := `{"update_id":101,"message":{"chat":{"id":42},"voice":{"file_id":"abc"}}}`
			req := httptest.NewRequest(http.MethodPost, "/api/telegram", strings.NewReader(body))
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Errorf("webhook must always answer 200, got %d", rec.Code)
			}
			var ack models.AckResponse
			if err := json.NewDecoder(rec.Body).Decode(&ack); err != nil {
				t.Fatalf("decode ack: %v", err)
			}
			if ack.Status != tc.status {
				t.Errorf("expected status %s, got %s", tc.status, ack.Status)
			}
			if len(ing.updates) != 1 || ing.updates[0].UpdateID != 101 {
				t.Errorf("ingestor got %+v", ing.updates)
			}
		})
	}
}

func TestTelegramWebhookMalformedJSONStillAcks(t *testing.T) {
	ing := &fakeIngestor{status: models.AckOK}
	srv := newTestServer(t, ing, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/telegram", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("malformed payload must still answer 200, got %d", rec.Code)
	}
	var ack models.AckResponse
	if err := json.NewDecoder(rec.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Status != models.AckIgnored {
		t.Errorf("expected ignored, got %s", ack.Status)
	}
	if len(ing.updates) != 0 {
		t.Error("malformed payload must not reach the ingestor")
	}
}

func TestTelegramWebhookRejectsGet(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/telegram", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestProcessVoiceStreamsAudioWithHeaders(t *testing.T) {
	audioPath := filepath.Join(t.TempDir(), "reply.mp3")
	if err := os.WriteFile(audioPath, []byte("mp3-bytes"), 0644); err != nil {
		t.Fatalf("write reply audio: %v", err)
	}
	orch := &fakeOrchestrator{result: models.PipelineResult{
		Transcription: "gehu mein keede lag gaye",
		Language:      "hi",
		ReplyText:     "neem ka spray karein",
		AudioPath:     audioPath,
	}}
	srv := newTestServer(t, nil, orch, nil, nil)

	body, contentType := multipartAudio(t, map[string]string{"language": "hi"}, []byte("voice"))
	req := httptest.NewRequest(http.MethodPost, "/api/v2/process-voice", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "audio/mpeg" {
		t.Errorf("expected audio/mpeg, got %q", got)
	}
	if rec.Body.String() != "mp3-bytes" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
	transcription, err := url.QueryUnescape(rec.Header().Get("X-Transcription"))
	if err != nil || transcription != "gehu mein keede lag gaye" {
		t.Errorf("unexpected X-Transcription %q (err %v)", transcription, err)
	}
	if got, _ := url.QueryUnescape(rec.Header().Get("X-Language")); got != "hi" {
		t.Errorf("unexpected X-Language %q", got)
	}
	if len(orch.hints) != 1 || orch.hints[0] != "hi" {
		t.Errorf("expected language hint forwarded, got %v", orch.hints)
	}
	if _, err := os.Stat(audioPath); !os.IsNotExist(err) {
		t.Error("synthesized audio must be removed after streaming")
	}
}

func TestProcessVoiceTruncatesLongHeaders(t *testing.T) {
	audioPath := filepath.Join(t.TempDir(), "reply.mp3")
	if err := os.WriteFile(audioPath, []byte("mp3"), 0644); err != nil {
		t.Fatalf("write reply audio: %v", err)
	}
	long := strings.Repeat("a", 500)
	orch := &fakeOrchestrator{result: models.PipelineResult{
		Transcription: long,
		Language:      "hi",
		ReplyText:     "ok",
		AudioPath:     audioPath,
	}}
	srv := newTestServer(t, nil, orch, nil, nil)

	body, contentType := multipartAudio(t, nil, []byte("voice"))
	req := httptest.NewRequest(http.MethodPost, "/api/v2/process-voice", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	got, err := url.QueryUnescape(rec.Header().Get("X-Transcription"))
	if err != nil {
		t.Fatalf("unescape header: %v", err)
	}
	if len(got) != 200 {
		t.Errorf("expected header truncated to 200 bytes, got %d", len(got))
	}
}

func TestProcessVoiceTruncatesHeadersOnRuneBoundary(t *testing.T) {
	audioPath := filepath.Join(t.TempDir(), "reply.mp3")
	if err := os.WriteFile(audioPath, []byte("mp3"), 0644); err != nil {
		t.Fatalf("write reply audio: %v", err)
	}
	// Devanagari runes are 3 bytes each; a byte-boundary cut would split one.
	long := strings.Repeat("ग", 500)
	orch := &fakeOrchestrator{result: models.PipelineResult{
		Transcription: long,
		Language:      "hi",
		ReplyText:     "ok",
		AudioPath:     audioPath,
	}}
	srv := newTestServer(t, nil, orch, nil, nil)

	body, contentType := multipartAudio(t, nil, []byte("voice"))
	req := httptest.NewRequest(http.MethodPost, "/api/v2/process-voice", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	got, err := url.QueryUnescape(rec.Header().Get("X-Transcription"))
	if err != nil {
		t.Fatalf("unescape header: %v", err)
	}
	if !utf8.ValidString(got) {
		t.Error("truncated header must remain valid UTF-8")
	}
	if n := utf8.RuneCountInString(got); n != 200 {
		t.Errorf("expected 200 runes after truncation, got %d", n)
	}
}

func TestProcessVoiceRejectsOversizedUpload(t *testing.T) {
	orch := &fakeOrchestrator{}
	srv := newTestServer(t, nil, orch, nil, nil)

	body, contentType := multipartAudio(t, nil, bytes.Repeat([]byte("a"), maxUploadBytes+1))
	req := httptest.NewRequest(http.MethodPost, "/api/v2/process-voice", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for oversized upload, got %d", rec.Code)
	}
	if len(orch.paths) != 0 {
		t.Error("oversized upload must not reach the pipeline")
	}
}

func TestProcessVoiceStageFailure(t *testing.T) {
	orch := &fakeOrchestrator{err: &pipeline.StageError{
		Stage: pipeline.StageSTT,
		Err:   errors.New("engine offline"),
	}}
	srv := newTestServer(t, nil, orch, nil, nil)

	body, contentType := multipartAudio(t, nil, []byte("voice"))
	req := httptest.NewRequest(http.MethodPost, "/api/v2/process-voice", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
	resp := decodeAPIResponse(t, rec.Body)
	if resp.Message != "Transcription failed" {
		t.Errorf("unexpected message %q", resp.Message)
	}
	if strings.Contains(resp.Message, "offline") {
		t.Error("response must not leak internal error detail")
	}
}

func TestProcessVoiceMissingAudioField(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("language", "hi"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v2/process-voice", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestTranscribeOnly(t *testing.T) {
	stt := &fakeTranscriber{text: "dhaan mein pani kab dena hai", lang: "hi"}
	srv := newTestServer(t, nil, nil, stt, nil)

	body, contentType := multipartAudio(t, nil, []byte("voice"))
	req := httptest.NewRequest(http.MethodPost, "/api/v2/transcribe-only", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeAPIResponse(t, rec.Body)
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected result shape %T", resp.Result)
	}
	if result["transcription"] != "dhaan mein pani kab dena hai" || result["language"] != "hi" {
		t.Errorf("unexpected result %v", result)
	}
}

func TestRespondOnly(t *testing.T) {
	llm := &fakeResponder{reply: "subah paani dein"}
	srv := newTestServer(t, nil, nil, nil, llm)

	form := url.Values{"query": {"dhaan mein pani kab dena hai"}, "language": {"hi"}}
	req := httptest.NewRequest(http.MethodPost, "/api/v2/respond-only", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeAPIResponse(t, rec.Body)
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected result shape %T", resp.Result)
	}
	if result["response"] != "subah paani dein" || result["language"] != "hi" {
		t.Errorf("unexpected result %v", result)
	}
	if len(llm.langs) != 1 || llm.langs[0] != "hi" {
		t.Errorf("responder called with %v", llm.langs)
	}
}

func TestRespondOnlyMissingQuery(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v2/respond-only", strings.NewReader("language=hi"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestRespondOnlyDefaultsLanguage(t *testing.T) {
	llm := &fakeResponder{reply: "ok"}
	srv := newTestServer(t, nil, nil, nil, llm)

	req := httptest.NewRequest(http.MethodPost, "/api/v2/respond-only", strings.NewReader("query=hello"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(llm.langs) != 1 || llm.langs[0] != pipeline.DefaultLanguage {
		t.Errorf("expected default language, got %v", llm.langs)
	}
}

func TestHealthAndBanner(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil, nil)

	for _, path := range []string{"/", "/health"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
		resp := decodeAPIResponse(t, rec.Body)
		if resp.Status != string(models.APIStatusOK) {
			t.Errorf("%s: unexpected status %q", path, resp.Status)
		}
	}
}

func TestUnknownPathIs404(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
