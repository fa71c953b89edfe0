// Package models defines the shared data types for KisanVoice.
//
// It contains the inbound Telegram update shapes, the result of one
// pipeline turn, and the standard API response envelope used by all
// HTTP handlers.
package models

// Update represents one inbound Telegram webhook event. The update ID is
// unique per delivery; Telegram re-sends the same ID when the webhook
// response is delayed or non-200, which the dedup guard must absorb.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message is the message payload of an update. Exactly one of Text or
// Voice is normally set; updates carrying neither (stickers, photos,
// joins) are ignored by the pipeline.
type Message struct {
	MessageID int64  `json:"message_id,omitempty"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text,omitempty"`
	Voice     *Voice `json:"voice,omitempty"`
}

// Chat identifies the conversation an update belongs to.
type Chat struct {
	ID int64 `json:"id"`
}

// Voice describes a voice attachment on an inbound message.
type Voice struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

// AckStatus is the webhook acknowledgment outcome. All three values are
// returned with HTTP 200 so the platform never retries on our account.
type AckStatus string

const (
	// AckOK indicates the event was accepted and a turn was scheduled.
	AckOK AckStatus = "ok"
	// AckIgnored indicates the event carried no message payload.
	AckIgnored AckStatus = "ignored"
	// AckDuplicate indicates the event was already seen and not reprocessed.
	AckDuplicate AckStatus = "duplicate"
)

// AckResponse is the JSON body returned to the webhook caller.
type AckResponse struct {
	Status AckStatus `json:"status"`
}

// PipelineResult holds the output of one completed turn. It is ephemeral:
// it lives for the duration of the turn and is discarded after delivery.
type PipelineResult struct {
	Transcription string `json:"transcription"`
	Language      string `json:"language"`
	ReplyText     string `json:"reply_text"`
	AudioPath     string `json:"audio_path"`
}

// APIStatus represents the status values used in API responses.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
