package gateway

import (
	"encoding/json"
	"time"

	"anna/internal/session"
	"anna/internal/tools"
)

// Client to server frame types.
const (
	TypeAuth             = "auth"
	TypeMessage          = "message"
	TypeGetHistory       = "get_history"
	TypeExerciseComplete = "exercise_complete"
	TypePing             = "ping"
)

// Server to client frame types. TypeMessage is shared.
const (
	TypeConnected       = "connected"
	TypeTriggerExercise = "trigger_exercise"
	TypeProgressSaved   = "progress_saved"
	TypeSpiralHistory   = "spiral_history"
	TypeHistory         = "history"
	TypeError           = "error"
	TypePong            = "pong"
)

// Error notification codes.
const (
	CodeInvalidMessage = "invalid_message"
	CodeEmptyMessage   = "empty_message"
	CodeRunInProgress  = "run_in_progress"
	CodeInvalidScore   = "invalid_score"
	CodeUnknownType    = "unknown_type"
	CodeSessionClosed  = "session_closed"
)

// Websocket close codes in the private range.
const (
	CloseUnauthorized = 4401
	CloseSuperseded   = 4409
)

// Envelope is the JSON frame exchanged in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type outbound struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

type authData struct {
	Token string `json:"token"`
}

type messageIn struct {
	Text string `json:"text"`
}

type exerciseCompleteIn struct {
	PostScore *int `json:"post_score"`
	PreScore  *int `json:"pre_score,omitempty"`
}

// MessageData is an incremental assistant message.
type MessageData struct {
	Text       string `json:"text"`
	IsComplete bool   `json:"is_complete"`
}

// ConnectedData acknowledges a successful handshake.
type ConnectedData struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Resumed   bool   `json:"resumed"`
}

// HistoryData is a conversation snapshot.
type HistoryData struct {
	Turns []session.Turn `json:"turns"`
	Stats session.Stats  `json:"stats"`
}

// ErrorData is an error notification.
type ErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func toolEventType(toolName string) (string, bool) {
	switch toolName {
	case tools.NameTriggerExercise:
		return TypeTriggerExercise, true
	case tools.NameSaveProgress:
		return TypeProgressSaved, true
	case tools.NameSpiralHistory:
		return TypeSpiralHistory, true
	}
	return "", false
}
