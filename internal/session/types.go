// Package session owns per-user conversation state: the turn history, the
// side-channel metadata extracted from it, the single in-flight engine run and
// the output sink the live connection is bound to.
package session

import (
	"errors"
	"time"
)

var (
	// ErrRunInProgress is returned when a turn arrives while a run is open.
	ErrRunInProgress = errors.New("a response is still in progress")
	// ErrDisposed is returned by operations on a disposed session.
	ErrDisposed = errors.New("session disposed")
	// ErrEmptyTurn is returned for blank user input.
	ErrEmptyTurn = errors.New("message is empty")
	// ErrInvalidScore is returned for intensity scores outside 1-10.
	ErrInvalidScore = errors.New("score must be between 1 and 10")
	// ErrRegistryClosed is returned by Attach after Shutdown.
	ErrRegistryClosed = errors.New("session registry is shut down")
)

const (
	DefaultPreScore        = 8
	DefaultMinutesPerPoint = 4
	DefaultIdleEviction    = 10 * time.Minute
	DefaultGreeting        = "Hi, I'm Anna. What's weighing on you right now?"
	DefaultFallback        = "I'm sorry, I lost my train of thought for a moment. Could you send that again?"
)

// Role tags a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one entry in the conversation history.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats is a read-only snapshot of session progress.
type Stats struct {
	TurnCount      int    `json:"turn_count"`
	ElapsedSeconds int64  `json:"elapsed_seconds"`
	PreScore       *int   `json:"pre_score,omitempty"`
	Trigger        string `json:"trigger,omitempty"`
}

// Sink receives a session's output. Implementations must not block and must
// be comparable so Detach can recognise them.
type Sink interface {
	EmitMessage(text string, complete bool)
	EmitToolResult(name string, payload any)
}

// DiscardSink drops all output. Sessions with no live connection emit into it.
type DiscardSink struct{}

func (DiscardSink) EmitMessage(string, bool)   {}
func (DiscardSink) EmitToolResult(string, any) {}

// Config holds session behaviour shared by every session in a registry.
type Config struct {
	Greeting        string
	Instructions    string
	FallbackMessage string
	DefaultPreScore int
	MinutesPerPoint int
	IdleEviction    time.Duration
	Location        *time.Location
}

func (c Config) withDefaults() Config {
	if c.Greeting == "" {
		c.Greeting = DefaultGreeting
	}
	if c.FallbackMessage == "" {
		c.FallbackMessage = DefaultFallback
	}
	if c.DefaultPreScore < 1 || c.DefaultPreScore > 10 {
		c.DefaultPreScore = DefaultPreScore
	}
	if c.MinutesPerPoint <= 0 {
		c.MinutesPerPoint = DefaultMinutesPerPoint
	}
	if c.IdleEviction <= 0 {
		c.IdleEviction = DefaultIdleEviction
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}
