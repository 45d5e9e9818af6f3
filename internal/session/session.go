package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"anna/internal/engine"
	"anna/internal/logging"
	"anna/internal/observability"
	"anna/internal/tools"

	"github.com/google/uuid"
)

// Session is one user's conversation. At most one engine run is open at a
// time; the history is append-only until Dispose.
type Session struct {
	id     string
	userID string
	engine engine.Engine
	config Config
	opts   options

	mu        sync.Mutex
	turns     []Turn
	preScore  *int
	trigger   string
	startedAt time.Time
	disposed  bool

	sinkMu sync.RWMutex
	sink   Sink

	running atomic.Bool
}

// New creates a session for userID bound to sink and greets once.
func New(userID string, eng engine.Engine, config Config, sink Sink, opts ...Option) *Session {
	if sink == nil {
		sink = DiscardSink{}
	}
	s := &Session{
		id:     uuid.NewString(),
		userID: userID,
		engine: eng,
		config: config.withDefaults(),
		opts:   buildOptions(opts),
		sink:   sink,
	}
	s.startedAt = s.opts.now()
	s.greet()
	return s
}

func (s *Session) greet() {
	s.appendTurn(context.Background(), RoleAssistant, s.config.Greeting)
	s.currentSink().EmitMessage(s.config.Greeting, true)
}

// ID is the unique instance id of this session.
func (s *Session) ID() string { return s.id }

// UserID is the owning identity.
func (s *Session) UserID() string { return s.userID }

// Running reports whether an engine run is open.
func (s *Session) Running() bool { return s.running.Load() }

func (s *Session) logContext(ctx context.Context) context.Context {
	ctx = observability.ContextWithUserID(ctx, s.userID)
	return observability.ContextWithSessionID(ctx, s.id)
}

func (s *Session) currentSink() Sink {
	s.sinkMu.RLock()
	defer s.sinkMu.RUnlock()
	return s.sink
}

// Rebind swaps the output sink and returns the previous one.
func (s *Session) Rebind(sink Sink) Sink {
	if sink == nil {
		sink = DiscardSink{}
	}
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	prev := s.sink
	s.sink = sink
	return prev
}

// Detach drops the sink only if it is still expected.
func (s *Session) Detach(expected Sink) bool {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	if s.sink != expected {
		return false
	}
	s.sink = DiscardSink{}
	return true
}

func (s *Session) appendTurn(ctx context.Context, role Role, content string) bool {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return false
	}
	s.turns = append(s.turns, Turn{Role: role, Content: content, Timestamp: s.opts.now()})
	s.mu.Unlock()
	s.opts.metrics.RecordTurn(ctx, string(role))
	return true
}

// SubmitTurn records a user turn and streams the engine's reply through the
// bound sink. Engine failures are converted into a fallback assistant turn and
// are not returned.
func (s *Session) SubmitTurn(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyTurn
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}
	defer s.running.Store(false)

	ctx = s.logContext(ctx)
	logger := logging.FromContext(ctx, s.opts.logger)

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	s.turns = append(s.turns, Turn{Role: RoleUser, Content: text, Timestamp: s.opts.now()})
	if s.preScore == nil {
		if score, ok := ExtractIntensity(text); ok {
			s.preScore = &score
			logger.Debug("Recorded pre-intensity %d", score)
		}
	}
	if trigger, ok := ExtractTrigger(text, s.trigger); ok {
		s.trigger = trigger
	}
	history := s.engineHistoryLocked()
	s.mu.Unlock()
	s.opts.metrics.RecordTurn(ctx, string(RoleUser))

	runID := uuid.NewString()
	ctx, span := s.opts.tracer.StartSpan(ctx, observability.SpanSessionRun)
	start := s.opts.now()

	reply, err := s.stream(ctx, engine.Request{
		Instructions: s.config.Instructions,
		History:      history,
		ToolContext:  engine.ToolContext{UserID: s.userID, SessionID: s.id, RunID: runID},
	})
	observability.EndSpan(span, err)

	if err != nil {
		logger.Warn("Run %s failed: %v", runID, err)
		s.opts.metrics.RecordRun(ctx, "error", s.opts.now().Sub(start))
		s.appendTurn(ctx, RoleAssistant, s.config.FallbackMessage)
		s.currentSink().EmitMessage(s.config.FallbackMessage, true)
		return nil
	}

	s.opts.metrics.RecordRun(ctx, "ok", s.opts.now().Sub(start))
	if reply != "" {
		s.appendTurn(ctx, RoleAssistant, reply)
	}
	s.currentSink().EmitMessage("", true)
	return nil
}

func (s *Session) stream(ctx context.Context, req engine.Request) (string, error) {
	if s.engine == nil {
		return "", errors.New("no engine configured")
	}
	events, err := s.engine.Run(ctx, req)
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}

	var (
		reply    strings.Builder
		runErr   error
		terminal bool
	)
	for ev := range events {
		if terminal {
			continue
		}
		switch ev.Kind {
		case engine.EventText:
			reply.WriteString(ev.Text)
			s.currentSink().EmitMessage(ev.Text, false)
		case engine.EventToolResult:
			s.relayToolResult(ctx, ev)
		case engine.EventComplete:
			terminal = true
		case engine.EventError:
			terminal = true
			runErr = ev.Err
			if runErr == nil {
				runErr = errors.New("engine reported an error")
			}
		}
	}
	if !terminal {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "", errors.New("engine stream ended without a terminal event")
	}
	return reply.String(), runErr
}

func (s *Session) relayToolResult(ctx context.Context, ev engine.Event) {
	logger := logging.FromContext(ctx, s.opts.logger)
	if ev.Err != nil {
		logger.Debug("Tool %s returned an error to the model: %v", ev.ToolName, ev.Err)
		return
	}

	var (
		payload any
		err     error
	)
	switch ev.ToolName {
	case tools.NameTriggerExercise:
		var trigger tools.ExerciseTrigger
		trigger, err = tools.DecodeExerciseTrigger(ev.Payload)
		if err == nil {
			s.notePreScore(trigger.PreScore)
		}
		payload = trigger
	case tools.NameSaveProgress:
		payload, err = tools.DecodeProgressSaved(ev.Payload)
	case tools.NameSpiralHistory:
		payload, err = tools.DecodeSpiralHistory(ev.Payload)
	default:
		logger.Debug("Ignoring result of unrecognized tool %s", ev.ToolName)
		return
	}
	if err != nil {
		logger.Warn("Dropping malformed %s payload: %v", ev.ToolName, err)
		s.opts.metrics.RecordToolEvent(ctx, ev.ToolName, "dropped")
		return
	}
	s.opts.metrics.RecordToolEvent(ctx, ev.ToolName, "relayed")
	s.currentSink().EmitToolResult(ev.ToolName, payload)
}

func (s *Session) notePreScore(score *int) {
	if score == nil || !validScore(*score) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preScore == nil && !s.disposed {
		v := *score
		s.preScore = &v
	}
}

func (s *Session) engineHistoryLocked() []engine.Message {
	history := make([]engine.Message, 0, len(s.turns))
	for _, turn := range s.turns {
		role := engine.RoleAssistant
		switch turn.Role {
		case RoleUser:
			role = engine.RoleUser
		case RoleSystem:
			role = engine.RoleSystem
		}
		history = append(history, engine.Message{Role: role, Content: turn.Content})
	}
	return history
}

// ExerciseResult describes a completed exercise.
type ExerciseResult struct {
	PreScore         int    `json:"pre_score"`
	PostScore        int    `json:"post_score"`
	Reduction        int    `json:"reduction"`
	ReductionPercent int    `json:"reduction_percent"`
	MinutesSaved     int    `json:"minutes_saved"`
	Period           string `json:"period"`
	Message          string `json:"message"`
}

// CompleteExercise summarises an exercise locally, without the engine. The
// pre score is preOverride, else the recorded score, else the default.
func (s *Session) CompleteExercise(ctx context.Context, postScore int, preOverride *int) (ExerciseResult, error) {
	if !validScore(postScore) || (preOverride != nil && !validScore(*preOverride)) {
		return ExerciseResult{}, ErrInvalidScore
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ExerciseResult{}, ErrDisposed
	}
	pre := s.config.DefaultPreScore
	switch {
	case preOverride != nil:
		pre = *preOverride
	case s.preScore != nil:
		pre = *s.preScore
	}
	s.mu.Unlock()

	reduction, percent, minutes := ComputeReduction(pre, postScore, s.config.MinutesPerPoint)
	period := DayPeriod(s.opts.now().In(s.config.Location))

	var message string
	if reduction > 0 {
		message = fmt.Sprintf("Nice work. You went from %d to %d, a %d point drop (%d%% reduction). That's about %d minutes of spiraling you got back this %s.",
			pre, postScore, reduction, percent, minutes, period)
	} else {
		message = fmt.Sprintf("Thanks for sticking with it. You started at %d and you're at %d now. Some spirals take more than one round, and I'm here whenever you want to try again this %s.",
			pre, postScore, period)
	}

	s.appendTurn(s.logContext(ctx), RoleAssistant, message)
	s.currentSink().EmitMessage(message, true)

	return ExerciseResult{
		PreScore:         pre,
		PostScore:        postScore,
		Reduction:        reduction,
		ReductionPercent: percent,
		MinutesSaved:     minutes,
		Period:           period,
		Message:          message,
	}, nil
}

// GetStats returns turn count, elapsed seconds and the recorded pre score.
func (s *Session) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{
		TurnCount: len(s.turns),
		Trigger:   s.trigger,
	}
	if !s.disposed {
		stats.ElapsedSeconds = int64(s.opts.now().Sub(s.startedAt) / time.Second)
	}
	if s.preScore != nil {
		v := *s.preScore
		stats.PreScore = &v
	}
	return stats
}

// Turns returns a copy of the history.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.turns...)
}

// Dispose clears history and stats and detaches the sink. Safe to repeat.
func (s *Session) Dispose() {
	s.mu.Lock()
	s.disposed = true
	s.turns = nil
	s.preScore = nil
	s.trigger = ""
	s.mu.Unlock()
	s.Rebind(DiscardSink{})
}

// Disposed reports whether Dispose has been called.
func (s *Session) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}
