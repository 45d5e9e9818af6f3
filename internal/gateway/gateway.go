// Package gateway accepts websocket connections, authenticates them and binds
// them to the caller's session.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"anna/internal/auth"
	"anna/internal/logging"
	"anna/internal/observability"
	"anna/internal/session"

	"github.com/gorilla/websocket"
)

// Config tunes the websocket transport.
type Config struct {
	AllowedOrigins []string
	AuthTimeout    time.Duration
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	SendBuffer     int
	MaxMessageSize int64
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 << 10
	}
	return c
}

// Gateway is the websocket entry point.
type Gateway struct {
	authn    *auth.Authenticator
	binder   *Binder
	upgrader websocket.Upgrader
	config   Config
	logger   logging.Logger
	metrics  *observability.MetricsCollector

	baseCtx context.Context
	cancel  context.CancelFunc
	runs    sync.WaitGroup

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

// New builds a gateway. obs may be nil.
func New(authn *auth.Authenticator, registry *session.Registry, config Config, obs *observability.Observability, logger logging.Logger) *Gateway {
	logger = logging.OrNop(logger)
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		authn:   authn,
		binder:  NewBinder(registry, logger),
		config:  config,
		logger:  logger,
		baseCtx: ctx,
		cancel:  cancel,
		conns:   make(map[*conn]struct{}),
	}
	if obs != nil {
		g.metrics = obs.Metrics
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(g.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range g.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (g *Gateway) track(c *conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.conns[c] = struct{}{}
	return true
}

func (g *Gateway) untrack(c *conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, c)
}

// ServeWS upgrades the request and serves the connection until it closes.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("Websocket upgrade failed: %v", err)
		return
	}
	defer func() {
		if p := recover(); p != nil {
			g.logger.Error("Connection handler panic: %v\n%s", p, debug.Stack())
			_ = ws.Close()
		}
	}()

	credential := auth.CredentialFromRequest(r)
	if credential == "" {
		credential = g.readAuthFrame(ws)
	}
	identity, err := g.authn.Authenticate(r.Context(), auth.Handshake{Credential: credential})
	if err != nil {
		g.reject(ws, CloseUnauthorized, string(auth.ReasonOf(err)))
		return
	}

	c := newConn(ws, g.config, g.logger)
	if !g.track(c) {
		g.reject(ws, websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer g.untrack(c)

	sink := &connSink{c: c}
	att, err := g.binder.Bind(identity.UserID, sink)
	if err != nil {
		g.reject(ws, websocket.CloseGoingAway, "server shutting down")
		return
	}
	sess := att.Session

	ctx := auth.WithIdentity(g.baseCtx, identity)
	ctx = observability.ContextWithSessionID(ctx, sess.ID())
	logger := logging.FromContext(ctx, g.logger)

	g.metrics.AddConnections(ctx, 1)
	defer g.metrics.AddConnections(ctx, -1)

	if err := c.writeDirect(TypeConnected, ConnectedData{
		UserID:    identity.UserID,
		SessionID: sess.ID(),
		Resumed:   att.Resumed,
	}); err != nil {
		logger.Debug("Write connected frame: %v", err)
		c.close(websocket.CloseAbnormalClosure, "")
		_ = ws.Close()
		g.binder.Unbind(identity.UserID, sess, sink)
		return
	}
	logger.Info("Connection bound (resumed=%t)", att.Resumed)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	g.readLoop(ctx, c, sess)

	c.close(websocket.CloseNormalClosure, "")
	<-writerDone
	g.binder.Unbind(identity.UserID, sess, sink)
	logger.Info("Connection closed")
}

func (g *Gateway) readAuthFrame(ws *websocket.Conn) string {
	_ = ws.SetReadDeadline(time.Now().Add(g.config.AuthTimeout))
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()

	_, data, err := ws.ReadMessage()
	if err != nil {
		return ""
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != TypeAuth {
		return ""
	}
	var payload authData
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return ""
	}
	return strings.TrimSpace(payload.Token)
}

func (g *Gateway) reject(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(g.config.WriteWait))
	_ = ws.Close()
}

func (g *Gateway) readLoop(ctx context.Context, c *conn, sess *session.Session) {
	ws := c.ws
	ws.SetReadLimit(g.config.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(g.config.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(g.config.PongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, CloseSuperseded) && !c.closed() {
				logging.FromContext(ctx, g.logger).Debug("Read error: %v", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(g.config.PongWait))
		g.handle(ctx, c, sess, data)
	}
}

func (g *Gateway) handle(ctx context.Context, c *conn, sess *session.Session, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		c.sendError(CodeInvalidMessage, "frame is not a valid envelope")
		return
	}

	switch env.Type {
	case TypeMessage:
		var in messageIn
		if err := decodeData(env.Data, &in); err != nil {
			c.sendError(CodeInvalidMessage, "message data must be {\"text\": string}")
			return
		}
		text := strings.TrimSpace(in.Text)
		if text == "" {
			c.sendError(CodeEmptyMessage, "message text is empty")
			return
		}
		if sess.Running() {
			c.sendError(CodeRunInProgress, session.ErrRunInProgress.Error())
			return
		}
		g.startRun(ctx, c, sess, text)

	case TypeGetHistory:
		turns := sess.Turns()
		if turns == nil {
			turns = []session.Turn{}
		}
		c.enqueue(TypeHistory, HistoryData{Turns: turns, Stats: sess.GetStats()})

	case TypeExerciseComplete:
		var in exerciseCompleteIn
		if err := decodeData(env.Data, &in); err != nil {
			c.sendError(CodeInvalidMessage, "exercise_complete data is malformed")
			return
		}
		if in.PostScore == nil {
			c.sendError(CodeInvalidScore, "post_score is required")
			return
		}
		if _, err := sess.CompleteExercise(ctx, *in.PostScore, in.PreScore); err != nil {
			g.sendSessionError(c, err)
		}

	case TypePing:
		c.enqueue(TypePong, nil)

	case TypeAuth:
		// Already authenticated.

	default:
		c.sendError(CodeUnknownType, fmt.Sprintf("unknown message type %q", env.Type))
	}
}

// startRun submits a turn in the background so the connection keeps reading.
// Runs use the gateway context: a disconnect does not cancel them.
func (g *Gateway) startRun(ctx context.Context, c *conn, sess *session.Session, text string) {
	identity, _ := auth.IdentityFromContext(ctx)
	logger := logging.FromContext(ctx, g.logger)
	g.runs.Add(1)
	go func() {
		defer g.runs.Done()
		defer func() {
			if p := recover(); p != nil {
				logger.Error("Run panic for %s: %v\n%s", identity.UserID, p, debug.Stack())
			}
		}()
		started := time.Now()
		if err := sess.SubmitTurn(ctx, text); err != nil {
			g.sendSessionError(c, err)
			return
		}
		logger.Debug("Turn for %s finished in %v", identity.UserID, time.Since(started))
	}()
}

func (g *Gateway) sendSessionError(c *conn, err error) {
	switch {
	case errors.Is(err, session.ErrRunInProgress):
		c.sendError(CodeRunInProgress, err.Error())
	case errors.Is(err, session.ErrEmptyTurn):
		c.sendError(CodeEmptyMessage, err.Error())
	case errors.Is(err, session.ErrInvalidScore):
		c.sendError(CodeInvalidScore, err.Error())
	case errors.Is(err, session.ErrDisposed):
		c.sendError(CodeSessionClosed, err.Error())
	default:
		g.logger.Error("Unexpected session error: %v", err)
		c.sendError(CodeInvalidMessage, "request could not be processed")
	}
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("missing data")
	}
	return json.Unmarshal(raw, v)
}

// Shutdown closes every connection and waits for open runs until ctx ends,
// after which remaining runs are cancelled.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	conns := make([]*conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		g.runs.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		g.cancel()
		<-done
	}
	g.cancel()
	return err
}
