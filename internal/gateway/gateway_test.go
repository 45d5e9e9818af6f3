package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"anna/internal/auth"
	"anna/internal/engine"
	"anna/internal/engine/mock"
	"anna/internal/session"
	"anna/internal/tools"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "gateway-test-secret"

type harness struct {
	t      *testing.T
	srv    *httptest.Server
	gw     *Gateway
	reg    *session.Registry
	eng    *mock.Engine
	issuer *auth.TokenIssuer
}

func newHarness(t *testing.T, eng *mock.Engine) *harness {
	t.Helper()
	verifier, err := auth.NewJWTVerifier(testSecret, "", "")
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer(testSecret, "", "")
	require.NoError(t, err)

	reg := session.NewRegistry(eng, session.Config{Location: time.UTC})
	gw := New(auth.NewAuthenticator(verifier, nil, nil), reg, Config{AuthTimeout: 300 * time.Millisecond}, nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(gw.ServeWS))

	h := &harness{t: t, srv: srv, gw: gw, reg: reg, eng: eng, issuer: issuer}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		reg.Shutdown()
		srv.Close()
	})
	return h
}

func (h *harness) token(userID string) string {
	h.t.Helper()
	token, _, err := h.issuer.Issue(userID, "", time.Hour)
	require.NoError(h.t, err)
	return token
}

func (h *harness) url(query string) string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws" + query
}

func (h *harness) dial(header http.Header, query string) (*client, *http.Response, error) {
	ws, resp, err := websocket.DefaultDialer.Dial(h.url(query), header)
	if err != nil {
		return nil, resp, err
	}
	c := &client{t: h.t, ws: ws}
	h.t.Cleanup(func() { _ = ws.Close() })
	return c, resp, nil
}

// connect dials as userID and consumes the connected frame.
func (h *harness) connect(userID string) (*client, ConnectedData) {
	h.t.Helper()
	header := http.Header{"Authorization": []string{"Bearer " + h.token(userID)}}
	c, _, err := h.dial(header, "")
	require.NoError(h.t, err)
	var data ConnectedData
	c.expect(TypeConnected, &data)
	return c, data
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func (c *client) send(frameType string, data any) {
	c.t.Helper()
	frame := map[string]any{"type": frameType}
	if data != nil {
		frame["data"] = data
	}
	require.NoError(c.t, c.ws.WriteJSON(frame))
}

func (c *client) read() (Envelope, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return env, err
	}
	err = json.Unmarshal(raw, &env)
	return env, err
}

func (c *client) expect(frameType string, v any) Envelope {
	c.t.Helper()
	env, err := c.read()
	require.NoError(c.t, err)
	require.Equal(c.t, frameType, env.Type, "frame data: %s", env.Data)
	assert.False(c.t, env.Timestamp.IsZero())
	if v != nil {
		require.NoError(c.t, json.Unmarshal(env.Data, v))
	}
	return env
}

func (c *client) expectMessage() MessageData {
	c.t.Helper()
	var data MessageData
	c.expect(TypeMessage, &data)
	return data
}

func (c *client) expectError(code string) {
	c.t.Helper()
	var data ErrorData
	c.expect(TypeError, &data)
	assert.Equal(c.t, code, data.Code)
	assert.NotEmpty(c.t, data.Message)
}

// readUntilComplete collects streamed fragments up to the completion marker.
func (c *client) readUntilComplete() []MessageData {
	c.t.Helper()
	var out []MessageData
	for {
		msg := c.expectMessage()
		out = append(out, msg)
		if msg.IsComplete {
			return out
		}
	}
}

func (c *client) expectClose(code int, reason string) {
	c.t.Helper()
	for {
		_, err := c.read()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.True(c.t, errors.As(err, &closeErr), "expected close error, got %v", err)
		assert.Equal(c.t, code, closeErr.Code)
		if reason != "" {
			assert.Equal(c.t, reason, closeErr.Text)
		}
		return
	}
}

func TestHandshakeRejectsBadCredentials(t *testing.T) {
	h := newHarness(t, mock.NewEngine())

	tests := []struct {
		name   string
		header http.Header
		query  string
		reason string
	}{
		{"missing", nil, "", string(auth.MissingCredential)},
		{"invalid header", http.Header{"Authorization": []string{"Bearer nope"}}, "", string(auth.InvalidCredential)},
		{"invalid query", nil, "?access_token=nope", string(auth.InvalidCredential)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, err := h.dial(tt.header, tt.query)
			require.NoError(t, err)
			c.t = t
			c.expectClose(CloseUnauthorized, tt.reason)
		})
	}
	assert.Equal(t, 0, h.reg.Len())
}

func TestHandshakeFirstFrameAuth(t *testing.T) {
	h := newHarness(t, mock.NewEngine())
	c, _, err := h.dial(nil, "")
	require.NoError(t, err)

	c.send(TypeAuth, map[string]string{"token": h.token("alice")})
	var data ConnectedData
	c.expect(TypeConnected, &data)
	assert.Equal(t, "alice", data.UserID)
	assert.False(t, data.Resumed)
}

func TestHandshakeFirstFrameMustBeAuth(t *testing.T) {
	h := newHarness(t, mock.NewEngine())
	c, _, err := h.dial(nil, "")
	require.NoError(t, err)

	c.send(TypeMessage, map[string]string{"text": "hello"})
	c.expectClose(CloseUnauthorized, string(auth.MissingCredential))
}

func TestHandshakeQueryToken(t *testing.T) {
	h := newHarness(t, mock.NewEngine())
	c, _, err := h.dial(nil, "?access_token="+h.token("bob"))
	require.NoError(t, err)
	var data ConnectedData
	c.expect(TypeConnected, &data)
	assert.Equal(t, "bob", data.UserID)
}

func TestConnectedPrecedesGreeting(t *testing.T) {
	h := newHarness(t, mock.NewEngine())
	c, data := h.connect("alice")

	assert.NotEmpty(t, data.SessionID)
	sess, ok := h.reg.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, sess.ID(), data.SessionID)

	greeting := c.expectMessage()
	assert.Equal(t, session.DefaultGreeting, greeting.Text)
	assert.True(t, greeting.IsComplete)
}

func TestMessageStreamsReply(t *testing.T) {
	eng := mock.NewEngine(mock.Text("I hear ", "you."))
	h := newHarness(t, eng)
	c, _ := h.connect("alice")
	c.expectMessage()

	c.send(TypeMessage, map[string]string{"text": "  I'm at a 7 about work  "})
	got := c.readUntilComplete()
	assert.Equal(t, []MessageData{
		{Text: "I hear ", IsComplete: false},
		{Text: "you.", IsComplete: false},
		{Text: "", IsComplete: true},
	}, got)

	reqs := eng.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "alice", reqs[0].ToolContext.UserID)

	c.send(TypeGetHistory, nil)
	var hist HistoryData
	c.expect(TypeHistory, &hist)
	require.Len(t, hist.Turns, 3)
	assert.Equal(t, session.RoleUser, hist.Turns[1].Role)
	assert.Equal(t, "I'm at a 7 about work", hist.Turns[1].Content)
	assert.Equal(t, "I hear you.", hist.Turns[2].Content)
	assert.Equal(t, 3, hist.Stats.TurnCount)
	require.NotNil(t, hist.Stats.PreScore)
	assert.Equal(t, 7, *hist.Stats.PreScore)
}

func TestToolResultsBecomeFrames(t *testing.T) {
	pre := 9
	eng := mock.NewEngine([]engine.Event{
		engine.TextEvent("Let's breathe."),
		mock.ToolResult(tools.NameTriggerExercise, tools.ExerciseTrigger{
			ExerciseType: "breathing", PreScore: &pre, DurationSeconds: 120,
		}),
		mock.ToolResult(tools.NameSpiralHistory, tools.SpiralHistory{Count: 0}),
		mock.ToolResult("web_search", map[string]string{"q": "x"}),
		engine.CompleteEvent(),
	})
	h := newHarness(t, eng)
	c, _ := h.connect("alice")
	c.expectMessage()

	c.send(TypeMessage, map[string]string{"text": "everything is falling apart"})
	assert.Equal(t, "Let's breathe.", c.expectMessage().Text)

	var trigger tools.ExerciseTrigger
	c.expect(TypeTriggerExercise, &trigger)
	assert.Equal(t, "breathing", trigger.ExerciseType)
	require.NotNil(t, trigger.PreScore)
	assert.Equal(t, 9, *trigger.PreScore)

	var history tools.SpiralHistory
	c.expect(TypeSpiralHistory, &history)
	assert.Equal(t, 0, history.Count)

	assert.True(t, c.expectMessage().IsComplete)
}

func TestExerciseComplete(t *testing.T) {
	h := newHarness(t, mock.NewEngine())
	c, _ := h.connect("alice")
	c.expectMessage()

	c.send(TypeExerciseComplete, map[string]int{"post_score": 11})
	c.expectError(CodeInvalidScore)

	c.send(TypeExerciseComplete, map[string]int{"pre_score": 5})
	c.expectError(CodeInvalidScore)

	c.send(TypeExerciseComplete, map[string]int{"post_score": 3})
	msg := c.expectMessage()
	assert.True(t, msg.IsComplete)
	assert.Contains(t, msg.Text, "from 8 to 3")
	assert.Contains(t, msg.Text, "20 minutes")

	c.send(TypeExerciseComplete, map[string]int{"post_score": 4, "pre_score": 6})
	assert.Contains(t, c.expectMessage().Text, "from 6 to 4")
}

func TestInvalidFrames(t *testing.T) {
	h := newHarness(t, mock.NewEngine())
	c, _ := h.connect("alice")
	c.expectMessage()

	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	c.expectError(CodeInvalidMessage)

	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte(`{"data":{}}`)))
	c.expectError(CodeInvalidMessage)

	c.send(TypeMessage, nil)
	c.expectError(CodeInvalidMessage)

	c.send(TypeMessage, map[string]string{"text": "   "})
	c.expectError(CodeEmptyMessage)

	c.send("dance", map[string]string{})
	c.expectError(CodeUnknownType)

	c.send(TypeAuth, map[string]string{"token": "ignored"})
	c.send(TypePing, nil)
	c.expect(TypePong, nil)
}

func TestRunInProgressRejected(t *testing.T) {
	eng := mock.NewEngine(mock.Text("done")).Hold()
	h := newHarness(t, eng)
	c, _ := h.connect("alice")
	c.expectMessage()

	c.send(TypeMessage, map[string]string{"text": "first"})
	require.Eventually(t, func() bool { return len(eng.Requests()) == 1 }, 2*time.Second, 5*time.Millisecond)

	c.send(TypeMessage, map[string]string{"text": "second"})
	c.expectError(CodeRunInProgress)

	eng.Release()
	got := c.readUntilComplete()
	assert.Equal(t, "done", got[0].Text)
	assert.Len(t, eng.Requests(), 1)
}

func TestReconnectResumesSession(t *testing.T) {
	h := newHarness(t, mock.NewEngine())
	first, data := h.connect("alice")
	first.expectMessage()

	require.NoError(t, first.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	first.expectClose(websocket.CloseNormalClosure, "")

	second, resumed := h.connect("alice")
	assert.True(t, resumed.Resumed)
	assert.Equal(t, data.SessionID, resumed.SessionID)

	second.send(TypePing, nil)
	second.expect(TypePong, nil)
	assert.Equal(t, 1, h.reg.Len())
}

func startHeldRun(t *testing.T, h *harness, c *client) {
	t.Helper()
	c.send(TypeMessage, map[string]string{"text": "are you still there"})
	require.Eventually(t, func() bool { return len(h.eng.Requests()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.ws.Close())
}

func waitForAssistantTurn(t *testing.T, h *harness) session.Turn {
	t.Helper()
	sess, ok := h.reg.Lookup("alice")
	require.True(t, ok)
	require.Eventually(t, func() bool { return !sess.Running() }, 2*time.Second, 5*time.Millisecond)
	turns := sess.Turns()
	return turns[len(turns)-1]
}

func TestDisconnectDoesNotCancelRun(t *testing.T) {
	eng := mock.NewEngine(mock.Text("late", " reply")).Hold()
	h := newHarness(t, eng)
	c, _ := h.connect("alice")
	c.expectMessage()

	startHeldRun(t, h, c)
	eng.Release()

	last := waitForAssistantTurn(t, h)
	assert.Equal(t, session.RoleAssistant, last.Role)
	assert.Equal(t, "late reply", last.Content)
}

func TestReconnectMidRunReceivesRemainingFragments(t *testing.T) {
	eng := mock.NewEngine(mock.Text("late", " reply")).Hold()
	h := newHarness(t, eng)
	first, data := h.connect("alice")
	first.expectMessage()

	startHeldRun(t, h, first)

	second, resumed := h.connect("alice")
	assert.True(t, resumed.Resumed)
	assert.Equal(t, data.SessionID, resumed.SessionID)

	eng.Release()
	got := second.readUntilComplete()
	want := []MessageData{
		{Text: "late"},
		{Text: " reply"},
		{Text: "", IsComplete: true},
	}
	assert.Equal(t, want, got)
	assert.Equal(t, "late reply", waitForAssistantTurn(t, h).Content)
}

func TestNewConnectionSupersedesOld(t *testing.T) {
	h := newHarness(t, mock.NewEngine(mock.Text("to the new socket")))
	first, data := h.connect("alice")
	first.expectMessage()

	second, resumed := h.connect("alice")
	assert.True(t, resumed.Resumed)
	assert.Equal(t, data.SessionID, resumed.SessionID)
	first.expectClose(CloseSuperseded, "superseded")

	second.send(TypeMessage, map[string]string{"text": "still there?"})
	got := second.readUntilComplete()
	assert.Equal(t, "to the new socket", got[0].Text)
}

func TestUsersAreIsolated(t *testing.T) {
	h := newHarness(t, mock.NewEngine())
	_, alice := h.connect("alice")
	_, bob := h.connect("bob")
	assert.NotEqual(t, alice.SessionID, bob.SessionID)
	assert.Equal(t, 2, h.reg.Len())
}

func TestShutdownClosesConnections(t *testing.T) {
	h := newHarness(t, mock.NewEngine())
	c, _ := h.connect("alice")
	c.expectMessage()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.gw.Shutdown(ctx))
	c.expectClose(websocket.CloseGoingAway, "server shutting down")

	header := http.Header{"Authorization": []string{"Bearer " + h.token("alice")}}
	_, resp, err := h.dial(header, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCheckOrigin(t *testing.T) {
	g := New(nil, nil, Config{AllowedOrigins: []string{"https://app.example.com"}}, nil, nil)
	defer func() { _ = g.Shutdown(context.Background()) }()

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, g.checkOrigin(r))
	r.Header.Set("Origin", "https://APP.example.com")
	assert.True(t, g.checkOrigin(r))
	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, g.checkOrigin(r))
}
