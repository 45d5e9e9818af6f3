package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"anna/internal/logging"

	"github.com/gorilla/websocket"
)

// conn owns one websocket. All data frames go through send and are written
// by writeLoop; control frames may be written from any goroutine.
type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	config Config
	logger logging.Logger

	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, config Config, logger logging.Logger) *conn {
	return &conn{
		ws:     ws,
		send:   make(chan []byte, config.SendBuffer),
		done:   make(chan struct{}),
		config: config,
		logger: logger,
	}
}

func encode(frameType string, data any) ([]byte, error) {
	if data == nil {
		data = struct{}{}
	}
	return json.Marshal(outbound{Type: frameType, Data: data, Timestamp: time.Now().UTC()})
}

// enqueue queues a frame. A full buffer closes the connection rather than
// dropping a fragment mid-stream.
func (c *conn) enqueue(frameType string, data any) bool {
	frame, err := encode(frameType, data)
	if err != nil {
		c.logger.Error("Encode %s frame: %v", frameType, err)
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("Send buffer full; closing connection")
		c.close(websocket.ClosePolicyViolation, "send buffer full")
		return false
	}
}

func (c *conn) sendError(code, message string) {
	c.enqueue(TypeError, ErrorData{Message: message, Code: code})
}

// writeDirect writes a frame before writeLoop starts.
func (c *conn) writeDirect(frameType string, data any) error {
	frame, err := encode(frameType, data)
	if err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(c.config.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteWait)); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			return
		}
	}
}

// close sends a close frame once and stops the writer.
func (c *conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		if code != websocket.CloseAbnormalClosure {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.config.WriteWait))
		}
		close(c.done)
	})
}

func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// connSink adapts a conn to session.Sink.
type connSink struct {
	c *conn
}

func (s *connSink) EmitMessage(text string, complete bool) {
	s.c.enqueue(TypeMessage, MessageData{Text: text, IsComplete: complete})
}

func (s *connSink) EmitToolResult(name string, payload any) {
	frameType, ok := toolEventType(name)
	if !ok {
		return
	}
	s.c.enqueue(frameType, payload)
}
