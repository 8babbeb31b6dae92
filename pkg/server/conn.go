package server

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/notesync/pkg/notedoc"
	"github.com/astromechza/notesync/pkg/room"
	"github.com/astromechza/notesync/pkg/wire"
)

type outFrame struct {
	kind    wire.Kind
	payload []byte
}

// conn is one websocket attached to a room. The handler goroutine runs the
// read loop; writePump owns all writes.
type conn struct {
	id      string
	noteID  string
	userID  string
	canEdit bool
	ws      *websocket.Conn
	logger  *slog.Logger
	srv     *Server

	out chan outFrame

	closeOnce   sync.Once
	closing     chan struct{}
	closeCode   int
	closeReason string
	written     chan struct{}
}

var _ room.Peer = (*conn)(nil)

func (c *conn) ID() string     { return c.id }
func (c *conn) UserID() string { return c.userID }

func (c *conn) Send(kind wire.Kind, payload []byte) bool {
	select {
	case <-c.closing:
		return true
	default:
	}
	select {
	case c.out <- outFrame{kind: kind, payload: payload}:
		return true
	default:
		return false
	}
}

// Close asks the write pump to send a close frame and stop. Only the first
// call's code is used.
func (c *conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.closing)
	})
}

func (c *conn) writePump() {
	defer close(c.written)
	ping := time.NewTicker(c.srv.opts.PingInterval)
	defer ping.Stop()
	for {
		select {
		case f := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.srv.opts.WriteTimeout))
			if err := wire.WriteFrame(c.ws, f.kind, f.payload); err != nil {
				c.logger.Debug("write failed", "err", err)
				_ = c.ws.Close()
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.srv.opts.WriteTimeout)); err != nil {
				c.logger.Debug("ping failed", "err", err)
				_ = c.ws.Close()
				return
			}
		case <-c.closing:
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.srv.opts.WriteTimeout))
			// give the peer a moment to answer the close before dropping
			// the socket under the read loop
			time.Sleep(50 * time.Millisecond)
			_ = c.ws.Close()
			return
		}
	}
}

// reject closes the connection with a protocol-level close code.
func (c *conn) reject(code int, reason string) {
	c.logger.Info("rejecting connection", "code", code, "reason", reason)
	c.srv.opts.Metrics.FrameRejected(reason)
	c.Close(code, reason)
}

// readLoop feeds frames into rm until the socket ends or a frame is
// rejected.
func (c *conn) readLoop(rm *room.Room) {
	c.ws.SetReadLimit(c.srv.opts.MaxFrameSize)
	pongWait := 2 * c.srv.opts.PingInterval
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		f, err := wire.ReadFrame(c.ws)
		if err != nil {
			switch {
			case errors.Is(err, wire.ErrNotBinary):
				c.reject(websocket.CloseUnsupportedData, "non-binary frame")
			case errors.Is(err, wire.ErrMalformed):
				c.reject(websocket.CloseInvalidFramePayloadData, "malformed frame")
			case errors.Is(err, websocket.ErrReadLimit):
				c.reject(websocket.CloseMessageTooBig, "frame too large")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				c.logger.Debug("connection lost", "err", err)
			}
			return
		}
		switch f.Kind {
		case wire.SyncStep1:
			sv, err := notedoc.DecodeStateVector(f.Payload)
			if err != nil {
				c.reject(websocket.CloseInvalidFramePayloadData, "malformed state vector")
				return
			}
			rm.Sync(c.id, sv)
		case wire.SyncStep2, wire.Update:
			delta, err := notedoc.DecodeDelta(f.Payload)
			if err != nil {
				c.reject(websocket.CloseInvalidFramePayloadData, "malformed delta")
				return
			}
			if delta.Empty() {
				continue
			}
			if !c.canEdit {
				c.reject(websocket.ClosePolicyViolation, "read-only")
				return
			}
			rm.Update(c.id, delta)
		case wire.Awareness:
			rm.Awareness(c.id, f.Payload)
		}
	}
}
