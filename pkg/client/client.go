// Package client is a sync client for a single note. It keeps a local
// replica of the note, exchanges sync steps with the server on connect and
// streams local edits as updates.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"

	"github.com/astromechza/notesync/pkg/notedoc"
	"github.com/astromechza/notesync/pkg/wire"
)

var (
	ErrUnauthenticated = errors.New("client: unauthenticated")
	ErrForbidden       = errors.New("client: forbidden")
)

const writeTimeout = 10 * time.Second

type Options struct {
	Token  string
	Logger *slog.Logger
	Dialer *websocket.Dialer
	// Doc seeds the local replica, e.g. from a previously saved state.
	Doc *automerge.Doc
}

type Client struct {
	noteID string
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	doc       *automerge.Doc
	changed   chan struct{}
	synced    bool
	awareness [][]byte

	done chan struct{}
	err  error
}

// RoomURL returns the websocket URL of a note on a server whose base URL is
// base (http, https, ws or wss).
func RoomURL(base, noteID, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u = u.JoinPath("rooms", noteID)
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Dial connects to the note's room and starts the sync handshake.
func Dial(ctx context.Context, base, noteID string, opts Options) (*Client, error) {
	target, err := RoomURL(base, noteID, opts.Token)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	doc := opts.Doc
	if doc == nil {
		if doc, err = notedoc.New(); err != nil {
			return nil, err
		}
	}

	conn, resp, err := opts.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, fmt.Errorf("%w: %s", ErrUnauthenticated, resp.Status)
			case http.StatusForbidden:
				return nil, fmt.Errorf("%w: %s", ErrForbidden, resp.Status)
			}
		}
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	c := &Client{
		noteID:  noteID,
		conn:    conn,
		logger:  opts.Logger.With("note", noteID),
		doc:     doc,
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	c.mu.Lock()
	sv := notedoc.StateVectorOf(c.doc).Encode()
	c.mu.Unlock()
	if err := c.write(wire.SyncStep1, sv); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) write(kind wire.Kind, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := wire.WriteFrame(c.conn, kind, payload); err != nil {
		return fmt.Errorf("failed to write %s: %w", kind, err)
	}
	return nil
}

// notifyLocked wakes everything waiting for a change.
func (c *Client) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		f, err := wire.ReadFrame(c.conn)
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.notifyLocked()
			c.mu.Unlock()
			return
		}
		if err := c.handle(f); err != nil {
			c.abort(fmt.Errorf("failed to handle %s: %w", f.Kind, err))
			return
		}
	}
}

// abort ends the connection after a frame the replica could not take in;
// carrying on would leave it permanently behind the server.
func (c *Client) abort(err error) {
	code := websocket.CloseInternalServerErr
	if errors.Is(err, notedoc.ErrMalformed) {
		code = websocket.CloseInvalidFramePayloadData
	}
	c.logger.Warn("closing connection", "code", code, "err", err)
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, "bad frame"), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.conn.Close()
	c.mu.Lock()
	c.err = err
	c.notifyLocked()
	c.mu.Unlock()
}

func (c *Client) handle(f wire.Frame) error {
	switch f.Kind {
	case wire.SyncStep1:
		sv, err := notedoc.DecodeStateVector(f.Payload)
		if err != nil {
			return err
		}
		c.mu.Lock()
		changes, err := notedoc.Missing(c.doc, sv)
		c.mu.Unlock()
		if err != nil {
			return err
		}
		return c.write(wire.SyncStep2, notedoc.EncodeDelta(changes).Raw)
	case wire.SyncStep2, wire.Update:
		delta, err := notedoc.DecodeDelta(f.Payload)
		if err != nil {
			return err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if err := delta.Apply(c.doc); err != nil {
			return err
		}
		if f.Kind == wire.SyncStep2 {
			c.synced = true
		}
		c.notifyLocked()
	case wire.Awareness:
		c.mu.Lock()
		c.awareness = append(c.awareness, f.Payload)
		c.notifyLocked()
		c.mu.Unlock()
	}
	return nil
}

// Insert inserts s at pos in the local replica and sends the change.
func (c *Client) Insert(pos int, s string) error {
	c.mu.Lock()
	delta, err := notedoc.Insert(c.doc, pos, s)
	if err == nil {
		c.notifyLocked()
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.write(wire.Update, delta.Raw)
}

// Append inserts s at the end of the note.
func (c *Client) Append(s string) error {
	c.mu.Lock()
	text, err := notedoc.Text(c.doc)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.Insert(len([]rune(text)), s)
}

func (c *Client) Delete(pos, n int) error {
	c.mu.Lock()
	delta, err := notedoc.Delete(c.doc, pos, n)
	if err == nil {
		c.notifyLocked()
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.write(wire.Update, delta.Raw)
}

// SetAwareness publishes an opaque presence payload (cursor, selection).
func (c *Client) SetAwareness(payload []byte) error {
	return c.write(wire.Awareness, payload)
}

// Awareness returns the awareness payloads received so far.
func (c *Client) Awareness() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.awareness...)
}

func (c *Client) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	text, _ := notedoc.Text(c.doc)
	return text
}

// Save returns the encoded local replica.
func (c *Client) Save() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Save()
}

// WaitFor blocks until cond holds for the note text, the connection ends
// or ctx is done.
func (c *Client) WaitFor(ctx context.Context, cond func(text string) bool) error {
	for {
		c.mu.Lock()
		text, _ := notedoc.Text(c.doc)
		changed, err := c.changed, c.err
		c.mu.Unlock()
		if cond(text) {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %q: %w", text, ctx.Err())
		}
	}
}

// WaitSynced blocks until the server's sync-step-2 has been applied.
func (c *Client) WaitSynced(ctx context.Context) error {
	for {
		c.mu.Lock()
		synced, changed, err := c.synced, c.changed, c.err
		c.mu.Unlock()
		if synced {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection; a server close is a
// *websocket.CloseError.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// CloseCode returns the websocket close code sent by the server, or 0.
func (c *Client) CloseCode() int {
	var ce *websocket.CloseError
	if errors.As(c.Err(), &ce) {
		return ce.Code
	}
	return 0
}

// Close sends a normal closure and waits for the read loop to stop.
func (c *Client) Close() error {
	c.writeMu.Lock()
	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) && !strings.Contains(err.Error(), "closed") {
		c.logger.Debug("failed to send close", "err", err)
	}
	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
	return c.conn.Close()
}
