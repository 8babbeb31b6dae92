// Package fanout relays document deltas between server processes that hold
// the same note. Every process subscribes to one channel per live room and
// publishes the deltas its own connections produce. Envelopes carry the
// publishing process id so a process never re-applies its own traffic.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/astromechza/notesync/pkg/metrics"
)

var (
	ErrTransportDown = errors.New("fanout: transport down")
	ErrQueueFull     = errors.New("fanout: outbound queue full")
	ErrClosed        = errors.New("fanout: closed")
)

// Message is one payload received on a channel.
type Message struct {
	Channel string
	Payload []byte
}

// Transport is a lossy pub/sub bus. Publishers receive their own messages
// when subscribed to the channel.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
	Messages() <-chan Message
	Close() error
}

// Envelope is the wire form of a fan-out message. An envelope with a
// state vector and no delta is a catch-up request.
type Envelope struct {
	NoteID      string `json:"noteId"`
	Delta       []byte `json:"deltaBase64,omitempty"`
	OriginID    string `json:"originId"`
	StateVector []byte `json:"stateVector,omitempty"`
}

// Handler receives foreign traffic. It is implemented by the room registry.
type Handler interface {
	// DeliverForeign merges a delta from another process into the local
	// room, if there is one.
	DeliverForeign(noteID string, delta []byte)
	// CatchUp returns the changes a peer with the given state vector is
	// missing, or false when this process has no room for the note.
	CatchUp(ctx context.Context, noteID string, stateVector []byte) ([]byte, bool)
	// Recovered is called when publishing succeeds again after failures.
	Recovered()
}

type Options struct {
	OriginID  string
	Prefix    string
	QueueSize int
	// PublishTimeout bounds a single transport publish.
	PublishTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

type outbound struct {
	channel string
	payload []byte
	done    func(error)
}

type Fanout struct {
	transport Transport
	origin    string
	prefix    string
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics

	queue chan outbound

	mu      sync.Mutex
	handler Handler
	down    bool
	closed  bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(transport Transport, opts Options) *Fanout {
	if opts.OriginID == "" {
		opts.OriginID = xid.New().String()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Metrics.TransportUp(true)
	return &Fanout{
		transport: transport,
		origin:    opts.OriginID,
		prefix:    opts.Prefix,
		timeout:   opts.PublishTimeout,
		logger:    opts.Logger.With("component", "fanout", "origin", opts.OriginID),
		metrics:   opts.Metrics,
		queue:     make(chan outbound, opts.QueueSize),
		stop:      make(chan struct{}),
	}
}

// Origin returns the process id stamped on every published envelope.
func (f *Fanout) Origin() string { return f.origin }

// Channel returns the pub/sub channel of a note.
func (f *Fanout) Channel(noteID string) string { return f.prefix + noteID }

// Start runs the publish and receive loops until Close.
func (f *Fanout) Start(h Handler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
	f.wg.Add(2)
	go f.publishLoop()
	go f.receiveLoop()
}

// Join subscribes to the note's channel and asks the other processes for
// anything the local state vector does not cover.
func (f *Fanout) Join(ctx context.Context, noteID string, stateVector []byte) error {
	if err := f.transport.Subscribe(ctx, f.Channel(noteID)); err != nil {
		f.setDown(err)
		return err
	}
	f.RequestCatchUp(noteID, stateVector)
	return nil
}

func (f *Fanout) Leave(ctx context.Context, noteID string) error {
	return f.transport.Unsubscribe(ctx, f.Channel(noteID))
}

// RequestCatchUp publishes a catch-up request for noteID.
func (f *Fanout) RequestCatchUp(noteID string, stateVector []byte) {
	if len(stateVector) == 0 {
		// an encoded empty state vector is a single zero count byte
		stateVector = []byte{0}
	}
	f.enqueue(Envelope{NoteID: noteID, OriginID: f.origin, StateVector: stateVector}, nil)
}

// Publish queues delta for the note's channel without blocking. done, when
// set, is called exactly once with the publish outcome.
func (f *Fanout) Publish(noteID string, delta []byte, done func(error)) {
	f.enqueue(Envelope{NoteID: noteID, OriginID: f.origin, Delta: delta}, done)
}

func (f *Fanout) enqueue(env Envelope, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	payload, err := json.Marshal(env)
	if err != nil {
		done(err)
		return
	}
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		done(ErrClosed)
		return
	}
	select {
	case f.queue <- outbound{channel: f.Channel(env.NoteID), payload: payload, done: done}:
	default:
		f.metrics.PublishFailed()
		f.setDown(ErrQueueFull)
		done(ErrQueueFull)
	}
}

func (f *Fanout) publishLoop() {
	defer f.wg.Done()
	for {
		select {
		case <-f.stop:
			for {
				select {
				case m := <-f.queue:
					m.done(ErrClosed)
				default:
					return
				}
			}
		case m := <-f.queue:
			ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
			err := f.transport.Publish(ctx, m.channel, m.payload)
			cancel()
			if err != nil {
				f.metrics.PublishFailed()
				f.setDown(err)
			} else {
				f.setUp()
			}
			m.done(err)
		}
	}
}

func (f *Fanout) setDown(err error) {
	f.mu.Lock()
	wasDown := f.down
	f.down = true
	f.mu.Unlock()
	if !wasDown {
		f.logger.Warn("fan-out degraded to single instance", "err", err)
		f.metrics.TransportUp(false)
	}
}

func (f *Fanout) setUp() {
	f.mu.Lock()
	wasDown := f.down
	f.down = false
	h := f.handler
	f.mu.Unlock()
	if wasDown {
		f.logger.Info("fan-out recovered")
		f.metrics.TransportUp(true)
		if h != nil {
			go h.Recovered()
		}
	}
}

// Healthy reports whether the last publish succeeded.
func (f *Fanout) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.down
}

func (f *Fanout) receiveLoop() {
	defer f.wg.Done()
	msgs := f.transport.Messages()
	for {
		select {
		case <-f.stop:
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			f.receive(m)
		}
	}
}

func (f *Fanout) receive(m Message) {
	var env Envelope
	if err := json.Unmarshal(m.Payload, &env); err != nil || env.NoteID == "" {
		f.logger.Debug("dropping undecodable envelope", "channel", m.Channel, "err", err)
		return
	}
	if env.OriginID == f.origin {
		f.metrics.EchoDropped()
		return
	}
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		return
	}
	switch {
	case len(env.Delta) > 0:
		h.DeliverForeign(env.NoteID, env.Delta)
	case env.StateVector != nil:
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
			defer cancel()
			if delta, ok := h.CatchUp(ctx, env.NoteID, env.StateVector); ok && len(delta) > 0 {
				f.Publish(env.NoteID, delta, nil)
			}
		}()
	}
}

// Close stops both loops and closes the transport. Queued envelopes are
// completed with ErrClosed.
func (f *Fanout) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()
	close(f.stop)
	err := f.transport.Close()
	f.wg.Wait()
	return err
}
