package fanout

import (
	"context"
	"sync"
)

// Bus is an in-process pub/sub bus. Each Connect returns an independent
// Transport, standing in for one server process.
type Bus struct {
	mu    sync.RWMutex
	conns map[*MemTransport]struct{}
}

func NewBus() *Bus {
	return &Bus{conns: make(map[*MemTransport]struct{})}
}

func (b *Bus) Connect() *MemTransport {
	t := &MemTransport{
		bus:      b,
		channels: make(map[string]bool),
		msgs:     make(chan Message, 1024),
	}
	b.mu.Lock()
	b.conns[t] = struct{}{}
	b.mu.Unlock()
	return t
}

func (b *Bus) deliver(channel string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for t := range b.conns {
		t.deliver(channel, payload)
	}
}

type MemTransport struct {
	bus *Bus

	mu       sync.Mutex
	channels map[string]bool
	down     bool
	closed   bool
	msgs     chan Message
}

// SetDown simulates losing (true) or regaining (false) the connection to
// the bus. While down, publishes and subscribes fail and nothing is
// received.
func (t *MemTransport) SetDown(down bool) {
	t.mu.Lock()
	t.down = down
	t.mu.Unlock()
}

func (t *MemTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	down, closed := t.down, t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	} else if down {
		return ErrTransportDown
	}
	t.bus.deliver(channel, append([]byte(nil), payload...))
	return nil
}

func (t *MemTransport) Subscribe(_ context.Context, channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.down {
		return ErrTransportDown
	}
	t.channels[channel] = true
	return nil
}

func (t *MemTransport) Unsubscribe(_ context.Context, channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.channels, channel)
	return nil
}

func (t *MemTransport) Messages() <-chan Message { return t.msgs }

func (t *MemTransport) deliver(channel string, payload []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.down || !t.channels[channel] {
		return
	}
	select {
	case t.msgs <- Message{Channel: channel, Payload: payload}:
	default:
		// pub/sub is lossy; a stalled subscriber drops messages
	}
}

func (t *MemTransport) Close() error {
	t.bus.mu.Lock()
	delete(t.bus.conns, t)
	t.bus.mu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.msgs)
	}
	return nil
}
