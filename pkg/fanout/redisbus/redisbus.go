// Package redisbus is the fan-out transport over Redis pub/sub. All note
// channels share one subscription connection; go-redis restores the
// subscriptions when that connection is re-established.
package redisbus

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/astromechza/notesync/pkg/fanout"
)

type Transport struct {
	client *redis.Client

	mu     sync.Mutex
	pubsub *redis.PubSub
	msgs   chan fanout.Message
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// Open creates a transport for the Redis server at url
// (redis://host:port/db). The server does not need to be reachable yet.
func Open(url string) (*Transport, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return New(redis.NewClient(opts)), nil
}

func New(client *redis.Client) *Transport {
	return &Transport{
		client: client,
		msgs:   make(chan fanout.Message, 1024),
		done:   make(chan struct{}),
	}
}

func (t *Transport) Publish(ctx context.Context, channel string, payload []byte) error {
	return t.client.Publish(ctx, channel, payload).Err()
}

func (t *Transport) Subscribe(ctx context.Context, channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fanout.ErrClosed
	}
	if t.pubsub == nil {
		ps := t.client.Subscribe(ctx, channel)
		// wait for the confirmation so a publish right after Subscribe is seen
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return err
		}
		t.pubsub = ps
		t.wg.Add(1)
		go t.pump(ps.Channel())
		return nil
	}
	return t.pubsub.Subscribe(ctx, channel)
}

func (t *Transport) Unsubscribe(ctx context.Context, channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pubsub == nil {
		return nil
	}
	return t.pubsub.Unsubscribe(ctx, channel)
}

func (t *Transport) pump(in <-chan *redis.Message) {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			select {
			case t.msgs <- fanout.Message{Channel: m.Channel, Payload: []byte(m.Payload)}:
			case <-t.done:
				return
			}
		}
	}
}

func (t *Transport) Messages() <-chan fanout.Message { return t.msgs }

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ps := t.pubsub
	t.mu.Unlock()
	close(t.done)
	var err error
	if ps != nil {
		err = ps.Close()
	}
	t.wg.Wait()
	close(t.msgs)
	if cerr := t.client.Close(); err == nil {
		err = cerr
	}
	return err
}
