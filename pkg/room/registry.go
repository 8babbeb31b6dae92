package room

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"golang.org/x/sync/singleflight"

	"github.com/astromechza/notesync/pkg/clock"
	"github.com/astromechza/notesync/pkg/debounce"
	"github.com/astromechza/notesync/pkg/metrics"
	"github.com/astromechza/notesync/pkg/notedoc"
	"github.com/astromechza/notesync/pkg/store"
)

type Options struct {
	Store store.SnapshotStore
	// Publisher is nil when fan-out is disabled.
	Publisher Publisher
	Clock     clock.Clock
	// Debounce is the quiet period before a snapshot write.
	Debounce time.Duration
	// IdleTTL keeps a room without connections alive for a while so a quick
	// reconnect does not reload the snapshot.
	IdleTTL     time.Duration
	LoadTimeout time.Duration
	SaveTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

type entry struct {
	room    *Room
	refs    int
	idle    *clock.Timer
	idleGen uint64
	// closing is non-nil while the room flushes on eviction
	closing chan struct{}
}

// Registry maps note ids to live rooms.
type Registry struct {
	opts      Options
	logger    *slog.Logger
	debouncer *debounce.Debouncer
	group     singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

func NewRegistry(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 10 * time.Second
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Registry{
		opts:    opts,
		logger:  opts.Logger.With("component", "rooms"),
		entries: make(map[string]*entry),
	}
	r.debouncer = debounce.New(opts.Clock, opts.Debounce, r.onQuiet)
	return r
}

func (r *Registry) roomConfig() config {
	return config{
		store:       r.opts.Store,
		publisher:   r.opts.Publisher,
		clock:       r.opts.Clock,
		touch:       r.debouncer.Touch,
		saveTimeout: r.opts.SaveTimeout,
		logger:      r.logger,
		metrics:     r.opts.Metrics,
	}
}

// Acquire returns the room for noteID with one more reference held,
// creating and hydrating it if needed. Concurrent first callers share a
// single snapshot load.
func (r *Registry) Acquire(ctx context.Context, noteID string) (*Room, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		e, ok := r.entries[noteID]
		if ok && e.closing == nil {
			e.refs++
			r.disarmLocked(e)
			r.mu.Unlock()
			return e.room, nil
		}
		r.mu.Unlock()

		if ok {
			// an eviction is flushing; wait so the reload sees its write
			select {
			case <-e.closing:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		ch := r.group.DoChan(noteID, func() (any, error) {
			return r.create(noteID)
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// create hydrates a room and registers it with an armed idle timer; the
// Acquire loop then takes its reference.
func (r *Registry) create(noteID string) (any, error) {
	r.mu.Lock()
	if e, ok := r.entries[noteID]; ok && e.closing == nil {
		r.mu.Unlock()
		return e.room, nil
	}
	r.mu.Unlock()

	doc, err := r.hydrate(noteID)
	if err != nil {
		return nil, err
	}
	rm := newRoom(noteID, doc, r.roomConfig())
	r.opts.Metrics.RoomOpened()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = rm.close(context.Background())
		r.opts.Metrics.RoomClosed()
		return nil, ErrClosed
	}
	e := &entry{room: rm}
	r.entries[noteID] = e
	// evicts the room if every caller waiting for it gave up
	ttl := r.opts.IdleTTL
	if ttl <= 0 {
		ttl = r.opts.LoadTimeout
	}
	r.armLocked(noteID, e, ttl)
	r.mu.Unlock()

	if r.opts.Publisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.LoadTimeout)
		defer cancel()
		if err := r.opts.Publisher.Join(ctx, noteID, notedoc.StateVectorOf(doc).Encode()); err != nil {
			r.logger.Warn("failed to join fan-out channel", "note", noteID, "err", err)
		}
	}
	r.logger.Info("room opened", "note", noteID)
	return rm, nil
}

// hydrate loads the note snapshot. A missing snapshot is a new note; a
// failed or corrupt one starts the room empty so the note stays editable.
func (r *Registry) hydrate(noteID string) (*automerge.Doc, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.LoadTimeout)
	defer cancel()
	snap, err := r.opts.Store.LoadSnapshot(ctx, noteID)
	if err == nil {
		doc, lerr := notedoc.Load(snap.State)
		if lerr == nil {
			return doc, nil
		}
		err = lerr
	}
	if !errors.Is(err, store.ErrNotFound) {
		r.logger.Error("failed to hydrate room, starting empty", "note", noteID, "err", err)
		r.opts.Metrics.HydrationFailed()
	}
	return notedoc.New()
}

// Release detaches peerID and drops one reference. The last release arms
// idle eviction.
func (r *Registry) Release(ctx context.Context, noteID, peerID string) {
	r.mu.Lock()
	e, ok := r.entries[noteID]
	r.mu.Unlock()
	if !ok {
		return
	}
	e.room.Detach(peerID)

	r.mu.Lock()
	e.refs--
	if e.refs > 0 || e.closing != nil {
		r.mu.Unlock()
		return
	}
	e.refs = 0
	gen := r.armLocked(noteID, e, r.opts.IdleTTL)
	r.mu.Unlock()
	if r.opts.IdleTTL <= 0 {
		r.evict(ctx, noteID, gen)
	}
}

func (r *Registry) armLocked(noteID string, e *entry, ttl time.Duration) uint64 {
	r.disarmLocked(e)
	e.idleGen++
	gen := e.idleGen
	if ttl > 0 {
		e.idle = r.opts.Clock.AfterFunc(ttl, func() {
			r.evict(context.Background(), noteID, gen)
		})
	}
	return gen
}

func (r *Registry) disarmLocked(e *entry) {
	e.idle.Stop()
	e.idle = nil
	e.idleGen++
}

// evict removes the room if it is still idle at generation gen.
func (r *Registry) evict(ctx context.Context, noteID string, gen uint64) {
	r.mu.Lock()
	e, ok := r.entries[noteID]
	if !ok || e.refs > 0 || e.idleGen != gen || e.closing != nil {
		r.mu.Unlock()
		return
	}
	e.closing = make(chan struct{})
	r.mu.Unlock()
	r.shutdown(ctx, noteID, e)
}

func (r *Registry) shutdown(ctx context.Context, noteID string, e *entry) {
	r.debouncer.Cancel(noteID)
	if err := e.room.close(ctx); err != nil {
		r.logger.Error("room did not close cleanly", "note", noteID, "err", err)
	}
	if r.opts.Publisher != nil {
		if err := r.opts.Publisher.Leave(ctx, noteID); err != nil {
			r.logger.Warn("failed to leave fan-out channel", "note", noteID, "err", err)
		}
	}
	r.mu.Lock()
	if r.entries[noteID] == e {
		delete(r.entries, noteID)
	}
	close(e.closing)
	r.mu.Unlock()
	r.opts.Metrics.RoomClosed()
	r.logger.Info("room closed", "note", noteID)
}

// Lookup returns the live room for noteID without taking a reference.
func (r *Registry) Lookup(noteID string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[noteID]
	if !ok || e.closing != nil {
		return nil, false
	}
	return e.room, true
}

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) onQuiet(noteID string) {
	if rm, ok := r.Lookup(noteID); ok {
		rm.saveDue()
	}
}

// DeliverForeign merges a delta published by another process. Notes with
// no local room are ignored.
func (r *Registry) DeliverForeign(noteID string, raw []byte) {
	rm, ok := r.Lookup(noteID)
	if !ok {
		return
	}
	delta, err := notedoc.DecodeDelta(raw)
	if err != nil {
		r.logger.Warn("dropping undecodable foreign delta", "note", noteID, "err", err)
		return
	}
	rm.deliverForeign(delta)
}

// CatchUp answers another process's catch-up request.
func (r *Registry) CatchUp(ctx context.Context, noteID string, rawSV []byte) ([]byte, bool) {
	rm, ok := r.Lookup(noteID)
	if !ok {
		return nil, false
	}
	sv, err := notedoc.DecodeStateVector(rawSV)
	if err != nil {
		r.logger.Warn("dropping malformed catch-up request", "note", noteID, "err", err)
		return nil, false
	}
	raw, err := rm.Missing(ctx, sv)
	if err != nil {
		return nil, false
	}
	return raw, true
}

// Recovered rejoins every room's channel, asks the other processes for
// what was missed and republishes unacknowledged local changes.
func (r *Registry) Recovered() {
	if r.opts.Publisher == nil {
		return
	}
	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.entries))
	for _, e := range r.entries {
		if e.closing == nil {
			rooms = append(rooms, e.room)
		}
	}
	r.mu.Unlock()
	for _, rm := range rooms {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.LoadTimeout)
		snap, err := rm.Snapshot(ctx)
		if err == nil {
			if err := r.opts.Publisher.Join(ctx, rm.NoteID(), snap.Heads.Encode()); err != nil {
				r.logger.Warn("failed to rejoin fan-out channel", "note", rm.NoteID(), "err", err)
			}
			rm.resync()
		}
		cancel()
	}
}

// Close flushes and stops every room. Further Acquire calls fail.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	var pending []*entry
	var ids []string
	var evicting []chan struct{}
	for id, e := range r.entries {
		if e.closing != nil {
			evicting = append(evicting, e.closing)
			continue
		}
		r.disarmLocked(e)
		e.closing = make(chan struct{})
		pending = append(pending, e)
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for i, e := range pending {
		wg.Add(1)
		go func(id string, e *entry) {
			defer wg.Done()
			r.shutdown(ctx, id, e)
		}(ids[i], e)
	}
	wg.Wait()
	for _, done := range evicting {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}
