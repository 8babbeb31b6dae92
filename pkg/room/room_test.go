package room

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"

	"github.com/astromechza/notesync/pkg/clock"
	"github.com/astromechza/notesync/pkg/notedoc"
	"github.com/astromechza/notesync/pkg/store"
	"github.com/astromechza/notesync/pkg/wire"
)

const quiet = 2 * time.Second

type fakePeer struct {
	id   string
	user string

	mu     sync.Mutex
	frames []wire.Frame
	full   bool
	closed int
}

func newPeer(id string) *fakePeer { return &fakePeer{id: id, user: "user-" + id} }

func (p *fakePeer) ID() string     { return p.id }
func (p *fakePeer) UserID() string { return p.user }

func (p *fakePeer) Send(kind wire.Kind, payload []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full {
		return false
	}
	p.frames = append(p.frames, wire.Frame{Kind: kind, Payload: payload})
	return true
}

func (p *fakePeer) Close(code int, _ string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = code
}

func (p *fakePeer) kinds() []wire.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]wire.Kind, 0, len(p.frames))
	for _, f := range p.frames {
		out = append(out, f.Kind)
	}
	return out
}

func (p *fakePeer) closeCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type recordingStore struct {
	mu     sync.Mutex
	snaps  map[string]store.Snapshot
	writes []store.Snapshot
	loads  int

	gate        chan struct{}
	loadStarted chan struct{}
}

func newRecordingStore() *recordingStore {
	return &recordingStore{snaps: make(map[string]store.Snapshot)}
}

func (s *recordingStore) LoadSnapshot(ctx context.Context, noteID string) (store.Snapshot, error) {
	s.mu.Lock()
	s.loads++
	gate, started := s.gate, s.loadStarted
	s.loadStarted = nil
	s.mu.Unlock()
	if started != nil {
		close(started)
	}
	if gate != nil {
		<-gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[noteID]
	if !ok {
		return store.Snapshot{}, store.ErrNotFound
	}
	return snap, nil
}

func (s *recordingStore) SaveSnapshot(_ context.Context, snap store.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.NoteID] = snap
	s.writes = append(s.writes, snap)
	return nil
}

func (s *recordingStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func (s *recordingStore) lastWrite() store.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[len(s.writes)-1]
}

func (s *recordingStore) waitWrites(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.writeCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d writes, have %d", n, s.writeCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fakePublisher struct {
	mu        sync.Mutex
	published [][]byte
	joined    []string
	left      []string
	fail      bool
}

func (p *fakePublisher) Publish(_ string, delta []byte, done func(error)) {
	p.mu.Lock()
	p.published = append(p.published, delta)
	fail := p.fail
	p.mu.Unlock()
	if fail {
		done(errors.New("transport down"))
	} else {
		done(nil)
	}
}

func (p *fakePublisher) Join(_ context.Context, noteID string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.joined = append(p.joined, noteID)
	return nil
}

func (p *fakePublisher) Leave(_ context.Context, noteID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.left = append(p.left, noteID)
	return nil
}

func (p *fakePublisher) setFail(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fail
}

func (p *fakePublisher) snapshot() (published [][]byte, joined, left []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.published...), append([]string(nil), p.joined...), append([]string(nil), p.left...)
}

type harness struct {
	clock *clock.FakeClock
	store *recordingStore
	pub   *fakePublisher
	reg   *Registry
}

func newHarness(t *testing.T, idle time.Duration) *harness {
	t.Helper()
	return newHarnessWithDebounce(t, idle, quiet)
}

func newHarnessWithDebounce(t *testing.T, idle, debounce time.Duration) *harness {
	t.Helper()
	h := &harness{
		clock: clock.Fake(time.Unix(1_700_000_000, 0)),
		store: newRecordingStore(),
		pub:   &fakePublisher{},
	}
	h.reg = NewRegistry(Options{
		Store:     h.store,
		Publisher: h.pub,
		Clock:     h.clock,
		Debounce:  debounce,
		IdleTTL:   idle,
	})
	t.Cleanup(func() { _ = h.reg.Close(context.Background()) })
	return h
}

func (h *harness) acquire(t *testing.T, noteID string, peer Peer) *Room {
	t.Helper()
	rm, err := h.reg.Acquire(context.Background(), noteID)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if peer != nil {
		if err := rm.Attach(context.Background(), peer); err != nil {
			t.Fatalf("attach: %v", err)
		}
	}
	return rm
}

// settle waits until every event queued before it has been processed.
func settle(t *testing.T, rm *Room) Snapshot {
	t.Helper()
	snap, err := rm.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snap
}

func newClientDoc(t *testing.T) *automerge.Doc {
	t.Helper()
	doc, err := notedoc.New()
	if err != nil {
		t.Fatalf("new doc: %v", err)
	}
	return doc
}

func insert(t *testing.T, doc *automerge.Doc, pos int, s string) notedoc.Delta {
	t.Helper()
	d, err := notedoc.Insert(doc, pos, s)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return d
}

func TestAttachSendsStateVectorAndAwareness(t *testing.T) {
	h := newHarness(t, time.Hour)
	a, b := newPeer("a"), newPeer("b")
	rm := h.acquire(t, "n1", a)
	rm.Awareness("a", []byte("cursor-a"))
	settle(t, rm)
	if err := rm.Attach(context.Background(), b); err != nil {
		t.Fatalf("attach: %v", err)
	}
	got := b.kinds()
	if len(got) != 2 || got[0] != wire.SyncStep1 || got[1] != wire.Awareness {
		t.Fatalf("unexpected frames %v", got)
	}

	rm.Detach("a")
	c := newPeer("c")
	if err := rm.Attach(context.Background(), c); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if got := c.kinds(); len(got) != 1 {
		t.Fatalf("detached peer awareness must be dropped, got %v", got)
	}
}

func TestSyncStepOneIsAnswered(t *testing.T) {
	h := newHarness(t, time.Hour)
	p := newPeer("a")
	rm := h.acquire(t, "n1", p)
	client := newClientDoc(t)
	rm.Update("a", insert(t, client, 0, "hello"))

	fresh := newClientDoc(t)
	rm.Sync("a", notedoc.StateVectorOf(fresh))
	settle(t, rm)

	p.mu.Lock()
	last := p.frames[len(p.frames)-1]
	p.mu.Unlock()
	if last.Kind != wire.SyncStep2 {
		t.Fatalf("expected step 2, got %v", last.Kind)
	}
	delta, err := notedoc.DecodeDelta(last.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := delta.Apply(fresh); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if text, _ := notedoc.Text(fresh); text != "hello" {
		t.Fatalf("fresh replica has %q", text)
	}
}

func TestUpdatesAreRebroadcastToOthers(t *testing.T) {
	h := newHarness(t, time.Hour)
	a, b := newPeer("a"), newPeer("b")
	rm := h.acquire(t, "n1", a)
	if err := rm.Attach(context.Background(), b); err != nil {
		t.Fatalf("attach: %v", err)
	}
	rm.Update("a", insert(t, newClientDoc(t), 0, "x"))
	settle(t, rm)
	if got := b.kinds(); got[len(got)-1] != wire.Update {
		t.Fatalf("b should receive the update, got %v", got)
	}
	for _, k := range a.kinds() {
		if k == wire.Update {
			t.Fatalf("sender must not receive its own update")
		}
	}
}

func TestDuplicateDeltaIsNotRebroadcast(t *testing.T) {
	h := newHarness(t, time.Hour)
	a, b := newPeer("a"), newPeer("b")
	rm := h.acquire(t, "n1", a)
	_ = rm.Attach(context.Background(), b)
	d := insert(t, newClientDoc(t), 0, "x")
	rm.Update("a", d)
	rm.Update("a", d)
	settle(t, rm)
	updates := 0
	for _, k := range b.kinds() {
		if k == wire.Update {
			updates++
		}
	}
	if updates != 1 {
		t.Fatalf("expected one rebroadcast, got %d", updates)
	}
}

func TestSlowPeerIsClosed(t *testing.T) {
	h := newHarness(t, time.Hour)
	a, slow := newPeer("a"), newPeer("slow")
	rm := h.acquire(t, "n1", a)
	_ = rm.Attach(context.Background(), slow)
	slow.mu.Lock()
	slow.full = true
	slow.mu.Unlock()
	rm.Update("a", insert(t, newClientDoc(t), 0, "x"))
	snap := settle(t, rm)
	if slow.closeCode() != websocket.CloseTryAgainLater {
		t.Fatalf("expected 1013, got %d", slow.closeCode())
	}
	if snap.Peers != 1 {
		t.Fatalf("slow peer should be dropped, %d peers left", snap.Peers)
	}
}

func TestBurstWithinQuietPeriodWritesOnce(t *testing.T) {
	h := newHarness(t, time.Hour)
	rm := h.acquire(t, "n1", newPeer("a"))
	client := newClientDoc(t)
	for i := 0; i < 5; i++ {
		rm.Update("a", insert(t, client, i, "x"))
		settle(t, rm)
		h.clock.Advance(quiet / 4)
	}
	if n := h.store.writeCount(); n != 0 {
		t.Fatalf("wrote %d snapshots during the burst", n)
	}
	h.clock.Advance(quiet)
	h.store.waitWrites(t, 1)
	settle(t, rm)
	h.clock.Advance(10 * quiet)
	settle(t, rm)
	if n := h.store.writeCount(); n != 1 {
		t.Fatalf("expected exactly one write, got %d", n)
	}
	if got := h.store.lastWrite(); got.Text != "xxxxx" || got.NoteID != "n1" {
		t.Fatalf("write does not hold the latest state: %+v", got)
	}
}

func TestSpacedUpdatesWriteEach(t *testing.T) {
	h := newHarness(t, time.Hour)
	rm := h.acquire(t, "n1", newPeer("a"))
	client := newClientDoc(t)
	const k = 4
	for i := 0; i < k; i++ {
		rm.Update("a", insert(t, client, i, "y"))
		settle(t, rm)
		h.clock.Advance(quiet + time.Millisecond)
		h.store.waitWrites(t, i+1)
	}
	if n := h.store.writeCount(); n != k {
		t.Fatalf("expected %d writes, got %d", k, n)
	}
}

func TestHydrationIsSingleFlight(t *testing.T) {
	h := newHarness(t, time.Hour)
	seed := newClientDoc(t)
	insert(t, seed, 0, "stored")
	h.store.snaps["n1"] = store.Snapshot{NoteID: "n1", State: seed.Save()}
	h.store.gate = make(chan struct{})
	h.store.loadStarted = make(chan struct{})

	const callers = 8
	rooms := make(chan *Room, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rm, err := h.reg.Acquire(context.Background(), "n1")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			rooms <- rm
		}()
	}
	<-h.store.loadStarted
	time.Sleep(20 * time.Millisecond)
	close(h.store.gate)
	wg.Wait()
	close(rooms)

	var first *Room
	for rm := range rooms {
		if first == nil {
			first = rm
		} else if rm != first {
			t.Fatalf("callers got different rooms")
		}
	}
	if h.store.loads != 1 {
		t.Fatalf("snapshot loaded %d times", h.store.loads)
	}
	if snap := settle(t, first); snap.Text != "stored" {
		t.Fatalf("hydrated text %q", snap.Text)
	}
}

func TestCorruptSnapshotStartsEmpty(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.store.snaps["n1"] = store.Snapshot{NoteID: "n1", State: []byte("definitely not automerge")}
	p := newPeer("a")
	rm := h.acquire(t, "n1", p)
	if snap := settle(t, rm); snap.Text != "" {
		t.Fatalf("expected empty text, got %q", snap.Text)
	}
	// still editable
	rm.Update("a", insert(t, newClientDoc(t), 0, "fresh"))
	if snap := settle(t, rm); snap.Text != "fresh" {
		t.Fatalf("expected edit to apply, got %q", snap.Text)
	}
}

func TestForeignDeltaIsAppliedButNotRepublished(t *testing.T) {
	h := newHarness(t, time.Hour)
	p := newPeer("a")
	rm := h.acquire(t, "n1", p)

	remote := newClientDoc(t)
	h.reg.DeliverForeign("n1", insert(t, remote, 0, "remote").Raw)
	snap := settle(t, rm)
	if snap.Text != "remote" {
		t.Fatalf("foreign delta not applied: %q", snap.Text)
	}
	if got := p.kinds(); got[len(got)-1] != wire.Update {
		t.Fatalf("local peers must see foreign updates, got %v", got)
	}
	published, joined, _ := h.pub.snapshot()
	if len(published) != 0 {
		t.Fatalf("foreign delta was republished")
	}
	if len(joined) != 1 || joined[0] != "n1" {
		t.Fatalf("room should join its channel, got %v", joined)
	}

	// foreign edits are persisted too
	h.clock.Advance(quiet)
	h.store.waitWrites(t, 1)

	// notes without a room are ignored
	h.reg.DeliverForeign("other", insert(t, remote, 0, "x").Raw)
	if _, ok := h.reg.Lookup("other"); ok {
		t.Fatalf("foreign traffic must not create rooms")
	}
}

// replay applies the peer's own deltas and then every update and
// sync-step-2 it received to a fresh replica and returns its text.
func (p *fakePeer) replay(t *testing.T, own ...notedoc.Delta) string {
	t.Helper()
	doc := newClientDoc(t)
	for _, d := range own {
		if err := d.Apply(doc); err != nil {
			t.Fatalf("apply own: %v", err)
		}
	}
	p.mu.Lock()
	frames := append([]wire.Frame(nil), p.frames...)
	p.mu.Unlock()
	for _, f := range frames {
		if f.Kind != wire.Update && f.Kind != wire.SyncStep2 {
			continue
		}
		d, err := notedoc.DecodeDelta(f.Payload)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if err := d.Apply(doc); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	text, err := notedoc.Text(doc)
	if err != nil {
		t.Fatalf("text: %v", err)
	}
	return text
}

func TestOutOfOrderForeignDeltasReachPeers(t *testing.T) {
	h := newHarness(t, time.Hour)
	p := newPeer("a")
	rm := h.acquire(t, "n1", p)

	remote := newClientDoc(t)
	hello := insert(t, remote, 0, "Hello")
	world := insert(t, remote, 5, " World")
	h.reg.DeliverForeign("n1", world.Raw)
	if snap := settle(t, rm); snap.Text != "" {
		t.Fatalf("change with missing dependencies applied early: %q", snap.Text)
	}
	h.reg.DeliverForeign("n1", hello.Raw)
	if snap := settle(t, rm); snap.Text != "Hello World" {
		t.Fatalf("room has %q", snap.Text)
	}
	if got := p.replay(t); got != "Hello World" {
		t.Fatalf("peer diverged from the room: %q", got)
	}
}

func TestSenderReceivesChangesItReleased(t *testing.T) {
	h := newHarness(t, time.Hour)
	a, b := newPeer("a"), newPeer("b")
	rm := h.acquire(t, "n1", a)
	if err := rm.Attach(context.Background(), b); err != nil {
		t.Fatalf("attach: %v", err)
	}

	// a learned "Hello" from elsewhere and sends only its own follow-up
	shared := newClientDoc(t)
	hello := insert(t, shared, 0, "Hello")
	world := insert(t, shared, 5, " World")
	rm.Update("a", world)
	settle(t, rm)
	if got := b.kinds(); got[len(got)-1] == wire.Update {
		t.Fatalf("nothing should be broadcast while dependencies are missing")
	}

	rm.Update("b", hello)
	if snap := settle(t, rm); snap.Text != "Hello World" {
		t.Fatalf("room has %q", snap.Text)
	}
	if got := b.replay(t, hello); got != "Hello World" {
		t.Fatalf("b did not receive the released change: %q", got)
	}
	if got := a.replay(t, world); got != "Hello World" {
		t.Fatalf("a has %q", got)
	}

	published, _, _ := h.pub.snapshot()
	if len(published) != 1 {
		t.Fatalf("expected one publish, got %d", len(published))
	}
	if d, err := notedoc.DecodeDelta(published[0]); err != nil || d.Len() != 2 {
		t.Fatalf("publish should carry both applied changes: %v", err)
	}
}

func TestBacklogIsRepublishedAfterFailure(t *testing.T) {
	h := newHarness(t, time.Hour)
	rm := h.acquire(t, "n1", newPeer("a"))
	client := newClientDoc(t)

	h.pub.setFail(true)
	rm.Update("a", insert(t, client, 0, "a"))
	settle(t, rm)
	settle(t, rm)

	h.pub.setFail(false)
	rm.Update("a", insert(t, client, 1, "b"))
	settle(t, rm)
	settle(t, rm)
	rm.Update("a", insert(t, client, 2, "c"))
	settle(t, rm)

	published, _, _ := h.pub.snapshot()
	if len(published) != 3 {
		t.Fatalf("expected 3 publishes, got %d", len(published))
	}
	for i, want := range []int{1, 2, 1} {
		d, err := notedoc.DecodeDelta(published[i])
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if d.Len() != want {
			t.Fatalf("publish %d carried %d changes, want %d", i, d.Len(), want)
		}
	}
}

func TestIdleEvictionFlushesPendingSave(t *testing.T) {
	h := newHarnessWithDebounce(t, time.Second, time.Minute)

	p := newPeer("a")
	rm := h.acquire(t, "n1", p)
	rm.Update("a", insert(t, newClientDoc(t), 0, "unsaved"))
	settle(t, rm)
	h.reg.Release(context.Background(), "n1", "a")
	if h.reg.Len() != 1 {
		t.Fatalf("room should linger for the idle ttl")
	}

	h.clock.Advance(time.Second)
	if h.reg.Len() != 0 {
		t.Fatalf("room not evicted")
	}
	if n := h.store.writeCount(); n != 1 {
		t.Fatalf("expected the pending save to be flushed, got %d writes", n)
	}
	if got := h.store.lastWrite().Text; got != "unsaved" {
		t.Fatalf("flushed %q", got)
	}
	if _, _, left := h.pub.snapshot(); len(left) != 1 {
		t.Fatalf("room should leave its channel, got %v", left)
	}

	// a reconnect rehydrates from the flushed snapshot
	rm = h.acquire(t, "n1", newPeer("b"))
	if snap := settle(t, rm); snap.Text != "unsaved" {
		t.Fatalf("rehydrated %q", snap.Text)
	}
}

func TestReacquireCancelsEviction(t *testing.T) {
	h := newHarness(t, time.Second)
	rm := h.acquire(t, "n1", newPeer("a"))
	h.reg.Release(context.Background(), "n1", "a")
	again := h.acquire(t, "n1", newPeer("b"))
	if again != rm {
		t.Fatalf("expected the lingering room")
	}
	h.clock.Advance(time.Hour)
	if h.reg.Len() != 1 {
		t.Fatalf("referenced room was evicted")
	}
}

func TestCloseFlushesEveryRoom(t *testing.T) {
	h := newHarness(t, time.Hour)
	for _, id := range []string{"n1", "n2"} {
		rm := h.acquire(t, id, newPeer("a"))
		rm.Update("a", insert(t, newClientDoc(t), 0, id))
		settle(t, rm)
	}
	if err := h.reg.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n := h.store.writeCount(); n != 2 {
		t.Fatalf("expected 2 flushed writes, got %d", n)
	}
	if _, err := h.reg.Acquire(context.Background(), "n1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestUnclaimedRoomIsEvicted(t *testing.T) {
	h := newHarness(t, 0)
	// a room hydrated for a caller that gave up before taking its reference
	if _, err := h.reg.create("n1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if h.reg.Len() != 1 {
		t.Fatalf("room not registered")
	}
	h.clock.Advance(10 * time.Second)
	if h.reg.Len() != 0 {
		t.Fatalf("unclaimed room was never evicted")
	}

	// a claimed room outlives that deadline
	rm := h.acquire(t, "n1", newPeer("a"))
	h.clock.Advance(time.Minute)
	if got, ok := h.reg.Lookup("n1"); !ok || got != rm {
		t.Fatalf("referenced room was evicted")
	}
}
