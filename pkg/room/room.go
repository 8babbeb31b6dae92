// Package room holds the live documents of the sync server. Each note with
// at least one connection (or a pending idle eviction) has a Room: an actor
// goroutine that owns the automerge document and processes one event at a
// time, so merges, broadcasts and saves for a note never interleave.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"

	"github.com/astromechza/notesync/pkg/clock"
	"github.com/astromechza/notesync/pkg/metrics"
	"github.com/astromechza/notesync/pkg/notedoc"
	"github.com/astromechza/notesync/pkg/store"
	"github.com/astromechza/notesync/pkg/wire"
)

var ErrClosed = errors.New("room: closed")

// maxBacklog bounds the unpublished local changes a room keeps while the
// fan-out transport is failing. Older entries are recovered by catch-up.
const maxBacklog = 4096

// Peer is one connection attached to a room.
type Peer interface {
	ID() string
	UserID() string
	// Send queues a frame without blocking and reports whether it fit.
	Send(kind wire.Kind, payload []byte) bool
	// Close tears the connection down with a websocket close code.
	Close(code int, reason string)
}

// Publisher is the cross-process fan-out as seen by rooms.
type Publisher interface {
	Publish(noteID string, delta []byte, done func(error))
	Join(ctx context.Context, noteID string, stateVector []byte) error
	Leave(ctx context.Context, noteID string) error
}

// Snapshot is a consistent view of a room's document.
type Snapshot struct {
	State []byte
	Text  string
	Heads notedoc.StateVector
	Peers int
}

type (
	attachEvent struct {
		peer Peer
		done chan struct{}
	}
	detachEvent struct {
		peerID string
		done   chan struct{}
	}
	// syncEvent is a sync-step-1 from a peer; with reply set it comes from
	// another process and the missing delta is returned instead of sent.
	syncEvent struct {
		peerID string
		sv     notedoc.StateVector
		reply  chan []byte
	}
	updateEvent struct {
		peerID  string
		delta   notedoc.Delta
		foreign bool
	}
	awarenessEvent struct {
		peerID  string
		payload []byte
	}
	saveDueEvent  struct{}
	saveDoneEvent struct {
		err  error
		took time.Duration
	}
	publishAckEvent struct {
		seq uint64
		err error
	}
	snapshotEvent struct {
		reply chan Snapshot
	}
	resyncEvent struct{}
	closeEvent  struct {
		done chan struct{}
	}
)

type backlogEntry struct {
	seq     uint64
	changes []*automerge.Change
}

type config struct {
	store       store.SnapshotStore
	publisher   Publisher
	clock       clock.Clock
	touch       func(noteID string)
	saveTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

type Room struct {
	noteID  string
	cfg     config
	logger  *slog.Logger
	events  chan any
	stopped chan struct{}

	// owned by the actor goroutine
	doc       *automerge.Doc
	peers     map[string]Peer
	awareness map[string][]byte
	backlog   []backlogEntry
	seq       uint64
	dirty     bool
	saving    bool
	saveAgain bool
	closing   []chan struct{}
	finalSave bool
}

func newRoom(noteID string, doc *automerge.Doc, cfg config) *Room {
	r := &Room{
		noteID:    noteID,
		cfg:       cfg,
		logger:    cfg.logger.With("note", noteID),
		events:    make(chan any, 64),
		stopped:   make(chan struct{}),
		doc:       doc,
		peers:     make(map[string]Peer),
		awareness: make(map[string][]byte),
	}
	go r.run()
	return r
}

func (r *Room) NoteID() string { return r.noteID }

func (r *Room) send(ev any) bool {
	select {
	case <-r.stopped:
		return false
	default:
	}
	select {
	case r.events <- ev:
		return true
	case <-r.stopped:
		return false
	}
}

func (r *Room) await(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-r.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attach adds peer to the room. The peer immediately receives the room's
// sync-step-1 and the cached awareness of the other peers.
func (r *Room) Attach(ctx context.Context, peer Peer) error {
	done := make(chan struct{})
	if !r.send(attachEvent{peer: peer, done: done}) {
		return ErrClosed
	}
	return r.await(ctx, done)
}

// Detach removes the peer and its awareness state.
func (r *Room) Detach(peerID string) {
	done := make(chan struct{})
	if r.send(detachEvent{peerID: peerID, done: done}) {
		_ = r.await(context.Background(), done)
	}
}

// Sync answers a peer's sync-step-1 with a sync-step-2.
func (r *Room) Sync(peerID string, sv notedoc.StateVector) {
	r.send(syncEvent{peerID: peerID, sv: sv})
}

// Update merges a delta sent by a local peer.
func (r *Room) Update(peerID string, delta notedoc.Delta) {
	r.send(updateEvent{peerID: peerID, delta: delta})
}

// Awareness caches and relays an opaque awareness payload.
func (r *Room) Awareness(peerID string, payload []byte) {
	r.send(awarenessEvent{peerID: peerID, payload: payload})
}

func (r *Room) deliverForeign(delta notedoc.Delta) bool {
	return r.send(updateEvent{delta: delta, foreign: true})
}

func (r *Room) saveDue() { r.send(saveDueEvent{}) }

func (r *Room) resync() { r.send(resyncEvent{}) }

// Missing returns the encoded changes a replica with state vector sv lacks.
func (r *Room) Missing(ctx context.Context, sv notedoc.StateVector) ([]byte, error) {
	reply := make(chan []byte, 1)
	if !r.send(syncEvent{sv: sv, reply: reply}) {
		return nil, ErrClosed
	}
	select {
	case raw := <-reply:
		return raw, nil
	case <-r.stopped:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Snapshot returns the current encoded document and its text.
func (r *Room) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if !r.send(snapshotEvent{reply: reply}) {
		return Snapshot{}, ErrClosed
	}
	select {
	case s := <-reply:
		return s, nil
	case <-r.stopped:
		return Snapshot{}, ErrClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// close flushes any unsaved state, waits for in-flight writes and stops
// the actor.
func (r *Room) close(ctx context.Context) error {
	done := make(chan struct{})
	if !r.send(closeEvent{done: done}) {
		return nil
	}
	select {
	case <-r.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) run() {
	defer close(r.stopped)
	for ev := range r.events {
		switch ev := ev.(type) {
		case attachEvent:
			r.onAttach(ev)
		case detachEvent:
			r.onDetach(ev.peerID)
			close(ev.done)
		case syncEvent:
			r.onSync(ev)
		case updateEvent:
			r.onUpdate(ev)
		case awarenessEvent:
			r.onAwareness(ev)
		case saveDueEvent:
			r.startSave()
		case saveDoneEvent:
			r.onSaveDone(ev)
		case publishAckEvent:
			r.onPublishAck(ev)
		case snapshotEvent:
			ev.reply <- r.snapshot()
		case resyncEvent:
			r.publishBacklog()
		case closeEvent:
			r.closing = append(r.closing, ev.done)
		}
		if len(r.closing) > 0 && r.finishClose() {
			for _, done := range r.closing {
				close(done)
			}
			return
		}
	}
}

func (r *Room) onAttach(ev attachEvent) {
	defer close(ev.done)
	if len(r.closing) > 0 {
		ev.peer.Close(websocket.CloseTryAgainLater, "room closing")
		return
	}
	id := ev.peer.ID()
	r.peers[id] = ev.peer
	if !r.sendTo(ev.peer, wire.SyncStep1, notedoc.StateVectorOf(r.doc).Encode()) {
		return
	}
	for otherID, payload := range r.awareness {
		if otherID != id && !r.sendTo(ev.peer, wire.Awareness, payload) {
			return
		}
	}
}

func (r *Room) onDetach(peerID string) {
	delete(r.peers, peerID)
	delete(r.awareness, peerID)
}

// sendTo queues a frame for peer; a peer that cannot keep up is closed and
// dropped from the room.
func (r *Room) sendTo(peer Peer, kind wire.Kind, payload []byte) bool {
	if peer.Send(kind, payload) {
		return true
	}
	r.logger.Warn("closing slow connection", "conn", peer.ID(), "user", peer.UserID())
	r.cfg.metrics.FrameRejected("slow_consumer")
	r.onDetach(peer.ID())
	peer.Close(websocket.CloseTryAgainLater, "outbound queue full")
	return false
}

func (r *Room) broadcast(except string, kind wire.Kind, payload []byte) {
	for id, peer := range r.peers {
		if id != except {
			r.sendTo(peer, kind, payload)
		}
	}
}

func (r *Room) onSync(ev syncEvent) {
	changes, err := notedoc.Missing(r.doc, ev.sv)
	if err != nil {
		r.logger.Error("failed to compute missing changes", "err", err)
	}
	raw := notedoc.EncodeDelta(changes).Raw
	if ev.reply != nil {
		ev.reply <- raw
		return
	}
	if peer, ok := r.peers[ev.peerID]; ok {
		r.sendTo(peer, wire.SyncStep2, raw)
	}
}

func (r *Room) onUpdate(ev updateEvent) {
	if ev.delta.Empty() {
		return
	}
	applied, err := notedoc.Merge(r.doc, ev.delta)
	if err != nil {
		if ev.foreign {
			r.logger.Warn("dropping foreign delta", "err", err)
			return
		}
		r.logger.Warn("rejecting delta", "conn", ev.peerID, "err", err)
		r.cfg.metrics.FrameRejected("apply")
		if peer, ok := r.peers[ev.peerID]; ok {
			r.onDetach(ev.peerID)
			peer.Close(websocket.CloseInvalidFramePayloadData, "invalid update")
		}
		return
	}
	if len(applied) == 0 {
		// duplicate, or held back until its dependencies arrive
		return
	}
	r.cfg.metrics.Update(ev.foreign)
	raw := notedoc.EncodeDelta(applied).Raw
	r.broadcast(ev.peerID, wire.Update, raw)
	if sender, ok := r.peers[ev.peerID]; ok {
		// changes released from the queue by this delta came from others
		var released []*automerge.Change
		for _, c := range applied {
			if !ev.delta.Contains(c.Hash()) {
				released = append(released, c)
			}
		}
		if len(released) > 0 {
			r.sendTo(sender, wire.Update, notedoc.EncodeDelta(released).Raw)
		}
	}
	r.dirty = true
	r.cfg.touch(r.noteID)
	if !ev.foreign {
		r.seq++
		r.backlog = append(r.backlog, backlogEntry{seq: r.seq, changes: applied})
		if len(r.backlog) > maxBacklog {
			r.backlog = slices.Delete(r.backlog, 0, len(r.backlog)-maxBacklog)
		}
		r.publishBacklog()
	}
}

// publishBacklog publishes every locally originated change not yet
// acknowledged by the fan-out transport.
func (r *Room) publishBacklog() {
	if r.cfg.publisher == nil || len(r.backlog) == 0 {
		r.backlog = r.backlog[:0]
		return
	}
	var changes []*automerge.Change
	for _, e := range r.backlog {
		changes = append(changes, e.changes...)
	}
	seq := r.backlog[len(r.backlog)-1].seq
	r.cfg.publisher.Publish(r.noteID, notedoc.EncodeDelta(changes).Raw, func(err error) {
		// may run on the actor goroutine when the publish fails fast
		ack := publishAckEvent{seq: seq, err: err}
		select {
		case r.events <- ack:
		default:
			go r.send(ack)
		}
	})
}

func (r *Room) onPublishAck(ev publishAckEvent) {
	if ev.err != nil {
		return
	}
	i := 0
	for i < len(r.backlog) && r.backlog[i].seq <= ev.seq {
		i++
	}
	r.backlog = slices.Delete(r.backlog, 0, i)
}

func (r *Room) onAwareness(ev awarenessEvent) {
	if _, ok := r.peers[ev.peerID]; !ok {
		return
	}
	r.awareness[ev.peerID] = ev.payload
	r.broadcast(ev.peerID, wire.Awareness, ev.payload)
}

func (r *Room) snapshot() Snapshot {
	text, err := notedoc.Text(r.doc)
	if err != nil {
		r.logger.Error("failed to project text", "err", err)
	}
	return Snapshot{
		State: r.doc.Save(),
		Text:  text,
		Heads: notedoc.StateVectorOf(r.doc),
		Peers: len(r.peers),
	}
}

// startSave writes the current state unless a write is already running, in
// which case one more write is scheduled for when it completes.
func (r *Room) startSave() {
	if !r.dirty {
		return
	}
	if r.saving {
		r.saveAgain = true
		return
	}
	snap := r.snapshot()
	r.dirty = false
	r.saving = true
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.saveTimeout)
		defer cancel()
		start := r.cfg.clock.Now()
		err := r.cfg.store.SaveSnapshot(ctx, store.Snapshot{
			NoteID: r.noteID,
			State:  snap.State,
			Text:   snap.Text,
		})
		if err != nil {
			err = fmt.Errorf("failed to save snapshot: %w", err)
		}
		r.events <- saveDoneEvent{err: err, took: r.cfg.clock.Now().Sub(start)}
	}()
}

func (r *Room) onSaveDone(ev saveDoneEvent) {
	r.saving = false
	r.cfg.metrics.SnapshotWritten(ev.err, ev.took)
	if ev.err != nil {
		r.logger.Error("snapshot write failed", "err", ev.err)
		r.dirty = true
		if len(r.closing) == 0 {
			r.cfg.touch(r.noteID)
		}
	} else {
		r.logger.Debug("snapshot written", "took", ev.took)
	}
	if r.saveAgain {
		r.saveAgain = false
		r.startSave()
	}
}

// finishClose reports whether the room may stop: no write in flight and
// the final flush attempted.
func (r *Room) finishClose() bool {
	if r.saving {
		return false
	}
	if r.dirty && !r.finalSave {
		r.finalSave = true
		r.startSave()
		return false
	}
	for id, peer := range r.peers {
		peer.Close(websocket.CloseGoingAway, "room closed")
		delete(r.peers, id)
	}
	return true
}
