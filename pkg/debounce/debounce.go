// Package debounce coalesces bursts of per-key events into a single
// callback once the key has been quiet for a fixed period.
package debounce

import (
	"sync"
	"time"

	"github.com/astromechza/notesync/pkg/clock"
)

type pending struct {
	timer *clock.Timer
	gen   uint64
}

// Debouncer holds at most one timer per key. The callback runs on the
// clock's timer goroutine and must not block for long.
type Debouncer struct {
	clock clock.Clock
	quiet time.Duration
	fire  func(key string)

	mu     sync.Mutex
	gen    uint64
	timers map[string]pending
}

func New(c clock.Clock, quiet time.Duration, fire func(key string)) *Debouncer {
	return &Debouncer{
		clock:  c,
		quiet:  quiet,
		fire:   fire,
		timers: make(map[string]pending),
	}
}

// Quiet returns the configured quiet period.
func (d *Debouncer) Quiet() time.Duration { return d.quiet }

// Touch cancels any pending timer for key and starts a new one.
func (d *Debouncer) Touch(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.timers[key]; ok {
		p.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timers[key] = pending{
		gen:   gen,
		timer: d.clock.AfterFunc(d.quiet, func() { d.expire(key, gen) }),
	}
}

// expire runs the callback only when gen is still the current timer for
// key; a timer that lost a race with Stop is ignored.
func (d *Debouncer) expire(key string, gen uint64) {
	d.mu.Lock()
	p, ok := d.timers[key]
	if !ok || p.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.timers, key)
	d.mu.Unlock()
	d.fire(key)
}

// Cancel drops the pending timer for key and reports whether one existed.
func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.timers[key]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(d.timers, key)
	return true
}

func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.timers[key]
	return ok
}
