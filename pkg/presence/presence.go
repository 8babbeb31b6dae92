// Package presence tracks which users hold connections to which notes on
// this process. Nothing here is persisted or replicated.
package presence

import (
	"sort"
	"sync"
)

type entry struct {
	noteID string
	userID string
}

type Registry struct {
	mu      sync.RWMutex
	byConn  map[string]entry
	perNote map[string]map[string]int
}

func New() *Registry {
	return &Registry{
		byConn:  make(map[string]entry),
		perNote: make(map[string]map[string]int),
	}
}

// Add records connID as userID's connection to noteID. Re-adding a
// connection replaces its previous entry.
func (r *Registry) Add(connID, noteID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(connID)
	r.byConn[connID] = entry{noteID: noteID, userID: userID}
	users, ok := r.perNote[noteID]
	if !ok {
		users = make(map[string]int)
		r.perNote[noteID] = users
	}
	users[userID]++
}

// Remove forgets connID. Removing an unknown connection is a no-op.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(connID)
}

func (r *Registry) removeLocked(connID string) {
	e, ok := r.byConn[connID]
	if !ok {
		return
	}
	delete(r.byConn, connID)
	users := r.perNote[e.noteID]
	users[e.userID]--
	if users[e.userID] <= 0 {
		delete(users, e.userID)
	}
	if len(users) == 0 {
		delete(r.perNote, e.noteID)
	}
}

// Users returns the distinct users connected to noteID, sorted.
func (r *Registry) Users(noteID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := r.perNote[noteID]
	out := make([]string, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Connections returns the number of tracked connections.
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
