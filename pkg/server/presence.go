package server

import (
	"sort"
	"sync"

	"github.com/aeolun/supportline/pkg/protocol"
)

// Handle is the server-side endpoint of one live connection. Push must not
// block; it reports false when the frame was dropped.
type Handle interface {
	Push(frame []byte) bool
}

// PresenceEntry is one username's registration.
type PresenceEntry struct {
	Username string
	Handle   Handle
	Active   bool
}

// Registry maps usernames to their most recently registered connection.
// Entries are deactivated, never deleted. Callers must not do I/O while
// holding the lock, so every method copies out what it needs.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*PresenceEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*PresenceEntry)}
}

// Register binds username to handle, replacing any previous handle.
func (r *Registry) Register(username string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[username]; ok {
		e.Handle = h
		e.Active = true
		return
	}
	r.entries[username] = &PresenceEntry{Username: username, Handle: h, Active: true}
}

// Lookup returns a copy of the entry. ok is false when the username never
// registered; an entry with Active=false means it went offline.
func (r *Registry) Lookup(username string) (PresenceEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[username]
	if !ok {
		return PresenceEntry{}, false
	}
	return *e, true
}

// Deactivate marks every entry whose current handle is h inactive, drops
// the handle and returns the affected usernames. A handle that was already
// superseded by a newer registration matches nothing.
func (r *Registry) Deactivate(h Handle) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var names []string
	for name, e := range r.entries {
		if e.Active && e.Handle == h {
			e.Active = false
			e.Handle = nil
			names = append(names, name)
		}
	}
	return names
}

// Snapshot returns all entries sorted by username.
func (r *Registry) Snapshot() []protocol.PresenceEntry {
	r.mu.Lock()
	out := make([]protocol.PresenceEntry, 0, len(r.entries))
	for name, e := range r.entries {
		out = append(out, protocol.PresenceEntry{Username: name, Active: e.Active})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// OnlineCount returns the number of active entries.
func (r *Registry) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if e.Active {
			n++
		}
	}
	return n
}
