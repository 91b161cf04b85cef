package relay

import (
	"nexus-relay/internal/storage"
	"sort"
	"sync"
)

type presenceEntry struct {
	profile storage.Profile
	conn    Conn
	seq     uint64
}

// Registry maps every online identity to its single live connection.
// The Gateway is the only caller of Register and Remove.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*presenceEntry
	seq     uint64
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*presenceEntry)}
}

// Register makes conn the connection of profile.Username, superseding any previous one without
// closing it, and returns the snapshot after the change. A replaced identity moves to the end.
func (r *Registry) Register(profile storage.Profile, conn Conn) []storage.Profile {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	r.entries[profile.Username] = &presenceEntry{profile: profile, conn: conn, seq: r.seq}

	return r.snapshotLocked()
}

// Update refreshes the profile of an online identity keeping its connection and position
func (r *Registry) Update(profile storage.Profile) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[profile.Username]
	if !ok {
		return false
	}
	e.profile = profile
	return true
}

func (r *Registry) Lookup(identity string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[identity]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Remove deletes the entry owned by conn. Handles that were already superseded match nothing.
func (r *Registry) Remove(conn Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for identity, e := range r.entries {
		if e.conn.ID() == conn.ID() {
			delete(r.entries, identity)
			return identity, true
		}
	}
	return "", false
}

// Snapshot returns online profiles in registration order
func (r *Registry) Snapshot() []storage.Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.snapshotLocked()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}

func (r *Registry) snapshotLocked() []storage.Profile {
	entries := r.sortedLocked()
	profiles := make([]storage.Profile, 0, len(entries))
	for _, e := range entries {
		profiles = append(profiles, e.profile)
	}
	return profiles
}

func (r *Registry) sortedLocked() []*presenceEntry {
	entries := make([]*presenceEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return entries
}
