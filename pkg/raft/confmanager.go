package raft

import (
    "sort"
    "sync"
)

// ConfManager keeps the history of configurations keyed by the log index of
// the entry that introduced each one, plus the configuration captured by the
// latest snapshot.
type ConfManager struct {
    mu       sync.RWMutex
    snapshot ConfigEntry
    entries  []ConfigEntry // ascending Index, all above snapshot.Index
}

func NewConfManager() *ConfManager { return &ConfManager{} }

// Add records e. Entries must arrive in ascending index order; an entry at or
// below the last recorded index replaces the tail from that point.
func (m *ConfManager) Add(e ConfigEntry) {
    m.mu.Lock()
    defer m.mu.Unlock()
    i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].Index >= e.Index })
    m.entries = append(m.entries[:i], e)
}

// Get returns the configuration in effect at index.
func (m *ConfManager) Get(index uint64) ConfigEntry {
    m.mu.RLock()
    defer m.mu.RUnlock()
    i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].Index > index })
    if i == 0 {
        return m.snapshot
    }
    return m.entries[i-1]
}

// Last returns the most recent configuration.
func (m *ConfManager) Last() ConfigEntry {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if n := len(m.entries); n > 0 {
        return m.entries[n-1]
    }
    return m.snapshot
}

// TruncateSuffix drops configurations introduced after lastKept.
func (m *ConfManager) TruncateSuffix(lastKept uint64) {
    m.mu.Lock()
    defer m.mu.Unlock()
    i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].Index > lastKept })
    m.entries = m.entries[:i]
}

// TruncatePrefix forgets configurations that are superseded before firstKept,
// keeping the one still in effect there.
func (m *ConfManager) TruncatePrefix(firstKept uint64) {
    m.mu.Lock()
    defer m.mu.Unlock()
    i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].Index > firstKept })
    if i <= 1 {
        return
    }
    m.entries = append([]ConfigEntry(nil), m.entries[i-1:]...)
}

// SetSnapshot installs the configuration carried by a snapshot. History at or
// below the snapshot index is dropped.
func (m *ConfManager) SetSnapshot(e ConfigEntry) {
    m.mu.Lock()
    defer m.mu.Unlock()
    m.snapshot = e
    i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].Index > e.Index })
    m.entries = append([]ConfigEntry(nil), m.entries[i:]...)
}

// Snapshot returns the configuration recorded with the latest snapshot.
func (m *ConfManager) Snapshot() ConfigEntry {
    m.mu.RLock()
    defer m.mu.RUnlock()
    return m.snapshot
}
