package raft

import (
    "encoding/binary"
    "errors"
    "fmt"
    "sync"

    hraft "github.com/hashicorp/raft"
)

// syncer is implemented by backends that can force buffered writes to stable
// media (raftboltdb.BoltStore).
type syncer interface {
    Sync() error
}

// LogStore is the checksummed, append-only log of one group, kept in a
// hashicorp/raft LogStore backend. Entries live in [FirstIndex, LastIndex];
// the position just below FirstIndex that was covered by a snapshot or reset
// is remembered as the boundary so that its term stays known. The boundary is
// kept in the backend as a barrier record in place of the entry it replaces.
type LogStore struct {
    mu       sync.RWMutex
    backend  hraft.LogStore
    first    uint64
    last     uint64
    boundary LogID
    stored   bool
    bytes    uint64
}

// OpenLogStore wraps backend and loads its current bounds.
func OpenLogStore(backend hraft.LogStore) (*LogStore, error) {
    first, err := backend.FirstIndex()
    if err != nil { return nil, fmt.Errorf("%w: first index: %v", ErrIO, err) }
    last, err := backend.LastIndex()
    if err != nil { return nil, fmt.Errorf("%w: last index: %v", ErrIO, err) }
    s := &LogStore{backend: backend, first: 1}
    if last == 0 {
        return s, nil
    }
    var rec hraft.Log
    if err := backend.GetLog(first, &rec); err != nil {
        return nil, fmt.Errorf("%w: get log %d: %v", ErrIO, first, err)
    }
    s.last = last
    if rec.Type == hraft.LogBarrier {
        s.boundary, s.stored = LogID{Index: rec.Index, Term: rec.Term}, true
        s.first = first + 1
        return s, nil
    }
    s.first = first
    if first > 1 {
        // the term is unknown until SetBoundary
        s.boundary = LogID{Index: first - 1}
    }
    return s, nil
}

func (s *LogStore) FirstIndex() uint64 {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.first
}

func (s *LogStore) LastIndex() uint64 {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.last
}

// LastLogID returns the id of the last entry, or the boundary when the log is
// empty.
func (s *LogStore) LastLogID() (LogID, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    if s.last < s.first {
        return s.boundary, nil
    }
    e, err := s.get(s.last)
    if err != nil { return LogID{}, err }
    return LogID{Index: e.Index, Term: e.Term}, nil
}

// BytesSince returns the payload bytes appended since the last snapshot,
// prefix truncation or reset.
func (s *LogStore) BytesSince() uint64 {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.bytes
}

// ResetBytes restarts BytesSince from zero after a snapshot was saved.
func (s *LogStore) ResetBytes() {
    s.mu.Lock()
    s.bytes = 0
    s.mu.Unlock()
}

// Append stores entries durably. They must be contiguous and start right
// after LastIndex. The returned index is the new durable last index.
func (s *LogStore) Append(entries []*Entry) (uint64, error) {
    if len(entries) == 0 {
        return s.LastIndex(), nil
    }
    s.mu.Lock()
    defer s.mu.Unlock()
    logs := make([]*hraft.Log, len(entries))
    var size uint64
    for i, e := range entries {
        if e.Index != s.last+1+uint64(i) {
            return s.last, fmt.Errorf("%w: have last %d, got %d", ErrLogGap, s.last+uint64(i), e.Index)
        }
        if e.Checksum == 0 { e.Seal() }
        logs[i] = toRecord(e)
        size += uint64(len(e.Data))
    }
    if err := s.backend.StoreLogs(logs); err != nil {
        return s.last, fmt.Errorf("%w: store logs: %v", ErrIO, err)
    }
    if sy, ok := s.backend.(syncer); ok {
        if err := sy.Sync(); err != nil {
            return s.last, fmt.Errorf("%w: sync: %v", ErrIO, err)
        }
    }
    s.last = entries[len(entries)-1].Index
    s.bytes += size
    return s.last, nil
}

// Entry reads one entry, verifying its checksum.
func (s *LogStore) Entry(index uint64) (*Entry, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.get(index)
}

// Entries reads the inclusive range [lo, hi].
func (s *LogStore) Entries(lo, hi uint64) ([]*Entry, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    if hi < lo {
        return nil, nil
    }
    out := make([]*Entry, 0, hi-lo+1)
    for i := lo; i <= hi; i++ {
        e, err := s.get(i)
        if err != nil { return nil, err }
        out = append(out, e)
    }
    return out, nil
}

// TermAt answers the term of index, including the boundary position below
// FirstIndex. Index 0 has term 0.
func (s *LogStore) TermAt(index uint64) (uint64, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    switch {
    case index == 0:
        return 0, nil
    case index == s.boundary.Index:
        return s.boundary.Term, nil
    case index > s.last:
        return 0, ErrNotFound
    case index < s.first:
        return 0, ErrCompacted
    }
    e, err := s.get(index)
    if err != nil { return 0, err }
    return e.Term, nil
}

// TruncateSuffix removes all entries after lastKept.
func (s *LogStore) TruncateSuffix(lastKept uint64) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if lastKept >= s.last {
        return nil
    }
    if lastKept+1 < s.first {
        return fmt.Errorf("%w: truncate suffix below first index %d", ErrCompacted, s.first)
    }
    if err := s.backend.DeleteRange(lastKept+1, s.last); err != nil {
        return fmt.Errorf("%w: delete range: %v", ErrIO, err)
    }
    s.last = lastKept
    return nil
}

// TruncatePrefix removes all entries before firstKept. firstKept may be at
// most LastIndex+1.
func (s *LogStore) TruncatePrefix(firstKept uint64) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if firstKept <= s.first {
        return nil
    }
    if firstKept > s.last+1 {
        firstKept = s.last + 1
    }
    b := LogID{Index: firstKept - 1}
    if e, err := s.get(b.Index); err == nil {
        b.Term = e.Term
    } else if b.Index == s.boundary.Index {
        b.Term = s.boundary.Term
    } else {
        return err
    }
    if low := s.low(); low < b.Index {
        if err := s.backend.DeleteRange(low, b.Index-1); err != nil {
            return fmt.Errorf("%w: delete range: %v", ErrIO, err)
        }
    }
    if err := s.backend.StoreLogs([]*hraft.Log{barrier(b)}); err != nil {
        return fmt.Errorf("%w: store boundary: %v", ErrIO, err)
    }
    s.first = firstKept
    s.boundary, s.stored = b, true
    s.bytes = 0
    return nil
}

// Reset discards every entry and restarts the log at nextIndex, remembering
// prevTerm as the term of nextIndex-1. Used after installing a snapshot that
// the local log cannot be reconciled with.
func (s *LogStore) Reset(nextIndex, prevTerm uint64) error {
    if nextIndex == 0 {
        return errors.New("raft: reset to index 0")
    }
    s.mu.Lock()
    defer s.mu.Unlock()
    if low := s.low(); low <= s.last {
        if err := s.backend.DeleteRange(low, s.last); err != nil {
            return fmt.Errorf("%w: delete range: %v", ErrIO, err)
        }
    }
    s.first, s.last = nextIndex, nextIndex-1
    s.boundary, s.stored = LogID{Index: nextIndex - 1, Term: prevTerm}, false
    s.bytes = 0
    if nextIndex == 1 {
        return nil
    }
    if err := s.backend.StoreLogs([]*hraft.Log{barrier(s.boundary)}); err != nil {
        return fmt.Errorf("%w: store boundary: %v", ErrIO, err)
    }
    s.stored = true
    return nil
}

// SetBoundary records the snapshot id covering the positions below the log.
// Used on restart once the latest snapshot is known. A snapshot that ends
// inside the log says nothing about the boundary and is ignored.
func (s *LogStore) SetBoundary(id LogID) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if id.Index+1 != s.first || s.boundary == id && s.stored {
        return nil
    }
    if id.Index > 0 {
        if err := s.backend.StoreLogs([]*hraft.Log{barrier(id)}); err != nil {
            return fmt.Errorf("%w: store boundary: %v", ErrIO, err)
        }
        s.stored = true
    }
    s.boundary = id
    return nil
}

// low is the lowest index the backend holds, boundary record included.
func (s *LogStore) low() uint64 {
    if s.stored {
        return s.boundary.Index
    }
    return s.first
}

func barrier(id LogID) *hraft.Log {
    return &hraft.Log{Index: id.Index, Term: id.Term, Type: hraft.LogBarrier}
}

func (s *LogStore) get(index uint64) (*Entry, error) {
    if index < s.first {
        return nil, ErrCompacted
    }
    if index > s.last || index == 0 {
        return nil, ErrNotFound
    }
    var rec hraft.Log
    if err := s.backend.GetLog(index, &rec); err != nil {
        if errors.Is(err, hraft.ErrLogNotFound) {
            return nil, fmt.Errorf("%w: index %d missing from backend", ErrCorrupt, index)
        }
        return nil, fmt.Errorf("%w: get log %d: %v", ErrIO, index, err)
    }
    e, err := fromRecord(&rec)
    if err != nil { return nil, err }
    if e.Index != index || !e.Verify() {
        return nil, fmt.Errorf("%w: index %d", ErrCorrupt, index)
    }
    return e, nil
}

func toRecord(e *Entry) *hraft.Log {
    var sum [8]byte
    binary.BigEndian.PutUint64(sum[:], e.Checksum)
    data := make([]byte, len(e.Data))
    copy(data, e.Data)
    return &hraft.Log{
        Index:      e.Index,
        Term:       e.Term,
        Type:       kindToType(e.Kind),
        Data:       data,
        Extensions: sum[:],
    }
}

func fromRecord(rec *hraft.Log) (*Entry, error) {
    if len(rec.Extensions) != 8 {
        return nil, fmt.Errorf("%w: index %d has no checksum", ErrCorrupt, rec.Index)
    }
    kind, ok := typeToKind(rec.Type)
    if !ok {
        return nil, fmt.Errorf("%w: index %d has unknown type %v", ErrCorrupt, rec.Index, rec.Type)
    }
    data := make([]byte, len(rec.Data))
    copy(data, rec.Data)
    return &Entry{
        Index:    rec.Index,
        Term:     rec.Term,
        Kind:     kind,
        Data:     data,
        Checksum: binary.BigEndian.Uint64(rec.Extensions),
    }, nil
}

func kindToType(k EntryKind) hraft.LogType {
    switch k {
    case KindConfiguration:
        return hraft.LogConfiguration
    case KindNoOp:
        return hraft.LogNoop
    default:
        return hraft.LogCommand
    }
}

func typeToKind(t hraft.LogType) (EntryKind, bool) {
    switch t {
    case hraft.LogCommand:
        return KindData, true
    case hraft.LogConfiguration:
        return KindConfiguration, true
    case hraft.LogNoop:
        return KindNoOp, true
    }
    return 0, false
}
