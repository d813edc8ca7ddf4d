// Package kv is a small replicated key/value store used as the state machine
// of a raft group by the raftd process and in tests.
package kv

import (
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "sort"
    "sync"

    "github.com/amirimatin/go-consensus/pkg/raft"
)

var (
    ErrEmptyKey  = errors.New("kv: empty key")
    ErrUnknownOp = errors.New("kv: unknown op")
)

const (
    OpSet    = "set"
    OpDelete = "delete"

    snapshotVersion = 1
)

// Command is the JSON payload of a data entry.
type Command struct {
    Op    string `json:"op"`
    Key   string `json:"key"`
    Value string `json:"value,omitempty"`
}

// Result is what Apply hands back to the proposer.
type Result struct {
    Index uint64 `json:"index"`
    Prev  string `json:"prev,omitempty"`
    Found bool   `json:"found"`
    Err   string `json:"error,omitempty"`
}

// Set encodes a set command.
func Set(key, value string) []byte { return encode(Command{Op: OpSet, Key: key, Value: value}) }

// Delete encodes a delete command.
func Delete(key string) []byte { return encode(Command{Op: OpDelete, Key: key}) }

func encode(c Command) []byte {
    b, _ := json.Marshal(c)
    return b
}

// Store keeps the applied state in memory.
type Store struct {
    mu      sync.RWMutex
    data    map[string]string
    applied uint64
}

var _ raft.StateMachine = (*Store)(nil)

func New() *Store { return &Store{data: make(map[string]string)} }

// Apply executes one committed command. A malformed command is not an
// error for the group: every replica rejects it the same way.
func (s *Store) Apply(e *raft.Entry) any {
    var c Command
    if err := json.Unmarshal(e.Data, &c); err != nil {
        return Result{Index: e.Index, Err: fmt.Sprintf("kv: decode: %v", err)}
    }
    if c.Key == "" { return Result{Index: e.Index, Err: ErrEmptyKey.Error()} }
    s.mu.Lock()
    defer s.mu.Unlock()
    s.applied = e.Index
    prev, found := s.data[c.Key]
    switch c.Op {
    case OpSet:
        s.data[c.Key] = c.Value
    case OpDelete:
        delete(s.data, c.Key)
    default:
        return Result{Index: e.Index, Err: fmt.Sprintf("%v %q", ErrUnknownOp, c.Op)}
    }
    return Result{Index: e.Index, Prev: prev, Found: found}
}

// Get reads the local copy. Followers may lag the leader.
func (s *Store) Get(key string) (string, bool) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    v, ok := s.data[key]
    return v, ok
}

func (s *Store) Len() int {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return len(s.data)
}

// Applied returns the index of the last command applied.
func (s *Store) Applied() uint64 {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.applied
}

type pair struct {
    Key   string `json:"k"`
    Value string `json:"v"`
}

type snapshot struct {
    Version int    `json:"version"`
    Applied uint64 `json:"applied"`
    Pairs   []pair `json:"pairs"`
}

// SaveSnapshot writes the store as sorted JSON so equal states produce equal
// snapshots.
func (s *Store) SaveSnapshot(w io.Writer) error {
    s.mu.RLock()
    snap := snapshot{Version: snapshotVersion, Applied: s.applied, Pairs: make([]pair, 0, len(s.data))}
    for k, v := range s.data {
        snap.Pairs = append(snap.Pairs, pair{Key: k, Value: v})
    }
    s.mu.RUnlock()
    sort.Slice(snap.Pairs, func(i, j int) bool { return snap.Pairs[i].Key < snap.Pairs[j].Key })
    return json.NewEncoder(w).Encode(snap)
}

// LoadSnapshot replaces the whole store.
func (s *Store) LoadSnapshot(r io.Reader) error {
    var snap snapshot
    if err := json.NewDecoder(r).Decode(&snap); err != nil { return fmt.Errorf("kv: load snapshot: %w", err) }
    if snap.Version != snapshotVersion {
        return fmt.Errorf("kv: unsupported snapshot version %d", snap.Version)
    }
    data := make(map[string]string, len(snap.Pairs))
    for _, p := range snap.Pairs {
        if p.Key == "" { continue }
        data[p.Key] = p.Value
    }
    s.mu.Lock()
    s.data = data
    s.applied = snap.Applied
    s.mu.Unlock()
    return nil
}
