package raft

import (
    "io"
    "os"
    "path/filepath"

    hraft "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"
    "github.com/hashicorp/go-multierror"
)

// Storage bundles the three persistence backends a Node needs. Any
// hashicorp/raft implementation can be plugged in.
type Storage struct {
    Logs      hraft.LogStore
    Stable    hraft.StableStore
    Snapshots hraft.SnapshotStore

    closers []io.Closer
}

// NewInmemStorage returns volatile stores, suitable for tests. Reusing the
// same Storage across Node restarts simulates a process restart.
func NewInmemStorage() *Storage {
    return &Storage{
        Logs:      hraft.NewInmemStore(),
        Stable:    hraft.NewInmemStore(),
        Snapshots: hraft.NewInmemSnapshotStore(),
    }
}

// NewBoltStorage opens (or creates) durable stores under dir: a Bolt database
// for the log and the term/vote record, and a file snapshot store keeping
// retain snapshots.
func NewBoltStorage(dir string, retain int, logOutput io.Writer) (*Storage, error) {
    if retain <= 0 { retain = 2 }
    if logOutput == nil { logOutput = os.Stderr }
    if err := os.MkdirAll(dir, 0o755); err != nil { return nil, err }
    bolt, err := raftboltdb.NewBoltStore(filepath.Join(dir, "raft.db"))
    if err != nil { return nil, err }
    snaps, err := hraft.NewFileSnapshotStore(dir, retain, logOutput)
    if err != nil {
        _ = bolt.Close()
        return nil, err
    }
    return &Storage{Logs: bolt, Stable: bolt, Snapshots: snaps, closers: []io.Closer{bolt}}, nil
}

// Close releases the backends opened by NewBoltStorage.
func (s *Storage) Close() error {
    var result *multierror.Error
    for _, c := range s.closers {
        if err := c.Close(); err != nil {
            result = multierror.Append(result, err)
        }
    }
    s.closers = nil
    return result.ErrorOrNil()
}
