package raft

import (
    "encoding/binary"
    "errors"
    "fmt"

    hraft "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"
)

// keyMeta holds term and vote in one record so that both change atomically.
var keyMeta = []byte("raft/meta")

// metaStore persists the current term and the vote cast in it.
type metaStore struct {
    stable   hraft.StableStore
    term     uint64
    votedFor PeerID
}

func openMetaStore(stable hraft.StableStore) (*metaStore, error) {
    m := &metaStore{stable: stable}
    raw, err := stable.Get(keyMeta)
    if err != nil && !isKeyNotFound(err) {
        return nil, fmt.Errorf("%w: load meta: %v", ErrIO, err)
    }
    if len(raw) == 0 {
        return m, nil
    }
    if len(raw) < 8 {
        return nil, fmt.Errorf("%w: short meta record", ErrCorrupt)
    }
    m.term = binary.BigEndian.Uint64(raw[:8])
    if err := m.votedFor.UnmarshalText(raw[8:]); err != nil {
        return nil, fmt.Errorf("%w: meta record: %v", ErrCorrupt, err)
    }
    return m, nil
}

// set persists term and vote; the in-memory copy changes only after the write
// succeeded.
func (m *metaStore) set(term uint64, votedFor PeerID) error {
    if term == m.term && votedFor == m.votedFor {
        return nil
    }
    vote, _ := votedFor.MarshalText()
    raw := make([]byte, 8, 8+len(vote))
    binary.BigEndian.PutUint64(raw, term)
    raw = append(raw, vote...)
    if err := m.stable.Set(keyMeta, raw); err != nil {
        return fmt.Errorf("%w: store meta: %v", ErrIO, err)
    }
    m.term, m.votedFor = term, votedFor
    return nil
}

// isKeyNotFound matches the missing-key errors of BoltStore and InmemStore;
// the latter has no exported sentinel.
func isKeyNotFound(err error) bool {
    if errors.Is(err, raftboltdb.ErrKeyNotFound) {
        return true
    }
    return err != nil && err.Error() == "not found"
}
