package raft

import (
    "bytes"
    "encoding/binary"
    "fmt"
    "io"
    "sync"
    "sync/atomic"

    "github.com/hashicorp/go-msgpack/v2/codec"
    "github.com/hashicorp/go-multierror"
    hraft "github.com/hashicorp/raft"
)

// maxSnapshotHeader bounds the header length read from a snapshot stream.
const maxSnapshotHeader = 16 << 20

// snapshotHeader prefixes every snapshot stream: a 4-byte big-endian length
// followed by the msgpack encoding of this struct. The state machine's own
// bytes follow.
type snapshotHeader struct {
    Index     uint64   `codec:"index"`
    Term      uint64   `codec:"term"`
    ConfIndex uint64   `codec:"conf_index"`
    ConfTerm  uint64   `codec:"conf_term"`
    Conf      []string `codec:"conf"`
    Old       []string `codec:"old,omitempty"`
}

func newSnapshotHeader(id LogID, conf ConfigEntry) snapshotHeader {
    h := snapshotHeader{Index: id.Index, Term: id.Term, ConfIndex: conf.Index, ConfTerm: conf.Term}
    for _, p := range conf.Conf.Peers() {
        h.Conf = append(h.Conf, p.String())
    }
    for _, p := range conf.Old.Peers() {
        h.Old = append(h.Old, p.String())
    }
    return h
}

func (h snapshotHeader) id() LogID { return LogID{Index: h.Index, Term: h.Term} }

func (h snapshotHeader) confEntry() (ConfigEntry, error) {
    conf, err := ParseConfiguration(joinComma(h.Conf))
    if err != nil { return ConfigEntry{}, err }
    old, err := ParseConfiguration(joinComma(h.Old))
    if err != nil { return ConfigEntry{}, err }
    return ConfigEntry{Index: h.ConfIndex, Term: h.ConfTerm, Conf: conf, Old: old}, nil
}

func joinComma(ss []string) string {
    var b bytes.Buffer
    for i, s := range ss {
        if i > 0 { b.WriteByte(',') }
        b.WriteString(s)
    }
    return b.String()
}

func encodeSnapshotHeader(h snapshotHeader) ([]byte, error) {
    var body []byte
    if err := codec.NewEncoderBytes(&body, &codec.MsgpackHandle{}).Encode(&h); err != nil {
        return nil, err
    }
    out := make([]byte, 4, 4+len(body))
    binary.BigEndian.PutUint32(out, uint32(len(body)))
    return append(out, body...), nil
}

// readSnapshotHeader consumes the header from r and also returns its raw
// bytes so that the stream can be forwarded unchanged.
func readSnapshotHeader(r io.Reader) (snapshotHeader, []byte, error) {
    var h snapshotHeader
    var lenBuf [4]byte
    if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
        return h, nil, fmt.Errorf("raft: snapshot header: %w", err)
    }
    n := binary.BigEndian.Uint32(lenBuf[:])
    if n > maxSnapshotHeader {
        return h, nil, fmt.Errorf("%w: snapshot header of %d bytes", ErrCorrupt, n)
    }
    raw := make([]byte, 4+n)
    copy(raw, lenBuf[:])
    if _, err := io.ReadFull(r, raw[4:]); err != nil {
        return h, nil, fmt.Errorf("raft: snapshot header: %w", err)
    }
    if err := codec.NewDecoderBytes(raw[4:], &codec.MsgpackHandle{}).Decode(&h); err != nil {
        return h, nil, fmt.Errorf("%w: snapshot header: %v", ErrCorrupt, err)
    }
    return h, raw, nil
}

// snapshotExecutor owns the snapshot store of a Node: it takes snapshots on
// the FSM caller goroutine, compacts the log afterwards and serves the
// latest snapshot to replicators.
type snapshotExecutor struct {
    n       *Node
    store   hraft.SnapshotStore
    running atomic.Bool

    mu     sync.Mutex
    last   LogID
    lastID string
}

func newSnapshotExecutor(n *Node, store hraft.SnapshotStore) *snapshotExecutor {
    return &snapshotExecutor{n: n, store: store}
}

func (s *snapshotExecutor) latest() (LogID, string) {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.last, s.lastID
}

func (s *snapshotExecutor) setLatest(id LogID, sid string) {
    s.mu.Lock()
    if id.Index >= s.last.Index {
        s.last, s.lastID = id, sid
    }
    s.mu.Unlock()
}

// due reports whether the thresholds ask for a new snapshot.
func (s *snapshotExecutor) due(applied uint64) bool {
    last, _ := s.latest()
    if applied <= last.Index {
        return false
    }
    o := s.n.opts
    return applied-last.Index >= o.SnapshotThreshold || s.n.logs.BytesSince() >= o.SnapshotThresholdBytes
}

// recoverLatest loads the newest readable snapshot into fsm. It returns the
// header of the loaded snapshot, or ok=false when the store is empty.
func (s *snapshotExecutor) recoverLatest(fsm StateMachine) (snapshotHeader, bool, error) {
    metas, err := s.store.List()
    if err != nil { return snapshotHeader{}, false, fmt.Errorf("raft: list snapshots: %w", err) }
    var result *multierror.Error
    for _, m := range metas {
        h, err := s.load(m.ID, fsm)
        if err != nil {
            result = multierror.Append(result, fmt.Errorf("snapshot %s: %w", m.ID, err))
            continue
        }
        return h, true, nil
    }
    return snapshotHeader{}, false, result.ErrorOrNil()
}

// load restores fsm from snapshot id. Must run on the FSM caller goroutine
// once the Node is started.
func (s *snapshotExecutor) load(id string, fsm StateMachine) (snapshotHeader, error) {
    _, rc, err := s.store.Open(id)
    if err != nil { return snapshotHeader{}, err }
    defer rc.Close()
    h, _, err := readSnapshotHeader(rc)
    if err != nil { return h, err }
    if err := fsm.LoadSnapshot(rc); err != nil {
        return h, fmt.Errorf("raft: load snapshot: %w", err)
    }
    s.setLatest(h.id(), id)
    return h, nil
}

// save writes a snapshot of fsm at applied, which must be the state
// machine's current position. Must run on the FSM caller goroutine.
func (s *snapshotExecutor) save(fsm StateMachine, applied LogID) (LogID, error) {
    last, _ := s.latest()
    if applied.Index == 0 || applied.Index <= last.Index {
        return last, nil
    }
    conf := s.n.confs.Get(applied.Index)
    hdr, err := encodeSnapshotHeader(newSnapshotHeader(applied, conf))
    if err != nil { return last, err }
    sink, err := s.store.Create(hraft.SnapshotVersionMax, applied.Index, applied.Term, hraft.Configuration{}, conf.Index, nil)
    if err != nil { return last, fmt.Errorf("raft: create snapshot: %w", err) }
    if _, err := sink.Write(hdr); err != nil {
        _ = sink.Cancel()
        return last, err
    }
    if err := fsm.SaveSnapshot(sink); err != nil {
        _ = sink.Cancel()
        return last, fmt.Errorf("raft: save snapshot: %w", err)
    }
    if err := sink.Close(); err != nil {
        return last, fmt.Errorf("raft: close snapshot: %w", err)
    }
    s.n.logs.ResetBytes()
    s.setLatest(applied, sink.ID())
    s.n.confs.SetSnapshot(conf)
    s.compact(applied.Index)
    return applied, nil
}

// compact drops log entries covered by the snapshot at index, keeping
// SnapshotTrailingLogs of them for followers that lag slightly.
func (s *snapshotExecutor) compact(index uint64) {
    keep := s.n.opts.SnapshotTrailingLogs
    if index <= keep {
        return
    }
    if err := s.n.logs.TruncatePrefix(index - keep + 1); err != nil {
        s.n.warnf("compact log through %d: %v", index-keep, err)
    }
}

// snapshotReader streams a stored snapshot, header included.
type snapshotReader struct {
    hdr  snapshotHeader
    size int64
    io.Reader
    io.Closer
}

// open prepares the latest snapshot for shipping to a follower.
func (s *snapshotExecutor) open() (*snapshotReader, error) {
    _, id := s.latest()
    if id == "" {
        return nil, ErrNoSnapshot
    }
    meta, rc, err := s.store.Open(id)
    if err != nil { return nil, err }
    h, raw, err := readSnapshotHeader(rc)
    if err != nil {
        _ = rc.Close()
        return nil, err
    }
    return &snapshotReader{
        hdr:    h,
        size:   meta.Size,
        Reader: io.MultiReader(bytes.NewReader(raw), rc),
        Closer: rc,
    }, nil
}

// createSink opens a sink receiving a snapshot streamed by the leader.
func (s *snapshotExecutor) createSink(id LogID, conf ConfigEntry) (hraft.SnapshotSink, error) {
    return s.store.Create(hraft.SnapshotVersionMax, id.Index, id.Term, hraft.Configuration{}, conf.Index, nil)
}
