package raft

import (
    "context"
    "errors"
    "fmt"

    "github.com/amirimatin/go-consensus/pkg/internal/logutil"
    "github.com/amirimatin/go-consensus/pkg/observability/tracing"
    hraft "github.com/hashicorp/raft"
)

// snapshotInstall is a snapshot being received from the leader.
type snapshotInstall struct {
    id     LogID
    conf   ConfigEntry
    sink   hraft.SnapshotSink
    offset uint64
}

func (n *Node) HandleAppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
    _, end := tracing.StartSpan(ctx, "raft.append_entries", "group", n.group)
    defer end()
    n.mu.Lock()
    defer n.mu.Unlock()
    if err := n.terminalErrLocked(); err != nil {
        return nil, err
    }
    resp := &AppendEntriesResponse{Term: n.meta.term, ReadOnly: n.readOnly}
    if req.Term < n.meta.term {
        return resp, nil
    }
    n.followLocked(req.Term, req.Leader)
    if n.state.terminal() {
        return nil, ErrNodeFailed
    }
    resp.Term = n.meta.term
    if n.restoring {
        return resp, nil
    }
    confs, err := checkBatch(req)
    if err != nil {
        n.warnf("rejecting append from %s: %v", req.Leader, err)
        resp.LastLogIndex = n.logs.LastIndex()
        return resp, nil
    }

    prev, prevTerm := req.PrevLogIndex, req.PrevLogTerm
    entries := req.Entries
    last := n.logs.LastIndex()
    if prev > last {
        resp.ConflictIndex = last + 1
        resp.LastLogIndex = last
        return resp, nil
    }
    // Positions covered by our snapshot are committed and cannot conflict.
    if base := n.logs.FirstIndex() - 1; prev < base {
        skip := base - prev
        if uint64(len(entries)) <= skip {
            resp.Success = true
            resp.LastLogIndex = prev + uint64(len(entries))
            return resp, nil
        }
        entries = entries[skip:]
        prev = base
        prevTerm = entries[0].Term
        if t, err := n.logs.TermAt(base); err == nil {
            prevTerm = t
        }
    }
    t, err := n.logs.TermAt(prev)
    if err != nil {
        if errors.Is(err, ErrCompacted) {
            resp.ConflictIndex = n.logs.FirstIndex()
            return resp, nil
        }
        if !isFatal(err) {
            n.warnf("term at %d: %v", prev, err)
            return resp, nil
        }
        n.failLocked(err)
        return nil, ErrNodeFailed
    }
    if t != prevTerm {
        resp.ConflictTerm = t
        resp.ConflictIndex = n.firstIndexOfTermLocked(prev, t)
        resp.LastLogIndex = last
        return resp, nil
    }

    var fresh []*Entry
    for i, e := range entries {
        if e.Index <= last {
            et, err := n.logs.TermAt(e.Index)
            if err != nil {
                if !isFatal(err) {
                    n.warnf("term at %d: %v", e.Index, err)
                    return resp, nil
                }
                n.failLocked(err)
                return nil, ErrNodeFailed
            }
            if et == e.Term {
                continue
            }
            if e.Index <= n.commitIndex.Load() {
                n.warnf("leader %s conflicts with committed entry %d", req.Leader, e.Index)
                return resp, nil
            }
            if err := n.logs.TruncateSuffix(e.Index - 1); err != nil {
                if !isFatal(err) {
                    n.warnf("truncate suffix from %d: %v", e.Index, err)
                    return resp, nil
                }
                n.failLocked(err)
                return nil, ErrNodeFailed
            }
            n.confs.TruncateSuffix(e.Index - 1)
            logutil.Infof(n.logger, "truncated conflicting log suffix from %d", e.Index)
        }
        fresh = entries[i:]
        break
    }
    if len(fresh) > 0 {
        if _, err := n.logs.Append(fresh); err != nil {
            n.failLocked(err)
            return nil, ErrNodeFailed
        }
        for _, e := range fresh {
            ce, ok := confs[e.Index]
            if !ok {
                continue
            }
            n.confs.Add(ce)
            n.forced = nil
            n.events.publish(Event{Type: EventConfChanged, Term: n.meta.term, Conf: ce})
        }
    }
    match := prev + uint64(len(entries))
    commit := req.LeaderCommit
    if commit > match {
        commit = match
    }
    n.advanceCommitLocked(commit)
    resp.Success = true
    resp.LastLogIndex = match
    return resp, nil
}

// checkBatch validates a whole AppendEntries batch before any of it touches
// the log. Entries must be sealed, numbered contiguously from PrevLogIndex+1
// and carry terms that never decrease nor exceed the request term. It returns
// the decoded configuration entries keyed by index.
func checkBatch(req *AppendEntriesRequest) (map[uint64]ConfigEntry, error) {
    var confs map[uint64]ConfigEntry
    term := req.PrevLogTerm
    for i, e := range req.Entries {
        if e == nil {
            return nil, fmt.Errorf("%w: nil entry at position %d", ErrBadBatch, i)
        }
        if want := req.PrevLogIndex + 1 + uint64(i); e.Index != want {
            return nil, fmt.Errorf("%w: entry %d at position %d, want %d", ErrBadBatch, e.Index, i, want)
        }
        if e.Term < term || e.Term > req.Term {
            return nil, fmt.Errorf("%w: entry %d has term %d", ErrBadBatch, e.Index, e.Term)
        }
        term = e.Term
        if !e.Verify() {
            return nil, fmt.Errorf("%w: checksum mismatch at index %d", ErrBadBatch, e.Index)
        }
        if e.Kind != KindConfiguration {
            continue
        }
        ce, err := decodeConfEntry(e)
        if err != nil {
            return nil, fmt.Errorf("%w: %v", ErrBadBatch, err)
        }
        if confs == nil {
            confs = make(map[uint64]ConfigEntry)
        }
        confs[e.Index] = ce
    }
    return confs, nil
}

// firstIndexOfTermLocked walks back from index to the first entry of term
// still in the log.
func (n *Node) firstIndexOfTermLocked(index, term uint64) uint64 {
    first := n.logs.FirstIndex()
    for index > first {
        t, err := n.logs.TermAt(index - 1)
        if err != nil || t != term {
            break
        }
        index--
    }
    return index
}

// lastIndexOfTerm finds the last entry at or below index whose term is term,
// or 0 when the log has none.
func (n *Node) lastIndexOfTerm(term, index uint64) uint64 {
    if l := n.logs.LastIndex(); index > l {
        index = l
    }
    first := n.logs.FirstIndex()
    for ; index >= first && index > 0; index-- {
        t, err := n.logs.TermAt(index)
        if err != nil || t < term {
            return 0
        }
        if t == term {
            return index
        }
    }
    return 0
}

func (n *Node) HandleInstallSnapshot(ctx context.Context, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
    _, end := tracing.StartSpan(ctx, "raft.install_snapshot", "group", n.group)
    defer end()
    n.mu.Lock()
    if err := n.terminalErrLocked(); err != nil {
        n.mu.Unlock()
        return nil, err
    }
    resp := &InstallSnapshotResponse{Term: n.meta.term}
    if req.Term < n.meta.term {
        n.mu.Unlock()
        return resp, nil
    }
    n.followLocked(req.Term, req.Leader)
    resp.Term = n.meta.term
    if n.state.terminal() || n.restoring {
        n.mu.Unlock()
        return resp, nil
    }
    id := LogID{Index: req.LastIncludedIndex, Term: req.LastIncludedTerm}
    if id.Index <= n.caller.applied.Load() {
        if n.installing != nil {
            _ = n.installing.sink.Cancel()
            n.installing = nil
        }
        resp.Success = true
        n.mu.Unlock()
        return resp, nil
    }
    inst := n.installing
    if req.Offset == 0 {
        if inst != nil {
            _ = inst.sink.Cancel()
        }
        sink, err := n.snaps.createSink(id, req.Conf)
        if err != nil {
            n.installing = nil
            n.mu.Unlock()
            n.warnf("create snapshot sink: %v", err)
            return resp, nil
        }
        inst = &snapshotInstall{id: id, conf: req.Conf, sink: sink}
        n.installing = inst
    } else if inst == nil || inst.id != id || inst.offset != req.Offset {
        n.mu.Unlock()
        return resp, nil
    }
    if _, err := inst.sink.Write(req.Data); err != nil {
        _ = inst.sink.Cancel()
        n.installing = nil
        n.mu.Unlock()
        n.warnf("write snapshot chunk: %v", err)
        return resp, nil
    }
    inst.offset += uint64(len(req.Data))
    if !req.Done {
        resp.Success = true
        n.mu.Unlock()
        return resp, nil
    }
    n.installing = nil
    if err := inst.sink.Close(); err != nil {
        n.mu.Unlock()
        n.warnf("close snapshot sink: %v", err)
        return resp, nil
    }
    n.restoring = true
    n.mu.Unlock()

    logutil.Infof(n.logger, "installing snapshot %d/%d from %s", id.Index, id.Term, req.Leader)
    var rerr error
    err := n.caller.submit(context.Background(), func() { _, rerr = n.caller.install(inst.sink.ID()) })
    if err == nil {
        err = rerr
    }

    n.mu.Lock()
    defer n.mu.Unlock()
    n.restoring = false
    if err != nil {
        if !errors.Is(err, ErrShutdown) {
            n.failLocked(err)
        }
        return nil, err
    }
    if t, terr := n.logs.TermAt(id.Index); terr == nil && t == id.Term && id.Index < n.logs.LastIndex() {
        err = n.logs.TruncatePrefix(id.Index + 1)
    } else {
        err = n.logs.Reset(id.Index+1, id.Term)
        n.confs.TruncateSuffix(id.Index)
    }
    if err != nil {
        n.failLocked(err)
        return nil, ErrNodeFailed
    }
    n.confs.SetSnapshot(inst.conf)
    n.forced = nil
    n.advanceCommitLocked(id.Index)
    n.events.publish(Event{Type: EventSnapshot, Index: id.Index, Term: id.Term})
    resp.Term = n.meta.term
    resp.Success = true
    return resp, nil
}
