package raft

import (
    "context"
    "errors"
    "fmt"
    "io"
    "sync"
    "sync/atomic"
    "time"

    "github.com/amirimatin/go-consensus/pkg/internal/logutil"
    "github.com/amirimatin/go-consensus/pkg/internal/retry"
    obsmetrics "github.com/amirimatin/go-consensus/pkg/observability/metrics"
)

var (
    errStaleTerm     = errors.New("raft: replicator term is stale")
    errFlightDropped = errors.New("raft: append dropped after pipeline reset")
)

// replicator ships the leader's log to one follower. It starts in matching mode
// (one request in flight) until the follower's match index is known and then
// pipelines up to MaxInflight batches. Batches go out through a single sender
// goroutine, so the follower receives them in log order. A follower whose
// next entry was compacted away gets the latest snapshot instead.
type replicator struct {
    n      *Node
    peer   PeerID
    term   uint64
    ctx    context.Context
    cancel context.CancelFunc
    wakeCh chan struct{}
    sendCh chan *outbound
    // epoch is bumped whenever the pipeline is reset; queued batches of an
    // older epoch are dropped by the sender.
    epoch atomic.Uint64
    label []string

    mu           sync.Mutex
    next         uint64
    match        uint64
    matched      bool
    inflight     int
    snapshotting bool
    readOnly     bool
    lastContact  time.Time
}

type flight struct {
    prev uint64
    last uint64
    res  chan flightResult
}

type outbound struct {
    req   *AppendEntriesRequest
    f     *flight
    epoch uint64
}

type flightResult struct {
    resp *AppendEntriesResponse
    err  error
}

func newReplicator(n *Node, peer PeerID, term, next uint64) *replicator {
    ctx, cancel := context.WithCancel(context.Background())
    return &replicator{
        n:           n,
        peer:        peer,
        term:        term,
        ctx:         ctx,
        cancel:      cancel,
        wakeCh:      make(chan struct{}, 1),
        sendCh:      make(chan *outbound, n.opts.MaxInflight),
        label:       []string{n.group, peer.String()},
        next:        next,
        lastContact: time.Now(),
    }
}

func (r *replicator) stop() { r.cancel() }

// wake tells the replicator new entries are waiting.
func (r *replicator) wake() {
    select {
    case r.wakeCh <- struct{}{}:
    default:
    }
}

func (r *replicator) lastContactTime() time.Time {
    r.mu.Lock()
    defer r.mu.Unlock()
    return r.lastContact
}

func (r *replicator) matchIndex() uint64 {
    r.mu.Lock()
    defer r.mu.Unlock()
    return r.match
}

// caughtUp reports whether the follower is within margin entries of last.
func (r *replicator) caughtUp(last, margin uint64) bool {
    r.mu.Lock()
    defer r.mu.Unlock()
    return r.matched && r.match+margin >= last
}

func (r *replicator) status() PeerStatus {
    r.mu.Lock()
    defer r.mu.Unlock()
    return PeerStatus{ID: r.peer, NextIndex: r.next, Match: r.match, Inflight: r.inflight, Snapshot: r.snapshotting}
}

func (r *replicator) run() {
    defer r.n.replWG.Done()
    defer r.cancel()
    r.n.replWG.Add(1)
    go r.sender()
    defer func() {
        obsmetrics.ReplicatorInflight.DeleteLabelValues(r.label...)
        obsmetrics.ReplicatorMatchIndex.DeleteLabelValues(r.label...)
    }()
    logutil.Debugf(r.n.logger, "replicating to %s from %d", r.peer, r.next)
    hb := time.NewTicker(r.n.opts.HeartbeatInterval)
    defer hb.Stop()

    var queue []*flight
    matching := true
    failures := 0
    heartbeat := true
    for {
        limit := r.n.opts.MaxInflight
        if matching { limit = 1 }
        for len(queue) < limit {
            next := r.nextIndex()
            last := r.n.logs.LastIndex()
            if next > last && !heartbeat {
                break
            }
            heartbeat = false
            f, err := r.send(next, last)
            if errors.Is(err, ErrCompacted) {
                queue = nil
                r.epoch.Add(1)
                if err := r.installSnapshot(); err != nil {
                    if errors.Is(err, errStaleTerm) || r.ctx.Err() != nil {
                        return
                    }
                    failures++
                    r.n.warnf("install snapshot on %s: %v", r.peer, err)
                    if !r.sleep(retry.Delay(r.n.opts.ReplicationBackoff, failures)) {
                        return
                    }
                } else {
                    failures = 0
                }
                matching = true
                break
            }
            if err != nil {
                if r.ctx.Err() != nil {
                    return
                }
                r.n.warnf("replicate to %s: %v", r.peer, err)
                if !r.sleep(r.n.opts.HeartbeatInterval) {
                    return
                }
                break
            }
            queue = append(queue, f)
            if matching { break }
        }
        r.setInflight(len(queue))

        var resCh <-chan flightResult
        if len(queue) > 0 {
            resCh = queue[0].res
        }
        select {
        case <-r.ctx.Done():
            return
        case <-r.wakeCh:
        case <-hb.C:
            heartbeat = true
        case res := <-resCh:
            f := queue[0]
            queue = queue[1:]
            if res.err != nil {
                obsmetrics.ReplicatorErrors.WithLabelValues(r.label...).Inc()
                logutil.Debugf(r.n.logger, "append entries to %s: %v", r.peer, res.err)
                queue = nil
                r.epoch.Add(1)
                matching = true
                failures++
                r.setNext(f.prev + 1)
                r.setInflight(0)
                if !r.sleep(retry.Delay(r.n.opts.ReplicationBackoff, failures)) {
                    return
                }
                heartbeat = true
                continue
            }
            resp := res.resp
            if resp.Term > r.term {
                r.n.onHigherTerm(resp.Term)
                return
            }
            r.touch()
            r.setPeerReadOnly(resp.ReadOnly)
            if resp.Success {
                failures = 0
                matching = false
                r.onSuccess(f.last)
                continue
            }
            obsmetrics.ReplicatorRejects.WithLabelValues(r.label...).Inc()
            queue = nil
            r.epoch.Add(1)
            matching = true
            hinted := r.onReject(f, resp)
            if !hinted {
                failures++
                if !r.sleep(retry.Delay(r.n.opts.ReplicationBackoff, failures)) {
                    return
                }
            }
            heartbeat = true
        }
    }
}

// send queues one AppendEntries carrying entries [next, last] trimmed to the
// batch limits. It returns ErrCompacted when the entry before next is no
// longer in the log.
func (r *replicator) send(next, last uint64) (*flight, error) {
    o := r.n.opts
    prev := next - 1
    prevTerm, err := r.n.logs.TermAt(prev)
    if err != nil { return nil, err }
    var entries []*Entry
    if next <= last {
        hi := last
        if hi-next+1 > uint64(o.MaxBatchEntries) {
            hi = next + uint64(o.MaxBatchEntries) - 1
        }
        entries, err = r.n.logs.Entries(next, hi)
        if err != nil { return nil, err }
        size := 0
        for i, e := range entries {
            size += len(e.Data)
            if i > 0 && size > o.MaxBatchBytes {
                entries = entries[:i]
                break
            }
        }
    }
    req := &AppendEntriesRequest{
        GroupID:      r.n.group,
        Term:         r.term,
        Leader:       r.n.id,
        PrevLogIndex: prev,
        PrevLogTerm:  prevTerm,
        Entries:      entries,
        LeaderCommit: r.n.commitIndex.Load(),
    }
    f := &flight{prev: prev, last: prev + uint64(len(entries)), res: make(chan flightResult, 1)}
    select {
    case r.sendCh <- &outbound{req: req, f: f, epoch: r.epoch.Load()}:
    case <-r.ctx.Done():
        return nil, r.ctx.Err()
    }
    r.setNext(f.last + 1)
    return f, nil
}

// sender delivers queued requests one at a time, in queue order.
func (r *replicator) sender() {
    defer r.n.replWG.Done()
    for {
        select {
        case <-r.ctx.Done():
            return
        case o := <-r.sendCh:
            if o.epoch != r.epoch.Load() {
                o.f.res <- flightResult{err: errFlightDropped}
                continue
            }
            ctx, cancel := context.WithTimeout(r.ctx, r.n.opts.RPCTimeout)
            resp, err := r.n.trans.AppendEntries(ctx, r.peer, o.req)
            cancel()
            o.f.res <- flightResult{resp: resp, err: err}
        }
    }
}

func (r *replicator) onSuccess(match uint64) {
    r.mu.Lock()
    if match > r.match {
        r.match = match
    }
    r.matched = true
    if r.next <= r.match {
        r.next = r.match + 1
    }
    match = r.match
    r.mu.Unlock()
    obsmetrics.ReplicatorMatchIndex.WithLabelValues(r.label...).Set(float64(match))
    r.n.onReplicated(r.peer, r.term, match)
}

// onReject moves next back after a log mismatch. With a conflict term the
// leader skips the follower's whole term at once when it has entries of that
// term itself. It reports whether the follower gave a hint.
func (r *replicator) onReject(f *flight, resp *AppendEntriesResponse) bool {
    hinted := resp.ConflictIndex > 0
    next := f.prev
    if hinted {
        next = resp.ConflictIndex
        if resp.ConflictTerm > 0 && f.prev > 0 {
            if i := r.n.lastIndexOfTerm(resp.ConflictTerm, f.prev-1); i > 0 {
                next = i + 1
            }
        }
    }
    r.mu.Lock()
    if next <= r.match {
        next = r.match + 1
    }
    if last := r.n.logs.LastIndex() + 1; next > last {
        next = last
    }
    if next == 0 {
        next = 1
    }
    r.next = next
    r.mu.Unlock()
    logutil.Debugf(r.n.logger, "%s rejected append at %d, retrying from %d", r.peer, f.prev, next)
    return hinted
}

// installSnapshot streams the latest snapshot to the follower in chunks.
func (r *replicator) installSnapshot() error {
    sr, err := r.n.snaps.open()
    if err != nil { return err }
    defer sr.Close()
    conf, err := sr.hdr.confEntry()
    if err != nil { return err }
    r.setSnapshotting(true)
    defer r.setSnapshotting(false)
    logutil.Infof(r.n.logger, "sending snapshot %d/%d (%d bytes) to %s", sr.hdr.Index, sr.hdr.Term, sr.size, r.peer)

    o := r.n.opts
    buf := make([]byte, o.SnapshotChunkSize)
    var off uint64
    for {
        k, rerr := io.ReadFull(sr, buf)
        done := errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF)
        if rerr != nil && !done {
            return fmt.Errorf("raft: read snapshot: %w", rerr)
        }
        req := &InstallSnapshotRequest{
            GroupID:           r.n.group,
            Term:              r.term,
            Leader:            r.n.id,
            LastIncludedIndex: sr.hdr.Index,
            LastIncludedTerm:  sr.hdr.Term,
            Conf:              conf,
            Offset:            off,
            Data:              buf[:k],
            Done:              done,
        }
        timeout := o.RPCTimeout
        if done {
            // the follower restores its state machine before answering
            timeout *= 10
        }
        ctx, cancel := context.WithTimeout(r.ctx, timeout)
        resp, err := r.n.trans.InstallSnapshot(ctx, r.peer, req)
        cancel()
        if err != nil {
            obsmetrics.ReplicatorErrors.WithLabelValues(r.label...).Inc()
            return err
        }
        if resp.Term > r.term {
            r.n.onHigherTerm(resp.Term)
            return errStaleTerm
        }
        if !resp.Success {
            return fmt.Errorf("raft: %s refused snapshot chunk at offset %d", r.peer, off)
        }
        r.touch()
        off += uint64(k)
        if done {
            break
        }
    }
    obsmetrics.Snapshots.WithLabelValues(r.n.group, "send", "ok").Inc()
    r.onSuccess(sr.hdr.Index)
    return nil
}

func (r *replicator) sleep(d time.Duration) bool {
    if d <= 0 {
        return r.ctx.Err() == nil
    }
    t := time.NewTimer(d)
    defer t.Stop()
    select {
    case <-t.C:
        return true
    case <-r.ctx.Done():
        return false
    }
}

func (r *replicator) nextIndex() uint64 {
    r.mu.Lock()
    defer r.mu.Unlock()
    return r.next
}

func (r *replicator) setNext(i uint64) {
    r.mu.Lock()
    r.next = i
    r.mu.Unlock()
}

func (r *replicator) touch() {
    r.mu.Lock()
    r.lastContact = time.Now()
    r.mu.Unlock()
}

func (r *replicator) setInflight(k int) {
    r.mu.Lock()
    r.inflight = k
    r.mu.Unlock()
    obsmetrics.ReplicatorInflight.WithLabelValues(r.label...).Set(float64(k))
}

func (r *replicator) setPeerReadOnly(v bool) {
    r.mu.Lock()
    r.readOnly = v
    r.mu.Unlock()
}

// peerReadOnly is the follower's read-only flag from its last response.
func (r *replicator) peerReadOnly() bool {
    r.mu.Lock()
    defer r.mu.Unlock()
    return r.readOnly
}

func (r *replicator) setSnapshotting(v bool) {
    r.mu.Lock()
    r.snapshotting = v
    r.mu.Unlock()
}

// onReplicated counts peer's acknowledgement of the log through match.
func (n *Node) onReplicated(peer PeerID, term, match uint64) {
    n.mu.Lock()
    defer n.mu.Unlock()
    if !n.state.isLeading() || n.meta.term != term {
        return
    }
    if c, ok := n.box.commitAt(0, match, peer); ok {
        n.advanceCommitLocked(c)
    }
    if t := n.transfer; t != nil && t.target == peer && match >= n.logs.LastIndex() {
        n.sendTimeoutNowLocked(t)
    }
}
