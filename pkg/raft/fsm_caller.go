package raft

import (
    "context"
    "sync/atomic"
    "time"

    obsmetrics "github.com/amirimatin/go-consensus/pkg/observability/metrics"
)

const applyBatch = 256

// fsmCaller is the only goroutine touching the state machine once the Node
// runs. It applies committed entries in index order, takes snapshots and
// restores installed snapshots, so those never interleave.
type fsmCaller struct {
    n   *Node
    fsm StateMachine

    applied     atomic.Uint64
    appliedTerm atomic.Uint64

    notifyCh chan struct{}
    tasks    chan func()
    done     chan struct{}
}

func newFSMCaller(n *Node, fsm StateMachine) *fsmCaller {
    return &fsmCaller{
        n:        n,
        fsm:      fsm,
        notifyCh: make(chan struct{}, 1),
        tasks:    make(chan func(), 4),
        done:     make(chan struct{}),
    }
}

// notify wakes the caller after the commit index moved.
func (c *fsmCaller) notify() {
    select {
    case c.notifyCh <- struct{}{}:
    default:
    }
}

func (c *fsmCaller) run() {
    defer close(c.done)
    tick := time.NewTicker(c.n.opts.SnapshotInterval)
    defer tick.Stop()
    for {
        select {
        case <-c.n.shutdownCh:
            return
        case <-c.notifyCh:
            c.applyCommitted()
        case t := <-c.tasks:
            t()
        case <-tick.C:
            c.maybeSnapshot()
        }
    }
}

// submit runs fn on the caller goroutine and waits for it.
func (c *fsmCaller) submit(ctx context.Context, fn func()) error {
    done := make(chan struct{})
    task := func() {
        defer close(done)
        fn()
    }
    select {
    case c.tasks <- task:
    case <-ctx.Done():
        return ctx.Err()
    case <-c.n.shutdownCh:
        return ErrShutdown
    }
    select {
    case <-done:
        return nil
    case <-c.n.shutdownCh:
        return ErrShutdown
    }
}

func (c *fsmCaller) appliedID() LogID {
    return LogID{Index: c.applied.Load(), Term: c.appliedTerm.Load()}
}

func (c *fsmCaller) setApplied(id LogID) {
    c.appliedTerm.Store(id.Term)
    c.applied.Store(id.Index)
}

func (c *fsmCaller) applyCommitted() {
    for {
        commit := c.n.commitIndex.Load()
        applied := c.applied.Load()
        if applied >= commit {
            break
        }
        hi := commit
        if hi-applied > applyBatch {
            hi = applied + applyBatch
        }
        entries, err := c.n.logs.Entries(applied+1, hi)
        if err != nil {
            c.n.fail(err)
            return
        }
        for _, e := range entries {
            var resp any
            switch e.Kind {
            case KindData:
                resp = c.fsm.Apply(e)
            case KindConfiguration:
                c.n.onConfApplied(e)
            }
            c.setApplied(LogID{Index: e.Index, Term: e.Term})
            c.n.resolveProposal(e, resp)
        }
        obsmetrics.AppliedIndex.WithLabelValues(c.n.group).Set(float64(c.applied.Load()))
    }
    c.maybeSnapshot()
}

func (c *fsmCaller) maybeSnapshot() {
    if !c.n.snaps.due(c.applied.Load()) {
        return
    }
    if !c.n.snaps.running.CompareAndSwap(false, true) {
        return
    }
    defer c.n.snaps.running.Store(false)
    c.takeSnapshot()
}

func (c *fsmCaller) takeSnapshot() (LogID, error) {
    id, err := c.n.snaps.save(c.fsm, c.appliedID())
    if err != nil {
        obsmetrics.Snapshots.WithLabelValues(c.n.group, "save", "error").Inc()
        c.n.warnf("snapshot at %d failed: %v", c.applied.Load(), err)
        return id, err
    }
    obsmetrics.Snapshots.WithLabelValues(c.n.group, "save", "ok").Inc()
    c.n.events.publish(Event{Type: EventSnapshot, Index: id.Index, Term: id.Term})
    return id, nil
}

// install restores the state machine from a received snapshot and moves the
// applied position to it.
func (c *fsmCaller) install(sinkID string) (snapshotHeader, error) {
    h, err := c.n.snaps.load(sinkID, c.fsm)
    if err != nil {
        obsmetrics.Snapshots.WithLabelValues(c.n.group, "install", "error").Inc()
        return h, err
    }
    c.setApplied(h.id())
    obsmetrics.Snapshots.WithLabelValues(c.n.group, "install", "ok").Inc()
    return h, nil
}
