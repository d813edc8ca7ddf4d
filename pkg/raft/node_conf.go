package raft

import (
    "context"
    "encoding/json"
    "fmt"
    "time"

    "github.com/amirimatin/go-consensus/pkg/internal/logutil"
    "github.com/amirimatin/go-consensus/pkg/observability/tracing"
)

// confChange is the membership change driven by the current leader.
type confChange struct {
    target Configuration
    old    Configuration
    done   chan error
}

func (cc *confChange) finish(err error) {
    select {
    case cc.done <- err:
    default:
    }
}

func encodeConfEntry(ce ConfigEntry) []byte {
    b, _ := json.Marshal(confPayload{Conf: ce.Conf, Old: ce.Old})
    return b
}

func decodeConfEntry(e *Entry) (ConfigEntry, error) {
    var p confPayload
    if err := json.Unmarshal(e.Data, &p); err != nil {
        return ConfigEntry{}, fmt.Errorf("%w: configuration entry %d: %v", ErrCorrupt, e.Index, err)
    }
    return ConfigEntry{Index: e.Index, Term: e.Term, Conf: p.Conf, Old: p.Old}, nil
}

// ChangePeers moves the group to conf through a joint configuration: new
// peers are first brought up to date, then {old, new} is committed by
// majorities of both sets, then conf alone. It returns once conf is applied.
func (n *Node) ChangePeers(ctx context.Context, conf Configuration) error {
    ctx, end := tracing.StartSpan(ctx, "raft.change_peers", "conf", conf.String())
    defer end()
    if conf.IsEmpty() {
        return ErrEmptyConfiguration
    }
    n.mu.Lock()
    if err := n.writableLocked(); err != nil {
        n.mu.Unlock()
        return err
    }
    cur := n.currentConfLocked()
    if n.confChange != nil || n.confPendingLocked() {
        n.mu.Unlock()
        return ErrConfChangeInProgress
    }
    if cur.Conf.Equal(conf) {
        n.mu.Unlock()
        return nil
    }
    cc := &confChange{target: conf, old: cur.Conf, done: make(chan error, 1)}
    n.confChange = cc
    added, removed := cur.Conf.Diff(conf)
    logutil.Infof(n.logger, "changing configuration %s -> %s (add %v, remove %v)", cur.Conf, conf, added, removed)
    n.syncReplicatorsLocked()
    n.mu.Unlock()

    if len(added) > 0 {
        if err := n.awaitCatchup(ctx, cc, added); err != nil {
            n.mu.Lock()
            if n.confChange == cc {
                n.confChange = nil
                n.syncReplicatorsLocked()
            }
            n.mu.Unlock()
            return err
        }
    }

    n.mu.Lock()
    if n.confChange != cc {
        n.mu.Unlock()
        return ErrLeaderStepDown
    }
    if _, err := n.appendConfLocked(ConfigEntry{Conf: conf, Old: cc.old}); err != nil {
        n.confChange = nil
        n.mu.Unlock()
        return err
    }
    n.mu.Unlock()

    select {
    case err := <-cc.done:
        return err
    case <-ctx.Done():
        return ctxErr(ctx)
    }
}

// AddPeer adds p to the current configuration.
func (n *Node) AddPeer(ctx context.Context, p PeerID) error {
    cur := n.Configuration()
    if cur.IsJoint() {
        return ErrConfChangeInProgress
    }
    if cur.Conf.Contains(p) {
        return nil
    }
    return n.ChangePeers(ctx, cur.Conf.Add(p))
}

// RemovePeer removes p from the current configuration. Removing the leader
// itself makes it step down once the change is applied.
func (n *Node) RemovePeer(ctx context.Context, p PeerID) error {
    cur := n.Configuration()
    if cur.IsJoint() {
        return ErrConfChangeInProgress
    }
    if !cur.Conf.Contains(p) {
        return nil
    }
    return n.ChangePeers(ctx, cur.Conf.Remove(p))
}

// ResetPeers replaces the local configuration without going through the log.
// It exists to recover a group that lost its majority for good and is unsafe
// otherwise. The next leader elected under conf records it in the log.
func (n *Node) ResetPeers(conf Configuration) error {
    if conf.IsEmpty() {
        return ErrEmptyConfiguration
    }
    n.mu.Lock()
    defer n.mu.Unlock()
    if err := n.terminalErrLocked(); err != nil {
        return err
    }
    n.warnf("resetting configuration %s -> %s", n.currentConfLocked().Conf, conf)
    if n.state.isLeading() {
        n.stepDownLocked(n.meta.term, PeerID{})
    }
    n.forced = &ConfigEntry{Index: n.logs.LastIndex(), Term: n.meta.term, Conf: conf}
    n.events.publish(Event{Type: EventConfChanged, Term: n.meta.term, Conf: *n.forced})
    n.setLeaderLocked(PeerID{})
    n.lastLeaderContact = time.Time{}
    n.resetElectionTimerLocked()
    return nil
}

// confPendingLocked reports a configuration entry that is joint or not yet
// committed.
func (n *Node) confPendingLocked() bool {
    last := n.confs.Last()
    return last.IsJoint() || last.Index > n.commitIndex.Load()
}

func (n *Node) appendConfLocked(ce ConfigEntry) (uint64, error) {
    e := &Entry{Kind: KindConfiguration, Data: encodeConfEntry(ce)}
    return n.appendLocked([]*Entry{e}, nil)
}

// awaitCatchup waits until every added peer acknowledged entries within
// CatchupMargin of the leader's last index.
func (n *Node) awaitCatchup(ctx context.Context, cc *confChange, added []PeerID) error {
    deadline := time.NewTimer(n.opts.CatchupTimeout)
    defer deadline.Stop()
    tick := time.NewTicker(n.opts.HeartbeatInterval)
    defer tick.Stop()
    for {
        n.mu.Lock()
        if n.confChange != cc {
            n.mu.Unlock()
            return ErrLeaderStepDown
        }
        last := n.logs.LastIndex()
        ready := true
        for _, p := range added {
            r := n.replicators[p]
            if r == nil || !r.caughtUp(last, n.opts.CatchupMargin) {
                ready = false
                break
            }
        }
        n.mu.Unlock()
        if ready {
            return nil
        }
        select {
        case <-tick.C:
        case <-deadline.C:
            return ErrCatchupTimeout
        case <-ctx.Done():
            return ctxErr(ctx)
        case <-n.shutdownCh:
            return ErrShutdown
        }
    }
}

// onConfApplied drives the second phase of a membership change. It runs on
// the FSM caller goroutine for every applied configuration entry.
func (n *Node) onConfApplied(e *Entry) {
    ce, err := decodeConfEntry(e)
    if err != nil {
        n.fail(err)
        return
    }
    n.mu.Lock()
    defer n.mu.Unlock()
    logutil.Infof(n.logger, "configuration %s applied at %d", ce, ce.Index)
    if !n.state.isLeading() || n.confs.Last().Index != ce.Index {
        return
    }
    if ce.IsJoint() {
        _, _ = n.appendConfLocked(ConfigEntry{Conf: ce.Conf})
        return
    }
    if cc := n.confChange; cc != nil {
        n.confChange = nil
        cc.finish(nil)
    }
    n.syncReplicatorsLocked()
    if !ce.Conf.Contains(n.id) {
        logutil.Infof(n.logger, "not a member of %s any more, stepping down", ce.Conf)
        n.stepDownLocked(n.meta.term, PeerID{})
    }
}

// syncReplicatorsLocked runs one replicator per peer of the current
// configuration, plus the peers a pending change is adding.
func (n *Node) syncReplicatorsLocked() {
    if !n.state.isLeading() {
        return
    }
    want := make(map[PeerID]bool)
    for _, p := range n.currentConfLocked().Peers() {
        want[p] = true
    }
    if cc := n.confChange; cc != nil {
        for _, p := range cc.target.Peers() {
            want[p] = true
        }
    }
    delete(want, n.id)
    for p, r := range n.replicators {
        if !want[p] {
            r.stop()
            delete(n.replicators, p)
        }
    }
    next := n.logs.LastIndex() + 1
    for p := range want {
        if _, ok := n.replicators[p]; ok {
            continue
        }
        r := newReplicator(n, p, n.meta.term, next)
        n.replicators[p] = r
        n.replWG.Add(1)
        go r.run()
    }
}
