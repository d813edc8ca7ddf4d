package raft

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sort"
    "sync"
    "sync/atomic"
    "time"

    "github.com/amirimatin/go-consensus/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-consensus/pkg/observability/metrics"
    "github.com/amirimatin/go-consensus/pkg/observability/tracing"
)

// Node is one replica of a consensus group. All state transitions, term
// changes and log appends happen under mu; replicators, the proposer and the
// FSM caller run in their own goroutines and re-enter through mu.
type Node struct {
    mu     sync.Mutex
    opts   Options
    id     PeerID
    group  string
    logger *log.Logger
    trans  Transport

    logs   *LogStore
    meta   *metaStore
    confs  *ConfManager
    caller *fsmCaller
    snaps  *snapshotExecutor
    events eventBus

    state       State
    leader      PeerID
    commitIndex atomic.Uint64
    // forced overrides the logged configuration; set by ResetPeers until a
    // leader logs it.
    forced            *ConfigEntry
    lastLeaderContact time.Time
    readOnly          bool

    timer           *time.Timer
    timerGen        uint64
    electionBase    time.Duration
    failedElections int
    voteRound       uint64

    box         ballotBox
    replicators map[PeerID]*replicator
    replWG      sync.WaitGroup
    confChange  *confChange
    transfer    *leaderTransfer

    installing *snapshotInstall
    restoring  bool

    proposeCh chan *proposal
    propMu    sync.Mutex
    proposals map[uint64]*proposal

    started    bool
    shutdownCh chan struct{}
    wg         sync.WaitGroup
}

// NewNode restores a replica from storage: the latest snapshot is loaded into
// fsm, the log is aligned with it and the configuration history is rebuilt.
// A fresh storage with opts.InitialConfiguration set is bootstrapped with that
// configuration as its first entry. The node is passive until Start.
func NewNode(opts Options, fsm StateMachine, storage *Storage, trans Transport) (*Node, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if fsm == nil { return nil, errors.New("raft: nil StateMachine") }
    if storage == nil || storage.Logs == nil || storage.Stable == nil || storage.Snapshots == nil {
        return nil, errors.New("raft: incomplete Storage")
    }
    if trans == nil { return nil, errors.New("raft: nil Transport") }
    opts = opts.withDefaults()
    n := &Node{
        opts:         opts,
        id:           opts.LocalID,
        group:        opts.GroupID,
        logger:       logutil.Component(opts.Logger, "raft "+opts.GroupID+" "+opts.LocalID.String()),
        trans:        trans,
        confs:        NewConfManager(),
        electionBase: opts.ElectionTimeout,
        replicators:  make(map[PeerID]*replicator),
        proposeCh:    make(chan *proposal, opts.MaxProposalBatch),
        proposals:    make(map[uint64]*proposal),
        shutdownCh:   make(chan struct{}),
    }
    var err error
    if n.logs, err = OpenLogStore(storage.Logs); err != nil { return nil, err }
    if n.meta, err = openMetaStore(storage.Stable); err != nil { return nil, err }
    n.caller = newFSMCaller(n, fsm)
    n.snaps = newSnapshotExecutor(n, storage.Snapshots)
    if err := n.recover(); err != nil { return nil, err }
    obsmetrics.Register()
    return n, nil
}

func (n *Node) recover() error {
    h, ok, err := n.snaps.recoverLatest(n.caller.fsm)
    if err != nil { return err }
    var snapIndex uint64
    if ok {
        conf, err := h.confEntry()
        if err != nil { return fmt.Errorf("%w: snapshot configuration: %v", ErrCorrupt, err) }
        snapIndex = h.Index
        n.confs.SetSnapshot(conf)
        n.caller.setApplied(h.id())
        n.commitIndex.Store(h.Index)
        first, last := n.logs.FirstIndex(), n.logs.LastIndex()
        switch {
        case last < h.Index:
            if err := n.logs.Reset(h.Index+1, h.Term); err != nil { return err }
        case first > h.Index+1:
            return fmt.Errorf("%w: log starts at %d after snapshot %d", ErrLogGap, first, h.Index)
        default:
            if err := n.logs.SetBoundary(h.id()); err != nil { return err }
        }
    }
    from := n.logs.FirstIndex()
    if from <= snapIndex { from = snapIndex + 1 }
    for i := from; i <= n.logs.LastIndex(); i++ {
        e, err := n.logs.Entry(i)
        if err != nil { return err }
        if e.Kind != KindConfiguration { continue }
        ce, err := decodeConfEntry(e)
        if err != nil { return err }
        n.confs.Add(ce)
    }
    if !ok && n.logs.LastIndex() == 0 && n.meta.term == 0 && !n.opts.InitialConfiguration.IsEmpty() {
        return n.bootstrap(n.opts.InitialConfiguration)
    }
    logutil.Infof(n.logger, "recovered term=%d log=[%d,%d] snapshot=%d conf=%s",
        n.meta.term, n.logs.FirstIndex(), n.logs.LastIndex(), snapIndex, n.confs.Last())
    return nil
}

// bootstrap writes conf as entry 1 of term 1. Every member of a new group is
// bootstrapped with the same configuration, so their logs agree on it.
func (n *Node) bootstrap(conf Configuration) error {
    ce := ConfigEntry{Index: 1, Term: 1, Conf: conf}
    e := &Entry{Index: 1, Term: 1, Kind: KindConfiguration, Data: encodeConfEntry(ce)}
    if _, err := n.logs.Append([]*Entry{e}); err != nil { return err }
    if err := n.meta.set(1, PeerID{}); err != nil { return err }
    n.confs.Add(ce)
    logutil.Infof(n.logger, "bootstrapped with %s", conf)
    return nil
}

// Start begins participating: the election timer is armed and the proposer
// and FSM caller goroutines run until Shutdown or until ctx is done.
func (n *Node) Start(ctx context.Context) error {
    n.mu.Lock()
    if n.state.terminal() {
        n.mu.Unlock()
        return ErrShutdown
    }
    if n.started {
        n.mu.Unlock()
        return nil
    }
    n.started = true
    n.setStateLocked(Follower)
    obsmetrics.Term.WithLabelValues(n.group).Set(float64(n.meta.term))
    n.resetElectionTimerLocked()
    n.mu.Unlock()

    n.wg.Add(2)
    go func() { defer n.wg.Done(); n.caller.run() }()
    go func() { defer n.wg.Done(); n.runProposer() }()
    n.caller.notify()
    if ctx != nil {
        go func() {
            select {
            case <-ctx.Done():
                _ = n.Shutdown()
            case <-n.shutdownCh:
            }
        }()
    }
    return nil
}

// Shutdown stops the node. Pending operations fail with ErrShutdown. The
// storage is left open; it belongs to the caller.
func (n *Node) Shutdown() error {
    n.mu.Lock()
    if n.state == Shutdown {
        n.mu.Unlock()
        return nil
    }
    n.stopLeadingLocked(ErrShutdown)
    n.stopTimerLocked()
    if n.installing != nil {
        _ = n.installing.sink.Cancel()
        n.installing = nil
    }
    n.setStateLocked(Shutdown)
    close(n.shutdownCh)
    n.failProposalsLocked(ErrShutdown)
    n.mu.Unlock()

    n.wg.Wait()
    n.replWG.Wait()
    logutil.Infof(n.logger, "shut down")
    return nil
}

// fail moves the node to Error after a storage failure.
func (n *Node) fail(err error) {
    n.mu.Lock()
    n.failLocked(err)
    n.mu.Unlock()
}

func (n *Node) failLocked(err error) {
    if n.state.terminal() {
        return
    }
    logutil.Errorf(n.logger, "fatal storage error, leaving the group: %v", err)
    n.stopLeadingLocked(ErrNodeFailed)
    n.stopTimerLocked()
    n.setStateLocked(Error)
    n.failProposalsLocked(ErrNodeFailed)
}

// stopLeadingLocked releases everything a leader owns.
func (n *Node) stopLeadingLocked(reason error) {
    if !n.state.isLeading() {
        return
    }
    for p, r := range n.replicators {
        r.stop()
        delete(n.replicators, p)
    }
    n.box.clear()
    n.failProposalsLocked(reason)
    if cc := n.confChange; cc != nil {
        n.confChange = nil
        cc.finish(reason)
    }
    terr := reason
    if n.state == Transferring && errors.Is(reason, ErrLeaderStepDown) {
        terr = nil
    }
    n.finishTransferLocked(terr)
}

// Apply proposes data and waits until it is applied to the state machine.
// Non-leaders answer with a *NotLeaderError carrying the known leader;
// ErrTimeout means no quorum committed the entry in time.
func (n *Node) Apply(ctx context.Context, data []byte) (ApplyResult, error) {
    ctx, end := tracing.StartSpan(ctx, "raft.apply", "group", n.group)
    defer end()
    if err := n.acceptsData(); err != nil { return ApplyResult{}, err }
    p := &proposal{data: data, started: time.Now().UnixNano(), done: make(chan proposalResult, 1)}
    timeout := time.NewTimer(n.opts.ApplyTimeout)
    defer timeout.Stop()
    select {
    case n.proposeCh <- p:
    case <-ctx.Done():
        return ApplyResult{}, ctxErr(ctx)
    case <-timeout.C:
        return ApplyResult{}, ErrTimeout
    case <-n.shutdownCh:
        return ApplyResult{}, ErrShutdown
    }
    select {
    case r := <-p.done:
        return r.res, r.err
    case <-ctx.Done():
        return ApplyResult{}, ctxErr(ctx)
    case <-timeout.C:
        return ApplyResult{}, ErrTimeout
    case <-n.shutdownCh:
        return ApplyResult{}, ErrShutdown
    }
}

func ctxErr(ctx context.Context) error {
    if errors.Is(ctx.Err(), context.DeadlineExceeded) {
        return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
    }
    return ctx.Err()
}

func (n *Node) acceptsData() error {
    n.mu.Lock()
    defer n.mu.Unlock()
    return n.acceptsDataLocked()
}

// acceptsDataLocked is writableLocked plus the read-only gate, which only
// applies to data entries.
func (n *Node) acceptsDataLocked() error {
    if err := n.writableLocked(); err != nil {
        return err
    }
    if n.readOnlyLocked() {
        return ErrReadOnly
    }
    return nil
}

func (n *Node) writableLocked() error {
    switch n.state {
    case Leader:
        if !n.started { return ErrShutdown }
        return nil
    case Transferring:
        return ErrLeaderTransferring
    case Error:
        return ErrNodeFailed
    case Shutdown:
        return ErrShutdown
    default:
        return &NotLeaderError{Leader: n.leader}
    }
}

// runProposer batches queued proposals into single appends.
func (n *Node) runProposer() {
    for {
        select {
        case <-n.shutdownCh:
            return
        case p := <-n.proposeCh:
            batch := []*proposal{p}
        drain:
            for len(batch) < n.opts.MaxProposalBatch {
                select {
                case p := <-n.proposeCh:
                    batch = append(batch, p)
                default:
                    break drain
                }
            }
            n.propose(batch)
        }
    }
}

func (n *Node) propose(batch []*proposal) {
    n.mu.Lock()
    defer n.mu.Unlock()
    if err := n.acceptsDataLocked(); err != nil {
        for _, p := range batch {
            p.finish(ApplyResult{}, err)
        }
        return
    }
    entries := make([]*Entry, len(batch))
    for i, p := range batch {
        entries[i] = &Entry{Kind: KindData, Data: p.data}
    }
    if _, err := n.appendLocked(entries, batch); err != nil {
        for _, p := range batch {
            p.finish(ApplyResult{}, err)
        }
    }
}

// appendLocked assigns indexes in the current term to entries, opens their
// ballots and stores them durably, then counts the leader's own vote. props,
// when non-nil, are the proposals matching entries one to one.
func (n *Node) appendLocked(entries []*Entry, props []*proposal) (uint64, error) {
    base := n.logs.LastIndex()
    term := n.meta.term
    confChanged := false
    for i, e := range entries {
        e.Index = base + 1 + uint64(i)
        e.Term = term
        e.Seal()
        if e.Kind == KindConfiguration {
            ce, err := decodeConfEntry(e)
            if err != nil { return 0, err }
            n.confs.Add(ce)
            n.forced = nil
            confChanged = true
        }
        n.box.appendPending(n.confAtLocked(e.Index))
    }
    if props != nil {
        n.propMu.Lock()
        for i, p := range props {
            p.index, p.term = entries[i].Index, term
            n.proposals[p.index] = p
        }
        n.propMu.Unlock()
    }
    last, err := n.logs.Append(entries)
    if err != nil {
        n.box.truncate(base)
        n.confs.TruncateSuffix(base)
        for _, p := range props {
            p.finish(ApplyResult{}, err)
        }
        n.failLocked(err)
        return 0, err
    }
    if confChanged {
        n.events.publish(Event{Type: EventConfChanged, Term: term, Conf: n.confs.Last()})
        n.syncReplicatorsLocked()
    }
    if c, ok := n.box.commitAt(0, last, n.id); ok {
        n.advanceCommitLocked(c)
    }
    for _, r := range n.replicators {
        r.wake()
    }
    return last, nil
}

func (n *Node) advanceCommitLocked(index uint64) {
    if index <= n.commitIndex.Load() {
        return
    }
    n.commitIndex.Store(index)
    obsmetrics.CommitIndex.WithLabelValues(n.group).Set(float64(index))
    n.caller.notify()
}

// resolveProposal hands the state machine's response to the waiting client.
// An entry whose term differs from the proposal's replaced it after a leader
// change.
func (n *Node) resolveProposal(e *Entry, resp any) {
    n.propMu.Lock()
    p, ok := n.proposals[e.Index]
    if ok { delete(n.proposals, e.Index) }
    n.propMu.Unlock()
    if !ok {
        return
    }
    if p.term != e.Term {
        p.finish(ApplyResult{}, ErrLeaderStepDown)
        return
    }
    obsmetrics.ApplyLatency.WithLabelValues(n.group).Observe(time.Since(time.Unix(0, p.started)).Seconds())
    p.finish(ApplyResult{Index: e.Index, Term: e.Term, Response: resp}, nil)
}

func (n *Node) failProposalsLocked(err error) {
    n.propMu.Lock()
    for i, p := range n.proposals {
        p.finish(ApplyResult{}, err)
        delete(n.proposals, i)
    }
    n.propMu.Unlock()
}

// Snapshot takes a snapshot now and returns the log position it covers.
func (n *Node) Snapshot(ctx context.Context) (LogID, error) {
    ctx, end := tracing.StartSpan(ctx, "raft.snapshot", "group", n.group)
    defer end()
    n.mu.Lock()
    err := n.terminalErrLocked()
    started := n.started
    n.mu.Unlock()
    if err != nil { return LogID{}, err }
    if !started { return LogID{}, ErrShutdown }
    if !n.snaps.running.CompareAndSwap(false, true) {
        return LogID{}, ErrSnapshotInProgress
    }
    defer n.snaps.running.Store(false)
    var id LogID
    var serr error
    if err := n.caller.submit(ctx, func() { id, serr = n.caller.takeSnapshot() }); err != nil {
        return LogID{}, err
    }
    return id, serr
}

func (n *Node) terminalErrLocked() error {
    switch n.state {
    case Error:
        return ErrNodeFailed
    case Shutdown:
        return ErrShutdown
    }
    return nil
}

func (n *Node) setStateLocked(s State) {
    if n.state == s {
        return
    }
    n.state = s
    obsmetrics.State.WithLabelValues(n.group).Set(float64(s))
    if s == Leader {
        obsmetrics.IsLeader.WithLabelValues(n.group).Set(1)
    } else if s != Transferring {
        obsmetrics.IsLeader.WithLabelValues(n.group).Set(0)
    }
    n.events.publish(Event{Type: EventStateChanged, State: s, Term: n.meta.term})
}

func (n *Node) setLeaderLocked(p PeerID) {
    if n.leader == p {
        return
    }
    n.leader = p
    if !p.IsEmpty() {
        obsmetrics.LeaderChanges.WithLabelValues(n.group).Inc()
        logutil.Infof(n.logger, "leader is %s in term %d", p, n.meta.term)
    }
    n.events.publish(Event{Type: EventLeaderChanged, Leader: p, Term: n.meta.term})
}

// confAtLocked is the configuration used for a ballot at index.
func (n *Node) confAtLocked(index uint64) ConfigEntry {
    if n.forced != nil {
        return *n.forced
    }
    return n.confs.Get(index)
}

func (n *Node) currentConfLocked() ConfigEntry {
    if n.forced != nil {
        return *n.forced
    }
    return n.confs.Last()
}

func (n *Node) warnf(f string, args ...any) { logutil.Warnf(n.logger, f, args...) }

// Observers.

func (n *Node) ID() PeerID      { return n.id }
func (n *Node) GroupID() string { return n.group }

func (n *Node) State() State {
    n.mu.Lock()
    defer n.mu.Unlock()
    return n.state
}

func (n *Node) Term() uint64 {
    n.mu.Lock()
    defer n.mu.Unlock()
    return n.meta.term
}

// Leader returns the known leader of the current term.
func (n *Node) Leader() (PeerID, bool) {
    n.mu.Lock()
    defer n.mu.Unlock()
    return n.leader, !n.leader.IsEmpty()
}

func (n *Node) IsLeader() bool { return n.State() == Leader }

func (n *Node) Configuration() ConfigEntry {
    n.mu.Lock()
    defer n.mu.Unlock()
    return n.currentConfLocked()
}

func (n *Node) CommitIndex() uint64  { return n.commitIndex.Load() }
func (n *Node) AppliedIndex() uint64 { return n.caller.applied.Load() }
func (n *Node) LastIndex() uint64    { return n.logs.LastIndex() }

// Entries reads committed or uncommitted entries from the local log.
func (n *Node) Entries(lo, hi uint64) ([]*Entry, error) { return n.logs.Entries(lo, hi) }

func (n *Node) Status() Status {
    n.mu.Lock()
    defer n.mu.Unlock()
    snap, _ := n.snaps.latest()
    st := Status{
        Group:          n.group,
        ID:             n.id,
        State:          n.state.String(),
        Term:           n.meta.term,
        Leader:         n.leader,
        Conf:           n.currentConfLocked(),
        FirstIndex:     n.logs.FirstIndex(),
        LastIndex:      n.logs.LastIndex(),
        CommitIndex:    n.commitIndex.Load(),
        AppliedIndex:   n.caller.applied.Load(),
        Snapshot:       snap,
        ReadOnly:       n.readOnlyLocked(),
        LeaseValid:     n.leaderLeaseValidLocked(),
        PendingBallots: n.box.pending(),
    }
    for _, r := range n.replicators {
        st.Peers = append(st.Peers, r.status())
    }
    sort.Slice(st.Peers, func(i, j int) bool { return st.Peers[i].ID.Less(st.Peers[j].ID) })
    return st
}

var _ Handler = (*Node)(nil)
