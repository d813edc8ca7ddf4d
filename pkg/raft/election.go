package raft

import (
    "context"
    "fmt"
    "time"

    "github.com/amirimatin/go-consensus/pkg/internal/logutil"
    "github.com/amirimatin/go-consensus/pkg/internal/retry"
    obsmetrics "github.com/amirimatin/go-consensus/pkg/observability/metrics"
    "github.com/amirimatin/go-consensus/pkg/observability/tracing"
)

// leaderTransfer is an in-flight TransferLeadership request.
type leaderTransfer struct {
    target PeerID
    term   uint64
    sent   bool
    timer  *time.Timer
    done   chan error
}

// resetElectionTimerLocked arms the follower/candidate timer with a fresh
// randomized timeout, stretched by backoff after failed candidacies.
func (n *Node) resetElectionTimerLocked() {
    if !n.started || n.state.terminal() {
        return
    }
    d := retry.Jitter(n.electionBase, n.opts.ElectionJitter)
    if n.failedElections > 0 {
        d += retry.Delay(n.opts.ElectionBackoff, n.failedElections)
    }
    n.armTimerLocked(d)
}

func (n *Node) armTimerLocked(d time.Duration) {
    n.stopTimerLocked()
    gen := n.timerGen
    n.timer = time.AfterFunc(d, func() { n.onTimer(gen) })
}

func (n *Node) stopTimerLocked() {
    if n.timer != nil {
        n.timer.Stop()
        n.timer = nil
    }
    n.timerGen++
}

// onTimer is the election timeout for followers and candidates and the
// quorum check for leaders.
func (n *Node) onTimer(gen uint64) {
    n.mu.Lock()
    defer n.mu.Unlock()
    if gen != n.timerGen || n.state.terminal() {
        return
    }
    if n.state.isLeading() {
        n.checkQuorumLocked()
        if n.state.isLeading() {
            n.armTimerLocked(n.electionBase)
        }
        return
    }
    n.setLeaderLocked(PeerID{})
    if !n.currentConfLocked().Contains(n.id) {
        n.resetElectionTimerLocked()
        return
    }
    n.failedElections++
    n.resetElectionTimerLocked()
    if n.opts.DisablePreVote {
        n.startElectionLocked(false)
    } else {
        n.startPreVoteLocked()
    }
}

// checkQuorumLocked steps a leader down when it has not heard from a quorum
// within one election timeout.
func (n *Node) checkQuorumLocked() {
    if !n.quorumContactLocked(time.Now()) {
        n.warnf("no contact with a quorum for %s, stepping down", n.electionBase)
        n.stepDownLocked(n.meta.term, PeerID{})
    }
}

// startPreVoteLocked asks peers whether they would vote for us in the next
// term. Nothing changes locally unless a quorum says yes.
func (n *Node) startPreVoteLocked() {
    conf := n.currentConfLocked()
    last, err := n.logs.LastLogID()
    if err != nil {
        n.failLocked(err)
        return
    }
    n.voteRound++
    round := n.voteRound
    ballot := NewBallot(conf)
    ballot.Grant(n.id)
    if ballot.Granted() {
        n.startElectionLocked(false)
        return
    }
    obsmetrics.Elections.WithLabelValues(n.group, "prevote").Inc()
    logutil.Debugf(n.logger, "pre-vote for term %d", n.meta.term+1)
    req := &RequestVoteRequest{
        GroupID:      n.group,
        Term:         n.meta.term + 1,
        Candidate:    n.id,
        LastLogIndex: last.Index,
        LastLogTerm:  last.Term,
        PreVote:      true,
    }
    for _, p := range conf.Peers() {
        if p == n.id { continue }
        go n.solicitVote(p, req, round, ballot)
    }
}

// startElectionLocked becomes a candidate in the next term. transfer marks an
// election triggered by TimeoutNow, which voters accept despite a live lease.
func (n *Node) startElectionLocked(transfer bool) {
    conf := n.currentConfLocked()
    if !conf.Contains(n.id) {
        return
    }
    term := n.meta.term + 1
    if err := n.meta.set(term, n.id); err != nil {
        n.failLocked(err)
        return
    }
    last, err := n.logs.LastLogID()
    if err != nil {
        n.failLocked(err)
        return
    }
    n.voteRound++
    round := n.voteRound
    n.setLeaderLocked(PeerID{})
    n.setStateLocked(Candidate)
    obsmetrics.Term.WithLabelValues(n.group).Set(float64(term))
    kind := "election"
    if transfer { kind = "transfer" }
    obsmetrics.Elections.WithLabelValues(n.group, kind).Inc()
    logutil.Infof(n.logger, "starting election for term %d (last log %d/%d)", term, last.Index, last.Term)

    ballot := NewBallot(conf)
    ballot.Grant(n.id)
    if ballot.Granted() {
        n.becomeLeaderLocked()
        return
    }
    req := &RequestVoteRequest{
        GroupID:      n.group,
        Term:         term,
        Candidate:    n.id,
        LastLogIndex: last.Index,
        LastLogTerm:  last.Term,
        Transfer:     transfer,
    }
    for _, p := range conf.Peers() {
        if p == n.id { continue }
        go n.solicitVote(p, req, round, ballot)
    }
}

func (n *Node) solicitVote(peer PeerID, req *RequestVoteRequest, round uint64, ballot *Ballot) {
    ctx, cancel := context.WithTimeout(context.Background(), n.opts.RPCTimeout)
    defer cancel()
    resp, err := n.trans.RequestVote(ctx, peer, req)
    if err != nil {
        logutil.Debugf(n.logger, "request vote to %s: %v", peer, err)
        return
    }
    n.mu.Lock()
    defer n.mu.Unlock()
    if round != n.voteRound || n.state.terminal() {
        return
    }
    if resp.Term > n.meta.term && !(req.PreVote && resp.Granted) {
        n.stepDownLocked(resp.Term, PeerID{})
        return
    }
    if !resp.Granted {
        return
    }
    ballot.Grant(peer)
    if !ballot.Granted() {
        return
    }
    if req.PreVote {
        if n.state.isLeading() || n.meta.term+1 != req.Term {
            return
        }
        n.startElectionLocked(false)
        return
    }
    if n.state == Candidate && n.meta.term == req.Term {
        n.becomeLeaderLocked()
    }
}

func (n *Node) becomeLeaderLocked() {
    n.setStateLocked(Leader)
    n.setLeaderLocked(n.id)
    n.failedElections = 0
    n.voteRound++
    logutil.Infof(n.logger, "became leader for term %d", n.meta.term)

    n.box.resetPendingIndex(n.logs.LastIndex() + 1)
    n.syncReplicatorsLocked()
    entries := []*Entry{{Kind: KindNoOp}}
    if n.forced != nil {
        entries = append(entries, &Entry{Kind: KindConfiguration, Data: encodeConfEntry(ConfigEntry{Conf: n.forced.Conf})})
    }
    if _, err := n.appendLocked(entries, nil); err != nil {
        return
    }
    // A joint configuration committed under the previous leader would
    // otherwise never be completed. onConfApplied skips it once C_new is logged.
    if last := n.confs.Last(); last.IsJoint() && last.Index <= n.commitIndex.Load() {
        n.appendConfLocked(ConfigEntry{Conf: last.Conf})
    }
    n.armTimerLocked(n.electionBase)
}

// stepDownLocked moves to Follower in term (adopting it when higher) with
// leader as the known leader.
func (n *Node) stepDownLocked(term uint64, leader PeerID) {
    if n.state.terminal() {
        return
    }
    if term > n.meta.term {
        if err := n.meta.set(term, PeerID{}); err != nil {
            n.failLocked(err)
            return
        }
        obsmetrics.Term.WithLabelValues(n.group).Set(float64(term))
    }
    if n.state.isLeading() {
        logutil.Infof(n.logger, "stepping down in term %d", n.meta.term)
        n.stopLeadingLocked(ErrLeaderStepDown)
    }
    n.voteRound++
    n.setStateLocked(Follower)
    n.setLeaderLocked(leader)
    n.resetElectionTimerLocked()
}

// followLocked accepts leader as the leader of term after a valid
// AppendEntries or InstallSnapshot.
func (n *Node) followLocked(term uint64, leader PeerID) {
    if term > n.meta.term || n.state != Follower {
        n.stepDownLocked(term, leader)
    } else {
        n.setLeaderLocked(leader)
        n.resetElectionTimerLocked()
    }
    n.lastLeaderContact = time.Now()
    n.failedElections = 0
}

func (n *Node) onHigherTerm(term uint64) {
    n.mu.Lock()
    defer n.mu.Unlock()
    if term > n.meta.term {
        n.stepDownLocked(term, PeerID{})
    }
}

// leaseValidLocked reports whether a live leader is known, in which case
// votes for other candidates are refused.
func (n *Node) leaseValidLocked(candidate PeerID) bool {
    if n.state.isLeading() {
        return true
    }
    if n.leader.IsEmpty() || n.leader == candidate {
        return false
    }
    return time.Since(n.lastLeaderContact) < n.electionBase
}

func (n *Node) HandleRequestVote(ctx context.Context, req *RequestVoteRequest) (*RequestVoteResponse, error) {
    _, end := tracing.StartSpan(ctx, "raft.request_vote", "group", n.group)
    defer end()
    n.mu.Lock()
    defer n.mu.Unlock()
    if err := n.terminalErrLocked(); err != nil {
        return nil, err
    }
    resp := &RequestVoteResponse{Term: n.meta.term}
    if req.Term < n.meta.term {
        return resp, nil
    }
    if !req.Transfer && n.leaseValidLocked(req.Candidate) {
        return resp, nil
    }
    last, err := n.logs.LastLogID()
    if err != nil {
        n.failLocked(err)
        return nil, ErrNodeFailed
    }
    upToDate := req.LastLogTerm > last.Term || (req.LastLogTerm == last.Term && req.LastLogIndex >= last.Index)
    if req.PreVote {
        resp.Granted = upToDate
        return resp, nil
    }
    if req.Term > n.meta.term {
        n.stepDownLocked(req.Term, PeerID{})
        if n.state.terminal() {
            return nil, ErrNodeFailed
        }
        resp.Term = n.meta.term
    }
    if !upToDate {
        return resp, nil
    }
    if !n.meta.votedFor.IsEmpty() && n.meta.votedFor != req.Candidate {
        return resp, nil
    }
    if err := n.meta.set(n.meta.term, req.Candidate); err != nil {
        n.failLocked(err)
        return nil, ErrNodeFailed
    }
    resp.Granted = true
    n.resetElectionTimerLocked()
    logutil.Debugf(n.logger, "voted for %s in term %d", req.Candidate, n.meta.term)
    return resp, nil
}

// HandleTimeoutNow starts an election at once on request of the leader that
// is handing leadership over.
func (n *Node) HandleTimeoutNow(ctx context.Context, req *TimeoutNowRequest) (*TimeoutNowResponse, error) {
    _, end := tracing.StartSpan(ctx, "raft.timeout_now", "group", n.group)
    defer end()
    n.mu.Lock()
    defer n.mu.Unlock()
    if err := n.terminalErrLocked(); err != nil {
        return nil, err
    }
    resp := &TimeoutNowResponse{Term: n.meta.term}
    if req.Term < n.meta.term {
        return resp, nil
    }
    if req.Term > n.meta.term {
        n.stepDownLocked(req.Term, req.Leader)
    }
    if n.state != Follower || !n.currentConfLocked().Contains(n.id) {
        return resp, nil
    }
    n.resetElectionTimerLocked()
    n.startElectionLocked(true)
    resp.Term = n.meta.term
    resp.Success = true
    return resp, nil
}

// TransferLeadership hands leadership to target. New writes are refused while
// the transfer runs; once target holds the whole log it is told to start an
// election and this node steps down. The call returns when the node stepped
// down, or with ErrTimeout when target did not catch up within one election
// timeout (the node then resumes leading).
func (n *Node) TransferLeadership(ctx context.Context, target PeerID) error {
    ctx, end := tracing.StartSpan(ctx, "raft.transfer_leadership", "target", target.String())
    defer end()
    n.mu.Lock()
    if err := n.writableLocked(); err != nil {
        n.mu.Unlock()
        return err
    }
    if target == n.id {
        n.mu.Unlock()
        return nil
    }
    r, ok := n.replicators[target]
    if !ok || !n.currentConfLocked().Contains(target) {
        n.mu.Unlock()
        return ErrUnknownPeer
    }
    if n.confChange != nil {
        n.mu.Unlock()
        return ErrConfChangeInProgress
    }
    t := &leaderTransfer{target: target, term: n.meta.term, done: make(chan error, 1)}
    n.transfer = t
    n.setStateLocked(Transferring)
    logutil.Infof(n.logger, "transferring leadership to %s", target)
    t.timer = time.AfterFunc(n.electionBase, func() { n.onTransferTimeout(t) })
    if r.matchIndex() >= n.logs.LastIndex() {
        n.sendTimeoutNowLocked(t)
    } else {
        r.wake()
    }
    n.mu.Unlock()

    select {
    case err := <-t.done:
        return err
    case <-ctx.Done():
        return ctxErr(ctx)
    }
}

func (n *Node) sendTimeoutNowLocked(t *leaderTransfer) {
    if t.sent {
        return
    }
    t.sent = true
    req := &TimeoutNowRequest{GroupID: n.group, Term: t.term, Leader: n.id}
    go func() {
        ctx, cancel := context.WithTimeout(context.Background(), n.opts.RPCTimeout)
        defer cancel()
        resp, err := n.trans.TimeoutNow(ctx, t.target, req)
        n.mu.Lock()
        defer n.mu.Unlock()
        if n.transfer != t {
            return
        }
        if err != nil || !resp.Success {
            if err == nil && resp.Term > n.meta.term {
                n.stepDownLocked(resp.Term, PeerID{})
                return
            }
            n.warnf("timeout-now to %s failed: %v", t.target, err)
            t.sent = false
            return
        }
        n.stepDownLocked(n.meta.term, PeerID{})
    }()
}

func (n *Node) onTransferTimeout(t *leaderTransfer) {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.transfer != t {
        return
    }
    n.warnf("leadership transfer to %s timed out", t.target)
    n.finishTransferLocked(ErrTimeout)
    if n.state == Transferring {
        n.setStateLocked(Leader)
    }
}

func (n *Node) finishTransferLocked(err error) {
    t := n.transfer
    if t == nil {
        return
    }
    n.transfer = nil
    if t.timer != nil { t.timer.Stop() }
    select {
    case t.done <- err:
    default:
    }
}

// Vote shortens a follower's election timeout to d, at most the configured
// ElectionTimeout, and restarts its timer, so that it is the likely winner of
// the next election.
func (n *Node) Vote(d time.Duration) error {
    if d <= 0 || d > n.opts.ElectionTimeout {
        return fmt.Errorf("raft: vote timeout %s outside (0, %s]", d, n.opts.ElectionTimeout)
    }
    n.mu.Lock()
    defer n.mu.Unlock()
    if err := n.terminalErrLocked(); err != nil {
        return err
    }
    if n.state != Follower {
        return ErrNotFollower
    }
    n.electionBase = d
    n.resetElectionTimerLocked()
    logutil.Infof(n.logger, "election timeout lowered to %s", d)
    return nil
}

// ResetElectionTimeout changes the base election timeout at runtime.
func (n *Node) ResetElectionTimeout(d time.Duration) {
    if d <= 0 {
        return
    }
    n.mu.Lock()
    defer n.mu.Unlock()
    n.electionBase = d
    if !n.state.isLeading() {
        n.resetElectionTimerLocked()
    }
}
