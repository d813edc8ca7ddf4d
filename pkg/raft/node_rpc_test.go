package raft

import (
    "context"
    "io"
    "log"
    "testing"
)

// newFollower builds an unstarted node over a log holding entries with the
// given terms (index i+1 has terms[i]).
func newFollower(t *testing.T, terms ...uint64) *Node {
    t.Helper()
    st := NewInmemStorage()
    logs, err := OpenLogStore(st.Logs)
    if err != nil { t.Fatalf("open log: %v", err) }
    for i, term := range terms {
        e := &Entry{Index: uint64(i + 1), Term: term, Kind: KindData, Data: []byte{byte(i + 1)}}
        if _, err := logs.Append([]*Entry{e}); err != nil { t.Fatalf("append: %v", err) }
    }
    meta, _ := openMetaStore(st.Stable)
    if len(terms) > 0 {
        if err := meta.set(terms[len(terms)-1], PeerID{}); err != nil { t.Fatalf("meta: %v", err) }
    }
    o := DefaultOptions()
    o.GroupID = "test"
    o.LocalID = MustParsePeerID("127.0.0.1:9001")
    o.Logger = log.New(io.Discard, "", 0)
    n, err := NewNode(o, &testFSM{}, st, NewInmemNetwork().Transport(o.LocalID))
    if err != nil { t.Fatalf("new node: %v", err) }
    return n
}

func sealed(index, term uint64) *Entry {
    e := &Entry{Index: index, Term: term, Kind: KindData, Data: []byte{byte(index), byte(term)}}
    e.Seal()
    return e
}

func TestAppendEntries_ExtendsMatchingLog(t *testing.T) {
    n := newFollower(t, 1, 1, 2, 2, 2)
    leader := MustParsePeerID("127.0.0.1:9000")
    resp, err := n.HandleAppendEntries(context.Background(), &AppendEntriesRequest{
        GroupID: "test", Term: 2, Leader: leader,
        PrevLogIndex: 5, PrevLogTerm: 2,
        Entries:      []*Entry{sealed(6, 2), sealed(7, 2)},
        LeaderCommit: 6,
    })
    if err != nil { t.Fatalf("append entries: %v", err) }
    if !resp.Success || resp.LastLogIndex != 7 { t.Fatalf("unexpected response %+v", resp) }
    if n.LastIndex() != 7 { t.Fatalf("expected 7 entries, got %d", n.LastIndex()) }
    if n.CommitIndex() != 6 { t.Fatalf("commit expected 6, got %d", n.CommitIndex()) }
    if p, ok := n.Leader(); !ok || p != leader { t.Fatalf("leader not learned: %s", p) }

    // a duplicate delivery is harmless
    resp, _ = n.HandleAppendEntries(context.Background(), &AppendEntriesRequest{
        GroupID: "test", Term: 2, Leader: leader, PrevLogIndex: 5, PrevLogTerm: 2,
        Entries: []*Entry{sealed(6, 2)},
    })
    if !resp.Success || n.LastIndex() != 7 { t.Fatalf("duplicate append truncated the log: %+v last=%d", resp, n.LastIndex()) }
}

func TestAppendEntries_OverwritesStaleSuffix(t *testing.T) {
    n := newFollower(t, 1, 1, 1, 1, 1, 1)
    leader := MustParsePeerID("127.0.0.1:9000")
    // the leader holds entry 6 from term 2 and sends its next batch after it
    resp, err := n.HandleAppendEntries(context.Background(), &AppendEntriesRequest{
        GroupID: "test", Term: 2, Leader: leader, PrevLogIndex: 6, PrevLogTerm: 2,
        Entries: []*Entry{sealed(7, 2)},
    })
    if err != nil { t.Fatalf("append entries: %v", err) }
    if resp.Success || resp.ConflictTerm != 1 { t.Fatalf("expected conflict in term 1, got %+v", resp) }

    // the leader skips the follower's term 1 down to its own last entry of it
    leaderLog := newFollower(t, 1, 1, 1, 1, 1, 2)
    next := resp.ConflictIndex
    if i := leaderLog.lastIndexOfTerm(resp.ConflictTerm, 5); i > 0 { next = i + 1 }
    if next != 6 { t.Fatalf("leader should retry from 6 (prev 5), got %d", next) }

    resp, err = n.HandleAppendEntries(context.Background(), &AppendEntriesRequest{
        GroupID: "test", Term: 2, Leader: leader, PrevLogIndex: 5, PrevLogTerm: 1,
        Entries: []*Entry{sealed(6, 2), sealed(7, 2)},
    })
    if err != nil || !resp.Success { t.Fatalf("retry failed: %+v %v", resp, err) }
    if term, _ := n.logs.TermAt(6); term != 2 { t.Fatalf("entry 6 not overwritten, term %d", term) }
    if n.LastIndex() != 7 { t.Fatalf("expected last 7, got %d", n.LastIndex()) }
}

func TestAppendEntries_RejectsStaleTermAndGaps(t *testing.T) {
    n := newFollower(t, 3, 3)
    leader := MustParsePeerID("127.0.0.1:9000")
    resp, _ := n.HandleAppendEntries(context.Background(), &AppendEntriesRequest{GroupID: "test", Term: 2, Leader: leader})
    if resp.Success || resp.Term != 3 { t.Fatalf("stale term must be refused with the current term: %+v", resp) }
    if _, ok := n.Leader(); ok { t.Fatalf("stale leader must not be learned") }

    resp, _ = n.HandleAppendEntries(context.Background(), &AppendEntriesRequest{
        GroupID: "test", Term: 3, Leader: leader, PrevLogIndex: 9, PrevLogTerm: 3,
    })
    if resp.Success || resp.ConflictIndex != 3 { t.Fatalf("expected conflict index 3, got %+v", resp) }

    bad := sealed(3, 3)
    bad.Data = []byte("tampered")
    resp, _ = n.HandleAppendEntries(context.Background(), &AppendEntriesRequest{
        GroupID: "test", Term: 3, Leader: leader, PrevLogIndex: 2, PrevLogTerm: 3, Entries: []*Entry{bad},
    })
    if resp.Success || n.LastIndex() != 2 { t.Fatalf("entry with a bad checksum must be refused") }
}

func TestAppendEntries_ValidatesWholeBatch(t *testing.T) {
    n := newFollower(t, 3, 3)
    leader := MustParsePeerID("127.0.0.1:9000")
    ctx := context.Background()

    // only the second entry is damaged
    bad := sealed(4, 3)
    bad.Data = []byte("tampered")
    resp, err := n.HandleAppendEntries(ctx, &AppendEntriesRequest{
        GroupID: "test", Term: 3, Leader: leader, PrevLogIndex: 2, PrevLogTerm: 3,
        Entries: []*Entry{sealed(3, 3), bad}, LeaderCommit: 4,
    })
    if err != nil { t.Fatalf("append entries: %v", err) }
    if resp.Success { t.Fatalf("batch with a damaged entry must be refused: %+v", resp) }
    if n.LastIndex() != 2 || n.CommitIndex() != 0 { t.Fatalf("log touched by refused batch: last=%d commit=%d", n.LastIndex(), n.CommitIndex()) }

    // entry 4 is missing
    resp, err = n.HandleAppendEntries(ctx, &AppendEntriesRequest{
        GroupID: "test", Term: 3, Leader: leader, PrevLogIndex: 2, PrevLogTerm: 3,
        Entries: []*Entry{sealed(3, 3), sealed(5, 3)},
    })
    if err != nil { t.Fatalf("gap batch must be answered, got %v", err) }
    if resp.Success || n.LastIndex() != 2 { t.Fatalf("gap batch must be refused: %+v", resp) }
    if st := n.State(); st != Follower { t.Fatalf("malformed batch changed state to %s", st) }

    // terms beyond the request term are refused
    resp, _ = n.HandleAppendEntries(ctx, &AppendEntriesRequest{
        GroupID: "test", Term: 3, Leader: leader, PrevLogIndex: 2, PrevLogTerm: 3,
        Entries: []*Entry{sealed(3, 4)},
    })
    if resp.Success { t.Fatalf("entry from a future term must be refused") }

    // the node still accepts a well-formed batch afterwards
    resp, err = n.HandleAppendEntries(ctx, &AppendEntriesRequest{
        GroupID: "test", Term: 3, Leader: leader, PrevLogIndex: 2, PrevLogTerm: 3,
        Entries: []*Entry{sealed(3, 3), sealed(4, 3)}, LeaderCommit: 4,
    })
    if err != nil || !resp.Success || n.LastIndex() != 4 { t.Fatalf("valid batch refused: %+v %v", resp, err) }
}

// A joint configuration that is committed but not yet applied when the node
// wins its election is finished by the new leader.
func TestBecomeLeader_FinishesCommittedJointConfiguration(t *testing.T) {
    self, other := MustParsePeerID("127.0.0.1:9001"), MustParsePeerID("127.0.0.1:9002")
    st := NewInmemStorage()
    logs, err := OpenLogStore(st.Logs)
    if err != nil { t.Fatalf("open log: %v", err) }
    old := NewConfiguration(self)
    joint := ConfigEntry{Conf: NewConfiguration(self, other), Old: old}
    for i, ce := range []ConfigEntry{{Conf: old}, joint} {
        e := &Entry{Index: uint64(i + 1), Term: 1, Kind: KindConfiguration, Data: encodeConfEntry(ce)}
        if _, err := logs.Append([]*Entry{e}); err != nil { t.Fatalf("append: %v", err) }
    }
    meta, _ := openMetaStore(st.Stable)
    if err := meta.set(2, self); err != nil { t.Fatalf("meta: %v", err) }
    o := DefaultOptions()
    o.GroupID = "test"
    o.LocalID = self
    o.Logger = log.New(io.Discard, "", 0)
    n, err := NewNode(o, &testFSM{}, st, NewInmemNetwork().Transport(self))
    if err != nil { t.Fatalf("new node: %v", err) }
    defer n.Shutdown()

    n.mu.Lock()
    n.commitIndex.Store(2)
    n.state = Candidate
    n.becomeLeaderLocked()
    last := n.confs.Last()
    n.mu.Unlock()
    if n.caller.applied.Load() != 0 { t.Fatalf("state machine must not have run") }
    if last.IsJoint() || !last.Conf.Equal(joint.Conf) {
        t.Fatalf("expected the new leader to log %s, last configuration is %s", joint.Conf, last)
    }
    if last.Index != 4 { t.Fatalf("expected C_new after the no-op at 4, got %d", last.Index) }
    // neither entry can commit before the new peer answers
    if st := n.Status(); st.PendingBallots != 2 || st.CommitIndex != 2 { t.Fatalf("unexpected status %+v", st) }
}

func TestRequestVote_Rules(t *testing.T) {
    n := newFollower(t, 1, 2)
    a, b := MustParsePeerID("127.0.0.1:9002"), MustParsePeerID("127.0.0.1:9003")
    ctx := context.Background()

    resp, _ := n.HandleRequestVote(ctx, &RequestVoteRequest{GroupID: "test", Term: 3, Candidate: a, LastLogIndex: 2, LastLogTerm: 1})
    if resp.Granted { t.Fatalf("candidate with an older last term must be refused") }
    if resp.Term != 3 { t.Fatalf("higher term must still be adopted, got %d", resp.Term) }

    resp, _ = n.HandleRequestVote(ctx, &RequestVoteRequest{GroupID: "test", Term: 3, Candidate: a, LastLogIndex: 2, LastLogTerm: 2})
    if !resp.Granted { t.Fatalf("up-to-date candidate must get the vote") }
    resp, _ = n.HandleRequestVote(ctx, &RequestVoteRequest{GroupID: "test", Term: 3, Candidate: b, LastLogIndex: 9, LastLogTerm: 2})
    if resp.Granted { t.Fatalf("only one vote per term") }
    resp, _ = n.HandleRequestVote(ctx, &RequestVoteRequest{GroupID: "test", Term: 3, Candidate: a, LastLogIndex: 2, LastLogTerm: 2})
    if !resp.Granted { t.Fatalf("repeated request from the same candidate must be granted again") }

    resp, _ = n.HandleRequestVote(ctx, &RequestVoteRequest{GroupID: "test", Term: 4, Candidate: b, LastLogIndex: 2, LastLogTerm: 2, PreVote: true})
    if !resp.Granted || n.Term() != 3 { t.Fatalf("pre-vote must be granted without changing the term: %+v term=%d", resp, n.Term()) }
}
