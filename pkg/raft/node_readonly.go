package raft

import (
    "fmt"
    "time"

    "github.com/amirimatin/go-consensus/pkg/internal/logutil"
)

// EnterReadOnly stops this node from accepting new data entries. A leader in
// read-only mode refuses Apply with ErrReadOnly; so does a leader whose
// configuration has a read-only majority. Replication, elections and
// membership changes are not affected.
func (n *Node) EnterReadOnly() {
    n.mu.Lock()
    defer n.mu.Unlock()
    if !n.readOnly {
        n.readOnly = true
        logutil.Infof(n.logger, "entered read-only mode")
    }
}

func (n *Node) LeaveReadOnly() {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.readOnly {
        n.readOnly = false
        logutil.Infof(n.logger, "left read-only mode")
    }
}

// ReadOnly reports whether Apply is refused: the node itself is read-only,
// or it leads a group in which a majority reported read-only mode.
func (n *Node) ReadOnly() bool {
    n.mu.Lock()
    defer n.mu.Unlock()
    return n.readOnlyLocked()
}

func (n *Node) readOnlyLocked() bool {
    if n.readOnly {
        return true
    }
    if !n.state.isLeading() {
        return false
    }
    b := NewBallot(n.currentConfLocked())
    for p, r := range n.replicators {
        if r.peerReadOnly() {
            b.Grant(p)
        }
    }
    return b.Granted()
}

// LeaseState is the leader's view of its lease.
type LeaseState int

const (
    LeaseNotLeader LeaseState = iota
    LeaseExpired
    LeaseValid
)

func (s LeaseState) String() string {
    switch s {
    case LeaseValid:
        return "valid"
    case LeaseExpired:
        return "expired"
    default:
        return "not_leader"
    }
}

type LeaseStatus struct {
    State LeaseState
    Term  uint64
}

// LeaderLeaseValid reports whether this node leads and heard from a quorum
// within the last election timeout. While it holds, no other node can have
// been elected, so local reads on the leader are linearizable provided clocks
// do not drift by more than the timeout.
func (n *Node) LeaderLeaseValid() bool {
    n.mu.Lock()
    defer n.mu.Unlock()
    return n.leaderLeaseValidLocked()
}

func (n *Node) LeaderLeaseStatus() LeaseStatus {
    n.mu.Lock()
    defer n.mu.Unlock()
    st := LeaseStatus{Term: n.meta.term}
    switch {
    case !n.state.isLeading():
        st.State = LeaseNotLeader
    case n.quorumContactLocked(time.Now()):
        st.State = LeaseValid
    default:
        st.State = LeaseExpired
    }
    return st
}

func (n *Node) leaderLeaseValidLocked() bool {
    return n.state.isLeading() && n.quorumContactLocked(time.Now())
}

// quorumContactLocked reports whether a quorum of the current configuration,
// the leader included, was heard from within one election timeout of now.
func (n *Node) quorumContactLocked(now time.Time) bool {
    b := NewBallot(n.currentConfLocked())
    b.Grant(n.id)
    for p, r := range n.replicators {
        if now.Sub(r.lastContactTime()) < n.electionBase {
            b.Grant(p)
        }
    }
    return b.Granted()
}

// ReadCommitted returns the first data entry at or after index that has been
// applied to the state machine. Configuration and no-op entries are skipped.
// It fails with ErrNoMoreEntries when none is applied yet and with
// ErrCompacted when index was already compacted into a snapshot.
func (n *Node) ReadCommitted(index uint64) (*Entry, error) {
    if index == 0 {
        return nil, fmt.Errorf("raft: invalid index 0")
    }
    n.mu.Lock()
    err := n.terminalErrLocked()
    n.mu.Unlock()
    if err != nil { return nil, err }
    applied := n.caller.applied.Load()
    for i := index; i <= applied; i++ {
        e, err := n.logs.Entry(i)
        if err != nil { return nil, err }
        if e.Kind == KindData {
            return e, nil
        }
    }
    return nil, fmt.Errorf("%w: applied index is %d", ErrNoMoreEntries, applied)
}
