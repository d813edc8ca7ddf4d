package raft

import (
    "errors"
    "fmt"
)

var (
    ErrNotLeader            = errors.New("raft: not leader")
    ErrLeaderStepDown       = errors.New("raft: leader stepped down")
    ErrLeaderTransferring   = errors.New("raft: leadership transfer in progress")
    ErrTimeout              = errors.New("raft: timed out waiting for quorum")
    ErrShutdown             = errors.New("raft: node is shut down")
    ErrNodeFailed           = errors.New("raft: node is in error state")
    ErrConfChangeInProgress = errors.New("raft: configuration change already in progress")
    ErrEmptyConfiguration   = errors.New("raft: empty configuration")
    ErrUnknownPeer          = errors.New("raft: peer is not in the configuration")
    ErrCatchupTimeout       = errors.New("raft: new peers did not catch up in time")
    ErrSnapshotInProgress   = errors.New("raft: snapshot already in progress")
    ErrNoSnapshot           = errors.New("raft: no snapshot available")
    ErrReadOnly             = errors.New("raft: node is in read-only mode")
    ErrBadBatch             = errors.New("raft: malformed append batch")
    ErrNotFollower          = errors.New("raft: node is not a follower")
    ErrNoMoreEntries        = errors.New("raft: no applied data entry at or after index")

    // Log store errors. ErrIO and ErrCorrupt are fatal for the local replica.
    ErrNotFound  = errors.New("raft: log entry not found")
    ErrCompacted = errors.New("raft: log entry compacted")
    ErrCorrupt   = errors.New("raft: log entry checksum mismatch")
    ErrIO        = errors.New("raft: log storage i/o failure")
    ErrLogGap    = errors.New("raft: appended entries are not contiguous")
)

// NotLeaderError is returned by write operations on a node that is not the
// leader. Leader carries the best-known leader, zero when unknown.
type NotLeaderError struct {
    Leader PeerID
}

func (e *NotLeaderError) Error() string {
    if e.Leader.IsEmpty() {
        return ErrNotLeader.Error()
    }
    return fmt.Sprintf("%s (leader hint %s)", ErrNotLeader.Error(), e.Leader)
}

// Is makes errors.Is(err, ErrNotLeader) hold for any *NotLeaderError.
func (e *NotLeaderError) Is(target error) bool { return target == ErrNotLeader }

// LeaderHint extracts the leader hint from err when it is a not-leader error.
func LeaderHint(err error) (PeerID, bool) {
    var nl *NotLeaderError
    if errors.As(err, &nl) && !nl.Leader.IsEmpty() {
        return nl.Leader, true
    }
    return PeerID{}, false
}

// isFatal reports whether err means the local storage can no longer be trusted.
func isFatal(err error) bool {
    return errors.Is(err, ErrIO) || errors.Is(err, ErrCorrupt)
}
