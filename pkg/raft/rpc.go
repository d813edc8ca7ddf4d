package raft

// Consensus RPC messages. Every request carries the id of the group it
// belongs to so that one endpoint can host several groups.

type RequestVoteRequest struct {
    GroupID      string `json:"group"`
    Term         uint64 `json:"term"`
    Candidate    PeerID `json:"candidate"`
    LastLogIndex uint64 `json:"last_log_index"`
    LastLogTerm  uint64 `json:"last_log_term"`
    // PreVote asks whether the vote would be granted at Term without anyone
    // changing state.
    PreVote bool `json:"pre_vote,omitempty"`
    // Transfer marks an election started by TimeoutNow; it overrides the
    // voter's leader lease.
    Transfer bool `json:"transfer,omitempty"`
}

type RequestVoteResponse struct {
    Term    uint64 `json:"term"`
    Granted bool   `json:"granted"`
}

type AppendEntriesRequest struct {
    GroupID      string   `json:"group"`
    Term         uint64   `json:"term"`
    Leader       PeerID   `json:"leader"`
    PrevLogIndex uint64   `json:"prev_log_index"`
    PrevLogTerm  uint64   `json:"prev_log_term"`
    Entries      []*Entry `json:"entries,omitempty"`
    LeaderCommit uint64   `json:"leader_commit"`
}

// AppendEntriesResponse reports the follower's last index on success. On a
// log mismatch ConflictIndex is the first index the leader should retry from;
// ConflictTerm, when non-zero, is the follower's term at PrevLogIndex.
type AppendEntriesResponse struct {
    Term          uint64 `json:"term"`
    Success       bool   `json:"success"`
    LastLogIndex  uint64 `json:"last_log_index"`
    ConflictIndex uint64 `json:"conflict_index,omitempty"`
    ConflictTerm  uint64 `json:"conflict_term,omitempty"`
    ReadOnly      bool   `json:"read_only,omitempty"`
}

// InstallSnapshotRequest ships one chunk of a snapshot. Chunks are sent in
// order starting at Offset 0; Done marks the last one.
type InstallSnapshotRequest struct {
    GroupID           string      `json:"group"`
    Term              uint64      `json:"term"`
    Leader            PeerID      `json:"leader"`
    LastIncludedIndex uint64      `json:"last_included_index"`
    LastIncludedTerm  uint64      `json:"last_included_term"`
    Conf              ConfigEntry `json:"conf"`
    Offset            uint64      `json:"offset"`
    Data              []byte      `json:"data,omitempty"`
    Done              bool        `json:"done"`
}

type InstallSnapshotResponse struct {
    Term    uint64 `json:"term"`
    Success bool   `json:"success"`
}

// TimeoutNowRequest tells the target to start an election immediately.
type TimeoutNowRequest struct {
    GroupID string `json:"group"`
    Term    uint64 `json:"term"`
    Leader  PeerID `json:"leader"`
}

type TimeoutNowResponse struct {
    Term    uint64 `json:"term"`
    Success bool   `json:"success"`
}
