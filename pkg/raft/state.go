package raft

// State is the role of a Node.
type State uint32

const (
    Follower State = iota
    Candidate
    Leader
    Transferring
    Error
    Shutdown
)

func (s State) String() string {
    switch s {
    case Follower:
        return "follower"
    case Candidate:
        return "candidate"
    case Leader:
        return "leader"
    case Transferring:
        return "transferring"
    case Error:
        return "error"
    case Shutdown:
        return "shutdown"
    default:
        return "unknown"
    }
}

// isLeading covers both states in which the node still owns replicators.
func (s State) isLeading() bool { return s == Leader || s == Transferring }

func (s State) terminal() bool { return s == Error || s == Shutdown }

// Status is a point-in-time view of a Node.
type Status struct {
    Group          string       `json:"group"`
    ID             PeerID       `json:"id"`
    State          string       `json:"state"`
    Term           uint64       `json:"term"`
    Leader         PeerID       `json:"leader"`
    Conf           ConfigEntry  `json:"conf"`
    FirstIndex     uint64       `json:"first_index"`
    LastIndex      uint64       `json:"last_index"`
    CommitIndex    uint64       `json:"commit_index"`
    AppliedIndex   uint64       `json:"applied_index"`
    Snapshot       LogID        `json:"snapshot"`
    ReadOnly       bool         `json:"read_only,omitempty"`
    LeaseValid     bool         `json:"lease_valid,omitempty"`
    PendingBallots int          `json:"pending_ballots,omitempty"`
    Peers          []PeerStatus `json:"peers,omitempty"`
}

// PeerStatus is the leader's view of one follower.
type PeerStatus struct {
    ID        PeerID `json:"id"`
    NextIndex uint64 `json:"next_index"`
    Match     uint64 `json:"match_index"`
    Inflight  int    `json:"inflight"`
    Snapshot  bool   `json:"installing_snapshot,omitempty"`
}
