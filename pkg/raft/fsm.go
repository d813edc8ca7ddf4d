package raft

import "io"

// StateMachine is the application replicated by a group. The Node calls it
// from a single goroutine, in log order. Apply receives KindData entries
// only; its return value is handed back to the proposer in ApplyResult.
type StateMachine interface {
    Apply(e *Entry) any
    SaveSnapshot(w io.Writer) error
    LoadSnapshot(r io.Reader) error
}

// ApplyResult reports where a proposal was committed and what the state
// machine returned for it.
type ApplyResult struct {
    Index    uint64
    Term     uint64
    Response any
}

// proposal is a client write waiting for its entry to be applied.
type proposal struct {
    data    []byte
    index   uint64
    term    uint64
    started int64 // unix nanos, for latency metrics
    done    chan proposalResult
}

type proposalResult struct {
    res ApplyResult
    err error
}

func (p *proposal) finish(res ApplyResult, err error) {
    select {
    case p.done <- proposalResult{res: res, err: err}:
    default:
    }
}
