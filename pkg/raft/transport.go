package raft

import "context"

// Transport delivers consensus RPCs to other peers. Implementations must be
// safe for concurrent use; a returned error means the response is unknown.
type Transport interface {
    RequestVote(ctx context.Context, target PeerID, req *RequestVoteRequest) (*RequestVoteResponse, error)
    AppendEntries(ctx context.Context, target PeerID, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
    InstallSnapshot(ctx context.Context, target PeerID, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
    TimeoutNow(ctx context.Context, target PeerID, req *TimeoutNowRequest) (*TimeoutNowResponse, error)
}

// Handler is the receiving side of Transport; *Node implements it.
type Handler interface {
    HandleRequestVote(ctx context.Context, req *RequestVoteRequest) (*RequestVoteResponse, error)
    HandleAppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
    HandleInstallSnapshot(ctx context.Context, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
    HandleTimeoutNow(ctx context.Context, req *TimeoutNowRequest) (*TimeoutNowResponse, error)
}
