package grpc

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/connectivity"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-consensus/pkg/raft"
    "github.com/amirimatin/go-consensus/pkg/route"
)

// Client reaches remote replicas over gRPC. It is both the raft.Transport
// used between peers and the route.Service used by clients.
type Client struct {
    timeout time.Duration
    tlsCfg  *tls.Config
    cm      *ConnManager
}

var (
    _ raft.Transport = (*Client)(nil)
    _ route.Service  = (*Client)(nil)
)

// NewClient returns a client whose calls default to timeout when the caller's
// context has no deadline.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    c := &Client{timeout: timeout}
    c.cm = NewConnManager(time.Minute, c.dial)
    return c
}

// UseTLS sets TLS config for the client.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) Close() { c.cm.Close() }

func (c *Client) dial(ctx context.Context, addr string) (*grpc.ClientConn, error) {
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(
            grpc.ForceCodec(jsonCodec{}),
            grpc.MaxCallRecvMsgSize(maxMsgSize),
            grpc.MaxCallSendMsgSize(maxMsgSize),
        ),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
    }
    if c.tlsCfg != nil {
        opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
    } else {
        opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
    return grpc.NewClient(addr, opts...)
}

func (c *Client) invoke(ctx context.Context, addr, method string, in, out any) error {
    if _, ok := ctx.Deadline(); !ok {
        var cancel context.CancelFunc
        ctx, cancel = context.WithTimeout(ctx, c.timeout)
        defer cancel()
    }
    cc, rel, err := c.cm.Get(ctx, addr)
    if err != nil { return err }
    defer rel()
    err = cc.Invoke(ctx, method, in, out)
    if status.Code(err) == codes.Unavailable && cc.GetState() == connectivity.TransientFailure {
        c.cm.Forget(addr)
    }
    return err
}

func (c *Client) RequestVote(ctx context.Context, target raft.PeerID, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
    out := new(raft.RequestVoteResponse)
    in := &envelope[raft.RequestVoteRequest]{Target: target, Body: *req}
    if err := c.invoke(ctx, target.Addr(), "/"+raftServiceName+"/RequestVote", in, out); err != nil { return nil, err }
    return out, nil
}

func (c *Client) AppendEntries(ctx context.Context, target raft.PeerID, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
    out := new(raft.AppendEntriesResponse)
    in := &envelope[raft.AppendEntriesRequest]{Target: target, Body: *req}
    if err := c.invoke(ctx, target.Addr(), "/"+raftServiceName+"/AppendEntries", in, out); err != nil { return nil, err }
    return out, nil
}

func (c *Client) InstallSnapshot(ctx context.Context, target raft.PeerID, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
    out := new(raft.InstallSnapshotResponse)
    in := &envelope[raft.InstallSnapshotRequest]{Target: target, Body: *req}
    if err := c.invoke(ctx, target.Addr(), "/"+raftServiceName+"/InstallSnapshot", in, out); err != nil { return nil, err }
    return out, nil
}

func (c *Client) TimeoutNow(ctx context.Context, target raft.PeerID, req *raft.TimeoutNowRequest) (*raft.TimeoutNowResponse, error) {
    out := new(raft.TimeoutNowResponse)
    in := &envelope[raft.TimeoutNowRequest]{Target: target, Body: *req}
    if err := c.invoke(ctx, target.Addr(), "/"+raftServiceName+"/TimeoutNow", in, out); err != nil { return nil, err }
    return out, nil
}

// cli runs one client operation. Consensus errors come back inside the
// response and are turned into raft errors again.
func (c *Client) cli(ctx context.Context, method string, req *cliRequest) (*cliResponse, error) {
    out := new(cliResponse)
    if err := c.invoke(ctx, req.Target.Addr(), "/"+cliServiceName+"/"+method, req, out); err != nil { return nil, err }
    if out.Err != nil { return out, fromWire(out.Err) }
    return out, nil
}

func (c *Client) GetLeader(ctx context.Context, target raft.PeerID, group string) (route.LeaderInfo, error) {
    out, err := c.cli(ctx, "GetLeader", &cliRequest{Group: group, Target: target})
    if err != nil { return route.LeaderInfo{}, err }
    return route.LeaderInfo{Leader: out.Leader, Conf: out.Conf}, nil
}

func (c *Client) Apply(ctx context.Context, target raft.PeerID, group string, data []byte) (raft.ApplyResult, error) {
    out, err := c.cli(ctx, "Apply", &cliRequest{Group: group, Target: target, Data: data})
    if err != nil { return raft.ApplyResult{}, err }
    res := raft.ApplyResult{Index: out.Index, Term: out.Term}
    if len(out.Result) > 0 {
        var v any
        if json.Unmarshal(out.Result, &v) == nil { res.Response = v }
    }
    return res, nil
}

func (c *Client) ChangePeers(ctx context.Context, target raft.PeerID, group string, conf raft.Configuration) error {
    _, err := c.cli(ctx, "ChangePeers", &cliRequest{Group: group, Target: target, Conf: conf})
    return err
}

func (c *Client) AddPeer(ctx context.Context, target raft.PeerID, group string, peer raft.PeerID) error {
    _, err := c.cli(ctx, "AddPeer", &cliRequest{Group: group, Target: target, Peer: peer})
    return err
}

func (c *Client) RemovePeer(ctx context.Context, target raft.PeerID, group string, peer raft.PeerID) error {
    _, err := c.cli(ctx, "RemovePeer", &cliRequest{Group: group, Target: target, Peer: peer})
    return err
}

func (c *Client) ResetPeers(ctx context.Context, target raft.PeerID, group string, conf raft.Configuration) error {
    _, err := c.cli(ctx, "ResetPeers", &cliRequest{Group: group, Target: target, Conf: conf})
    return err
}

func (c *Client) TransferLeader(ctx context.Context, target raft.PeerID, group string, peer raft.PeerID) error {
    _, err := c.cli(ctx, "TransferLeader", &cliRequest{Group: group, Target: target, Peer: peer})
    return err
}

func (c *Client) Snapshot(ctx context.Context, target raft.PeerID, group string) (raft.LogID, error) {
    out, err := c.cli(ctx, "Snapshot", &cliRequest{Group: group, Target: target})
    if err != nil { return raft.LogID{}, err }
    return out.Snapshot, nil
}

// Status fetches the status of one replica.
func (c *Client) Status(ctx context.Context, target raft.PeerID, group string) (raft.Status, error) {
    out, err := c.cli(ctx, "Status", &cliRequest{Group: group, Target: target})
    if err != nil { return raft.Status{}, err }
    if out.Status == nil { return raft.Status{}, nil }
    return *out.Status, nil
}
