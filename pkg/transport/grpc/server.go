package grpc

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "log"
    "net"
    "strings"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/credentials"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-consensus/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-consensus/pkg/observability/metrics"
    "github.com/amirimatin/go-consensus/pkg/observability/tracing"
    "github.com/amirimatin/go-consensus/pkg/raft"
)

const (
    raftServiceName = "consensus.v1.Raft"
    cliServiceName  = "consensus.v1.Cli"

    maxMsgSize = 64 << 20
)

// envelope addresses a consensus RPC to one replica at the endpoint.
type envelope[T any] struct {
    Target raft.PeerID `json:"target"`
    Body   T           `json:"body"`
}

type cliRequest struct {
    Group  string             `json:"group"`
    Target raft.PeerID        `json:"target"`
    Peer   raft.PeerID        `json:"peer,omitempty"`
    Conf   raft.Configuration `json:"conf,omitempty"`
    Data   []byte             `json:"data,omitempty"`
}

type cliResponse struct {
    Leader   raft.PeerID        `json:"leader,omitempty"`
    Conf     raft.Configuration `json:"conf,omitempty"`
    Index    uint64             `json:"index,omitempty"`
    Term     uint64             `json:"term,omitempty"`
    Result   json.RawMessage    `json:"result,omitempty"`
    Snapshot raft.LogID         `json:"snapshot"`
    Status   *raft.Status       `json:"status,omitempty"`
    Err      *wireError         `json:"error,omitempty"`
}

func (r *cliResponse) failed() bool { return r.Err != nil }

// Server exposes the replicas of a Registry over gRPC: the consensus RPCs
// peers exchange, the client operations behind route.Service, and the
// standard health service with one entry per group.
type Server struct {
    bind   string
    lis    net.Listener
    srv    *grpc.Server
    tlsCfg *tls.Config
    reg    *Registry
    logger *log.Logger
}

func NewServer(bind string, reg *Registry, logger *log.Logger) *Server {
    return &Server{bind: bind, reg: reg, logger: logutil.Component(logger, "grpc")}
}

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

func (s *Server) Start(ctx context.Context) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    s.lis = lis
    obsmetrics.Register()
    opts := []grpc.ServerOption{
        grpc.ForceServerCodec(jsonCodec{}),
        grpc.MaxRecvMsgSize(maxMsgSize),
        grpc.MaxSendMsgSize(maxMsgSize),
        grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
        grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
        grpc.ChainUnaryInterceptor(observe),
    }
    if s.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg))) }
    srv := grpc.NewServer(opts...)
    s.srv = srv
    healthpb.RegisterHealthServer(srv, s.reg.health)
    srv.RegisterService(&raftServiceDesc, s)
    srv.RegisterService(&cliServiceDesc, s)

    go func() {
        <-ctx.Done()
        ch := make(chan struct{})
        go func() { srv.GracefulStop(); close(ch) }()
        select {
        case <-ch:
        case <-time.After(2 * time.Second):
            srv.Stop()
        }
    }()
    go func() {
        if err := srv.Serve(lis); err != nil {
            logutil.Warnf(s.logger, "serve %s: %v", s.bind, err)
        }
    }()
    logutil.Infof(s.logger, "listening on %s", lis.Addr())
    return nil
}

// Addr returns the bound address, resolving ":0" once started.
func (s *Server) Addr() string {
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

func (s *Server) Stop(ctx context.Context) error {
    if s.srv == nil { return nil }
    ch := make(chan struct{})
    go func() { s.srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        s.srv.Stop()
    }
    s.srv = nil
    s.lis = nil
    return nil
}

// observe records per-method metrics and a span around every unary call.
func observe(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
    method := info.FullMethod[strings.LastIndex(info.FullMethod, "/")+1:]
    ctx, end := tracing.StartSpan(ctx, "grpc."+method)
    defer end()
    start := time.Now()
    resp, err := handler(ctx, req)
    obsmetrics.RPCDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
    result := "ok"
    if f, ok := resp.(interface{ failed() bool }); err != nil || (ok && f.failed()) {
        result = "error"
    }
    obsmetrics.RPCServed.WithLabelValues(method, result).Inc()
    return resp, err
}

// unary builds a method descriptor decoding Req and dispatching to call.
func unary[Req any](service, name string, call func(s *Server, ctx context.Context, in *Req) (any, error)) grpc.MethodDesc {
    full := "/" + service + "/" + name
    return grpc.MethodDesc{
        MethodName: name,
        Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
            in := new(Req)
            if err := dec(in); err != nil { return nil, err }
            s := srv.(*Server)
            if interceptor == nil { return call(s, ctx, in) }
            info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
            return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
                return call(s, ctx, req.(*Req))
            })
        },
    }
}

func (s *Server) replica(group string, target raft.PeerID) (*raft.Node, error) {
    n, err := s.reg.Lookup(group, target)
    if err != nil { return nil, status.Error(codes.NotFound, err.Error()) }
    return n, nil
}

// handled maps a local handler failure to a status the client treats as
// transport-level.
func handled(resp any, err error) (any, error) {
    if err != nil { return nil, status.Error(codes.Unavailable, err.Error()) }
    return resp, nil
}

var raftServiceDesc = grpc.ServiceDesc{
    ServiceName: raftServiceName,
    HandlerType: (*any)(nil),
    Methods: []grpc.MethodDesc{
        unary(raftServiceName, "RequestVote", func(s *Server, ctx context.Context, in *envelope[raft.RequestVoteRequest]) (any, error) {
            n, err := s.replica(in.Body.GroupID, in.Target)
            if err != nil { return nil, err }
            return handled(n.HandleRequestVote(ctx, &in.Body))
        }),
        unary(raftServiceName, "AppendEntries", func(s *Server, ctx context.Context, in *envelope[raft.AppendEntriesRequest]) (any, error) {
            n, err := s.replica(in.Body.GroupID, in.Target)
            if err != nil { return nil, err }
            return handled(n.HandleAppendEntries(ctx, &in.Body))
        }),
        unary(raftServiceName, "InstallSnapshot", func(s *Server, ctx context.Context, in *envelope[raft.InstallSnapshotRequest]) (any, error) {
            n, err := s.replica(in.Body.GroupID, in.Target)
            if err != nil { return nil, err }
            return handled(n.HandleInstallSnapshot(ctx, &in.Body))
        }),
        unary(raftServiceName, "TimeoutNow", func(s *Server, ctx context.Context, in *envelope[raft.TimeoutNowRequest]) (any, error) {
            n, err := s.replica(in.Body.GroupID, in.Target)
            if err != nil { return nil, err }
            return handled(n.HandleTimeoutNow(ctx, &in.Body))
        }),
    },
}

// cli wraps a client operation: lookup failures become gRPC statuses,
// consensus errors travel inside the response.
func cli(name string, op func(ctx context.Context, n *raft.Node, in *cliRequest, out *cliResponse) error) grpc.MethodDesc {
    return unary(cliServiceName, name, func(s *Server, ctx context.Context, in *cliRequest) (any, error) {
        n, err := s.replica(in.Group, in.Target)
        if err != nil { return nil, err }
        out := &cliResponse{}
        if err := op(ctx, n, in, out); err != nil {
            out.Err = toWire(err)
        }
        return out, nil
    })
}

var cliServiceDesc = grpc.ServiceDesc{
    ServiceName: cliServiceName,
    HandlerType: (*any)(nil),
    Methods: []grpc.MethodDesc{
        cli("GetLeader", func(ctx context.Context, n *raft.Node, in *cliRequest, out *cliResponse) error {
            out.Leader, _ = n.Leader()
            out.Conf = n.Configuration().Conf
            out.Term = n.Term()
            return nil
        }),
        cli("Apply", func(ctx context.Context, n *raft.Node, in *cliRequest, out *cliResponse) error {
            res, err := n.Apply(ctx, in.Data)
            if err != nil { return err }
            out.Index, out.Term = res.Index, res.Term
            if res.Response != nil {
                b, err := json.Marshal(res.Response)
                if err == nil { out.Result = b }
            }
            return nil
        }),
        cli("ChangePeers", func(ctx context.Context, n *raft.Node, in *cliRequest, out *cliResponse) error {
            return n.ChangePeers(ctx, in.Conf)
        }),
        cli("AddPeer", func(ctx context.Context, n *raft.Node, in *cliRequest, out *cliResponse) error {
            return n.AddPeer(ctx, in.Peer)
        }),
        cli("RemovePeer", func(ctx context.Context, n *raft.Node, in *cliRequest, out *cliResponse) error {
            return n.RemovePeer(ctx, in.Peer)
        }),
        cli("ResetPeers", func(ctx context.Context, n *raft.Node, in *cliRequest, out *cliResponse) error {
            return n.ResetPeers(in.Conf)
        }),
        cli("TransferLeader", func(ctx context.Context, n *raft.Node, in *cliRequest, out *cliResponse) error {
            return n.TransferLeadership(ctx, in.Peer)
        }),
        cli("Snapshot", func(ctx context.Context, n *raft.Node, in *cliRequest, out *cliResponse) error {
            id, err := n.Snapshot(ctx)
            out.Snapshot = id
            return err
        }),
        cli("Status", func(ctx context.Context, n *raft.Node, in *cliRequest, out *cliResponse) error {
            st := n.Status()
            out.Status = &st
            return nil
        }),
    },
}
