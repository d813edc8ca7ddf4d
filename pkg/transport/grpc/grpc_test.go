package grpc

import (
    "context"
    "errors"
    "io"
    "log"
    "sync"
    "testing"
    "time"

    "google.golang.org/grpc/codes"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-consensus/pkg/raft"
    "github.com/amirimatin/go-consensus/pkg/route"
)

type listFSM struct {
    mu   sync.Mutex
    data [][]byte
}

func (f *listFSM) Apply(e *raft.Entry) any {
    f.mu.Lock()
    defer f.mu.Unlock()
    f.data = append(f.data, e.Data)
    return len(f.data)
}

func (f *listFSM) SaveSnapshot(w io.Writer) error { return nil }
func (f *listFSM) LoadSnapshot(r io.Reader) error { return nil }

func (f *listFSM) len() int {
    f.mu.Lock()
    defer f.mu.Unlock()
    return len(f.data)
}

type grpcMember struct {
    node *raft.Node
    fsm  *listFSM
    reg  *Registry
    srv  *Server
}

// startGRPCGroup runs size replicas of group, each behind its own gRPC
// endpoint on a loopback port, with bolt storage in temp dirs.
func startGRPCGroup(t *testing.T, group string, size int) ([]*grpcMember, *Client) {
    t.Helper()
    ctx, cancel := context.WithCancel(context.Background())
    t.Cleanup(cancel)
    quiet := log.New(io.Discard, "", 0)

    members := make([]*grpcMember, size)
    ids := make([]raft.PeerID, size)
    for i := range members {
        reg := NewRegistry()
        srv := NewServer("127.0.0.1:0", reg, quiet)
        if err := srv.Start(ctx); err != nil { t.Fatalf("start server: %v", err) }
        id, err := raft.ParsePeerID(srv.Addr())
        if err != nil { t.Fatalf("peer id from %s: %v", srv.Addr(), err) }
        members[i] = &grpcMember{reg: reg, srv: srv}
        ids[i] = id
    }
    client := NewClient(time.Second)
    t.Cleanup(client.Close)
    conf := raft.NewConfiguration(ids...)
    for i, m := range members {
        st, err := raft.NewBoltStorage(t.TempDir(), 1, io.Discard)
        if err != nil { t.Fatalf("storage: %v", err) }
        o := raft.DefaultOptions()
        o.GroupID = group
        o.LocalID = ids[i]
        o.InitialConfiguration = conf
        o.ElectionTimeout = 200 * time.Millisecond
        o.ElectionJitter = 200 * time.Millisecond
        o.HeartbeatInterval = 40 * time.Millisecond
        o.RPCTimeout = 200 * time.Millisecond
        o.Logger = quiet
        m.fsm = &listFSM{}
        n, err := raft.NewNode(o, m.fsm, st, client)
        if err != nil { t.Fatalf("new node: %v", err) }
        m.node = n
        m.reg.Register(ctx, n)
        if err := n.Start(ctx); err != nil { t.Fatalf("start node: %v", err) }
        t.Cleanup(func() {
            _ = n.Shutdown()
            _ = st.Close()
        })
    }
    return members, client
}

func waitGRPC(t *testing.T, what string, cond func() bool) {
    t.Helper()
    deadline := time.Now().Add(10 * time.Second)
    for time.Now().Before(deadline) {
        if cond() {
            return
        }
        time.Sleep(20 * time.Millisecond)
    }
    t.Fatalf("timed out waiting for %s", what)
}

func grpcLeader(members []*grpcMember) *grpcMember {
    for _, m := range members {
        if m.node.IsLeader() {
            return m
        }
    }
    return nil
}

func TestWireError_KeepsSentinelAndHint(t *testing.T) {
    hint := raft.MustParsePeerID("10.0.0.7:7000:1")
    err := fromWire(toWire(&raft.NotLeaderError{Leader: hint}))
    if got, ok := raft.LeaderHint(err); !ok || got != hint { t.Fatalf("hint lost: %v", err) }
    if !errors.Is(err, raft.ErrNotLeader) { t.Fatalf("expected ErrNotLeader, got %v", err) }

    err = fromWire(toWire(raft.ErrConfChangeInProgress))
    if !errors.Is(err, raft.ErrConfChangeInProgress) { t.Fatalf("sentinel lost: %v", err) }
    if err = fromWire(toWire(raft.ErrReadOnly)); !errors.Is(err, raft.ErrReadOnly) { t.Fatalf("read-only lost: %v", err) }
    err = fromWire(toWire(errors.New("disk on fire")))
    if err == nil || err.Error() != "disk on fire" { t.Fatalf("unexpected %v", err) }
    if fromWire(toWire(nil)) != nil { t.Fatalf("nil must stay nil") }
}

func TestGRPC_ReplicatesAndRedirects(t *testing.T) {
    members, client := startGRPCGroup(t, "g1", 3)
    waitGRPC(t, "leader", func() bool { return grpcLeader(members) != nil })
    leader := grpcLeader(members)

    var follower *grpcMember
    for _, m := range members {
        if m != leader {
            follower = m
            break
        }
    }
    waitGRPC(t, "follower to learn the leader", func() bool {
        l, ok := follower.node.Leader()
        return ok && l == leader.node.ID()
    })

    ctx := context.Background()
    _, err := client.Apply(ctx, follower.node.ID(), "g1", []byte("direct"))
    if hint, ok := raft.LeaderHint(err); !ok || hint != leader.node.ID() {
        t.Fatalf("expected not-leader with hint %s, got %v", leader.node.ID(), err)
    }

    tbl := route.NewTable(client)
    tbl.UpdateLeader("g1", follower.node.ID())
    rc := route.NewClient(tbl, client, route.ClientOptions{})
    for i := 0; i < 5; i++ {
        res, err := rc.Apply(ctx, "g1", []byte{byte(i)})
        if err != nil { t.Fatalf("apply %d: %v", i, err) }
        if n, ok := res.Response.(float64); !ok || n < 1 { t.Fatalf("unexpected state machine response %#v", res.Response) }
    }
    if l, _ := tbl.SelectLeader("g1"); l != leader.node.ID() { t.Fatalf("table not updated to the leader: %s", l) }
    for _, m := range members {
        m := m
        waitGRPC(t, "replication to "+m.node.ID().String(), func() bool { return m.fsm.len() == 5 })
    }

    st, err := client.Status(ctx, leader.node.ID(), "g1")
    if err != nil { t.Fatalf("status: %v", err) }
    if st.State != "leader" || len(st.Peers) != 2 { t.Fatalf("unexpected status %+v", st) }
}

func TestGRPC_TransferAndSnapshot(t *testing.T) {
    members, client := startGRPCGroup(t, "g2", 3)
    waitGRPC(t, "leader", func() bool { return grpcLeader(members) != nil })
    leader := grpcLeader(members)
    ctx := context.Background()

    if _, err := client.Apply(ctx, leader.node.ID(), "g2", []byte("a")); err != nil { t.Fatalf("apply: %v", err) }
    id, err := client.Snapshot(ctx, leader.node.ID(), "g2")
    if err != nil { t.Fatalf("snapshot: %v", err) }
    if id.Index == 0 { t.Fatalf("snapshot should cover the applied entries") }

    var target *grpcMember
    for _, m := range members {
        if m != leader {
            target = m
            break
        }
    }
    if err := client.TransferLeader(ctx, leader.node.ID(), "g2", target.node.ID()); err != nil { t.Fatalf("transfer: %v", err) }
    waitGRPC(t, "new leader", func() bool { return target.node.IsLeader() })

    err = client.TransferLeader(ctx, target.node.ID(), "g2", raft.MustParsePeerID("10.1.1.1:1"))
    if !errors.Is(err, raft.ErrUnknownPeer) { t.Fatalf("expected ErrUnknownPeer across the wire, got %v", err) }
}

func TestGRPC_UnknownGroupAndHealth(t *testing.T) {
    members, client := startGRPCGroup(t, "g3", 1)
    m := members[0]
    _, err := client.GetLeader(context.Background(), m.node.ID(), "missing")
    if status.Code(err) != codes.NotFound { t.Fatalf("expected NotFound, got %v", err) }

    check := func() healthpb.HealthCheckResponse_ServingStatus {
        resp, err := m.reg.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthService("g3")})
        if err != nil { t.Fatalf("health: %v", err) }
        return resp.Status
    }
    if s := check(); s != healthpb.HealthCheckResponse_SERVING { t.Fatalf("expected SERVING, got %s", s) }
    _ = m.node.Shutdown()
    waitGRPC(t, "not serving", func() bool { return check() == healthpb.HealthCheckResponse_NOT_SERVING })
}
