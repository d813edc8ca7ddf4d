package bootstrap

import (
    "context"
    "io"
    "log"
    "os"
    "path/filepath"
    "strings"
    "testing"
    "time"

    "github.com/amirimatin/go-consensus/pkg/raft"
    "github.com/amirimatin/go-consensus/pkg/state/kv"
    "github.com/amirimatin/go-consensus/pkg/transport/httpjson"
)

func quietConfig() Config {
    return Config{
        RaftAddr:        "127.0.0.1:0",
        ElectionTimeout: 200 * time.Millisecond,
        Logger:          log.New(io.Discard, "", 0),
    }
}

func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
    t.Helper()
    deadline := time.Now().Add(timeout)
    for !cond() {
        if time.Now().After(deadline) { t.Fatalf("timed out waiting for %s", what) }
        time.Sleep(20 * time.Millisecond)
    }
}

func TestBuildValidates(t *testing.T) {
    if _, err := Build(Config{}); err == nil { t.Fatalf("expected error for missing raft address") }
    cfg := quietConfig()
    cfg.Groups = []string{"a", "a"}
    if _, err := Build(cfg); err == nil { t.Fatalf("expected error for duplicate group") }
    cfg = quietConfig()
    cfg.DiscoveryKind = "consul"
    if _, err := Build(cfg); err == nil { t.Fatalf("expected error for unknown discovery kind") }
}

func TestLocalID(t *testing.T) {
    id, err := localID("", "[::]:7000", 2)
    if err != nil { t.Fatalf("local id: %v", err) }
    if id != raft.MustParsePeerID("127.0.0.1:7000:2") { t.Fatalf("unexpected id %s", id) }
    id, err = localID("node-a.internal:7100", "0.0.0.0:7000", 0)
    if err != nil || id.Host != "node-a.internal" || id.Port != 7100 { t.Fatalf("advertise not used: %s %v", id, err) }
}

// One process bootstraps alone, two more are added through the router and a
// write sent to a follower's HTTP endpoint is forwarded to the leader.
func TestRun_GrowGroupAndForward(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    cfg := quietConfig()
    cfg.Bootstrap = true
    cfg.DataDir = t.TempDir()
    a, err := Run(ctx, cfg)
    if err != nil { t.Fatalf("run a: %v", err) }
    defer a.Close()
    na, _ := a.Node(DefaultGroup)
    waitUntil(t, 5*time.Second, "a to lead", na.IsLeader)

    var followers []*Instance
    for i := 0; i < 2; i++ {
        cfg := quietConfig()
        cfg.SeedsCSV = a.ID().String()
        cfg.HTTPAddr = "127.0.0.1:0"
        in, err := Run(ctx, cfg)
        if err != nil { t.Fatalf("run follower %d: %v", i, err) }
        defer in.Close()
        followers = append(followers, in)
    }
    for _, f := range followers {
        opCtx, opCancel := context.WithTimeout(ctx, 10*time.Second)
        err := followers[0].Router().AddPeer(opCtx, DefaultGroup, f.ID())
        opCancel()
        if err != nil { t.Fatalf("add %s: %v", f.ID(), err) }
    }
    if conf := na.Configuration().Conf; conf.Len() != 3 { t.Fatalf("expected 3 peers, got %s", conf) }

    c := httpjson.NewClient(5 * time.Second)
    res, err := c.Apply(ctx, followers[1].HTTPAddr(), DefaultGroup, kv.Set("k", "v"))
    if err != nil { t.Fatalf("apply via follower: %v", err) }
    if res.Index == 0 { t.Fatalf("unexpected response %+v", res) }

    for _, in := range append(followers, a) {
        store := in.StateMachine(DefaultGroup).(*kv.Store)
        waitUntil(t, 5*time.Second, "replication to "+in.ID().String(), func() bool {
            v, ok := store.Get("k")
            return ok && v == "v"
        })
    }
    if err := a.Close(); err != nil { t.Fatalf("close: %v", err) }
    if err := a.Close(); err != nil { t.Fatalf("second close: %v", err) }
    if _, err := os.Stat(filepath.Join(cfg.DataDir, DefaultGroup, "raft.db")); err != nil { t.Fatalf("bolt log not created: %v", err) }
}

func TestRun_GossipSeedsRouting(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    cfg := quietConfig()
    cfg.Bootstrap = true
    cfg.Groups = []string{"orders"}
    cfg.GossipBind = "127.0.0.1:0"
    cfg.NodeName = "a"
    a, err := Run(ctx, cfg)
    if err != nil { t.Fatalf("run a: %v", err) }
    defer a.Close()
    na, _ := a.Node("orders")
    waitUntil(t, 5*time.Second, "a to lead", na.IsLeader)

    // b knows nothing about the group except what gossip tells it
    cfg = quietConfig()
    cfg.Groups = []string{"orders"}
    cfg.GossipBind = "127.0.0.1:0"
    cfg.GossipJoinCSV = a.Gossip().Local().Addr
    cfg.NodeName = "b"
    b, err := Run(ctx, cfg)
    if err != nil { t.Fatalf("run b: %v", err) }
    defer b.Close()

    waitUntil(t, 5*time.Second, "b to see a through gossip", func() bool {
        return strings.Contains(strings.Join(b.Gossip().Group("orders").Seeds(), ","), a.ID().String())
    })
    opCtx, opCancel := context.WithTimeout(ctx, 5*time.Second)
    defer opCancel()
    res, err := b.Router().Apply(opCtx, "orders", kv.Set("x", "1"))
    if err != nil { t.Fatalf("apply through gossip seeds: %v", err) }
    if res.Index == 0 { t.Fatalf("unexpected result %+v", res) }
    if leader, ok := b.Router().Table().SelectLeader("orders"); !ok || leader != a.ID() {
        t.Fatalf("expected cached leader %s, got %s", a.ID(), leader)
    }
}
