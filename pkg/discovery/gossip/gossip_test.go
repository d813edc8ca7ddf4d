package gossip

import (
    "bytes"
    "context"
    "io"
    "log"
    "strings"
    "testing"
    "time"

    "github.com/hashicorp/memberlist"
)

func startMember(t *testing.T, ctx context.Context, name, raftAddr string, groups ...string) *Gossip {
    t.Helper()
    g, err := New(Options{
        Name:          name,
        Bind:          "127.0.0.1:0",
        RaftAddr:      raftAddr,
        Groups:        groups,
        Logger:        log.New(io.Discard, "", 0),
        PingInterval:  100 * time.Millisecond,
        SuspicionMult: 2,
    })
    if err != nil { t.Fatalf("new %s: %v", name, err) }
    if err := g.Start(ctx); err != nil { t.Fatalf("start %s: %v", name, err) }
    t.Cleanup(func() { _ = g.Stop() })
    return g
}

func awaitSeeds(t *testing.T, what string, seeds func() []string, want int) []string {
    t.Helper()
    deadline := time.Now().Add(5 * time.Second)
    for {
        got := seeds()
        if len(got) == want {
            return got
        }
        if time.Now().After(deadline) {
            t.Fatalf("%s: got %v, want %d seeds", what, got, want)
        }
        time.Sleep(50 * time.Millisecond)
    }
}

func TestMetaRoundTrip(t *testing.T) {
    b, err := encodeMeta(meta{Raft: "10.0.0.1:8300", Groups: []string{"a", "b"}})
    if err != nil { t.Fatalf("encode: %v", err) }
    m, err := decodeMeta(b)
    if err != nil || m.Raft != "10.0.0.1:8300" || len(m.Groups) != 2 { t.Fatalf("unexpected %+v %v", m, err) }
    if m, err := decodeMeta([]byte{0xc1}); err == nil || m.Raft != "" { t.Fatalf("garbage must fail to decode: %+v", m) }
}

func TestBadMetaIsLogged(t *testing.T) {
    var buf bytes.Buffer
    g, err := New(Options{Name: "x", Bind: "127.0.0.1:0", Logger: log.New(&buf, "", 0)})
    if err != nil { t.Fatalf("new: %v", err) }
    m := g.toMember(&memberlist.Node{Name: "intruder", Meta: []byte{0xc1}})
    if m.Name != "intruder" || m.RaftAddr != "" || len(m.Groups) != 0 { t.Fatalf("unexpected member %+v", m) }
    if !strings.Contains(buf.String(), "bad metadata from intruder") { t.Fatalf("decode failure not logged: %q", buf.String()) }
}

func TestNewValidates(t *testing.T) {
    if _, err := New(Options{Bind: "127.0.0.1:0"}); err == nil { t.Fatalf("empty name must be refused") }
    if _, err := New(Options{Name: "x"}); err == nil { t.Fatalf("empty bind must be refused") }
    g, _ := New(Options{Name: "x", Bind: "127.0.0.1:0"})
    if _, err := g.Join([]string{"127.0.0.1:1"}); err != ErrNotStarted { t.Fatalf("expected ErrNotStarted, got %v", err) }
    if g.HealthScore() != -1 { t.Fatalf("stopped member must report -1") }
}

func TestSeedsFollowMembership(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()
    n1 := startMember(t, ctx, "n1", "127.0.0.1:8301", "orders", "users")
    n2 := startMember(t, ctx, "n2", "127.0.0.1:8302", "orders")
    n3 := startMember(t, ctx, "n3", "127.0.0.1:8303", "users")
    for _, g := range []*Gossip{n2, n3} {
        if _, err := g.Join([]string{n1.Local().Addr}); err != nil { t.Fatalf("join: %v", err) }
    }

    awaitSeeds(t, "all members", n1.Seeds, 3)
    orders := awaitSeeds(t, "orders members", n3.Group("orders").Seeds, 2)
    if orders[0] != "127.0.0.1:8301" || orders[1] != "127.0.0.1:8302" { t.Fatalf("unexpected orders seeds %v", orders) }

    if err := n2.Leave(time.Second); err != nil { t.Fatalf("leave: %v", err) }
    _ = n2.Stop()
    awaitSeeds(t, "orders after leave", n1.Group("orders").Seeds, 1)

    sawLeave := false
    for !sawLeave {
        select {
        case ev := <-n1.Events():
            sawLeave = ev.Type == EventLeave && ev.Member.Name == "n2"
        case <-time.After(2 * time.Second):
            t.Fatalf("no leave event for n2")
        }
    }
}
