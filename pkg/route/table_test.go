package route

import (
    "context"
    "errors"
    "sync"
    "testing"
    "time"

    "github.com/amirimatin/go-consensus/pkg/discovery/static"
    "github.com/amirimatin/go-consensus/pkg/raft"
)

// fakeResolver answers GetLeader from a fixed table; peers missing from it
// fail like an unreachable host.
type fakeResolver struct {
    mu      sync.Mutex
    answers map[raft.PeerID]LeaderInfo
    asked   []raft.PeerID
}

func (f *fakeResolver) GetLeader(ctx context.Context, target raft.PeerID, group string) (LeaderInfo, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    f.asked = append(f.asked, target)
    info, ok := f.answers[target]
    if !ok {
        return LeaderInfo{}, errors.New("connection refused")
    }
    return info, nil
}

func peer(t *testing.T, s string) raft.PeerID {
    t.Helper()
    p, err := raft.ParsePeerID(s)
    if err != nil { t.Fatalf("parse %q: %v", s, err) }
    return p
}

func TestTable_UpdateAndInvalidate(t *testing.T) {
    tbl := NewTable(&fakeResolver{})
    a := peer(t, "10.0.0.1:8000")
    if _, ok := tbl.SelectLeader("g"); ok { t.Fatalf("empty table must not know a leader") }
    if !tbl.UpdateLeader("g", a) { t.Fatalf("first update must report a change") }
    if tbl.UpdateLeader("g", a) { t.Fatalf("same leader is not a change") }
    if tbl.UpdateLeader("g", raft.PeerID{}) { t.Fatalf("empty leader must be ignored") }
    if l, ok := tbl.SelectLeader("g"); !ok || l != a { t.Fatalf("got %s", l) }

    conf := raft.NewConfiguration(a, peer(t, "10.0.0.2:8000"))
    tbl.UpdateConfiguration("g", conf)
    tbl.Invalidate("g")
    if _, ok := tbl.SelectLeader("g"); ok { t.Fatalf("invalidate must forget the leader") }
    if c, ok := tbl.Configuration("g"); !ok || !c.Equal(conf) { t.Fatalf("invalidate must keep the configuration, got %s", c) }
}

func TestTable_RefreshLeaderFromSeeds(t *testing.T) {
    a, b := peer(t, "10.0.0.1:8000"), peer(t, "10.0.0.2:8000")
    conf := raft.NewConfiguration(a, b)
    res := &fakeResolver{answers: map[raft.PeerID]LeaderInfo{
        b: {Leader: b, Conf: conf},
    }}
    tbl := NewTable(res, WithSeeds(static.New("10.0.0.1:8000", "10.0.0.2:8000", "not a peer")))
    if err := tbl.RefreshLeader(context.Background(), "g", time.Second); err != nil { t.Fatalf("refresh: %v", err) }
    if l, ok := tbl.SelectLeader("g"); !ok || l != b { t.Fatalf("expected leader %s, got %s", b, l) }
    if c, _ := tbl.Configuration("g"); !c.Equal(conf) { t.Fatalf("configuration not learned: %s", c) }
}

func TestTable_RefreshLeaderFailures(t *testing.T) {
    tbl := NewTable(&fakeResolver{})
    if err := tbl.RefreshLeader(context.Background(), "g", time.Second); !errors.Is(err, ErrUnknownGroup) {
        t.Fatalf("expected ErrUnknownGroup, got %v", err)
    }

    a, b := peer(t, "10.0.0.1:8000"), peer(t, "10.0.0.2:8000")
    res := &fakeResolver{answers: map[raft.PeerID]LeaderInfo{a: {}}}
    tbl = NewTable(res)
    tbl.UpdateConfiguration("g", raft.NewConfiguration(a, b))
    err := tbl.RefreshLeader(context.Background(), "g", time.Second)
    if !errors.Is(err, ErrNoLeader) { t.Fatalf("expected ErrNoLeader, got %v", err) }
    if len(res.asked) != 2 { t.Fatalf("every member must be asked, asked %v", res.asked) }
}
