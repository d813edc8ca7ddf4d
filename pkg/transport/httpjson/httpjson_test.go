package httpjson

import (
    "context"
    "errors"
    "io"
    "log"
    "net/http"
    "net/http/httptest"
    "strings"
    "sync"
    "testing"
    "time"

    "github.com/amirimatin/go-consensus/pkg/raft"
)

type nopFSM struct {
    mu sync.Mutex
    n  int
}

func (f *nopFSM) Apply(e *raft.Entry) any {
    f.mu.Lock()
    defer f.mu.Unlock()
    f.n++
    return f.n
}
func (f *nopFSM) SaveSnapshot(w io.Writer) error { return nil }
func (f *nopFSM) LoadSnapshot(r io.Reader) error { return nil }

type staticSource map[string][]*raft.Node

func (s staticSource) Groups() map[string][]*raft.Node { return s }

func singleNode(t *testing.T, group string) *raft.Node {
    t.Helper()
    id := raft.MustParsePeerID("127.0.0.1:9500")
    o := raft.DefaultOptions()
    o.GroupID = group
    o.LocalID = id
    o.InitialConfiguration = raft.NewConfiguration(id)
    o.ElectionTimeout = 100 * time.Millisecond
    o.ElectionJitter = 50 * time.Millisecond
    o.Logger = log.New(io.Discard, "", 0)
    n, err := raft.NewNode(o, &nopFSM{}, raft.NewInmemStorage(), raft.NewInmemNetwork().Transport(id))
    if err != nil { t.Fatalf("new node: %v", err) }
    if err := n.Start(context.Background()); err != nil { t.Fatalf("start: %v", err) }
    t.Cleanup(func() { _ = n.Shutdown() })
    deadline := time.Now().Add(5 * time.Second)
    for !n.IsLeader() {
        if time.Now().After(deadline) { t.Fatalf("single node did not elect itself") }
        time.Sleep(10 * time.Millisecond)
    }
    return n
}

func TestHTTP_StatusApplyHealth(t *testing.T) {
    n := singleNode(t, "orders")
    s := NewServer("", staticSource{"orders": {n}}, log.New(io.Discard, "", 0))
    ts := httptest.NewServer(s.Handler())
    defer ts.Close()
    addr := strings.TrimPrefix(ts.URL, "http://")
    c := NewClient(2 * time.Second)
    ctx := context.Background()

    res, err := c.Apply(ctx, addr, "orders", []byte("o-1"))
    if err != nil { t.Fatalf("apply: %v", err) }
    if res.Index == 0 || res.Result != float64(1) { t.Fatalf("unexpected apply response %+v", res) }

    all, err := c.Status(ctx, addr)
    if err != nil { t.Fatalf("status: %v", err) }
    if len(all) != 1 || all[0].Group != "orders" || all[0].State != "leader" { t.Fatalf("unexpected status %+v", all) }
    st, err := c.GroupStatus(ctx, addr, "orders")
    if err != nil { t.Fatalf("group status: %v", err) }
    if st.AppliedIndex < res.Index { t.Fatalf("applied %d behind committed %d", st.AppliedIndex, res.Index) }

    if err := c.Healthy(ctx, addr); err != nil { t.Fatalf("healthz: %v", err) }

    resp, err := http.Get(ts.URL + "/metrics")
    if err != nil { t.Fatalf("metrics: %v", err) }
    resp.Body.Close()
    if resp.StatusCode != http.StatusOK { t.Fatalf("metrics status %d", resp.StatusCode) }
}

func TestHTTP_UnknownGroup(t *testing.T) {
    s := NewServer("", staticSource{}, log.New(io.Discard, "", 0))
    ts := httptest.NewServer(s.Handler())
    defer ts.Close()
    c := NewClient(time.Second)
    _, err := c.GroupStatus(context.Background(), strings.TrimPrefix(ts.URL, "http://"), "nope")
    if err == nil || !strings.Contains(err.Error(), "404") { t.Fatalf("expected 404, got %v", err) }
}

type fakeForwarder struct {
    mu    sync.Mutex
    calls []string
}

func (f *fakeForwarder) Apply(ctx context.Context, group string, data []byte) (raft.ApplyResult, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    f.calls = append(f.calls, group+"/"+string(data))
    return raft.ApplyResult{Index: 42, Term: 3, Response: "forwarded"}, nil
}

func TestHTTP_ApplyOnFollower(t *testing.T) {
    // the second peer never answers, so the node stays a follower
    id := raft.MustParsePeerID("127.0.0.1:9501")
    o := raft.DefaultOptions()
    o.GroupID = "orders"
    o.LocalID = id
    o.InitialConfiguration = raft.NewConfiguration(id, raft.MustParsePeerID("127.0.0.1:9502"))
    o.Logger = log.New(io.Discard, "", 0)
    n, err := raft.NewNode(o, &nopFSM{}, raft.NewInmemStorage(), raft.NewInmemNetwork().Transport(id))
    if err != nil { t.Fatalf("new node: %v", err) }
    if err := n.Start(context.Background()); err != nil { t.Fatalf("start: %v", err) }
    defer n.Shutdown()

    s := NewServer("", staticSource{"orders": {n}}, log.New(io.Discard, "", 0))
    ts := httptest.NewServer(s.Handler())
    defer ts.Close()
    addr := strings.TrimPrefix(ts.URL, "http://")
    c := NewClient(2 * time.Second)

    _, err = c.Apply(context.Background(), addr, "orders", []byte("x"))
    if !errors.Is(err, raft.ErrNotLeader) { t.Fatalf("expected not leader without a forwarder, got %v", err) }

    fwd := &fakeForwarder{}
    s.UseForwarder(fwd)
    res, err := c.Apply(context.Background(), addr, "orders", []byte("x"))
    if err != nil { t.Fatalf("forwarded apply: %v", err) }
    if res.Index != 42 || res.Result != "forwarded" { t.Fatalf("unexpected response %+v", res) }
    if len(fwd.calls) != 1 || fwd.calls[0] != "orders/x" { t.Fatalf("unexpected forwards %v", fwd.calls) }
}
