package raft

import (
    "context"
    "errors"
    "math/rand"
    "sync"
    "time"
)

var (
    ErrPeerUnreachable = errors.New("raft: peer unreachable")
    ErrMessageDropped  = errors.New("raft: message dropped")
)

// InmemNetwork connects Nodes of one process. It can cut links, isolate
// peers, drop a fraction of messages and delay delivery, which makes it the
// fault injector for cluster tests.
type InmemNetwork struct {
    mu       sync.RWMutex
    handlers map[PeerID]Handler
    cut      map[[2]PeerID]bool
    isolated map[PeerID]bool
    dropRate float64
    delayMin time.Duration
    delayMax time.Duration
    rnd      *rand.Rand
}

func NewInmemNetwork() *InmemNetwork {
    return &InmemNetwork{
        handlers: make(map[PeerID]Handler),
        cut:      make(map[[2]PeerID]bool),
        isolated: make(map[PeerID]bool),
        rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
    }
}

// Register attaches h as the receiver for id, replacing any previous one.
func (n *InmemNetwork) Register(id PeerID, h Handler) {
    n.mu.Lock()
    n.handlers[id] = h
    n.mu.Unlock()
}

func (n *InmemNetwork) Unregister(id PeerID) {
    n.mu.Lock()
    delete(n.handlers, id)
    n.mu.Unlock()
}

// Transport returns the sending side bound to local.
func (n *InmemNetwork) Transport(local PeerID) *InmemTransport {
    return &InmemTransport{net: n, local: local}
}

// Isolate cuts id off from every other peer in both directions.
func (n *InmemNetwork) Isolate(id PeerID, isolated bool) {
    n.mu.Lock()
    n.isolated[id] = isolated
    n.mu.Unlock()
}

// Disconnect cuts the link from -> to only.
func (n *InmemNetwork) Disconnect(from, to PeerID) {
    n.mu.Lock()
    n.cut[[2]PeerID{from, to}] = true
    n.mu.Unlock()
}

// Heal restores all links and clears isolation.
func (n *InmemNetwork) Heal() {
    n.mu.Lock()
    n.cut = make(map[[2]PeerID]bool)
    n.isolated = make(map[PeerID]bool)
    n.mu.Unlock()
}

func (n *InmemNetwork) SetDropRate(rate float64) {
    n.mu.Lock()
    n.dropRate = rate
    n.mu.Unlock()
}

func (n *InmemNetwork) SetDelay(min, max time.Duration) {
    n.mu.Lock()
    n.delayMin, n.delayMax = min, max
    n.mu.Unlock()
}

func (n *InmemNetwork) route(ctx context.Context, from, to PeerID) (Handler, error) {
    n.mu.Lock()
    h, ok := n.handlers[to]
    blocked := n.isolated[from] || n.isolated[to] || n.cut[[2]PeerID{from, to}]
    drop := n.dropRate > 0 && n.rnd.Float64() < n.dropRate
    delay := n.delayMin
    if n.delayMax > n.delayMin {
        delay += time.Duration(n.rnd.Int63n(int64(n.delayMax - n.delayMin)))
    }
    n.mu.Unlock()
    if !ok || blocked {
        return nil, ErrPeerUnreachable
    }
    if drop {
        return nil, ErrMessageDropped
    }
    if delay > 0 {
        t := time.NewTimer(delay)
        defer t.Stop()
        select {
        case <-t.C:
        case <-ctx.Done():
            return nil, ctx.Err()
        }
    }
    return h, nil
}

// reply applies the same link checks to the response path, so a cut link
// loses responses as well as requests.
func (n *InmemNetwork) reply(from, to PeerID) error {
    n.mu.RLock()
    defer n.mu.RUnlock()
    if n.isolated[from] || n.isolated[to] || n.cut[[2]PeerID{to, from}] {
        return ErrPeerUnreachable
    }
    return nil
}

// InmemTransport implements Transport over an InmemNetwork.
type InmemTransport struct {
    net   *InmemNetwork
    local PeerID
}

func (t *InmemTransport) RequestVote(ctx context.Context, target PeerID, req *RequestVoteRequest) (*RequestVoteResponse, error) {
    h, err := t.net.route(ctx, t.local, target)
    if err != nil { return nil, err }
    cp := *req
    resp, err := h.HandleRequestVote(ctx, &cp)
    if err != nil { return nil, err }
    return resp, t.net.reply(t.local, target)
}

func (t *InmemTransport) AppendEntries(ctx context.Context, target PeerID, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
    h, err := t.net.route(ctx, t.local, target)
    if err != nil { return nil, err }
    cp := *req
    cp.Entries = make([]*Entry, len(req.Entries))
    for i, e := range req.Entries {
        ec := *e
        ec.Data = append([]byte(nil), e.Data...)
        cp.Entries[i] = &ec
    }
    resp, err := h.HandleAppendEntries(ctx, &cp)
    if err != nil { return nil, err }
    return resp, t.net.reply(t.local, target)
}

func (t *InmemTransport) InstallSnapshot(ctx context.Context, target PeerID, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
    h, err := t.net.route(ctx, t.local, target)
    if err != nil { return nil, err }
    cp := *req
    cp.Data = append([]byte(nil), req.Data...)
    resp, err := h.HandleInstallSnapshot(ctx, &cp)
    if err != nil { return nil, err }
    return resp, t.net.reply(t.local, target)
}

func (t *InmemTransport) TimeoutNow(ctx context.Context, target PeerID, req *TimeoutNowRequest) (*TimeoutNowResponse, error) {
    h, err := t.net.route(ctx, t.local, target)
    if err != nil { return nil, err }
    cp := *req
    resp, err := h.HandleTimeoutNow(ctx, &cp)
    if err != nil { return nil, err }
    return resp, t.net.reply(t.local, target)
}

var _ Transport = (*InmemTransport)(nil)
