package route

import (
    "context"
    "fmt"
    "sync"

    "github.com/amirimatin/go-consensus/pkg/raft"
)

// Local serves Service from nodes living in this process. It backs tests and
// single-binary deployments; remote members are reached through the grpc
// transport's Cli client instead.
type Local struct {
    mu    sync.RWMutex
    nodes map[string]map[raft.PeerID]*raft.Node
}

var _ Service = (*Local)(nil)

func NewLocal() *Local {
    return &Local{nodes: make(map[string]map[raft.PeerID]*raft.Node)}
}

// Register makes n reachable under its group and id.
func (l *Local) Register(n *raft.Node) {
    l.mu.Lock()
    defer l.mu.Unlock()
    g := l.nodes[n.GroupID()]
    if g == nil {
        g = make(map[raft.PeerID]*raft.Node)
        l.nodes[n.GroupID()] = g
    }
    g[n.ID()] = n
}

func (l *Local) Deregister(group string, id raft.PeerID) {
    l.mu.Lock()
    defer l.mu.Unlock()
    delete(l.nodes[group], id)
}

func (l *Local) node(target raft.PeerID, group string) (*raft.Node, error) {
    l.mu.RLock()
    defer l.mu.RUnlock()
    n := l.nodes[group][target]
    if n == nil {
        return nil, fmt.Errorf("route: %s is not serving group %s", target, group)
    }
    return n, nil
}

func (l *Local) GetLeader(ctx context.Context, target raft.PeerID, group string) (LeaderInfo, error) {
    n, err := l.node(target, group)
    if err != nil { return LeaderInfo{}, err }
    leader, _ := n.Leader()
    return LeaderInfo{Leader: leader, Conf: n.Configuration().Conf}, nil
}

func (l *Local) Apply(ctx context.Context, target raft.PeerID, group string, data []byte) (raft.ApplyResult, error) {
    n, err := l.node(target, group)
    if err != nil { return raft.ApplyResult{}, err }
    return n.Apply(ctx, data)
}

func (l *Local) ChangePeers(ctx context.Context, target raft.PeerID, group string, conf raft.Configuration) error {
    n, err := l.node(target, group)
    if err != nil { return err }
    return n.ChangePeers(ctx, conf)
}

func (l *Local) AddPeer(ctx context.Context, target raft.PeerID, group string, peer raft.PeerID) error {
    n, err := l.node(target, group)
    if err != nil { return err }
    return n.AddPeer(ctx, peer)
}

func (l *Local) RemovePeer(ctx context.Context, target raft.PeerID, group string, peer raft.PeerID) error {
    n, err := l.node(target, group)
    if err != nil { return err }
    return n.RemovePeer(ctx, peer)
}

func (l *Local) ResetPeers(ctx context.Context, target raft.PeerID, group string, conf raft.Configuration) error {
    n, err := l.node(target, group)
    if err != nil { return err }
    return n.ResetPeers(conf)
}

func (l *Local) TransferLeader(ctx context.Context, target raft.PeerID, group string, peer raft.PeerID) error {
    n, err := l.node(target, group)
    if err != nil { return err }
    return n.TransferLeadership(ctx, peer)
}

func (l *Local) Snapshot(ctx context.Context, target raft.PeerID, group string) (raft.LogID, error) {
    n, err := l.node(target, group)
    if err != nil { return raft.LogID{}, err }
    return n.Snapshot(ctx)
}
