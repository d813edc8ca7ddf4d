package grpc

import (
    "context"
    "fmt"
    "sync"

    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"

    "github.com/amirimatin/go-consensus/pkg/raft"
)

// Registry maps the groups served by one endpoint to their local replicas.
// Several replicas of different groups, or of the same group in different
// slots, may share the endpoint.
type Registry struct {
    mu     sync.RWMutex
    groups map[string]map[raft.PeerID]*raft.Node
    health *health.Server
}

func NewRegistry() *Registry {
    return &Registry{groups: make(map[string]map[raft.PeerID]*raft.Node), health: health.NewServer()}
}

// HealthService names the health check entry of one group.
func HealthService(group string) string { return "consensus.v1.Raft/" + group }

// Register serves n until ctx is done or Deregister is called. The group's
// health entry follows the node: NOT_SERVING once it fails or shuts down.
func (r *Registry) Register(ctx context.Context, n *raft.Node) {
    r.mu.Lock()
    g := r.groups[n.GroupID()]
    if g == nil {
        g = make(map[raft.PeerID]*raft.Node)
        r.groups[n.GroupID()] = g
    }
    g[n.ID()] = n
    r.mu.Unlock()
    r.health.SetServingStatus(HealthService(n.GroupID()), healthpb.HealthCheckResponse_SERVING)

    ctx, cancel := context.WithCancel(ctx)
    events := n.Subscribe(ctx)
    go func() {
        defer cancel()
        for ev := range events {
            if ev.Type != raft.EventStateChanged {
                continue
            }
            if ev.State == raft.Error || ev.State == raft.Shutdown {
                r.health.SetServingStatus(HealthService(n.GroupID()), healthpb.HealthCheckResponse_NOT_SERVING)
                return
            }
        }
    }()
}

func (r *Registry) Deregister(group string, id raft.PeerID) {
    r.mu.Lock()
    defer r.mu.Unlock()
    delete(r.groups[group], id)
    if len(r.groups[group]) == 0 {
        delete(r.groups, group)
        r.health.SetServingStatus(HealthService(group), healthpb.HealthCheckResponse_NOT_SERVING)
    }
}

// Lookup finds the replica of group addressed by target. An empty target
// matches when the endpoint holds a single replica of the group.
func (r *Registry) Lookup(group string, target raft.PeerID) (*raft.Node, error) {
    r.mu.RLock()
    defer r.mu.RUnlock()
    g := r.groups[group]
    if len(g) == 0 {
        return nil, fmt.Errorf("group %q is not served here", group)
    }
    if !target.IsEmpty() {
        if n := g[target]; n != nil {
            return n, nil
        }
        // the slot may be all that differs when clients dial by address
        for id, n := range g {
            if id.Addr() == target.Addr() && target.Idx == 0 && len(g) == 1 {
                return n, nil
            }
        }
        return nil, fmt.Errorf("replica %s of group %q is not served here", target, group)
    }
    if len(g) > 1 {
        return nil, fmt.Errorf("group %q has %d replicas here; target required", group, len(g))
    }
    for _, n := range g {
        return n, nil
    }
    return nil, nil
}

// Groups lists the served groups with their local replicas.
func (r *Registry) Groups() map[string][]*raft.Node {
    r.mu.RLock()
    defer r.mu.RUnlock()
    out := make(map[string][]*raft.Node, len(r.groups))
    for g, m := range r.groups {
        for _, n := range m {
            out[g] = append(out[g], n)
        }
    }
    return out
}
