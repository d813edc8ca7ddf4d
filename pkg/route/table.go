// Package route keeps the client-side view of where each consensus group is
// led and redirects calls to the leader.
package route

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sync"
    "time"

    "github.com/hashicorp/go-multierror"

    "github.com/amirimatin/go-consensus/pkg/discovery"
    "github.com/amirimatin/go-consensus/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-consensus/pkg/observability/metrics"
    "github.com/amirimatin/go-consensus/pkg/raft"
)

var (
    ErrNoLeader     = errors.New("route: no leader known")
    ErrUnknownGroup = errors.New("route: no members known for group")
)

// LeaderInfo is what a member reports about its group.
type LeaderInfo struct {
    Leader raft.PeerID
    Conf   raft.Configuration
}

// LeaderResolver asks one member of a group who leads it.
type LeaderResolver interface {
    GetLeader(ctx context.Context, target raft.PeerID, group string) (LeaderInfo, error)
}

type groupRoute struct {
    leader  raft.PeerID
    conf    raft.Configuration
    updated time.Time
}

// Table caches the leader and configuration of each group. Entries are hints:
// callers must expect them to be stale and follow redirects.
type Table struct {
    mu       sync.RWMutex
    groups   map[string]*groupRoute
    resolver LeaderResolver
    seeds    func(group string) discovery.Discovery
    logger   *log.Logger
}

type Option func(*Table)

// WithSeeds sets where members are looked up when a group's configuration is
// unknown.
func WithSeeds(d discovery.Discovery) Option {
    return func(t *Table) { t.seeds = func(string) discovery.Discovery { return d } }
}

// WithGroupSeeds is WithSeeds with a source per group, such as the members
// gossiping that they serve it.
func WithGroupSeeds(fn func(group string) discovery.Discovery) Option {
    return func(t *Table) { t.seeds = fn }
}

func WithLogger(l *log.Logger) Option { return func(t *Table) { t.logger = l } }

func NewTable(resolver LeaderResolver, opts ...Option) *Table {
    t := &Table{groups: make(map[string]*groupRoute), resolver: resolver}
    for _, o := range opts {
        o(t)
    }
    t.logger = logutil.Component(t.logger, "route")
    obsmetrics.Register()
    return t
}

func (t *Table) route(group string) *groupRoute {
    r := t.groups[group]
    if r == nil {
        r = &groupRoute{}
        t.groups[group] = r
    }
    return r
}

// SelectLeader returns the cached leader of group without blocking.
func (t *Table) SelectLeader(group string) (raft.PeerID, bool) {
    t.mu.RLock()
    defer t.mu.RUnlock()
    r := t.groups[group]
    if r == nil || r.leader.IsEmpty() {
        return raft.PeerID{}, false
    }
    return r.leader, true
}

// UpdateLeader records leader for group and reports whether it changed.
func (t *Table) UpdateLeader(group string, leader raft.PeerID) bool {
    if leader.IsEmpty() {
        return false
    }
    t.mu.Lock()
    defer t.mu.Unlock()
    r := t.route(group)
    r.updated = time.Now()
    if r.leader == leader {
        return false
    }
    logutil.Debugf(t.logger, "group %s leader %s -> %s", group, r.leader, leader)
    r.leader = leader
    return true
}

// UpdateConfiguration records the members of group.
func (t *Table) UpdateConfiguration(group string, conf raft.Configuration) {
    if conf.IsEmpty() {
        return
    }
    t.mu.Lock()
    defer t.mu.Unlock()
    r := t.route(group)
    r.conf = conf
    r.updated = time.Now()
}

func (t *Table) Configuration(group string) (raft.Configuration, bool) {
    t.mu.RLock()
    defer t.mu.RUnlock()
    r := t.groups[group]
    if r == nil || r.conf.IsEmpty() {
        return raft.Configuration{}, false
    }
    return r.conf, true
}

// Invalidate forgets the leader of group; the configuration is kept.
func (t *Table) Invalidate(group string) {
    t.mu.Lock()
    defer t.mu.Unlock()
    if r := t.groups[group]; r != nil {
        r.leader = raft.PeerID{}
    }
}

// candidates lists who to ask about group: the known members, else the seeds.
func (t *Table) candidates(group string) []raft.PeerID {
    if conf, ok := t.Configuration(group); ok {
        return conf.Peers()
    }
    if t.seeds == nil {
        return nil
    }
    out, err := discovery.Peers(t.seeds(group))
    if err != nil {
        logutil.Warnf(t.logger, "ignoring seeds of %s: %v", group, err)
    }
    return out
}

// RefreshLeader asks the members of group, in parallel, who leads it and
// caches the first answer naming a leader. It fails with ErrNoLeader, carrying
// every member's error, when none knows one within timeout.
func (t *Table) RefreshLeader(ctx context.Context, group string, timeout time.Duration) error {
    peers := t.candidates(group)
    if len(peers) == 0 {
        obsmetrics.RouteRefreshes.WithLabelValues(group, "no_members").Inc()
        return fmt.Errorf("%w: %s", ErrUnknownGroup, group)
    }
    if timeout > 0 {
        var cancel context.CancelFunc
        ctx, cancel = context.WithTimeout(ctx, timeout)
        defer cancel()
    }
    ctx, cancel := context.WithCancel(ctx)
    defer cancel()

    type answer struct {
        peer raft.PeerID
        info LeaderInfo
        err  error
    }
    answers := make(chan answer, len(peers))
    for _, p := range peers {
        go func(p raft.PeerID) {
            info, err := t.resolver.GetLeader(ctx, p, group)
            answers <- answer{peer: p, info: info, err: err}
        }(p)
    }
    var result *multierror.Error
    for range peers {
        a := <-answers
        if a.err != nil {
            result = multierror.Append(result, fmt.Errorf("%s: %w", a.peer, a.err))
            continue
        }
        if a.info.Leader.IsEmpty() {
            result = multierror.Append(result, fmt.Errorf("%s: %w", a.peer, ErrNoLeader))
            continue
        }
        t.UpdateLeader(group, a.info.Leader)
        t.UpdateConfiguration(group, a.info.Conf)
        obsmetrics.RouteRefreshes.WithLabelValues(group, "ok").Inc()
        return nil
    }
    obsmetrics.RouteRefreshes.WithLabelValues(group, "error").Inc()
    return fmt.Errorf("%w for %s: %v", ErrNoLeader, group, result.ErrorOrNil())
}
