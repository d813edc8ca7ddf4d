// Package gossip discovers peers through a memberlist cluster. Every process
// gossips the address its consensus endpoint listens on and the groups it
// serves; Seeds returns those endpoints for live members.
package gossip

import (
    "context"
    "errors"
    "fmt"
    "log"
    "net"
    "sort"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/go-msgpack/v2/codec"
    "github.com/hashicorp/memberlist"

    "github.com/amirimatin/go-consensus/pkg/discovery"
    "github.com/amirimatin/go-consensus/pkg/internal/logutil"
)

var ErrNotStarted = errors.New("gossip: not started")

type Options struct {
    // Name must be unique in the gossip cluster.
    Name string
    // Bind is the gossip address (host:port); port 0 picks a free one.
    Bind      string
    Advertise string
    // RaftAddr is the consensus endpoint advertised to others.
    RaftAddr string
    // Groups lists the groups served at RaftAddr.
    Groups []string
    Logger *log.Logger

    // Zero means the memberlist LAN default.
    PingInterval  time.Duration
    PingTimeout   time.Duration
    SuspicionMult int
}

// Member is one live process as seen through gossip.
type Member struct {
    Name     string
    Addr     string
    RaftAddr string
    Groups   []string
}

type EventType string

const (
    EventJoin   EventType = "join"
    EventLeave  EventType = "leave"
    EventUpdate EventType = "update"
)

type Event struct {
    Type   EventType
    Member Member
    At     time.Time
}

// meta is what each node gossips about itself.
type meta struct {
    Raft   string   `codec:"r"`
    Groups []string `codec:"g"`
}

func encodeMeta(m meta) ([]byte, error) {
    var b []byte
    err := codec.NewEncoderBytes(&b, &codec.MsgpackHandle{}).Encode(&m)
    return b, err
}

func decodeMeta(b []byte) (meta, error) {
    var m meta
    if len(b) == 0 {
        return m, nil
    }
    if err := codec.NewDecoderBytes(b, &codec.MsgpackHandle{}).Decode(&m); err != nil {
        return meta{}, err
    }
    return m, nil
}

type Gossip struct {
    opts   Options
    logger *log.Logger
    meta   []byte

    mu     sync.RWMutex
    ml     *memberlist.Memberlist
    events chan Event
    closed bool
}

var _ discovery.Discovery = (*Gossip)(nil)

func New(opts Options) (*Gossip, error) {
    if opts.Name == "" {
        return nil, errors.New("gossip: empty node name")
    }
    if opts.Bind == "" {
        return nil, errors.New("gossip: empty bind address")
    }
    b, err := encodeMeta(meta{Raft: opts.RaftAddr, Groups: opts.Groups})
    if err != nil { return nil, err }
    if len(b) > memberlist.MetaMaxSize {
        return nil, fmt.Errorf("gossip: node metadata is %d bytes, limit %d", len(b), memberlist.MetaMaxSize)
    }
    return &Gossip{opts: opts, logger: logutil.Component(opts.Logger, "gossip"), meta: b, events: make(chan Event, 64)}, nil
}

func splitHostPort(addr string) (string, int, error) {
    host, ps, err := net.SplitHostPort(addr)
    if err != nil { return "", 0, err }
    port, err := strconv.Atoi(ps)
    if err != nil || port < 0 || port > 65535 {
        return "", 0, fmt.Errorf("invalid port in %q", addr)
    }
    return host, port, nil
}

// Start joins nobody yet; call Join with the gossip seeds. The member leaves
// when ctx is done.
func (g *Gossip) Start(ctx context.Context) error {
    g.mu.Lock()
    defer g.mu.Unlock()
    if g.ml != nil {
        return nil
    }
    cfg := memberlist.DefaultLANConfig()
    cfg.Name = g.opts.Name
    host, port, err := splitHostPort(g.opts.Bind)
    if err != nil { return fmt.Errorf("gossip: bind: %w", err) }
    cfg.BindAddr, cfg.BindPort = host, port
    if g.opts.Advertise != "" {
        ah, ap, err := splitHostPort(g.opts.Advertise)
        if err != nil { return fmt.Errorf("gossip: advertise: %w", err) }
        cfg.AdvertiseAddr, cfg.AdvertisePort = ah, ap
    }
    if g.opts.PingInterval > 0 { cfg.ProbeInterval = g.opts.PingInterval }
    if g.opts.PingTimeout > 0 { cfg.ProbeTimeout = g.opts.PingTimeout }
    if g.opts.SuspicionMult > 0 { cfg.SuspicionMult = g.opts.SuspicionMult }
    cfg.Logger = log.New(g.logger.Writer(), g.logger.Prefix(), g.logger.Flags())
    cfg.Events = &eventDelegate{g: g}
    cfg.Delegate = &metaDelegate{meta: g.meta}

    ml, err := memberlist.Create(cfg)
    if err != nil { return err }
    g.ml = ml
    go func() {
        <-ctx.Done()
        _ = g.Stop()
    }()
    logutil.Infof(g.logger, "gossiping on %s as %s", ml.LocalNode().Address(), g.opts.Name)
    return nil
}

// Join contacts the given gossip addresses and reports how many answered.
func (g *Gossip) Join(seeds []string) (int, error) {
    g.mu.RLock()
    ml := g.ml
    g.mu.RUnlock()
    if ml == nil {
        return 0, ErrNotStarted
    }
    if len(seeds) == 0 {
        return 0, nil
    }
    return ml.Join(seeds)
}

// toMember converts a memberlist node. A node whose metadata cannot be
// decoded is kept without a raft address or groups.
func (g *Gossip) toMember(n *memberlist.Node) Member {
    m, err := decodeMeta(n.Meta)
    if err != nil {
        logutil.Warnf(g.logger, "bad metadata from %s (%s): %v", n.Name, n.Address(), err)
    }
    return Member{Name: n.Name, Addr: n.Address(), RaftAddr: m.Raft, Groups: m.Groups}
}

func (g *Gossip) Local() Member {
    g.mu.RLock()
    defer g.mu.RUnlock()
    if g.ml == nil {
        return Member{}
    }
    return g.toMember(g.ml.LocalNode())
}

// Members lists live members sorted by name.
func (g *Gossip) Members() []Member {
    g.mu.RLock()
    defer g.mu.RUnlock()
    if g.ml == nil {
        return nil
    }
    nodes := g.ml.Members()
    out := make([]Member, 0, len(nodes))
    for _, n := range nodes {
        out = append(out, g.toMember(n))
    }
    sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
    return out
}

// Seeds returns the consensus endpoints of all live members.
func (g *Gossip) Seeds() []string { return g.seeds("") }

// Group narrows Seeds to members serving group.
func (g *Gossip) Group(group string) discovery.Discovery {
    return groupSeeds{g: g, group: group}
}

type groupSeeds struct {
    g     *Gossip
    group string
}

func (s groupSeeds) Seeds() []string { return s.g.seeds(s.group) }

func (g *Gossip) seeds(group string) []string {
    var out []string
    for _, m := range g.Members() {
        if m.RaftAddr == "" {
            continue
        }
        if group != "" && !contains(m.Groups, group) {
            continue
        }
        out = append(out, m.RaftAddr)
    }
    sort.Strings(out)
    return out
}

func contains(list []string, s string) bool {
    for _, v := range list {
        if v == s {
            return true
        }
    }
    return false
}

// Events delivers membership changes; it is closed by Stop. Events are
// dropped when the consumer falls behind.
func (g *Gossip) Events() <-chan Event { return g.events }

// Leave announces departure and waits up to timeout for it to propagate.
func (g *Gossip) Leave(timeout time.Duration) error {
    g.mu.RLock()
    ml := g.ml
    g.mu.RUnlock()
    if ml == nil {
        return nil
    }
    return ml.Leave(timeout)
}

func (g *Gossip) Stop() error {
    g.mu.Lock()
    if g.closed {
        g.mu.Unlock()
        return nil
    }
    g.closed = true
    ml := g.ml
    g.ml = nil
    close(g.events)
    g.mu.Unlock()
    if ml == nil {
        return nil
    }
    return ml.Shutdown()
}

// HealthScore is memberlist's awareness score (0 is healthy), -1 when not
// running.
func (g *Gossip) HealthScore() int {
    g.mu.RLock()
    defer g.mu.RUnlock()
    if g.ml == nil {
        return -1
    }
    return g.ml.GetHealthScore()
}

func (g *Gossip) emit(t EventType, n *memberlist.Node) {
    if n == nil {
        return
    }
    g.mu.RLock()
    defer g.mu.RUnlock()
    if g.closed {
        return
    }
    select {
    case g.events <- Event{Type: t, Member: g.toMember(n), At: time.Now()}:
    default:
        logutil.Debugf(g.logger, "dropping %s event for %s", t, n.Name)
    }
}

type eventDelegate struct{ g *Gossip }

func (d *eventDelegate) NotifyJoin(n *memberlist.Node)   { d.g.emit(EventJoin, n) }
func (d *eventDelegate) NotifyLeave(n *memberlist.Node)  { d.g.emit(EventLeave, n) }
func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) { d.g.emit(EventUpdate, n) }

// metaDelegate only publishes node metadata; no user messages are exchanged.
type metaDelegate struct{ meta []byte }

func (d *metaDelegate) NodeMeta(limit int) []byte {
    if len(d.meta) > limit {
        return nil
    }
    return d.meta
}
func (d *metaDelegate) NotifyMsg([]byte)                   {}
func (d *metaDelegate) GetBroadcasts(int, int) [][]byte    { return nil }
func (d *metaDelegate) LocalState(bool) []byte             { return nil }
func (d *metaDelegate) MergeRemoteState([]byte, bool)      {}
