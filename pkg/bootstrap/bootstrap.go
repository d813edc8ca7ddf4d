// Package bootstrap assembles a consensus process from a flat Config: storage,
// the gRPC endpoint, one raft.Node per served group, the leader routing
// client, discovery and the HTTP endpoint. Applications embed a process by
// calling Run; the raftctl CLI is a thin wrapper around it.
package bootstrap

import (
    "context"
    "crypto/tls"
    "errors"
    "fmt"
    "log"
    "net"
    "os"
    "path/filepath"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/go-multierror"

    "github.com/amirimatin/go-consensus/pkg/discovery"
    dDNS "github.com/amirimatin/go-consensus/pkg/discovery/dns"
    dFile "github.com/amirimatin/go-consensus/pkg/discovery/file"
    "github.com/amirimatin/go-consensus/pkg/discovery/gossip"
    dStatic "github.com/amirimatin/go-consensus/pkg/discovery/static"
    "github.com/amirimatin/go-consensus/pkg/internal/logutil"
    "github.com/amirimatin/go-consensus/pkg/raft"
    "github.com/amirimatin/go-consensus/pkg/route"
    tlsx "github.com/amirimatin/go-consensus/pkg/security/tlsconfig"
    "github.com/amirimatin/go-consensus/pkg/state/kv"
    grpcx "github.com/amirimatin/go-consensus/pkg/transport/grpc"
    "github.com/amirimatin/go-consensus/pkg/transport/httpjson"
)

const DefaultGroup = "default"

// Config defines high-level inputs to assemble a process with sensible
// defaults.
type Config struct {
    // RaftAddr is the gRPC bind address for peer and client RPCs.
    RaftAddr string
    // Advertise is the host:port peers dial; defaults to the bound address.
    Advertise string
    // Replica is the replica slot of this process in every group it serves.
    Replica int
    // Groups served by this process; defaults to DefaultGroup.
    Groups []string

    // HTTPAddr enables the status/health/metrics endpoint when set.
    HTTPAddr string

    // Bootstrap seeds a fresh group with the discovered peers plus this
    // one. Without it the process waits to be added by a leader.
    Bootstrap     bool
    DiscoveryKind string // "static" (default), "dns" or "file"
    SeedsCSV      string
    DNSNamesCSV   string
    DNSPort       int
    DiscRefresh   time.Duration
    FilePath      string
    FileEnv       string

    // Gossip discovery runs when GossipBind is set; members learn each
    // other's raft endpoints and groups through it.
    GossipBind      string
    GossipAdvertise string
    GossipJoinCSV   string
    NodeName        string

    // DataDir holds one Bolt log and a snapshot directory per group; empty
    // means in-memory storage.
    DataDir        string
    SnapshotRetain int

    ElectionTimeout   time.Duration
    HeartbeatInterval time.Duration
    SnapshotThreshold uint64

    TLSEnable     bool
    TLSCA         string
    TLSCert       string
    TLSKey        string
    TLSServerName string
    TLSSkipVerify bool
    TLSReload     time.Duration

    // Logger (optional). If nil, log.Default() is used.
    Logger *log.Logger

    // NewStateMachine builds the state machine of a group; defaults to a kv
    // store.
    NewStateMachine func(group string) raft.StateMachine
}

func (cfg Config) withDefaults() Config {
    if cfg.Logger == nil { cfg.Logger = log.Default() }
    if len(cfg.Groups) == 0 { cfg.Groups = []string{DefaultGroup} }
    if cfg.NewStateMachine == nil {
        cfg.NewStateMachine = func(string) raft.StateMachine { return kv.New() }
    }
    if cfg.SnapshotRetain <= 0 { cfg.SnapshotRetain = 2 }
    return cfg
}

// Instance is a running process.
type Instance struct {
    cfg    Config
    logger *log.Logger

    disc     discovery.Discovery
    srvTLS   *tls.Config
    cliTLS   *tls.Config
    reg      *grpcx.Registry
    server   *grpcx.Server
    client   *grpcx.Client
    http     *httpjson.Server
    gossip   *gossip.Gossip
    router   *route.Client
    localID  raft.PeerID
    nodes    map[string]*raft.Node
    fsms     map[string]raft.StateMachine
    storages []*raft.Storage
    cancel   context.CancelFunc

    closeOnce sync.Once
    closeErr  error
}

// Build validates cfg and prepares the parts that need no listener.
func Build(cfg Config) (*Instance, error) {
    cfg = cfg.withDefaults()
    if cfg.RaftAddr == "" { return nil, errors.New("bootstrap: empty raft address") }
    seen := make(map[string]bool, len(cfg.Groups))
    for _, g := range cfg.Groups {
        if g == "" || seen[g] { return nil, fmt.Errorf("bootstrap: invalid or duplicate group %q", g) }
        seen[g] = true
    }
    in := &Instance{
        cfg:    cfg,
        logger: logutil.Component(cfg.Logger, "bootstrap"),
        nodes:  make(map[string]*raft.Node),
        fsms:   make(map[string]raft.StateMachine),
    }

    switch cfg.DiscoveryKind {
    case "dns":
        opts := dDNS.Options{Names: dStatic.Parse(cfg.DNSNamesCSV), Port: cfg.DNSPort, Logger: cfg.Logger}
        if cfg.DiscRefresh > 0 { opts.Refresh = cfg.DiscRefresh }
        in.disc = dDNS.New(opts)
    case "file":
        opts := dFile.Options{Path: cfg.FilePath, Env: cfg.FileEnv}
        if cfg.DiscRefresh > 0 { opts.Refresh = cfg.DiscRefresh }
        in.disc = dFile.New(opts)
    case "", "static":
        in.disc = dStatic.New(dStatic.Parse(cfg.SeedsCSV)...)
    default:
        return nil, fmt.Errorf("bootstrap: unknown discovery kind %q", cfg.DiscoveryKind)
    }

    if cfg.TLSEnable {
        topts := tlsx.Options{
            Enable: true, CAFile: cfg.TLSCA, CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey,
            InsecureSkipVerify: cfg.TLSSkipVerify, ServerName: cfg.TLSServerName, ReloadInterval: cfg.TLSReload,
        }
        var err error
        if in.srvTLS, err = topts.Server(); err != nil { return nil, fmt.Errorf("bootstrap: server tls: %w", err) }
        if in.cliTLS, err = topts.Client(); err != nil { return nil, fmt.Errorf("bootstrap: client tls: %w", err) }
    }

    in.reg = grpcx.NewRegistry()
    in.server = grpcx.NewServer(cfg.RaftAddr, in.reg, cfg.Logger).UseTLS(in.srvTLS)
    timeout := cfg.ElectionTimeout
    if timeout <= 0 { timeout = raft.DefaultOptions().RPCTimeout }
    in.client = grpcx.NewClient(timeout).UseTLS(in.cliTLS)
    if cfg.HTTPAddr != "" {
        in.http = httpjson.NewServer(cfg.HTTPAddr, in.reg, cfg.Logger).UseTLS(in.srvTLS)
    }
    return in, nil
}

// Run builds and starts a process. The caller must Close it.
func Run(ctx context.Context, cfg Config) (*Instance, error) {
    in, err := Build(cfg)
    if err != nil { return nil, err }
    if err := in.Start(ctx); err != nil {
        _ = in.Close()
        return nil, err
    }
    return in, nil
}

// Start opens the listener first so that ":0" binds resolve to the identity
// the groups are started with.
func (in *Instance) Start(ctx context.Context) error {
    ctx, in.cancel = context.WithCancel(ctx)
    if err := in.server.Start(ctx); err != nil { return fmt.Errorf("bootstrap: grpc: %w", err) }
    id, err := localID(in.cfg.Advertise, in.server.Addr(), in.cfg.Replica)
    if err != nil { return err }
    in.localID = id
    logutil.Infof(in.logger, "serving %v as %s", in.cfg.Groups, id)

    if in.cfg.GossipBind != "" {
        if err := in.startGossip(ctx); err != nil { return err }
    }
    seeds := func(group string) discovery.Discovery {
        if in.gossip == nil { return in.disc }
        return discovery.Merge(in.disc, in.gossip.Group(group))
    }
    table := route.NewTable(in.client, route.WithGroupSeeds(seeds), route.WithLogger(in.cfg.Logger))
    in.router = route.NewClient(table, in.client, route.ClientOptions{})

    for _, group := range in.cfg.Groups {
        if err := in.startGroup(ctx, group, seeds(group)); err != nil { return err }
    }

    if in.http != nil {
        in.http.UseForwarder(in.router)
        if err := in.http.Start(ctx); err != nil { return fmt.Errorf("bootstrap: http: %w", err) }
    }
    return nil
}

// localID derives this process's peer id from the advertised address, or
// the bound one with unspecified hosts mapped to loopback.
func localID(advertise, bound string, replica int) (raft.PeerID, error) {
    addr := advertise
    if addr == "" { addr = bound }
    host, port, err := net.SplitHostPort(addr)
    if err != nil { return raft.PeerID{}, fmt.Errorf("bootstrap: address %q: %w", addr, err) }
    if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
        host = "127.0.0.1"
    }
    return raft.ParsePeerID(net.JoinHostPort(host, port) + ":" + strconv.Itoa(replica))
}

func (in *Instance) startGossip(ctx context.Context) error {
    name := in.cfg.NodeName
    if name == "" { name = in.localID.String() }
    g, err := gossip.New(gossip.Options{
        Name:      name,
        Bind:      in.cfg.GossipBind,
        Advertise: in.cfg.GossipAdvertise,
        RaftAddr:  in.localID.String(),
        Groups:    in.cfg.Groups,
        Logger:    in.cfg.Logger,
    })
    if err != nil { return err }
    if err := g.Start(ctx); err != nil { return fmt.Errorf("bootstrap: gossip: %w", err) }
    in.gossip = g
    if join := dStatic.Parse(in.cfg.GossipJoinCSV); len(join) > 0 {
        n, err := g.Join(join)
        if err != nil {
            // the others may still be starting; they will join us
            logutil.Warnf(in.logger, "gossip join: %v", err)
        } else {
            logutil.Infof(in.logger, "gossip joined %d members", n)
        }
    }
    return nil
}

func (in *Instance) storage(group string) (*raft.Storage, error) {
    if in.cfg.DataDir == "" { return raft.NewInmemStorage(), nil }
    return raft.NewBoltStorage(filepath.Join(in.cfg.DataDir, group), in.cfg.SnapshotRetain, os.Stderr)
}

func (in *Instance) startGroup(ctx context.Context, group string, seeds discovery.Discovery) error {
    st, err := in.storage(group)
    if err != nil { return fmt.Errorf("bootstrap: storage for %s: %w", group, err) }
    in.storages = append(in.storages, st)

    o := raft.DefaultOptions()
    o.GroupID = group
    o.LocalID = in.localID
    o.Logger = in.cfg.Logger
    if in.cfg.ElectionTimeout > 0 {
        o.ElectionTimeout = in.cfg.ElectionTimeout
        o.ElectionJitter = in.cfg.ElectionTimeout
        o.RPCTimeout = in.cfg.ElectionTimeout
    }
    if in.cfg.HeartbeatInterval > 0 {
        o.HeartbeatInterval = in.cfg.HeartbeatInterval
    } else if in.cfg.ElectionTimeout > 0 {
        o.HeartbeatInterval = in.cfg.ElectionTimeout / 10
    }
    if in.cfg.SnapshotThreshold > 0 { o.SnapshotThreshold = in.cfg.SnapshotThreshold }
    if in.cfg.Bootstrap {
        peers, err := discovery.Peers(seeds)
        if err != nil { logutil.Warnf(in.logger, "seeds of %s: %v", group, err) }
        o.InitialConfiguration = raft.NewConfiguration(peers...).Add(in.localID)
    }

    fsm := in.cfg.NewStateMachine(group)
    n, err := raft.NewNode(o, fsm, st, in.client)
    if err != nil { return fmt.Errorf("bootstrap: group %s: %w", group, err) }
    if err := n.Start(ctx); err != nil { return fmt.Errorf("bootstrap: start %s: %w", group, err) }
    in.reg.Register(ctx, n)
    in.nodes[group] = n
    in.fsms[group] = fsm
    return nil
}

// ID is the peer id this process serves its groups as.
func (in *Instance) ID() raft.PeerID { return in.localID }

// Node returns the local replica of group.
func (in *Instance) Node(group string) (*raft.Node, bool) {
    n, ok := in.nodes[group]
    return n, ok
}

// StateMachine returns the state machine of group as built by
// Config.NewStateMachine.
func (in *Instance) StateMachine(group string) raft.StateMachine { return in.fsms[group] }

// Router sends client operations to the current leader of any group.
func (in *Instance) Router() *route.Client { return in.router }

// Gossip returns the gossip member, nil when disabled.
func (in *Instance) Gossip() *gossip.Gossip { return in.gossip }

// GRPCAddr and HTTPAddr return the bound addresses.
func (in *Instance) GRPCAddr() string { return in.server.Addr() }

func (in *Instance) HTTPAddr() string {
    if in.http == nil { return "" }
    return in.http.Addr()
}

// Close leaves gossip, shuts the groups down and releases storage. It is safe
// to call more than once.
func (in *Instance) Close() error {
    in.closeOnce.Do(func() {
        var result *multierror.Error
        if in.gossip != nil {
            if err := in.gossip.Leave(time.Second); err != nil { result = multierror.Append(result, err) }
            if err := in.gossip.Stop(); err != nil { result = multierror.Append(result, err) }
        }
        for group, n := range in.nodes {
            in.reg.Deregister(group, n.ID())
            if err := n.Shutdown(); err != nil { result = multierror.Append(result, fmt.Errorf("%s: %w", group, err)) }
        }
        stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
        defer cancel()
        if in.http != nil {
            if err := in.http.Stop(stopCtx); err != nil { result = multierror.Append(result, err) }
        }
        if err := in.server.Stop(stopCtx); err != nil { result = multierror.Append(result, err) }
        in.client.Close()
        for _, st := range in.storages {
            if err := st.Close(); err != nil { result = multierror.Append(result, err) }
        }
        if in.cancel != nil { in.cancel() }
        in.closeErr = result.ErrorOrNil()
    })
    return in.closeErr
}
