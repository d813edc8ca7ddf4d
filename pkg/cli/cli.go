// Package cli holds the cobra commands of raftctl so services can mount them
// under their own root command.
package cli

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "os"
    "os/signal"
    "strings"
    "syscall"
    "time"

    "github.com/spf13/cobra"
    "github.com/spf13/pflag"

    "github.com/amirimatin/go-consensus/pkg/bootstrap"
    dStatic "github.com/amirimatin/go-consensus/pkg/discovery/static"
    "github.com/amirimatin/go-consensus/pkg/internal/logutil"
    tracing "github.com/amirimatin/go-consensus/pkg/observability/tracing"
    "github.com/amirimatin/go-consensus/pkg/raft"
    "github.com/amirimatin/go-consensus/pkg/route"
    tlsx "github.com/amirimatin/go-consensus/pkg/security/tlsconfig"
    "github.com/amirimatin/go-consensus/pkg/state/kv"
    grpcx "github.com/amirimatin/go-consensus/pkg/transport/grpc"
    httpjson "github.com/amirimatin/go-consensus/pkg/transport/httpjson"
)

// AddAll attaches every raftctl subcommand to root.
func AddAll(root *cobra.Command) {
    root.AddCommand(
        NewRunCmd(),
        NewStatusCmd(),
        NewLeaderCmd(),
        NewApplyCmd(),
        NewAddPeerCmd(),
        NewRemovePeerCmd(),
        NewChangePeersCmd(),
        NewResetPeersCmd(),
        NewTransferLeaderCmd(),
        NewSnapshotCmd(),
    )
}

// NewRaftCommand returns a parent command "raft" containing every
// subcommand.
func NewRaftCommand() *cobra.Command {
    parent := &cobra.Command{Use: "raft", Short: "consensus group commands"}
    AddAll(parent)
    return parent
}

type tlsFlags struct {
    enable, skip              bool
    ca, cert, key, serverName string
}

func (f *tlsFlags) register(fs *pflag.FlagSet) {
    fs.BoolVar(&f.enable, "tls-enable", false, "enable mTLS")
    fs.StringVar(&f.ca, "tls-ca", "", "path to CA cert (PEM)")
    fs.StringVar(&f.cert, "tls-cert", "", "path to certificate (PEM)")
    fs.StringVar(&f.key, "tls-key", "", "path to private key (PEM)")
    fs.BoolVar(&f.skip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    fs.StringVar(&f.serverName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func (f *tlsFlags) options() tlsx.Options {
    return tlsx.Options{Enable: f.enable, CAFile: f.ca, CertFile: f.cert, KeyFile: f.key, InsecureSkipVerify: f.skip, ServerName: f.serverName}
}

// NewRunCmd returns the "run" command used to start a process.
func NewRunCmd() *cobra.Command {
    var (
        cfg                   bootstrap.Config
        groupsCSV, logLevel   string
        traceEnable, jsonLogs bool
        tf                    tlsFlags
        tlsReload             time.Duration
    )
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a consensus process",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx, cancel := signalContext()
            defer cancel()
            if jsonLogs { logutil.SetJSON(true) }
            if logLevel != "" { logutil.SetLevel(logutil.ParseLevel(logLevel)) }

            shutdown, err := tracing.Setup(traceEnable)
            if err != nil {
                log.Printf("tracing setup error: %v", err)
            } else {
                defer func() { _ = shutdown(context.Background()) }()
            }

            cfg.Groups = dStatic.Parse(groupsCSV)
            cfg.TLSEnable, cfg.TLSCA, cfg.TLSCert, cfg.TLSKey = tf.enable, tf.ca, tf.cert, tf.key
            cfg.TLSServerName, cfg.TLSSkipVerify, cfg.TLSReload = tf.serverName, tf.skip, tlsReload
            cfg.Logger = log.Default()
            in, err := bootstrap.Run(ctx, cfg)
            if err != nil { return err }
            defer in.Close()

            fmt.Printf("serving %s as %s. Press Ctrl+C to exit.\n", strings.Join(cfg.Groups, ","), in.ID())
            <-ctx.Done()
            return nil
        },
    }
    fs := cmd.Flags()
    fs.StringVar(&cfg.RaftAddr, "raft-addr", ":9520", "gRPC bind address for peer and client RPCs")
    fs.StringVar(&cfg.Advertise, "advertise", "", "address peers dial (host:port), defaults to the bound one")
    fs.IntVar(&cfg.Replica, "replica", 0, "replica slot of this process")
    fs.StringVar(&groupsCSV, "groups", bootstrap.DefaultGroup, "comma-separated groups to serve")
    fs.StringVar(&cfg.HTTPAddr, "http-addr", "", "status/health/metrics HTTP address (optional)")
    fs.BoolVar(&cfg.Bootstrap, "bootstrap", false, "bootstrap fresh groups with the discovered peers")
    fs.StringVar(&cfg.DiscoveryKind, "discovery", "static", "discovery backend: static|dns|file")
    fs.StringVar(&cfg.SeedsCSV, "peers", "", "comma-separated peer ids (host:port[:idx]), used by discovery=static")
    fs.StringVar(&cfg.DNSNamesCSV, "dns-names", "", "comma-separated DNS names or SRV records (e.g., _raft._tcp.example.com)")
    fs.IntVar(&cfg.DNSPort, "dns-port", 9520, "port used for A/AAAA lookups")
    fs.DurationVar(&cfg.DiscRefresh, "disc-refresh", 5*time.Second, "discovery refresh/cache duration")
    fs.StringVar(&cfg.FilePath, "file-path", "", "path or glob to a file with peer ids (one per line or CSV)")
    fs.StringVar(&cfg.FileEnv, "file-env", "", "ENV var name containing CSV peer ids; overrides file when set")
    fs.StringVar(&cfg.GossipBind, "gossip-bind", "", "gossip bind address (host:port), empty disables gossip")
    fs.StringVar(&cfg.GossipAdvertise, "gossip-adv", "", "gossip advertise address (host:port, optional)")
    fs.StringVar(&cfg.GossipJoinCSV, "gossip-join", "", "comma-separated gossip addresses to join")
    fs.StringVar(&cfg.NodeName, "name", "", "gossip member name, defaults to the peer id")
    fs.StringVar(&cfg.DataDir, "data", "", "data dir (Bolt log and snapshots per group); empty keeps state in memory")
    fs.IntVar(&cfg.SnapshotRetain, "snapshot-retain", 2, "snapshots kept on disk per group")
    fs.DurationVar(&cfg.ElectionTimeout, "election-timeout", time.Second, "base election timeout")
    fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat", 0, "heartbeat interval (default election-timeout/10)")
    fs.Uint64Var(&cfg.SnapshotThreshold, "snapshot-threshold", 0, "applied entries between automatic snapshots (0 = default)")
    tf.register(fs)
    fs.DurationVar(&tlsReload, "tls-reload", 0, "re-read certificates from disk this often (0 disables)")
    fs.BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    fs.BoolVar(&jsonLogs, "log-json", false, "log one JSON object per line")
    fs.StringVar(&logLevel, "log-level", "", "debug|info|warn|error")
    return cmd
}

// clientFlags are shared by the commands talking to a running group.
type clientFlags struct {
    peers, group string
    timeout      time.Duration
    tls          tlsFlags
}

func (f *clientFlags) register(cmd *cobra.Command) {
    fs := cmd.Flags()
    fs.StringVar(&f.peers, "peers", "127.0.0.1:9520", "comma-separated peer ids to ask for the leader")
    fs.StringVar(&f.group, "group", bootstrap.DefaultGroup, "consensus group")
    fs.DurationVar(&f.timeout, "timeout", 5*time.Second, "operation timeout")
    f.tls.register(fs)
}

// session is a routing client built from clientFlags.
type session struct {
    grpc   *grpcx.Client
    router *route.Client
    group  string
}

func (f *clientFlags) dial() (*session, error) {
    cliTLS, err := f.tls.options().Client()
    if err != nil { return nil, fmt.Errorf("tls client config: %w", err) }
    c := grpcx.NewClient(f.timeout).UseTLS(cliTLS)
    table := route.NewTable(c, route.WithSeeds(dStatic.New(f.peers)), route.WithLogger(log.New(os.Stderr, "", 0)))
    return &session{grpc: c, router: route.NewClient(table, c, route.ClientOptions{}), group: f.group}, nil
}

func (s *session) Close() { s.grpc.Close() }

func (f *clientFlags) run(fn func(ctx context.Context, s *session) (any, error)) error {
    s, err := f.dial()
    if err != nil { return err }
    defer s.Close()
    ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
    defer cancel()
    out, err := fn(ctx, s)
    if err != nil { return err }
    if out == nil { return nil }
    enc := json.NewEncoder(os.Stdout)
    enc.SetIndent("", "  ")
    return enc.Encode(out)
}

func parsePeer(s string) (raft.PeerID, error) {
    p, err := raft.ParsePeerID(s)
    if err != nil { return p, fmt.Errorf("invalid peer %q: %w", s, err) }
    return p, nil
}

// NewStatusCmd returns the "status" command. With --http it reads the HTTP
// endpoint of one process, otherwise it asks the given peer over gRPC.
func NewStatusCmd() *cobra.Command {
    var (
        cf       clientFlags
        httpAddr string
    )
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Print replica status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            if httpAddr != "" {
                cliTLS, err := cf.tls.options().Client()
                if err != nil { return fmt.Errorf("tls client config: %w", err) }
                ctx, cancel := context.WithTimeout(context.Background(), cf.timeout)
                defer cancel()
                st, err := httpjson.NewClient(cf.timeout).UseTLS(cliTLS).Status(ctx, httpAddr)
                if err != nil { return fmt.Errorf("status error: %w", err) }
                return json.NewEncoder(os.Stdout).Encode(st)
            }
            return cf.run(func(ctx context.Context, s *session) (any, error) {
                var out []raft.Status
                for _, p := range dStatic.Parse(cf.peers) {
                    id, err := parsePeer(p)
                    if err != nil { return nil, err }
                    st, err := s.grpc.Status(ctx, id, s.group)
                    if err != nil { return nil, fmt.Errorf("status of %s: %w", id, err) }
                    out = append(out, st)
                }
                return out, nil
            })
        },
    }
    cf.register(cmd)
    cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP address of a process (host:port)")
    return cmd
}

// NewLeaderCmd returns the "leader" command.
func NewLeaderCmd() *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   "leader",
        Short: "Print the leader and configuration of a group",
        RunE: func(cmd *cobra.Command, args []string) error {
            return cf.run(func(ctx context.Context, s *session) (any, error) {
                t := s.router.Table()
                if err := t.RefreshLeader(ctx, s.group, cf.timeout); err != nil { return nil, err }
                leader, _ := t.SelectLeader(s.group)
                conf, _ := t.Configuration(s.group)
                return route.LeaderInfo{Leader: leader, Conf: conf}, nil
            })
        },
    }
    cf.register(cmd)
    return cmd
}

// NewApplyCmd returns the "apply" command. Without --set/--delete the
// argument is proposed as is.
func NewApplyCmd() *cobra.Command {
    var (
        cf       clientFlags
        set, del string
    )
    cmd := &cobra.Command{
        Use:   "apply [data]",
        Short: "Propose a command to the group's leader",
        Args:  cobra.MaximumNArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            var data []byte
            switch {
            case set != "":
                k, v, ok := strings.Cut(set, "=")
                if !ok || k == "" { return fmt.Errorf("--set wants key=value") }
                data = kv.Set(k, v)
            case del != "":
                data = kv.Delete(del)
            case len(args) == 1:
                data = []byte(args[0])
            default:
                return fmt.Errorf("nothing to apply: pass data, --set or --delete")
            }
            return cf.run(func(ctx context.Context, s *session) (any, error) {
                return s.router.Apply(ctx, s.group, data)
            })
        },
    }
    cf.register(cmd)
    cmd.Flags().StringVar(&set, "set", "", "set key=value in the kv state machine")
    cmd.Flags().StringVar(&del, "delete", "", "delete key from the kv state machine")
    return cmd
}

func peerCmd(use, short string, op func(ctx context.Context, s *session, p raft.PeerID) error) *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   use + " <peer>",
        Short: short,
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            p, err := parsePeer(args[0])
            if err != nil { return err }
            return cf.run(func(ctx context.Context, s *session) (any, error) {
                return nil, op(ctx, s, p)
            })
        },
    }
    cf.register(cmd)
    return cmd
}

func NewAddPeerCmd() *cobra.Command {
    return peerCmd("add-peer", "Add a peer to the group", func(ctx context.Context, s *session, p raft.PeerID) error {
        return s.router.AddPeer(ctx, s.group, p)
    })
}

func NewRemovePeerCmd() *cobra.Command {
    return peerCmd("remove-peer", "Remove a peer from the group", func(ctx context.Context, s *session, p raft.PeerID) error {
        return s.router.RemovePeer(ctx, s.group, p)
    })
}

func NewTransferLeaderCmd() *cobra.Command {
    return peerCmd("transfer-leader", "Hand leadership to a peer", func(ctx context.Context, s *session, p raft.PeerID) error {
        return s.router.TransferLeader(ctx, s.group, p)
    })
}

// NewChangePeersCmd returns the "change-peers" command replacing the whole
// configuration through a joint change.
func NewChangePeersCmd() *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   "change-peers <peer,peer,...>",
        Short: "Replace the group's configuration",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            conf, err := raft.ParseConfiguration(args[0])
            if err != nil { return err }
            return cf.run(func(ctx context.Context, s *session) (any, error) {
                return nil, s.router.ChangePeers(ctx, s.group, conf)
            })
        },
    }
    cf.register(cmd)
    return cmd
}

// NewResetPeersCmd returns the "reset-peers" command: an unsafe local
// override on one replica, for recovering a group that lost its quorum.
func NewResetPeersCmd() *cobra.Command {
    var (
        cf     clientFlags
        target string
    )
    cmd := &cobra.Command{
        Use:   "reset-peers <peer,peer,...>",
        Short: "Force the configuration of one replica (quorum loss recovery)",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            conf, err := raft.ParseConfiguration(args[0])
            if err != nil { return err }
            id, err := parsePeer(target)
            if err != nil { return err }
            return cf.run(func(ctx context.Context, s *session) (any, error) {
                return nil, s.router.ResetPeers(ctx, s.group, id, conf)
            })
        },
    }
    cf.register(cmd)
    cmd.Flags().StringVar(&target, "target", "", "replica to reset (required)")
    _ = cmd.MarkFlagRequired("target")
    return cmd
}

func NewSnapshotCmd() *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   "snapshot",
        Short: "Take a snapshot on the group's leader",
        RunE: func(cmd *cobra.Command, args []string) error {
            return cf.run(func(ctx context.Context, s *session) (any, error) {
                return s.router.Snapshot(ctx, s.group)
            })
        },
    }
    cf.register(cmd)
    return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
    return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
