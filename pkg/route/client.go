package route

import (
    "context"
    "errors"
    "fmt"
    "time"

    "google.golang.org/grpc/backoff"

    "github.com/amirimatin/go-consensus/pkg/internal/logutil"
    "github.com/amirimatin/go-consensus/pkg/internal/retry"
    obsmetrics "github.com/amirimatin/go-consensus/pkg/observability/metrics"
    "github.com/amirimatin/go-consensus/pkg/observability/tracing"
    "github.com/amirimatin/go-consensus/pkg/raft"
)

// Service is the client-facing surface of a group member, reached over some
// transport. Write operations only succeed on the leader; others answer with
// a *raft.NotLeaderError.
type Service interface {
    LeaderResolver
    Apply(ctx context.Context, target raft.PeerID, group string, data []byte) (raft.ApplyResult, error)
    ChangePeers(ctx context.Context, target raft.PeerID, group string, conf raft.Configuration) error
    AddPeer(ctx context.Context, target raft.PeerID, group string, peer raft.PeerID) error
    RemovePeer(ctx context.Context, target raft.PeerID, group string, peer raft.PeerID) error
    ResetPeers(ctx context.Context, target raft.PeerID, group string, conf raft.Configuration) error
    TransferLeader(ctx context.Context, target raft.PeerID, group string, peer raft.PeerID) error
    Snapshot(ctx context.Context, target raft.PeerID, group string) (raft.LogID, error)
}

// ClientOptions tune the redirect loop.
type ClientOptions struct {
    // MaxAttempts bounds the calls made for one operation. Default 8.
    MaxAttempts int
    // RefreshTimeout bounds one RefreshLeader. Default 2s.
    RefreshTimeout time.Duration
    // Backoff paces attempts that did not get a leader hint.
    Backoff backoff.Config
    // RetryUnknownApply lets Apply retry after errors that leave the outcome
    // open: a leader step-down, shutdown or failure while the entry was
    // pending, or a transport error. The entry may then be applied twice, so
    // set it only when payloads are idempotent.
    RetryUnknownApply bool
}

// ErrOutcomeUnknown wraps an Apply error after which the entry may or may not
// have been committed.
var ErrOutcomeUnknown = errors.New("route: apply outcome unknown")

// Client sends leader-only operations to the cached leader and follows
// redirects, keeping the Table up to date.
type Client struct {
    table *Table
    svc   Service
    opts  ClientOptions
}

func NewClient(table *Table, svc Service, opts ClientOptions) *Client {
    if opts.MaxAttempts <= 0 { opts.MaxAttempts = 8 }
    if opts.RefreshTimeout <= 0 { opts.RefreshTimeout = 2 * time.Second }
    if opts.Backoff.BaseDelay <= 0 {
        opts.Backoff = backoff.Config{BaseDelay: 50 * time.Millisecond, Multiplier: 1.6, Jitter: 0.2, MaxDelay: time.Second}
    }
    return &Client{table: table, svc: svc, opts: opts}
}

func (c *Client) Table() *Table { return c.table }

// redirectable reports errors after which another member may succeed.
func redirectable(err error) bool {
    switch {
    case errors.Is(err, raft.ErrNotLeader),
        errors.Is(err, raft.ErrLeaderStepDown),
        errors.Is(err, raft.ErrLeaderTransferring),
        errors.Is(err, raft.ErrShutdown),
        errors.Is(err, raft.ErrNodeFailed):
        return true
    case errors.Is(err, raft.ErrTimeout),
        errors.Is(err, raft.ErrConfChangeInProgress),
        errors.Is(err, raft.ErrCatchupTimeout),
        errors.Is(err, raft.ErrUnknownPeer),
        errors.Is(err, raft.ErrEmptyConfiguration),
        errors.Is(err, raft.ErrSnapshotInProgress),
        errors.Is(err, raft.ErrReadOnly),
        errors.Is(err, context.Canceled),
        errors.Is(err, context.DeadlineExceeded):
        return false
    }
    // anything else is a transport failure
    return true
}

// refusedBeforeAppend reports redirectable errors that a member returns only
// before the entry reached its log, so retrying cannot apply it twice.
func refusedBeforeAppend(err error) bool {
    return errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeaderTransferring)
}

// do runs call against the leader of group until it succeeds, fails with a
// definitive error, or attempts run out.
func (c *Client) do(ctx context.Context, group string, call func(target raft.PeerID) error) error {
    return c.doRetrying(ctx, group, redirectable, call)
}

func (c *Client) doRetrying(ctx context.Context, group string, retryable func(error) bool, call func(target raft.PeerID) error) error {
    var last error
    waits := 0
    for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
        if err := ctx.Err(); err != nil {
            return err
        }
        target, ok := c.table.SelectLeader(group)
        if !ok {
            if err := c.table.RefreshLeader(ctx, group, c.opts.RefreshTimeout); err != nil {
                last = err
                if errors.Is(err, ErrUnknownGroup) { return err }
                waits++
                if !sleepCtx(ctx, retry.Delay(c.opts.Backoff, waits)) { return ctx.Err() }
                continue
            }
            if target, ok = c.table.SelectLeader(group); !ok {
                continue
            }
        }
        err := call(target)
        if err == nil {
            c.table.UpdateLeader(group, target)
            return nil
        }
        last = err
        if !retryable(err) {
            return err
        }
        if hint, ok := raft.LeaderHint(err); ok && hint != target {
            obsmetrics.RouteRedirects.WithLabelValues(group).Inc()
            logutil.Debugf(c.table.logger, "%s redirected from %s to %s", group, target, hint)
            c.table.UpdateLeader(group, hint)
            continue
        }
        c.table.Invalidate(group)
        waits++
        if !sleepCtx(ctx, retry.Delay(c.opts.Backoff, waits)) { return ctx.Err() }
    }
    return last
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
    if d <= 0 {
        return ctx.Err() == nil
    }
    t := time.NewTimer(d)
    defer t.Stop()
    select {
    case <-t.C:
        return true
    case <-ctx.Done():
        return false
    }
}

// Apply replicates data through the leader of group. Redirects are followed
// only while the entry was certainly not appended. Any other retryable
// failure is returned wrapped in ErrOutcomeUnknown unless
// ClientOptions.RetryUnknownApply is set.
func (c *Client) Apply(ctx context.Context, group string, data []byte) (raft.ApplyResult, error) {
    ctx, end := tracing.StartSpan(ctx, "route.apply", "group", group)
    defer end()
    retryable := redirectable
    if !c.opts.RetryUnknownApply {
        retryable = refusedBeforeAppend
    }
    var res raft.ApplyResult
    var callErr error
    err := c.doRetrying(ctx, group, retryable, func(target raft.PeerID) error {
        res, callErr = c.svc.Apply(ctx, target, group, data)
        return callErr
    })
    if err != nil && err == callErr && !c.opts.RetryUnknownApply && redirectable(err) && !refusedBeforeAppend(err) {
        err = fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
    }
    return res, err
}

func (c *Client) ChangePeers(ctx context.Context, group string, conf raft.Configuration) error {
    ctx, end := tracing.StartSpan(ctx, "route.change_peers", "group", group)
    defer end()
    err := c.do(ctx, group, func(target raft.PeerID) error { return c.svc.ChangePeers(ctx, target, group, conf) })
    if err == nil {
        c.table.UpdateConfiguration(group, conf)
    }
    return err
}

func (c *Client) AddPeer(ctx context.Context, group string, peer raft.PeerID) error {
    ctx, end := tracing.StartSpan(ctx, "route.add_peer", "group", group)
    defer end()
    err := c.do(ctx, group, func(target raft.PeerID) error { return c.svc.AddPeer(ctx, target, group, peer) })
    if err == nil {
        if conf, ok := c.table.Configuration(group); ok {
            c.table.UpdateConfiguration(group, conf.Add(peer))
        }
    }
    return err
}

func (c *Client) RemovePeer(ctx context.Context, group string, peer raft.PeerID) error {
    ctx, end := tracing.StartSpan(ctx, "route.remove_peer", "group", group)
    defer end()
    err := c.do(ctx, group, func(target raft.PeerID) error { return c.svc.RemovePeer(ctx, target, group, peer) })
    if err == nil {
        if conf, ok := c.table.Configuration(group); ok {
            c.table.UpdateConfiguration(group, conf.Remove(peer))
        }
        if l, ok := c.table.SelectLeader(group); ok && l == peer {
            c.table.Invalidate(group)
        }
    }
    return err
}

// ResetPeers goes to target directly: it is a per-replica recovery operation
// and does not need a leader.
func (c *Client) ResetPeers(ctx context.Context, group string, target raft.PeerID, conf raft.Configuration) error {
    ctx, end := tracing.StartSpan(ctx, "route.reset_peers", "group", group)
    defer end()
    if err := c.svc.ResetPeers(ctx, target, group, conf); err != nil {
        return err
    }
    c.table.Invalidate(group)
    c.table.UpdateConfiguration(group, conf)
    return nil
}

// TransferLeader moves leadership of group to peer.
func (c *Client) TransferLeader(ctx context.Context, group string, peer raft.PeerID) error {
    ctx, end := tracing.StartSpan(ctx, "route.transfer_leader", "group", group)
    defer end()
    err := c.do(ctx, group, func(target raft.PeerID) error { return c.svc.TransferLeader(ctx, target, group, peer) })
    if err == nil {
        c.table.UpdateLeader(group, peer)
    }
    return err
}

// Snapshot asks the leader of group to take a snapshot.
func (c *Client) Snapshot(ctx context.Context, group string) (raft.LogID, error) {
    ctx, end := tracing.StartSpan(ctx, "route.snapshot", "group", group)
    defer end()
    var id raft.LogID
    err := c.do(ctx, group, func(target raft.PeerID) error {
        var err error
        id, err = c.svc.Snapshot(ctx, target, group)
        return err
    })
    return id, err
}
