package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

const namespace = "go_consensus"

var (
    once sync.Once

    Term = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "term",
        Help:      "Current term per group",
    }, []string{"group"})

    IsLeader = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "is_leader",
        Help:      "1 if this replica leads the group, else 0",
    }, []string{"group"})

    State = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "state",
        Help:      "Node state as a number (0 follower, 1 candidate, 2 leader, 3 transferring, 4 error, 5 shutdown)",
    }, []string{"group"})

    CommitIndex = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "commit_index",
        Help:      "Highest index known to be committed",
    }, []string{"group"})

    AppliedIndex = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "applied_index",
        Help:      "Highest index applied to the state machine",
    }, []string{"group"})

    Elections = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "elections_total",
        Help:      "Elections started by this replica",
    }, []string{"group", "kind"})

    LeaderChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "leader_changes_total",
        Help:      "Observed leader changes",
    }, []string{"group"})

    ApplyLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
        Namespace: namespace,
        Name:      "apply_duration_seconds",
        Help:      "Time from proposal to commit for client writes",
        Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
    }, []string{"group"})

    Snapshots = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "snapshots_total",
        Help:      "Snapshot operations by kind (save, install) and result",
    }, []string{"group", "kind", "result"})

    // Replicator metrics (leader side)
    ReplicatorMatchIndex = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "replicator",
        Name:      "match_index",
        Help:      "Highest index known to be replicated to the peer",
    }, []string{"group", "peer"})
    ReplicatorInflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "replicator",
        Name:      "inflight",
        Help:      "Append batches awaiting a response",
    }, []string{"group", "peer"})
    ReplicatorRejects = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "replicator",
        Name:      "rejects_total",
        Help:      "AppendEntries rejected because of log mismatch",
    }, []string{"group", "peer"})
    ReplicatorErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "replicator",
        Name:      "errors_total",
        Help:      "Transport failures while replicating",
    }, []string{"group", "peer"})

    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })

    RPCServed = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "rpc",
        Name:      "served_total",
        Help:      "RPCs handled by this endpoint by method and result",
    }, []string{"method", "result"})
    RPCDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
        Namespace: namespace,
        Subsystem: "rpc",
        Name:      "duration_seconds",
        Help:      "Server-side RPC handling time",
        Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
    }, []string{"method"})

    RouteRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "route",
        Name:      "refreshes_total",
        Help:      "Leader refreshes by result",
    }, []string{"group", "result"})
    RouteRedirects = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "route",
        Name:      "redirects_total",
        Help:      "Requests retried against a hinted leader",
    }, []string{"group"})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(Term, IsLeader, State, CommitIndex, AppliedIndex)
        prometheus.MustRegister(Elections, LeaderChanges, ApplyLatency, Snapshots)
        prometheus.MustRegister(ReplicatorMatchIndex, ReplicatorInflight, ReplicatorRejects, ReplicatorErrors)
        prometheus.MustRegister(GRPCConnDials, GRPCConnReuse, GRPCConnEvictions, GRPCConnActive)
        prometheus.MustRegister(RPCServed, RPCDuration)
        prometheus.MustRegister(RouteRefreshes, RouteRedirects)
    })
}
