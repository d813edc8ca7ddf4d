package raft

import (
    "errors"
    "fmt"
    "log"
    "time"

    "google.golang.org/grpc/backoff"
)

// Options configure a Node. Zero values take the defaults of DefaultOptions.
type Options struct {
    // GroupID names the consensus group; it is stamped on every RPC.
    GroupID string
    // LocalID is this replica's identity.
    LocalID PeerID
    // InitialConfiguration bootstraps a fresh group. It is ignored when the
    // storage already holds state.
    InitialConfiguration Configuration

    // Election timing. Each timeout is drawn from
    // [ElectionTimeout, ElectionTimeout+ElectionJitter); consecutive lost
    // elections add ElectionBackoff.
    ElectionTimeout time.Duration
    ElectionJitter  time.Duration
    ElectionBackoff backoff.Config
    DisablePreVote  bool

    // Replication.
    HeartbeatInterval  time.Duration
    RPCTimeout         time.Duration
    ReplicationBackoff backoff.Config
    MaxInflight        int
    MaxBatchEntries    int
    MaxBatchBytes      int

    // Proposals.
    MaxProposalBatch int
    ApplyTimeout     time.Duration

    // Snapshots. A snapshot is taken once SnapshotThreshold entries were
    // applied or SnapshotThresholdBytes were appended since the last one;
    // the condition is checked on apply and every SnapshotInterval.
    SnapshotThreshold      uint64
    SnapshotThresholdBytes uint64
    SnapshotInterval       time.Duration
    SnapshotTrailingLogs   uint64
    SnapshotChunkSize      int

    // Membership changes wait until new peers are within CatchupMargin
    // entries of the leader, for at most CatchupTimeout.
    CatchupMargin  uint64
    CatchupTimeout time.Duration

    Logger *log.Logger
}

func DefaultOptions() Options {
    return Options{
        ElectionTimeout:   1000 * time.Millisecond,
        ElectionJitter:    1000 * time.Millisecond,
        ElectionBackoff: backoff.Config{
            BaseDelay:  100 * time.Millisecond,
            Multiplier: 1.6,
            Jitter:     0.2,
            MaxDelay:   5 * time.Second,
        },
        HeartbeatInterval: 100 * time.Millisecond,
        RPCTimeout:        1000 * time.Millisecond,
        ReplicationBackoff: backoff.Config{
            BaseDelay:  50 * time.Millisecond,
            Multiplier: 1.6,
            Jitter:     0.2,
            MaxDelay:   2 * time.Second,
        },
        MaxInflight:            8,
        MaxBatchEntries:        256,
        MaxBatchBytes:          1 << 20,
        MaxProposalBatch:       128,
        ApplyTimeout:           10 * time.Second,
        SnapshotThreshold:      8192,
        SnapshotThresholdBytes: 64 << 20,
        SnapshotInterval:       2 * time.Minute,
        SnapshotTrailingLogs:   1024,
        SnapshotChunkSize:      256 << 10,
        CatchupMargin:          100,
        CatchupTimeout:         30 * time.Second,
        Logger:                 log.Default(),
    }
}

// withDefaults fills zero fields from DefaultOptions.
func (o Options) withDefaults() Options {
    d := DefaultOptions()
    if o.ElectionTimeout <= 0 { o.ElectionTimeout = d.ElectionTimeout }
    if o.ElectionJitter <= 0 { o.ElectionJitter = o.ElectionTimeout }
    if o.ElectionBackoff.BaseDelay <= 0 { o.ElectionBackoff = d.ElectionBackoff }
    if o.HeartbeatInterval <= 0 { o.HeartbeatInterval = o.ElectionTimeout / 10 }
    if o.RPCTimeout <= 0 { o.RPCTimeout = o.ElectionTimeout }
    if o.ReplicationBackoff.BaseDelay <= 0 { o.ReplicationBackoff = d.ReplicationBackoff }
    if o.MaxInflight <= 0 { o.MaxInflight = d.MaxInflight }
    if o.MaxBatchEntries <= 0 { o.MaxBatchEntries = d.MaxBatchEntries }
    if o.MaxBatchBytes <= 0 { o.MaxBatchBytes = d.MaxBatchBytes }
    if o.MaxProposalBatch <= 0 { o.MaxProposalBatch = d.MaxProposalBatch }
    if o.ApplyTimeout <= 0 { o.ApplyTimeout = d.ApplyTimeout }
    if o.SnapshotThreshold == 0 { o.SnapshotThreshold = d.SnapshotThreshold }
    if o.SnapshotThresholdBytes == 0 { o.SnapshotThresholdBytes = d.SnapshotThresholdBytes }
    if o.SnapshotInterval <= 0 { o.SnapshotInterval = d.SnapshotInterval }
    if o.SnapshotChunkSize <= 0 { o.SnapshotChunkSize = d.SnapshotChunkSize }
    if o.CatchupMargin == 0 { o.CatchupMargin = d.CatchupMargin }
    if o.CatchupTimeout <= 0 { o.CatchupTimeout = d.CatchupTimeout }
    if o.Logger == nil { o.Logger = d.Logger }
    return o
}

// Validate checks Options after defaults are applied.
func (o Options) Validate() error {
    o = o.withDefaults()
    if o.LocalID.IsEmpty() {
        return errors.New("raft: empty LocalID")
    }
    if o.HeartbeatInterval >= o.ElectionTimeout {
        return fmt.Errorf("raft: heartbeat interval %s must be below election timeout %s", o.HeartbeatInterval, o.ElectionTimeout)
    }
    if o.ElectionBackoff.Multiplier < 1 || o.ReplicationBackoff.Multiplier < 1 {
        return errors.New("raft: backoff multiplier must be >= 1")
    }
    if !o.InitialConfiguration.IsEmpty() && !o.InitialConfiguration.Contains(o.LocalID) {
        return fmt.Errorf("raft: initial configuration %s does not contain %s", o.InitialConfiguration, o.LocalID)
    }
    return nil
}
