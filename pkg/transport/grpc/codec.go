package grpc

import (
    "encoding/json"
    "errors"

    "google.golang.org/grpc/encoding"

    "github.com/amirimatin/go-consensus/pkg/raft"
)

// jsonCodec carries every message as JSON so that no protobuf code
// generation is needed. Entry payloads and snapshot chunks travel base64
// encoded.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (jsonCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (jsonCodec) Name() string                    { return "json" }

func init() { encoding.RegisterCodec(jsonCodec{}) }

// wireError is how a consensus error crosses the wire. Code names one of the
// raft sentinel errors so that errors.Is keeps working on the client.
type wireError struct {
    Code    string      `json:"code"`
    Message string      `json:"message"`
    Leader  raft.PeerID `json:"leader,omitempty"`
}

var errorCodes = []struct {
    code string
    err  error
}{
    {"not_leader", raft.ErrNotLeader},
    {"leader_step_down", raft.ErrLeaderStepDown},
    {"leader_transferring", raft.ErrLeaderTransferring},
    {"timeout", raft.ErrTimeout},
    {"shutdown", raft.ErrShutdown},
    {"node_failed", raft.ErrNodeFailed},
    {"conf_change_in_progress", raft.ErrConfChangeInProgress},
    {"empty_configuration", raft.ErrEmptyConfiguration},
    {"unknown_peer", raft.ErrUnknownPeer},
    {"catchup_timeout", raft.ErrCatchupTimeout},
    {"snapshot_in_progress", raft.ErrSnapshotInProgress},
    {"no_snapshot", raft.ErrNoSnapshot},
    {"read_only", raft.ErrReadOnly},
    {"io_failure", raft.ErrIO},
}

func toWire(err error) *wireError {
    if err == nil {
        return nil
    }
    w := &wireError{Code: "internal", Message: err.Error()}
    for _, c := range errorCodes {
        if errors.Is(err, c.err) {
            w.Code = c.code
            break
        }
    }
    if hint, ok := raft.LeaderHint(err); ok {
        w.Leader = hint
    }
    return w
}

// remoteError keeps the server's message while matching the sentinel it was
// raised from.
type remoteError struct {
    msg      string
    sentinel error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }

func fromWire(w *wireError) error {
    if w == nil {
        return nil
    }
    if w.Code == "not_leader" {
        return &raft.NotLeaderError{Leader: w.Leader}
    }
    for _, c := range errorCodes {
        if c.code == w.Code {
            return &remoteError{msg: w.Message, sentinel: c.err}
        }
    }
    return errors.New(w.Message)
}
