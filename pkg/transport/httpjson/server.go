package httpjson

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "io"
    "log"
    "net"
    "net/http"
    "sort"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/amirimatin/go-consensus/pkg/internal/logutil"
    "github.com/amirimatin/go-consensus/pkg/observability/tracing"
    "github.com/amirimatin/go-consensus/pkg/raft"
)

// Source lists the replicas an endpoint serves.
type Source interface {
    Groups() map[string][]*raft.Node
}

// ApplyRequest is the body of POST /groups/{group}/apply.
type ApplyRequest struct {
    Data []byte `json:"data"`
}

// ApplyResponse reports the committed position or, on failure, the error and
// the leader to retry against.
type ApplyResponse struct {
    Index  uint64      `json:"index,omitempty"`
    Term   uint64      `json:"term,omitempty"`
    Result any         `json:"result,omitempty"`
    Error  string      `json:"error,omitempty"`
    Leader raft.PeerID `json:"leader,omitempty"`
}

// Forwarder proposes to the current leader of a group, wherever it runs.
type Forwarder interface {
    Apply(ctx context.Context, group string, data []byte) (raft.ApplyResult, error)
}

// Server is a small HTTP endpoint for operators and tooling: replica status,
// health, Prometheus metrics and a write path for quick experiments.
type Server struct {
    bind   string
    srv    *http.Server
    lis    net.Listener
    src    Source
    logger *log.Logger
    tlsCfg *tls.Config
    fwd    Forwarder
}

func NewServer(bind string, src Source, logger *log.Logger) *Server {
    return &Server{bind: bind, src: src, logger: logutil.Component(logger, "http")}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// UseForwarder sends applies that reach a follower on to the leader instead
// of answering 421.
func (s *Server) UseForwarder(f Forwarder) *Server { s.fwd = f; return s }

// Handler returns the routes without starting a listener.
func (s *Server) Handler() http.Handler {
    mux := http.NewServeMux()
    mux.HandleFunc("GET /status", s.handleStatus)
    mux.HandleFunc("GET /groups/{group}/status", s.handleGroupStatus)
    mux.HandleFunc("POST /groups/{group}/apply", s.handleApply)
    mux.HandleFunc("GET /healthz", s.handleHealth)
    mux.Handle("GET /metrics", promhttp.Handler())
    return mux
}

// Start serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
    s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    if s.tlsCfg != nil {
        ln = tls.NewListener(ln, s.tlsCfg)
    }
    s.lis = ln
    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func(srv *http.Server) {
        if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
            logutil.Errorf(s.logger, "server error: %v", err)
        }
    }(s.srv)
    logutil.Infof(s.logger, "listening on %s", ln.Addr())
    return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    if s.srv == nil { return nil }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    err := s.srv.Shutdown(c)
    s.srv = nil
    return err
}

func writeJSON(w http.ResponseWriter, code int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(code)
    _ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
    _, end := tracing.StartSpan(r.Context(), "http.status")
    defer end()
    var out []raft.Status
    for _, nodes := range s.src.Groups() {
        for _, n := range nodes {
            out = append(out, n.Status())
        }
    }
    sort.Slice(out, func(i, j int) bool {
        if out[i].Group != out[j].Group { return out[i].Group < out[j].Group }
        return out[i].ID.Less(out[j].ID)
    })
    writeJSON(w, http.StatusOK, out)
}

func (s *Server) node(w http.ResponseWriter, r *http.Request) *raft.Node {
    nodes := s.src.Groups()[r.PathValue("group")]
    if len(nodes) == 0 {
        http.Error(w, "group not served here", http.StatusNotFound)
        return nil
    }
    if q := r.URL.Query().Get("replica"); q != "" {
        id, err := raft.ParsePeerID(q)
        if err != nil {
            http.Error(w, err.Error(), http.StatusBadRequest)
            return nil
        }
        for _, n := range nodes {
            if n.ID() == id { return n }
        }
        http.Error(w, "replica not served here", http.StatusNotFound)
        return nil
    }
    // prefer the leader when several replicas share the endpoint
    for _, n := range nodes {
        if n.IsLeader() { return n }
    }
    return nodes[0]
}

func (s *Server) handleGroupStatus(w http.ResponseWriter, r *http.Request) {
    n := s.node(w, r)
    if n == nil { return }
    writeJSON(w, http.StatusOK, n.Status())
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
    n := s.node(w, r)
    if n == nil { return }
    ctx, end := tracing.StartSpan(r.Context(), "http.apply", "group", n.GroupID())
    defer end()
    var req ApplyRequest
    body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
    if err == nil { err = json.Unmarshal(body, &req) }
    if err != nil {
        writeJSON(w, http.StatusBadRequest, ApplyResponse{Error: "bad request: " + err.Error()})
        return
    }
    res, err := n.Apply(ctx, req.Data)
    if err != nil && s.fwd != nil && errors.Is(err, raft.ErrNotLeader) {
        logutil.Debugf(s.logger, "forwarding apply for %s to the leader", n.GroupID())
        res, err = s.fwd.Apply(ctx, n.GroupID(), req.Data)
    }
    if err != nil {
        out := ApplyResponse{Error: err.Error()}
        code := http.StatusInternalServerError
        switch {
        case errors.Is(err, raft.ErrNotLeader):
            out.Leader, _ = raft.LeaderHint(err)
            code = http.StatusMisdirectedRequest
        case errors.Is(err, raft.ErrTimeout), errors.Is(err, raft.ErrLeaderTransferring), errors.Is(err, raft.ErrLeaderStepDown):
            code = http.StatusServiceUnavailable
        case errors.Is(err, raft.ErrReadOnly):
            code = http.StatusForbidden
        }
        writeJSON(w, code, out)
        return
    }
    writeJSON(w, http.StatusOK, ApplyResponse{Index: res.Index, Term: res.Term, Result: res.Response})
}

// handleHealth fails when any served replica has left its group after a
// storage failure.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
    for group, nodes := range s.src.Groups() {
        for _, n := range nodes {
            if n.State() == raft.Error {
                http.Error(w, "replica "+n.ID().String()+" of "+group+" failed", http.StatusServiceUnavailable)
                return
            }
        }
    }
    w.WriteHeader(http.StatusOK)
    _, _ = w.Write([]byte("ok"))
}
