package grpc

import (
    "context"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/connectivity"

    obsmetrics "github.com/amirimatin/go-consensus/pkg/observability/metrics"
)

// Dialer opens a client connection to addr.
type Dialer func(ctx context.Context, addr string) (*grpc.ClientConn, error)

// ConnManager shares one client connection per peer address between all the
// groups that talk to it. Idle connections are closed after ttl; broken ones
// are replaced on the next Get.
type ConnManager struct {
    mu      sync.Mutex
    conns   map[string]*managedConn
    ttl     time.Duration
    dial    Dialer
    closing chan struct{}
    once    sync.Once
}

type managedConn struct {
    cc       *grpc.ClientConn
    lastUsed time.Time
    ref      int
}

func NewConnManager(ttl time.Duration, dial Dialer) *ConnManager {
    if ttl <= 0 { ttl = 30 * time.Second }
    m := &ConnManager{ttl: ttl, dial: dial, conns: make(map[string]*managedConn), closing: make(chan struct{})}
    go m.janitor()
    return m
}

// Get returns a connection for addr and a release func to call when done.
func (m *ConnManager) Get(ctx context.Context, addr string) (*grpc.ClientConn, func(), error) {
    m.mu.Lock()
    if mc, ok := m.conns[addr]; ok {
        if mc.cc.GetState() != connectivity.Shutdown {
            mc.ref++
            mc.lastUsed = time.Now()
            m.mu.Unlock()
            obsmetrics.GRPCConnReuse.Inc()
            return mc.cc, func() { m.release(addr) }, nil
        }
        m.dropLocked(addr)
    }
    m.mu.Unlock()

    cc, err := m.dial(ctx, addr)
    if err != nil { return nil, func() {}, err }

    m.mu.Lock()
    defer m.mu.Unlock()
    if existing, ok := m.conns[addr]; ok {
        // lost the race to another dialer
        _ = cc.Close()
        existing.ref++
        existing.lastUsed = time.Now()
        obsmetrics.GRPCConnReuse.Inc()
        return existing.cc, func() { m.release(addr) }, nil
    }
    m.conns[addr] = &managedConn{cc: cc, lastUsed: time.Now(), ref: 1}
    obsmetrics.GRPCConnDials.Inc()
    obsmetrics.GRPCConnActive.Inc()
    return cc, func() { m.release(addr) }, nil
}

// Forget closes the connection to addr so the next Get dials again. Calls
// still holding it see their RPCs fail.
func (m *ConnManager) Forget(addr string) {
    m.mu.Lock()
    m.dropLocked(addr)
    m.mu.Unlock()
}

func (m *ConnManager) dropLocked(addr string) {
    mc, ok := m.conns[addr]
    if !ok {
        return
    }
    _ = mc.cc.Close()
    delete(m.conns, addr)
    obsmetrics.GRPCConnActive.Dec()
}

func (m *ConnManager) release(addr string) {
    m.mu.Lock()
    if mc, ok := m.conns[addr]; ok {
        if mc.ref > 0 { mc.ref-- }
        mc.lastUsed = time.Now()
    }
    m.mu.Unlock()
}

// Len reports the number of cached connections.
func (m *ConnManager) Len() int {
    m.mu.Lock()
    defer m.mu.Unlock()
    return len(m.conns)
}

// Close closes all cached connections and stops the janitor.
func (m *ConnManager) Close() {
    m.once.Do(func() { close(m.closing) })
    m.mu.Lock()
    for addr := range m.conns {
        m.dropLocked(addr)
    }
    m.mu.Unlock()
}

func (m *ConnManager) janitor() {
    ticker := time.NewTicker(m.ttl / 2)
    defer ticker.Stop()
    for {
        select {
        case <-m.closing:
            return
        case <-ticker.C:
            cutoff := time.Now().Add(-m.ttl)
            m.mu.Lock()
            for addr, mc := range m.conns {
                if mc.ref == 0 && mc.lastUsed.Before(cutoff) {
                    m.dropLocked(addr)
                    obsmetrics.GRPCConnEvictions.Inc()
                }
            }
            m.mu.Unlock()
        }
    }
}
