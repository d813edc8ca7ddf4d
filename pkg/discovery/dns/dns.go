// Package dns resolves seeds from DNS: SRV records ("_raft._tcp.example.com")
// carry their own ports, plain host names are paired with Options.Port, and
// "host:port" entries pass through untouched.
package dns

import (
    "context"
    "log"
    "net"
    "sort"
    "strconv"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-consensus/pkg/discovery"
    "github.com/amirimatin/go-consensus/pkg/internal/logutil"
)

// Resolver is the subset of *net.Resolver used here.
type Resolver interface {
    LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
    LookupHost(ctx context.Context, host string) ([]string, error)
}

type Options struct {
    Names []string
    // Port pairs with A/AAAA answers. Default 8300.
    Port int
    // Refresh bounds how long answers are cached. Default 5s.
    Refresh time.Duration
    // Timeout bounds one resolution round. Default 2s.
    Timeout  time.Duration
    Resolver Resolver
    Logger   *log.Logger
}

type source struct {
    opts Options

    mu    sync.Mutex
    last  time.Time
    cache []string
}

func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Timeout <= 0 { opts.Timeout = 2 * time.Second }
    if opts.Port == 0 { opts.Port = 8300 }
    if opts.Resolver == nil { opts.Resolver = net.DefaultResolver }
    opts.Logger = logutil.Component(opts.Logger, "dns")
    return &source{opts: opts}
}

// Seeds returns the cached answer while it is fresh. A round that resolves
// nothing keeps the previous answer.
func (s *source) Seeds() []string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if time.Since(s.last) < s.opts.Refresh && len(s.cache) > 0 {
        return append([]string(nil), s.cache...)
    }
    ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
    defer cancel()
    if res := s.resolve(ctx); len(res) > 0 || s.cache == nil {
        s.cache = res
    }
    s.last = time.Now()
    return append([]string(nil), s.cache...)
}

func (s *source) resolve(ctx context.Context) []string {
    seen := make(map[string]struct{})
    var out []string
    add := func(hp string) {
        if _, ok := seen[hp]; !ok {
            seen[hp] = struct{}{}
            out = append(out, hp)
        }
    }
    for _, name := range s.opts.Names {
        name = strings.TrimSpace(name)
        switch {
        case name == "":
        case strings.HasPrefix(name, "_"):
            for _, hp := range s.lookupSRV(ctx, name) {
                add(hp)
            }
        case strings.Contains(name, ":"):
            add(name)
        default:
            for _, hp := range s.lookupHost(ctx, name) {
                add(hp)
            }
        }
    }
    sort.Strings(out)
    return out
}

func (s *source) lookupSRV(ctx context.Context, fqdn string) []string {
    svc, proto, domain := parseSRVName(fqdn)
    if svc == "" {
        logutil.Warnf(s.opts.Logger, "ignoring malformed SRV name %q", fqdn)
        return nil
    }
    _, addrs, err := s.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
    if err != nil {
        logutil.Debugf(s.opts.Logger, "SRV %s: %v", fqdn, err)
        return nil
    }
    out := make([]string, 0, len(addrs))
    for _, a := range addrs {
        out = append(out, net.JoinHostPort(strings.TrimSuffix(a.Target, "."), strconv.Itoa(int(a.Port))))
    }
    return out
}

func (s *source) lookupHost(ctx context.Context, host string) []string {
    ips, err := s.opts.Resolver.LookupHost(ctx, host)
    if err != nil {
        logutil.Debugf(s.opts.Logger, "lookup %s: %v", host, err)
        return nil
    }
    out := make([]string, 0, len(ips))
    for _, ip := range ips {
        out = append(out, net.JoinHostPort(ip, strconv.Itoa(s.opts.Port)))
    }
    return out
}

// parseSRVName splits "_service._proto.name"; malformed input yields empties.
func parseSRVName(fqdn string) (service, proto, name string) {
    parts := strings.SplitN(fqdn, ".", 3)
    if len(parts) < 3 || !strings.HasPrefix(parts[0], "_") || !strings.HasPrefix(parts[1], "_") || parts[2] == "" {
        return "", "", ""
    }
    return parts[0][1:], parts[1][1:], parts[2]
}
