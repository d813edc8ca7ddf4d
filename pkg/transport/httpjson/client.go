package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "time"

    "google.golang.org/grpc/backoff"

    "github.com/amirimatin/go-consensus/pkg/internal/retry"
    "github.com/amirimatin/go-consensus/pkg/raft"
)

// Client talks to the HTTP endpoint of a node. Status reads are retried with
// backoff; writes are not, since an apply may have been committed even when
// the response was lost.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
    backoff   backoff.Config
}

func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{}
    return &Client{
        httpc:     &http.Client{Timeout: timeout, Transport: tr},
        transport: tr,
        backoff:   backoff.Config{BaseDelay: 100 * time.Millisecond, Multiplier: 2, Jitter: 0.1, MaxDelay: time.Second},
    }
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if c.transport != nil { c.transport.TLSClientConfig = cfg }
    c.isTLS = cfg != nil
    return c
}

func (c *Client) url(addr, path string) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
    var lastErr error
    for attempt := 0; attempt < 3; attempt++ {
        if attempt > 0 {
            select {
            case <-ctx.Done():
                return nil, ctx.Err()
            case <-time.After(retry.Delay(c.backoff, attempt)):
            }
        }
        req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
        if err != nil { return nil, err }
        resp, err := c.httpc.Do(req)
        if err != nil {
            lastErr = err
            continue
        }
        b, err := io.ReadAll(resp.Body)
        resp.Body.Close()
        if err != nil {
            lastErr = err
            continue
        }
        if resp.StatusCode != http.StatusOK {
            lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
            if resp.StatusCode < 500 { return nil, lastErr }
            continue
        }
        return b, nil
    }
    return nil, lastErr
}

// Status returns the status of every replica served at addr.
func (c *Client) Status(ctx context.Context, addr string) ([]raft.Status, error) {
    b, err := c.get(ctx, c.url(addr, "/status"))
    if err != nil { return nil, err }
    var out []raft.Status
    if err := json.Unmarshal(b, &out); err != nil { return nil, err }
    return out, nil
}

func (c *Client) GroupStatus(ctx context.Context, addr, group string) (raft.Status, error) {
    var out raft.Status
    b, err := c.get(ctx, c.url(addr, "/groups/"+group+"/status"))
    if err != nil { return out, err }
    err = json.Unmarshal(b, &out)
    return out, err
}

// Apply posts data to group at addr. A non-leader answers with a
// *raft.NotLeaderError carrying its leader hint.
func (c *Client) Apply(ctx context.Context, addr, group string, data []byte) (ApplyResponse, error) {
    var out ApplyResponse
    body, err := json.Marshal(ApplyRequest{Data: data})
    if err != nil { return out, err }
    req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(addr, "/groups/"+group+"/apply"), bytes.NewReader(body))
    if err != nil { return out, err }
    req.Header.Set("Content-Type", "application/json")
    resp, err := c.httpc.Do(req)
    if err != nil { return out, err }
    defer resp.Body.Close()
    b, err := io.ReadAll(resp.Body)
    if err != nil { return out, err }
    if jerr := json.Unmarshal(b, &out); jerr != nil && resp.StatusCode == http.StatusOK {
        return out, jerr
    }
    switch {
    case resp.StatusCode == http.StatusMisdirectedRequest:
        return out, &raft.NotLeaderError{Leader: out.Leader}
    case resp.StatusCode != http.StatusOK:
        if out.Error == "" { out.Error = string(bytes.TrimSpace(b)) }
        return out, fmt.Errorf("apply status %d: %s", resp.StatusCode, out.Error)
    }
    return out, nil
}

// Healthy reports whether addr answers /healthz with 200.
func (c *Client) Healthy(ctx context.Context, addr string) error {
    _, err := c.get(ctx, c.url(addr, "/healthz"))
    return err
}
