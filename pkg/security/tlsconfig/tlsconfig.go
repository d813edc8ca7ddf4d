// Package tlsconfig builds the mutual-TLS configuration shared by the gRPC
// transport and the HTTP endpoint.
package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "errors"
    "fmt"
    "os"
    "sync"
    "time"
)

var ErrNoKeyPair = errors.New("tls: cert and key files are required")

// Options defines mTLS configuration inputs. With ReloadInterval set the
// key pair is re-read from disk at most that often, so certificates can be
// rotated without a restart.
type Options struct {
    Enable             bool
    CAFile             string
    CertFile           string
    KeyFile            string
    InsecureSkipVerify bool
    ServerName         string
    ReloadInterval     time.Duration
}

func loadPool(file string) (*x509.CertPool, error) {
    pem, err := os.ReadFile(file)
    if err != nil { return nil, err }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(pem) {
        return nil, fmt.Errorf("tls: no certificates found in %s", file)
    }
    return pool, nil
}

// keyPair serves the certificate, reloading it once the interval elapsed.
// A failed reload keeps serving the previous certificate.
type keyPair struct {
    certFile, keyFile string
    every             time.Duration

    mu     sync.Mutex
    cert   *tls.Certificate
    loaded time.Time
}

func newKeyPair(certFile, keyFile string, every time.Duration) (*keyPair, error) {
    kp := &keyPair{certFile: certFile, keyFile: keyFile, every: every}
    if _, err := kp.get(); err != nil { return nil, err }
    return kp, nil
}

func (kp *keyPair) get() (*tls.Certificate, error) {
    kp.mu.Lock()
    defer kp.mu.Unlock()
    if kp.cert != nil && (kp.every <= 0 || time.Since(kp.loaded) < kp.every) {
        return kp.cert, nil
    }
    cert, err := tls.LoadX509KeyPair(kp.certFile, kp.keyFile)
    if err != nil {
        if kp.cert != nil { return kp.cert, nil }
        return nil, err
    }
    kp.cert = &cert
    kp.loaded = time.Now()
    return kp.cert, nil
}

// Server returns a tls.Config for servers if enabled, otherwise nil. A CA
// file turns on client certificate verification.
func (o Options) Server() (*tls.Config, error) {
    if !o.Enable {
        return nil, nil
    }
    if o.CertFile == "" || o.KeyFile == "" {
        return nil, ErrNoKeyPair
    }
    kp, err := newKeyPair(o.CertFile, o.KeyFile, o.ReloadInterval)
    if err != nil { return nil, err }
    cfg := &tls.Config{
        MinVersion:     tls.VersionTLS12,
        GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return kp.get() },
    }
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.ClientCAs = pool
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }
    return cfg, nil
}

// Client returns a tls.Config for clients if enabled, otherwise nil. The
// client certificate is optional.
func (o Options) Client() (*tls.Config, error) {
    if !o.Enable {
        return nil, nil
    }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: o.InsecureSkipVerify} //nolint:gosec
    if o.ServerName != "" { cfg.ServerName = o.ServerName }
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.RootCAs = pool
    }
    if o.CertFile != "" && o.KeyFile != "" {
        kp, err := newKeyPair(o.CertFile, o.KeyFile, o.ReloadInterval)
        if err != nil { return nil, err }
        cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return kp.get() }
    }
    return cfg, nil
}
