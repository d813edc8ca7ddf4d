package bootstrap

import (
    "context"
    "crypto/rand"
    "crypto/rsa"
    "crypto/x509"
    "crypto/x509/pkix"
    "encoding/pem"
    "math/big"
    "net"
    "os"
    "path/filepath"
    "testing"
    "time"

    tlsx "github.com/amirimatin/go-consensus/pkg/security/tlsconfig"
    "github.com/amirimatin/go-consensus/pkg/state/kv"
    grpcx "github.com/amirimatin/go-consensus/pkg/transport/grpc"
)

func writePEM(t *testing.T, path, typ string, der []byte) {
    t.Helper()
    if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der}), 0o600); err != nil {
        t.Fatalf("write %s: %v", path, err)
    }
}

// makeCerts writes a CA and one node certificate it signed, valid for
// 127.0.0.1 as both server and client.
func makeCerts(t *testing.T, dir string) (ca, cert, key string) {
    t.Helper()
    caPriv, err := rsa.GenerateKey(rand.Reader, 2048)
    if err != nil { t.Fatal(err) }
    caTpl := &x509.Certificate{
        SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "go-consensus-ca"},
        NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(24 * time.Hour),
        KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign, IsCA: true, BasicConstraintsValid: true,
    }
    caDER, err := x509.CreateCertificate(rand.Reader, caTpl, caTpl, &caPriv.PublicKey, caPriv)
    if err != nil { t.Fatal(err) }
    ca = filepath.Join(dir, "ca.crt")
    writePEM(t, ca, "CERTIFICATE", caDER)

    priv, err := rsa.GenerateKey(rand.Reader, 2048)
    if err != nil { t.Fatal(err) }
    tpl := &x509.Certificate{
        SerialNumber: big.NewInt(2), Subject: pkix.Name{CommonName: "node"},
        NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(24 * time.Hour),
        KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
        ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
        IPAddresses: []net.IP{net.ParseIP("127.0.0.1")},
    }
    der, err := x509.CreateCertificate(rand.Reader, tpl, caTpl, &priv.PublicKey, caPriv)
    if err != nil { t.Fatal(err) }
    cert, key = filepath.Join(dir, "node.crt"), filepath.Join(dir, "node.key")
    writePEM(t, cert, "CERTIFICATE", der)
    writePEM(t, key, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(priv))
    return ca, cert, key
}

func TestRun_MutualTLS(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    ca, cert, key := makeCerts(t, t.TempDir())
    withTLS := func(cfg Config) Config {
        cfg.TLSEnable, cfg.TLSCA, cfg.TLSCert, cfg.TLSKey = true, ca, cert, key
        return cfg
    }

    cfg := withTLS(quietConfig())
    cfg.Bootstrap = true
    a, err := Run(ctx, cfg)
    if err != nil { t.Fatalf("run a: %v", err) }
    defer a.Close()
    na, _ := a.Node(DefaultGroup)
    waitUntil(t, 5*time.Second, "a to lead", na.IsLeader)

    cfg = withTLS(quietConfig())
    cfg.SeedsCSV = a.ID().String()
    b, err := Run(ctx, cfg)
    if err != nil { t.Fatalf("run b: %v", err) }
    defer b.Close()

    opCtx, opCancel := context.WithTimeout(ctx, 10*time.Second)
    defer opCancel()
    if err := b.Router().AddPeer(opCtx, DefaultGroup, b.ID()); err != nil { t.Fatalf("add b: %v", err) }
    if _, err := b.Router().Apply(opCtx, DefaultGroup, kv.Set("secret", "s3")); err != nil { t.Fatalf("apply: %v", err) }
    store := b.StateMachine(DefaultGroup).(*kv.Store)
    waitUntil(t, 5*time.Second, "replication over TLS", func() bool { v, _ := store.Get("secret"); return v == "s3" })

    // a client with the CA but no certificate of its own is refused
    opts := tlsx.Options{Enable: true, CAFile: ca}
    cliTLS, err := opts.Client()
    if err != nil { t.Fatalf("client tls: %v", err) }
    anon := grpcx.NewClient(time.Second).UseTLS(cliTLS)
    defer anon.Close()
    if _, err := anon.Status(opCtx, a.ID(), DefaultGroup); err == nil {
        t.Fatalf("expected a handshake failure without a client certificate")
    }
}
