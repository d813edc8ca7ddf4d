package tlsconfig

import (
    "crypto/ecdsa"
    "crypto/elliptic"
    "crypto/rand"
    "crypto/tls"
    "crypto/x509"
    "crypto/x509/pkix"
    "encoding/pem"
    "errors"
    "math/big"
    "os"
    "path/filepath"
    "testing"
    "time"
)

// writeSelfSigned writes a self-signed certificate and key named name into
// dir and returns their paths.
func writeSelfSigned(t *testing.T, dir, name string) (string, string) {
    t.Helper()
    key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
    if err != nil { t.Fatalf("key: %v", err) }
    tmpl := &x509.Certificate{
        SerialNumber:          big.NewInt(time.Now().UnixNano()),
        Subject:               pkix.Name{CommonName: name},
        DNSNames:              []string{"localhost"},
        NotBefore:             time.Now().Add(-time.Hour),
        NotAfter:              time.Now().Add(time.Hour),
        IsCA:                  true,
        BasicConstraintsValid: true,
        KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
        ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
    }
    der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
    if err != nil { t.Fatalf("cert: %v", err) }
    kb, err := x509.MarshalECPrivateKey(key)
    if err != nil { t.Fatalf("marshal key: %v", err) }
    certFile := filepath.Join(dir, name+".crt")
    keyFile := filepath.Join(dir, name+".key")
    if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil { t.Fatal(err) }
    if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: kb}), 0o600); err != nil { t.Fatal(err) }
    return certFile, keyFile
}

func TestDisabledReturnsNil(t *testing.T) {
    s, err := Options{}.Server()
    if s != nil || err != nil { t.Fatalf("expected nil config, got %v %v", s, err) }
    c, err := Options{}.Client()
    if c != nil || err != nil { t.Fatalf("expected nil config, got %v %v", c, err) }
}

func TestServerRequiresKeyPair(t *testing.T) {
    if _, err := (Options{Enable: true}).Server(); !errors.Is(err, ErrNoKeyPair) {
        t.Fatalf("expected ErrNoKeyPair, got %v", err)
    }
}

func TestMutualTLSConfig(t *testing.T) {
    dir := t.TempDir()
    cert, key := writeSelfSigned(t, dir, "node")
    o := Options{Enable: true, CAFile: cert, CertFile: cert, KeyFile: key, ServerName: "localhost"}
    s, err := o.Server()
    if err != nil { t.Fatalf("server: %v", err) }
    if s.ClientAuth != tls.RequireAndVerifyClientCert || s.ClientCAs == nil { t.Fatalf("client verification not enabled") }
    if c, err := s.GetCertificate(nil); err != nil || c == nil { t.Fatalf("certificate: %v", err) }

    c, err := o.Client()
    if err != nil { t.Fatalf("client: %v", err) }
    if c.RootCAs == nil || c.ServerName != "localhost" || c.GetClientCertificate == nil { t.Fatalf("unexpected client config %+v", c) }
}

func TestBadCAFile(t *testing.T) {
    dir := t.TempDir()
    cert, key := writeSelfSigned(t, dir, "node")
    junk := filepath.Join(dir, "junk.pem")
    if err := os.WriteFile(junk, []byte("not a certificate"), 0o600); err != nil { t.Fatal(err) }
    if _, err := (Options{Enable: true, CAFile: junk, CertFile: cert, KeyFile: key}).Server(); err == nil {
        t.Fatalf("expected an error for a CA file without certificates")
    }
}

func TestReloadPicksUpRotatedCert(t *testing.T) {
    dir := t.TempDir()
    cert, key := writeSelfSigned(t, dir, "node")
    kp, err := newKeyPair(cert, key, time.Millisecond)
    if err != nil { t.Fatalf("load: %v", err) }
    first, _ := kp.get()

    rotatedCert, rotatedKey := writeSelfSigned(t, t.TempDir(), "node")
    for _, p := range [][2]string{{rotatedCert, cert}, {rotatedKey, key}} {
        b, err := os.ReadFile(p[0])
        if err != nil { t.Fatal(err) }
        if err := os.WriteFile(p[1], b, 0o600); err != nil { t.Fatal(err) }
    }
    time.Sleep(5 * time.Millisecond)
    second, err := kp.get()
    if err != nil { t.Fatalf("reload: %v", err) }
    if string(first.Certificate[0]) == string(second.Certificate[0]) { t.Fatalf("certificate was not reloaded") }

    // a broken file keeps the last good certificate
    if err := os.WriteFile(cert, []byte("garbage"), 0o600); err != nil { t.Fatal(err) }
    time.Sleep(5 * time.Millisecond)
    if c, err := kp.get(); err != nil || c != second { t.Fatalf("expected the previous certificate, got %v", err) }
}
