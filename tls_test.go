package goco

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
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// xorSession is a toy TLSSession over a raw socket: a one-byte hello each
// way, payload xor-ed with a key. The first Handshake call asks for
// writability without doing anything, so both direction flips happen.
type xorSession struct {
	fd  int
	key byte

	mu        sync.Mutex
	steps     []TLSStep
	flushed   bool
	sentHello bool
	gotHello  bool
}

func (s *xorSession) record(st TLSStep) TLSStep {
	s.mu.Lock()
	s.steps = append(s.steps, st)
	s.mu.Unlock()
	return st
}

func (s *xorSession) Handshake() TLSStep {
	if !s.flushed {
		s.flushed = true
		return s.record(TLSWantWrite)
	}
	if !s.sentHello {
		if _, err := unix.Write(s.fd, []byte{'H'}); err != nil {
			if err == unix.EAGAIN {
				return s.record(TLSWantWrite)
			}
			return s.record(TLSFailed)
		}
		s.sentHello = true
	}
	if !s.gotHello {
		var b [1]byte
		n, err := unix.Read(s.fd, b[:])
		if err == unix.EAGAIN {
			return s.record(TLSWantRead)
		}
		if err != nil || n != 1 || b[0] != 'H' {
			return s.record(TLSFailed)
		}
		s.gotHello = true
	}
	return s.record(TLSDone)
}

func (s *xorSession) Read(p []byte) (int, TLSStep) {
	n, err := unix.Read(s.fd, p)
	if err == unix.EAGAIN {
		return 0, TLSWantRead
	}
	if err != nil {
		return 0, TLSFailed
	}
	for i := range p[:n] {
		p[i] ^= s.key
	}
	return n, TLSDone
}

func (s *xorSession) Write(p []byte) (int, TLSStep) {
	enc := make([]byte, len(p))
	for i := range p {
		enc[i] = p[i] ^ s.key
	}
	n, err := unix.Write(s.fd, enc)
	if err == unix.EAGAIN {
		return 0, TLSWantWrite
	}
	if err != nil {
		return 0, TLSFailed
	}
	return n, TLSDone
}

func (s *xorSession) Shutdown() TLSStep { return TLSDone }

func (s *xorSession) sawStep(st TLSStep) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.steps {
		if v == st {
			return true
		}
	}
	return false
}

func TestTLSConn_HandshakeAndData(t *testing.T) {
	rt := newTestRuntime(t, 2)
	a, b := socketPair(t)
	sa := &xorSession{fd: a, key: 0x5a}
	sb := &xorSession{fd: b, key: 0x5a}
	ca := NewTLSConn(newConn(rt, a, ProtoTCP), sa)
	cb := NewTLSConn(newConn(rt, b, ProtoTCP), sb)

	got := make(chan string, 1)
	if _, err := rt.Spawn(func(tk *Task) {
		defer cb.Close(tk)
		if err := cb.Handshake(tk); err != nil {
			got <- "handshake: " + err.Error()
			return
		}
		buf := make([]byte, 16)
		n, err := cb.Recv(tk, buf)
		if err != nil {
			got <- "recv: " + err.Error()
			return
		}
		got <- string(buf[:n])
		if n, _ = cb.Recv(tk, buf); n != 0 {
			got <- "expected close"
		}
	}); err != nil {
		t.Fatal(err)
	}
	runTask(t, rt, 2*time.Second, func(tk *Task) {
		if err := ca.Handshake(tk); err != nil {
			t.Errorf("Handshake: %v", err)
			return
		}
		if _, err := ca.SendAll(tk, []byte("ping")); err != nil {
			t.Errorf("SendAll: %v", err)
		}
		if err := ca.Close(tk); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	select {
	case s := <-got:
		if s != "ping" {
			t.Fatalf("peer got %q", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer did not receive")
	}
	for _, s := range []*xorSession{sa, sb} {
		if !s.sawStep(TLSWantWrite) || !s.sawStep(TLSDone) {
			t.Fatalf("handshake steps %v", s.steps)
		}
	}
	// at least one side had to wait for the other's hello
	if !sa.sawStep(TLSWantRead) && !sb.sawStep(TLSWantRead) {
		t.Fatalf("no side ever waited for readability")
	}
	if ca.Event().Registered() {
		t.Fatalf("tls event left registered")
	}
}

type failSession struct{}

func (failSession) Handshake() TLSStep          { return TLSFailed }
func (failSession) Read([]byte) (int, TLSStep)  { return 0, TLSFailed }
func (failSession) Write([]byte) (int, TLSStep) { return 0, TLSFailed }
func (failSession) Shutdown() TLSStep           { return TLSFailed }

func TestTLSConn_Failure(t *testing.T) {
	rt := newTestRuntime(t, 1)
	a, b := socketPair(t)
	defer unix.Close(b)
	tc := NewTLSConn(newConn(rt, a, ProtoTCP), failSession{})
	var err error
	runTask(t, rt, time.Second, func(tk *Task) {
		err = tc.Handshake(tk)
		tc.Close(tk)
	})
	if !errors.Is(err, ErrTLSFailed) {
		t.Fatalf("Handshake = %v", err)
	}
}

func TestParseTLSVersion(t *testing.T) {
	cases := map[string]uint16{
		"":       0,
		"tls1.2": tls.VersionTLS12,
		"TLS13":  tls.VersionTLS13,
		"1.1":    tls.VersionTLS11,
		" v1.0 ": tls.VersionTLS10,
	}
	for in, want := range cases {
		got, err := ParseTLSVersion(in)
		if err != nil || got != want {
			t.Errorf("ParseTLSVersion(%q) = %x, %v", in, got, err)
		}
	}
	for _, in := range []string{"ssl3", "tls2.0", "1.9"} {
		if _, err := ParseTLSVersion(in); err == nil {
			t.Errorf("ParseTLSVersion(%q) accepted", in)
		}
	}
}

func writeSelfSigned(t *testing.T, key *ecdsa.PrivateKey, serial int64, certPath, keyPath string) {
	t.Helper()
	tpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: "goco.test"},
		DNSNames:     []string{"goco.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	if keyPath != "" {
		if err = os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err = os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644); err != nil {
		t.Fatal(err)
	}
}

func serialOf(t *testing.T, c *tls.Certificate) int64 {
	t.Helper()
	leaf, err := x509.ParseCertificate(c.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	return leaf.SerialNumber.Int64()
}

func TestCertReloader(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	writeSelfSigned(t, key, 1, certPath, keyPath)

	cr, err := NewCertReloader(certPath, keyPath, NullLog())
	if err != nil {
		t.Fatalf("NewCertReloader: %v", err)
	}
	defer cr.Close()
	c, _ := cr.GetCertificate(nil)
	if c == nil || serialOf(t, c) != 1 || cr.Reloads() != 1 {
		t.Fatalf("initial load: reloads=%d", cr.Reloads())
	}

	cfg, err := LoadTLSConfig(certPath, keyPath, "tls1.2", "", cr)
	if err != nil {
		t.Fatalf("LoadTLSConfig: %v", err)
	}
	if cfg.GetCertificate == nil || cfg.MinVersion != tls.VersionTLS12 {
		t.Fatalf("config not wired to the reloader")
	}

	writeSelfSigned(t, key, 2, certPath, "")
	eventually(t, 2*time.Second, func() bool {
		c, _ := cr.GetCertificate(nil)
		return serialOf(t, c) == 2
	}, "certificate reload")

	if err = cr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	cr.Close()
}

func TestLoadTLSConfig(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	writeSelfSigned(t, key, 7, certPath, keyPath)

	cfg, err := LoadTLSConfig(certPath, keyPath, "", "tls1.3", nil)
	if err != nil {
		t.Fatalf("LoadTLSConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 || cfg.MinVersion != tls.VersionTLS12 || cfg.MaxVersion != tls.VersionTLS13 {
		t.Fatalf("config %+v", cfg)
	}
	if _, err = LoadTLSConfig(certPath, keyPath, "tls1.3", "tls1.2", nil); err == nil {
		t.Fatalf("max below min accepted")
	}
	if _, err = LoadTLSConfig(filepath.Join(dir, "none.pem"), keyPath, "", "", nil); err == nil {
		t.Fatalf("missing cert accepted")
	}
	if _, err = NewCertReloader(filepath.Join(dir, "none.pem"), keyPath, NullLog()); err == nil {
		t.Fatalf("reloader accepted a missing cert")
	}
}
