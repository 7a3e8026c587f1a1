package goco

import (
	"crypto/tls"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// TLSStep is what a TLS session needs after one step
type TLSStep uint8

const (
	TLSDone TLSStep = iota
	TLSWantRead
	TLSWantWrite
	TLSFailed
)

func (s TLSStep) String() string {
	switch s {
	case TLSDone:
		return "done"
	case TLSWantRead:
		return "want-read"
	case TLSWantWrite:
		return "want-write"
	}
	return "failed"
}

// TLSSession is an opaque non-blocking TLS engine bound to one socket.
// Each call performs as much work as the socket allows and reports the
// readiness it needs to continue.
type TLSSession interface {
	Handshake() TLSStep
	Read(p []byte) (int, TLSStep)
	Write(p []byte) (int, TLSStep)
	Shutdown() TLSStep
}

// TLSConn runs a TLSSession over a Conn, flipping the Event direction
// whenever the session asks for the other one.
type TLSConn struct {
	*Conn
	session TLSSession
}

// NewTLSConn takes over c. c must not be used directly afterwards.
func NewTLSConn(c *Conn, s TLSSession) *TLSConn {
	c.ev.mu.Lock()
	c.ev.net.proto = ProtoTLS
	c.ev.net.tls = s
	c.ev.mu.Unlock()
	return &TLSConn{Conn: c, session: s}
}

// Handshake completes the session handshake
func (tc *TLSConn) Handshake(t *Task) error {
	_, err := tc.do(t, OpAccept, DirRead, nil)
	return err
}

// Recv returns decrypted bytes, 0, nil on close_notify
func (tc *TLSConn) Recv(t *Task, buf []byte) (int, error) {
	res, err := tc.do(t, OpRecv, DirRead, buf)
	return res.N, err
}

func (tc *TLSConn) Send(t *Task, buf []byte) (int, error) {
	res, err := tc.do(t, OpSend, DirWrite, buf)
	return res.N, err
}

func (tc *TLSConn) SendAll(t *Task, buf []byte) (int, error) {
	sent := 0
	for sent < len(buf) {
		n, err := tc.Send(t, buf[sent:])
		sent += n
		if err != nil {
			return sent, err
		}
	}
	return sent, nil
}

// Close sends the session shutdown, then closes the socket
func (tc *TLSConn) Close(t *Task) error {
	_, err := tc.do(t, OpClose, DirWrite, nil)
	if cerr := tc.Conn.Close(); err == nil {
		err = cerr
	}
	return err
}

var tlsVersions = map[string]uint16{
	"":       0,
	"tls1.0": tls.VersionTLS10,
	"tls1.1": tls.VersionTLS11,
	"tls1.2": tls.VersionTLS12,
	"tls1.3": tls.VersionTLS13,
}

// ParseTLSVersion accepts tls1.0 .. tls1.3 (also 1.2, TLS12 and so on)
func ParseTLSVersion(s string) (uint16, error) {
	k := strings.ToLower(strings.TrimSpace(s))
	k = strings.TrimPrefix(k, "tls")
	k = strings.TrimPrefix(k, "v")
	if len(k) == 2 && k[0] == '1' {
		k = "1." + k[1:]
	}
	if k != "" {
		k = "tls" + k
	}
	v, ok := tlsVersions[k]
	if !ok {
		return 0, errors.New("unknown tls version: " + s)
	}
	return v, nil
}

// LoadTLSConfig builds a server *tls.Config from PEM files. With a
// reloader, certificates are served through it and follow file changes.
func LoadTLSConfig(certPath, keyPath, minVersion, maxVersion string, reloader *CertReloader) (*tls.Config, error) {
	minV, err := ParseTLSVersion(minVersion)
	if err != nil {
		return nil, err
	}
	maxV, err := ParseTLSVersion(maxVersion)
	if err != nil {
		return nil, err
	}
	if minV == 0 {
		minV = tls.VersionTLS12
	}
	if maxV != 0 && maxV < minV {
		return nil, errors.New("tls max version below min version")
	}
	cfg := &tls.Config{
		MinVersion: minV,
		MaxVersion: maxV,
	}
	if reloader != nil {
		cfg.GetCertificate = reloader.GetCertificate
		return cfg, nil
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, errors.New("load tls key pair: " + err.Error())
	}
	cfg.Certificates = []tls.Certificate{cert}
	return cfg, nil
}

// CertReloader keeps the current key pair and reloads it when either file
// is written, created or renamed in place.
type CertReloader struct {
	certPath, keyPath string

	cert    atomic.Pointer[tls.Certificate]
	watcher *fsnotify.Watcher
	log     *Log

	reloads atomic.Int64
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewCertReloader loads the pair once and starts watching both directories
func NewCertReloader(certPath, keyPath string, log *Log) (*CertReloader, error) {
	cr := &CertReloader{
		certPath: certPath,
		keyPath:  keyPath,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := cr.reload(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.New("create cert watcher: " + err.Error())
	}
	dirs := map[string]struct{}{
		filepath.Dir(certPath): {},
		filepath.Dir(keyPath):  {},
	}
	for dir := range dirs {
		if err = watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, errors.New("watch cert dir " + dir + ": " + err.Error())
		}
	}
	cr.watcher = watcher
	go cr.run()
	return cr, nil
}

func (cr *CertReloader) reload() error {
	cert, err := tls.LoadX509KeyPair(cr.certPath, cr.keyPath)
	if err != nil {
		return errors.New("load tls key pair: " + err.Error())
	}
	cr.cert.Store(&cert)
	cr.reloads.Add(1)
	return nil
}

// GetCertificate fits tls.Config.GetCertificate
func (cr *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return cr.cert.Load(), nil
}

// Reloads counts successful loads, the initial one included
func (cr *CertReloader) Reloads() int64 { return cr.reloads.Load() }

func (cr *CertReloader) run() {
	defer close(cr.done)
	certName, keyName := filepath.Clean(cr.certPath), filepath.Clean(cr.keyPath)
	for {
		select {
		case <-cr.stop:
			return
		case ev, ok := <-cr.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Clean(ev.Name)
			if name != certName && name != keyName {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// a half-written pair fails to parse, the next event retries
			if err := cr.reload(); err != nil {
				cr.log.Warn("cert reload: %s", err.Error())
			} else {
				cr.log.Info("cert reloaded from %s", cr.certPath)
			}
		case err, ok := <-cr.watcher.Errors:
			if !ok {
				return
			}
			cr.log.Warn("cert watcher: %s", err.Error())
		}
	}
}

// Close stops watching. Idempotent.
func (cr *CertReloader) Close() error {
	var err error
	cr.once.Do(func() {
		close(cr.stop)
		err = cr.watcher.Close()
		<-cr.done
	})
	return err
}
