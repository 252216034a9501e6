// Package tlsbox runs a TLS client over the OpenVPN control channel.
// Ciphertext records are exchanged with the caller as byte slices, so the
// session never blocks on the handshake.
package tlsbox

import (
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"sync"

	tls "github.com/refraction-networking/utls"

	"github.com/apernet/ovpnkit/config"
)

var (
	ErrNoCA           = errors.New("no CA certificate")
	ErrNoPeerCert     = errors.New("server sent no certificate")
	ErrNameMismatch   = errors.New("server certificate name mismatch")
	ErrUnknownHello   = errors.New("unknown client hello")
	ErrClosed         = errors.New("tls box closed")
	ErrHandshakeState = errors.New("handshake not complete")
)

// ClientHello names accepted in Config.ClientHello.
var clientHellos = map[string]tls.ClientHelloID{
	"":           tls.HelloGolang,
	"golang":     tls.HelloGolang,
	"chrome":     tls.HelloChrome_Auto,
	"firefox":    tls.HelloFirefox_Auto,
	"ios":        tls.HelloIOS_Auto,
	"randomized": tls.HelloRandomized,
}

// Config is the TLS part of a client profile.
type Config struct {
	// CA is PEM, one or more certificates.
	CA []byte
	// ClientCertificate and ClientKey are PEM. Both empty means no client
	// certificate.
	ClientCertificate []byte
	ClientKey         []byte
	// MinVersion is "1.0" to "1.3", or empty.
	MinVersion     string
	RemoteCertTLS  bool
	VerifyX509Name *config.X509NameCheck
	// ClientHello selects the ClientHello fingerprint. Empty means the Go
	// default.
	ClientHello string
	// Wake, if set, is signalled instead of a channel owned by the box. It
	// should be buffered.
	Wake chan struct{}
}

// ConfigFromProfile extracts the TLS settings of a profile.
func ConfigFromProfile(cfg *config.Configuration, clientHello string) Config {
	return Config{
		CA:                cfg.CA,
		ClientCertificate: cfg.ClientCertificate,
		ClientKey:         cfg.ClientKey,
		MinVersion:        cfg.TLSMinVersion,
		RemoteCertTLS:     cfg.RemoteCertTLS,
		VerifyX509Name:    cfg.VerifyX509Name,
		ClientHello:       clientHello,
	}
}

// Box is one TLS session. All methods are safe for use from the session
// goroutine while the record pump runs.
type Box struct {
	conn *memConn
	tls  *tls.UConn

	mutex   sync.Mutex
	started bool
	done    bool
	err     error
	plain   []byte
	pending []byte

	wake chan struct{}
}

func New(cfg Config) (*Box, error) {
	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	helloID, ok := clientHellos[strings.ToLower(cfg.ClientHello)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHello, cfg.ClientHello)
	}
	wake := cfg.Wake
	if wake == nil {
		wake = make(chan struct{}, 1)
	}
	b := &Box{wake: wake}
	b.conn = newMemConn(b.signal)
	b.tls = tls.UClient(b.conn, tlsConfig, helloID)
	return b, nil
}

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	if len(cfg.CA) == 0 {
		return nil, ErrNoCA
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(cfg.CA) {
		return nil, fmt.Errorf("%w: no PEM certificate found", ErrNoCA)
	}
	v := &verifier{
		roots:         roots,
		remoteCertTLS: cfg.RemoteCertTLS,
		name:          cfg.VerifyX509Name,
	}
	tlsConfig := &tls.Config{
		// Server names are not checked. The CA and the optional name
		// check below are the trust anchor.
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: v.verify,
	}
	switch cfg.MinVersion {
	case "", "1.0":
		tlsConfig.MinVersion = tls.VersionTLS10
	case "1.1":
		tlsConfig.MinVersion = tls.VersionTLS11
	case "1.2":
		tlsConfig.MinVersion = tls.VersionTLS12
	case "1.3":
		tlsConfig.MinVersion = tls.VersionTLS13
	default:
		return nil, fmt.Errorf("%w: tls-version-min %s", config.ErrUnsupportedConfiguration, cfg.MinVersion)
	}
	if len(cfg.ClientCertificate) > 0 || len(cfg.ClientKey) > 0 {
		cert, err := tls.X509KeyPair(cfg.ClientCertificate, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// Start launches the record pump. The first records of the ClientHello
// become available through Records shortly after.
func (b *Box) Start() {
	b.mutex.Lock()
	if b.started {
		b.mutex.Unlock()
		return
	}
	b.started = true
	b.mutex.Unlock()
	go b.pump()
}

func (b *Box) pump() {
	err := b.tls.Handshake()
	b.mutex.Lock()
	if err != nil {
		if b.err == nil {
			b.err = err
		}
		b.mutex.Unlock()
		b.signal()
		return
	}
	b.done = true
	pending := b.pending
	b.pending = nil
	if len(pending) > 0 {
		if _, err := b.tls.Write(pending); err != nil {
			b.err = err
		}
	}
	b.mutex.Unlock()
	b.signal()

	buf := make([]byte, 16*1024)
	for {
		n, err := b.tls.Read(buf)
		b.mutex.Lock()
		if n > 0 {
			b.plain = append(b.plain, buf[:n]...)
		}
		if err != nil && b.err == nil && !errors.Is(err, ErrClosed) {
			b.err = err
		}
		failed := err != nil
		b.mutex.Unlock()
		b.signal()
		if failed {
			return
		}
	}
}

func (b *Box) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Wake receives a value whenever records, plaintext or an error became
// available.
func (b *Box) Wake() <-chan struct{} {
	return b.wake
}

// PutRecords feeds ciphertext received on the control channel.
func (b *Box) PutRecords(data []byte) {
	if len(data) > 0 {
		b.conn.feed(data)
	}
}

// Records returns ciphertext to send on the control channel.
func (b *Box) Records() []byte {
	return b.conn.drain()
}

// Write queues plaintext. Data written before the handshake completes is
// sent right after it.
func (b *Box) Write(data []byte) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.err != nil {
		return b.err
	}
	if !b.done {
		b.pending = append(b.pending, data...)
		return nil
	}
	_, err := b.tls.Write(data)
	return err
}

// ReadPlain returns and consumes the plaintext received so far.
func (b *Box) ReadPlain() []byte {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	out := b.plain
	b.plain = nil
	return out
}

func (b *Box) HandshakeComplete() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.done
}

// Err is the first fatal TLS error, if any.
func (b *Box) Err() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.err
}

// ExportKeyingMaterial implements RFC 5705 on the established session.
func (b *Box) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	if !b.HandshakeComplete() {
		return nil, ErrHandshakeState
	}
	state := b.tls.ConnectionState()
	return state.ExportKeyingMaterial(label, context, length)
}

// PeerCertificate is the server leaf certificate after the handshake.
func (b *Box) PeerCertificate() *x509.Certificate {
	if !b.HandshakeComplete() {
		return nil
	}
	certs := b.tls.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil
	}
	return certs[0]
}

// Close stops the record pump.
func (b *Box) Close() error {
	b.mutex.Lock()
	if b.err == nil {
		b.err = ErrClosed
	}
	b.mutex.Unlock()
	return b.conn.Close()
}
