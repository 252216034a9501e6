package tlsbox

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	stdtls "crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apernet/ovpnkit/config"
)

type testPKI struct {
	caPEM      []byte
	serverCert stdtls.Certificate
}

func newTestPKI(t *testing.T, serverEKU []x509.ExtKeyUsage) *testPKI {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	srvKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	srvTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{Country: []string{"US"}, Organization: []string{"Example"}, CommonName: "vpn-server-01"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  serverEKU,
	}
	srvDER, err := x509.CreateCertificate(rand.Reader, srvTmpl, caCert, &srvKey.PublicKey, caKey)
	require.NoError(t, err)

	return &testPKI{
		caPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER}),
		serverCert: stdtls.Certificate{
			Certificate: [][]byte{srvDER},
			PrivateKey:  srvKey,
		},
	}
}

type harness struct {
	box    *Box
	server *stdtls.Conn
	plain  chan []byte
	errs   chan error
}

// runHarness relays records between the box and a crypto/tls server.
func runHarness(t *testing.T, ctx context.Context, box *Box, pki *testPKI) *harness {
	relay, serverSide := net.Pipe()
	t.Cleanup(func() {
		relay.Close()
		serverSide.Close()
		box.Close()
	})
	h := &harness{
		box: box,
		server: stdtls.Server(serverSide, &stdtls.Config{
			Certificates: []stdtls.Certificate{pki.serverCert},
		}),
		plain: make(chan []byte, 16),
		errs:  make(chan error, 1),
	}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := relay.Read(buf)
			if err != nil {
				return
			}
			box.PutRecords(append([]byte(nil), buf[:n]...))
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-box.Wake():
			}
			if r := box.Records(); len(r) > 0 {
				if _, err := relay.Write(r); err != nil {
					return
				}
			}
			if p := box.ReadPlain(); len(p) > 0 {
				h.plain <- p
			}
			if err := box.Err(); err != nil {
				h.errs <- err
				return
			}
		}
	}()
	box.Start()
	return h
}

func TestBoxHandshakeAndData(t *testing.T) {
	pki := newTestPKI(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth})
	box, err := New(Config{
		CA:             pki.caPEM,
		RemoteCertTLS:  true,
		VerifyX509Name: &config.X509NameCheck{Name: "vpn-server", Type: "name-prefix"},
	})
	require.NoError(t, err)
	// queued until the handshake is done
	require.NoError(t, box.Write([]byte("hello")))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := runHarness(t, ctx, box, pki)

	serverEKM := make(chan []byte, 1)
	go func() {
		if err := h.server.Handshake(); err != nil {
			return
		}
		buf := make([]byte, 5)
		if _, err := h.server.Read(buf); err != nil || !bytes.Equal(buf, []byte("hello")) {
			return
		}
		state := h.server.ConnectionState()
		ekm, _ := state.ExportKeyingMaterial("EXPORTER-OpenVPN-datachannel", nil, 256)
		serverEKM <- ekm
		_, _ = h.server.Write([]byte("world"))
	}()

	var got []byte
	for !bytes.Equal(got, []byte("world")) {
		select {
		case p := <-h.plain:
			got = append(got, p...)
		case err := <-h.errs:
			t.Fatalf("tls error: %v", err)
		case <-ctx.Done():
			t.Fatal("timed out")
		}
	}
	assert.True(t, box.HandshakeComplete())
	require.NotNil(t, box.PeerCertificate())
	assert.Equal(t, "vpn-server-01", box.PeerCertificate().Subject.CommonName)

	ekm, err := box.ExportKeyingMaterial("EXPORTER-OpenVPN-datachannel", nil, 256)
	require.NoError(t, err)
	select {
	case want := <-serverEKM:
		assert.Equal(t, want, ekm)
	case <-ctx.Done():
		t.Fatal("timed out")
	}
}

func TestBoxRejects(t *testing.T) {
	tests := []struct {
		name string
		eku  []x509.ExtKeyUsage
		cfg  func(pki *testPKI) Config
		ca   bool
	}{
		{
			name: "name mismatch",
			eku:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
			cfg: func(pki *testPKI) Config {
				return Config{CA: pki.caPEM, VerifyX509Name: &config.X509NameCheck{Name: "other", Type: "name"}}
			},
		},
		{
			name: "missing server eku",
			eku:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
			cfg: func(pki *testPKI) Config {
				return Config{CA: pki.caPEM, RemoteCertTLS: true}
			},
		},
		{
			name: "unknown ca",
			eku:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
			cfg: func(pki *testPKI) Config {
				return Config{CA: newTestPKI(t, nil).caPEM}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pki := newTestPKI(t, tt.eku)
			box, err := New(tt.cfg(pki))
			require.NoError(t, err)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			h := runHarness(t, ctx, box, pki)
			go func() { _ = h.server.Handshake() }()
			select {
			case err := <-h.errs:
				assert.Error(t, err)
			case <-ctx.Done():
				t.Fatal("timed out")
			}
			assert.False(t, box.HandshakeComplete())
		})
	}
}

func TestSubjectMatch(t *testing.T) {
	pki := newTestPKI(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth})
	cert, err := x509.ParseCertificate(pki.serverCert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "C=US, O=Example, CN=vpn-server-01", subjectString(cert.Subject))
	assert.True(t, matchName(cert, &config.X509NameCheck{Name: "C=US, O=Example, CN=vpn-server-01", Type: "subject"}))
	assert.True(t, matchName(cert, &config.X509NameCheck{Name: "vpn-server-01", Type: "name"}))
	assert.False(t, matchName(cert, &config.X509NameCheck{Name: "vpn", Type: "name"}))
}

func TestNewErrors(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoCA)
	_, err = New(Config{CA: []byte("junk")})
	assert.ErrorIs(t, err, ErrNoCA)
	pki := newTestPKI(t, nil)
	_, err = New(Config{CA: pki.caPEM, ClientHello: "netscape"})
	assert.ErrorIs(t, err, ErrUnknownHello)
	_, err = New(Config{CA: pki.caPEM, MinVersion: "0.9"})
	assert.ErrorIs(t, err, config.ErrUnsupportedConfiguration)
}
