package session

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	stdtls "crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/pem"
	"math/big"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apernet/ovpnkit/config"
	"github.com/apernet/ovpnkit/control"
	"github.com/apernet/ovpnkit/cryptobox"
	"github.com/apernet/ovpnkit/data"
	"github.com/apernet/ovpnkit/packet"
)

// pipeConn is the server side transport: records in through feed, out
// through drain.
type pipeConn struct {
	mutex  sync.Mutex
	cond   *sync.Cond
	in     []byte
	out    []byte
	closed bool
}

func newPipeConn() *pipeConn {
	c := &pipeConn{}
	c.cond = sync.NewCond(&c.mutex)
	return c
}

func (c *pipeConn) feed(b []byte) {
	c.mutex.Lock()
	c.in = append(c.in, b...)
	c.mutex.Unlock()
	c.cond.Broadcast()
}

func (c *pipeConn) drain() []byte {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	out := c.out
	c.out = nil
	return out
}

func (c *pipeConn) Read(b []byte) (int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for len(c.in) == 0 && !c.closed {
		c.cond.Wait()
	}
	if c.closed {
		return 0, net.ErrClosed
	}
	n := copy(b, c.in)
	c.in = c.in[n:]
	return n, nil
}

func (c *pipeConn) Write(b []byte) (int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	c.out = append(c.out, b...)
	return len(b), nil
}

func (c *pipeConn) Close() error {
	c.mutex.Lock()
	c.closed = true
	c.mutex.Unlock()
	c.cond.Broadcast()
	return nil
}

func (c *pipeConn) LocalAddr() net.Addr                { return &net.UDPAddr{} }
func (c *pipeConn) RemoteAddr() net.Addr               { return &net.UDPAddr{} }
func (c *pipeConn) SetDeadline(t time.Time) error      { return nil }
func (c *pipeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *pipeConn) SetWriteDeadline(t time.Time) error { return nil }

// clientKeyMessage is what the server learned from a client key-method-2.
type clientKeyMessage struct {
	keyID    uint8
	block    []byte
	options  string
	username string
	password string
	peerInfo string
}

// fakeServer is a minimal OpenVPN server speaking the control channel
// over crypto/tls.
type fakeServer struct {
	t      *testing.T
	ch     *control.Channel
	cert   stdtls.Certificate
	cipher string
	peerID uint32
	// reply is sent as the answer to PUSH_REQUEST.
	reply string

	conn     *pipeConn
	tlsKeyID int
	keys     chan clientKeyMessage
	messages []clientKeyMessage

	paths    map[uint8]*data.Path
	received [][]byte
	dataOut  [][]byte
}

func newFakeServer(t *testing.T, cert stdtls.Certificate, reply string) *fakeServer {
	sid, err := packet.NewSessionID()
	require.NoError(t, err)
	s := &fakeServer{
		t:        t,
		ch:       control.NewChannel(control.Plain{}, sid),
		cert:     cert,
		cipher:   "AES-256-GCM",
		peerID:   7,
		reply:    reply,
		tlsKeyID: -1,
		keys:     make(chan clientKeyMessage, 8),
		paths:    make(map[uint8]*data.Path),
	}
	t.Cleanup(func() {
		if s.conn != nil {
			s.conn.Close()
		}
	})
	return s
}

func (s *fakeServer) receive(raw []byte) {
	code, keyID := packet.SplitHeaderByte(raw[0])
	if code.IsData() {
		path := s.paths[keyID]
		if path == nil {
			return
		}
		payload, err := path.DecryptPacket(raw)
		if err == nil && !data.IsKeepAlive(payload) {
			s.received = append(s.received, payload)
		}
		return
	}
	p, err := s.ch.Read(raw)
	if err != nil {
		return
	}
	if p.KeyID != s.ch.KeyID() {
		if p.Code != packet.CodeSoftResetV1 {
			return
		}
		require.NoError(s.t, s.ch.Reset(false, p.KeyID))
		s.ch.Accept(p)
	}
	for _, q := range s.ch.Ready() {
		switch q.Code {
		case packet.CodeHardResetClientV2:
			s.ch.SetRemoteSessionID(q.SessionID)
			require.NoError(s.t, s.ch.Enqueue(packet.CodeHardResetServerV2, nil))
			s.startTLS(q.KeyID, true)
		case packet.CodeSoftResetV1:
			if int(q.KeyID) != s.tlsKeyID {
				require.NoError(s.t, s.ch.Enqueue(packet.CodeSoftResetV1, nil))
				s.startTLS(q.KeyID, false)
			}
		case packet.CodeControlV1:
			s.conn.feed(q.Payload)
		}
	}
}

// softReset starts a server initiated renegotiation.
func (s *fakeServer) softReset(keyID uint8) {
	require.NoError(s.t, s.ch.Reset(false, keyID))
	require.NoError(s.t, s.ch.Enqueue(packet.CodeSoftResetV1, nil))
	s.startTLS(keyID, false)
}

func (s *fakeServer) startTLS(keyID uint8, initial bool) {
	if s.conn != nil {
		s.conn.Close()
	}
	s.tlsKeyID = int(keyID)
	conn := newPipeConn()
	s.conn = conn
	srv := stdtls.Server(conn, &stdtls.Config{Certificates: []stdtls.Certificate{s.cert}})
	clientSID, _ := s.ch.RemoteSessionID()
	serverSID := s.ch.SessionID()
	reply := s.reply
	keys := s.keys
	go func() {
		if err := srv.Handshake(); err != nil {
			return
		}
		buf := make([]byte, 16*1024)
		n, err := srv.Read(buf)
		if err != nil {
			return
		}
		msg, km, ok := parseClientKeyMethod(buf[:n])
		if !ok {
			return
		}
		var sr1, sr2 [cryptobox.RandomLength]byte
		_, _ = rand.Read(sr1[:])
		_, _ = rand.Read(sr2[:])
		km.ServerRandom1, km.ServerRandom2 = sr1, sr2
		km.ClientSessionID, km.ServerSessionID = clientSID, serverSID
		msg.keyID = keyID
		msg.block = km.Expand()

		out := binary.BigEndian.AppendUint32(nil, 0)
		out = append(out, keyMethod2)
		out = append(out, sr1[:]...)
		out = append(out, sr2[:]...)
		out = appendString(out, "V4,dev-type tun,tls-server")
		out = appendString(out, "")
		out = appendString(out, "")
		out = appendString(out, "")
		if _, err := srv.Write(out); err != nil {
			return
		}
		keys <- msg
		if !initial {
			return
		}
		for {
			n, err := srv.Read(buf)
			if err != nil {
				return
			}
			if strings.HasPrefix(string(buf[:n]), "PUSH_REQUEST") {
				_, _ = srv.Write(append([]byte(reply), 0))
			}
		}
	}()
}

func parseClientKeyMethod(b []byte) (clientKeyMessage, cryptobox.KeyMethod2, bool) {
	var km cryptobox.KeyMethod2
	var msg clientKeyMessage
	if len(b) < 5+cryptobox.PreMasterLength+2*cryptobox.RandomLength || b[4] != keyMethod2 {
		return msg, km, false
	}
	off := 5
	off += copy(km.PreMaster[:], b[off:])
	off += copy(km.ClientRandom1[:], b[off:])
	off += copy(km.ClientRandom2[:], b[off:])
	var strs []string
	for len(strs) < 4 && len(b) >= off+2 {
		n := int(binary.BigEndian.Uint16(b[off:]))
		off += 2
		if len(b) < off+n {
			break
		}
		strs = append(strs, strings.TrimRight(string(b[off:off+n]), "\x00"))
		off += n
	}
	if len(strs) != 4 {
		return msg, km, false
	}
	msg.options, msg.username, msg.password, msg.peerInfo = strs[0], strs[1], strs[2], strs[3]
	return msg, km, true
}

// collectKeys installs data paths for finished key exchanges.
func (s *fakeServer) collectKeys() {
	for {
		select {
		case msg := <-s.keys:
			box, err := cryptobox.New(s.cipher, "SHA1", cryptobox.SliceKeys(msg.block, cryptobox.KeyDirectionInverse))
			require.NoError(s.t, err)
			s.paths[msg.keyID] = data.NewPath(data.PathConfig{
				Box:    box,
				AEAD:   cryptobox.IsAEAD(s.cipher),
				KeyID:  msg.keyID,
				PeerID: s.peerID,
			})
			s.messages = append(s.messages, msg)
		default:
			return
		}
	}
}

func (s *fakeServer) send(keyID uint8, payload []byte) []byte {
	b, err := s.paths[keyID].EncryptPacket(payload)
	require.NoError(s.t, err)
	s.dataOut = append(s.dataOut, b)
	return b
}

func (s *fakeServer) outgoing(now time.Time) [][]byte {
	if s.conn != nil {
		if records := s.conn.drain(); len(records) > 0 {
			require.NoError(s.t, s.ch.Enqueue(packet.CodeControlV1, records))
		}
	}
	out, err := s.ch.Outgoing(now)
	require.NoError(s.t, err)
	out = append(out, s.dataOut...)
	s.dataOut = nil
	return out
}

type testPKI struct {
	caPEM []byte
	cert  stdtls.Certificate
}

func newTestPKI(t *testing.T) *testPKI {
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

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "server"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &key.PublicKey, caKey)
	require.NoError(t, err)
	return &testPKI{
		caPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER}),
		cert:  stdtls.Certificate{Certificate: [][]byte{der}, PrivateKey: key},
	}
}

func testConfiguration(pki *testPKI) *config.Configuration {
	return &config.Configuration{
		Cipher:          "AES-128-CBC",
		DataCiphers:     []string{"AES-256-GCM", "AES-128-CBC"},
		Digest:          "SHA1",
		CA:              pki.caPEM,
		RemoteCertTLS:   true,
		HandshakeWindow: 60 * time.Second,
		Hostname:        "vpn.example.com",
		Endpoints:       []config.EndpointProtocol{{SocketType: config.SocketUDP, Port: 1194}},
		AuthUserPass:    true,
	}
}
