package session

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apernet/ovpnkit/packet"
	"github.com/apernet/ovpnkit/push"
)

const testReply = "PUSH_REPLY,topology subnet,ifconfig 10.8.0.2 255.255.255.0,route-gateway 10.8.0.1," +
	"cipher AES-256-GCM,peer-id 7,ping 10,ping-restart 60,auth-token tok123"

type testTunnel struct {
	reply    *push.PushReply
	received [][]byte
}

func (t *testTunnel) Established(reply *push.PushReply) { t.reply = reply }
func (t *testTunnel) Receive(packets [][]byte)          { t.received = append(t.received, packets...) }

type testLogger struct {
	mutex  sync.Mutex
	states []State
	keys   []uint8
}

func (l *testLogger) StateChanged(from, to State) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.states = append(l.states, to)
}

func (l *testLogger) KeyNegotiated(keyID uint8, cipher string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.keys = append(l.keys, keyID)
}

func (l *testLogger) PacketDropped(err error) {}
func (l *testLogger) Warning(msg string)      {}

type testHarness struct {
	t      *testing.T
	client *Session
	server *fakeServer
	tunnel *testTunnel
	logger *testLogger
}

func newTestHarness(t *testing.T, reply string) *testHarness {
	pki := newTestPKI(t)
	h := &testHarness{
		t:      t,
		server: newFakeServer(t, pki.cert, reply),
		tunnel: &testTunnel{},
		logger: &testLogger{},
	}
	client, err := New(testConfiguration(pki), Options{
		Credentials: &Credentials{Username: "alice", Password: "secret"},
		Tunnel:      h.tunnel,
		Logger:      h.logger,
	})
	require.NoError(t, err)
	h.client = client
	t.Cleanup(client.Stop)
	require.NoError(t, client.Start(time.Now()))
	return h
}

func (h *testHarness) step() {
	now := time.Now()
	_ = h.client.Poll(now)
	_ = h.client.Tick(now)
	out, _ := h.client.Outgoing(now)
	for _, b := range out {
		h.server.receive(b)
	}
	h.server.collectKeys()
	for _, b := range h.server.outgoing(now) {
		_ = h.client.Receive(now, b)
	}
}

func (h *testHarness) runUntil(cond func() bool) {
	deadline := time.Now().Add(15 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out in state %s (err %v)", h.client.State(), h.client.Err())
		}
		h.step()
		time.Sleep(time.Millisecond)
	}
}

func (h *testHarness) establish() {
	h.runUntil(func() bool { return h.client.State() == StateEstablished })
	h.server.collectKeys()
}

func TestSessionEstablish(t *testing.T) {
	h := newTestHarness(t, testReply)
	h.establish()

	assert.Equal(t, []State{
		StateHardResetSent,
		StateTLSHandshake,
		StatePushRequestSent,
		StateEstablished,
	}, withoutWaiting(h.logger.states))
	require.NotNil(t, h.tunnel.reply)
	assert.Equal(t, "10.8.0.2", h.tunnel.reply.IPv4.Address.String())
	assert.Equal(t, "255.255.255.0", h.tunnel.reply.IPv4.Mask.String())
	assert.Equal(t, "10.8.0.1", h.tunnel.reply.IPv4.Gateway.String())
	assert.Equal(t, "AES-256-GCM", h.client.Configuration().Cipher)

	require.Len(t, h.server.messages, 1)
	msg := h.server.messages[0]
	assert.Equal(t, "alice", msg.username)
	assert.Equal(t, "secret", msg.password)
	assert.Contains(t, msg.peerInfo, "IV_CIPHERS=AES-256-GCM:AES-128-CBC\n")
	assert.Contains(t, msg.peerInfo, "IV_PROTO=10\n")
	assert.True(t, strings.HasPrefix(msg.options, "V4,dev-type tun,proto UDPv4"))
}

// withoutWaiting drops the optional waitingServerReset state, which is
// only entered when the server acks the reset before answering it.
func withoutWaiting(states []State) []State {
	var out []State
	for _, s := range states {
		if s != StateWaitingServerReset {
			out = append(out, s)
		}
	}
	return out
}

func TestSessionData(t *testing.T) {
	h := newTestHarness(t, testReply)
	h.establish()

	require.NoError(t, h.client.Send(time.Now(), [][]byte{[]byte("ping from client")}))
	h.runUntil(func() bool { return len(h.server.received) > 0 })
	assert.Equal(t, []byte("ping from client"), h.server.received[0])

	pkt := h.server.send(0, []byte("pong from server"))
	h.runUntil(func() bool { return len(h.tunnel.received) > 0 })
	assert.Equal(t, []byte("pong from server"), h.tunnel.received[0])

	// a replayed packet is dropped without affecting the session
	require.NoError(t, h.client.Receive(time.Now(), pkt))
	assert.Len(t, h.tunnel.received, 1)
	assert.Equal(t, StateEstablished, h.client.State())
	assert.NoError(t, h.client.Err())
}

func TestSessionServerRenegotiation(t *testing.T) {
	h := newTestHarness(t, testReply)
	h.establish()

	h.server.softReset(1)
	h.runUntil(func() bool {
		h.logger.mutex.Lock()
		defer h.logger.mutex.Unlock()
		return len(h.logger.keys) == 2
	})
	h.server.collectKeys()
	assert.Equal(t, []uint8{0, 1}, h.logger.keys)
	assert.Equal(t, StateEstablished, h.client.State())

	require.Len(t, h.server.messages, 2)
	// the pushed auth token replaces the password
	assert.Equal(t, "tok123", h.server.messages[1].password)

	// the previous key stays valid until the new one is used
	old := h.server.send(0, []byte("old key"))
	h.server.dataOut = nil
	require.NoError(t, h.client.Receive(time.Now(), old))
	cur := h.server.send(1, []byte("new key"))
	h.server.dataOut = nil
	require.NoError(t, h.client.Receive(time.Now(), cur))
	late := h.server.send(0, []byte("late old key"))
	h.server.dataOut = nil
	require.NoError(t, h.client.Receive(time.Now(), late))
	assert.Equal(t, [][]byte{[]byte("old key"), []byte("new key")}, h.tunnel.received)

	require.NoError(t, h.client.Send(time.Now(), [][]byte{[]byte("after rekey")}))
	h.runUntil(func() bool { return len(h.server.received) > 0 })
	assert.Equal(t, []byte("after rekey"), h.server.received[0])
}

func TestSessionClientRenegotiation(t *testing.T) {
	pki := newTestPKI(t)
	cfg := testConfiguration(pki)
	cfg.RenegotiatesAfter = 200 * time.Millisecond
	logger := &testLogger{}
	client, err := New(cfg, Options{
		Credentials: &Credentials{Username: "alice", Password: "secret"},
		Logger:      logger,
	})
	require.NoError(t, err)
	t.Cleanup(client.Stop)
	h := &testHarness{
		t:      t,
		client: client,
		server: newFakeServer(t, pki.cert, testReply),
		tunnel: &testTunnel{},
		logger: logger,
	}
	require.NoError(t, client.Start(time.Now()))
	h.runUntil(func() bool {
		logger.mutex.Lock()
		defer logger.mutex.Unlock()
		return len(logger.keys) >= 2
	})
	assert.Equal(t, uint8(1), logger.keys[1])
	assert.Contains(t, logger.states, StateRenegotiating)
}

func TestSessionAuthFailed(t *testing.T) {
	h := newTestHarness(t, "AUTH_FAILED,bad credentials")
	h.runUntil(func() bool { return h.client.State() == StateStopped })
	assert.ErrorIs(t, h.client.Err(), ErrAuthFailed)
	assert.False(t, IsRecoverable(h.client.Err()))
	assert.Nil(t, h.tunnel.reply)
}

func TestSessionMalformedReply(t *testing.T) {
	h := newTestHarness(t, "PUSH_REPLY,topology subnet,route-gateway 10.8.0.1")
	h.runUntil(func() bool { return h.client.State() == StateStopped })
	var se *SessionError
	require.True(t, errors.As(h.client.Err(), &se))
	assert.Equal(t, KindMalformedPushReply, se.Kind)
	assert.True(t, IsRecoverable(h.client.Err()))
}

func TestSessionNegotiationTimeout(t *testing.T) {
	pki := newTestPKI(t)
	client, err := New(testConfiguration(pki), Options{})
	require.NoError(t, err)
	defer client.Stop()
	start := time.Now()
	require.NoError(t, client.Start(start))
	out, err := client.Outgoing(start)
	require.NoError(t, err)
	require.Len(t, out, 1)
	code, keyID := packet.SplitHeaderByte(out[0][0])
	assert.Equal(t, packet.CodeHardResetClientV2, code)
	assert.Zero(t, keyID)

	require.NoError(t, client.Tick(start.Add(59*time.Second)))
	err = client.Tick(start.Add(60 * time.Second))
	var se *SessionError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, KindNegotiationTimeout, se.Kind)
	assert.Equal(t, StateStopped, client.State())

	// stopped sessions keep reporting the error
	assert.Equal(t, err, client.Receive(start, out[0]))
}

func TestSessionPingTimeout(t *testing.T) {
	h := newTestHarness(t, testReply)
	h.establish()
	err := h.client.Tick(time.Now().Add(61 * time.Second))
	var se *SessionError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, KindPingTimeout, se.Kind)
}

func TestSessionKeepAlive(t *testing.T) {
	h := newTestHarness(t, testReply)
	h.establish()
	now := time.Now().Add(11 * time.Second)
	require.NoError(t, h.client.Tick(now))
	out, err := h.client.Outgoing(now)
	require.NoError(t, err)
	require.NotEmpty(t, out)
	last := out[len(out)-1]
	code, _ := packet.SplitHeaderByte(last[0])
	assert.Equal(t, packet.CodeDataV2, code)
	payload, err := h.server.paths[0].DecryptPacket(last)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x2a, 0x18, 0x7b, 0xf3}, payload[:4])
}

func TestSessionStale(t *testing.T) {
	h := newTestHarness(t, testReply)
	h.establish()
	other, err := packet.NewSessionID()
	require.NoError(t, err)
	raw, err := (&packet.ControlPacket{
		Code:      packet.CodeHardResetServerV2,
		SessionID: other,
	}).Serialize()
	require.NoError(t, err)
	err = h.client.Receive(time.Now(), raw)
	var se *SessionError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, KindStaleSession, se.Kind)
}

func TestSessionStopIsSilent(t *testing.T) {
	h := newTestHarness(t, testReply)
	h.establish()
	n := len(h.logger.states)
	h.client.Stop()
	assert.Equal(t, StateStopped, h.client.State())
	assert.Len(t, h.logger.states, n)
	assert.ErrorIs(t, h.client.Send(time.Now(), [][]byte{{1}}), ErrStopped)
	assert.ErrorIs(t, h.client.Tick(time.Now()), ErrStopped)
}

func TestSendBeforeEstablished(t *testing.T) {
	pki := newTestPKI(t)
	client, err := New(testConfiguration(pki), Options{})
	require.NoError(t, err)
	defer client.Stop()
	require.NoError(t, client.Start(time.Now()))
	assert.ErrorIs(t, client.Send(time.Now(), [][]byte{{1}}), ErrNotEstablished)
}
