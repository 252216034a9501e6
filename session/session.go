// Package session drives one OpenVPN client session: the hard reset and TLS
// handshake on the control channel, key-method-2, the push negotiation,
// keepalives and periodic renegotiation.
//
// A Session is not safe for concurrent use. It is driven by a single
// goroutine calling Start, Receive, Send, Poll, Tick and Outgoing.
package session

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apernet/ovpnkit/config"
	"github.com/apernet/ovpnkit/control"
	"github.com/apernet/ovpnkit/cryptobox"
	"github.com/apernet/ovpnkit/data"
	"github.com/apernet/ovpnkit/packet"
	"github.com/apernet/ovpnkit/push"
	"github.com/apernet/ovpnkit/tlsbox"
	"github.com/apernet/ovpnkit/utils"
)

var errNotStarted = errors.New("session not started")

const (
	pushRequestInterval    = 2 * time.Second
	defaultPingRestart     = 120 * time.Second
	softNegotiationTimeout = 120 * time.Second
)

// Tunnel receives what the session negotiated and decrypted.
type Tunnel interface {
	// Established is called once the push reply has been applied.
	Established(reply *push.PushReply)
	// Receive is called with decrypted tunnel packets.
	Receive(packets [][]byte)
}

// Logger receives session events.
type Logger interface {
	StateChanged(from, to State)
	KeyNegotiated(keyID uint8, cipher string)
	PacketDropped(err error)
	Warning(msg string)
}

// Options are the host settings of a session, beyond the profile.
type Options struct {
	// Socket is the transport in use, reported in the options string.
	Socket      config.SocketType
	Credentials *Credentials
	// Filter decides which pushed directives are used. May be nil.
	Filter push.Filter
	// ClientHello selects the TLS ClientHello fingerprint.
	ClientHello string
	// PeerInfo adds or overrides IV_* variables.
	PeerInfo     map[string]string
	ReplayWindow int
	// Rand is the source of key material. Nil means crypto/rand.
	Rand io.Reader

	Tunnel Tunnel
	Logger Logger
}

// negotiation is one TLS session on the control channel and the
// key-method-2 exchange it carries.
type negotiation struct {
	keyID         uint8
	box           *tlsbox.Box
	local         *keySource
	remote        *remoteKeyMethod
	resetReceived bool
	keyMethodSent bool
	plain         []byte
	started       time.Time
}

// messages returns the complete NUL-terminated text messages received.
func (n *negotiation) messages() []string {
	var out []string
	for {
		i := bytes.IndexByte(n.plain, 0)
		if i < 0 {
			return out
		}
		if i > 0 {
			out = append(out, string(n.plain[:i]))
		}
		n.plain = n.plain[i+1:]
	}
}

type Session struct {
	cfg     config.Configuration
	opts    Options
	logger  Logger
	tunnel  Tunnel
	rand    io.Reader
	channel *control.Channel
	wake    chan struct{}

	state     State
	err       error
	now       time.Time
	startedAt time.Time

	initial *utils.LinearStateMachine
	reneg   *utils.LinearStateMachine
	neg     *negotiation
	negDone bool

	assembler       push.Assembler
	reply           *push.PushReply
	authToken       string
	keyDerivation   push.KeyDerivation
	peerID          uint32
	framing         config.CompressionFraming
	lastPushRequest time.Time

	primary  *data.Path
	lameDuck *data.Path
	keyAt    time.Time

	pingInterval time.Duration
	pingTimeout  time.Duration
	lastReceived time.Time
	lastSent     time.Time

	dataOut [][]byte
}

func New(cfg *config.Configuration, opts Options) (*Session, error) {
	serializer, err := control.NewSerializer(cfg)
	if err != nil {
		return nil, err
	}
	sid, err := packet.NewSessionID()
	if err != nil {
		return nil, err
	}
	s := &Session{
		cfg:     *cfg,
		opts:    opts,
		logger:  opts.Logger,
		tunnel:  opts.Tunnel,
		rand:    opts.Rand,
		channel: control.NewChannel(serializer, sid),
		wake:    make(chan struct{}, 1),
		peerID:  data.PeerIDUndefined,
		framing: cfg.CompressionFraming,
	}
	if s.rand == nil {
		s.rand = rand.Reader
	}
	if s.logger == nil {
		s.logger = nopLogger{}
	}
	if s.tunnel == nil {
		s.tunnel = nopTunnel{}
	}
	s.initial = utils.NewLinearStateMachine(
		s.stepHardReset,
		s.stepWaitReset,
		s.stepKeyMethod,
		s.stepPushRequest,
		s.stepEstablish,
	)
	s.reneg = utils.NewLinearStateMachine(
		s.stepSoftReset,
		s.stepWaitReset,
		s.stepKeyMethod,
		s.stepActivate,
	)
	return s, nil
}

// Wake is signalled when the TLS layer has output for Poll.
func (s *Session) Wake() <-chan struct{} {
	return s.wake
}

func (s *Session) State() State {
	return s.state
}

// Reply is the applied push reply, nil before the session is established.
func (s *Session) Reply() *push.PushReply {
	return s.reply
}

// Configuration is the profile in effect, with the pushed cipher applied.
func (s *Session) Configuration() config.Configuration {
	return s.cfg
}

// Err is the error that stopped the session.
func (s *Session) Err() error {
	return s.err
}

// Start begins the hard reset handshake.
func (s *Session) Start(now time.Time) error {
	if s.state != StateIdle {
		return fmt.Errorf("session already started (%s)", s.state)
	}
	s.now = now
	s.startedAt = now
	s.lastReceived = now
	n, err := s.newNegotiation(0)
	if err != nil {
		return err
	}
	s.neg = n
	s.advance()
	return s.err
}

// Stop tears the session down. No callbacks are made afterwards.
func (s *Session) Stop() {
	if s.state == StateStopped {
		return
	}
	s.state = StateStopped
	if s.err == nil {
		s.err = ErrStopped
	}
	s.release()
}

func (s *Session) release() {
	if s.neg != nil {
		_ = s.neg.box.Close()
	}
	s.primary, s.lameDuck = nil, nil
	s.dataOut = nil
	_ = s.channel.Reset(false, 0)
}

// fail stops the session with err.
func (s *Session) fail(err error) {
	if s.state == StateStopped {
		return
	}
	s.err = err
	s.setState(StateStopped)
	s.release()
}

func (s *Session) setState(state State) {
	if s.state == state {
		return
	}
	from := s.state
	s.state = state
	s.logger.StateChanged(from, state)
}

func (s *Session) newNegotiation(keyID uint8) (*negotiation, error) {
	local, err := newKeySource(s.rand)
	if err != nil {
		return nil, err
	}
	tlsConfig := tlsbox.ConfigFromProfile(&s.cfg, s.opts.ClientHello)
	tlsConfig.Wake = s.wake
	box, err := tlsbox.New(tlsConfig)
	if err != nil {
		return nil, err
	}
	return &negotiation{
		keyID:   keyID,
		box:     box,
		local:   local,
		started: s.now,
	}, nil
}

// Receive processes one packet from the link.
func (s *Session) Receive(now time.Time, raw []byte) error {
	if s.state == StateStopped {
		return s.err
	}
	if s.state == StateIdle {
		return errNotStarted
	}
	if len(raw) == 0 {
		return nil
	}
	s.now = now
	code, _ := packet.SplitHeaderByte(raw[0])
	if code.IsData() {
		s.receiveData(raw)
		return s.err
	}
	p, err := s.channel.Read(raw)
	if err != nil {
		if errors.Is(err, control.ErrSessionMismatch) && p != nil && p.Code.IsServerReset() {
			s.fail(sessionError(KindStaleSession, err))
			return s.err
		}
		s.logger.PacketDropped(err)
		return nil
	}
	s.lastReceived = now
	if p.KeyID != s.channel.KeyID() {
		if p.Code == packet.CodeSoftResetV1 && s.state == StateEstablished {
			if err := s.startRenegotiation(p.KeyID); err != nil {
				s.fail(err)
				return s.err
			}
			s.channel.Accept(p)
		} else {
			return nil
		}
	}
	if p.Code.IsServerReset() {
		if _, ok := s.channel.RemoteSessionID(); !ok {
			s.channel.SetRemoteSessionID(p.SessionID)
		}
	}
	for _, p := range s.channel.Ready() {
		switch p.Code {
		case packet.CodeHardResetServerV2, packet.CodeSoftResetV1:
			s.neg.resetReceived = true
		case packet.CodeControlV1:
			s.neg.box.PutRecords(p.Payload)
		}
	}
	s.advance()
	return s.err
}

func (s *Session) receiveData(raw []byte) {
	if !s.state.IsEstablished() {
		s.logger.PacketDropped(fmt.Errorf("%w: data packet in state %s", ErrNotEstablished, s.state))
		return
	}
	_, keyID := packet.SplitHeaderByte(raw[0])
	path := s.primary
	if path.KeyID() != keyID {
		path = s.lameDuck
	}
	if path == nil || path.KeyID() != keyID {
		s.logger.PacketDropped(fmt.Errorf("data packet for unknown key %d", keyID))
		return
	}
	payload, err := path.DecryptPacket(raw)
	if err != nil {
		s.logger.PacketDropped(err)
		return
	}
	s.lastReceived = s.now
	if path == s.primary && s.lameDuck != nil {
		s.lameDuck = nil
	}
	if data.IsKeepAlive(payload) {
		return
	}
	s.tunnel.Receive([][]byte{payload})
}

// Send encrypts tunnel packets for the next Outgoing.
func (s *Session) Send(now time.Time, packets [][]byte) error {
	if s.state == StateStopped {
		return s.err
	}
	if !s.state.IsEstablished() {
		return ErrNotEstablished
	}
	s.now = now
	out, err := s.primary.Encrypt(packets)
	s.dataOut = append(s.dataOut, out...)
	if errors.Is(err, data.ErrPacketIDExhausted) || s.primary.NeedsRenegotiation() {
		if s.state == StateEstablished {
			if rerr := s.startRenegotiation(nextKeyID(s.channel.KeyID())); rerr != nil {
				s.fail(rerr)
				return s.err
			}
			s.advance()
		}
		if errors.Is(err, data.ErrPacketIDExhausted) {
			return nil
		}
	}
	return err
}

// Poll processes TLS output after a Wake.
func (s *Session) Poll(now time.Time) error {
	if s.state == StateStopped {
		return s.err
	}
	s.now = now
	s.advance()
	return s.err
}

// Tick runs the timers.
func (s *Session) Tick(now time.Time) error {
	if s.state == StateStopped {
		return s.err
	}
	s.now = now
	switch {
	case s.state == StateIdle:
		return nil
	case !s.state.IsEstablished():
		if now.Sub(s.startedAt) >= s.cfg.HandshakeWindow {
			s.fail(sessionError(KindNegotiationTimeout, fmt.Errorf("no reply within %s in state %s", s.cfg.HandshakeWindow, s.state)))
			return s.err
		}
		if s.state == StatePushRequestSent && now.Sub(s.lastPushRequest) >= pushRequestInterval {
			s.sendPushRequest()
		}
	default:
		if s.pingTimeout > 0 && now.Sub(s.lastReceived) >= s.pingTimeout {
			s.fail(sessionError(KindPingTimeout, fmt.Errorf("nothing received for %s", s.pingTimeout)))
			return s.err
		}
		if s.state == StateRenegotiating && now.Sub(s.neg.started) >= softNegotiationTimeout {
			s.fail(sessionError(KindNegotiationTimeout, fmt.Errorf("renegotiation of key %d did not finish", s.neg.keyID)))
			return s.err
		}
		if s.pingInterval > 0 && now.Sub(s.lastSent) >= s.pingInterval {
			if out, err := s.primary.EncryptPacket(data.KeepAlive); err == nil {
				s.dataOut = append(s.dataOut, out)
			}
		}
		if s.state == StateEstablished && s.cfg.RenegotiatesAfter > 0 && now.Sub(s.keyAt) >= s.cfg.RenegotiatesAfter {
			if err := s.startRenegotiation(nextKeyID(s.channel.KeyID())); err != nil {
				s.fail(err)
				return s.err
			}
		}
	}
	s.advance()
	return s.err
}

// Outgoing returns the datagrams to write to the link: control packets due
// for (re)transmission, then encrypted data packets.
func (s *Session) Outgoing(now time.Time) ([][]byte, error) {
	if s.state == StateStopped {
		return nil, s.err
	}
	s.now = now
	out, err := s.channel.Outgoing(now)
	if err != nil {
		return nil, err
	}
	out = append(out, s.dataOut...)
	s.dataOut = nil
	if len(out) > 0 {
		s.lastSent = now
	}
	return out, nil
}

// advance moves TLS bytes between the box and the control channel and runs
// the negotiation steps.
func (s *Session) advance() {
	for s.state != StateStopped && s.neg != nil {
		if err := s.pumpTLS(); err != nil {
			s.fail(err)
			return
		}
		if s.negDone {
			s.handleMessages()
			return
		}
		lsm := s.initial
		if s.state.IsEstablished() {
			lsm = s.reneg
		}
		cancelled, done := lsm.Run()
		if cancelled {
			return
		}
		if !done {
			// steps may have queued plaintext for the box
			if err := s.pumpTLS(); err != nil {
				s.fail(err)
			}
			return
		}
		s.negDone = true
	}
}

func (s *Session) pumpTLS() error {
	n := s.neg
	if records := n.box.Records(); len(records) > 0 {
		if err := s.channel.Enqueue(packet.CodeControlV1, records); err != nil {
			return err
		}
	}
	n.plain = append(n.plain, n.box.ReadPlain()...)
	if err := n.box.Err(); err != nil && !errors.Is(err, tlsbox.ErrClosed) {
		return sessionError(KindTLSFailure, err)
	}
	return nil
}

// handleMessages processes text messages once the key is negotiated.
// Repeated push replies, answers to retransmitted requests, are ignored.
func (s *Session) handleMessages() {
	for _, msg := range s.neg.messages() {
		if push.IsReply(msg) {
			continue
		}
		if !s.handleNotice(msg) {
			return
		}
	}
}

// handleNotice handles server notices other than the push reply.
func (s *Session) handleNotice(msg string) bool {
	if reason, ok := push.IsAuthFailed(msg); ok {
		if reason == "" {
			s.fail(ErrAuthFailed)
		} else {
			s.fail(fmt.Errorf("%w: %s", ErrAuthFailed, reason))
		}
		return false
	}
	if push.IsRestart(msg) {
		s.fail(sessionError(KindServerRestart, errors.New(msg)))
		return false
	}
	s.logger.Warning("ignored control message: " + msg)
	return true
}

func (s *Session) stepHardReset() utils.LSMAction {
	if err := s.channel.Enqueue(packet.CodeHardResetClientV2, nil); err != nil {
		s.fail(err)
		return utils.LSMActionCancel
	}
	s.setState(StateHardResetSent)
	return utils.LSMActionNext
}

func (s *Session) stepSoftReset() utils.LSMAction {
	if err := s.channel.Enqueue(packet.CodeSoftResetV1, nil); err != nil {
		s.fail(err)
		return utils.LSMActionCancel
	}
	return utils.LSMActionNext
}

func (s *Session) stepWaitReset() utils.LSMAction {
	if !s.neg.resetReceived {
		if s.state == StateHardResetSent && s.channel.Pending() == 0 {
			s.setState(StateWaitingServerReset)
		}
		return utils.LSMActionPause
	}
	if !s.state.IsEstablished() {
		s.setState(StateTLSHandshake)
	}
	return utils.LSMActionNext
}

func (s *Session) stepKeyMethod() utils.LSMAction {
	n := s.neg
	if !n.keyMethodSent {
		n.box.Start()
		creds := s.opts.Credentials
		if creds != nil && s.authToken != "" {
			creds = &Credentials{Username: creds.Username, Password: s.authToken}
		}
		if !s.cfg.AuthUserPass {
			creds = nil
		}
		msg := clientKeyMethod(n.local, s.cfg.ServerOptions(s.opts.Socket), creds, peerInfo(s.cfg.DataCiphers, s.opts.PeerInfo))
		if err := n.box.Write(msg); err != nil {
			s.fail(sessionError(KindTLSFailure, err))
			return utils.LSMActionCancel
		}
		n.keyMethodSent = true
	}
	remote, used, err := parseServerKeyMethod(n.plain)
	if errors.Is(err, errShortKeyMethod) {
		return utils.LSMActionPause
	}
	if err != nil {
		s.fail(sessionError(KindTLSFailure, err))
		return utils.LSMActionCancel
	}
	n.remote = remote
	n.plain = n.plain[used:]
	return utils.LSMActionNext
}

func (s *Session) sendPushRequest() {
	s.lastPushRequest = s.now
	if err := s.neg.box.Write(append([]byte(push.Request), 0)); err != nil {
		s.fail(sessionError(KindTLSFailure, err))
	}
}

func (s *Session) stepPushRequest() utils.LSMAction {
	if s.state != StatePushRequestSent {
		s.setState(StatePushRequestSent)
		s.sendPushRequest()
	}
	for _, msg := range s.neg.messages() {
		if !push.IsReply(msg) {
			if !s.handleNotice(msg) {
				return utils.LSMActionCancel
			}
			continue
		}
		full, complete := s.assembler.Add(msg)
		if !complete {
			continue
		}
		if err := s.applyReply(full); err != nil {
			s.fail(err)
			return utils.LSMActionCancel
		}
		return utils.LSMActionNext
	}
	if s.state == StateStopped {
		return utils.LSMActionCancel
	}
	return utils.LSMActionPause
}

func (s *Session) applyReply(msg string) error {
	reply, err := push.Parse(msg, s.opts.Filter)
	if err != nil {
		return sessionError(KindMalformedPushReply, err)
	}
	if c, ok := reply.Cipher.Get(); ok {
		name, err := cryptobox.NormalizeCipher(c)
		if err != nil {
			return sessionError(KindMalformedPushReply, err)
		}
		s.cfg = s.cfg.WithCipher(name)
	}
	s.peerID = reply.PeerID.Or(data.PeerIDUndefined)
	s.framing = reply.CompressionFraming.Or(s.cfg.CompressionFraming)
	if alg := reply.CompressionAlgorithm.Or(config.CompressionDisabled); alg != config.CompressionDisabled {
		s.logger.Warning(fmt.Sprintf("server enabled %s compression, compressed packets will be dropped", alg))
	}
	if token, ok := reply.AuthToken.Get(); ok {
		s.authToken = token
	}
	s.keyDerivation = reply.KeyDerivation
	s.pingInterval = reply.Ping.Or(s.cfg.KeepAliveInterval)
	s.pingTimeout = reply.PingRestart.Or(s.cfg.KeepAliveTimeout)
	if s.pingTimeout == 0 {
		s.pingTimeout = defaultPingRestart
	}
	s.reply = reply
	return nil
}

func (s *Session) stepEstablish() utils.LSMAction {
	path, err := s.deriveKeys(s.neg)
	if err != nil {
		s.fail(err)
		return utils.LSMActionCancel
	}
	s.primary = path
	s.keyAt = s.now
	s.lastReceived = s.now
	s.lastSent = s.now
	s.logger.KeyNegotiated(path.KeyID(), s.cfg.Cipher)
	s.setState(StateEstablished)
	s.tunnel.Established(s.reply)
	return utils.LSMActionNext
}

func (s *Session) stepActivate() utils.LSMAction {
	path, err := s.deriveKeys(s.neg)
	if err != nil {
		s.fail(err)
		return utils.LSMActionCancel
	}
	s.lameDuck = s.primary
	s.primary = path
	s.keyAt = s.now
	s.logger.KeyNegotiated(path.KeyID(), s.cfg.Cipher)
	s.setState(StateEstablished)
	return utils.LSMActionNext
}

func (s *Session) deriveKeys(n *negotiation) (*data.Path, error) {
	var block []byte
	if s.keyDerivation == push.KeyDerivationEKM {
		var err error
		block, err = n.box.ExportKeyingMaterial(cryptobox.ExporterLabel, nil, cryptobox.KeyMaterialLength)
		if err != nil {
			return nil, sessionError(KindTLSFailure, err)
		}
	} else {
		remoteSID, _ := s.channel.RemoteSessionID()
		km := cryptobox.KeyMethod2{
			PreMaster:       n.local.preMaster,
			ClientRandom1:   n.local.random1,
			ClientRandom2:   n.local.random2,
			ServerRandom1:   n.remote.random1,
			ServerRandom2:   n.remote.random2,
			ClientSessionID: s.channel.SessionID(),
			ServerSessionID: remoteSID,
		}
		block = km.Expand()
	}
	box, err := cryptobox.New(s.cfg.Cipher, s.cfg.Digest, cryptobox.SliceKeys(block, cryptobox.KeyDirectionNormal))
	if err != nil {
		return nil, sessionError(KindMalformedPushReply, err)
	}
	return data.NewPath(data.PathConfig{
		Box:          box,
		AEAD:         s.cfg.IsAEAD(),
		KeyID:        n.keyID,
		PeerID:       s.peerID,
		Framing:      s.framing,
		ReplayWindow: s.opts.ReplayWindow,
	}), nil
}

// startRenegotiation begins a soft reset to keyID. The current data key
// stays in use until the new one is ready.
func (s *Session) startRenegotiation(keyID uint8) error {
	n, err := s.newNegotiation(keyID)
	if err != nil {
		return err
	}
	if err := s.channel.Reset(false, keyID); err != nil {
		_ = n.box.Close()
		return err
	}
	_ = s.neg.box.Close()
	s.neg = n
	s.negDone = false
	s.reneg.Reset()
	s.setState(StateRenegotiating)
	return nil
}

// nextKeyID cycles through 1..7. Key id 0 is only used by the first key.
func nextKeyID(k uint8) uint8 {
	k++
	if k >= packet.KeyIDCount {
		k = 1
	}
	return k
}

type nopLogger struct{}

func (nopLogger) StateChanged(from, to State)              {}
func (nopLogger) KeyNegotiated(keyID uint8, cipher string) {}
func (nopLogger) PacketDropped(err error)                  {}
func (nopLogger) Warning(msg string)                       {}

type nopTunnel struct{}

func (nopTunnel) Established(reply *push.PushReply) {}
func (nopTunnel) Receive(packets [][]byte)          {}
