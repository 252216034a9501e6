package session

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthFailed means the server refused the credentials. It is not
	// retried.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrStopped is returned by a session that was stopped.
	ErrStopped = errors.New("session stopped")
	// ErrNotEstablished is returned when sending before the data channel is
	// up.
	ErrNotEstablished = errors.New("session not established")
)

type ErrorKind int

const (
	// KindMalformedPushReply means the server settings could not be used.
	KindMalformedPushReply ErrorKind = iota
	// KindNegotiationTimeout means the handshake or a renegotiation did
	// not finish in time.
	KindNegotiationTimeout
	// KindPingTimeout means nothing was received for ping-restart.
	KindPingTimeout
	// KindStaleSession means the server restarted its session.
	KindStaleSession
	// KindServerRestart means the server asked the client to reconnect.
	KindServerRestart
	// KindTLSFailure means the TLS handshake or the key exchange on top of
	// it failed.
	KindTLSFailure
)

func (k ErrorKind) String() string {
	switch k {
	case KindMalformedPushReply:
		return "malformedPushReply"
	case KindNegotiationTimeout:
		return "negotiationTimeout"
	case KindPingTimeout:
		return "pingTimeout"
	case KindStaleSession:
		return "staleSession"
	case KindServerRestart:
		return "serverRestart"
	case KindTLSFailure:
		return "tlsFailure"
	default:
		return "unknown"
	}
}

// SessionError ends a session attempt. The caller may retry with the next
// endpoint.
type SessionError struct {
	Kind ErrorKind
	Err  error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return "session error: " + e.Kind.String()
	}
	return fmt.Sprintf("session error: %s: %v", e.Kind, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// IsRecoverable reports whether err ends only the current attempt.
func IsRecoverable(err error) bool {
	var se *SessionError
	return errors.As(err, &se)
}

func sessionError(kind ErrorKind, err error) error {
	return &SessionError{Kind: kind, Err: err}
}
