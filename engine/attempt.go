package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/apernet/ovpnkit/io"
	"github.com/apernet/ovpnkit/session"
	"github.com/apernet/ovpnkit/strategy"
)

// attempt runs one session over one link until it fails or ctx is done.
// The session is only touched from this goroutine.
func (e *engine) attempt(ctx context.Context, id int64, endpoint strategy.Endpoint) error {
	link, err := e.config.Dialer.Dial(ctx, endpoint.Address, endpoint.Protocol)
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer link.Close()

	sess, err := session.New(e.config.Profile, session.Options{
		Socket:      endpoint.Protocol.SocketType,
		Credentials: e.config.Credentials,
		Filter:      e,
		ClientHello: e.config.ClientHello,
		PeerInfo:    e.config.PeerInfo,
		Tunnel:      &sessionTunnel{ID: id, Engine: e},
		Logger:      &sessionLogger{ID: id, Logger: e.logger},
	})
	if err != nil {
		return &fatalError{Err: err}
	}
	defer sess.Stop()

	linkCtx, linkCancel := context.WithCancel(ctx)
	defer linkCancel()
	inbound := make(chan io.Packet, e.config.QueueSize)
	linkErr := make(chan error, 1)
	tcp := endpoint.Protocol.SocketType.IsTCP()
	err = link.Register(linkCtx, func(p io.Packet, err error) bool {
		if err != nil {
			if !tcp {
				e.logger.Warning(id, fmt.Sprintf("link: %v", err))
				return true
			}
			select {
			case linkErr <- err:
			default:
			}
			return false
		}
		select {
		case inbound <- p:
			return true
		case <-linkCtx.Done():
			return false
		}
	})
	if err != nil {
		return err
	}

	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()
	if err := sess.Start(time.Now()); err != nil {
		if session.IsRecoverable(err) {
			return err
		}
		// The profile cannot be used with any endpoint
		return &fatalError{Err: err}
	}
	for {
		if err := flush(sess, link); err != nil {
			return err
		}
		var outbound chan [][]byte
		if sess.State().IsEstablished() {
			outbound = e.outbound
		}
		select {
		case <-ctx.Done():
			return nil
		case p := <-inbound:
			err = sess.Receive(p.Timestamp(), p.Data())
		case <-sess.Wake():
			err = sess.Poll(time.Now())
		case now := <-ticker.C:
			err = sess.Tick(now)
		case packets := <-outbound:
			e.inspect(id, false, packets)
			err = sess.Send(time.Now(), packets)
		case err := <-linkErr:
			return fmt.Errorf("link: %w", err)
		}
		if err != nil {
			return err
		}
	}
}

func flush(sess *session.Session, link io.Link) error {
	out, err := sess.Outgoing(time.Now())
	if err != nil {
		return err
	}
	if len(out) == 0 {
		return nil
	}
	return link.Send(out)
}
