package tlsbox

import (
	"net"
	"sync"
	"time"
)

var _ net.Conn = (*memConn)(nil)

// memConn is the transport under the TLS client. Records flow in through
// feed and out through drain; nothing touches the network.
type memConn struct {
	mutex    sync.Mutex
	cond     *sync.Cond
	inbound  []byte
	outbound []byte
	closed   bool

	// notify is called, without the lock held, when outbound grows.
	notify func()
}

func newMemConn(notify func()) *memConn {
	c := &memConn{notify: notify}
	c.cond = sync.NewCond(&c.mutex)
	return c
}

func (c *memConn) feed(b []byte) {
	c.mutex.Lock()
	c.inbound = append(c.inbound, b...)
	c.mutex.Unlock()
	c.cond.Broadcast()
}

func (c *memConn) drain() []byte {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	out := c.outbound
	c.outbound = nil
	return out
}

func (c *memConn) Read(b []byte) (int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for len(c.inbound) == 0 && !c.closed {
		c.cond.Wait()
	}
	if c.closed {
		return 0, net.ErrClosed
	}
	n := copy(b, c.inbound)
	c.inbound = c.inbound[n:]
	if len(c.inbound) == 0 {
		c.inbound = nil
	}
	return n, nil
}

func (c *memConn) Write(b []byte) (int, error) {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return 0, net.ErrClosed
	}
	c.outbound = append(c.outbound, b...)
	c.mutex.Unlock()
	if c.notify != nil {
		c.notify()
	}
	return len(b), nil
}

func (c *memConn) Close() error {
	c.mutex.Lock()
	c.closed = true
	c.mutex.Unlock()
	c.cond.Broadcast()
	return nil
}

func (c *memConn) LocalAddr() net.Addr  { return memAddr{} }
func (c *memConn) RemoteAddr() net.Addr { return memAddr{} }

// Deadlines are ignored: writes never block, and the session timers bound
// the handshake.
func (c *memConn) SetDeadline(t time.Time) error      { return nil }
func (c *memConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *memConn) SetWriteDeadline(t time.Time) error { return nil }

type memAddr struct{}

func (memAddr) Network() string { return "control" }
func (memAddr) String() string  { return "control-channel" }
