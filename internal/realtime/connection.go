package realtime

import (
	"sync"
	"time"

	"github.com/jwalitptl/realtime-hub/pkg/heartbeat"
)

// Transport is the registry's view of one duplex session. *websocket.Conn
// satisfies it.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// Connection is one live session. Only its write goroutine touches the
// transport for writes; channels is guarded by the registry lock.
type Connection struct {
	id          string
	transport   Transport
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	monitor     *heartbeat.Monitor
	connectedAt time.Time
	channels    map[string]struct{}
}

func newConnection(id string, t Transport, buffer int, monitor *heartbeat.Monitor, now time.Time) *Connection {
	return &Connection{
		id:          id,
		transport:   t,
		send:        make(chan []byte, buffer),
		done:        make(chan struct{}),
		monitor:     monitor,
		connectedAt: now,
		channels:    make(map[string]struct{}),
	}
}

func (c *Connection) ID() string { return c.id }

// Done is closed once the connection has been evicted.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) LastSeen() time.Time { return c.monitor.LastHeartbeat() }

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.transport.Close()
	})
}

// enqueue never blocks. It reports false when the connection is gone or its
// buffer is full.
func (c *Connection) enqueue(frame []byte) (queued bool, full bool) {
	select {
	case <-c.done:
		return false, false
	default:
	}
	select {
	case c.send <- frame:
		return true, false
	default:
		return false, true
	}
}
