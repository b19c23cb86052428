// Package connection provides a thread-safe TCP connection pool keyed by
// remote address. The client library uses it to reuse protocol connections
// across requests instead of dialing per call.
package connection

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// PooledConn wraps a net.Conn with a reference back to its pool. Close
// returns the connection for reuse; Discard removes it from the pool for
// good, which is the right call after any I/O error.
type PooledConn struct {
	net.Conn
	pool *hostPool
}

// Close returns the connection to its pool. The underlying TCP connection
// stays open.
func (c *PooledConn) Close() error {
	if c.pool == nil {
		return fmt.Errorf("connection already returned or discarded")
	}
	c.pool.put(c.Conn)
	c.pool = nil
	return nil
}

// Discard closes the underlying connection and gives its pool slot back, so
// a replacement can be dialed.
func (c *PooledConn) Discard() error {
	if c.pool == nil {
		return fmt.Errorf("connection already returned or discarded")
	}
	err := c.Conn.Close()
	c.pool.forget()
	c.pool = nil
	return err
}

// hostPool manages the connections for a single remote address.
type hostPool struct {
	mu       sync.Mutex
	conns    chan net.Conn
	factory  func() (net.Conn, error)
	maxSize  int
	numConns int
	address  string
}

// PoolManager holds one pool per remote host.
type PoolManager struct {
	mu      sync.RWMutex
	pools   map[string]*hostPool
	maxSize int
	timeout time.Duration
}

// NewPoolManager creates a manager. maxSize caps open connections per host;
// timeout bounds each dial.
func NewPoolManager(maxSize int, timeout time.Duration) *PoolManager {
	if maxSize <= 0 {
		maxSize = 4
	}
	return &PoolManager{
		pools:   make(map[string]*hostPool),
		maxSize: maxSize,
		timeout: timeout,
	}
}

// Get returns a pooled connection to address, dialing when the pool has
// capacity and blocking when it is exhausted.
func (m *PoolManager) Get(address string) (*PooledConn, error) {
	m.mu.RLock()
	pool, ok := m.pools[address]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		pool, ok = m.pools[address]
		if !ok {
			pool = &hostPool{
				conns: make(chan net.Conn, m.maxSize),
				factory: func() (net.Conn, error) {
					return net.DialTimeout("tcp", address, m.timeout)
				},
				maxSize: m.maxSize,
				address: address,
			}
			m.pools[address] = pool
		}
		m.mu.Unlock()
	}

	conn, err := pool.get()
	if err != nil {
		return nil, err
	}
	return &PooledConn{Conn: conn, pool: pool}, nil
}

func (p *hostPool) get() (net.Conn, error) {
	select {
	case conn := <-p.conns:
		return conn, nil
	default:
	}

	p.mu.Lock()
	if p.numConns < p.maxSize {
		conn, err := p.factory()
		if err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("dial %s: %w", p.address, err)
		}
		p.numConns++
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	// At capacity; wait for a connection to come back.
	return <-p.conns, nil
}

func (p *hostPool) put(conn net.Conn) {
	if conn == nil {
		return
	}
	select {
	case p.conns <- conn:
	default:
		// More returns than slots; drop the extra connection.
		conn.Close()
		p.forget()
	}
}

// forget releases one slot after its connection was closed for good.
func (p *hostPool) forget() {
	p.mu.Lock()
	p.numConns--
	p.mu.Unlock()
}

// Close shuts down every pool and its connections.
func (m *PoolManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pool := range m.pools {
		pool.close()
	}
	m.pools = make(map[string]*hostPool)
}

func (p *hostPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	close(p.conns)
	for conn := range p.conns {
		conn.Close()
	}
	p.numConns = 0
}
