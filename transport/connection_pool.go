package transport

import (
	"net"
	"sync"
)

type ConnectionPool struct {
	sync.RWMutex
	m map[string]Connection
}

func NewConnectionPool() ConnectionPool {
	return ConnectionPool{
		m: make(map[string]Connection),
	}
}

func (p *ConnectionPool) Add(a string, c Connection) {
	p.Lock()
	p.m[a] = c
	p.Unlock()
}

func (p *ConnectionPool) Get(a string) (c Connection) {
	p.RLock()
	c = p.m[a]
	p.RUnlock()
	return c
}

func (p *ConnectionPool) Del(a string) {
	p.Lock()
	delete(p.m, a)
	p.Unlock()
}

// CloseAndDelete releases a reference on c and removes addr from the pool
// once its reference count reaches zero.
func (p *ConnectionPool) CloseAndDelete(c Connection, addr string) {
	ref, _ := c.TryClose()
	if ref > 0 {
		return
	}
	p.Del(addr)
}

// Clear hard-closes every pooled connection and empties the pool.
func (p *ConnectionPool) Clear() {
	p.Lock()
	defer p.Unlock()
	for addr, c := range p.m {
		c.Close()
		delete(p.m, addr)
	}
}

type TCPPool struct {
	sync.RWMutex
	m map[string]*net.TCPConn
}

func NewTCPPool() TCPPool {
	return TCPPool{
		m: make(map[string]*net.TCPConn),
	}
}

func (p *TCPPool) Add(a string, c *net.TCPConn) {
	p.Lock()
	p.m[a] = c
	p.Unlock()
}

func (p *TCPPool) Get(a string) (c *net.TCPConn) {
	p.RLock()
	c = p.m[a]
	p.RUnlock()
	return c
}

func (p *TCPPool) Del(a string) {
	p.Lock()
	delete(p.m, a)
	p.Unlock()
}
