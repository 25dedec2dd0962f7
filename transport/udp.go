package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/kvidnes/sipdialog/sip"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	UDPMTUSize = 1500

	ErrUDPMTUCongestion = errors.New("size of packet larger than MTU")
)

// UDP transport implementation. Unlike the stream transports, a datagram
// never needs incremental framing — one read is one message. ParseSIP
// takes everything after the first blank line as the body; the
// Content-Length header is not used to trim it.
type UDPTransport struct {
	parser sip.Parser

	pool      ConnectionPool
	listeners []*UDPConnection

	log zerolog.Logger
}

func NewUDPTransport(par sip.Parser) *UDPTransport {
	p := &UDPTransport{
		parser: par,
		pool:   NewConnectionPool(),
	}
	p.log = log.Logger.With().Str("caller", "transport<UDP>").Logger()
	return p
}

func (t *UDPTransport) String() string {
	return "transport<UDP>"
}

func (t *UDPTransport) Network() string {
	return TransportUDP
}

func (t *UDPTransport) Close() error {
	t.pool.Clear()
	return nil
}

// Serve listens on a bound packet connection. This blocks.
func (t *UDPTransport) Serve(conn net.PacketConn, handler sip.MessageHandler) error {
	t.log.Debug().Msgf("begin listening on %s %s", t.Network(), conn.LocalAddr().String())

	c := &UDPConnection{PacketConn: conn, PacketAddr: conn.LocalAddr().String()}
	t.listeners = append(t.listeners, c)
	t.readConnection(c, handler)
	return nil
}

func (t *UDPTransport) ResolveAddr(addr string) (net.Addr, error) {
	return net.ResolveUDPAddr("udp", addr)
}

// GetConnection returns the listener connection if addr matches it, or a
// pooled client-dialed connection otherwise.
func (t *UDPTransport) GetConnection(addr string) (Connection, error) {
	for _, l := range t.listeners {
		if l.PacketAddr == addr {
			return l, nil
		}
	}
	if conn := t.pool.Get(addr); conn != nil {
		return conn, nil
	}
	return nil, nil
}

// CreateConnection dials a new connected UDP socket to addr.
func (t *UDPTransport) CreateConnection(addr string, handler sip.MessageHandler) (Connection, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	d := net.Dialer{}
	udpconn, err := d.DialContext(context.Background(), "udp", raddr.String())
	if err != nil {
		return nil, err
	}

	c := &UDPConnection{Conn: udpconn, refcount: 1}

	t.log.Debug().Str("raddr", raddr.String()).Msg("New connection")
	t.pool.Add(raddr.String(), c)
	go t.readConnectedConnection(c, handler)
	return c, nil
}

func (t *UDPTransport) readConnection(conn *UDPConnection, handler sip.MessageHandler) {
	buf := make([]byte, transportBufferSize)
	defer conn.Close()

	var lastRaddr string
	for {
		num, raddr, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				t.log.Debug().Err(err).Msg("Read connection closed")
				return
			}
			t.log.Error().Err(err).Msg("Read connection error")
			return
		}

		data := buf[:num]
		if len(bytes.Trim(data, "\x00")) == 0 {
			continue
		}
		rastr := raddr.String()
		if lastRaddr != rastr {
			t.pool.Add(rastr, conn)
		}

		t.parseAndHandle(data, rastr, handler)
		lastRaddr = rastr
	}
}

func (t *UDPTransport) readConnectedConnection(conn *UDPConnection, handler sip.MessageHandler) {
	buf := make([]byte, transportBufferSize)
	raddr := conn.Conn.RemoteAddr().String()
	defer t.pool.CloseAndDelete(conn, raddr)

	for {
		num, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				t.log.Debug().Err(err).Msg("Read connection closed")
				return
			}
			t.log.Error().Err(err).Msg("Read connection error")
			return
		}

		data := buf[:num]
		if len(bytes.Trim(data, "\x00")) == 0 {
			continue
		}

		t.parseAndHandle(data, raddr, handler)
	}
}

func (t *UDPTransport) parseAndHandle(data []byte, src string, handler sip.MessageHandler) {
	if len(data) <= 4 {
		if len(bytes.Trim(data, "\r\n")) == 0 {
			t.log.Debug().Msg("Keep alive CRLF received")
			return
		}
	}

	msg, err := t.parser.ParseSIP(data)
	if err != nil {
		t.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse")
		return
	}

	msg.SetTransport(TransportUDP)
	msg.SetSource(src)
	handler(msg)
}

// UDPConnection is either a shared listener (PacketConn, unconnected) or a
// connected client socket (Conn) dialed for a single peer; the two modes
// are mutually exclusive within one instance.
type UDPConnection struct {
	PacketConn net.PacketConn
	PacketAddr string

	Conn net.Conn

	mu       sync.RWMutex
	refcount int
}

func (c *UDPConnection) LocalAddr() net.Addr {
	if c.Conn != nil {
		return c.Conn.LocalAddr()
	}
	return c.PacketConn.LocalAddr()
}

func (c *UDPConnection) Ref(i int) {
	if c.Conn == nil {
		return
	}
	c.mu.Lock()
	c.refcount += i
	c.mu.Unlock()
}

func (c *UDPConnection) Close() error {
	if c.Conn == nil {
		return nil
	}
	c.mu.Lock()
	c.refcount = 0
	c.mu.Unlock()
	return c.Conn.Close()
}

func (c *UDPConnection) TryClose() (int, error) {
	if c.Conn == nil {
		return 0, nil
	}

	c.mu.Lock()
	c.refcount--
	ref := c.refcount
	c.mu.Unlock()
	if ref > 0 {
		return ref, nil
	}
	if ref < 0 {
		return 0, nil
	}
	return 0, c.Conn.Close()
}

func (c *UDPConnection) Read(b []byte) (n int, err error) {
	return c.Conn.Read(b)
}

func (c *UDPConnection) Write(b []byte) (n int, err error) {
	return c.Conn.Write(b)
}

func (c *UDPConnection) ReadFrom(b []byte) (n int, addr net.Addr, err error) {
	return c.PacketConn.ReadFrom(b)
}

func (c *UDPConnection) WriteTo(b []byte, addr net.Addr) (n int, err error) {
	return c.PacketConn.WriteTo(b, addr)
}

func (c *UDPConnection) WriteMsg(msg sip.Message) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()
	msg.StringWrite(buf)
	data := buf.Bytes()

	if len(data) > UDPMTUSize-200 {
		return ErrUDPMTUCongestion
	}

	var n int
	var err error
	if c.Conn != nil {
		n, err = c.Write(data)
		if err != nil {
			return fmt.Errorf("conn %s write err=%w", c.Conn.LocalAddr().String(), err)
		}
	} else {
		dst := msg.Destination()
		host, port, err := sip.ParseAddr(dst)
		if err != nil {
			return err
		}
		raddr := net.UDPAddr{IP: net.ParseIP(host), Port: port}

		n, err = c.WriteTo(data, &raddr)
		if err != nil {
			return fmt.Errorf("udp conn %s err. %w", c.PacketConn.LocalAddr().String(), err)
		}
	}

	if n == 0 {
		return fmt.Errorf("wrote 0 bytes")
	}
	if n != len(data) {
		return fmt.Errorf("fail to write full message")
	}
	return nil
}
