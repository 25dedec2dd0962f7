package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/kvidnes/sipdialog/sip"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// sipKeepAlivePing is the RFC 5626 §3.5.1 keepalive a client sends on an
// idle connection. This transport answers it with sipKeepAlivePong so the
// client knows the socket is still alive; this is separate from, and not a
// substitute for, normal SIP message framing below.
const sipKeepAlivePing = "\r\n\r\n"
const sipKeepAlivePong = "\r\n"

// TCP transport implementation
type TCPTransport struct {
	addr      string
	transport string
	parser    sip.Parser
	log       zerolog.Logger

	pool ConnectionPool
}

func NewTCPTransport(par sip.Parser) *TCPTransport {
	p := &TCPTransport{
		parser:    par,
		pool:      NewConnectionPool(),
		transport: TransportTCP,
	}
	p.log = log.Logger.With().Str("caller", "transport<TCP>").Logger()
	return p
}

func (t *TCPTransport) String() string {
	return "transport<TCP>"
}

func (t *TCPTransport) Network() string {
	return t.transport
}

func (t *TCPTransport) Close() error {
	t.pool.Clear()
	return nil
}

// Serve is direct way to provide conn on which this worker will listen
func (t *TCPTransport) Serve(l net.Listener, handler sip.MessageHandler) error {
	t.log.Debug().Msgf("begin listening on %s %s", t.Network(), l.Addr().String())
	for {
		conn, err := l.Accept()
		if err != nil {
			t.log.Debug().Err(err).Msg("Fail to accept conenction")
			return err
		}

		t.initConnection(conn, conn.RemoteAddr().String(), handler)
	}
}

func (t *TCPTransport) ResolveAddr(addr string) (net.Addr, error) {
	return net.ResolveTCPAddr("tcp", addr)
}

func (t *TCPTransport) GetConnection(addr string) (Connection, error) {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	addr = raddr.String()

	t.log.Debug().Str("addr", addr).Msg("Getting connection")

	c := t.pool.Get(addr)
	return c, nil
}

func (t *TCPTransport) CreateConnection(addr string, handler sip.MessageHandler) (Connection, error) {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	return t.createConnection(context.Background(), raddr, handler)
}

func (t *TCPTransport) createConnection(ctx context.Context, raddr *net.TCPAddr, handler sip.MessageHandler) (Connection, error) {
	addr := raddr.String()
	t.log.Debug().Str("raddr", addr).Msg("Dialing new connection")

	dialer := net.Dialer{}
	c, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%s dial err=%w", t, err)
	}

	return t.initConnection(c, addr, handler), nil
}

func (t *TCPTransport) initConnection(c net.Conn, addr string, handler sip.MessageHandler) Connection {
	t.log.Debug().Str("raddr", addr).Msg("New connection")
	conn := &TCPConnection{
		conn: newConn(c, t.transport),
	}
	t.pool.Add(addr, conn)
	go t.readConnection(conn, addr, handler)
	return conn
}

// readConnection incrementally frames SIP messages off the stream using
// ParserStream, which keys on Content-Length to know where one message
// ends and the next begins — a single Read can hold a partial message, a
// full one, or several back to back, so it must never be treated as one
// message per read.
func (t *TCPTransport) readConnection(conn *TCPConnection, raddr string, handler sip.MessageHandler) {
	buf := make([]byte, transportBufferSize)

	defer t.pool.CloseAndDelete(conn, raddr)

	par := t.parser.NewSIPStream()
	defer par.Close()

	for {
		num, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				t.log.Debug().Err(err).Msg("connection was closed")
				return
			}

			t.log.Error().Err(err).Msg("Read error")
			return
		}

		data := buf[:num]
		if len(bytes.Trim(data, "\x00")) == 0 {
			continue
		}

		if isKeepAlivePing(data) {
			t.log.Debug().Msg("keepalive ping received, sending pong")
			if _, err := conn.Write([]byte(sipKeepAlivePong)); err != nil {
				t.log.Warn().Err(err).Msg("failed to send keepalive pong")
				return
			}
			continue
		}
		if isKeepAlivePong(data) {
			t.log.Debug().Msg("keepalive pong received")
			continue
		}

		t.parseStream(par, data, raddr, handler)
	}
}

func isKeepAlivePing(data []byte) bool {
	return bytes.Equal(data, []byte(sipKeepAlivePing))
}

func isKeepAlivePong(data []byte) bool {
	return bytes.Equal(data, []byte(sipKeepAlivePong))
}

func (t *TCPTransport) parseStream(par *sip.ParserStream, data []byte, src string, handler sip.MessageHandler) {
	err := par.ParseSIPStream(data, func(msg sip.Message) {
		msg.SetTransport(t.Network())
		msg.SetSource(src)
		handler(msg)
	})
	if err == sip.ErrParseSipPartial {
		return
	}
	if err != nil {
		t.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse")
		par.Discard(par.Buffer().Len())
	}
}

// TCPConnection wraps the shared refcounted conn with TCP-specific debug
// logging on Read/Write.
type TCPConnection struct {
	conn
}

func (c *TCPConnection) Read(b []byte) (n int, err error) {
	n, err = c.conn.Read(b)
	if SIPDebug {
		log.Debug().Msgf("TCP read %s <- %s:\n%s", c.LocalAddr().String(), c.RemoteAddr(), string(b[:n]))
	}
	return n, err
}

func (c *TCPConnection) Write(b []byte) (n int, err error) {
	n, err = c.conn.Write(b)
	if SIPDebug {
		log.Debug().Msgf("TCP write %s -> %s:\n%s", c.LocalAddr().String(), c.RemoteAddr(), string(b[:n]))
	}
	return n, err
}
