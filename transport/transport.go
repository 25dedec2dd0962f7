package transport

import "github.com/kvidnes/sipdialog/sip"

var (
	SIPDebug bool
)

const (
	// Transport for different sip messages. GO uses lowercase, but for message parsing, we should
	// use this constants for setting message Transport
	TransportUDP = "UDP"
	TransportTCP = "TCP"
	TransportTLS = "TLS"
	TransportWS  = "WS"
	TransportWSS = "WSS"

	// transportBufferSize is the per-read buffer size for stream and
	// datagram sockets.
	transportBufferSize = 65535
)

// Transport implements network specific features. Layer only calls these
// through its transports map, so String/Addr/ListenAndServe are each
// transport's own concern, not part of this contract.
type Transport interface {
	Network() string
	GetConnection(addr string) (Connection, error)
	CreateConnection(addr string, handler sip.MessageHandler) (Connection, error)
	Close() error
}
