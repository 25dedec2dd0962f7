package sipua

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"

	"github.com/kvidnes/sipdialog/dialog"
	"github.com/kvidnes/sipdialog/sip"
	"github.com/kvidnes/sipdialog/transaction"
	"github.com/kvidnes/sipdialog/transport"

	"github.com/rs/zerolog"
)

// UserAgent is the thin façade wiring transport.Layer, transaction.Layer,
// and dialog.Layer behind functional options, grounded on the teacher's
// own UserAgent/NewUA wiring pattern.
type UserAgent struct {
	name string
	ip   net.IP
	host string
	port int

	dnsResolver *net.Resolver
	tlsConfig   *tls.Config
	log         zerolog.Logger

	transitions chan dialog.Transition

	tp *transport.Layer
	tx *transaction.Layer
	dl *dialog.Layer
}

type Option func(*UserAgent) error

func WithUserAgent(name string) Option {
	return func(ua *UserAgent) error {
		ua.name = name
		return nil
	}
}

func WithIP(ip net.IP) Option {
	return func(ua *UserAgent) error {
		ua.ip = ip
		ua.host = ip.String()
		return nil
	}
}

func WithDNSResolver(r *net.Resolver) Option {
	return func(ua *UserAgent) error {
		ua.dnsResolver = r
		return nil
	}
}

func WithTLSConfig(c *tls.Config) Option {
	return func(ua *UserAgent) error {
		ua.tlsConfig = c
		return nil
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(ua *UserAgent) error {
		ua.log = log
		return nil
	}
}

// WithTransitions installs the channel dialog state transitions are
// published on; unset means transitions are only logged, not observable.
func WithTransitions(ch chan dialog.Transition) Option {
	return func(ua *UserAgent) error {
		ua.transitions = ch
		return nil
	}
}

func New(options ...Option) (*UserAgent, error) {
	ua := &UserAgent{
		log: zerolog.Nop(),
	}

	for _, o := range options {
		if err := o(ua); err != nil {
			return nil, err
		}
	}

	if ua.ip == nil {
		ip, err := resolveSelfIP()
		if err != nil {
			return nil, fmt.Errorf("sipua: resolve local IP: %w", err)
		}
		ua.ip = ip
		ua.host = ip.String()
	}

	parser := sip.NewParser()
	ua.tp = transport.NewLayer(ua.dnsResolver, *parser, ua.tlsConfig)

	var sink chan<- dialog.Transition
	if ua.transitions != nil {
		sink = ua.transitions
	}
	ua.dl = dialog.NewLayer(nil, sink, ua.log)
	ua.tx = transaction.NewLayer(&transportAdapter{tp: ua.tp}, ua.log, ua.dl.HandleRequest)
	ua.dl.SetTransactionLayer(ua.tx)

	return ua, nil
}

// resolveSelfIP finds the outbound IP this host would use to reach the
// internet, without sending any traffic: UDP's connect merely resolves a
// route and binds a local address.
func resolveSelfIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("unexpected local address type %T", conn.LocalAddr())
	}
	return addr.IP, nil
}

// Listen starts accepting on network ("udp", "tcp", "tls", "ws", "wss") at
// addr, per the teacher's transport.Layer.ListenAndServe/ListenAndServeTLS
// split between plain and TLS-wrapped networks.
func (ua *UserAgent) Listen(ctx context.Context, network, addr string) error {
	switch strings.ToLower(network) {
	case "tls", "wss":
		return ua.tp.ListenAndServeTLS(ctx, strings.ToLower(network), addr, ua.tlsConfig)
	default:
		return ua.tp.ListenAndServe(ctx, strings.ToLower(network), addr)
	}
}

// ActiveCount reports the number of dialogs currently tracked, satisfying
// metrics.ActiveDialogsProvider.
func (ua *UserAgent) ActiveCount() int {
	return ua.dl.ActiveCount()
}

// OnIncomingCall registers the callback fired for every inbound INVITE
// that does not match an existing dialog.
func (ua *UserAgent) OnIncomingCall(fn func(*dialog.ServerInviteDialog)) {
	ua.dl.OnIncomingInvite(fn)
}

// Invite builds and sends an INVITE to recipient, driving the resulting
// client-invite dialog to its first final response.
func (ua *UserAgent) Invite(ctx context.Context, recipient sip.Uri, from sip.Uri, cred *dialog.Credential, contact *sip.ContactHeader, body []byte) (*dialog.ClientInviteDialog, *sip.Response, error) {
	invite := sip.NewRequest(sip.INVITE, recipient)
	invite.SetTransport(ua.preferredTransport(recipient))

	branch := sip.GenerateBranch()
	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       invite.Transport(),
		Host:            ua.host,
		Port:            ua.port,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", branch)
	invite.AppendHeader(via)

	fromHeader := &sip.FromHeader{Address: from, Params: sip.NewParams()}
	fromHeader.Params.Add("tag", sip.GenerateTagN(16))
	invite.AppendHeader(fromHeader)

	invite.AppendHeader(&sip.ToHeader{Address: recipient})

	callID := sip.CallIDHeader(sip.GenerateTagN(24))
	invite.AppendHeader(&callID)

	invite.AppendHeader(&sip.CSeq{SeqNo: 1, MethodName: sip.INVITE})

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	if contact != nil {
		invite.AppendHeader(contact)
	}
	if ua.name != "" {
		invite.AppendHeader(sip.NewHeader("User-Agent", ua.name))
	}

	invite.SetBody(body)

	d, err := ua.dl.NewCall(invite, cred)
	if err != nil {
		return nil, nil, err
	}
	res, err := d.ProcessInvite(ctx)
	return d, res, err
}

func (ua *UserAgent) preferredTransport(recipient sip.Uri) string {
	if t, ok := recipient.UriParams.Get("transport"); ok && t != "" {
		return strings.ToUpper(t)
	}
	return "UDP"
}

// Close terminates every live dialog and tears down the transport layer.
func (ua *UserAgent) Close() error {
	ua.dl.Terminate()
	ua.tx.Close()
	return ua.tp.Close()
}
