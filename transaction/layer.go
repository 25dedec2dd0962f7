package transaction

import (
	"context"
	"fmt"

	"github.com/kvidnes/sipdialog/sip"

	"github.com/rs/zerolog"
)

// Transport is the slice of transport.Layer the transaction layer depends
// on: a way to get a connection for an outgoing request, a way to get the
// connection a request arrived on (so a reply reuses it), and a way to
// subscribe to inbound messages.
type Transport interface {
	ClientConnection(ctx context.Context, req *sip.Request) (Connection, error)
	ServerConnection(ctx context.Context, req *sip.Request) (Connection, error)
	OnMessage(handler sip.MessageHandler)
}

// RequestHandler receives requests that opened a new server transaction —
// the one place a new incoming dialog or mid-dialog request surfaces.
type RequestHandler func(req *sip.Request, tx *ServerTx)

// Layer multiplexes transport-level messages onto client and server
// transactions, matching RFC 3261 §17.1.3/§17.2.3 keys.
type Layer struct {
	transport Transport
	log       zerolog.Logger

	clientTx *transactionStore
	serverTx *transactionStore

	reqHandler RequestHandler
}

func NewLayer(tp Transport, log zerolog.Logger, handler RequestHandler) *Layer {
	l := &Layer{
		transport: tp,
		log:       log.With().Str("caller", "transaction.Layer").Logger(),
		clientTx:  newTransactionStore(),
		serverTx:  newTransactionStore(),
		reqHandler: handler,
	}
	tp.OnMessage(l.handleMessage)
	return l
}

func (l *Layer) handleMessage(msg sip.Message) {
	switch m := msg.(type) {
	case *sip.Request:
		go l.handleRequest(m)
	case *sip.Response:
		go l.handleResponse(m)
	}
}

func (l *Layer) handleRequest(req *sip.Request) {
	if req.IsCancel() {
		// MakeServerTxKey already folds CANCEL's method to INVITE for
		// keying purposes (RFC 3261 §9.2), so this matches the existing
		// INVITE server transaction directly.
		key, err := MakeServerTxKey(req)
		if err == nil {
			if tx, ok := l.serverTx.get(key); ok {
				stx := tx.(*ServerTx)
				stx.receive(req)
				stx.conn.WriteMsg(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
				return
			}
		}
		// No matching INVITE transaction: surface it as a normal request so
		// the application can still decide (dialog already gone, or the
		// CANCEL lost the race against a response neither side kept).
	}

	key, err := MakeServerTxKey(req)
	if err != nil {
		l.log.Error().Err(err).Msg("cannot key inbound request")
		return
	}

	if tx, ok := l.serverTx.get(key); ok {
		tx.(*ServerTx).receive(req)
		return
	}

	conn, err := l.transport.ServerConnection(context.Background(), req)
	if err != nil {
		l.log.Error().Err(err).Msg("no connection for inbound request")
		return
	}

	tx := newServerTx(key, req, conn, l.log, func(k string) { l.serverTx.drop(k) })
	l.serverTx.put(key, tx)
	l.reqHandler(req, tx)
}

func (l *Layer) handleResponse(res *sip.Response) {
	key, err := MakeClientTxKey(res)
	if err != nil {
		l.log.Error().Err(err).Msg("cannot key inbound response")
		return
	}

	tx, ok := l.clientTx.get(key)
	if !ok {
		l.log.Debug().Str("key", key).Msg("unmatched response, dropping (likely retransmission)")
		return
	}
	tx.(*ClientTx).receive(res)
}

// NewClientTransaction opens a transaction for req, dials/reuses a
// connection, and sends it.
func (l *Layer) NewClientTransaction(ctx context.Context, req *sip.Request) (*ClientTx, error) {
	if req.IsAck() {
		return nil, fmt.Errorf("ACK must be sent directly through the transport, not as a transaction")
	}

	key, err := MakeClientTxKey(req)
	if err != nil {
		return nil, err
	}

	if _, exists := l.clientTx.get(key); exists {
		return nil, fmt.Errorf("client transaction %q already exists", key)
	}

	conn, err := l.transport.ClientConnection(ctx, req)
	if err != nil {
		return nil, wrapTransportError(err)
	}

	tx := newClientTx(key, req, conn, l.log, func(k string) { l.clientTx.drop(k) })
	l.clientTx.put(key, tx)

	if err := tx.Send(req); err != nil {
		l.clientTx.drop(key)
		return nil, err
	}
	return tx, nil
}

func (l *Layer) Close() {
	for _, tx := range l.clientTx.all() {
		tx.Terminate()
	}
	for _, tx := range l.serverTx.all() {
		tx.Terminate()
	}
}
