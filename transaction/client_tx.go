package transaction

import (
	"fmt"
	"sync"
	"time"

	"github.com/kvidnes/sipdialog/sip"

	"github.com/rs/zerolog"
)

// ClientTx drives a single outgoing request to a final response.
//
// Retransmission (Timer A/E) only matters over unreliable transports; the
// stream transports this module implements (TCP/TLS/WS) are reliable, so
// only the timeout timers (B/F) and the post-final linger timers (D/K) are
// armed. The same holds over UDP, which transport.Layer also serves: no
// Timer A/E retransmits of Send's last write are scheduled, so a request
// lost on UDP is not resent.
type ClientTx struct {
	commonTx

	isInvite bool

	recvOnce sync.Once
	recv     chan sip.Message

	timerTimeout *time.Timer
	timerLinger  *time.Timer
}

func newClientTx(key string, req *sip.Request, conn Connection, log zerolog.Logger, onClose func(string)) *ClientTx {
	return &ClientTx{
		commonTx: commonTx{
			key:     key,
			conn:    conn,
			origin:  req,
			log:     log.With().Str("tx", key).Logger(),
			done:    make(chan struct{}),
			onClose: onClose,
		},
		isInvite: req.IsInvite(),
		recv:     make(chan sip.Message, 4),
	}
}

// Send writes the request and arms the transaction timeout timer.
func (tx *ClientTx) Send(req *sip.Request) error {
	if err := tx.conn.WriteMsg(req); err != nil {
		err = wrapTransportError(err)
		tx.terminate(err)
		tx.closeRecv()
		return err
	}

	timeout := Timer_F
	if tx.isInvite {
		timeout = Timer_B
	}
	tx.timerTimeout = time.AfterFunc(timeout, func() {
		tx.terminate(wrapTimeoutError(fmt.Errorf("no final response for %s %s", req.Method, tx.key)))
		tx.closeRecv()
	})
	return nil
}

// Receive returns the channel of inbound responses. It closes once the
// transaction reaches a terminal state; the last value sent may still be
// in flight when it closes so callers must drain before checking closure.
func (tx *ClientTx) Receive() <-chan sip.Message {
	return tx.recv
}

func (tx *ClientTx) closeRecv() {
	tx.recvOnce.Do(func() { close(tx.recv) })
}

// receive is invoked by the transaction layer for every response matched to
// this transaction's key.
func (tx *ClientTx) receive(res *sip.Response) {
	if tx.timerTimeout != nil {
		tx.timerTimeout.Stop()
	}

	select {
	case tx.recv <- res:
	case <-tx.done:
		return
	}

	if res.IsProvisional() {
		return
	}

	if tx.isInvite && !res.IsSuccess() {
		// Non-2xx ACK is absorbed by the transaction layer itself, on its
		// own branch, per RFC 3261 17.1.1.3 — the dialog never builds this one.
		ack := sip.NewAckRequestNon2xx(tx.origin, res, nil)
		if err := tx.conn.WriteMsg(ack); err != nil {
			tx.log.Warn().Err(err).Msg("failed to send non-2xx ACK")
		}
		tx.timerLinger = time.AfterFunc(Timer_D, func() {
			tx.terminate(nil)
			tx.closeRecv()
		})
		return
	}

	if tx.isInvite {
		// 2xx final: the dialog builds the ACK (reusing the INVITE's
		// branch) and writes it through Ack; this transaction's work ends here.
		tx.terminate(nil)
		tx.closeRecv()
		return
	}

	tx.timerLinger = time.AfterFunc(Timer_K, func() {
		tx.terminate(nil)
		tx.closeRecv()
	})
}

// Ack sends a dialog-built ACK for a 2xx response directly on this
// transaction's connection; it does not open a new transaction for it
// since 2xx ACKs are not matched to any transaction per RFC 3261 17.1.1.3.
func (tx *ClientTx) Ack(ack *sip.Request) error {
	return tx.conn.WriteMsg(ack)
}

// Cancel sends a CANCEL for this transaction's INVITE.
func (tx *ClientTx) Cancel() error {
	if !tx.isInvite {
		return fmt.Errorf("transaction %s: CANCEL only valid for INVITE", tx.key)
	}
	cancel := sip.NewCancelRequest(tx.origin)
	return tx.conn.WriteMsg(cancel)
}

func (tx *ClientTx) Terminate() {
	if tx.timerTimeout != nil {
		tx.timerTimeout.Stop()
	}
	if tx.timerLinger != nil {
		tx.timerLinger.Stop()
	}
	tx.terminate(nil)
	tx.closeRecv()
}
