package transaction

import (
	"sync"
	"time"

	"github.com/kvidnes/sipdialog/sip"

	"github.com/rs/zerolog"
)

// ServerTx wraps an inbound request. Over a reliable transport no response
// retransmission is needed (RFC 3261 17.2.1 applies retransmit timers only
// to unreliable transports); this implementation only tracks the wait for
// ACK (non-2xx: Timer H/I; 2xx: Timer L, terminated early once the
// transaction layer matches the ACK to this transaction).
type ServerTx struct {
	commonTx

	isInvite bool
	tu       chan Event
	recv     chan sip.Message
	recvOnce sync.Once

	mu         sync.Mutex
	repliedFinal bool

	timerLinger *time.Timer
}

func newServerTx(key string, req *sip.Request, conn Connection, log zerolog.Logger, onClose func(string)) *ServerTx {
	return &ServerTx{
		commonTx: commonTx{
			key:     key,
			conn:    conn,
			origin:  req,
			log:     log.With().Str("tx", key).Logger(),
			done:    make(chan struct{}),
			onClose: onClose,
		},
		isInvite: req.IsInvite(),
		tu:       make(chan Event, 4),
		recv:     make(chan sip.Message, 4),
	}
}

func (tx *ServerTx) SendTrying() error {
	if !tx.isInvite {
		return nil
	}
	trying := sip.NewResponseFromRequest(tx.origin, sip.StatusTrying, "Trying", nil)
	return tx.conn.WriteMsg(trying)
}

func (tx *ServerTx) Reply(res *sip.Response) error {
	if err := tx.conn.WriteMsg(res); err != nil {
		err = wrapTransportError(err)
		tx.terminate(err)
		return err
	}

	if !res.IsProvisional() {
		tx.mu.Lock()
		tx.repliedFinal = true
		tx.mu.Unlock()

		wait := Timer_H
		if res.IsSuccess() {
			wait = Timer_L
		} else if !tx.isInvite {
			wait = Timer_J
		}
		tx.timerLinger = time.AfterFunc(wait, func() {
			tx.terminate(nil)
		})
	}
	return nil
}

// Receive surfaces ACK/CANCEL retransmissions matched to this transaction;
// the owning dialog's handle_invite loop reads from it.
func (tx *ServerTx) Receive() <-chan sip.Message {
	return tx.recv
}

func (tx *ServerTx) TUSender() chan<- Event {
	return tx.tu
}

// receive is invoked by the transaction layer for ACK/CANCEL requests
// matched to this transaction's key.
func (tx *ServerTx) receive(req *sip.Request) {
	if req.IsAck() && tx.timerLinger != nil {
		tx.timerLinger.Stop()
		tx.terminate(nil)
	}

	select {
	case tx.recv <- req:
	case <-tx.done:
	}
}

func (tx *ServerTx) Terminate() {
	if tx.timerLinger != nil {
		tx.timerLinger.Stop()
	}
	tx.terminate(nil)
	tx.recvOnce.Do(func() { close(tx.recv) })
}
