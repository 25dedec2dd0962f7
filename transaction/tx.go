package transaction

import (
	"sync"

	"github.com/kvidnes/sipdialog/sip"

	"github.com/rs/zerolog"
)

// commonTx is the shared bookkeeping for client and server transactions:
// the original request, the connection it is bound to, and the error/done
// signaling every Transaction exposes.
type commonTx struct {
	key  string
	conn Connection
	log  zerolog.Logger

	origin *sip.Request

	mu      sync.Mutex
	err     error
	done    chan struct{}
	closed  bool
	onClose func(key string)
}

func (tx *commonTx) Key() string {
	return tx.key
}

func (tx *commonTx) Original() *sip.Request {
	return tx.origin
}

func (tx *commonTx) Done() <-chan struct{} {
	return tx.done
}

func (tx *commonTx) Err() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.err
}

// terminate closes done exactly once, recording err (may be nil) and
// notifying the owning layer so it can drop the transaction from its store.
func (tx *commonTx) terminate(err error) {
	tx.mu.Lock()
	if tx.closed {
		tx.mu.Unlock()
		return
	}
	tx.closed = true
	tx.err = err
	tx.mu.Unlock()

	close(tx.done)
	if tx.onClose != nil {
		tx.onClose(tx.key)
	}
}
