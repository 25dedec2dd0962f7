package dialog

import (
	"context"
	"sync"

	"github.com/kvidnes/sipdialog/sip"
	"github.com/kvidnes/sipdialog/transaction"

	"github.com/rs/zerolog"
)

// Layer owns every live dialog this process is a party to, keyed by ID, and
// routes inbound messages to the right one. Grounded on the registrar glue
// original_source pairs with its per-dialog state machines: spec.md itself
// only specifies the state machines, not how a multi-dialog process finds
// the one a given message belongs to.
type Layer struct {
	txLayer *transaction.Layer
	log     zerolog.Logger

	mu       sync.RWMutex
	byID     map[ID]Dialog
	byCallID map[string][]ID

	sink chan<- Transition

	onIncoming func(*ServerInviteDialog)
}

func NewLayer(txLayer *transaction.Layer, sink chan<- Transition, log zerolog.Logger) *Layer {
	l := &Layer{
		txLayer:  txLayer,
		log:      log.With().Str("caller", "dialog.Layer").Logger(),
		byID:     make(map[ID]Dialog),
		byCallID: make(map[string][]ID),
		sink:     sink,
	}
	return l
}

// SetTransactionLayer wires the transaction layer this dialog layer sends
// outgoing requests through. Split from NewLayer because the transaction
// layer's own constructor takes this dialog layer's HandleRequest as its
// inbound request handler — the two are mutually referential at
// construction time, so whichever is built second completes the wiring.
func (l *Layer) SetTransactionLayer(txLayer *transaction.Layer) {
	l.mu.Lock()
	l.txLayer = txLayer
	l.mu.Unlock()
}

// OnIncomingInvite registers the callback invoked for every INVITE that
// does not match an existing dialog, i.e. every new inbound call.
func (l *Layer) OnIncomingInvite(fn func(*ServerInviteDialog)) {
	l.onIncoming = fn
}

func (l *Layer) register(id ID, d Dialog) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byID[id] = d
	l.byCallID[id.CallID] = append(l.byCallID[id.CallID], id)
}

func (l *Layer) unregister(id ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byID, id)
	ids := l.byCallID[id.CallID]
	for i, other := range ids {
		if other == id {
			l.byCallID[id.CallID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(l.byCallID[id.CallID]) == 0 {
		delete(l.byCallID, id.CallID)
	}
}

// MatchDialog finds the live dialog msg belongs to, per RFC 3261 §12.2:
// Call-ID plus both tags for a response/in-dialog request, or Call-ID plus
// the peer's own tag (our tag not yet known to them) while a dialog is
// still being established.
func (l *Layer) MatchDialog(msg sip.Message) (Dialog, bool) {
	callID, err := callIDOf(msg)
	if err != nil {
		return Dialog{}, false
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	ids, ok := l.byCallID[callID]
	if !ok {
		return Dialog{}, false
	}

	fromTag, _ := fromTagOf(msg)
	toTag, _ := toTagOf(msg)

	for _, id := range ids {
		d, ok := l.byID[id]
		if !ok {
			continue
		}
		// Exact match once both tags are known on both sides.
		if id.RemoteTag != "" && id.LocalTag != "" {
			if (id.RemoteTag == fromTag && id.LocalTag == toTag) ||
				(id.RemoteTag == toTag && id.LocalTag == fromTag) {
				return d, true
			}
			continue
		}
		// Half-established: only the tag we originated is known.
		if id.LocalTag != "" && (id.LocalTag == fromTag || id.LocalTag == toTag) {
			return d, true
		}
		if id.RemoteTag != "" && (id.RemoteTag == fromTag || id.RemoteTag == toTag) {
			return d, true
		}
	}
	return Dialog{}, false
}

// NewCall builds and registers a client-invite dialog for invite. It does
// not send anything: ProcessInvite is left to the caller so it can observe
// the final response synchronously.
func (l *Layer) NewCall(invite *sip.Request, cred *Credential) (*ClientInviteDialog, error) {
	l.mu.RLock()
	txLayer := l.txLayer
	l.mu.RUnlock()

	d, err := NewClientInviteDialog(txLayer, invite, cred, l.sink, l.log)
	if err != nil {
		return nil, err
	}
	l.register(d.ID(), FromClient(d))
	return d, nil
}

// HandleRequest is the transaction.RequestHandler this layer installs:
// a BYE, INFO or OPTIONS that MatchDialog places goes to that dialog's
// Handle, every INVITE to a freshly minted ServerInviteDialog (via
// onIncoming), and every other request is answered 404 Not Found.
func (l *Layer) HandleRequest(req *sip.Request, stx *transaction.ServerTx) {
	if existing, ok := l.MatchDialog(req); ok {
		switch req.Method {
		case sip.BYE, sip.INFO, sip.OPTIONS:
			if client, err := existing.AsClient(); err == nil {
				if err := client.Handle(stx); err != nil {
					l.log.Error().Err(err).Str("dialog", client.ID().String()).Msg("mid-dialog request error")
				}
				return
			}
			if server, err := existing.AsServer(); err == nil {
				if err := server.Handle(stx); err != nil {
					l.log.Error().Err(err).Str("dialog", server.ID().String()).Msg("mid-dialog request error")
				}
				if server.State().IsTerminated() {
					l.unregister(server.ID())
				}
				return
			}
		}
	}

	if req.Method != sip.INVITE {
		stx.Reply(sip.NewResponseFromRequest(req, sip.StatusNotFound, "Not Found", nil))
		return
	}

	server, err := NewServerInviteDialog(req, stx, nil, l.sink, l.log)
	if err != nil {
		l.log.Error().Err(err).Msg("failed to build inbound dialog")
		stx.Reply(sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil))
		return
	}
	l.register(server.ID(), FromServer(server))

	go func() {
		ctx := context.Background()
		if err := server.HandleInvite(ctx); err != nil {
			l.log.Debug().Err(err).Str("dialog", server.ID().String()).Msg("invite dialog ended")
		}
		l.unregister(server.ID())
	}()

	if l.onIncoming != nil {
		l.onIncoming(server)
	}
}

// ActiveCount returns the number of dialogs currently tracked, for metrics.
func (l *Layer) ActiveCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byID)
}

// Terminate force-ends every live dialog, used on shutdown.
func (l *Layer) Terminate() {
	l.mu.RLock()
	all := make([]Dialog, 0, len(l.byID))
	for _, d := range l.byID {
		all = append(all, d)
	}
	l.mu.RUnlock()

	for _, d := range all {
		d.Terminate()
	}
}
