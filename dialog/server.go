package dialog

import (
	"context"

	"github.com/kvidnes/sipdialog/sip"
	"github.com/kvidnes/sipdialog/transaction"

	"github.com/rs/zerolog"
)

// ServerInviteDialog drives the UAS side of an INVITE: SendTrying, wait for
// the application to Accept or Reject, then watch for the confirming ACK or
// a racing CANCEL. Unlike ClientInviteDialog it never originates requests
// of its own (no BYE/CANCEL on this side, and Reinvite returns
// ErrReinviteNotImplemented); it only answers what the peer sends via Handle.
type ServerInviteDialog struct {
	*DialogInner
	stx *transaction.ServerTx
}

// NewServerInviteDialog builds the dialog around the server transaction the
// transaction layer opened for an inbound INVITE. The peer's From-tag is
// the remote tag; our own tag does not exist until Accept or Reject builds
// the first tagged response.
func NewServerInviteDialog(
	invite *sip.Request,
	stx *transaction.ServerTx,
	cred *Credential,
	sink chan<- Transition,
	log zerolog.Logger,
) (*ServerInviteDialog, error) {
	id, err := idFromUASRequest(invite)
	if err != nil {
		return nil, newError(ID{}, "build initial dialog id: %s", err)
	}

	from := invite.From()
	to := invite.To()
	if from == nil || to == nil {
		return nil, newError(id, "INVITE missing From/To header")
	}

	inner := newDialogInner(id, invite, to.Address, from.Address, cred, sink, log.With().Str("dialog", id.String()).Logger())
	if contact := invite.Contact(); contact != nil {
		inner.setRemoteTarget(contact.Address)
	}
	inner.setRouteSet(recordRouteInOrder(invite))
	if cseq := invite.CSeq(); cseq != nil {
		inner.CheckRemoteSeq(cseq.SeqNo)
	}

	return &ServerInviteDialog{DialogInner: inner, stx: stx}, nil
}

func recordRouteInOrder(invite *sip.Request) []sip.Uri {
	hdrs := invite.GetHeaders("Record-Route")
	routes := make([]sip.Uri, 0, len(hdrs))
	for _, h := range hdrs {
		if rr, ok := h.(*sip.RecordRouteHeader); ok {
			routes = append(routes, rr.Address)
		}
	}
	return routes
}

// HandleInvite sends the initial 100 Trying, transitions Calling, then
// blocks watching this transaction for the confirming ACK (WaitAck ->
// Confirmed) or a CANCEL racing the application's Accept/Reject (-> 487,
// Terminated). The application calls Accept or Reject concurrently once it
// has decided; this loop only reacts to what the peer sends.
func (d *ServerInviteDialog) HandleInvite(ctx context.Context) error {
	if err := d.stx.SendTrying(); err != nil {
		return &TransportError{Err: err}
	}
	if err := d.Transition(State{Kind: Calling}); err != nil {
		return err
	}

	for {
		select {
		case msg, ok := <-d.stx.Receive():
			if !ok {
				return nil
			}
			req, ok := msg.(*sip.Request)
			if !ok {
				continue
			}

			switch {
			case req.IsCancel():
				switch d.State().Kind {
				case Calling, Trying, Early:
					res := d.MakeResponse(d.initialRequest, sip.StatusRequestTerminated, "Request Terminated", nil, nil)
					if err := d.stx.Reply(res); err != nil {
						return &TransportError{Err: err}
					}
					d.Transition(State{Kind: Terminated, Status: sip.StatusRequestTerminated})
					return nil
				}
			case req.IsAck():
				if d.State().Kind == WaitAck {
					d.Transition(State{Kind: Confirmed})
				}
				if d.State().Kind == Terminated {
					return nil
				}
			}
		case <-d.stx.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-d.Context().Done():
			return ErrCancelled
		}
	}
}

// Accept sends a 2xx final response carrying the given Contact and body,
// moving the dialog to WaitAck. Accept is immediate: it does not block on
// the peer's ACK, which HandleInvite's loop picks up separately.
func (d *ServerInviteDialog) Accept(contact *sip.ContactHeader, body []byte) (*sip.Response, error) {
	if d.State().IsTerminated() {
		return nil, ErrAlreadyTerminated
	}

	var extra []sip.Header
	if contact != nil {
		extra = append(extra, contact)
	}
	res := d.MakeResponse(d.initialRequest, sip.StatusOK, "OK", extra, body)
	if err := d.stx.Reply(res); err != nil {
		return nil, &TransportError{Err: err}
	}
	if err := d.Transition(State{Kind: WaitAck, Response: res}); err != nil {
		return nil, err
	}
	return res, nil
}

// Reject sends a non-2xx final response and moves the dialog straight to
// Terminated; the transaction layer absorbs the peer's ACK for a non-2xx
// automatically, so no further action is needed here.
func (d *ServerInviteDialog) Reject(status int, reason string) (*sip.Response, error) {
	if d.State().IsTerminated() {
		return nil, ErrAlreadyTerminated
	}
	if reason == "" {
		reason = sip.ReasonPhrase(status)
	}

	res := d.MakeResponse(d.initialRequest, status, reason, nil, nil)
	if err := d.stx.Reply(res); err != nil {
		return nil, &TransportError{Err: err}
	}
	if err := d.Transition(State{Kind: Terminated, Status: status}); err != nil {
		return nil, err
	}
	return res, nil
}

// Handle processes a mid-dialog request from the peer (BYE, INFO, OPTIONS)
// arriving on its own server transaction. A stale CSeq is silently
// discarded on the wire per RFC 3261 §12.2.2, unlike the client side's 500
// response — a UAS has no transaction-less way to signal the error back to
// a request it never associates with one of its own outgoing transactions
// — but it is still returned as a *Error so the caller can log it.
func (d *ServerInviteDialog) Handle(stx *transaction.ServerTx) error {
	req := stx.Original()
	cseq := req.CSeq()
	if cseq == nil {
		stx.Reply(d.MakeResponse(req, sip.StatusBadRequest, "Bad Request", nil, nil))
		return newError(d.ID(), "mid-dialog %s has no CSeq header", req.Method)
	}
	if stale := d.CheckRemoteSeq(cseq.SeqNo); stale {
		return newError(d.ID(), "mid-dialog %s has a stale CSeq %d", req.Method, cseq.SeqNo)
	}

	switch req.Method {
	case sip.BYE:
		stx.Reply(d.MakeResponse(req, sip.StatusOK, "OK", nil, nil))
		d.Transition(State{Kind: Terminated, Request: req})
	case sip.INFO:
		d.Transition(State{Kind: InfoState, Request: req})
		stx.Reply(d.MakeResponse(req, sip.StatusOK, "OK", nil, nil))
		d.Transition(State{Kind: Confirmed, Request: req})
	case sip.OPTIONS:
		d.Transition(State{Kind: OptionsState, Request: req})
		stx.Reply(d.MakeResponse(req, sip.StatusOK, "OK", nil, nil))
		d.Transition(State{Kind: Confirmed, Request: req})
	default:
		stx.Reply(d.MakeResponse(req, sip.StatusMethodNotAllowed, "Method Not Allowed", nil, nil))
		return newError(d.ID(), "unsupported mid-dialog method %s", req.Method)
	}
	return nil
}

// Reinvite is not implemented; session modification via re-INVITE is out of
// scope for this module, see DESIGN.md.
func (d *ServerInviteDialog) Reinvite(ctx context.Context, body []byte) (*sip.Response, error) {
	return nil, ErrReinviteNotImplemented
}
