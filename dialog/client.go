package dialog

import (
	"context"

	"github.com/kvidnes/sipdialog/sip"
	"github.com/kvidnes/sipdialog/transaction"

	"github.com/rs/zerolog"
)

// ClientInviteDialog drives the UAC side of an INVITE from Calling through
// Confirmed (or Terminated), and the mid-dialog requests a confirmed call
// allows: BYE, INFO, and out-of-dialog CANCEL of the initial INVITE itself.
type ClientInviteDialog struct {
	*DialogInner
	txLayer *transaction.Layer
	tx      *transaction.ClientTx
}

// NewClientInviteDialog builds the dialog around an already-constructed
// INVITE request; the request's own From-tag becomes the dialog's local
// tag, its Call-ID the dialog Call-ID, per RFC 3261 §12.1.2.
func NewClientInviteDialog(
	txLayer *transaction.Layer,
	invite *sip.Request,
	cred *Credential,
	sink chan<- Transition,
	log zerolog.Logger,
) (*ClientInviteDialog, error) {
	id, err := idFromUACRequest(invite)
	if err != nil {
		return nil, newError(ID{}, "build initial dialog id: %s", err)
	}

	from := invite.From()
	to := invite.To()
	if from == nil || to == nil {
		return nil, newError(id, "INVITE missing From/To header")
	}

	inner := newDialogInner(id, invite, from.Address, to.Address, cred, sink, log.With().Str("dialog", id.String()).Logger())
	return &ClientInviteDialog{DialogInner: inner, txLayer: txLayer}, nil
}

// ProcessInvite sends the initial INVITE and drives the Calling state
// machine to completion: provisional responses move Trying/Early, a 401/407
// retries once with a Digest credential (or terminates if none is
// configured or the retry is challenged again), a 2xx moves WaitAck and the
// dialog ACKs it reusing the INVITE's Via branch, any other final moves
// Terminated.
func (d *ClientInviteDialog) ProcessInvite(ctx context.Context) (*sip.Response, error) {
	if err := d.acquireTx(); err != nil {
		return nil, err
	}
	defer d.releaseTx()

	invite := d.initialRequest
	authRetried := false

	for {
		tx, err := d.txLayer.NewClientTransaction(ctx, invite)
		if err != nil {
			d.Transition(State{Kind: Terminated})
			return nil, &TransportError{Err: err}
		}
		d.tx = tx

		res, err := d.awaitFinal(ctx, tx)
		for err == nil && res.IsProvisional() {
			kind := Trying
			if res.StatusCode != sip.StatusTrying {
				kind = Early
				if tag, tagErr := toTagOf(res); tagErr == nil {
					d.UpdateRemoteTag(tag)
				}
			}
			d.Transition(State{Kind: kind, Response: res})
			res, err = d.awaitFinal(ctx, tx)
		}
		if err != nil {
			d.Transition(State{Kind: Terminated})
			return nil, err
		}

		switch {
		case res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired:
			if authRetried || d.credential == nil {
				d.Transition(State{Kind: Terminated, Status: res.StatusCode})
				return res, nil
			}
			retry, err := d.retryWithAuth(invite, res)
			if err != nil {
				d.Transition(State{Kind: Terminated, Status: res.StatusCode})
				return res, &AuthError{Err: err}
			}
			invite = retry
			authRetried = true
			continue

		case res.IsSuccess():
			if tag, tagErr := toTagOf(res); tagErr == nil {
				d.UpdateRemoteTag(tag)
			}
			if contact := res.Contact(); contact != nil {
				d.setRemoteTarget(contact.Address)
			}
			d.setRouteSet(reverseRecordRoute(res))
			ack := sip.NewRequest(sip.ACK, d.RemoteTargetOrURI())
			if err := d.buildAck(ack, invite, res); err != nil {
				d.Transition(State{Kind: Terminated})
				return res, err
			}
			if err := tx.Ack(ack); err != nil {
				d.Transition(State{Kind: Terminated})
				return res, &TransportError{Err: err}
			}
			d.Transition(State{Kind: WaitAck, Response: res})
			d.Transition(State{Kind: Confirmed, Response: res})
			return res, nil

		default:
			// Non-2xx final other than a plain auth challenge: the
			// transaction layer already built and sent the ACK for us.
			d.Transition(State{Kind: Terminated, Status: res.StatusCode})
			return res, nil
		}
	}
}

func (d *ClientInviteDialog) awaitFinal(ctx context.Context, tx *transaction.ClientTx) (*sip.Response, error) {
	for {
		select {
		case msg, ok := <-tx.Receive():
			if !ok {
				if err := tx.Err(); err != nil {
					return nil, &TransportError{Err: err}
				}
				return nil, ErrTransactionTerminated
			}
			res, ok := msg.(*sip.Response)
			if !ok {
				continue
			}
			return res, nil
		case <-ctx.Done():
			tx.Terminate()
			return nil, ctx.Err()
		case <-d.Context().Done():
			tx.Terminate()
			return nil, ErrCancelled
		}
	}
}

func (d *ClientInviteDialog) retryWithAuth(invite *sip.Request, res *sip.Response) (*sip.Request, error) {
	retry := invite.Clone()
	if seq := retry.CSeq(); seq != nil {
		seq.SeqNo = d.IncrementLocalSeq()
	}
	if via := retry.Via(); via != nil {
		via.Params.Add("branch", sip.GenerateBranch())
	}
	if err := applyChallenge(retry, res, *d.credential); err != nil {
		return nil, err
	}
	return retry, nil
}

// buildAck completes a 2xx ACK as its own request constructed outside the
// INVITE transaction, but per RFC 3261 §13.2.2.4 it MUST carry the same top
// Via branch as the INVITE it acknowledges, not a fresh one: the branch is
// what lets a stateful proxy in the path match the ACK to the INVITE
// transaction it already forwarded.
func (d *ClientInviteDialog) buildAck(ack *sip.Request, invite *sip.Request, res *sip.Response) error {
	inviteVia := invite.Via()
	if inviteVia == nil {
		return newError(d.ID(), "INVITE has no Via header to take an ACK branch from")
	}
	branch, ok := inviteVia.Params.Get("branch")
	if !ok || branch == "" {
		return newError(d.ID(), "INVITE Via has no branch parameter")
	}

	ack.SipVersion = invite.SipVersion
	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       invite.Transport(),
		Host:            inviteVia.Host,
		Port:            inviteVia.Port,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", branch)
	ack.AppendHeader(via)

	routeSet := d.RouteSet()
	for i := len(routeSet) - 1; i >= 0; i-- {
		ack.AppendHeader(&sip.RouteHeader{Address: routeSet[i]})
	}

	if h := invite.From(); h != nil {
		ack.AppendHeader(&sip.FromHeader{DisplayName: h.DisplayName, Address: h.Address, Params: h.Params.Clone()})
	}
	if h := res.To(); h != nil {
		ack.AppendHeader(&sip.ToHeader{DisplayName: h.DisplayName, Address: h.Address, Params: h.Params.Clone()})
	}
	if h := invite.CallID(); h != nil {
		callID := sip.CallIDHeader(*h)
		ack.AppendHeader(&callID)
	}
	if h := invite.CSeq(); h != nil {
		ack.AppendHeader(&sip.CSeq{SeqNo: h.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	ack.SetTransport(invite.Transport())
	return nil
}

func reverseRecordRoute(res *sip.Response) []sip.Uri {
	hdrs := res.GetHeaders("Record-Route")
	routes := make([]sip.Uri, 0, len(hdrs))
	for i := len(hdrs) - 1; i >= 0; i-- {
		if rr, ok := hdrs[i].(*sip.RecordRouteHeader); ok {
			routes = append(routes, rr.Address)
		}
	}
	return routes
}

// Bye sends an in-dialog BYE and waits for its final response.
func (d *ClientInviteDialog) Bye(ctx context.Context) (*sip.Response, error) {
	if !d.IsConfirmed() {
		return nil, newError(d.ID(), "BYE requires a confirmed dialog")
	}
	if err := d.acquireTx(); err != nil {
		return nil, err
	}
	defer d.releaseTx()

	req := d.MakeRequest(sip.BYE, RequestOptions{})
	res, err := d.doRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	d.Transition(State{Kind: Terminated, Status: res.StatusCode})
	return res, nil
}

// Info sends an in-dialog INFO carrying body and waits for its final
// response. The dialog moves to InfoState when the INFO is sent and stays
// there: Transition does not accept a move from InfoState to Confirmed, so
// the closing Transition call leaves the state unchanged. IsConfirmed still
// reports true in InfoState.
func (d *ClientInviteDialog) Info(ctx context.Context, contentType string, body []byte) (*sip.Response, error) {
	if !d.IsConfirmed() {
		return nil, newError(d.ID(), "INFO requires a confirmed dialog")
	}
	if err := d.acquireTx(); err != nil {
		return nil, err
	}
	defer d.releaseTx()

	var extra []sip.Header
	if contentType != "" {
		extra = append(extra, sip.NewHeader("Content-Type", contentType))
	}
	req := d.MakeRequest(sip.INFO, RequestOptions{ExtraHeaders: extra, Body: body})
	d.Transition(State{Kind: InfoState, Request: req})
	res, err := d.doRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	d.Transition(State{Kind: Confirmed})
	return res, nil
}

// Cancel sends a CANCEL for the still-outstanding initial INVITE. Per RFC
// 3261 §9.1 a CANCEL reuses the INVITE's own CSeq number unchanged; only the
// method changes, which sip.NewCancelRequest already implements correctly.
func (d *ClientInviteDialog) Cancel(ctx context.Context) error {
	switch d.State().Kind {
	case Calling, Trying, Early:
	default:
		return newError(d.ID(), "CANCEL only valid before a final response")
	}
	if d.tx == nil {
		return newError(d.ID(), "no outstanding transaction to cancel")
	}
	return d.tx.Cancel()
}

// Reinvite is not implemented; session modification via re-INVITE is out of
// scope for this module, see DESIGN.md.
func (d *ClientInviteDialog) Reinvite(ctx context.Context, body []byte) (*sip.Response, error) {
	return nil, ErrReinviteNotImplemented
}

// doRequest opens a client transaction for req and returns its final
// response, applying invariant 2 bookkeeping is not needed here since
// remote_seq tracks inbound requests, not our own outgoing ones.
func (d *ClientInviteDialog) doRequest(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := d.txLayer.NewClientTransaction(ctx, req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	for {
		res, err := d.awaitFinal(ctx, tx)
		if err != nil || !res.IsProvisional() {
			return res, err
		}
	}
}

// Handle processes a mid-dialog request addressed to this dialog (BYE,
// INFO, OPTIONS sent by the peer). A stale CSeq on the client side is
// answered with a 500, per the divergent client/server handling the
// taxonomy calls out. Every anomaly branch both replies on the wire and
// returns a *Error so the caller can log it; the happy-path methods
// return nil.
func (d *ClientInviteDialog) Handle(stx *transaction.ServerTx) error {
	req := stx.Original()
	cseq := req.CSeq()
	if cseq == nil {
		stx.Reply(d.MakeResponse(req, sip.StatusBadRequest, "Bad Request", nil, nil))
		return newError(d.ID(), "mid-dialog %s has no CSeq header", req.Method)
	}
	if stale := d.CheckRemoteSeq(cseq.SeqNo); stale {
		stx.Reply(d.MakeResponse(req, sip.StatusInternalServerError, "Internal Server Error", nil, nil))
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
