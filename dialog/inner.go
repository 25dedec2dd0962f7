package dialog

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kvidnes/sipdialog/sip"

	"github.com/rs/zerolog"
)

// DialogInner is the mechanics shared by ClientInviteDialog and
// ServerInviteDialog: identity, sequence counters, the live transaction
// flag, authentication credential, cooperative cancellation, and the
// transition sink. Exclusive fields (id, state, txActive) are guarded by mu;
// critical sections never suspend while held. Sequence counters are atomic.
type DialogInner struct {
	mu       sync.Mutex
	id       ID
	state    State
	txActive bool

	localSeq  atomic.Uint32
	remoteSeq atomic.Uint32

	initialRequest *sip.Request

	localURI     sip.Uri
	remoteURI    sip.Uri
	remoteTarget sip.Uri
	routeSet     []sip.Uri

	credential *Credential

	ctx    context.Context
	cancel context.CancelFunc

	sink chan<- Transition

	log zerolog.Logger
}

func newDialogInner(
	id ID,
	initial *sip.Request,
	localURI, remoteURI sip.Uri,
	cred *Credential,
	sink chan<- Transition,
	log zerolog.Logger,
) *DialogInner {
	ctx, cancel := context.WithCancel(context.Background())
	d := &DialogInner{
		id:             id,
		initialRequest: initial,
		localURI:       localURI,
		remoteURI:      remoteURI,
		remoteTarget:   remoteURI,
		credential:     cred,
		ctx:            ctx,
		cancel:         cancel,
		sink:           sink,
		log:            log,
	}
	if cseq := initial.CSeq(); cseq != nil {
		d.localSeq.Store(cseq.SeqNo)
	}
	return d
}

func (d *DialogInner) ID() ID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

func (d *DialogInner) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *DialogInner) IsConfirmed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.IsConfirmed()
}

// Context returns the dialog's cancel_token as a context.Context: every
// suspension point (transaction receive, do_request) should select against
// ctx.Done() alongside its normal channel.
func (d *DialogInner) Context() context.Context {
	return d.ctx
}

// Cancel fires the cooperative cancellation signal; observers see
// ctx.Err() == context.Canceled.
func (d *DialogInner) Cancel() {
	d.cancel()
}

// IncrementLocalSeq is an atomic fetch-and-add, invariant 1: strictly
// increasing across every non-ACK, non-CANCEL request this UA originates.
func (d *DialogInner) IncrementLocalSeq() uint32 {
	return d.localSeq.Add(1)
}

// CheckRemoteSeq applies invariant 2: an inbound CSeq strictly less than the
// last stored remote_seq is stale and reported as true. Otherwise it stores
// cseq as the new remote_seq and returns false.
func (d *DialogInner) CheckRemoteSeq(cseq uint32) (stale bool) {
	for {
		cur := d.remoteSeq.Load()
		if cseq < cur {
			return true
		}
		if d.remoteSeq.CompareAndSwap(cur, cseq) {
			return false
		}
	}
}

// UpdateRemoteTag sets the remote-tag inside id if empty; if already set to
// a different value this is a protocol error (a forked or confused
// response/request claiming a different dialog half).
func (d *DialogInner) UpdateRemoteTag(tag string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.id.RemoteTag == "" {
		d.id.RemoteTag = tag
		return nil
	}
	if d.id.RemoteTag != tag {
		return newError(d.id, "remote tag mismatch: have %q, got %q", d.id.RemoteTag, tag)
	}
	return nil
}

// ensureLocalTag lazily assigns this dialog's own tag the first time a
// tagged response is built (UAS side; UAC already has its From-tag from
// construction).
func (d *DialogInner) ensureLocalTag() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.id.LocalTag == "" {
		d.id.LocalTag = sip.GenerateTagN(16)
	}
	return d.id.LocalTag
}

func (d *DialogInner) setRemoteTarget(uri sip.Uri) {
	d.mu.Lock()
	d.remoteTarget = uri
	d.mu.Unlock()
}

func (d *DialogInner) setRouteSet(routes []sip.Uri) {
	d.mu.Lock()
	d.routeSet = routes
	d.mu.Unlock()
}

func (d *DialogInner) RouteSet() []sip.Uri {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sip.Uri(nil), d.routeSet...)
}

// RemoteTargetOrURI returns the peer Contact URI subsequent requests should
// target, falling back to the original remote URI before any Contact has
// been learned.
func (d *DialogInner) RemoteTargetOrURI() sip.Uri {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.remoteTarget.Host != "" {
		return d.remoteTarget
	}
	return d.remoteURI
}

// acquireTx enforces invariant 5: at most one live transaction per dialog.
func (d *DialogInner) acquireTx() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.txActive {
		return ErrTransactionBusy
	}
	d.txActive = true
	return nil
}

func (d *DialogInner) releaseTx() {
	d.mu.Lock()
	d.txActive = false
	d.mu.Unlock()
}

// Transition mutates state under exclusive access, rejecting any move out
// of Terminated and any move into Confirmed from a state other than
// Calling/Trying/Early/WaitAck, then emits the new state on the sink
// without blocking.
func (d *DialogInner) Transition(new State) error {
	d.mu.Lock()
	if d.state.Kind == Terminated {
		d.mu.Unlock()
		return ErrIllegalStateTransition
	}
	if new.Kind == Confirmed {
		switch d.state.Kind {
		case Calling, Trying, Early, WaitAck:
		default:
			d.mu.Unlock()
			return ErrIllegalStateTransition
		}
	}
	d.state = new
	id := d.id
	d.mu.Unlock()

	if d.sink != nil {
		select {
		case d.sink <- Transition{ID: id, State: new}:
		default:
			d.log.Debug().Msg("state sink full, dropping transition notification")
		}
	}
	return nil
}

// RequestOptions parameterizes MakeRequest; zero value means "allocate a
// fresh CSeq, generate a fresh branch, no extra headers or body".
type RequestOptions struct {
	// CSeq overrides sequence allocation for any method when non-zero;
	// used by ACK (reuses the INVITE's number) and CANCEL (same). When
	// zero, ACK and CANCEL get 0 and every other method allocates the next
	// local_seq.
	CSeq uint32
	// Branch overrides branch generation; used by CANCEL and retried
	// INVITEs which must each carry their own branch but the caller may
	// want control over it for ACK (reuse the INVITE's branch).
	Branch       string
	Contact      *sip.ContactHeader
	ExtraHeaders []sip.Header
	Body         []byte
}

// MakeRequest constructs a mid-dialog (or resubmitted initial) request:
// Route set, From/To tags, Call-ID, and Contact are filled from dialog
// state; if CSeq is unset and the method is not ACK/CANCEL, the next
// local_seq is allocated.
func (d *DialogInner) MakeRequest(method sip.RequestMethod, opts RequestOptions) *sip.Request {
	d.mu.Lock()
	id := d.id
	localURI := d.localURI
	remoteURI := d.remoteURI
	recipient := d.remoteTarget
	routeSet := append([]sip.Uri(nil), d.routeSet...)
	initial := d.initialRequest
	d.mu.Unlock()

	if recipient.Host == "" {
		recipient = remoteURI
	}

	req := sip.NewRequest(method, recipient)
	req.SipVersion = initial.SipVersion

	seq := opts.CSeq
	if seq == 0 && method != sip.ACK && method != sip.CANCEL {
		seq = d.IncrementLocalSeq()
	}

	branch := opts.Branch
	if branch == "" {
		branch = sip.GenerateBranch()
	}

	viaTemplate := initial.Via()
	via := &sip.ViaHeader{
		ProtocolName:    viaTemplate.ProtocolName,
		ProtocolVersion: viaTemplate.ProtocolVersion,
		Transport:       viaTemplate.Transport,
		Host:            viaTemplate.Host,
		Port:            viaTemplate.Port,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", branch)
	req.AppendHeader(via)

	for i := len(routeSet) - 1; i >= 0; i-- {
		req.AppendHeader(&sip.RouteHeader{Address: routeSet[i]})
	}

	from := &sip.FromHeader{Address: localURI, Params: sip.NewParams()}
	if id.LocalTag != "" {
		from.Params.Add("tag", id.LocalTag)
	}
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: remoteURI, Params: sip.NewParams()}
	if id.RemoteTag != "" {
		to.Params.Add("tag", id.RemoteTag)
	}
	req.AppendHeader(to)

	callID := sip.CallIDHeader(id.CallID)
	req.AppendHeader(&callID)

	req.AppendHeader(&sip.CSeq{SeqNo: seq, MethodName: method})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	if opts.Contact != nil {
		req.AppendHeader(opts.Contact)
	}

	for _, h := range opts.ExtraHeaders {
		req.AppendHeader(h)
	}

	req.SetBody(opts.Body)
	req.SetTransport(initial.Transport())
	return req
}

// MakeResponse mirrors req's top Via/From/Call-ID/CSeq, injects this
// dialog's local-tag into To (generating one on first use), and carries
// forward Record-Route per RFC 3261 §12.1.1.
func (d *DialogInner) MakeResponse(req *sip.Request, status int, reason string, extraHeaders []sip.Header, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(req, status, reason, body)
	if status != sip.StatusTrying {
		tag := d.ensureLocalTag()
		if to := res.To(); to != nil {
			to.Params.Add("tag", tag)
		}
	}
	for _, h := range extraHeaders {
		res.AppendHeader(h)
	}
	return res
}
