package dialog

import (
	"testing"

	"github.com/kvidnes/sipdialog/sip"
)

func newTestInner(t *testing.T) *DialogInner {
	t.Helper()
	invite := newTestInvite("call-inner", "from-tag")
	id, err := idFromUACRequest(invite)
	if err != nil {
		t.Fatalf("idFromUACRequest: %v", err)
	}
	return newDialogInner(id, invite, aliceURI(), bobURI(), nil, nil, testLogger())
}

func TestIncrementLocalSeqIsMonotonic(t *testing.T) {
	d := newTestInner(t)
	first := d.IncrementLocalSeq()
	second := d.IncrementLocalSeq()
	third := d.IncrementLocalSeq()
	if !(first < second && second < third) {
		t.Errorf("local seq not strictly increasing: %d, %d, %d", first, second, third)
	}
}

func TestCheckRemoteSeqRejectsStale(t *testing.T) {
	d := newTestInner(t)

	if stale := d.CheckRemoteSeq(5); stale {
		t.Fatal("first CSeq should never be stale")
	}
	if stale := d.CheckRemoteSeq(6); stale {
		t.Fatal("increasing CSeq should not be stale")
	}
	if stale := d.CheckRemoteSeq(4); !stale {
		t.Error("CSeq lower than the last stored value should be stale")
	}
	if stale := d.CheckRemoteSeq(6); stale {
		t.Error("repeating the last stored CSeq should not be stale")
	}
}

func TestUpdateRemoteTagSetsOnce(t *testing.T) {
	d := newTestInner(t)

	if err := d.UpdateRemoteTag("tag-a"); err != nil {
		t.Fatalf("first UpdateRemoteTag: %v", err)
	}
	if got := d.ID().RemoteTag; got != "tag-a" {
		t.Errorf("RemoteTag = %q, want tag-a", got)
	}
	if err := d.UpdateRemoteTag("tag-a"); err != nil {
		t.Errorf("repeating the same remote tag should not error: %v", err)
	}
	if err := d.UpdateRemoteTag("tag-b"); err == nil {
		t.Error("a conflicting remote tag should error")
	}
}

func TestEnsureLocalTagIsStableAndLazy(t *testing.T) {
	d := newTestInner(t)
	if d.ID().LocalTag != "from-tag" {
		t.Fatalf("fixture precondition: LocalTag = %q, want from-tag", d.ID().LocalTag)
	}

	uas := newDialogInner(ID{CallID: "call-uas"}, newTestInvite("call-uas", "peer-tag"), bobURI(), aliceURI(), nil, nil, testLogger())
	if uas.ID().LocalTag != "" {
		t.Fatalf("UAS dialog should start with no local tag")
	}
	tag1 := uas.ensureLocalTag()
	tag2 := uas.ensureLocalTag()
	if tag1 != tag2 {
		t.Errorf("ensureLocalTag is not stable across calls: %q != %q", tag1, tag2)
	}
}

func TestAcquireReleaseTxGuardsSingleTransaction(t *testing.T) {
	d := newTestInner(t)

	if err := d.acquireTx(); err != nil {
		t.Fatalf("first acquireTx: %v", err)
	}
	if err := d.acquireTx(); err != ErrTransactionBusy {
		t.Errorf("second acquireTx = %v, want ErrTransactionBusy", err)
	}
	d.releaseTx()
	if err := d.acquireTx(); err != nil {
		t.Errorf("acquireTx after release: %v", err)
	}
}

func TestTransitionRejectsMoveOutOfTerminated(t *testing.T) {
	d := newTestInner(t)
	if err := d.Transition(State{Kind: Terminated}); err != nil {
		t.Fatalf("Transition to Terminated: %v", err)
	}
	if err := d.Transition(State{Kind: Calling}); err != ErrIllegalStateTransition {
		t.Errorf("Transition out of Terminated = %v, want ErrIllegalStateTransition", err)
	}
}

func TestTransitionRejectsConfirmedFromOptions(t *testing.T) {
	d := newTestInner(t)
	if err := d.Transition(State{Kind: OptionsState}); err != nil {
		t.Fatalf("Transition to Options: %v", err)
	}
	if err := d.Transition(State{Kind: Confirmed}); err != ErrIllegalStateTransition {
		t.Errorf("Transition to Confirmed from Options = %v, want ErrIllegalStateTransition", err)
	}
}

func TestTransitionAllowsConfirmedFromWaitAck(t *testing.T) {
	d := newTestInner(t)
	if err := d.Transition(State{Kind: Calling}); err != nil {
		t.Fatalf("Transition to Calling: %v", err)
	}
	if err := d.Transition(State{Kind: WaitAck}); err != nil {
		t.Fatalf("Transition to WaitAck: %v", err)
	}
	if err := d.Transition(State{Kind: Confirmed}); err != nil {
		t.Errorf("Transition to Confirmed from WaitAck: %v", err)
	}
}

func TestTransitionPublishesOnSink(t *testing.T) {
	ch := make(chan Transition, 1)
	invite := newTestInvite("call-sink", "from-tag")
	id, _ := idFromUACRequest(invite)
	d := newDialogInner(id, invite, aliceURI(), bobURI(), nil, ch, testLogger())

	if err := d.Transition(State{Kind: Calling}); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	select {
	case tr := <-ch:
		if tr.State.Kind != Calling {
			t.Errorf("sink transition state = %v, want Calling", tr.State.Kind)
		}
	default:
		t.Error("expected a transition on the sink channel")
	}
}

func TestMakeRequestAllocatesSeqForOrdinaryMethods(t *testing.T) {
	d := newTestInner(t)
	d.id.RemoteTag = "remote-tag"

	req := d.MakeRequest(sip.BYE, RequestOptions{})
	cseq := req.CSeq()
	if cseq == nil {
		t.Fatal("MakeRequest did not append a CSeq header")
	}
	if cseq.SeqNo <= 1 {
		t.Errorf("BYE CSeq = %d, want greater than the INVITE's 1", cseq.SeqNo)
	}
	if cseq.MethodName != sip.BYE {
		t.Errorf("CSeq method = %v, want BYE", cseq.MethodName)
	}

	from := req.From()
	if from == nil {
		t.Fatal("MakeRequest did not append a From header")
	}
	if tag, _ := from.Params.Get("tag"); tag != "from-tag" {
		t.Errorf("From tag = %q, want from-tag", tag)
	}
}

func TestMakeRequestPreservesCSeqForAck(t *testing.T) {
	d := newTestInner(t)
	req := d.MakeRequest(sip.ACK, RequestOptions{CSeq: 1})
	if cseq := req.CSeq(); cseq == nil || cseq.SeqNo != 1 {
		t.Errorf("ACK CSeq = %+v, want SeqNo=1", cseq)
	}
}

func TestMakeResponseInjectsStableLocalTag(t *testing.T) {
	invite := newTestInvite("call-resp", "peer-tag")
	id, _ := idFromUASRequest(invite)
	d := newDialogInner(id, invite, bobURI(), aliceURI(), nil, nil, testLogger())

	res1 := d.MakeResponse(invite, sip.StatusRinging, "Ringing", nil, nil)
	tag1, _ := res1.To().Params.Get("tag")
	res2 := d.MakeResponse(invite, sip.StatusOK, "OK", nil, nil)
	tag2, _ := res2.To().Params.Get("tag")

	if tag1 == "" || tag2 == "" {
		t.Fatal("MakeResponse did not set a To tag")
	}
	if tag1 != tag2 {
		t.Errorf("local tag changed between responses: %q != %q", tag1, tag2)
	}
}

func TestMakeResponseOmitsTagFor100Trying(t *testing.T) {
	invite := newTestInvite("call-trying", "peer-tag")
	id, _ := idFromUASRequest(invite)
	d := newDialogInner(id, invite, bobURI(), aliceURI(), nil, nil, testLogger())

	res := d.MakeResponse(invite, sip.StatusTrying, "Trying", nil, nil)
	if tag, ok := res.To().Params.Get("tag"); ok && tag != "" {
		t.Errorf("100 Trying should carry no To tag, got %q", tag)
	}
}
