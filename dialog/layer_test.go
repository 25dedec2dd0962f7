package dialog

import "testing"

func TestMatchDialogFullyEstablished(t *testing.T) {
	l := NewLayer(nil, nil, testLogger())

	invite := newTestInvite("call-match-1", "alice-tag")
	id := ID{CallID: "call-match-1", LocalTag: "alice-tag", RemoteTag: "bob-tag"}
	inner := newDialogInner(id, invite, aliceURI(), bobURI(), nil, nil, testLogger())
	client := &ClientInviteDialog{DialogInner: inner}
	l.register(id, FromClient(client))

	bye := newTestInvite("call-match-1", "alice-tag")
	res := newTestResponse(bye, 200, "OK", "bob-tag")

	d, ok := l.MatchDialog(res)
	if !ok {
		t.Fatal("MatchDialog did not find the registered dialog")
	}
	if d.ID() != id {
		t.Errorf("matched dialog id = %v, want %v", d.ID(), id)
	}
}

func TestMatchDialogHalfEstablished(t *testing.T) {
	l := NewLayer(nil, nil, testLogger())

	invite := newTestInvite("call-match-2", "peer-tag")
	id, _ := idFromUASRequest(invite)
	inner := newDialogInner(id, invite, bobURI(), aliceURI(), nil, nil, testLogger())
	server := &ServerInviteDialog{DialogInner: inner}
	l.register(id, FromServer(server))

	// A CANCEL for the same INVITE carries no To-tag yet, since our own
	// tag has not been assigned (no Accept/Reject happened).
	cancel := newTestInvite("call-match-2", "peer-tag")

	d, ok := l.MatchDialog(cancel)
	if !ok {
		t.Fatal("MatchDialog did not find the half-established dialog")
	}
	if !d.IsServer() {
		t.Error("matched dialog should be the server-invite dialog")
	}
}

func TestMatchDialogNoMatchUnknownCallID(t *testing.T) {
	l := NewLayer(nil, nil, testLogger())
	msg := newTestInvite("call-unknown", "some-tag")

	if _, ok := l.MatchDialog(msg); ok {
		t.Error("MatchDialog should not find anything for an unregistered Call-ID")
	}
}

func TestRegisterUnregisterRemovesCallIDEntry(t *testing.T) {
	l := NewLayer(nil, nil, testLogger())
	id := ID{CallID: "call-reg", LocalTag: "l", RemoteTag: "r"}
	invite := newTestInvite("call-reg", "l")
	inner := newDialogInner(id, invite, aliceURI(), bobURI(), nil, nil, testLogger())
	client := &ClientInviteDialog{DialogInner: inner}

	l.register(id, FromClient(client))
	if l.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", l.ActiveCount())
	}

	l.unregister(id)
	if l.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0 after unregister", l.ActiveCount())
	}
	if _, ok := l.byCallID[id.CallID]; ok {
		t.Error("byCallID entry should be removed once empty")
	}
}

func TestNewCallRegistersDialog(t *testing.T) {
	l := NewLayer(nil, nil, testLogger())
	invite := newTestInvite("call-newcall", "from-tag")

	d, err := l.NewCall(invite, nil)
	if err != nil {
		t.Fatalf("NewCall: %v", err)
	}
	if l.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1 after NewCall", l.ActiveCount())
	}
	if d.ID().CallID != "call-newcall" {
		t.Errorf("dialog Call-ID = %q, want call-newcall", d.ID().CallID)
	}
}

func TestSetTransactionLayerIsVisibleToNewCall(t *testing.T) {
	l := NewLayer(nil, nil, testLogger())
	l.SetTransactionLayer(nil)

	invite := newTestInvite("call-settx", "from-tag")
	if _, err := l.NewCall(invite, nil); err != nil {
		t.Fatalf("NewCall after SetTransactionLayer: %v", err)
	}
}
