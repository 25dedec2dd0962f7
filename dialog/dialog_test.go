package dialog

import "testing"

func TestFromClientAndAsClient(t *testing.T) {
	invite := newTestInvite("call-union-1", "from-tag")
	id, _ := idFromUACRequest(invite)
	inner := newDialogInner(id, invite, aliceURI(), bobURI(), nil, nil, testLogger())
	client := &ClientInviteDialog{DialogInner: inner}

	d := FromClient(client)
	if !d.IsClient() || d.IsServer() {
		t.Fatal("FromClient should produce a client-kind union")
	}
	got, err := d.AsClient()
	if err != nil {
		t.Fatalf("AsClient: %v", err)
	}
	if got != client {
		t.Error("AsClient did not return the wrapped pointer")
	}
	if _, err := d.AsServer(); err == nil {
		t.Error("AsServer on a client-kind union should fail")
	}
}

func TestFromServerAndAsServer(t *testing.T) {
	invite := newTestInvite("call-union-2", "peer-tag")
	id, _ := idFromUASRequest(invite)
	inner := newDialogInner(id, invite, bobURI(), aliceURI(), nil, nil, testLogger())
	server := &ServerInviteDialog{DialogInner: inner}

	d := FromServer(server)
	if !d.IsServer() || d.IsClient() {
		t.Fatal("FromServer should produce a server-kind union")
	}
	got, err := d.AsServer()
	if err != nil {
		t.Fatalf("AsServer: %v", err)
	}
	if got != server {
		t.Error("AsServer did not return the wrapped pointer")
	}
	if _, err := d.AsClient(); err == nil {
		t.Error("AsClient on a server-kind union should fail")
	}
}

func TestDialogTerminateForcesAbsorbingState(t *testing.T) {
	invite := newTestInvite("call-union-3", "from-tag")
	id, _ := idFromUACRequest(invite)
	inner := newDialogInner(id, invite, aliceURI(), bobURI(), nil, nil, testLogger())
	client := &ClientInviteDialog{DialogInner: inner}

	d := FromClient(client)
	d.Terminate()

	if !d.State().IsTerminated() {
		t.Errorf("State() = %v, want Terminated", d.State())
	}
	select {
	case <-client.Context().Done():
	default:
		t.Error("Terminate should cancel the dialog's context")
	}
}
