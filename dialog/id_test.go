package dialog

import (
	"testing"

	"github.com/kvidnes/sipdialog/sip"
)

func TestIdFromUACRequestHasNoRemoteTag(t *testing.T) {
	req := newTestInvite("call-1", "from-tag-1")

	id, err := idFromUACRequest(req)
	if err != nil {
		t.Fatalf("idFromUACRequest: %v", err)
	}
	if id.CallID != "call-1" || id.LocalTag != "from-tag-1" || id.RemoteTag != "" {
		t.Errorf("id = %+v, want CallID=call-1 LocalTag=from-tag-1 RemoteTag=empty", id)
	}
}

func TestIdFromUACResponseFillsRemoteTag(t *testing.T) {
	req := newTestInvite("call-2", "from-tag-2")
	res := newTestResponse(req, 200, "OK", "to-tag-2")

	id, err := idFromUACResponse(res)
	if err != nil {
		t.Fatalf("idFromUACResponse: %v", err)
	}
	if id.LocalTag != "from-tag-2" || id.RemoteTag != "to-tag-2" {
		t.Errorf("id = %+v, want LocalTag=from-tag-2 RemoteTag=to-tag-2", id)
	}
}

func TestIdFromUASRequestUsesFromTagAsRemote(t *testing.T) {
	req := newTestInvite("call-3", "from-tag-3")

	id, err := idFromUASRequest(req)
	if err != nil {
		t.Fatalf("idFromUASRequest: %v", err)
	}
	if id.RemoteTag != "from-tag-3" || id.LocalTag != "" {
		t.Errorf("id = %+v, want RemoteTag=from-tag-3 LocalTag=empty", id)
	}
}

func TestIdFromUASResponseFillsLocalTag(t *testing.T) {
	req := newTestInvite("call-4", "from-tag-4")
	id, _ := idFromUASRequest(req)
	res := newTestResponse(req, 200, "OK", "to-tag-4")

	full, err := idFromUASResponse(id, res)
	if err != nil {
		t.Fatalf("idFromUASResponse: %v", err)
	}
	if full.LocalTag != "to-tag-4" || full.RemoteTag != "from-tag-4" {
		t.Errorf("id = %+v, want LocalTag=to-tag-4 RemoteTag=from-tag-4", full)
	}
}

func TestIdStringAndIsZero(t *testing.T) {
	var zero ID
	if !zero.IsZero() {
		t.Errorf("zero value ID.IsZero() = false, want true")
	}

	id := ID{CallID: "c", LocalTag: "l", RemoteTag: "r"}
	if id.IsZero() {
		t.Errorf("populated ID.IsZero() = true, want false")
	}
	if got, want := id.String(), "c;local=l;remote=r"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestCallIDOfMissingHeader(t *testing.T) {
	req := sip.NewRequest(sip.OPTIONS, bobURI())
	if _, err := callIDOf(req); err == nil {
		t.Error("callIDOf should fail on a request with no Call-ID header")
	}
}
