package dialog

import (
	"fmt"

	"github.com/kvidnes/sipdialog/sip"
)

// ID is the RFC 3261 §12 dialog identifier: Call-ID plus the tag each side
// put on its own half of the relationship. LocalTag is our own tag (the
// From-tag we originated an INVITE with, or the To-tag we answered one
// with); RemoteTag mirrors the peer's tag and is empty until the first
// tagged response or request carrying it arrives.
type ID struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

func (id ID) String() string {
	return fmt.Sprintf("%s;local=%s;remote=%s", id.CallID, id.LocalTag, id.RemoteTag)
}

func (id ID) IsZero() bool {
	return id.CallID == ""
}

func callIDOf(msg sip.Message) (string, error) {
	callID := msg.CallID()
	if callID == nil {
		return "", fmt.Errorf("missing Call-ID header")
	}
	return string(*callID), nil
}

func fromTagOf(msg sip.Message) (string, error) {
	from := msg.From()
	if from == nil {
		return "", fmt.Errorf("missing From header")
	}
	tag, ok := from.Params.Get("tag")
	if !ok {
		return "", fmt.Errorf("missing tag param in From header")
	}
	return tag, nil
}

func toTagOf(msg sip.Message) (string, error) {
	to := msg.To()
	if to == nil {
		return "", fmt.Errorf("missing To header")
	}
	tag, ok := to.Params.Get("tag")
	if !ok {
		return "", fmt.Errorf("missing tag param in To header")
	}
	return tag, nil
}

// idFromUACRequest builds the dialog ID a client-invite dialog has
// immediately after building its INVITE, before any response has arrived:
// our own From-tag is the local tag, the remote tag is still unknown.
func idFromUACRequest(req *sip.Request) (ID, error) {
	callID, err := callIDOf(req)
	if err != nil {
		return ID{}, err
	}
	localTag, err := fromTagOf(req)
	if err != nil {
		return ID{}, err
	}
	return ID{CallID: callID, LocalTag: localTag}, nil
}

// idFromUACResponse derives the full dialog ID once a tagged response
// arrives: our own From-tag stays the local tag, the response's To-tag
// becomes the remote tag.
func idFromUACResponse(res *sip.Response) (ID, error) {
	callID, err := callIDOf(res)
	if err != nil {
		return ID{}, err
	}
	localTag, err := fromTagOf(res)
	if err != nil {
		return ID{}, err
	}
	remoteTag, err := toTagOf(res)
	if err != nil {
		return ID{}, err
	}
	return ID{CallID: callID, LocalTag: localTag, RemoteTag: remoteTag}, nil
}

// idFromUASRequest builds the dialog ID a server-invite dialog has on
// receiving the INVITE: the peer's From-tag is the remote tag, our own tag
// (To) does not exist yet.
func idFromUASRequest(req *sip.Request) (ID, error) {
	callID, err := callIDOf(req)
	if err != nil {
		return ID{}, err
	}
	remoteTag, err := fromTagOf(req)
	if err != nil {
		return ID{}, err
	}
	return ID{CallID: callID, RemoteTag: remoteTag}, nil
}

// idFromUASResponse fills in the local tag once the server has answered
// with a tagged response (its own To-tag).
func idFromUASResponse(id ID, res *sip.Response) (ID, error) {
	localTag, err := toTagOf(res)
	if err != nil {
		return ID{}, err
	}
	id.LocalTag = localTag
	return id, nil
}
