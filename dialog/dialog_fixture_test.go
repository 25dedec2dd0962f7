package dialog

import (
	"github.com/kvidnes/sipdialog/sip"

	"github.com/rs/zerolog"
)

func aliceURI() sip.Uri { return sip.Uri{User: "alice", Host: "alice.example.com", Port: 5060} }
func bobURI() sip.Uri   { return sip.Uri{User: "bob", Host: "bob.example.com", Port: 5060} }

// newTestInvite builds a minimal well-formed INVITE from alice to bob, as a
// UAC would construct one before any response has been seen.
func newTestInvite(callID, fromTag string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, bobURI())

	via := &sip.ViaHeader{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP", Host: "alice.example.com", Port: 5060, Params: sip.NewParams()}
	via.Params.Add("branch", sip.GenerateBranch())
	req.AppendHeader(via)

	from := &sip.FromHeader{Address: aliceURI(), Params: sip.NewParams()}
	from.Params.Add("tag", fromTag)
	req.AppendHeader(from)

	req.AppendHeader(&sip.ToHeader{Address: bobURI(), Params: sip.NewParams()})

	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)

	req.AppendHeader(&sip.CSeq{SeqNo: 1, MethodName: sip.INVITE})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	req.AppendHeader(&sip.ContactHeader{Address: aliceURI()})
	req.SetTransport("UDP")
	return req
}

func newTestResponse(req *sip.Request, status int, reason, toTag string) *sip.Response {
	res := sip.NewResponseFromRequest(req, status, reason, nil)
	if toTag != "" {
		if to := res.To(); to != nil {
			to.Params.Add("tag", toTag)
		}
	}
	return res
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
