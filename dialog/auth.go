package dialog

import (
	"fmt"

	"github.com/kvidnes/sipdialog/sip"

	"github.com/icholy/digest"
)

// Credential is the authentication material DialogInner optionally carries:
// enough to answer one Digest challenge per RFC 3261 §22.4. Realm scopes the
// credential to a challenge from that realm; a dialog with no Credential
// simply cannot answer 401/407 and the INVITE terminates on first challenge.
type Credential struct {
	Username string
	Password string
	Realm    string
}

// AuthError wraps a malformed or unsatisfiable Digest challenge.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("dialog: auth error: %s", e.Err) }
func (e *AuthError) Unwrap() error  { return e.Err }

// applyChallenge rebuilds req's Authorization or Proxy-Authorization header
// from res's 401/407 challenge, mutating req in place. qop=auth, nc, and a
// client cnonce are handled by the digest package when the challenge asks
// for them.
func applyChallenge(req *sip.Request, res *sip.Response, cred Credential) error {
	var headerName, challengeName string
	switch res.StatusCode {
	case sip.StatusUnauthorized:
		headerName, challengeName = "Authorization", "WWW-Authenticate"
	case sip.StatusProxyAuthRequired:
		headerName, challengeName = "Proxy-Authorization", "Proxy-Authenticate"
	default:
		return &AuthError{Err: fmt.Errorf("status %d is not an auth challenge", res.StatusCode)}
	}

	challengeHdr := res.GetHeader(challengeName)
	if challengeHdr == nil {
		return &AuthError{Err: fmt.Errorf("no %s header present", challengeName)}
	}

	chal, err := digest.ParseChallenge(challengeHdr.Value())
	if err != nil {
		return &AuthError{Err: fmt.Errorf("parse challenge %q: %w", challengeHdr.Value(), err)}
	}
	// Some servers send the algorithm param lower-case, which the RFC does
	// not technically allow but which real deployments do anyway.
	chal.Algorithm = sip.ASCIIToUpper(chal.Algorithm)

	if cred.Realm != "" && chal.Realm != cred.Realm {
		return &AuthError{Err: fmt.Errorf("challenge realm %q does not match credential realm %q", chal.Realm, cred.Realm)}
	}

	opts := digest.Options{
		Method:   string(req.Method),
		URI:      req.Recipient.String(),
		Username: cred.Username,
		Password: cred.Password,
	}

	authCred, err := digest.Digest(chal, opts)
	if err != nil {
		return &AuthError{Err: fmt.Errorf("build digest response: %w", err)}
	}

	req.RemoveHeader(headerName)
	req.AppendHeader(sip.NewHeader(headerName, authCred.String()))
	return nil
}
