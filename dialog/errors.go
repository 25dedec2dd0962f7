package dialog

import (
	"errors"
	"fmt"
)

// Error is a semantic protocol-level failure scoped to one dialog: a bad
// branch, an illegal state transition, a transaction opened on the wrong
// dialog kind.
type Error struct {
	ID      ID
	Message string
}

func (e *Error) Error() string {
	if e.ID.IsZero() {
		return fmt.Sprintf("dialog: %s", e.Message)
	}
	return fmt.Sprintf("dialog %s: %s", e.ID, e.Message)
}

func newError(id ID, format string, args ...any) *Error {
	return &Error{ID: id, Message: fmt.Sprintf(format, args...)}
}

var (
	// ErrTransactionTerminated means the transaction ended (transport
	// closed, timer fired) before do_request saw a final response.
	ErrTransactionTerminated = errors.New("dialog: transaction terminated before a final response")
	// ErrIllegalStateTransition guards DialogInner.transition's Confirmed
	// precondition and the absorbing Terminated state.
	ErrIllegalStateTransition = errors.New("dialog: illegal state transition")
	// ErrAlreadyTerminated is returned by accept/reject when the dialog
	// is already in the Terminated state.
	ErrAlreadyTerminated = errors.New("dialog: already terminated")
	// ErrTransactionBusy guards invariant 5: at most one live transaction
	// per dialog.
	ErrTransactionBusy = errors.New("dialog: a transaction is already active on this dialog")
	// ErrReinviteNotImplemented is returned by reinvite() on both sides;
	// see the open question in DESIGN.md.
	ErrReinviteNotImplemented = errors.New("dialog: re-INVITE is not implemented")
	// ErrCancelled surfaces cooperative cancellation through cancel_token.
	ErrCancelled = errors.New("dialog: cancelled")
)

// TransportError wraps an I/O failure observed while driving a dialog.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("dialog: transport error: %s", e.Err) }
func (e *TransportError) Unwrap() error  { return e.Err }

// Note: ParseError from the taxonomy is realized by the sip package's own
// parse error values (ErrParseInvalidMessage, ErrParseSipPartial, ...): a
// malformed frame never reaches the dialog layer, it is swallowed and
// logged at the transport read loop per the propagation policy, so no
// dialog-level wrapper type is needed.
