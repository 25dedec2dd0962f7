package dialog

import "github.com/kvidnes/sipdialog/sip"

// Kind is the tag of a DialogState variant.
type Kind int

const (
	Calling Kind = iota
	Trying
	Early
	WaitAck
	Confirmed
	InfoState
	OptionsState
	Terminated
)

func (k Kind) String() string {
	switch k {
	case Calling:
		return "Calling"
	case Trying:
		return "Trying"
	case Early:
		return "Early"
	case WaitAck:
		return "WaitAck"
	case Confirmed:
		return "Confirmed"
	case InfoState:
		return "Info"
	case OptionsState:
		return "Options"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// State is the dialog's current state plus whatever payload that state
// carries: a provisional/final response for Early/WaitAck, the triggering
// request for Info/Options, a status code for Terminated.
type State struct {
	Kind     Kind
	Response *sip.Response
	Request  *sip.Request
	Status   int
}

func (s State) String() string { return s.Kind.String() }

// IsConfirmed mirrors DialogInner.is_confirmed(): true once the dialog has
// an established session, whether idle or mid a transaction that doesn't
// change that fact.
func (s State) IsConfirmed() bool {
	return s.Kind == Confirmed || s.Kind == InfoState || s.Kind == OptionsState
}

func (s State) IsTerminated() bool {
	return s.Kind == Terminated
}

// Transition is one state change, as delivered to the external sink every
// `transition` call emits to.
type Transition struct {
	ID    ID
	State State
}
