package dialog

// Dialog is the tagged union over the two INVITE dialog kinds: exactly one
// of Client/Server is non-nil. Go has no sum types, so Kind is the explicit
// discriminant and AsClient/AsServer are the narrowing accessors, mirroring
// the Rust enum's pattern-matched variants.
type Dialog struct {
	kind   dialogKind
	client *ClientInviteDialog
	server *ServerInviteDialog
}

type dialogKind int

const (
	dialogKindClient dialogKind = iota
	dialogKindServer
)

func FromClient(d *ClientInviteDialog) Dialog {
	return Dialog{kind: dialogKindClient, client: d}
}

func FromServer(d *ServerInviteDialog) Dialog {
	return Dialog{kind: dialogKindServer, server: d}
}

func (d Dialog) IsClient() bool { return d.kind == dialogKindClient }
func (d Dialog) IsServer() bool { return d.kind == dialogKindServer }

// AsClient narrows to the client-invite variant, failing with *Error if d
// wraps a server-invite dialog instead.
func (d Dialog) AsClient() (*ClientInviteDialog, error) {
	if d.kind != dialogKindClient {
		return nil, newError(d.ID(), "dialog is not a client-invite dialog")
	}
	return d.client, nil
}

// AsServer narrows to the server-invite variant, failing with *Error if d
// wraps a client-invite dialog instead.
func (d Dialog) AsServer() (*ServerInviteDialog, error) {
	if d.kind != dialogKindServer {
		return nil, newError(d.ID(), "dialog is not a server-invite dialog")
	}
	return d.server, nil
}

// ID dispatches to whichever variant is held.
func (d Dialog) ID() ID {
	switch d.kind {
	case dialogKindClient:
		return d.client.ID()
	case dialogKindServer:
		return d.server.ID()
	default:
		return ID{}
	}
}

// State dispatches to whichever variant is held.
func (d Dialog) State() State {
	switch d.kind {
	case dialogKindClient:
		return d.client.State()
	case dialogKindServer:
		return d.server.State()
	default:
		return State{Kind: Terminated}
	}
}

// Terminate forces both variants to their absorbing Terminated state and
// fires cancellation, used when the owning layer is shutting down.
func (d Dialog) Terminate() {
	switch d.kind {
	case dialogKindClient:
		d.client.Transition(State{Kind: Terminated})
		d.client.DialogInner.Cancel()
	case dialogKindServer:
		d.server.Transition(State{Kind: Terminated})
		d.server.Cancel()
	}
}
