package sipua

import (
	"context"

	"github.com/kvidnes/sipdialog/sip"
	"github.com/kvidnes/sipdialog/transaction"
	"github.com/kvidnes/sipdialog/transport"
)

// transportAdapter satisfies transaction.Transport over a *transport.Layer,
// whose connection lookups predate context cancellation support; ctx is
// accepted for interface conformance and ignored, same as the teacher's own
// transport-layer methods never took one.
type transportAdapter struct {
	tp *transport.Layer
}

func (a *transportAdapter) ClientConnection(ctx context.Context, req *sip.Request) (transaction.Connection, error) {
	return a.tp.ClientRequestConnection(req)
}

func (a *transportAdapter) ServerConnection(ctx context.Context, req *sip.Request) (transaction.Connection, error) {
	return a.tp.ServerRequestConnection(req)
}

func (a *transportAdapter) OnMessage(handler sip.MessageHandler) {
	a.tp.OnMessage(handler)
}
