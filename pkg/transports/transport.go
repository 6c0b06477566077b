package transports

import (
	"context"

	"github.com/ryanm/call-gpt/pkg/frames"
)

// Transport is the carrier-facing I/O boundary. Implementations own their
// network lifecycle.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan frames.Frame
	Send(frames.Frame) error
}

// OutboundDialer places calls that connect back to the voice webhook.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callSID string, err error)
}

// DialOptions carries optional outbound dial settings.
type DialOptions struct {
	SendDigits string
	// StatusCallback overrides the transport's status callback URL.
	StatusCallback string
}

type OutboundDialerWithOptions interface {
	DialWithOptions(ctx context.Context, to, from, url string, opts DialOptions) (callSID string, err error)
}

// CallTransferer moves a live call to another number.
type CallTransferer interface {
	TransferCall(ctx context.Context, callSID, to string) error
}

// ReadyReporter exposes informational readiness fields such as webhook URLs.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
