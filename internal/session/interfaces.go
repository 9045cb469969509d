package session

import (
	"context"

	"github.com/tdworkflow/fixsession/pkg/fix"
)

// Transport moves raw bytes to and from the counterparty. The engine owns
// exactly one per session and closes it on any fatal error; reconnection
// policy belongs to whoever constructed the transport.
type Transport interface {
	// ReadSome returns whatever bytes are available, blocking until at
	// least one arrives or ctx is done. An empty slice with a nil error
	// means more data is pending, not EOF; EOF and peer resets come back
	// as errors.
	ReadSome(ctx context.Context) ([]byte, error)

	// Write sends the frame. Partial writes are completed internally.
	Write(p []byte) error

	Close() error
}

// Application receives validated messages and lifecycle notifications.
// Both callbacks run on the session's goroutine: a slow OnMessage stalls
// that one session only.
type Application interface {
	// OnMessage delivers one accepted application-level message.
	// Messages arrive in strictly increasing sequence-number order.
	OnMessage(id fix.SessionID, msg fix.Message)

	// OnSessionStateChange reports every state transition.
	OnSessionStateChange(id fix.SessionID, state State)
}

// Credentials are the logon fields consulted during authentication.
type Credentials struct {
	Username string
	Password string
}

// Authenticator decides whether a logon may proceed. Consulted exactly once
// per inbound logon, before any sequence-number processing.
type Authenticator interface {
	Validate(senderCompID, targetCompID string, creds Credentials) bool
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(senderCompID, targetCompID string, creds Credentials) bool

func (f AuthenticatorFunc) Validate(senderCompID, targetCompID string, creds Credentials) bool {
	return f(senderCompID, targetCompID, creds)
}

// AllowAll accepts every logon. Suitable when the counterparty is trusted
// at the transport layer.
var AllowAll = AuthenticatorFunc(func(string, string, Credentials) bool { return true })
