package session

import (
	"errors"
	"fmt"
)

// ErrSessionClosed reports a Send against a session whose loop has exited.
var ErrSessionClosed = errors.New("session: closed")

// ErrSessionExists reports a second registration for the same session id.
var ErrSessionExists = errors.New("session: already registered")

// ErrSessionActive reports an operator action that requires the session to
// be stopped first.
var ErrSessionActive = errors.New("session: still running")

// ErrHeartbeatTimeout is the fatal disconnect reason when nothing has been
// received for a full heartbeat interval plus twice the tolerance.
var ErrHeartbeatTimeout = errors.New("session: nothing received within heartbeat window")

// ProtocolViolationError is a fatal breach of session-layer rules: sequence
// number lower than expected without PossDupFlag, wrong BeginString or
// CompIDs, or a message that cannot occur in the current state.
type ProtocolViolationError struct {
	Reason      string
	ReceivedSeq uint64
	ExpectedSeq uint64
}

func (e *ProtocolViolationError) Error() string {
	if e.ReceivedSeq != 0 || e.ExpectedSeq != 0 {
		return fmt.Sprintf("session: protocol violation: %s (received seq %d, expected %d)",
			e.Reason, e.ReceivedSeq, e.ExpectedSeq)
	}
	return fmt.Sprintf("session: protocol violation: %s", e.Reason)
}

// AuthenticationError reports a rejected logon. The session never reaches
// Active and the connection is closed.
type AuthenticationError struct {
	SenderCompID string
	TargetCompID string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("session: logon rejected for %s->%s", e.SenderCompID, e.TargetCompID)
}
