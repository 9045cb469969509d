package session

// State is the session lifecycle position. Transitions happen only on the
// session's own goroutine, driven by the state machine.
type State int

const (
	Disconnected State = iota
	LogonPending
	Active
	ResendPending
	LogoutPending
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case LogonPending:
		return "logon_pending"
	case Active:
		return "active"
	case ResendPending:
		return "resend_pending"
	case LogoutPending:
		return "logout_pending"
	}
	return "unknown"
}

// LoggedOn reports whether the session has completed a mutual logon and has
// not begun logging out.
func (s State) LoggedOn() bool {
	return s == Active || s == ResendPending
}
