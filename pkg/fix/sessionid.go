package fix

import (
	"fmt"
	"strings"
)

// SessionID qualifies one logical counterparty connection. It keys message
// store partitions and the session registry; two engines must never share one.
type SessionID struct {
	BeginString  string
	SenderCompID string
	TargetCompID string
	Qualifier    string
}

func (s SessionID) String() string {
	if s.Qualifier != "" {
		return fmt.Sprintf("%s:%s->%s:%s", s.BeginString, s.SenderCompID, s.TargetCompID, s.Qualifier)
	}
	return fmt.Sprintf("%s:%s->%s", s.BeginString, s.SenderCompID, s.TargetCompID)
}

// ParseSessionID inverts String. The accepted forms are
// "BEGIN:SENDER->TARGET" and "BEGIN:SENDER->TARGET:QUALIFIER".
func ParseSessionID(s string) (SessionID, error) {
	begin, rest, ok := strings.Cut(s, ":")
	if !ok {
		return SessionID{}, fmt.Errorf("malformed session id %q", s)
	}
	comps, qualifier, _ := strings.Cut(rest, ":")
	sender, target, ok := strings.Cut(comps, "->")
	if !ok || begin == "" || sender == "" || target == "" {
		return SessionID{}, fmt.Errorf("malformed session id %q", s)
	}
	return SessionID{
		BeginString:  begin,
		SenderCompID: sender,
		TargetCompID: target,
		Qualifier:    qualifier,
	}, nil
}

// Reversed returns the identifier as seen from the counterparty's side.
func (s SessionID) Reversed() SessionID {
	return SessionID{
		BeginString:  s.BeginString,
		SenderCompID: s.TargetCompID,
		TargetCompID: s.SenderCompID,
		Qualifier:    s.Qualifier,
	}
}
