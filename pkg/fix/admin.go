package fix

import "time"

// Builders for the administrative messages the session layer exchanges.
// Header fields (CompIDs, MsgSeqNum, SendingTime) are stamped by the engine
// at send time, not here.

// Logon builds a logon carrying the heartbeat interval in seconds. When
// resetSeqNum is set both sides restart their counters at 1.
func Logon(beginString string, heartBtInt time.Duration, resetSeqNum bool) Message {
	m := NewMessage(beginString, MsgTypeLogon).
		WithInt(TagEncryptMethod, 0).
		WithInt(TagHeartBtInt, int(heartBtInt/time.Second))
	if resetSeqNum {
		m = m.WithBool(TagResetSeqNumFlag, true)
	}
	return m
}

// LogonWithCredentials builds a logon carrying Username/Password fields.
func LogonWithCredentials(beginString string, heartBtInt time.Duration, resetSeqNum bool, username, password string) Message {
	m := Logon(beginString, heartBtInt, resetSeqNum)
	if username != "" {
		m = m.WithString(TagUsername, username)
	}
	if password != "" {
		m = m.WithString(TagPassword, password)
	}
	return m
}

// Logout builds a logout, with an optional human-readable reason in tag 58.
func Logout(beginString, text string) Message {
	m := NewMessage(beginString, MsgTypeLogout)
	if text != "" {
		m = m.WithString(TagText, text)
	}
	return m
}

// Heartbeat builds a heartbeat. testReqID echoes tag 112 when the heartbeat
// answers a TestRequest.
func Heartbeat(beginString, testReqID string) Message {
	m := NewMessage(beginString, MsgTypeHeartbeat)
	if testReqID != "" {
		m = m.WithString(TagTestReqID, testReqID)
	}
	return m
}

// TestRequest builds a test request with the given identifier.
func TestRequest(beginString, testReqID string) Message {
	return NewMessage(beginString, MsgTypeTestRequest).
		WithString(TagTestReqID, testReqID)
}

// ResendRequest asks the counterparty to retransmit [from, to] inclusive.
func ResendRequest(beginString string, from, to uint64) Message {
	return NewMessage(beginString, MsgTypeResendRequest).
		WithUint(TagBeginSeqNo, from).
		WithUint(TagEndSeqNo, to)
}

// SequenceResetGapFill replaces a run of administrative messages during a
// resend: the receiver should jump its expectation to newSeqNo.
func SequenceResetGapFill(beginString string, newSeqNo uint64) Message {
	return NewMessage(beginString, MsgTypeSequenceReset).
		WithBool(TagGapFillFlag, true).
		WithUint(TagNewSeqNo, newSeqNo)
}

// SequenceResetReset is the hard variant: the receiver adopts newSeqNo
// unconditionally, ignoring the message's own sequence number.
func SequenceResetReset(beginString string, newSeqNo uint64) Message {
	return NewMessage(beginString, MsgTypeSequenceReset).
		WithUint(TagNewSeqNo, newSeqNo)
}
