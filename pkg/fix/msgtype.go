package fix

import "github.com/quickfixgo/enum"

// Administrative message types handled by the session layer. Values come
// from the shared FIX enum dictionary so they stay aligned with counterparties
// built on the reference stack.
const (
	MsgTypeHeartbeat     = string(enum.MsgType_HEARTBEAT)
	MsgTypeTestRequest   = string(enum.MsgType_TEST_REQUEST)
	MsgTypeResendRequest = string(enum.MsgType_RESEND_REQUEST)
	MsgTypeReject        = string(enum.MsgType_REJECT)
	MsgTypeSequenceReset = string(enum.MsgType_SEQUENCE_RESET)
	MsgTypeLogout        = string(enum.MsgType_LOGOUT)
	MsgTypeLogon         = string(enum.MsgType_LOGON)
)

// Application message types used by the bundled demo programs.
const (
	MsgTypeNewOrderSingle  = string(enum.MsgType_ORDER_SINGLE)
	MsgTypeExecutionReport = string(enum.MsgType_EXECUTION_REPORT)
)

// IsAdminMsgType reports whether the message type belongs to the session
// layer rather than the application.
func IsAdminMsgType(msgType string) bool {
	switch msgType {
	case MsgTypeHeartbeat, MsgTypeTestRequest, MsgTypeResendRequest,
		MsgTypeReject, MsgTypeSequenceReset, MsgTypeLogout, MsgTypeLogon:
		return true
	}
	return false
}
