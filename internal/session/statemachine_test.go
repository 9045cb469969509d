package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tdworkflow/fixsession/internal/store"
	"github.com/tdworkflow/fixsession/pkg/fix"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testSettings(initiator bool) Settings {
	return Settings{
		BeginString:  "FIX.4.4",
		SenderCompID: "LOCAL",
		TargetCompID: "REMOTE",
		Initiator:    initiator,
		HeartBtInt:   30 * time.Second,
	}
}

func newTestSM(t *testing.T, initiator bool, auth Authenticator) (*StateMachine, *fakeClock) {
	clk := &fakeClock{now: time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)}
	sm := NewStateMachine(testSettings(initiator), store.FreshState(), auth, zaptest.NewLogger(t), clk.Now)
	return sm, clk
}

// inbound builds a counterparty message with stamped header fields and
// returns it alongside its encoded frame.
func inbound(t *testing.T, msg fix.Message, seq uint64) (fix.Message, []byte) {
	t.Helper()
	stamped := msg.
		WithString(fix.TagSenderCompID, "REMOTE").
		WithString(fix.TagTargetCompID, "LOCAL").
		WithUint(fix.TagMsgSeqNum, seq).
		WithUTCTimestamp(fix.TagSendingTime, time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC))
	raw, err := fix.Encode(stamped)
	require.NoError(t, err)
	decoded, _, err := fix.Decode(raw)
	require.NoError(t, err)
	return decoded, raw
}

func feed(t *testing.T, sm *StateMachine, msg fix.Message, seq uint64) Directive {
	t.Helper()
	decoded, raw := inbound(t, msg, seq)
	return sm.OnInbound(decoded, raw)
}

func appMsg(id string) fix.Message {
	return fix.NewMessage("FIX.4.4", "D").WithString(fix.Tag(11), id)
}

func remoteLogon() fix.Message {
	return fix.Logon("FIX.4.4", 30*time.Second, false)
}

// logon brings an acceptor-side machine to Active and consumes the reply's
// outbound sequence number, the way the engine would.
func logonAcceptor(t *testing.T, sm *StateMachine) {
	t.Helper()
	sm.Start()
	d := feed(t, sm, remoteLogon(), 1)
	require.Nil(t, d.Disconnect)
	require.Len(t, d.Send, 1)
	require.Equal(t, fix.MsgTypeLogon, d.Send[0].MsgType())
	require.Equal(t, Active, sm.State())
	require.Equal(t, uint64(1), sm.AssignNextOutbound())
	sm.NoteSent(sm.clock())
}

func TestAcceptorLogon(t *testing.T) {
	sm, _ := newTestSM(t, false, nil)
	logonAcceptor(t, sm)

	assert.Equal(t, uint64(2), sm.NextSenderSeq())
	assert.Equal(t, uint64(2), sm.NextTargetSeq())
}

func TestInitiatorLogon(t *testing.T) {
	sm, _ := newTestSM(t, true, nil)

	d := sm.Start()
	require.Len(t, d.Send, 1)
	assert.Equal(t, fix.MsgTypeLogon, d.Send[0].MsgType())
	assert.Equal(t, LogonPending, sm.State())
	require.Equal(t, uint64(1), sm.AssignNextOutbound())

	d = feed(t, sm, remoteLogon(), 1)
	require.Nil(t, d.Disconnect)
	assert.Empty(t, d.Send)
	assert.Equal(t, Active, sm.State())
}

func TestLogonRejectedByAuthenticator(t *testing.T) {
	denyAll := AuthenticatorFunc(func(string, string, Credentials) bool { return false })
	sm, _ := newTestSM(t, false, denyAll)
	sm.Start()

	d := feed(t, sm, remoteLogon(), 1)
	require.Len(t, d.Send, 1)
	assert.Equal(t, fix.MsgTypeLogout, d.Send[0].MsgType())
	var authErr *AuthenticationError
	require.ErrorAs(t, d.Disconnect, &authErr)
	assert.NotEqual(t, Active, sm.State())
}

func TestAuthenticatorSeesCredentials(t *testing.T) {
	var got Credentials
	sm, _ := newTestSM(t, false, AuthenticatorFunc(func(sender, target string, creds Credentials) bool {
		got = creds
		return true
	}))
	sm.Start()

	logon := fix.LogonWithCredentials("FIX.4.4", 30*time.Second, false, "trader1", "hunter2")
	d := feed(t, sm, logon, 1)
	require.Nil(t, d.Disconnect)
	assert.Equal(t, Credentials{Username: "trader1", Password: "hunter2"}, got)
}

func TestFirstMessageMustBeLogon(t *testing.T) {
	sm, _ := newTestSM(t, false, nil)
	sm.Start()

	d := feed(t, sm, appMsg("ORD-1"), 1)
	var violation *ProtocolViolationError
	assert.ErrorAs(t, d.Disconnect, &violation)
}

func TestBeginStringMismatchIsFatal(t *testing.T) {
	sm, _ := newTestSM(t, false, nil)
	logonAcceptor(t, sm)

	msg := appMsg("ORD-1").
		WithString(fix.TagSenderCompID, "REMOTE").
		WithString(fix.TagTargetCompID, "LOCAL").
		WithUint(fix.TagMsgSeqNum, 2)
	bad := msg.WithString(fix.TagBeginString, "FIX.4.2")
	d := sm.OnInbound(bad, nil)
	var violation *ProtocolViolationError
	assert.ErrorAs(t, d.Disconnect, &violation)
}

func TestCompIDMismatchIsFatal(t *testing.T) {
	sm, _ := newTestSM(t, false, nil)
	logonAcceptor(t, sm)

	msg := appMsg("ORD-1").
		WithString(fix.TagSenderCompID, "INTRUDER").
		WithString(fix.TagTargetCompID, "LOCAL").
		WithUint(fix.TagMsgSeqNum, 2)
	d := sm.OnInbound(msg, nil)
	var violation *ProtocolViolationError
	assert.ErrorAs(t, d.Disconnect, &violation)
}

func TestGapDetection(t *testing.T) {
	sm, _ := newTestSM(t, false, nil)
	logonAcceptor(t, sm)

	// Expected 2, received 5: one ResendRequest covering [2,4].
	d := feed(t, sm, appMsg("ORD-5"), 5)
	require.Nil(t, d.Disconnect)
	assert.Equal(t, ResendPending, sm.State())
	require.Len(t, d.Send, 1)
	rr := d.Send[0]
	assert.Equal(t, fix.MsgTypeResendRequest, rr.MsgType())
	from, _ := rr.GetUint(fix.TagBeginSeqNo)
	to, _ := rr.GetUint(fix.TagEndSeqNo)
	assert.Equal(t, uint64(2), from)
	assert.Equal(t, uint64(4), to)
	assert.Empty(t, d.Deliver)

	// Another out-of-order arrival inside the requested range must not
	// trigger a second request.
	d = feed(t, sm, appMsg("ORD-4"), 4)
	assert.Empty(t, d.Send)
	assert.Empty(t, d.Deliver)
}

func TestGapFillAndOrderedFlush(t *testing.T) {
	sm, _ := newTestSM(t, false, nil)
	logonAcceptor(t, sm)

	feed(t, sm, appMsg("ORD-5"), 5)
	require.Equal(t, ResendPending, sm.State())

	var delivered []string
	collect := func(d Directive) {
		for _, m := range d.Deliver {
			delivered = append(delivered, m.GetString(fix.Tag(11)))
		}
	}

	for seq := uint64(2); seq <= 4; seq++ {
		d := feed(t, sm, appMsg("ORD-"+string(rune('0'+seq))).WithBool(fix.TagPossDupFlag, true), seq)
		require.Nil(t, d.Disconnect)
		collect(d)
	}

	assert.Equal(t, []string{"ORD-2", "ORD-3", "ORD-4", "ORD-5"}, delivered)
	assert.Equal(t, Active, sm.State())
	assert.Equal(t, uint64(6), sm.NextTargetSeq())
}

func TestDuplicateSuppression(t *testing.T) {
	sm, _ := newTestSM(t, false, nil)
	logonAcceptor(t, sm)

	feed(t, sm, appMsg("ORD-4"), 4)

	d := feed(t, sm, appMsg("ORD-2").WithBool(fix.TagPossDupFlag, true), 2)
	require.Len(t, d.Deliver, 1)

	// The same replay again is below the expectation now and must be
	// dropped, having been delivered once already.
	d = feed(t, sm, appMsg("ORD-2").WithBool(fix.TagPossDupFlag, true), 2)
	assert.Empty(t, d.Deliver)
	require.Nil(t, d.Disconnect)
}

func TestLowSequenceWithoutPossDupIsFatal(t *testing.T) {
	sm, _ := newTestSM(t, false, nil)
	logonAcceptor(t, sm)
	feed(t, sm, appMsg("ORD-2"), 2)

	d := feed(t, sm, appMsg("ORD-1"), 1)
	var violation *ProtocolViolationError
	require.ErrorAs(t, d.Disconnect, &violation)
	assert.Equal(t, uint64(1), violation.ReceivedSeq)
	assert.Equal(t, uint64(3), violation.ExpectedSeq)
}

func TestStalePossDupOutsideWindowIsDropped(t *testing.T) {
	sm, _ := newTestSM(t, false, nil)
	logonAcceptor(t, sm)
	feed(t, sm, appMsg("ORD-2"), 2)

	// No resend episode is open; a replayed old message stays dropped.
	d := feed(t, sm, appMsg("ORD-2").WithBool(fix.TagPossDupFlag, true), 2)
	assert.Empty(t, d.Deliver)
	assert.Nil(t, d.Disconnect)
}

func TestHardSequenceReset(t *testing.T) {
	sm, _ := newTestSM(t, false, nil)
	logonAcceptor(t, sm)

	d := feed(t, sm, fix.SequenceResetReset("FIX.4.4", 10), 7)
	require.Nil(t, d.Disconnect)
	assert.Equal(t, uint64(10), sm.NextTargetSeq())

	// Moving backwards is a violation.
	d = feed(t, sm, fix.SequenceResetReset("FIX.4.4", 3), 11)
	var violation *ProtocolViolationError
	assert.ErrorAs(t, d.Disconnect, &violation)
}

func TestGapFillSequenceReset(t *testing.T) {
	sm, _ := newTestSM(t, false, nil)
	logonAcceptor(t, sm)

	// Counterparty gap-fills 2..4: a SequenceReset at seq 2 pointing to 5.
	d := feed(t, sm, fix.SequenceResetGapFill("FIX.4.4", 5).WithBool(fix.TagPossDupFlag, true), 2)
	require.Nil(t, d.Disconnect)
	assert.Equal(t, uint64(5), sm.NextTargetSeq())
}

func TestTestRequestAnsweredWithHeartbeat(t *testing.T) {
	sm, _ := newTestSM(t, false, nil)
	logonAcceptor(t, sm)

	d := feed(t, sm, fix.TestRequest("FIX.4.4", "PING-7"), 2)
	require.Len(t, d.Send, 1)
	hb := d.Send[0]
	assert.Equal(t, fix.MsgTypeHeartbeat, hb.MsgType())
	assert.Equal(t, "PING-7", hb.GetString(fix.TagTestReqID))
}

func TestInboundResendRequest(t *testing.T) {
	sm, _ := newTestSM(t, false, nil)
	logonAcceptor(t, sm)

	d := feed(t, sm, fix.ResendRequest("FIX.4.4", 1, 0), 2)
	require.Nil(t, d.Disconnect)
	require.NotNil(t, d.Resend)
	assert.Equal(t, uint64(1), d.Resend.From)
	assert.Equal(t, uint64(0), d.Resend.To)
}

func TestLogoutExchange(t *testing.T) {
	sm, _ := newTestSM(t, false, nil)
	logonAcceptor(t, sm)

	d := feed(t, sm, fix.Logout("FIX.4.4", "done for today"), 2)
	require.Len(t, d.Send, 1)
	assert.Equal(t, fix.MsgTypeLogout, d.Send[0].MsgType())
	assert.True(t, d.Close)
	assert.Equal(t, LogoutPending, sm.State())
}

func TestLogoutInitiatedLocally(t *testing.T) {
	sm, _ := newTestSM(t, false, nil)
	logonAcceptor(t, sm)

	d := sm.StartLogout("maintenance window")
	require.Len(t, d.Send, 1)
	assert.Equal(t, fix.MsgTypeLogout, d.Send[0].MsgType())
	assert.Equal(t, "maintenance window", d.Send[0].GetString(fix.TagText))
	assert.Equal(t, LogoutPending, sm.State())
	sm.AssignNextOutbound()
	sm.NoteSent(sm.clock())

	d = feed(t, sm, fix.Logout("FIX.4.4", ""), 2)
	assert.True(t, d.Close)
	assert.Empty(t, d.Send)
}

func TestResetSeqNumFlagRestartsCounters(t *testing.T) {
	sm, _ := newTestSM(t, false, nil)
	logonAcceptor(t, sm)
	feed(t, sm, appMsg("ORD-2"), 2)
	require.Equal(t, uint64(3), sm.NextTargetSeq())
	sm.OnDisconnect()

	sm.Start()
	d := feed(t, sm, fix.Logon("FIX.4.4", 30*time.Second, true), 1)
	require.Nil(t, d.Disconnect)
	assert.True(t, d.ResetStore)
	assert.Equal(t, uint64(2), sm.NextTargetSeq())
	require.Len(t, d.Send, 1)
	reset, _ := d.Send[0].GetBool(fix.TagResetSeqNumFlag)
	assert.True(t, reset)
}

func TestLogonWithGapProcessedOutOfBand(t *testing.T) {
	sm, _ := newTestSM(t, false, nil)
	sm.Start()

	// A logon at seq 5 while expecting 1 must still complete the logon
	// and request the missing range.
	d := feed(t, sm, remoteLogon(), 5)
	require.Nil(t, d.Disconnect)
	assert.Equal(t, ResendPending, sm.State())
	require.Len(t, d.Send, 2)
	assert.Equal(t, fix.MsgTypeLogon, d.Send[0].MsgType())
	rr := d.Send[1]
	assert.Equal(t, fix.MsgTypeResendRequest, rr.MsgType())
	from, _ := rr.GetUint(fix.TagBeginSeqNo)
	to, _ := rr.GetUint(fix.TagEndSeqNo)
	assert.Equal(t, uint64(1), from)
	assert.Equal(t, uint64(4), to)

	// Counterparty gap-fills everything through its logon.
	d = feed(t, sm, fix.SequenceResetGapFill("FIX.4.4", 6).WithBool(fix.TagPossDupFlag, true), 1)
	require.Nil(t, d.Disconnect)
	assert.Equal(t, Active, sm.State())
	assert.Equal(t, uint64(6), sm.NextTargetSeq())
}

func TestHeartbeatLadder(t *testing.T) {
	sm, clk := newTestSM(t, false, nil)
	logonAcceptor(t, sm)

	// Nothing due before the interval elapses.
	clk.Advance(29 * time.Second)
	d := sm.Tick(clk.Now())
	assert.Empty(t, d.Send)
	assert.Nil(t, d.Disconnect)

	// Heartbeat exactly at the interval.
	clk.Advance(1 * time.Second)
	d = sm.Tick(clk.Now())
	require.Len(t, d.Send, 1)
	assert.Equal(t, fix.MsgTypeHeartbeat, d.Send[0].MsgType())
	sm.AssignNextOutbound()
	sm.NoteSent(clk.Now())

	// TestRequest at interval + tolerance (20% of 30s = 6s) of inbound
	// silence, exactly once.
	clk.Advance(6 * time.Second)
	d = sm.Tick(clk.Now())
	require.Len(t, d.Send, 1)
	assert.Equal(t, fix.MsgTypeTestRequest, d.Send[0].MsgType())
	sm.AssignNextOutbound()
	sm.NoteSent(clk.Now())

	clk.Advance(1 * time.Second)
	d = sm.Tick(clk.Now())
	assert.Empty(t, d.Send)
	assert.Nil(t, d.Disconnect)

	// Fatal disconnect at interval + 2x tolerance.
	clk.Advance(5 * time.Second)
	d = sm.Tick(clk.Now())
	assert.ErrorIs(t, d.Disconnect, ErrHeartbeatTimeout)
}

func TestHeartbeatTimerResetByTraffic(t *testing.T) {
	sm, clk := newTestSM(t, false, nil)
	logonAcceptor(t, sm)

	clk.Advance(25 * time.Second)
	d := feed(t, sm, appMsg("ORD-2"), 2)
	require.Nil(t, d.Disconnect)

	// Inbound traffic pushes the TestRequest horizon out.
	clk.Advance(10 * time.Second)
	d = sm.Tick(clk.Now())
	for _, m := range d.Send {
		assert.NotEqual(t, fix.MsgTypeTestRequest, m.MsgType())
	}
	assert.Nil(t, d.Disconnect)
}

func TestLogonResponseTimeout(t *testing.T) {
	sm, clk := newTestSM(t, true, nil)
	sm.Start()
	sm.AssignNextOutbound()
	sm.NoteSent(clk.Now())

	clk.Advance(37 * time.Second)
	d := sm.Tick(clk.Now())
	var violation *ProtocolViolationError
	assert.ErrorAs(t, d.Disconnect, &violation)
}

func TestAcceptorAdoptsInitiatorHeartbeatInterval(t *testing.T) {
	sm, clk := newTestSM(t, false, nil)
	sm.Start()

	d := feed(t, sm, fix.Logon("FIX.4.4", 10*time.Second, false), 1)
	require.Nil(t, d.Disconnect)
	hb, err := d.Send[0].GetInt(fix.TagHeartBtInt)
	require.NoError(t, err)
	assert.Equal(t, 10, hb)
	sm.AssignNextOutbound()
	sm.NoteSent(clk.Now())

	clk.Advance(10 * time.Second)
	d = sm.Tick(clk.Now())
	require.Len(t, d.Send, 1)
	assert.Equal(t, fix.MsgTypeHeartbeat, d.Send[0].MsgType())
}

// The full lifecycle from the session-layer scenario: logon at 1/1, two
// sends, a gap at 5, PossDup fill of 2-4, back to Active expecting 6.
func TestScenarioFullLifecycle(t *testing.T) {
	sm, _ := newTestSM(t, false, nil)
	sm.Start()

	d := feed(t, sm, remoteLogon(), 1)
	require.Nil(t, d.Disconnect)
	require.Equal(t, Active, sm.State())
	require.Equal(t, uint64(1), sm.AssignNextOutbound())
	sm.NoteSent(sm.clock())
	assert.Equal(t, uint64(2), sm.NextSenderSeq())
	assert.Equal(t, uint64(2), sm.NextTargetSeq())

	// Two application sends take outbound seqs 2 and 3.
	assert.Equal(t, uint64(2), sm.AssignNextOutbound())
	assert.Equal(t, uint64(3), sm.AssignNextOutbound())

	// Inbound seq 5: gap, one ResendRequest(2,4).
	d = feed(t, sm, appMsg("ORD-5"), 5)
	assert.Equal(t, ResendPending, sm.State())
	require.Len(t, d.Send, 1)
	from, _ := d.Send[0].GetUint(fix.TagBeginSeqNo)
	to, _ := d.Send[0].GetUint(fix.TagEndSeqNo)
	assert.Equal(t, uint64(2), from)
	assert.Equal(t, uint64(4), to)

	var delivered []uint64
	for seq := uint64(2); seq <= 4; seq++ {
		d = feed(t, sm, appMsg("ORD").WithBool(fix.TagPossDupFlag, true), seq)
		require.Nil(t, d.Disconnect)
		for _, m := range d.Deliver {
			n, err := m.SeqNum()
			require.NoError(t, err)
			delivered = append(delivered, n)
		}
	}

	assert.Equal(t, []uint64{2, 3, 4, 5}, delivered)
	assert.Equal(t, Active, sm.State())
	assert.Equal(t, uint64(6), sm.NextTargetSeq())
}
