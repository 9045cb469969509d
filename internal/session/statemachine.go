package session

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tdworkflow/fixsession/internal/store"
	"github.com/tdworkflow/fixsession/pkg/fix"
)

// SeqRange is an inclusive retransmission range. To == 0 means "through the
// latest message sent".
type SeqRange struct {
	From uint64
	To   uint64
}

// Directive is what the engine must do after feeding the machine an event.
// Fields are acted on in declaration order.
type Directive struct {
	// ResetStore clears the message store before anything is sent
	// (ResetSeqNumFlag on a logon).
	ResetStore bool

	// Send holds administrative messages to assign, persist and write.
	Send []fix.Message

	// Resend asks the engine to retransmit our own outbound range from
	// the store, with PossDupFlag and gap-fills for admin messages.
	Resend *SeqRange

	// Accepted holds inbound messages to append to the store, in order.
	Accepted []AcceptedMessage

	// Deliver holds application messages for the Application, in
	// sequence order.
	Deliver []fix.Message

	// Close asks for a graceful teardown after Send is flushed.
	Close bool

	// Disconnect, when non-nil, is a fatal error: log it, close the
	// transport, state to Disconnected.
	Disconnect error
}

// AcceptedMessage pairs a validated inbound message with its store entry.
type AcceptedMessage struct {
	Msg   fix.Message
	Entry store.StoredMessage
}

type pendingMsg struct {
	msg fix.Message
	raw []byte
}

// StateMachine governs one session's lifecycle and sequence bookkeeping.
// It performs no I/O and is driven from a single goroutine; every event
// returns a Directive for the engine to execute.
type StateMachine struct {
	settings Settings
	auth     Authenticator
	log      *zap.Logger
	clock    func() time.Time

	state         State
	nextSenderSeq uint64
	nextTargetSeq uint64
	lastSent      time.Time
	lastReceived  time.Time

	// heartBtInt is the negotiated interval; acceptors adopt the
	// initiator's value from the logon.
	heartBtInt         time.Duration
	testReqOutstanding bool

	// resendHigh is the top of the requested gap while a resend episode
	// is open; zero otherwise.
	resendHigh uint64
	pending    map[uint64]pendingMsg

	// delivered tracks sequence numbers handed to the Application within
	// the gap-fill window, to keep PossDup replays at-most-once. Cleared
	// DupTrackingGrace after the episode closes.
	delivered  map[uint64]struct{}
	episodeEnd time.Time
}

// NewStateMachine builds a machine from persisted counters.
func NewStateMachine(settings Settings, st store.State, auth Authenticator, logger *zap.Logger, clock func() time.Time) *StateMachine {
	settings.ApplyDefaults()
	if auth == nil {
		auth = AllowAll
	}
	if clock == nil {
		clock = time.Now
	}
	return &StateMachine{
		settings:      settings,
		auth:          auth,
		log:           logger.Named("sm").With(zap.String("session", settings.SessionID().String())),
		clock:         clock,
		state:         Disconnected,
		nextSenderSeq: st.NextSenderSeq,
		nextTargetSeq: st.NextTargetSeq,
		lastSent:      st.LastSentAt,
		lastReceived:  st.LastReceivedAt,
		heartBtInt:    settings.HeartBtInt,
		pending:       make(map[uint64]pendingMsg),
		delivered:     make(map[uint64]struct{}),
	}
}

// State returns the current lifecycle state.
func (m *StateMachine) State() State { return m.state }

// NextSenderSeq returns the next outbound sequence number.
func (m *StateMachine) NextSenderSeq() uint64 { return m.nextSenderSeq }

// NextTargetSeq returns the next expected inbound sequence number.
func (m *StateMachine) NextTargetSeq() uint64 { return m.nextTargetSeq }

// PersistentState is the counter record persisted alongside every append.
func (m *StateMachine) PersistentState() store.State {
	return store.State{
		NextSenderSeq:  m.nextSenderSeq,
		NextTargetSeq:  m.nextTargetSeq,
		LastSentAt:     m.lastSent,
		LastReceivedAt: m.lastReceived,
	}
}

// AssignNextOutbound hands out the next outbound sequence number exactly
// once. The caller persists and writes the message before the next event is
// processed.
func (m *StateMachine) AssignNextOutbound() uint64 {
	seq := m.nextSenderSeq
	m.nextSenderSeq++
	return seq
}

// NoteSent records an outbound write for heartbeat timing.
func (m *StateMachine) NoteSent(now time.Time) { m.lastSent = now }

// Start begins the session on a fresh transport. Initiators send the first
// logon; acceptors wait for one.
func (m *StateMachine) Start() Directive {
	now := m.clock()
	m.lastSent = now
	m.lastReceived = now
	m.testReqOutstanding = false

	if !m.settings.Initiator {
		return Directive{}
	}

	var d Directive
	if m.settings.ResetOnLogon {
		m.resetCounters()
		d.ResetStore = true
	}
	d.Send = append(d.Send, fix.LogonWithCredentials(
		m.settings.BeginString, m.heartBtInt, m.settings.ResetOnLogon,
		m.settings.Username, m.settings.Password))
	m.state = LogonPending
	return d
}

// StartLogout begins a graceful logout from our side.
func (m *StateMachine) StartLogout(text string) Directive {
	if !m.state.LoggedOn() {
		return Directive{Close: true}
	}
	m.state = LogoutPending
	return Directive{Send: []fix.Message{fix.Logout(m.settings.BeginString, text)}}
}

// OnDisconnect records transport loss from any state.
func (m *StateMachine) OnDisconnect() {
	m.state = Disconnected
	m.resendHigh = 0
	m.testReqOutstanding = false
	m.pending = make(map[uint64]pendingMsg)
}

// OnInbound runs one decoded message through validation and the lifecycle.
// raw is the frame as received; accepted messages carry it into the store.
func (m *StateMachine) OnInbound(msg fix.Message, raw []byte) Directive {
	now := m.clock()
	m.lastReceived = now
	m.testReqOutstanding = false

	var d Directive
	if err := m.checkEnvelope(msg); err != nil {
		d.Disconnect = err
		return d
	}
	seq, err := msg.SeqNum()
	if err != nil {
		d.Disconnect = &ProtocolViolationError{Reason: "missing or invalid MsgSeqNum"}
		return d
	}
	msgType := msg.MsgType()

	// Logon gating: the first message on a connection must be a logon,
	// and authentication runs before any sequence handling.
	switch m.state {
	case Disconnected:
		if msgType != fix.MsgTypeLogon {
			d.Disconnect = &ProtocolViolationError{Reason: "first message was not a logon"}
			return d
		}
		if !m.auth.Validate(msg.SenderCompID(), msg.TargetCompID(), Credentials{
			Username: msg.GetString(fix.TagUsername),
			Password: msg.GetString(fix.TagPassword),
		}) {
			d.Send = append(d.Send, fix.Logout(m.settings.BeginString, "authentication failed"))
			d.Disconnect = &AuthenticationError{
				SenderCompID: msg.SenderCompID(),
				TargetCompID: msg.TargetCompID(),
			}
			return d
		}
	case LogonPending:
		if msgType != fix.MsgTypeLogon {
			if msgType == fix.MsgTypeLogout {
				// Counterparty refused our logon.
				d.Disconnect = &AuthenticationError{
					SenderCompID: m.settings.SenderCompID,
					TargetCompID: m.settings.TargetCompID,
				}
				return d
			}
			d.Disconnect = &ProtocolViolationError{Reason: "expected logon response, got " + msgType}
			return d
		}
	}

	// ResetSeqNumFlag restarts both counters before validation.
	if msgType == fix.MsgTypeLogon {
		if reset, _ := msg.GetBool(fix.TagResetSeqNumFlag); reset {
			m.resetCounters()
			d.ResetStore = true
		}
	}

	// SequenceReset in reset mode is honored regardless of its own
	// sequence number.
	if msgType == fix.MsgTypeSequenceReset {
		if gapFill, _ := msg.GetBool(fix.TagGapFillFlag); !gapFill {
			return m.onHardSequenceReset(msg, &d)
		}
	}

	switch {
	case seq == m.nextTargetSeq:
		m.nextTargetSeq++
		m.accept(msg, raw, now, &d)
		m.flushPending(now, &d)
		m.maybeCloseGap(now)

	case seq > m.nextTargetSeq:
		m.onGap(msg, raw, seq, &d)

	default: // seq < expected
		m.onLowSequence(msg, seq, now, &d)
	}
	return d
}

func (m *StateMachine) checkEnvelope(msg fix.Message) error {
	if bs := msg.BeginString(); bs != m.settings.BeginString {
		return &ProtocolViolationError{
			Reason: "BeginString " + bs + " does not match session " + m.settings.BeginString,
		}
	}
	if s := msg.SenderCompID(); s != m.settings.TargetCompID {
		return &ProtocolViolationError{Reason: "unexpected SenderCompID " + s}
	}
	if tgt := msg.TargetCompID(); tgt != m.settings.SenderCompID {
		return &ProtocolViolationError{Reason: "unexpected TargetCompID " + tgt}
	}
	return nil
}

// accept processes a message received at exactly the expected sequence
// number. The expectation has already been advanced.
func (m *StateMachine) accept(msg fix.Message, raw []byte, now time.Time, d *Directive) {
	seq, _ := msg.SeqNum()
	d.Accepted = append(d.Accepted, AcceptedMessage{
		Msg:   msg,
		Entry: store.StoredMessage{Seq: seq, Raw: raw, SentAt: now},
	})

	switch msg.MsgType() {
	case fix.MsgTypeLogon:
		m.onLogonAccepted(msg, d)

	case fix.MsgTypeHeartbeat:
		// lastReceived already updated; nothing else to do.

	case fix.MsgTypeTestRequest:
		d.Send = append(d.Send, fix.Heartbeat(m.settings.BeginString, msg.GetString(fix.TagTestReqID)))

	case fix.MsgTypeResendRequest:
		from, err := msg.GetUint(fix.TagBeginSeqNo)
		if err != nil {
			d.Disconnect = &ProtocolViolationError{Reason: "resend request without BeginSeqNo"}
			return
		}
		to, _ := msg.GetUint(fix.TagEndSeqNo)
		d.Resend = &SeqRange{From: from, To: to}

	case fix.MsgTypeSequenceReset:
		// Gap-fill mode: jump the expectation forward.
		newSeq, err := msg.GetUint(fix.TagNewSeqNo)
		if err != nil {
			d.Disconnect = &ProtocolViolationError{Reason: "sequence reset without NewSeqNo"}
			return
		}
		if newSeq > m.nextTargetSeq {
			m.nextTargetSeq = newSeq
		}

	case fix.MsgTypeLogout:
		if m.state == LogoutPending {
			// Their reply to our logout; we are done.
			d.Close = true
			return
		}
		d.Send = append(d.Send, fix.Logout(m.settings.BeginString, ""))
		m.state = LogoutPending
		d.Close = true

	case fix.MsgTypeReject:
		m.log.Warn("session-level reject received",
			zap.Uint64("ref_seq", mustUint(msg, fix.TagRefSeqNum)),
			zap.String("text", msg.GetString(fix.TagText)))

	default:
		m.deliver(msg, seq, now, d)
	}
}

func (m *StateMachine) onLogonAccepted(msg fix.Message, d *Directive) {
	switch m.state {
	case Disconnected:
		// Acceptor side: adopt the initiator's heartbeat interval and
		// confirm the logon.
		if hb, err := msg.GetInt(fix.TagHeartBtInt); err == nil && hb > 0 {
			m.heartBtInt = time.Duration(hb) * time.Second
		}
		reset, _ := msg.GetBool(fix.TagResetSeqNumFlag)
		d.Send = append(d.Send, fix.Logon(m.settings.BeginString, m.heartBtInt, reset))
		m.state = Active

	case LogonPending:
		// Initiator side: counterparty confirmed.
		m.state = Active

	default:
		d.Disconnect = &ProtocolViolationError{Reason: "logon received while " + m.state.String()}
	}
}

// onGap handles an inbound sequence number above the expectation: buffer the
// message and request the missing range exactly once per episode.
func (m *StateMachine) onGap(msg fix.Message, raw []byte, seq uint64, d *Directive) {
	expected := m.nextTargetSeq

	if msg.MsgType() == fix.MsgTypeLogon {
		// The logon itself cannot wait for the gap to close; process it
		// out of band and let the counterparty gap-fill its slot.
		m.onLogonAccepted(msg, d)
		if d.Disconnect != nil {
			return
		}
	} else {
		m.pending[seq] = pendingMsg{msg: msg, raw: raw}
	}

	switch {
	case m.resendHigh == 0:
		d.Send = append(d.Send, fix.ResendRequest(m.settings.BeginString, expected, seq-1))
		m.resendHigh = seq - 1
		m.log.Info("sequence gap detected",
			zap.Uint64("received", seq), zap.Uint64("expected", expected))
	case seq-1 > m.resendHigh:
		// A second, higher gap while the first is still open: request
		// only the part we have not asked for yet.
		d.Send = append(d.Send, fix.ResendRequest(m.settings.BeginString, m.resendHigh+1, seq-1))
		m.resendHigh = seq - 1
	}
	if m.state == Active {
		m.state = ResendPending
	}
}

// onLowSequence handles an inbound sequence number below the expectation.
// Without PossDupFlag this is fatal; with it, the message is a replay and is
// delivered at most once.
func (m *StateMachine) onLowSequence(msg fix.Message, seq uint64, now time.Time, d *Directive) {
	if !msg.PossDup() {
		d.Disconnect = &ProtocolViolationError{
			Reason:      "sequence number too low without PossDupFlag",
			ReceivedSeq: seq,
			ExpectedSeq: m.nextTargetSeq,
		}
		return
	}
	if msg.IsAdmin() {
		return // replayed admin messages carry no new information
	}
	if _, seen := m.delivered[seq]; seen {
		m.log.Debug("dropping duplicate replay", zap.Uint64("seq", seq))
		return
	}
	if !m.dupWindowOpen(now) {
		// Outside any gap-fill window every seq below the expectation
		// was already consumed; stay idempotent and drop.
		m.log.Debug("dropping stale PossDup replay", zap.Uint64("seq", seq))
		return
	}
	m.deliver(msg, seq, now, d)
}

func (m *StateMachine) deliver(msg fix.Message, seq uint64, now time.Time, d *Directive) {
	d.Deliver = append(d.Deliver, msg)
	if m.dupWindowOpen(now) {
		m.delivered[seq] = struct{}{}
	}
}

// dupWindowOpen reports whether replay tracking is live: during a resend
// episode and for a grace period after it closes.
func (m *StateMachine) dupWindowOpen(now time.Time) bool {
	if m.resendHigh != 0 {
		return true
	}
	return !m.episodeEnd.IsZero() && now.Sub(m.episodeEnd) <= m.settings.DupTrackingGrace
}

func (m *StateMachine) flushPending(now time.Time, d *Directive) {
	for {
		entry, ok := m.pending[m.nextTargetSeq]
		if !ok {
			return
		}
		delete(m.pending, m.nextTargetSeq)
		m.nextTargetSeq++
		m.accept(entry.msg, entry.raw, now, d)
		if d.Disconnect != nil {
			return
		}
	}
}

func (m *StateMachine) maybeCloseGap(now time.Time) {
	if m.state != ResendPending || m.nextTargetSeq <= m.resendHigh {
		return
	}
	m.resendHigh = 0
	m.episodeEnd = now
	m.state = Active
	m.log.Info("sequence gap closed", zap.Uint64("next_target", m.nextTargetSeq))
}

func (m *StateMachine) onHardSequenceReset(msg fix.Message, d *Directive) Directive {
	newSeq, err := msg.GetUint(fix.TagNewSeqNo)
	if err != nil {
		d.Disconnect = &ProtocolViolationError{Reason: "sequence reset without NewSeqNo"}
		return *d
	}
	if newSeq < m.nextTargetSeq {
		d.Disconnect = &ProtocolViolationError{
			Reason:      "sequence reset moving backwards",
			ReceivedSeq: newSeq,
			ExpectedSeq: m.nextTargetSeq,
		}
		return *d
	}
	m.nextTargetSeq = newSeq
	m.maybeCloseGap(m.clock())
	return *d
}

func (m *StateMachine) resetCounters() {
	m.nextSenderSeq = 1
	m.nextTargetSeq = 1
	m.pending = make(map[uint64]pendingMsg)
	m.delivered = make(map[uint64]struct{})
	m.resendHigh = 0
	m.episodeEnd = time.Time{}
}

// Tick drives the heartbeat ladder and window pruning. The engine calls it
// at the settings' timer resolution.
func (m *StateMachine) Tick(now time.Time) Directive {
	var d Directive

	if m.resendHigh == 0 && !m.episodeEnd.IsZero() && now.Sub(m.episodeEnd) > m.settings.DupTrackingGrace {
		m.delivered = make(map[uint64]struct{})
		m.episodeEnd = time.Time{}
	}

	switch m.state {
	case Disconnected:
		return d

	case LogonPending:
		if now.Sub(m.lastSent) > m.heartBtInt+m.tolerance() {
			d.Disconnect = &ProtocolViolationError{Reason: "logon response timed out"}
		}
		return d

	case LogoutPending:
		if now.Sub(m.lastSent) > m.heartBtInt {
			// No logout reply; close anyway.
			d.Close = true
		}
		return d
	}

	// Active or ResendPending.
	if now.Sub(m.lastSent) >= m.heartBtInt {
		d.Send = append(d.Send, fix.Heartbeat(m.settings.BeginString, ""))
	}
	silent := now.Sub(m.lastReceived)
	switch {
	case silent >= m.heartBtInt+2*m.tolerance():
		d.Disconnect = ErrHeartbeatTimeout
	case silent >= m.heartBtInt+m.tolerance() && !m.testReqOutstanding:
		d.Send = append(d.Send, fix.TestRequest(m.settings.BeginString, uuid.NewString()))
		m.testReqOutstanding = true
	}
	return d
}

func (m *StateMachine) tolerance() time.Duration {
	return time.Duration(float64(m.heartBtInt) * m.settings.HeartbeatTolerance)
}

func mustUint(msg fix.Message, tag fix.Tag) uint64 {
	v, _ := msg.GetUint(tag)
	return v
}
