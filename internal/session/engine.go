package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tdworkflow/fixsession/internal/store"
	"github.com/tdworkflow/fixsession/pkg/collector"
	"github.com/tdworkflow/fixsession/pkg/fix"
)

// ErrNotLoggedOn reports an application send before the session is Active.
var ErrNotLoggedOn = errors.New("session: not logged on")

// Status is a point-in-time snapshot safe to read from other goroutines.
type Status struct {
	ID             fix.SessionID `json:"id"`
	State          string        `json:"state"`
	NextSenderSeq  uint64        `json:"nextSenderSeq"`
	NextTargetSeq  uint64        `json:"nextTargetSeq"`
	LastSentAt     time.Time     `json:"lastSentAt"`
	LastReceivedAt time.Time     `json:"lastReceivedAt"`
	Running        bool          `json:"running"`
}

type sendRequest struct {
	msg    fix.Message
	result chan error
}

type readResult struct {
	data []byte
	err  error
}

// Engine owns one session: one state machine, one store partition, one
// transport. All state mutations happen on the goroutine running Run; Send
// and Logout hand work to it over channels so outbound sequence numbers are
// assigned serially.
type Engine struct {
	id        fix.SessionID
	settings  Settings
	sm        *StateMachine
	store     store.MessageStore
	transport Transport
	app       Application
	log       *zap.Logger
	clock     func() time.Time

	sendCh   chan sendRequest
	logoutCh chan string
	done     chan struct{}

	statusMu sync.RWMutex
	status   Status

	lastNotified State
}

// NewEngine builds an engine from persisted store state. The store
// partition must be held exclusively by this engine until Close.
func NewEngine(settings Settings, st store.MessageStore, transport Transport, app Application, auth Authenticator, logger *zap.Logger) (*Engine, error) {
	settings.ApplyDefaults()
	id := settings.SessionID()

	persisted, err := st.State()
	if err != nil {
		return nil, fmt.Errorf("loading state for %s: %w", id, err)
	}
	log := logger.Named("session").With(zap.String("session", id.String()))

	e := &Engine{
		id:        id,
		settings:  settings,
		sm:        NewStateMachine(settings, persisted, auth, logger, time.Now),
		store:     st,
		transport: transport,
		app:       app,
		log:       log,
		clock:     time.Now,
		sendCh:    make(chan sendRequest),
		logoutCh:  make(chan string, 1),
		done:      make(chan struct{}),
	}
	e.updateStatus()
	return e, nil
}

// ID returns the session identifier.
func (e *Engine) ID() fix.SessionID { return e.id }

// Status returns a snapshot for operators.
func (e *Engine) Status() Status {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.status
}

// Running reports whether the session loop has not yet finished.
func (e *Engine) Running() bool {
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

// Send transmits one application message, ordered with every other send on
// this session. It blocks until the session goroutine has assigned a
// sequence number, persisted and written the message.
func (e *Engine) Send(msg fix.Message) error {
	req := sendRequest{msg: msg, result: make(chan error, 1)}
	select {
	case e.sendCh <- req:
	case <-e.done:
		return ErrSessionClosed
	}
	select {
	case err := <-req.result:
		return err
	case <-e.done:
		return ErrSessionClosed
	}
}

// Logout starts a graceful logout. The loop exits once the counterparty
// confirms or the reply times out.
func (e *Engine) Logout(text string) error {
	select {
	case e.logoutCh <- text:
		return nil
	case <-e.done:
		return ErrSessionClosed
	}
}

// Run drives the session until a fatal error, a graceful logout, transport
// loss, or ctx cancellation. It returns nil for graceful endings and the
// fatal error otherwise.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	connID := uuid.NewString()
	e.log.Info("session starting",
		zap.String("conn", connID), zap.Bool("initiator", e.settings.Initiator))

	readCh := make(chan readResult, 1)
	go e.readLoop(ctx, readCh)

	ticker := time.NewTicker(e.settings.TimerResolution)
	defer ticker.Stop()

	if stop, err := e.apply(e.sm.Start()); stop {
		return e.teardown(err)
	}

	var inBuf []byte
	for {
		select {
		case <-ctx.Done():
			// Shutdown request: honored here, the next suspension
			// point. Store writes are synchronous so nothing is in
			// flight.
			return e.teardown(nil)

		case r := <-readCh:
			if r.err != nil {
				if errors.Is(r.err, io.EOF) || errors.Is(r.err, net.ErrClosed) {
					e.log.Info("transport closed by peer")
				} else {
					e.log.Warn("transport read failed", zap.Error(r.err))
				}
				return e.teardown(nil)
			}
			inBuf = append(inBuf, r.data...)
			if stop, err := e.drain(&inBuf); stop {
				return e.teardown(err)
			}

		case req := <-e.sendCh:
			err := e.sendApp(req.msg)
			req.result <- err
			if isFatalSendErr(err) {
				return e.teardown(err)
			}

		case text := <-e.logoutCh:
			if stop, err := e.apply(e.sm.StartLogout(text)); stop {
				return e.teardown(err)
			}

		case now := <-ticker.C:
			if stop, err := e.apply(e.sm.Tick(now)); stop {
				return e.teardown(err)
			}
		}
	}
}

func (e *Engine) readLoop(ctx context.Context, ch chan<- readResult) {
	for {
		data, err := e.transport.ReadSome(ctx)
		if ctx.Err() != nil {
			return
		}
		select {
		case ch <- readResult{data: data, err: err}:
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// drain decodes and processes every whole frame buffered so far.
func (e *Engine) drain(buf *[]byte) (bool, error) {
	for len(*buf) > 0 {
		started := time.Now()
		msg, n, err := fix.Decode(*buf)
		collector.DecodeDurationHistogram.Observe(time.Since(started).Seconds())

		if errors.Is(err, fix.ErrIncomplete) {
			return false, nil
		}
		if err != nil {
			// Framing errors mean the stream can no longer be
			// trusted; they never reach the Application.
			e.log.Error("unrecoverable framing error", zap.Error(err))
			return true, err
		}

		raw := make([]byte, n)
		copy(raw, (*buf)[:n])
		*buf = (*buf)[n:]

		if stop, err := e.apply(e.sm.OnInbound(msg, raw)); stop {
			return true, err
		}
	}
	return false, nil
}

// apply executes one directive. A true first return means the loop must
// exit, with err naming the fatal cause (nil for graceful closes).
func (e *Engine) apply(d Directive) (bool, error) {
	if d.ResetStore {
		if err := e.store.Reset(); err != nil {
			return true, fmt.Errorf("resetting store: %w", err)
		}
		e.log.Info("sequence counters reset by logon")
	}
	for _, msg := range d.Send {
		if err := e.sendAdmin(msg); err != nil {
			return true, err
		}
	}
	if d.Resend != nil {
		if err := e.retransmit(d.Resend.From, d.Resend.To); err != nil {
			return true, err
		}
	}
	for _, acc := range d.Accepted {
		if err := e.store.Append(store.Inbound, acc.Entry, e.sm.PersistentState()); err != nil {
			// Includes ErrDuplicateSequence, which indicates an
			// internal bug and is fatal by design of the store.
			return true, fmt.Errorf("persisting inbound seq %d: %w", acc.Entry.Seq, err)
		}
		collector.MessagesReceivedCounter.WithLabelValues(e.id.String(), acc.Msg.MsgType()).Inc()
	}
	for _, msg := range d.Deliver {
		e.app.OnMessage(e.id, msg)
	}
	e.notify()

	if d.Disconnect != nil {
		e.log.Error("fatal session error",
			zap.Error(d.Disconnect),
			zap.Uint64("next_sender_seq", e.sm.NextSenderSeq()),
			zap.Uint64("next_target_seq", e.sm.NextTargetSeq()))
		collector.FatalDisconnectCounter.WithLabelValues(e.id.String(), disconnectReason(d.Disconnect)).Inc()
		return true, d.Disconnect
	}
	if d.Close {
		return true, nil
	}
	return false, nil
}

// sendApp assigns a sequence number and writes one application message.
func (e *Engine) sendApp(msg fix.Message) error {
	if !e.sm.State().LoggedOn() {
		return ErrNotLoggedOn
	}
	return e.send(msg)
}

func (e *Engine) sendAdmin(msg fix.Message) error {
	if msg.MsgType() == fix.MsgTypeResendRequest {
		collector.GapDetectedCounter.WithLabelValues(e.id.String()).Inc()
		collector.ResendRequestCounter.WithLabelValues(e.id.String()).Inc()
	}
	return e.send(msg)
}

// send is the single outbound path: sequence assignment, header stamping,
// encode, persist, write. It never runs concurrently with itself.
func (e *Engine) send(msg fix.Message) error {
	if !msg.Has(fix.TagMsgType) {
		return &fix.MalformedMessageError{Missing: fix.TagMsgType}
	}
	now := e.clock()
	seq := e.sm.AssignNextOutbound()
	stamped := msg.
		WithString(fix.TagBeginString, e.settings.BeginString).
		WithString(fix.TagSenderCompID, e.settings.SenderCompID).
		WithString(fix.TagTargetCompID, e.settings.TargetCompID).
		WithUint(fix.TagMsgSeqNum, seq).
		WithUTCTimestamp(fix.TagSendingTime, now)

	raw, err := fix.Encode(stamped)
	if err != nil {
		return err
	}
	e.sm.NoteSent(now)
	entry := store.StoredMessage{Seq: seq, Raw: raw, SentAt: now}
	if err := e.store.Append(store.Outbound, entry, e.sm.PersistentState()); err != nil {
		return fmt.Errorf("persisting outbound seq %d: %w", seq, err)
	}
	if err := e.transport.Write(raw); err != nil {
		return fmt.Errorf("writing seq %d: %w", seq, err)
	}
	collector.MessagesSentCounter.WithLabelValues(e.id.String(), stamped.MsgType()).Inc()
	e.updateStatus()
	return nil
}

// retransmit replays our outbound range from the store with PossDupFlag.
// Administrative messages and holes are compressed into gap-fills.
func (e *Engine) retransmit(from, to uint64) error {
	latest := e.sm.NextSenderSeq() - 1
	if from == 0 {
		from = 1
	}
	if to == 0 || to > latest {
		to = latest
	}
	if to < from {
		return nil
	}
	e.log.Info("retransmitting", zap.Uint64("from", from), zap.Uint64("to", to))

	entries := make(map[uint64]store.StoredMessage, to-from+1)
	err := e.store.Range(store.Outbound, from, to, func(m store.StoredMessage) error {
		entries[m.Seq] = m
		return nil
	})
	if err != nil {
		return fmt.Errorf("reading resend range [%d,%d]: %w", from, to, err)
	}

	now := e.clock()
	var gapStart uint64

	flushGap := func(nextSeq uint64) error {
		if gapStart == 0 {
			return nil
		}
		gf := fix.SequenceResetGapFill(e.settings.BeginString, nextSeq).
			WithString(fix.TagSenderCompID, e.settings.SenderCompID).
			WithString(fix.TagTargetCompID, e.settings.TargetCompID).
			WithUint(fix.TagMsgSeqNum, gapStart).
			WithBool(fix.TagPossDupFlag, true).
			WithUTCTimestamp(fix.TagSendingTime, now)
		raw, err := fix.Encode(gf)
		if err != nil {
			return err
		}
		gapStart = 0
		e.sm.NoteSent(now)
		return e.transport.Write(raw)
	}

	for seq := from; seq <= to; seq++ {
		entry, ok := entries[seq]
		if !ok {
			if gapStart == 0 {
				gapStart = seq
			}
			continue
		}
		orig, _, derr := fix.Decode(entry.Raw)
		if derr != nil || orig.IsAdmin() {
			if gapStart == 0 {
				gapStart = seq
			}
			continue
		}
		if err := flushGap(seq); err != nil {
			return err
		}
		dup := orig.
			WithBool(fix.TagPossDupFlag, true).
			WithString(fix.TagOrigSendingTime, orig.GetString(fix.TagSendingTime)).
			WithUTCTimestamp(fix.TagSendingTime, now)
		raw, eerr := fix.Encode(dup)
		if eerr != nil {
			return eerr
		}
		e.sm.NoteSent(now)
		if err := e.transport.Write(raw); err != nil {
			return err
		}
		collector.RetransmitCounter.WithLabelValues(e.id.String()).Inc()
	}
	return flushGap(to + 1)
}

// teardown persists counters, closes the transport and reports the final
// state. Always returns cause.
func (e *Engine) teardown(cause error) error {
	e.sm.OnDisconnect()
	if err := e.store.SaveState(e.sm.PersistentState()); err != nil {
		e.log.Error("persisting state at teardown failed", zap.Error(err))
	}
	if err := e.transport.Close(); err != nil {
		e.log.Debug("transport close", zap.Error(err))
	}
	e.notify()
	if cause != nil {
		e.log.Info("session stopped", zap.Error(cause))
	} else {
		e.log.Info("session stopped")
	}
	return cause
}

// notify pushes state transitions to the Application and metrics.
func (e *Engine) notify() {
	st := e.sm.State()
	e.updateStatus()
	if st == e.lastNotified {
		return
	}
	e.lastNotified = st
	collector.SessionStateGauge.WithLabelValues(e.id.String()).Set(float64(st))
	e.log.Info("session state changed", zap.String("state", st.String()))
	e.app.OnSessionStateChange(e.id, st)
}

func (e *Engine) updateStatus() {
	ps := e.sm.PersistentState()
	e.statusMu.Lock()
	e.status = Status{
		ID:             e.id,
		State:          e.sm.State().String(),
		NextSenderSeq:  ps.NextSenderSeq,
		NextTargetSeq:  ps.NextTargetSeq,
		LastSentAt:     ps.LastSentAt,
		LastReceivedAt: ps.LastReceivedAt,
		Running:        e.Running(),
	}
	e.statusMu.Unlock()
}

func isFatalSendErr(err error) bool {
	if err == nil {
		return false
	}
	var malformed *fix.MalformedMessageError
	if errors.As(err, &malformed) {
		return false
	}
	return !errors.Is(err, ErrNotLoggedOn)
}

func disconnectReason(err error) string {
	var (
		violation *ProtocolViolationError
		authErr   *AuthenticationError
		framing   *fix.FramingError
	)
	switch {
	case errors.Is(err, ErrHeartbeatTimeout):
		return "heartbeat_timeout"
	case errors.As(err, &violation):
		return "protocol_violation"
	case errors.As(err, &authErr):
		return "authentication"
	case errors.As(err, &framing):
		return "framing"
	}
	return "other"
}
