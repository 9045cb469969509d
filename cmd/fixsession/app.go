package main

import (
	"go.uber.org/zap"

	"github.com/tdworkflow/fixsession/internal/session"
	"github.com/tdworkflow/fixsession/pkg/fix"
)

// loggingApp records deliveries without acting on them.
type loggingApp struct {
	log *zap.Logger
}

func newLoggingApp(log *zap.Logger) *loggingApp {
	return &loggingApp{log: log.Named("app")}
}

func (a *loggingApp) OnMessage(id fix.SessionID, msg fix.Message) {
	seq, _ := msg.SeqNum()
	a.log.Info("message delivered",
		zap.String("session", id.String()),
		zap.String("msg_type", msg.MsgType()),
		zap.Uint64("seq", seq))
}

func (a *loggingApp) OnSessionStateChange(id fix.SessionID, state session.State) {
	a.log.Info("session state",
		zap.String("session", id.String()),
		zap.Stringer("state", state))
}

// echoApp answers every inbound order with a filled execution report,
// copying the client order id. Useful as a test counterparty.
type echoApp struct {
	registry *session.Registry
	log      *zap.Logger
}

func newEchoApp(registry *session.Registry, log *zap.Logger) *echoApp {
	return &echoApp{registry: registry, log: log.Named("echo")}
}

func (a *echoApp) OnMessage(id fix.SessionID, msg fix.Message) {
	if msg.MsgType() != fix.MsgTypeNewOrderSingle {
		return
	}
	e, ok := a.registry.Get(id.String())
	if !ok {
		return
	}
	report := fix.NewMessage(msg.BeginString(), fix.MsgTypeExecutionReport).
		WithString(fix.TagClOrdID, msg.GetString(fix.TagClOrdID)).
		WithString(fix.TagOrdStatus, "2")
	// Send blocks on the session loop; run it off the delivery path.
	go func() {
		if err := e.Send(report); err != nil {
			a.log.Warn("echo reply failed", zap.Error(err))
		}
	}()
}

func (a *echoApp) OnSessionStateChange(id fix.SessionID, state session.State) {
	a.log.Info("session state",
		zap.String("session", id.String()),
		zap.Stringer("state", state))
}
