// Package runner wires configuration, stores, transports and engines into
// running sessions, and keeps initiator sessions dialing.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tdworkflow/fixsession/internal/session"
	"github.com/tdworkflow/fixsession/internal/store"
	"github.com/tdworkflow/fixsession/internal/transport"
	"github.com/tdworkflow/fixsession/pkg/fix"
)

const (
	reconnectBackoff = 5 * time.Second
	logonPeekLimit   = 1 << 16
)

// Runner supervises every configured session for the lifetime of one
// process. Initiators reconnect with backoff; inbound connections are
// routed to acceptor sessions by the comp IDs on their logon.
type Runner struct {
	listenAddr string
	sessions   []session.Settings
	stores     store.Factory
	registry   *session.Registry
	app        session.Application
	auth       session.Authenticator
	log        *zap.Logger

	server *transport.Server
}

// New builds a runner. app receives deliveries for every session; auth
// may be nil to accept any counterparty logon.
func New(listenAddr string, sessions []session.Settings, stores store.Factory, registry *session.Registry, app session.Application, auth session.Authenticator, log *zap.Logger) *Runner {
	return &Runner{
		listenAddr: listenAddr,
		sessions:   sessions,
		stores:     stores,
		registry:   registry,
		app:        app,
		auth:       auth,
		log:        log.Named("runner"),
	}
}

// ListenAddr reports the bound acceptor address. Valid once Run has
// started serving, and only when acceptor sessions are configured.
func (r *Runner) ListenAddr() string {
	if r.server == nil {
		return r.listenAddr
	}
	return r.server.Addr()
}

// Start binds the acceptor listener so that callers observe bind errors
// before Run. Optional: Run binds on demand.
func (r *Runner) Start() error {
	if !r.hasAcceptors() {
		return nil
	}
	r.server = transport.NewServer(r.listenAddr, r.handleInbound, r.log)
	return r.server.Listen()
}

// Run blocks until ctx is done and every session has wound down.
func (r *Runner) Run(ctx context.Context) error {
	if r.server == nil && r.hasAcceptors() {
		if err := r.Start(); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	if r.server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.server.Serve(ctx); err != nil {
				r.log.Error("acceptor stopped", zap.Error(err))
			}
		}()
	}

	for _, settings := range r.sessions {
		if !settings.Initiator {
			continue
		}
		wg.Add(1)
		go func(settings session.Settings) {
			defer wg.Done()
			r.dialLoop(ctx, settings)
		}(settings)
	}

	wg.Wait()
	return nil
}

func (r *Runner) hasAcceptors() bool {
	for _, s := range r.sessions {
		if !s.Initiator {
			return true
		}
	}
	return false
}

// dialLoop keeps one initiator session connected until ctx is done.
func (r *Runner) dialLoop(ctx context.Context, settings session.Settings) {
	id := settings.SessionID()
	log := r.log.With(zap.String("session", id.String()))
	for {
		if err := r.runInitiator(ctx, settings); err != nil {
			log.Warn("session ended", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

func (r *Runner) runInitiator(ctx context.Context, settings session.Settings) error {
	conn, err := transport.Dial(ctx, settings.Address)
	if err != nil {
		return err
	}
	return r.runSession(ctx, settings, conn)
}

// handleInbound reads up to the first complete frame, routes the logon to
// the acceptor session with matching comp IDs, and runs an engine over
// the connection with the already-read bytes replayed first.
func (r *Runner) handleInbound(ctx context.Context, conn *transport.TCPConn) {
	remote := conn.RemoteAddr()
	logon, buffered, err := peekLogon(ctx, conn)
	if err != nil {
		r.log.Warn("rejecting connection", zap.String("remote", remote), zap.Error(err))
		conn.Close()
		return
	}

	settings, ok := r.matchAcceptor(logon)
	if !ok {
		r.log.Warn("no session for counterparty",
			zap.String("remote", remote),
			zap.String("sender", logon.SenderCompID()),
			zap.String("target", logon.TargetCompID()))
		conn.Close()
		return
	}

	replay := &replayTransport{pending: buffered, Transport: conn}
	if err := r.runSession(ctx, settings, replay); err != nil {
		r.log.Warn("session ended",
			zap.String("session", settings.SessionID().String()), zap.Error(err))
	}
}

// matchAcceptor finds the acceptor settings whose comp IDs mirror the
// inbound logon.
func (r *Runner) matchAcceptor(logon fix.Message) (session.Settings, bool) {
	for _, s := range r.sessions {
		if s.Initiator {
			continue
		}
		if s.SenderCompID == logon.TargetCompID() && s.TargetCompID == logon.SenderCompID() {
			return s, true
		}
	}
	return session.Settings{}, false
}

func (r *Runner) runSession(ctx context.Context, settings session.Settings, conn session.Transport) error {
	part, err := r.stores.Partition(settings.SessionID())
	if err != nil {
		conn.Close()
		return err
	}
	defer part.Close()

	engine, err := session.NewEngine(settings, part, conn, r.app, r.auth, r.log)
	if err != nil {
		conn.Close()
		return err
	}
	if err := r.registry.Register(engine); err != nil {
		conn.Close()
		return err
	}
	defer r.registry.Deregister(engine.ID())

	return engine.Run(ctx)
}

// peekLogon accumulates bytes until one complete frame decodes, and
// returns that message plus everything read so far.
func peekLogon(ctx context.Context, conn *transport.TCPConn) (fix.Message, []byte, error) {
	var buf []byte
	for {
		chunk, err := conn.ReadSome(ctx)
		if err != nil {
			return fix.Message{}, nil, err
		}
		buf = append(buf, chunk...)
		msg, _, err := fix.Decode(buf)
		if err == nil {
			if msg.MsgType() != fix.MsgTypeLogon {
				return fix.Message{}, nil, fmt.Errorf("first message is %q, want logon", msg.MsgType())
			}
			return msg, buf, nil
		}
		if !errors.Is(err, fix.ErrIncomplete) {
			return fix.Message{}, nil, err
		}
		if len(buf) > logonPeekLimit {
			return fix.Message{}, nil, fmt.Errorf("no complete logon in first %d bytes", len(buf))
		}
	}
}

// replayTransport hands back bytes consumed during routing before
// reading from the connection again.
type replayTransport struct {
	pending []byte
	session.Transport
}

func (t *replayTransport) ReadSome(ctx context.Context) ([]byte, error) {
	if len(t.pending) > 0 {
		out := t.pending
		t.pending = nil
		return out, nil
	}
	return t.Transport.ReadSome(ctx)
}
