// Package transport adapts raw network connections to the byte-stream
// interface the session engine reads from.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
)

const (
	defaultDialTimeout = 10 * time.Second
	readPollInterval   = 250 * time.Millisecond
	readBufferSize     = 64 * 1024
)

// TCPConn wraps a net.Conn so reads honor a context. The underlying
// connection has no context support, so ReadSome polls with short
// deadlines and checks ctx between attempts.
type TCPConn struct {
	conn net.Conn
	buf  []byte
}

// NewTCPConn wraps an accepted or dialed connection.
func NewTCPConn(conn net.Conn) *TCPConn {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return &TCPConn{conn: conn, buf: make([]byte, readBufferSize)}
}

// Dial connects to a counterparty acceptor.
func Dial(ctx context.Context, address string) (*TCPConn, error) {
	d := net.Dialer{Timeout: defaultDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return NewTCPConn(conn), nil
}

// ReadSome returns the next chunk of bytes from the connection. It blocks
// until data arrives, the peer closes, or ctx is done.
func (c *TCPConn) ReadSome(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
			return nil, err
		}
		n, err := c.conn.Read(c.buf)
		if n > 0 {
			out := make([]byte, n)
			copy(out, c.buf[:n])
			return out, nil
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return nil, err
		}
	}
}

func (c *TCPConn) Write(p []byte) error {
	_, err := c.conn.Write(p)
	return err
}

func (c *TCPConn) Close() error { return c.conn.Close() }

// RemoteAddr reports the peer address for logging.
func (c *TCPConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// Server accepts inbound connections and hands each one to a handler.
type Server struct {
	address string
	log     *zap.Logger
	handler func(ctx context.Context, conn *TCPConn)

	listener net.Listener
}

// NewServer builds an acceptor listening on address. handler runs in its
// own goroutine per connection and owns the connection's lifetime.
func NewServer(address string, handler func(ctx context.Context, conn *TCPConn), log *zap.Logger) *Server {
	return &Server{address: address, handler: handler, log: log}
}

// Listen binds the listener. Separate from Serve so callers can report
// bind errors before starting the accept loop.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.address, err)
	}
	s.listener = ln
	s.log.Info("acceptor listening", zap.String("address", ln.Addr().String()))
	return nil
}

// Addr returns the bound address. Valid after Listen.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.address
	}
	return s.listener.Addr().String()
}

// Serve accepts connections until ctx is done. It always returns after
// the listener is closed.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}
		s.log.Info("connection accepted", zap.String("remote", conn.RemoteAddr().String()))
		go s.handler(ctx, NewTCPConn(conn))
	}
}
