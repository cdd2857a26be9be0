// Package control establishes and drives the authenticated control connection
// between the client and the relay server.
//
// A control connection is opened with Connect. Once the server acknowledges the
// handshake the returned Session yields one Request per tunnel the server asks
// for, in the order the server issued them, until the server closes the
// connection.
package control

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/quic-go/quic-go"
	"go.flipt.io/backhaul/pkg/protocol"
)

var (
	// ErrConnectFailure is returned when the server could not be reached or the
	// connection broke.
	ErrConnectFailure = errors.New("connect failure")
	// ErrConnectTimeout is returned when the handshake was not acknowledged in
	// time or the keep-alive expired.
	ErrConnectTimeout = errors.New("connect timeout")
	// ErrUnauthorized is returned when the server rejected the credentials.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden is returned when the credentials were accepted but access
	// was denied.
	ErrForbidden = errors.New("forbidden")
)

// keepAliveGrace is added to the keep-alive interval to obtain the read timeout
// on the signal stream.
const keepAliveGrace = 10 * time.Second

// State is the lifecycle state of a control connection.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}

	return "unknown"
}

// Config is the immutable configuration of a single control connection.
type Config struct {
	// ServerURI is the relay address. Supported schemes are http, https, ws, wss and quic.
	ServerURI *url.URL
	// TargetURI is advertised to the server when non-empty.
	TargetURI string
	// Headers are sent with the handshake. Entries override TargetURI on name clash.
	Headers protocol.Headers
	// Timeout bounds connecting and awaiting the acknowledgment.
	Timeout time.Duration
	// KeepAliveInterval is the PING period on the signal stream. Zero or less disables it.
	KeepAliveInterval time.Duration

	TLSConfig  *tls.Config
	QuicConfig *quic.Config
	Logger     *slog.Logger

	// OnState, when set, observes state transitions made while connecting.
	OnState func(State)
}

func (c *Config) setState(s State) {
	if c.OnState != nil {
		c.OnState(s)
	}
}

func (c *Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}

	return c.Logger
}

// Session is an active control connection.
type Session interface {
	// Accept blocks until the server opens the next tunnel.
	// It returns io.EOF once the server closed the connection gracefully and the
	// context error when ctx is done.
	Accept(ctx context.Context) (*Request, error)
	// Close releases the control connection and unblocks Accept.
	Close() error
}

// Request is a server issued tunnel-open notification.
type Request struct {
	// ID is the tunnel identifier assigned by the server.
	ID string

	open    func(context.Context) (net.Conn, error)
	discard func()
}

// NewRequest returns a Request whose Open delegates to open.
// discard, when non-nil, releases server resources held for a request that is never opened.
func NewRequest(id string, open func(context.Context) (net.Conn, error), discard func()) *Request {
	return &Request{ID: id, open: open, discard: discard}
}

// Open returns the server side stream of the tunnel.
func (r *Request) Open(ctx context.Context) (net.Conn, error) {
	return r.open(ctx)
}

// Discard abandons the request without opening it.
func (r *Request) Discard() {
	if r.discard != nil {
		r.discard()
	}
}

// Connect dials the server described by conf, performs the handshake and
// returns the active Session.
//
// Failures wrap one of ErrConnectFailure, ErrConnectTimeout, ErrUnauthorized or
// ErrForbidden. When ctx is cancelled the context error is returned as is.
func Connect(ctx context.Context, conf Config) (_ Session, err error) {
	conf.setState(StateConnecting)
	defer func() {
		if err != nil {
			conf.setState(StateFailed)
			return
		}

		conf.setState(StateActive)
	}()

	if conf.ServerURI == nil {
		return nil, fmt.Errorf("%w: server uri required", ErrConnectFailure)
	}

	switch conf.ServerURI.Scheme {
	case "http", "https":
		return connectSignal(ctx, conf, upgradeDialer{tlsConfig: conf.TLSConfig})
	case "ws", "wss":
		return connectSignal(ctx, conf, websocketDialer{tlsConfig: conf.TLSConfig})
	case "quic":
		return connectQUIC(ctx, conf)
	}

	return nil, fmt.Errorf("%w: unsupported server scheme %q", ErrConnectFailure, conf.ServerURI.Scheme)
}

// handshakeHeader builds the header sent on the control handshake.
func handshakeHeader(conf Config) http.Header {
	header := conf.Headers.HTTP()
	if conf.TargetURI != "" && header.Get(protocol.TargetURIHeader) == "" {
		header.Set(protocol.TargetURIHeader, conf.TargetURI)
	}

	return header
}

// statusError classifies a non-successful handshake response status.
func statusError(status int, reason string) error {
	switch status {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: server responded %d %s", ErrUnauthorized, status, reason)
	case http.StatusForbidden:
		return fmt.Errorf("%w: server responded %d %s", ErrForbidden, status, reason)
	}

	return fmt.Errorf("%w: unexpected response status %d %s", ErrConnectFailure, status, reason)
}

// classify maps a dial or handshake error onto the connect error taxonomy.
// ctx is the caller context and dialCtx the timeout bounded context derived from it.
func classify(ctx, dialCtx context.Context, err error) error {
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
		return ctxErr
	}

	for _, known := range []error{ErrUnauthorized, ErrForbidden, ErrConnectTimeout, ErrConnectFailure} {
		if errors.Is(err, known) {
			return err
		}
	}

	var netErr net.Error
	if errors.Is(dialCtx.Err(), context.DeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", ErrConnectTimeout, err)
	}

	return fmt.Errorf("%w: %w", ErrConnectFailure, err)
}

// hostPort returns the dial address of u using def when no port is present.
func hostPort(u *url.URL, def string) string {
	port := u.Port()
	if port == "" {
		port = def
	}

	return net.JoinHostPort(u.Hostname(), port)
}

func defaultPort(scheme string) string {
	switch scheme {
	case "https", "wss":
		return "443"
	case "quic":
		return "7171"
	}

	return "80"
}

// tlsConfigFor clones base and fills ServerName from u when unset.
func tlsConfigFor(base *tls.Config, u *url.URL, nextProtos ...string) *tls.Config {
	conf := &tls.Config{}
	if base != nil {
		conf = base.Clone()
	}

	if conf.ServerName == "" {
		conf.ServerName = u.Hostname()
	}

	if len(nextProtos) > 0 {
		conf.NextProtos = nextProtos
	}

	return conf
}
