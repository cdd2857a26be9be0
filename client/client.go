package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"

	"go.flipt.io/backhaul/internal/control"
	"go.flipt.io/backhaul/internal/target"
	"go.flipt.io/backhaul/internal/tunnel"
	"go.flipt.io/backhaul/pkg/protocol"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/net/http/httpguts"
)

// State is the lifecycle state of the control connection.
type State = control.State

const (
	StateIdle           = control.StateIdle
	StateConnecting     = control.StateConnecting
	StateAuthenticating = control.StateAuthenticating
	StateActive         = control.StateActive
	StateClosing        = control.StateClosing
	StateClosed         = control.StateClosed
	StateFailed         = control.StateFailed
)

// Client exposes a local target through a relay server.
// The zero value is not usable, construct one with New.
type Client struct {
	conf    control.Config
	logger  *slog.Logger
	manager *tunnel.Manager
	metrics metrics

	tunnelErrors *tunnelErrorDispatcher

	state     atomic.Int32
	wasActive atomic.Bool

	mu      sync.Mutex
	headers protocol.Headers
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New validates opts and returns a Client. It performs no I/O.
// Validation failures wrap ErrInvalidOptions.
func New(opts Options) (*Client, error) {
	serverURI, err := parseServerURI(opts.ServerURI)
	if err != nil {
		return nil, err
	}

	tgt, err := target.Parse(opts.TargetURI, opts.TargetUnixSocket)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}

	timeout := opts.ConnectTimeout
	switch {
	case timeout < 0:
		return nil, fmt.Errorf("%w: negative connect timeout", ErrInvalidOptions)
	case timeout == 0:
		timeout = DefaultConnectTimeout
	}

	keepAlive := opts.KeepAliveInterval
	if keepAlive == 0 {
		keepAlive = DefaultKeepAliveInterval
	}

	var headers protocol.Headers
	for _, h := range opts.Headers {
		if err := validateHeader(h.Name, h.Value); err != nil {
			return nil, err
		}

		headers.Set(h.Name, h.Value)
	}

	if opts.Authenticator != nil {
		if err := opts.Authenticator.Authenticate(context.Background(), &headers); err != nil {
			return nil, fmt.Errorf("%w: authenticating: %w", ErrInvalidOptions, err)
		}
	}

	logger := coallesce(opts.Logger, slog.Default()).With("server", serverURI.Redacted())

	meter := opts.Meter
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(meterName)
	}

	m, err := newMetrics(meter)
	if err != nil {
		return nil, err
	}

	c := &Client{
		logger:       logger,
		metrics:      m,
		headers:      headers,
		tunnelErrors: newTunnelErrorDispatcher(opts.TunnelErrorHandler),
	}

	c.conf = control.Config{
		ServerURI:         serverURI,
		TargetURI:         opts.TargetURI,
		Timeout:           timeout,
		KeepAliveInterval: keepAlive,
		TLSConfig:         opts.TLSConfig,
		QuicConfig:        coallesce(opts.QuicConfig, DefaultQuicConfig),
		Logger:            logger,
		OnState:           c.setState,
	}

	var onError func(*tunnel.Error)
	if c.tunnelErrors != nil {
		onError = c.tunnelErrors.onTunnelError
	}

	c.manager, err = tunnel.New(tunnel.Config{
		Forwarder: target.Dialer{Target: tgt, Timeout: timeout},
		Timeout:   timeout,
		OnError:   onError,
		Logger:    logger,
		Meter:     meter,
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

func parseServerURI(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: server uri required", ErrInvalidOptions)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing server uri: %w", ErrInvalidOptions, err)
	}

	switch u.Scheme {
	case "http", "https", "ws", "wss", "quic":
	default:
		return nil, fmt.Errorf("%w: unsupported server uri scheme %q", ErrInvalidOptions, u.Scheme)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("%w: server uri missing host", ErrInvalidOptions)
	}

	return u, nil
}

func validateHeader(name, value string) error {
	if !httpguts.ValidHeaderFieldName(name) {
		return fmt.Errorf("%w: invalid header name %q", ErrInvalidOptions, name)
	}

	if !httpguts.ValidHeaderFieldValue(value) {
		return fmt.Errorf("%w: invalid value for header %q", ErrInvalidOptions, name)
	}

	return nil
}

// SetConnectHeader sets a header sent with the control handshake, replacing
// any value for the same case-insensitive name. An empty value removes it.
// It returns ErrInvalidHandle once the transport has started or the Client is closed.
func (c *Client) SetConnectHeader(name, value string) error {
	if c == nil {
		return ErrInvalidHandle
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.started {
		return ErrInvalidHandle
	}

	if value == "" {
		if !httpguts.ValidHeaderFieldName(name) {
			return fmt.Errorf("%w: invalid header name %q", ErrInvalidOptions, name)
		}

		c.headers.Del(name)
		return nil
	}

	if err := validateHeader(name, value); err != nil {
		return err
	}

	c.headers.Set(name, value)

	return nil
}

// State returns the current state of the control connection.
func (c *Client) State() State {
	if c == nil {
		return StateIdle
	}

	return State(c.state.Load())
}

// TunnelCount returns the number of active tunnels.
func (c *Client) TunnelCount() int {
	if c == nil {
		return 0
	}

	return c.manager.Count()
}

// Transport connects to the server and forwards tunnels until the control
// connection ends. It may be called once per Client.
//
// A nil error is returned when the server closed the connection gracefully
// or Close was called. When ctx is cancelled the context error is returned.
// Otherwise the error wraps one of ErrConnectFailure, ErrConnectTimeout,
// ErrUnauthorized or ErrForbidden.
func (c *Client) Transport(ctx context.Context) error {
	if c == nil {
		return ErrInvalidHandle
	}

	ctx, err := c.begin(ctx)
	if err != nil {
		return err
	}

	defer c.finish()

	return c.run(ctx)
}

// TransportAsync starts Transport in the background and calls onCompleted
// exactly once with its outcome. Misuse is reported synchronously with
// InvalidHandle and onCompleted is not called.
// When onCompleted is nil it blocks like Transport and returns the outcome.
func (c *Client) TransportAsync(ctx context.Context, onCompleted func(ErrorCode)) ErrorCode {
	if onCompleted == nil {
		return Code(c.Transport(ctx))
	}

	if c == nil {
		return InvalidHandle
	}

	ctx, err := c.begin(ctx)
	if err != nil {
		return Code(err)
	}

	go func() {
		err := c.run(ctx)
		c.finish()

		onCompleted(Code(err))
	}()

	return NoError
}

// Close cancels an in-flight transport, waits for the control connection and
// every tunnel to shut down and invalidates the Client. Calls after the first
// return ErrInvalidHandle. It is safe to call from a TunnelErrorHandler.
func (c *Client) Close() error {
	if c == nil {
		return ErrInvalidHandle
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrInvalidHandle
	}

	c.closed = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		return nil
	}

	c.setState(StateClosed)

	return nil
}

func (c *Client) begin(ctx context.Context) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.started {
		return nil, ErrInvalidHandle
	}

	c.started = true
	c.conf.Headers = c.headers.Clone()

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	c.tunnelErrors.start()

	return ctx, nil
}

// finish releases Close before the remaining tunnel errors are delivered,
// so a handler blocked in Close does not hold up its own delivery.
func (c *Client) finish() {
	c.cancel()
	close(c.done)

	c.tunnelErrors.stop()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// connect establishes the control connection for a started run.
// It returns context.Canceled when the Client was closed while connecting.
func (c *Client) connect(ctx context.Context) (control.Session, error) {
	if _, ok := c.conf.Headers.Get(authorizationHeader); !ok {
		c.logger.Warn("No Authorization header configured, connecting without credentials")
	}

	c.logger.Debug("Connecting")

	session, err := control.Connect(ctx, c.conf)
	c.metrics.connects.Add(ctx, 1, metric.WithAttributes(codeKey.String(Code(err).String())))
	if err != nil {
		if c.isClosed() && errors.Is(err, context.Canceled) {
			c.setState(StateClosed)
			return nil, err
		}

		c.logger.Warn("Connecting to server", "error", err)
		return nil, err
	}

	c.logger.Info("Connected to server")

	return session, nil
}

// end closes session after the run served on it stopped with err and returns
// the outcome of the run. Once active a run always ends Closed, a failure
// is only carried by the returned error.
func (c *Client) end(session control.Session, err error) error {
	c.setState(StateClosing)
	_ = session.Close()

	switch {
	case errors.Is(err, io.EOF):
		c.logger.Info("Server closed the connection")
		err = nil
	case errors.Is(err, context.Canceled):
		if c.isClosed() {
			err = nil
		}

		c.logger.Info("Transport cancelled")
	default:
		c.logger.Warn("Control connection lost", "error", err)
	}

	c.setState(StateClosed)

	return err
}

func (c *Client) run(ctx context.Context) error {
	session, err := c.connect(ctx)
	if err != nil {
		if c.isClosed() && errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	}

	return c.end(session, c.manager.Serve(ctx, session))
}

func (c *Client) setState(s State) {
	if s == StateActive {
		c.wasActive.Store(true)
	}

	if prev := State(c.state.Swap(int32(s))); prev != s {
		c.logger.Debug("Control state changed", "from", prev, "to", s)
	}
}
