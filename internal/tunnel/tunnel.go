// Package tunnel pairs each server requested tunnel with a connection to the
// local target and relays bytes between them.
//
// Failures of a single tunnel are reported through Config.OnError and never
// end the control connection the tunnel was requested on.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.flipt.io/backhaul/internal/control"
	"go.flipt.io/backhaul/internal/synctyped"
	"go.flipt.io/backhaul/internal/target"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// ErrorType classifies a tunnel failure.
type ErrorType int

const (
	TargetConnectFailure ErrorType = iota + 1
	TargetConnectTimeout
	ServerTunnelFailure
	RelayFailure
)

func (t ErrorType) String() string {
	switch t {
	case TargetConnectFailure:
		return "target_connect_failure"
	case TargetConnectTimeout:
		return "target_connect_timeout"
	case ServerTunnelFailure:
		return "server_tunnel_failure"
	case RelayFailure:
		return "relay_failure"
	}

	return "unknown"
}

// Error is a failure local to one tunnel.
type Error struct {
	TunnelID string
	Type     ErrorType
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("tunnel %s: %s: %v", e.TunnelID, e.Type, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// State is the relay state of a tunnel.
type State int32

const (
	StateOpening State = iota
	StateRelaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	}

	return "unknown"
}

// Tunnel is one server requested forwarding session.
type Tunnel struct {
	ID        string
	CreatedAt time.Time

	state atomic.Int32
}

func (t *Tunnel) State() State {
	return State(t.state.Load())
}

func (t *Tunnel) setState(s State) {
	t.state.Store(int32(s))
}

// Forwarder opens connections to the local target.
type Forwarder interface {
	Open(ctx context.Context) (net.Conn, error)
}

// Config configures a Manager.
type Config struct {
	Forwarder Forwarder
	// Timeout bounds opening both ends of a tunnel, measured from the request.
	Timeout time.Duration
	// OnError receives tunnel failures. Calls are serialized.
	OnError func(*Error)
	Logger  *slog.Logger
	Meter   metric.Meter
}

// Manager supervises the tunnels of one control connection.
type Manager struct {
	forwarder Forwarder
	timeout   time.Duration
	onError   func(*Error)
	logger    *slog.Logger
	metrics   metrics

	tunnels synctyped.Map[*Tunnel]
	count   atomic.Int64

	// errMu serializes calls to onError
	errMu sync.Mutex
}

// New returns a Manager for conf.
func New(conf Config) (*Manager, error) {
	if conf.Forwarder == nil {
		return nil, errors.New("tunnel: forwarder required")
	}

	logger := conf.Logger
	if logger == nil {
		logger = slog.Default()
	}

	meter := conf.Meter
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(meterName)
	}

	m, err := newMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("registering tunnel metrics: %w", err)
	}

	return &Manager{
		forwarder: conf.Forwarder,
		timeout:   conf.Timeout,
		onError:   conf.OnError,
		logger:    logger,
		metrics:   m,
	}, nil
}

// Count returns the number of active tunnels.
func (m *Manager) Count() int {
	return int(m.count.Load())
}

// Tunnels returns a snapshot of the active tunnels.
func (m *Manager) Tunnels() (tunnels []*Tunnel) {
	m.tunnels.Range(func(_ string, t *Tunnel) bool {
		tunnels = append(tunnels, t)
		return true
	})

	return
}

// Serve accepts tunnel requests from session until Accept fails and returns
// that error. Before returning it closes every tunnel it started and waits
// for their relays to finish.
func (m *Manager) Serve(ctx context.Context, session control.Session) error {
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	for {
		req, err := session.Accept(ctx)
		if err != nil {
			return err
		}

		t := &Tunnel{ID: req.ID, CreatedAt: time.Now()}
		if _, loaded := m.tunnels.LoadOrStore(t.ID, t); loaded {
			req.Discard()
			m.report(t, ServerTunnelFailure, errors.New("duplicate tunnel id"))
			continue
		}

		m.count.Add(1)
		m.metrics.opened.Add(ctx, 1)
		m.metrics.active.Add(ctx, 1)

		m.logger.Debug("Tunnel requested", "tunnel_id", t.ID, "active", m.Count())

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer m.release(t)

			m.handle(ctx, t, req)
		}()
	}
}

func (m *Manager) handle(ctx context.Context, t *Tunnel, req *control.Request) {
	var (
		openCtx context.Context
		cancel  context.CancelFunc
	)
	if m.timeout > 0 {
		openCtx, cancel = context.WithDeadline(ctx, t.CreatedAt.Add(m.timeout))
	} else {
		openCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	targetConn, err := m.forwarder.Open(openCtx)
	if err != nil {
		req.Discard()

		if ctx.Err() != nil {
			return
		}

		typ := TargetConnectFailure
		if errors.Is(err, target.ErrConnectTimeout) || errors.Is(err, context.DeadlineExceeded) {
			typ = TargetConnectTimeout
		}

		m.report(t, typ, err)
		return
	}

	serverConn, err := req.Open(openCtx)
	if err != nil {
		_ = targetConn.Close()

		if ctx.Err() != nil {
			return
		}

		m.report(t, ServerTunnelFailure, err)
		return
	}

	t.setState(StateRelaying)

	closedBy, err := relay(ctx, serverConn, targetConn)
	if err != nil {
		m.report(t, RelayFailure, err)
		return
	}

	m.logger.Debug("Tunnel closed", "tunnel_id", t.ID, "closed_by", closedBy)
}

func (m *Manager) release(t *Tunnel) {
	t.setState(StateClosed)

	m.tunnels.Delete(t.ID)
	m.count.Add(-1)

	lifetime := time.Since(t.CreatedAt)

	// recorded after the serve context may have been cancelled
	ctx := context.Background()
	m.metrics.active.Add(ctx, -1)
	m.metrics.lifetime.Record(ctx, float64(lifetime)/1e6)

	m.logger.Debug("Tunnel released", "tunnel_id", t.ID, "lifetime", lifetime)
}

func (m *Manager) report(t *Tunnel, typ ErrorType, err error) {
	m.metrics.errors.Add(context.Background(), 1, metric.WithAttributes(errorTypeKey.String(typ.String())))

	m.logger.Warn("Tunnel failed", "tunnel_id", t.ID, "type", typ, "error", err)

	if m.onError == nil {
		return
	}

	m.errMu.Lock()
	defer m.errMu.Unlock()

	m.onError(&Error{TunnelID: t.ID, Type: typ, Err: err})
}
