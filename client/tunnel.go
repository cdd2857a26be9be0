package client

import (
	"sync"

	"go.flipt.io/backhaul/internal/tunnel"
)

// TunnelErrorType classifies a per-tunnel failure.
type TunnelErrorType string

const (
	// TargetConnectFailure is reported when the local target refused or could not be reached.
	TargetConnectFailure TunnelErrorType = "TargetConnectFailure"
	// TargetConnectTimeout is reported when the local target did not accept in time.
	TargetConnectTimeout TunnelErrorType = "TargetConnectTimeout"
	// ServerTunnelFailure is reported when the server side of a tunnel could not be opened.
	ServerTunnelFailure TunnelErrorType = "ServerTunnelFailure"
	// RelayFailure is reported when relaying bytes failed mid-stream.
	RelayFailure TunnelErrorType = "RelayFailure"
)

// TunnelError describes a failed tunnel. The control connection and other
// tunnels are unaffected by it.
type TunnelError struct {
	TunnelID string
	Type     TunnelErrorType
	Message  string
}

func (e TunnelError) Error() string {
	return string(e.Type) + ": " + e.Message
}

// TunnelErrorHandler receives per-tunnel failures.
// Calls for a single Client are serialized on a goroutine of their own and
// may call Close.
type TunnelErrorHandler interface {
	HandleTunnelError(TunnelError)
}

// TunnelErrorHandlerFunc is a function which implements the TunnelErrorHandler interface
type TunnelErrorHandlerFunc func(TunnelError)

func (f TunnelErrorHandlerFunc) HandleTunnelError(e TunnelError) {
	f(e)
}

// tunnelErrorDispatcher delivers tunnel errors to the handler from a single
// goroutine of its own. Tunnels only enqueue, so a handler may call back into
// the Client, including Close, without waiting on the tunnel which failed.
type tunnelErrorDispatcher struct {
	handler TunnelErrorHandler

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []TunnelError
	stopped bool

	done chan struct{}
}

func newTunnelErrorDispatcher(h TunnelErrorHandler) *tunnelErrorDispatcher {
	if h == nil {
		return nil
	}

	d := &tunnelErrorDispatcher{
		handler: h,
		done:    make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)

	return d
}

func (d *tunnelErrorDispatcher) start() {
	if d == nil {
		return
	}

	go d.deliver()
}

func (d *tunnelErrorDispatcher) deliver() {
	defer close(d.done)

	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.stopped {
			d.cond.Wait()
		}

		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}

		e := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.handler.HandleTunnelError(e)
	}
}

// report enqueues a tunnel failure. It never blocks on the handler.
func (d *tunnelErrorDispatcher) report(e TunnelError) {
	if d == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	d.queue = append(d.queue, e)
	d.cond.Signal()
}

func (d *tunnelErrorDispatcher) onTunnelError(err *tunnel.Error) {
	d.report(TunnelError{
		TunnelID: err.TunnelID,
		Type:     tunnelErrorType(err.Type),
		Message:  err.Err.Error(),
	})
}

// stop delivers the queued errors and returns once the handler saw the last one.
// It must not be called from the handler.
func (d *tunnelErrorDispatcher) stop() {
	if d == nil {
		return
	}

	d.mu.Lock()
	d.stopped = true
	d.cond.Broadcast()
	d.mu.Unlock()

	<-d.done
}

func tunnelErrorType(t tunnel.ErrorType) TunnelErrorType {
	switch t {
	case tunnel.TargetConnectFailure:
		return TargetConnectFailure
	case tunnel.TargetConnectTimeout:
		return TargetConnectTimeout
	case tunnel.ServerTunnelFailure:
		return ServerTunnelFailure
	}

	return RelayFailure
}
