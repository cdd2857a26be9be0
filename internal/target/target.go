// Package target dials the local service that tunnels are forwarded to.
package target

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"
)

var (
	// ErrConnectFailure is returned when the target refused the connection or
	// could not be resolved.
	ErrConnectFailure = errors.New("target connect failure")
	// ErrConnectTimeout is returned when the target did not accept the
	// connection within the connect timeout.
	ErrConnectTimeout = errors.New("target connect timeout")
)

// Target describes the local service. UnixSocket takes precedence over URI
// when both are configured.
type Target struct {
	URI        *url.URL
	UnixSocket string
}

// Parse validates the target configuration.
// At least one of uri or socket must be non-empty. A non-empty uri must be an
// absolute http or https URI.
func Parse(uri, socket string) (Target, error) {
	if uri == "" && socket == "" {
		return Target{}, errors.New("target uri or unix socket must be provided")
	}

	t := Target{UnixSocket: socket}
	if uri == "" {
		return t, nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return Target{}, fmt.Errorf("parsing target uri: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return Target{}, fmt.Errorf("target uri scheme must be http or https: %q", u.Scheme)
	}

	if u.Hostname() == "" {
		return Target{}, fmt.Errorf("target uri host must be non-empty: %q", uri)
	}

	t.URI = u

	return t, nil
}

// Network returns the network and address passed to the dialer.
func (t Target) Network() (network, address string) {
	if t.UnixSocket != "" {
		return "unix", t.UnixSocket
	}

	port := t.URI.Port()
	if port == "" {
		port = "80"
		if t.URI.Scheme == "https" {
			port = "443"
		}
	}

	return "tcp", net.JoinHostPort(t.URI.Hostname(), port)
}

func (t Target) String() string {
	if t.UnixSocket != "" {
		return "unix:" + t.UnixSocket
	}

	return t.URI.String()
}

// Dialer opens connections to a Target.
// Dialer performs no retries; a failed open is reported to the caller.
type Dialer struct {
	Target  Target
	Timeout time.Duration
}

// Open connects to the target within the dialer timeout or the deadline of ctx,
// whichever comes first. Failures wrap ErrConnectFailure or ErrConnectTimeout.
// When ctx itself is cancelled the context error is returned unwrapped.
func (d Dialer) Open(ctx context.Context) (net.Conn, error) {
	network, address := d.Target.Network()

	dialCtx := ctx
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, network, address)
	if err == nil {
		return conn, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
		return nil, ctxErr
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectTimeout, address, err)
	}

	return nil, fmt.Errorf("%w: %s: %w", ErrConnectFailure, address, err)
}
