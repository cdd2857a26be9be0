package client

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/quic-go/quic-go"
	"go.flipt.io/backhaul/internal/control"
	"go.flipt.io/backhaul/pkg/protocol"
	"go.opentelemetry.io/otel/metric"
	"k8s.io/apimachinery/pkg/util/wait"
)

var (
	// DefaultConnectTimeout bounds connecting to the server and to the target
	// when Options.ConnectTimeout is zero.
	DefaultConnectTimeout = 5 * time.Second

	// DefaultKeepAliveInterval is the signal stream PING period used when
	// Options.KeepAliveInterval is zero.
	DefaultKeepAliveInterval = 30 * time.Second

	// DefaultQuicConfig is the default configuration used for establishing
	// QUIC connections.
	DefaultQuicConfig = control.DefaultQuicConfig

	// DefaultBackoff is the backoff used by Run between transport attempts.
	// It is reset once an attempt reached the active state.
	DefaultBackoff = wait.Backoff{
		Steps:    10,
		Duration: 500 * time.Millisecond,
		Factor:   2.0,
		Jitter:   0.1,
		Cap:      30 * time.Second,
	}
)

// Options configures a Client.
type Options struct {
	// ServerURI is the address of the relay server.
	// Supported schemes are http, https, ws, wss and quic.
	ServerURI string

	// TargetURI is the http or https address of the local service requests
	// are forwarded to. It is also advertised to the server.
	TargetURI string

	// TargetUnixSocket is the path of a unix socket serving the local service.
	// It takes precedence over TargetURI for connecting.
	TargetUnixSocket string

	// ConnectTimeout bounds establishing the control connection and each
	// target connection. Zero selects DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// KeepAliveInterval is the PING period on the signal stream.
	// Zero selects DefaultKeepAliveInterval and a negative value disables keep-alive.
	KeepAliveInterval time.Duration

	// Headers are sent with the control handshake in order.
	// Names are case-insensitive and the last value for a name wins.
	Headers []protocol.Header

	// Authenticator adds credentials to the handshake headers when the
	// Client is created.
	Authenticator Authenticator

	// TLSConfig is used for https, wss and quic servers.
	TLSConfig *tls.Config

	// QuicConfig is used to configure QUIC connections.
	// See DefaultQuicConfig for the parameters used when this is nil.
	QuicConfig *quic.Config

	// Logger allows the caller to configure a custom *slog.Logger instance.
	// If not defined then the default instance returned by slog.Default is used.
	Logger *slog.Logger

	// Meter records client metrics. A noop meter is used when nil.
	Meter metric.Meter

	// TunnelErrorHandler receives per-tunnel failures.
	TunnelErrorHandler TunnelErrorHandler
}

func coallesce[T any](v, d *T) *T {
	if v == nil {
		return d
	}

	return v
}
