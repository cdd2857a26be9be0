package client

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.flipt.io/backhaul/internal/auth"
	"go.flipt.io/backhaul/internal/relaytest"
	"go.flipt.io/backhaul/pkg/protocol"
)

func Test_New_Validation(t *testing.T) {
	for _, test := range []struct {
		name string
		opts Options
	}{
		{name: "missing server uri", opts: Options{TargetURI: "http://localhost:8080"}},
		{name: "unsupported server scheme", opts: Options{ServerURI: "ftp://relay", TargetURI: "http://localhost:8080"}},
		{name: "server uri missing host", opts: Options{ServerURI: "https:///path", TargetURI: "http://localhost:8080"}},
		{name: "missing target", opts: Options{ServerURI: "https://relay"}},
		{name: "unsupported target scheme", opts: Options{ServerURI: "https://relay", TargetURI: "ws://localhost"}},
		{name: "negative timeout", opts: Options{ServerURI: "https://relay", TargetURI: "http://localhost", ConnectTimeout: -time.Second}},
		{name: "invalid header name", opts: Options{
			ServerURI: "https://relay",
			TargetURI: "http://localhost",
			Headers:   []protocol.Header{{Name: "bad header", Value: "v"}},
		}},
		{name: "invalid header value", opts: Options{
			ServerURI: "https://relay",
			TargetURI: "http://localhost",
			Headers:   []protocol.Header{{Name: "X-Value", Value: "line\nbreak"}},
		}},
	} {
		t.Run(test.name, func(t *testing.T) {
			c, err := New(test.opts)
			require.ErrorIs(t, err, ErrInvalidOptions)
			assert.Nil(t, c)
			assert.Equal(t, InvalidOptions, Code(err))
		})
	}
}

func Test_New_Defaults(t *testing.T) {
	c, err := New(Options{ServerURI: "wss://relay.example", TargetUnixSocket: "/run/app.sock"})
	require.NoError(t, err)

	assert.Equal(t, DefaultConnectTimeout, c.conf.Timeout)
	assert.Equal(t, 5*time.Second, c.conf.Timeout)
	assert.Equal(t, DefaultKeepAliveInterval, c.conf.KeepAliveInterval)
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, 0, c.TunnelCount())

	c, err = New(Options{
		ServerURI:         "quic://relay.example",
		TargetURI:         "http://localhost",
		ConnectTimeout:    time.Second,
		KeepAliveInterval: -1,
	})
	require.NoError(t, err)

	assert.Equal(t, time.Second, c.conf.Timeout)
	assert.Less(t, c.conf.KeepAliveInterval, time.Duration(0))
}

func Test_SetConnectHeader(t *testing.T) {
	var nilClient *Client
	require.ErrorIs(t, nilClient.SetConnectHeader("X-Name", "value"), ErrInvalidHandle)

	c, err := New(Options{
		ServerURI:     "http://relay.example",
		TargetURI:     "http://localhost",
		Authenticator: BearerAuthenticator("from-authenticator"),
		Headers:       []protocol.Header{{Name: "X-Remove", Value: "me"}},
	})
	require.NoError(t, err)

	require.NoError(t, c.SetConnectHeader("X-Name", "first"))
	require.NoError(t, c.SetConnectHeader("x-name", "second"))
	require.NoError(t, c.SetConnectHeader("authorization", "Bearer explicit"))
	require.NoError(t, c.SetConnectHeader("X-Remove", ""))

	require.ErrorIs(t, c.SetConnectHeader("bad name", "v"), ErrInvalidOptions)
	require.ErrorIs(t, c.SetConnectHeader("X-Bad", "a\r\nb"), ErrInvalidOptions)

	value, ok := c.headers.Get("X-Name")
	assert.True(t, ok)
	assert.Equal(t, "second", value)

	value, _ = c.headers.Get("Authorization")
	assert.Equal(t, "Bearer explicit", value)

	_, ok = c.headers.Get("X-Remove")
	assert.False(t, ok)

	require.NoError(t, c.Close())
	require.ErrorIs(t, c.SetConnectHeader("X-Name", "third"), ErrInvalidHandle)
	require.ErrorIs(t, c.Close(), ErrInvalidHandle)
	require.ErrorIs(t, c.Transport(context.Background()), ErrInvalidHandle)
	assert.Equal(t, StateClosed, c.State())
}

func Test_Transport_Tunnels(t *testing.T) {
	for _, mode := range []struct {
		name string
		mode relaytest.Mode
	}{
		{"upgrade", relaytest.ModeUpgrade},
		{"websocket", relaytest.ModeWebSocket},
		{"quic", relaytest.ModeQUIC},
	} {
		t.Run(mode.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			relay := relaytest.New(t,
				relaytest.WithMode(mode.mode),
				relaytest.WithBearerHash(sha256Hex("token")),
			)

			targetURI, listener := echoTarget(t)

			errs := &tunnelErrors{}
			c, err := New(Options{
				ServerURI:          relay.URL.String(),
				TargetURI:          targetURI,
				Authenticator:      BearerAuthenticator("token"),
				TLSConfig:          relay.TLSConfig,
				TunnelErrorHandler: TunnelErrorHandlerFunc(errs.add),
			})
			require.NoError(t, err)
			require.NoError(t, c.SetConnectHeader("X-Site", "one"))

			completed := make(chan ErrorCode, 1)
			require.Equal(t, NoError, c.TransportAsync(ctx, func(code ErrorCode) {
				completed <- code
			}))

			header, err := relay.WaitConnected(ctx)
			require.NoError(t, err)
			assert.Equal(t, "Bearer token", header.Get("Authorization"))
			assert.Equal(t, "one", header.Get("X-Site"))
			assert.Equal(t, targetURI, header.Get(protocol.TargetURIHeader))

			// second run on the same handle is rejected
			require.ErrorIs(t, c.Transport(ctx), ErrInvalidHandle)

			first, err := relay.OpenTunnel(ctx)
			require.NoError(t, err)
			defer first.Close()

			second, err := relay.OpenTunnel(ctx)
			require.NoError(t, err)
			defer second.Close()

			// target refuses from now on
			require.NoError(t, listener.Close())

			_, err = relay.Announce(ctx)
			require.NoError(t, err)

			assert.Eventually(t, func() bool { return len(errs.all()) > 0 }, 5*time.Second, 10*time.Millisecond)

			roundTrip(t, first, []byte("GET /first HTTP/1.1\r\nHost: a\r\n\r\n"))
			roundTrip(t, second, []byte{0x00, 0xff, 0x10, 0x80, '\r', '\n'})

			reported := errs.all()
			require.Len(t, reported, 1)
			assert.Equal(t, TargetConnectFailure, reported[0].Type)
			assert.NotEmpty(t, reported[0].TunnelID)

			assert.Equal(t, StateActive, c.State())
			assert.Equal(t, 2, c.TunnelCount())

			require.NoError(t, c.Close())

			select {
			case code := <-completed:
				assert.Equal(t, NoError, code)
			case <-ctx.Done():
				t.Fatal("transport did not complete")
			}

			assert.Equal(t, 0, c.TunnelCount())
			assert.Equal(t, StateClosed, c.State())

			for _, conn := range []net.Conn{first, second} {
				require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
				_, err := io.ReadAll(conn)
				assert.False(t, isTimeout(err), "server side of tunnel was not closed")
			}
		})
	}
}

func Test_Transport_Unauthorized(t *testing.T) {
	relay := relaytest.New(t,
		relaytest.WithAuthenticator(auth.Authenticator{"Basic": auth.HandleBasic("user", "pass")}),
	)

	c, err := New(Options{
		ServerURI:          relay.URL.String(),
		TargetURI:          "http://localhost:8080",
		Authenticator:      BasicAuthenticator("user", "wrong"),
		TunnelErrorHandler: TunnelErrorHandlerFunc(func(TunnelError) { t.Error("unexpected tunnel error") }),
	})
	require.NoError(t, err)

	err = c.Transport(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, ConnectUnauthorized, Code(err))
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, 0, c.TunnelCount())

	require.NoError(t, c.Close())
}

func Test_Transport_Forbidden(t *testing.T) {
	relay := relaytest.New(t,
		relaytest.WithMode(relaytest.ModeWebSocket),
		relaytest.WithAuthenticator(auth.Authenticator{"Bearer": auth.Forbid(auth.HandleBearer("token"))}),
	)

	c, err := New(Options{
		ServerURI:     relay.URL.String(),
		TargetURI:     "http://localhost:8080",
		Authenticator: BearerAuthenticator("token"),
	})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, ConnectForbid, c.TransportAsync(context.Background(), nil))
}

func Test_Transport_ServerRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	c, err := New(Options{
		ServerURI: "http://" + addr,
		TargetURI: "http://localhost:8080",
	})
	require.NoError(t, err)

	err = c.Transport(context.Background())
	require.ErrorIs(t, err, ErrConnectFailure)
	assert.Equal(t, ConnectFailure, Code(err))

	require.NoError(t, c.Close())
}

func Test_Transport_ServerClosed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	relay := relaytest.New(t)

	c, err := New(Options{
		ServerURI: relay.URL.String(),
		TargetURI: "http://localhost:8080",
	})
	require.NoError(t, err)
	defer c.Close()

	done := make(chan error, 1)
	go func() {
		done <- c.Transport(ctx)
	}()

	_, err = relay.WaitConnected(ctx)
	require.NoError(t, err)

	relay.Disconnect()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("transport did not return")
	}

	assert.Equal(t, StateClosed, c.State())
}

func Test_Transport_Cancelled(t *testing.T) {
	relay := relaytest.New(t)

	c, err := New(Options{
		ServerURI: relay.URL.String(),
		TargetURI: "http://localhost:8080",
	})
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- c.Transport(ctx)
	}()

	_, err = relay.WaitConnected(context.Background())
	require.NoError(t, err)

	cancel()

	err = <-done
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, NoError, Code(err))
}

func Test_TransportAsync_InvalidHandle(t *testing.T) {
	var nilClient *Client
	assert.Equal(t, InvalidHandle, nilClient.TransportAsync(context.Background(), func(ErrorCode) {
		t.Error("callback must not be called")
	}))

	c, err := New(Options{ServerURI: "http://relay.example", TargetURI: "http://localhost"})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	assert.Equal(t, InvalidHandle, c.TransportAsync(context.Background(), func(ErrorCode) {
		t.Error("callback must not be called")
	}))
}

func Test_Code(t *testing.T) {
	for _, test := range []struct {
		err  error
		code ErrorCode
	}{
		{nil, NoError},
		{io.EOF, NoError},
		{context.Canceled, NoError},
		{ErrInvalidHandle, InvalidHandle},
		{ErrInvalidOptions, InvalidOptions},
		{ErrUnauthorized, ConnectUnauthorized},
		{ErrForbidden, ConnectForbid},
		{ErrConnectTimeout, ConnectTimeout},
		{ErrConnectFailure, ConnectFailure},
		{errors.New("anything else"), ConnectFailure},
	} {
		t.Run(test.code.String(), func(t *testing.T) {
			assert.Equal(t, test.code, Code(test.err))
		})
	}

	assert.Equal(t, "ErrorCode(unknown)", ErrorCode(42).String())
}

func Test_Run_StopsWhenUnauthorized(t *testing.T) {
	relay := relaytest.New(t,
		relaytest.WithAuthenticator(auth.Authenticator{"Bearer": auth.HandleBearer("token")}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := Run(ctx, Options{
		ServerURI:     relay.URL.String(),
		TargetURI:     "http://localhost:8080",
		Authenticator: BearerAuthenticator("wrong"),
	})
	require.ErrorIs(t, err, ErrUnauthorized)
}

func Test_Run_Reconnects(t *testing.T) {
	relay := relaytest.New(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{
			ServerURI: relay.URL.String(),
			TargetURI: "http://localhost:8080",
		})
	}()

	_, err := relay.WaitConnected(ctx)
	require.NoError(t, err)

	relay.Disconnect()

	// a new client connects after the backoff
	_, err = relay.WaitConnected(ctx)
	require.NoError(t, err)

	cancel()
	require.NoError(t, <-done)
}

func Test_Close_FromTunnelErrorHandler(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	relay := relaytest.New(t)

	var c *Client

	closed := make(chan error, 1)
	c, err := New(Options{
		ServerURI: relay.URL.String(),
		TargetURI: refusedTarget(t),
		TunnelErrorHandler: TunnelErrorHandlerFunc(func(TunnelError) {
			closed <- c.Close()
		}),
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- c.Transport(ctx)
	}()

	_, err = relay.WaitConnected(ctx)
	require.NoError(t, err)

	_, err = relay.Announce(ctx)
	require.NoError(t, err)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("Close did not return inside the tunnel error handler")
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("transport did not return")
	}

	assert.Equal(t, StateClosed, c.State())
	require.ErrorIs(t, c.Close(), ErrInvalidHandle)
}

func Test_Transport_ControlLost(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	relay := relaytest.New(t, relaytest.WithMode(relaytest.ModeQUIC))

	c, err := New(Options{
		ServerURI: relay.URL.String(),
		TargetURI: "http://localhost:8080",
		TLSConfig: relay.TLSConfig,
	})
	require.NoError(t, err)
	defer c.Close()

	done := make(chan error, 1)
	go func() {
		done <- c.Transport(ctx)
	}()

	_, err = relay.WaitConnected(ctx)
	require.NoError(t, err)

	require.NoError(t, relay.Abort())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrConnectFailure)
	case <-ctx.Done():
		t.Fatal("transport did not return")
	}

	// the failure is carried by the error, an active run always ends closed
	assert.Equal(t, StateClosed, c.State())
}

func Test_Listen(t *testing.T) {
	for _, mode := range []struct {
		name string
		mode relaytest.Mode
	}{
		{"upgrade", relaytest.ModeUpgrade},
		{"websocket", relaytest.ModeWebSocket},
		{"quic", relaytest.ModeQUIC},
	} {
		t.Run(mode.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			relay := relaytest.New(t, relaytest.WithMode(mode.mode))

			c, err := New(Options{
				ServerURI: relay.URL.String(),
				TargetURI: "http://localhost:8080",
				TLSConfig: relay.TLSConfig,
			})
			require.NoError(t, err)
			defer c.Close()

			listener, err := c.Listen(ctx)
			require.NoError(t, err)
			assert.Equal(t, "backhaul", listener.Addr().Network())

			// one run per Client
			require.ErrorIs(t, c.Transport(ctx), ErrInvalidHandle)

			served := make(chan error, 1)
			go func() {
				served <- http.Serve(listener, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					fmt.Fprintf(w, "hello %s", r.URL.Path)
				}))
			}()

			for _, path := range []string{"/one", "/two"} {
				conn, err := relay.OpenTunnel(ctx)
				require.NoError(t, err)

				require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

				req, err := http.NewRequest(http.MethodGet, "http://relay"+path, nil)
				require.NoError(t, err)
				req.Close = true

				require.NoError(t, req.Write(conn))

				resp, err := http.ReadResponse(bufio.NewReader(conn), req)
				require.NoError(t, err)

				body, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				resp.Body.Close()
				conn.Close()

				assert.Equal(t, http.StatusOK, resp.StatusCode)
				assert.Equal(t, "hello "+path, string(body))
			}

			assert.Equal(t, StateActive, c.State())

			require.NoError(t, listener.Close())

			select {
			case err := <-served:
				require.ErrorIs(t, err, net.ErrClosed)
			case <-ctx.Done():
				t.Fatal("http.Serve did not return")
			}

			assert.Equal(t, StateClosed, c.State())
		})
	}
}

func Test_Listen_ServerClosed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	relay := relaytest.New(t)

	c, err := New(Options{
		ServerURI: relay.URL.String(),
		TargetURI: "http://localhost:8080",
	})
	require.NoError(t, err)

	listener, err := c.Listen(ctx)
	require.NoError(t, err)

	_, err = relay.WaitConnected(ctx)
	require.NoError(t, err)

	relay.Disconnect()

	_, err = listener.Accept()
	require.ErrorIs(t, err, net.ErrClosed)

	require.NoError(t, c.Close())
	require.NoError(t, listener.Close())
}

func Test_Listen_Unauthorized(t *testing.T) {
	relay := relaytest.New(t, relaytest.WithBearerHash(sha256Hex("token")))

	c, err := New(Options{
		ServerURI:     relay.URL.String(),
		TargetURI:     "http://localhost:8080",
		Authenticator: BearerAuthenticator("wrong"),
	})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Listen(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, StateFailed, c.State())
}

type tunnelErrors struct {
	mu   sync.Mutex
	errs []TunnelError
}

func (e *tunnelErrors) add(err TunnelError) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append(e.errs, err)
}

func (e *tunnelErrors) all() []TunnelError {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]TunnelError(nil), e.errs...)
}

func echoTarget(t *testing.T) (string, net.Listener) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}

			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()

	return "http://" + listener.Addr().String(), listener
}

func refusedTarget(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	return "http://" + addr
}

func sha256Hex(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func roundTrip(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()

	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	defer conn.SetDeadline(time.Time{})

	_, err := conn.Write(payload)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
