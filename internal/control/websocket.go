package control

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.flipt.io/backhaul/pkg/protocol"
)

// websocketDialer performs a WebSocket handshake negotiating the protocol.Upgrade subprotocol.
type websocketDialer struct {
	tlsConfig *tls.Config
}

func (d websocketDialer) dial(ctx context.Context, u *url.URL, header http.Header, connected func()) (net.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:           http.ProxyFromEnvironment,
		Subprotocols:    []string{protocol.Upgrade},
		TLSClientConfig: tlsConfigFor(d.tlsConfig, u),
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var dialer net.Dialer
			conn, err := dialer.DialContext(ctx, network, addr)
			if err == nil && connected != nil {
				connected()
			}

			return conn, err
		},
	}

	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, statusError(resp.StatusCode, http.StatusText(resp.StatusCode))
		}

		return nil, fmt.Errorf("websocket handshake: %w", err)
	}

	return &websocketConn{Conn: ws}, nil
}

// websocketConn exposes a WebSocket connection as a byte stream.
// Each Write is sent as one binary message; reads span message boundaries.
type websocketConn struct {
	*websocket.Conn

	rd io.Reader
}

func (c *websocketConn) Read(p []byte) (int, error) {
	for {
		if c.rd == nil {
			_, rd, err := c.Conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}

				return 0, err
			}

			c.rd = rd
		}

		n, err := c.rd.Read(p)
		if errors.Is(err, io.EOF) {
			c.rd = nil
			if n > 0 {
				return n, nil
			}

			continue
		}

		return n, err
	}
}

func (c *websocketConn) Write(p []byte) (int, error) {
	if err := c.Conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}

	return len(p), nil
}

func (c *websocketConn) SetDeadline(t time.Time) error {
	if err := c.Conn.SetReadDeadline(t); err != nil {
		return err
	}

	return c.Conn.SetWriteDeadline(t)
}

func (c *websocketConn) Close() error {
	_ = c.Conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)

	return c.Conn.Close()
}

// NewWebSocketConn exposes ws as a byte stream framed the same way the
// client frames its own WebSocket connections.
func NewWebSocketConn(ws *websocket.Conn) net.Conn {
	return &websocketConn{Conn: ws}
}
