package control

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.flipt.io/backhaul/pkg/protocol"
)

// streamDialer opens a byte stream to the server for the control connection
// or for a single tunnel.
type streamDialer interface {
	// dial connects to u and completes the upgrade handshake.
	// connected, when non-nil, is called once the transport connection exists
	// and before the handshake request is sent.
	dial(ctx context.Context, u *url.URL, header http.Header, connected func()) (net.Conn, error)
}

// upgradeDialer performs an HTTP/1.1 Upgrade handshake over TCP or TLS.
type upgradeDialer struct {
	tlsConfig *tls.Config
}

func (d upgradeDialer) dial(ctx context.Context, u *url.URL, header http.Header, connected func()) (net.Conn, error) {
	addr := hostPort(u, defaultPort(u.Scheme))

	var (
		conn net.Conn
		err  error
	)
	if u.Scheme == "https" {
		dialer := &tls.Dialer{Config: tlsConfigFor(d.tlsConfig, u, "http/1.1")}
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		var dialer net.Dialer
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	if connected != nil {
		connected()
	}

	// unblock the handshake when ctx is done
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})

	rd, err := upgrade(conn, u, header)
	if !stop() || err != nil {
		conn.Close()
		if err == nil {
			err = ctx.Err()
		}

		return nil, err
	}

	return &bufferedConn{Conn: conn, rd: rd}, nil
}

// upgrade writes the upgrade request and reads the response.
// On success the returned reader holds any bytes the server sent after the response.
func upgrade(conn net.Conn, u *url.URL, header http.Header) (*bufio.Reader, error) {
	req := &http.Request{
		Method:     http.MethodGet,
		URL:        u,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header.Clone(),
		Host:       u.Host,
	}

	if req.Header == nil {
		req.Header = http.Header{}
	}

	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", protocol.Upgrade)

	if err := req.Write(conn); err != nil {
		return nil, fmt.Errorf("writing upgrade request: %w", err)
	}

	rd := bufio.NewReader(conn)
	resp, err := http.ReadResponse(rd, req)
	if err != nil {
		return nil, fmt.Errorf("reading upgrade response: %w", err)
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()

		reason := http.StatusText(resp.StatusCode)
		if len(body) > 0 {
			reason = fmt.Sprintf("%s: %q", reason, body)
		}

		return nil, statusError(resp.StatusCode, reason)
	}

	return rd, nil
}

// bufferedConn drains bytes buffered while reading the handshake response
// before reading from the underlying connection.
type bufferedConn struct {
	net.Conn
	rd *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.rd.Read(p)
}
