package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.flipt.io/backhaul/internal/control"
)

// Listen connects to the server and returns a net.Listener yielding the
// server side stream of every tunnel the server opens, for serving in
// process instead of forwarding to a target. Listen shares the single run of
// the Client with Transport. Tunnels accepted this way are not counted by
// TunnelCount.
//
// Accept fails with an error wrapping net.ErrClosed once the listener or the
// Client is closed or the server closed the connection gracefully. Any other
// loss of the control connection is returned by Accept as is.
func (c *Client) Listen(ctx context.Context) (net.Listener, error) {
	if c == nil {
		return nil, ErrInvalidHandle
	}

	ctx, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}

	session, err := c.connect(ctx)
	if err != nil {
		c.finish()
		return nil, err
	}

	l := &listener{
		client:  c,
		session: session,
		addr:    addr(c.conf.ServerURI.Redacted()),
		conns:   make(chan net.Conn),
		done:    make(chan struct{}),
	}

	go l.serve(ctx)

	return l, nil
}

// addr is the listener address, the server URI tunnels arrive from.
type addr string

func (a addr) Network() string { return "backhaul" }

func (a addr) String() string { return string(a) }

type listener struct {
	client  *Client
	session control.Session
	addr    addr

	conns chan net.Conn

	// done is closed once serve returned, err holds its outcome
	done chan struct{}
	err  error
}

func (l *listener) serve(ctx context.Context) {
	var wg sync.WaitGroup

	defer func() {
		l.client.cancel()
		wg.Wait()

		close(l.done)
		l.client.finish()
	}()

	for {
		req, err := l.session.Accept(ctx)
		if err != nil {
			l.err = l.client.end(l.session, err)
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			l.open(ctx, req)
		}()
	}
}

// open hands the server side of req to Accept.
func (l *listener) open(ctx context.Context, req *control.Request) {
	openCtx, cancel := context.WithTimeout(ctx, l.client.conf.Timeout)
	defer cancel()

	conn, err := req.Open(openCtx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}

		l.client.logger.Warn("Tunnel failed", "tunnel_id", req.ID, "type", ServerTunnelFailure, "error", err)
		l.client.tunnelErrors.report(TunnelError{
			TunnelID: req.ID,
			Type:     ServerTunnelFailure,
			Message:  err.Error(),
		})

		return
	}

	select {
	case l.conns <- conn:
	case <-ctx.Done():
		_ = conn.Close()
	}
}

func (l *listener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
	}

	if l.err == nil || errors.Is(l.err, context.Canceled) || errors.Is(l.err, io.EOF) {
		return nil, fmt.Errorf("backhaul listener: %w", net.ErrClosed)
	}

	return nil, l.err
}

// Close stops accepting tunnels and closes the control connection.
// Tunnels carried by the control connection itself, as with QUIC, end with it.
func (l *listener) Close() error {
	l.client.cancel()
	<-l.done

	return nil
}

func (l *listener) Addr() net.Addr {
	return l.addr
}
