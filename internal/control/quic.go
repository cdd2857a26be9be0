package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.flipt.io/backhaul/pkg/protocol"
)

var (
	// DefaultQuicConfig is used for QUIC control connections when Config.QuicConfig is nil.
	DefaultQuicConfig = &quic.Config{
		MaxIdleTimeout:  20 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}
)

// quicSession is a control connection over QUIC where every tunnel is a
// server initiated stream.
//
// Streams are accepted in the background and each tunnel header is read on
// its own goroutine, so a stream which stalls before its header does not hold
// back the tunnels opened after it.
type quicSession struct {
	conn    quic.Connection
	timeout time.Duration
	logger  *slog.Logger

	requests chan *Request
	cancel   context.CancelFunc

	// done is closed once accepting streams failed with err
	done chan struct{}
	err  error

	once   sync.Once
	closed chan struct{}
}

func connectQUIC(ctx context.Context, conf Config) (*quicSession, error) {
	dialCtx, cancel := context.WithTimeout(ctx, conf.Timeout)
	defer cancel()

	quicConf := conf.QuicConfig
	if quicConf == nil {
		quicConf = DefaultQuicConfig
	}

	addr := hostPort(conf.ServerURI, defaultPort(conf.ServerURI.Scheme))

	conn, err := quic.DialAddr(dialCtx, addr, tlsConfigFor(conf.TLSConfig, conf.ServerURI, protocol.Name), quicConf)
	if err != nil {
		return nil, classify(ctx, dialCtx, fmt.Errorf("dialing %s: %w", addr, err))
	}

	conf.setState(StateAuthenticating)

	if err := register(dialCtx, conn, conf); err != nil {
		_ = conn.CloseWithError(protocol.ApplicationError, "registration failed")
		return nil, classify(ctx, dialCtx, err)
	}

	acceptCtx, acceptCancel := context.WithCancel(context.Background())

	s := &quicSession{
		conn:     conn,
		timeout:  conf.Timeout,
		logger:   conf.logger().With("server", conf.ServerURI.Redacted()),
		requests: make(chan *Request),
		cancel:   acceptCancel,
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}

	go s.acceptStreams(acceptCtx)

	return s, nil
}

// register sends the connect headers on a new stream and awaits the acknowledgment.
func register(ctx context.Context, conn quic.Connection, conf Config) error {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("opening register stream: %w", err)
	}

	defer stream.Close()

	stop := context.AfterFunc(ctx, func() {
		stream.CancelRead(quic.StreamErrorCode(protocol.ApplicationOK))
	})
	defer stop()

	metadata := conf.Headers.Metadata()
	if conf.TargetURI != "" {
		if _, ok := conf.Headers.Get(protocol.TargetURIHeader); !ok {
			metadata[protocol.TargetURIHeader] = conf.TargetURI
		}
	}

	enc := protocol.NewEncoder[protocol.RegisterListenerRequest](stream)
	defer enc.Close()

	if err := enc.Encode(&protocol.RegisterListenerRequest{
		Version:  protocol.Version,
		Metadata: metadata,
	}); err != nil {
		return fmt.Errorf("encoding register listener request: %w", err)
	}

	dec := protocol.NewDecoder[protocol.RegisterListenerResponse](bufio.NewReader(stream))
	defer dec.Close()

	resp, err := dec.Decode()
	if err != nil {
		return fmt.Errorf("decoding register listener response: %w", err)
	}

	switch resp.Code {
	case protocol.CodeOK:
		return nil
	case protocol.CodeUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, resp.Body)
	case protocol.CodeForbidden:
		return fmt.Errorf("%w: %s", ErrForbidden, resp.Body)
	}

	return fmt.Errorf("%w: unexpected response code: %s", ErrConnectFailure, resp.Code)
}

func (s *quicSession) Accept(ctx context.Context) (*Request, error) {
	select {
	case req := <-s.requests:
		return req, nil
	case <-s.done:
		return nil, s.acceptError(ctx, s.err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *quicSession) acceptStreams(ctx context.Context) {
	defer close(s.done)

	for {
		stream, err := s.conn.AcceptStream(ctx)
		if err != nil {
			s.err = err
			return
		}

		go s.readRequest(ctx, stream)
	}
}

// readRequest hands stream to Accept once its tunnel header arrived.
func (s *quicSession) readRequest(ctx context.Context, stream quic.Stream) {
	discard := func() {
		stream.CancelRead(quic.StreamErrorCode(protocol.ApplicationError))
		stream.CancelWrite(quic.StreamErrorCode(protocol.ApplicationError))
	}

	open, rd, err := s.readTunnelOpen(stream)
	if err != nil {
		s.logger.Debug("Discarding stream without tunnel header", "stream_id", stream.StreamID(), "error", err)
		discard()
		return
	}

	conn := &streamConn{
		Stream: stream,
		rd:     rd,
		local:  s.conn.LocalAddr(),
		remote: s.conn.RemoteAddr(),
	}

	req := NewRequest(open.ID, func(context.Context) (net.Conn, error) {
		return conn, nil
	}, discard)

	select {
	case s.requests <- req:
	case <-ctx.Done():
		discard()
	}
}

func (s *quicSession) readTunnelOpen(stream quic.Stream) (protocol.TunnelOpen, *bufio.Reader, error) {
	if s.timeout > 0 {
		_ = stream.SetReadDeadline(time.Now().Add(s.timeout))
		defer stream.SetReadDeadline(time.Time{})
	}

	rd := bufio.NewReader(stream)

	dec := protocol.NewDecoder[protocol.TunnelOpen](rd)
	defer dec.Close()

	open, err := dec.Decode()
	if err != nil {
		return open, nil, err
	}

	if open.ID == "" {
		return open, nil, errors.New("empty tunnel id")
	}

	return open, rd, nil
}

func (s *quicSession) acceptError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	select {
	case <-s.closed:
		return io.EOF
	default:
	}

	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.ErrorCode == protocol.ApplicationOK {
		return io.EOF
	}

	var idleErr *quic.IdleTimeoutError
	if errors.As(err, &idleErr) {
		return fmt.Errorf("%w: %w", ErrConnectTimeout, err)
	}

	return fmt.Errorf("%w: accepting stream: %w", ErrConnectFailure, err)
}

func (s *quicSession) Close() (err error) {
	s.once.Do(func() {
		close(s.closed)
		err = s.conn.CloseWithError(protocol.ApplicationOK, "client closing")
		s.cancel()
	})

	return err
}

// streamConn adapts a tunnel stream to net.Conn.
type streamConn struct {
	quic.Stream

	rd            *bufio.Reader
	local, remote net.Addr
}

// Read reports streams and connections closed by the peer with ApplicationOK as io.EOF.
func (c *streamConn) Read(p []byte) (int, error) {
	n, err := c.rd.Read(p)
	if err == nil {
		return n, nil
	}

	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) && streamErr.ErrorCode == quic.StreamErrorCode(protocol.ApplicationOK) {
		return n, io.EOF
	}

	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.ErrorCode == protocol.ApplicationOK {
		return n, io.EOF
	}

	return n, err
}

func (c *streamConn) LocalAddr() net.Addr { return c.local }

func (c *streamConn) RemoteAddr() net.Addr { return c.remote }

// Close aborts the receive side and closes the send side of the stream.
func (c *streamConn) Close() error {
	c.Stream.CancelRead(quic.StreamErrorCode(protocol.ApplicationOK))
	return c.Stream.Close()
}
