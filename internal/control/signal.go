package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.flipt.io/backhaul/pkg/protocol"
)

// signalSession is a control connection carried by an upgraded byte stream.
// The server writes one line per event: a tunnel id, PING or PONG.
type signalSession struct {
	conn   net.Conn
	rd     *bufio.Reader
	dialer streamDialer
	conf   Config
	logger *slog.Logger

	readTimeout time.Duration

	// mu serializes writes to conn
	mu sync.Mutex

	once sync.Once
	done chan struct{}
}

func connectSignal(ctx context.Context, conf Config, dialer streamDialer) (*signalSession, error) {
	dialCtx, cancel := context.WithTimeout(ctx, conf.Timeout)
	defer cancel()

	conn, err := dialer.dial(dialCtx, conf.ServerURI, handshakeHeader(conf), func() {
		conf.setState(StateAuthenticating)
	})
	if err != nil {
		return nil, classify(ctx, dialCtx, err)
	}

	s := &signalSession{
		conn:   conn,
		rd:     bufio.NewReader(conn),
		dialer: dialer,
		conf:   conf,
		logger: conf.logger().With("server", conf.ServerURI.Redacted()),
		done:   make(chan struct{}),
	}

	if interval := conf.KeepAliveInterval; interval > 0 {
		s.readTimeout = interval + keepAliveGrace

		go s.keepAlive(interval)
	}

	return s, nil
}

func (s *signalSession) Accept(ctx context.Context) (*Request, error) {
	// closing the connection is the only way to unblock a pending read
	stop := context.AfterFunc(ctx, func() {
		_ = s.Close()
	})
	defer stop()

	for {
		if s.readTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		}

		line, err := s.rd.ReadString('\n')
		if err != nil {
			return nil, s.readError(ctx, err)
		}

		text := strings.TrimRight(line, "\r\n")
		switch text {
		case protocol.Ping:
			s.logger.Debug("Received PING, replying PONG")
			if err := s.write(protocol.PongLine); err != nil {
				return nil, s.readError(ctx, err)
			}

			continue
		case protocol.Pong:
			s.logger.Debug("Received PONG")
			continue
		}

		if _, err := uuid.Parse(text); err != nil {
			s.logger.Debug("Ignoring unexpected signal line", "line", text)
			continue
		}

		id := text

		return NewRequest(id, func(ctx context.Context) (net.Conn, error) {
			return s.openTunnel(ctx, id)
		}, nil), nil
	}
}

func (s *signalSession) readError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	select {
	case <-s.done:
		return io.EOF
	default:
	}

	if errors.Is(err, io.EOF) {
		return io.EOF
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: no keep-alive from server within %s", ErrConnectTimeout, s.readTimeout)
	}

	return fmt.Errorf("%w: reading signal stream: %w", ErrConnectFailure, err)
}

// openTunnel dials the server side stream of the tunnel identified by id.
// The tunnel handshake carries no credentials.
func (s *signalSession) openTunnel(ctx context.Context, id string) (net.Conn, error) {
	u := s.conf.ServerURI.JoinPath(id)

	conn, err := s.dialer.dial(ctx, u, http.Header{}, nil)
	if err != nil {
		return nil, classify(ctx, ctx, err)
	}

	return conn, nil
}

func (s *signalSession) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.logger.Debug("Sending PING")
			if err := s.write(protocol.PingLine); err != nil {
				s.logger.Debug("Stopping keep-alive", "error", err)
				return
			}
		}
	}
}

func (s *signalSession) write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Write(p)
	return err
}

func (s *signalSession) Close() (err error) {
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})

	return err
}
