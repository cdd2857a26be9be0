// Package relaytest runs an in-process relay server for exercising clients
// against each supported control transport.
package relaytest

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"
	"go.flipt.io/backhaul/internal/auth"
	"go.flipt.io/backhaul/internal/control"
	"go.flipt.io/backhaul/pkg/protocol"
)

// ErrNotConnected is returned when no client holds a control connection.
var ErrNotConnected = errors.New("relaytest: no client connected")

// Mode selects the control transport served.
type Mode int

const (
	ModeUpgrade Mode = iota
	ModeWebSocket
	ModeQUIC
)

type Option func(*Server)

// WithMode configures the control transport. The default is ModeUpgrade.
func WithMode(m Mode) Option {
	return func(s *Server) {
		s.mode = m
	}
}

// WithAuthenticator rejects handshakes the authenticator does not accept.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(s *Server) {
		s.authenticator = a
	}
}

// WithBearerHash accepts bearer tokens whose sha256 sum is the hex encoded hash.
func WithBearerHash(hash string) Option {
	return func(s *Server) {
		handler, err := auth.HandleBearerHashed(hash)
		if err != nil {
			s.optErr = fmt.Errorf("relaytest: bearer hash: %w", err)
			return
		}

		s.authenticator = auth.Authenticator{"Bearer": handler}
	}
}

// Server is a relay which accepts a single client control connection at a time
// and lets tests issue tunnels on it.
type Server struct {
	// URL is the server URI a client should connect to.
	URL *url.URL
	// TLSConfig is a client TLS configuration accepting the server certificate.
	TLSConfig *tls.Config

	mode          Mode
	authenticator auth.Authenticator
	optErr        error

	httpServer *httptest.Server
	listener   *quic.Listener
	cancel     context.CancelFunc

	handshakes chan http.Header
	lines      chan string

	mu       sync.Mutex
	signal   net.Conn
	quicConn quic.Connection
	pending  map[string]chan net.Conn

	// wmu serializes writes to signal
	wmu sync.Mutex
}

// New starts a Server which is closed when the test finishes.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()

	s := &Server{
		handshakes: make(chan http.Header, 8),
		lines:      make(chan string, 64),
		pending:    map[string]chan net.Conn{},
	}

	for _, opt := range opts {
		opt(s)
	}

	require.NoError(t, s.optErr)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	switch s.mode {
	case ModeQUIC:
		listener, err := quic.ListenAddr("127.0.0.1:0", generateTLSConfig(), &quic.Config{
			MaxIdleTimeout:  5 * time.Second,
			KeepAlivePeriod: time.Second,
		})
		require.NoError(t, err)

		s.listener = listener
		s.URL = &url.URL{Scheme: "quic", Host: listener.Addr().String()}
		s.TLSConfig = &tls.Config{InsecureSkipVerify: true}

		go s.serveQUIC(ctx)
	default:
		s.httpServer = httptest.NewServer(s)

		u, err := url.Parse(s.httpServer.URL)
		require.NoError(t, err)

		if s.mode == ModeWebSocket {
			u.Scheme = "ws"
		}

		s.URL = u
	}

	t.Cleanup(s.Close)

	return s
}

// WaitConnected blocks until a client completed the control handshake and
// returns the headers it presented.
func (s *Server) WaitConnected(ctx context.Context) (http.Header, error) {
	select {
	case header := <-s.handshakes:
		return header, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Lines returns the lines the client wrote on the signal stream.
func (s *Server) Lines() <-chan string {
	return s.lines
}

// Signal writes a raw line onto the signal stream.
func (s *Server) Signal(line string) error {
	s.mu.Lock()
	signal := s.signal
	s.mu.Unlock()

	if signal == nil {
		return ErrNotConnected
	}

	return s.writeSignal(signal, []byte(line+"\r\n"))
}

// OpenTunnel issues a tunnel and waits for the client to attach to it.
func (s *Server) OpenTunnel(ctx context.Context) (net.Conn, error) {
	id, err := s.Announce(ctx)
	if err != nil {
		return nil, err
	}

	return s.AwaitTunnel(ctx, id)
}

// Announce issues a new tunnel to the connected client and returns its id.
func (s *Server) Announce(ctx context.Context) (string, error) {
	id := uuid.NewString()
	ch := make(chan net.Conn, 1)

	s.mu.Lock()
	s.pending[id] = ch
	signal, qconn := s.signal, s.quicConn
	s.mu.Unlock()

	if s.mode == ModeQUIC {
		if qconn == nil {
			return "", ErrNotConnected
		}

		stream, err := qconn.OpenStreamSync(ctx)
		if err != nil {
			return "", fmt.Errorf("opening tunnel stream: %w", err)
		}

		enc := protocol.NewEncoder[protocol.TunnelOpen](stream)
		defer enc.Close()

		if err := enc.Encode(&protocol.TunnelOpen{ID: id}); err != nil {
			return "", fmt.Errorf("encoding tunnel open: %w", err)
		}

		ch <- &streamConn{Stream: stream, local: qconn.LocalAddr(), remote: qconn.RemoteAddr()}

		return id, nil
	}

	if signal == nil {
		return "", ErrNotConnected
	}

	if err := s.writeSignal(signal, []byte(id+"\r\n")); err != nil {
		return "", err
	}

	return id, nil
}

// StallTunnel opens a QUIC tunnel stream which never completes its header.
// The stream is reset when ctx is done.
func (s *Server) StallTunnel(ctx context.Context) error {
	s.mu.Lock()
	qconn := s.quicConn
	s.mu.Unlock()

	if s.mode != ModeQUIC || qconn == nil {
		return ErrNotConnected
	}

	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("opening tunnel stream: %w", err)
	}

	var buf bytes.Buffer
	enc := protocol.NewEncoder[protocol.TunnelOpen](&buf)
	defer enc.Close()

	if err := enc.Encode(&protocol.TunnelOpen{ID: uuid.NewString()}); err != nil {
		return fmt.Errorf("encoding tunnel open: %w", err)
	}

	// only the first byte, so the peer sees the stream but never the header
	if _, err := stream.Write(buf.Bytes()[:1]); err != nil {
		return err
	}

	context.AfterFunc(ctx, func() {
		stream.CancelWrite(quic.StreamErrorCode(protocol.ApplicationError))
	})

	return nil
}

// AwaitTunnel waits for the client to attach the server side of tunnel id.
func (s *Server) AwaitTunnel(ctx context.Context, id string) (net.Conn, error) {
	s.mu.Lock()
	ch, ok := s.pending[id]
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("relaytest: unknown tunnel %q", id)
	}

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	select {
	case conn := <-ch:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect gracefully closes the current control connection.
func (s *Server) Disconnect() {
	s.mu.Lock()
	signal, qconn := s.signal, s.quicConn
	s.signal, s.quicConn = nil, nil
	s.mu.Unlock()

	if signal != nil {
		_ = signal.Close()
	}

	if qconn != nil {
		_ = qconn.CloseWithError(protocol.ApplicationOK, "server closing")
	}
}

// Abort closes the current QUIC control connection with an application error.
func (s *Server) Abort() error {
	s.mu.Lock()
	qconn := s.quicConn
	s.quicConn = nil
	s.mu.Unlock()

	if qconn == nil {
		return ErrNotConnected
	}

	return qconn.CloseWithError(protocol.ApplicationError, "server aborting")
}

// Close disconnects the client and stops the server.
func (s *Server) Close() {
	s.cancel()
	s.Disconnect()

	if s.listener != nil {
		_ = s.listener.Close()
	}

	if s.httpServer != nil {
		s.httpServer.Close()
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(r.URL.Path, "/")
	if id == "" {
		s.serveControl(w, r)
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[id]
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	conn, err := s.upgrade(w, r)
	if err != nil {
		return
	}

	select {
	case ch <- conn:
	default:
		_ = conn.Close()
	}
}

func (s *Server) serveControl(w http.ResponseWriter, r *http.Request) {
	if err := s.authenticator.Authenticate(r.Header.Get("Authorization")); err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrForbidden) {
			status = http.StatusForbidden
		}

		http.Error(w, err.Error(), status)
		return
	}

	conn, err := s.upgrade(w, r)
	if err != nil {
		return
	}

	s.mu.Lock()
	old := s.signal
	s.signal = conn
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	go s.readSignal(conn)

	s.notifyConnected(r.Header.Clone())
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (net.Conn, error) {
	if s.mode == ModeWebSocket {
		upgrader := websocket.Upgrader{Subprotocols: []string{protocol.Upgrade}}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return nil, err
		}

		return control.NewWebSocketConn(ws), nil
	}

	if !strings.EqualFold(r.Header.Get("Upgrade"), protocol.Upgrade) {
		http.Error(w, "upgrade required", http.StatusUpgradeRequired)
		return nil, errors.New("missing upgrade header")
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking unsupported", http.StatusInternalServerError)
		return nil, errors.New("hijacking unsupported")
	}

	conn, rw, err := hj.Hijack()
	if err != nil {
		return nil, err
	}

	_, _ = rw.WriteString("HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: " + protocol.Upgrade + "\r\n\r\n")
	if err := rw.Flush(); err != nil {
		conn.Close()
		return nil, err
	}

	return &bufferedConn{Conn: conn, rd: rw.Reader}, nil
}

func (s *Server) readSignal(conn net.Conn) {
	rd := bufio.NewReader(conn)
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return
		}

		text := strings.TrimRight(line, "\r\n")
		if text == protocol.Ping {
			_ = s.writeSignal(conn, protocol.PongLine)
		}

		select {
		case s.lines <- text:
		default:
		}
	}
}

func (s *Server) writeSignal(conn net.Conn, p []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	_, err := conn.Write(p)
	return err
}

func (s *Server) notifyConnected(header http.Header) {
	select {
	case s.handshakes <- header:
	default:
	}
}

func (s *Server) serveQUIC(ctx context.Context) {
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			return
		}

		go s.registerQUIC(ctx, conn)
	}
}

func (s *Server) registerQUIC(ctx context.Context, conn quic.Connection) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(protocol.ApplicationError, "expected register stream")
		return
	}

	defer stream.Close()

	dec := protocol.NewDecoder[protocol.RegisterListenerRequest](stream)
	defer dec.Close()

	req, err := dec.Decode()
	if err != nil {
		_ = conn.CloseWithError(protocol.ApplicationError, "decoding register listener request")
		return
	}

	header := http.Header{}
	for k, v := range req.Metadata {
		header.Set(k, v)
	}

	resp := &protocol.RegisterListenerResponse{Version: protocol.Version, Code: protocol.CodeOK}
	if err := s.authenticator.Authenticate(header.Get("Authorization")); err != nil {
		resp.Code = protocol.CodeUnauthorized
		if errors.Is(err, auth.ErrForbidden) {
			resp.Code = protocol.CodeForbidden
		}

		resp.Body = []byte(err.Error())
	}

	enc := protocol.NewEncoder[protocol.RegisterListenerResponse](stream)
	defer enc.Close()

	if err := enc.Encode(resp); err != nil {
		_ = conn.CloseWithError(protocol.ApplicationError, "encoding register listener response")
		return
	}

	if resp.Code != protocol.CodeOK {
		return
	}

	s.mu.Lock()
	old := s.quicConn
	s.quicConn = conn
	s.mu.Unlock()

	if old != nil {
		_ = old.CloseWithError(protocol.ApplicationOK, "replaced")
	}

	s.notifyConnected(header)
}

type bufferedConn struct {
	net.Conn
	rd *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.rd.Read(p)
}

type streamConn struct {
	quic.Stream

	local, remote net.Addr
}

func (c *streamConn) LocalAddr() net.Addr { return c.local }

func (c *streamConn) RemoteAddr() net.Addr { return c.remote }

func (c *streamConn) Close() error {
	c.Stream.CancelRead(quic.StreamErrorCode(protocol.ApplicationOK))
	return c.Stream.Close()
}

func generateTLSConfig() *tls.Config {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		panic(err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		panic(err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{protocol.Name},
	}
}
