package protocol

import (
	"io"

	"github.com/quic-go/quic-go"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// Name is the ALPN identifier negotiated on QUIC control connections.
	Name = "backhaul-quic"

	// Upgrade is the protocol token sent in the HTTP/1.1 Upgrade header
	// and as the WebSocket subprotocol.
	Upgrade = "Backhaul"

	// TargetURIHeader carries the configured target URI on the control handshake.
	TargetURIHeader = "Backhaul-Target-Uri"

	Version uint8 = 1
)

// Signal stream lines. Every line is terminated by CRLF on the wire.
const (
	Ping = "PING"
	Pong = "PONG"
)

var (
	PingLine = []byte(Ping + "\r\n")
	PongLine = []byte(Pong + "\r\n")
)

type ResponseCode uint8

const (
	CodeOK ResponseCode = iota
	CodeBadRequest
	CodeUnauthorized
	CodeForbidden
	CodeServerError
)

func (c ResponseCode) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeBadRequest:
		return "BadRequest"
	case CodeUnauthorized:
		return "Unauthorized"
	case CodeForbidden:
		return "Forbidden"
	case CodeServerError:
		return "ServerError"
	}

	return "ResponseCode(unknown)"
}

const (
	// ApplicationOK is returned when the stream or connection is being closed
	// intentionally with no error as the peer is going away
	ApplicationOK = quic.ApplicationErrorCode(0x0)
	// ApplicationError is returned when something went wrong
	ApplicationError = quic.ApplicationErrorCode(0x1)
)

// RegisterListenerRequest is the first message written by the client on a
// QUIC control connection. Metadata carries the connect headers.
type RegisterListenerRequest struct {
	Version  uint8
	Metadata map[string]string
}

type RegisterListenerResponse struct {
	Version  uint8
	Code     ResponseCode
	Metadata map[string]string
	Body     []byte
}

// TunnelOpen prefixes every server initiated QUIC stream.
type TunnelOpen struct {
	ID string
}

type Decoder[T any] struct {
	dec *msgpack.Decoder
}

func (d Decoder[T]) Close() {
	msgpack.PutDecoder(d.dec)
}

// NewDecoder returns a Decoder reading from rd.
// When rd does not implement io.ByteScanner the decoder buffers internally and may
// consume bytes past the decoded value. Wrap rd in a bufio.Reader and keep reading
// from that reader when the stream continues after the message.
func NewDecoder[T any](rd io.Reader) Decoder[T] {
	dec := msgpack.GetDecoder()
	dec.Reset(rd)
	return Decoder[T]{dec}
}

func (d Decoder[T]) Decode() (t T, _ error) {
	return t, d.dec.Decode(&t)
}

type Encoder[T any] struct {
	enc *msgpack.Encoder
}

func (e Encoder[T]) Close() {
	msgpack.PutEncoder(e.enc)
}

func NewEncoder[T any](wr io.Writer) Encoder[T] {
	enc := msgpack.GetEncoder()
	enc.Reset(wr)
	return Encoder[T]{enc}
}

func (e Encoder[T]) Encode(t *T) error {
	return e.enc.Encode(t)
}
