package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var (
	// ErrUnauthorized is returned when the presented credentials are missing or invalid
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden is returned when the credentials are valid but access is denied
	ErrForbidden = errors.New("forbidden")
)

const unauthorizedMsg = "connect request unauthorized"

// Authenticator dispatches an Authorization header value onto the Handler
// registered for its scheme.
type Authenticator map[string]Handler

// Authenticate checks the Authorization header value of a control handshake.
// It returns nil, ErrUnauthorized or ErrForbidden.
func (a Authenticator) Authenticate(authorization string) error {
	if len(a) == 0 {
		slog.Debug("No handlers configured skipping authentication")
		return nil
	}

	if authorization == "" {
		slog.Info(unauthorizedMsg, "reason", "missing authorization header")
		return ErrUnauthorized
	}

	scheme, payload, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok {
		slog.Info(unauthorizedMsg, "reason", "malformed authorization payload")
		return ErrUnauthorized
	}

	log := slog.With("scheme", scheme)

	handler, ok := a[scheme]
	if !ok {
		log.Info(unauthorizedMsg, "reason", "unsupported scheme")
		return ErrUnauthorized
	}

	if err := handler.Authenticate(scheme, payload); err != nil {
		if errors.Is(err, ErrForbidden) {
			log.Info("connect request forbidden", "reason", err)
			return ErrForbidden
		}

		log.Info(unauthorizedMsg, "reason", err)
		return ErrUnauthorized
	}

	return nil
}

type Handler interface {
	Authenticate(scheme, payload string) error
}

type AuthenticationHandlerFunc func(scheme, payload string) error

func (r AuthenticationHandlerFunc) Authenticate(scheme, payload string) error {
	return r(scheme, payload)
}

// HandleBasic performs basic authentication of the Authorization header
func HandleBasic(username, password string) Handler {
	expectedUsername := safeComparator(username)
	expectedPassword := safeComparator(password)

	return AuthenticationHandlerFunc(func(scheme, cred string) error {
		if !strings.EqualFold(scheme, "Basic") {
			return fmt.Errorf("basic: unexpected scheme %q", scheme)
		}

		dec, err := base64.StdEncoding.DecodeString(cred)
		if err != nil {
			return fmt.Errorf("basic: decoding credentials: %w", err)
		}

		username, password, ok := strings.Cut(string(dec), ":")
		if !ok {
			return errors.New("basic: unexpected payload format")
		}

		if !(expectedUsername(username) && expectedPassword(password)) {
			return errors.New("basic: username or password unexpected")
		}

		return nil
	})
}

// HandleBearer performs a bearer token comparison of the Authorization header
func HandleBearer(token string) Handler {
	expectedToken := safeComparator(token)

	return AuthenticationHandlerFunc(func(scheme, token string) error {
		if !strings.EqualFold(scheme, "Bearer") {
			return fmt.Errorf("bearer: unexpected scheme %q", scheme)
		}

		if !expectedToken(token) {
			return errors.New("bearer: token was not expected value")
		}

		return nil
	})
}

// HandleBearerHashed performs a bearer token comparison of the Authorization header
// It expects the token to have been pre-hashed using sha256 and encoded as a hexidecimal string
func HandleBearerHashed(hashedToken string) (Handler, error) {
	expected, err := hex.DecodeString(hashedToken)
	if err != nil {
		return nil, err
	}

	return AuthenticationHandlerFunc(func(scheme, token string) error {
		if !strings.EqualFold(scheme, "Bearer") {
			return fmt.Errorf("bearer: unexpected scheme %q", scheme)
		}

		sum := sha256.Sum256([]byte(token))
		if subtle.ConstantTimeCompare(expected, sum[:]) != 1 {
			return errors.New("bearer: token was not expected value")
		}

		return nil
	}), nil
}

// Forbid wraps h so that credentials accepted by h are reported as ErrForbidden.
// It models a server that knows the caller but denies it access.
func Forbid(h Handler) Handler {
	return AuthenticationHandlerFunc(func(scheme, payload string) error {
		if err := h.Authenticate(scheme, payload); err != nil {
			return err
		}

		return fmt.Errorf("%w: access denied", ErrForbidden)
	})
}

func safeComparator(expected string) func(string) bool {
	expectedSum := sha256.Sum256([]byte(expected))
	return func(presented string) bool {
		presentedSum := sha256.Sum256([]byte(presented))
		return subtle.ConstantTimeCompare(expectedSum[:], presentedSum[:]) == 1
	}
}
