package client

import (
	"context"
	"encoding/base64"
	"fmt"

	"go.flipt.io/backhaul/pkg/protocol"
)

const authorizationHeader = "Authorization"

// Authenticator is a type which adds authentication credentials to the
// headers of an outbound control handshake.
type Authenticator interface {
	Authenticate(context.Context, *protocol.Headers) error
}

// AuthenticatorFunc is a function which implements the Authenticator interface
type AuthenticatorFunc func(context.Context, *protocol.Headers) error

// Authenticate delegates to the underlying AuthenticatorFunc
func (a AuthenticatorFunc) Authenticate(ctx context.Context, h *protocol.Headers) error {
	return a(ctx, h)
}

// BasicAuthenticator returns an instance of Authenticator which configures Basic authentication
// using the provided username and password
func BasicAuthenticator(username, password string) Authenticator {
	return AuthenticatorFunc(func(ctx context.Context, h *protocol.Headers) error {
		h.Set(authorizationHeader, fmt.Sprintf("Basic %s",
			base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s:%s", username, password))),
		))

		return nil
	})
}

// BearerAuthenticator returns an instance of Authenticator which configures Bearer authentication
// using the provided token string
func BearerAuthenticator(token string) Authenticator {
	return AuthenticatorFunc(func(ctx context.Context, h *protocol.Headers) error {
		h.Set(authorizationHeader, fmt.Sprintf("Bearer %s", token))

		return nil
	})
}
