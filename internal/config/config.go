package config

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.flipt.io/backhaul/client"
	"go.flipt.io/backhaul/pkg/protocol"
)

type Level slog.Level

func (l Level) String() string {
	return slog.Level(l).String()
}

func (l *Level) Set(v string) error {
	level := slog.Level(*l)
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return err
	}

	*l = Level(level)
	return nil
}

// Clients is a configuration file format for defining the
// clients run by a single backhaul process
type Clients struct {
	Clients map[string]Client `json:"clients,omitempty" yaml:"clients,omitempty"`
}

// Client configures one connection between a relay server and a local target.
type Client struct {
	ServerURI         string        `json:"server_uri,omitempty" yaml:"server_uri,omitempty"`
	TargetURI         string        `json:"target_uri,omitempty" yaml:"target_uri,omitempty"`
	TargetUnixSocket  string        `json:"target_unix_socket,omitempty" yaml:"target_unix_socket,omitempty"`
	ConnectTimeout    time.Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
	KeepAliveInterval time.Duration `json:"keep_alive_interval,omitempty" yaml:"keep_alive_interval,omitempty"`
	// Headers are sent in order with the control handshake
	Headers        []Header             `json:"headers,omitempty" yaml:"headers,omitempty"`
	Authentication ClientAuthentication `json:"authentication,omitempty" yaml:"authentication,omitempty"`
	TLS            ClientTLS            `json:"tls,omitempty" yaml:"tls,omitempty"`
}

type Header struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

type ClientAuthentication struct {
	Basic  *AuthenticationBasic  `json:"basic,omitempty" yaml:"basic,omitempty"`
	Bearer *AuthenticationBearer `json:"bearer,omitempty" yaml:"bearer,omitempty"`
}

type AuthenticationBasic struct {
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
}

type AuthenticationBearer struct {
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
	// Secret reads the token from a Kubernetes Secret on every connection attempt
	Secret *SecretKeyRef `json:"secret,omitempty" yaml:"secret,omitempty"`
}

type SecretKeyRef struct {
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Name      string `json:"name,omitempty" yaml:"name,omitempty"`
	Key       string `json:"key,omitempty" yaml:"key,omitempty"`
}

type ClientTLS struct {
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"`
	CACertPath         string `json:"cacert_path,omitempty" yaml:"cacert_path,omitempty"`
}

func (c Clients) Validate() error {
	if len(c.Clients) == 0 {
		return errors.New("at least one client must be configured")
	}

	for name, cl := range c.Clients {
		if err := cl.Validate(); err != nil {
			return fmt.Errorf("client %q: %w", name, err)
		}
	}

	return nil
}

func (c Client) Validate() error {
	if c.ServerURI == "" {
		return errors.New("server_uri is required")
	}

	if c.TargetURI == "" && c.TargetUnixSocket == "" {
		return errors.New("one of target_uri or target_unix_socket is required")
	}

	if c.ConnectTimeout < 0 {
		return errors.New("connect_timeout must not be negative")
	}

	for _, h := range c.Headers {
		if h.Name == "" {
			return errors.New("header name must not be empty")
		}
	}

	auth := c.Authentication
	if auth.Basic != nil && auth.Bearer != nil {
		return errors.New("only one of basic or bearer authentication may be configured")
	}

	if b := auth.Bearer; b != nil {
		if (b.Token == "") == (b.Secret == nil) {
			return errors.New("bearer authentication requires exactly one of token or secret")
		}

		if s := b.Secret; s != nil && (s.Namespace == "" || s.Name == "" || s.Key == "") {
			return errors.New("bearer secret requires namespace, name and key")
		}
	}

	return nil
}

// TLSConfig returns the client TLS configuration or nil when defaults apply.
func (t ClientTLS) TLSConfig() (*tls.Config, error) {
	if !t.InsecureSkipVerify && t.CACertPath == "" {
		return nil, nil
	}

	conf := &tls.Config{InsecureSkipVerify: t.InsecureSkipVerify}
	if t.CACertPath != "" {
		pem, err := os.ReadFile(t.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("reading ca certificate: %w", err)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %q", t.CACertPath)
		}

		conf.RootCAs = pool
	}

	return conf, nil
}

// Options converts c into client options.
// Secret referenced bearer tokens are resolved through k8s, which may be
// nil when no client references a secret.
func (c Client) Options(ctx context.Context, k8s *K8sSource) (client.Options, error) {
	tlsConf, err := c.TLS.TLSConfig()
	if err != nil {
		return client.Options{}, err
	}

	opts := client.Options{
		ServerURI:         c.ServerURI,
		TargetURI:         c.TargetURI,
		TargetUnixSocket:  c.TargetUnixSocket,
		ConnectTimeout:    c.ConnectTimeout,
		KeepAliveInterval: c.KeepAliveInterval,
		TLSConfig:         tlsConf,
	}

	for _, h := range c.Headers {
		opts.Headers = append(opts.Headers, protocol.Header{Name: h.Name, Value: h.Value})
	}

	switch auth := c.Authentication; {
	case auth.Basic != nil:
		opts.Authenticator = client.BasicAuthenticator(auth.Basic.Username, auth.Basic.Password)
	case auth.Bearer != nil && auth.Bearer.Secret != nil:
		if k8s == nil {
			return client.Options{}, errors.New("bearer secret configured without a kubernetes source")
		}

		ref := auth.Bearer.Secret
		token, err := k8s.SecretToken(ctx, ref.Namespace, ref.Name, ref.Key)
		if err != nil {
			return client.Options{}, fmt.Errorf("watching bearer secret: %w", err)
		}

		opts.Authenticator = token
	case auth.Bearer != nil:
		opts.Authenticator = client.BearerAuthenticator(auth.Bearer.Token)
	}

	return opts, nil
}

// UsesSecrets reports whether any client reads credentials from a Kubernetes Secret.
func (c Clients) UsesSecrets() bool {
	for _, cl := range c.Clients {
		if b := cl.Authentication.Bearer; b != nil && b.Secret != nil {
			return true
		}
	}

	return false
}
