package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.flipt.io/backhaul/internal/config"
)

type Config struct {
	Level            config.Level `ff:" short=l | long=log                | default=info | usage: 'debug, info, warn or error'                  "`
	ServerURI        string       `ff:" short=s | long=server-uri         |                usage: relay server uri (http, https, ws, wss or quic) "`
	TargetURI        string       `ff:" short=t | long=target-uri         |                usage: http or https uri of the local service         "`
	TargetUnixSocket string       `ff:"         | long=target-unix-socket |                usage: unix socket path of the local service          "`
	Headers          string       `ff:"         | long=header             |                usage: comma separated name=value handshake headers   "`

	ConnectTimeout    time.Duration `ff:" long=connect-timeout     | default=5s  | usage: timeout connecting to the server and target  "`
	KeepAliveInterval time.Duration `ff:" long=keep-alive-interval | default=30s | usage: period between keep-alive pings (negative disables) "`

	Username string `ff:" long=username | usage: username for basic authentication "`
	Password string `ff:" long=password | usage: password for basic authentication "`
	Token    string `ff:" long=token    | usage: token for bearer authentication   "`

	CACertificatePath  string `ff:" long=cacert-path |                 usage: path to TLS CA certificate PEM file "`
	InsecureSkipVerify bool   `ff:" long=insecure    | default=false | usage: skip TLS certficate verification  "`

	ManagementAddress string `ff:" long=management-address | usage: address for serving metrics and pprof (disabled when empty) "`

	ConfigPath   string `ff:" short=c | long=config            |                       usage: path to a clients configuration file          "`
	Watch        bool   `ff:"         | long=watch             | default=false       | usage: reload the clients configuration file on change "`
	ConfigMap    string `ff:"         | long=k8s-configmap     |                       usage: namespace/name of a clients ConfigMap        "`
	ConfigMapKey string `ff:"         | long=k8s-configmap-key | default=clients.yml | usage: ConfigMap data key holding the clients       "`
}

func (c Config) Validate() error {
	sources := 0
	for _, set := range []bool{c.ServerURI != "", c.ConfigPath != "", c.ConfigMap != ""} {
		if set {
			sources++
		}
	}

	if sources != 1 {
		return errors.New("exactly one of server-uri, config or k8s-configmap must be provided")
	}

	if c.ConfigMap != "" {
		if _, _, err := c.configMapRef(); err != nil {
			return err
		}
	}

	if c.Username != "" && c.Token != "" {
		return errors.New("only one of username or token may be provided")
	}

	if c.ServerURI != "" {
		if _, err := c.headers(); err != nil {
			return err
		}
	}

	return nil
}

func (c Config) configMapRef() (namespace, name string, err error) {
	namespace, name, ok := strings.Cut(c.ConfigMap, "/")
	if !ok || namespace == "" || name == "" {
		return "", "", fmt.Errorf("k8s-configmap %q must be of the form namespace/name", c.ConfigMap)
	}

	return namespace, name, nil
}

func (c Config) headers() (headers []config.Header, _ error) {
	if c.Headers == "" {
		return nil, nil
	}

	for _, pair := range strings.Split(c.Headers, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("header %q must be of the form name=value", pair)
		}

		headers = append(headers, config.Header{Name: name, Value: value})
	}

	return headers, nil
}

// clients returns the single client described by flags.
func (c Config) clients() (*config.Clients, error) {
	headers, err := c.headers()
	if err != nil {
		return nil, err
	}

	cl := config.Client{
		ServerURI:         c.ServerURI,
		TargetURI:         c.TargetURI,
		TargetUnixSocket:  c.TargetUnixSocket,
		ConnectTimeout:    c.ConnectTimeout,
		KeepAliveInterval: c.KeepAliveInterval,
		Headers:           headers,
		TLS: config.ClientTLS{
			InsecureSkipVerify: c.InsecureSkipVerify,
			CACertPath:         c.CACertificatePath,
		},
	}

	switch {
	case c.Username != "":
		cl.Authentication.Basic = &config.AuthenticationBasic{Username: c.Username, Password: c.Password}
	case c.Token != "":
		cl.Authentication.Bearer = &config.AuthenticationBearer{Token: c.Token}
	}

	clients := &config.Clients{Clients: map[string]config.Client{"default": cl}}

	return clients, clients.Validate()
}
