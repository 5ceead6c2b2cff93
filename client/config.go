// File: client/config.go
// Package client provides the WebSocket client: configuration,
// connection core and the Connect entry point.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/momentics/wsclient/extension"
)

// Defaults.
const (
	DefaultMaxFrameSize     = 16384
	DefaultCloseTimeout     = 15 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// ProxyConfig selects an explicit proxy for the connection.
type ProxyConfig struct {
	// URL is the proxy endpoint: http://host:port or
	// socks5://host:port, with optional userinfo.
	URL string `yaml:"url"`

	// Headers are sent on the CONNECT request (HTTP proxies only).
	Headers map[string]string `yaml:"headers"`
}

// Config holds all configurable parameters for a connection.
type Config struct {
	// MaxFrameSize rejects inbound frames over this size (close 1009).
	MaxFrameSize int64

	// MaxMessageSize bounds a reassembled message. 0 disables.
	MaxMessageSize int64

	// CloseTimeout is the maximum wait for the peer's close echo
	// before the transport is torn down unilaterally.
	CloseTimeout time.Duration

	// AutoPingPeriod enables automatic idle pings. 0 disables.
	AutoPingPeriod time.Duration

	// ValidateUTF8 enables text-message UTF-8 validation.
	ValidateUTF8 bool

	// HandshakeTimeout bounds dialing plus the Upgrade round trip.
	HandshakeTimeout time.Duration

	// SNIHostname overrides the URL host in TLS SNI.
	SNIHostname string

	// AdditionalHeaders are merged into the Upgrade request. The
	// handshake's own headers cannot be overridden.
	AdditionalHeaders http.Header

	// Extensions is the ordered list of extension builders offered
	// during the handshake.
	Extensions []extension.Builder

	// Proxy selects an explicit proxy. Empty URL means none.
	Proxy ProxyConfig

	// ReadProxyEnvironmentVariables honors http_proxy, https_proxy
	// and no_proxy when no explicit proxy is set.
	ReadProxyEnvironmentVariables bool

	// TLSConfig is cloned for wss connections.
	TLSConfig *tls.Config
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxFrameSize:     DefaultMaxFrameSize,
		CloseTimeout:     DefaultCloseTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

// Option customizes a Config.
type Option func(*Config)

// WithMaxFrameSize sets the inbound frame size limit.
func WithMaxFrameSize(n int64) Option {
	return func(c *Config) { c.MaxFrameSize = n }
}

// WithMaxMessageSize sets the reassembled message size limit.
func WithMaxMessageSize(n int64) Option {
	return func(c *Config) { c.MaxMessageSize = n }
}

// WithCloseTimeout sets the close-handshake wait.
func WithCloseTimeout(d time.Duration) Option {
	return func(c *Config) { c.CloseTimeout = d }
}

// WithAutoPing enables automatic pings every period.
func WithAutoPing(period time.Duration) Option {
	return func(c *Config) { c.AutoPingPeriod = period }
}

// WithValidateUTF8 enables text-message validation.
func WithValidateUTF8() Option {
	return func(c *Config) { c.ValidateUTF8 = true }
}

// WithAdditionalHeaders merges headers into the Upgrade request.
func WithAdditionalHeaders(h http.Header) Option {
	return func(c *Config) { c.AdditionalHeaders = h }
}

// WithExtensions sets the ordered extension builders.
func WithExtensions(builders ...extension.Builder) Option {
	return func(c *Config) { c.Extensions = builders }
}

// WithDeflate offers permessage-deflate with default parameters.
func WithDeflate() Option {
	return func(c *Config) {
		c.Extensions = append(c.Extensions, extension.NewDeflateBuilder())
	}
}

// WithSNIHostname overrides the TLS SNI hostname.
func WithSNIHostname(name string) Option {
	return func(c *Config) { c.SNIHostname = name }
}

// WithProxy routes the connection through an explicit proxy.
func WithProxy(rawURL string, headers map[string]string) Option {
	return func(c *Config) { c.Proxy = ProxyConfig{URL: rawURL, Headers: headers} }
}

// WithProxyFromEnvironment honors the proxy environment variables.
func WithProxyFromEnvironment() Option {
	return func(c *Config) { c.ReadProxyEnvironmentVariables = true }
}

// WithTLSConfig sets the TLS client configuration for wss.
func WithTLSConfig(conf *tls.Config) Option {
	return func(c *Config) { c.TLSConfig = conf }
}

// NewConfig applies options over the defaults.
func NewConfig(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// fileConfig is the YAML file schema; durations are strings parsed
// with time.ParseDuration.
type fileConfig struct {
	MaxFrameSize   int64             `yaml:"max_frame_size"`
	MaxMessageSize int64             `yaml:"max_message_size"`
	CloseTimeout   string            `yaml:"close_timeout"`
	AutoPingPeriod string            `yaml:"auto_ping_period"`
	ValidateUTF8   bool              `yaml:"validate_utf8"`
	Handshake      string            `yaml:"handshake_timeout"`
	SNIHostname    string            `yaml:"sni_hostname"`
	Headers        map[string]string `yaml:"headers"`
	Deflate        bool              `yaml:"permessage_deflate"`
	Proxy          ProxyConfig       `yaml:"proxy"`
	ReadProxyEnv   bool              `yaml:"read_proxy_env"`
}

// LoadConfigFile reads a YAML configuration file over the defaults.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if fc.MaxFrameSize != 0 {
		cfg.MaxFrameSize = fc.MaxFrameSize
	}
	cfg.MaxMessageSize = fc.MaxMessageSize
	cfg.ValidateUTF8 = fc.ValidateUTF8
	cfg.SNIHostname = fc.SNIHostname
	cfg.Proxy = fc.Proxy
	cfg.ReadProxyEnvironmentVariables = fc.ReadProxyEnv
	if fc.Deflate {
		cfg.Extensions = append(cfg.Extensions, extension.NewDeflateBuilder())
	}
	if len(fc.Headers) > 0 {
		cfg.AdditionalHeaders = make(http.Header, len(fc.Headers))
		for k, v := range fc.Headers {
			cfg.AdditionalHeaders.Set(k, v)
		}
	}
	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{fc.CloseTimeout, &cfg.CloseTimeout},
		{fc.AutoPingPeriod, &cfg.AutoPingPeriod},
		{fc.Handshake, &cfg.HandshakeTimeout},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return cfg, fmt.Errorf("parse config duration %q: %w", d.raw, err)
		}
		*d.dst = v
	}
	return cfg, nil
}
