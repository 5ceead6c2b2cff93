// File: transport/proxy.go
// Package transport implements dialing, proxy traversal and the
// net.Conn adapter underneath the connection core.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Proxy selection from the conventional environment variables:
// http_proxy serves ws URLs; https_proxy (or HTTPS_PROXY) is preferred
// for wss with http_proxy as fallback; no_proxy lists exempt domains.

package transport

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// ProxyFromEnvironment resolves the proxy URL to use for the given
// WebSocket scheme and host, or nil when the connection should be
// direct.
func ProxyFromEnvironment(scheme, host string) (*url.URL, error) {
	if MatchNoProxy(getenvAny("no_proxy", "NO_PROXY"), host) {
		return nil, nil
	}
	var raw string
	if scheme == "wss" {
		raw = getenvAny("https_proxy", "HTTPS_PROXY")
	}
	if raw == "" {
		raw = getenvAny("http_proxy", "HTTP_PROXY")
	}
	if raw == "" {
		return nil, nil
	}
	return ParseProxyURL(raw)
}

// ParseProxyURL parses a proxy specification, defaulting bare
// host:port forms to the http scheme.
func ParseProxyURL(raw string) (*url.URL, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	return u, nil
}

// MatchNoProxy reports whether host is exempt from proxying under the
// given no_proxy value. Entries are comma-separated and may carry
// surrounding whitespace; "*" disables proxying entirely. An entry
// matches when the host equals it or ends with ".entry"; a leading
// dot additionally matches the bare domain.
func MatchNoProxy(noProxy, host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, entry := range strings.Split(noProxy, ",") {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if entry == "*" {
			return true
		}
		bare := strings.TrimPrefix(entry, ".")
		if host == bare || strings.HasSuffix(host, "."+bare) {
			return true
		}
	}
	return false
}

func getenvAny(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}
