// File: protocol/exthdr.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Sec-WebSocket-Extensions header grammar: a comma-separated list of
// extension tokens, each with optional ;-separated parameters that may
// carry an =value. Values may be token or quoted-string form.

package protocol

import "strings"

// ExtensionEntry is one negotiated extension token with its
// parameters. A parameter present without a value maps to "".
type ExtensionEntry struct {
	Name   string
	Params map[string]string
}

// Has reports whether the parameter is present, valueless or not.
func (e *ExtensionEntry) Has(name string) bool {
	_, ok := e.Params[name]
	return ok
}

// Value returns the parameter value and whether it was present.
func (e *ExtensionEntry) Value(name string) (string, bool) {
	v, ok := e.Params[name]
	return v, ok
}

// ParseExtensionHeaders parses every header value in order and
// concatenates the entries.
func ParseExtensionHeaders(values []string) []ExtensionEntry {
	var entries []ExtensionEntry
	for _, v := range values {
		entries = append(entries, ParseExtensionHeader(v)...)
	}
	return entries
}

// ParseExtensionHeader parses one comma-separated header value.
// Malformed tokens are skipped rather than failing the whole header.
func ParseExtensionHeader(value string) []ExtensionEntry {
	var entries []ExtensionEntry
	for _, item := range strings.Split(value, ",") {
		parts := strings.Split(item, ";")
		name := strings.TrimSpace(parts[0])
		if name == "" {
			continue
		}
		entry := ExtensionEntry{
			Name:   strings.ToLower(name),
			Params: make(map[string]string),
		}
		for _, p := range parts[1:] {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			k, v, hasValue := strings.Cut(p, "=")
			k = strings.ToLower(strings.TrimSpace(k))
			if k == "" {
				continue
			}
			if !hasValue {
				entry.Params[k] = ""
				continue
			}
			v = strings.TrimSpace(v)
			v = strings.TrimPrefix(v, `"`)
			v = strings.TrimSuffix(v, `"`)
			entry.Params[k] = v
		}
		entries = append(entries, entry)
	}
	return entries
}

// Format renders the entry back into header form.
func (e *ExtensionEntry) Format() string {
	var b strings.Builder
	b.WriteString(e.Name)
	for k, v := range e.Params {
		b.WriteString("; ")
		b.WriteString(k)
		if v != "" {
			b.WriteString("=")
			b.WriteString(v)
		}
	}
	return b.String()
}
