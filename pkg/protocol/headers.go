package protocol

import (
	"net/http"
	"strings"
)

// Header is a single connect header as configured by the caller.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered set of connect headers keyed by case-insensitive name.
// The zero value is ready to use.
type Headers struct {
	entries []Header
}

// Set inserts name or overwrites the value of an existing entry with the same name.
// An overwritten entry keeps its original position.
func (h *Headers) Set(name, value string) {
	for i, e := range h.entries {
		if strings.EqualFold(e.Name, name) {
			h.entries[i] = Header{Name: name, Value: value}
			return
		}
	}

	h.entries = append(h.entries, Header{Name: name, Value: value})
}

// Get returns the value for name and whether it was present.
func (h *Headers) Get(name string) (string, bool) {
	for _, e := range h.entries {
		if strings.EqualFold(e.Name, name) {
			return e.Value, true
		}
	}

	return "", false
}

// Del removes name if present.
func (h *Headers) Del(name string) {
	out := h.entries[:0]
	for _, e := range h.entries {
		if !strings.EqualFold(e.Name, name) {
			out = append(out, e)
		}
	}

	h.entries = out
}

func (h *Headers) Len() int {
	return len(h.entries)
}

// All returns a copy of the entries in insertion order.
func (h *Headers) All() []Header {
	return append([]Header(nil), h.entries...)
}

// Clone returns an independent copy of h.
func (h *Headers) Clone() Headers {
	return Headers{entries: h.All()}
}

// HTTP converts the entries into an http.Header.
func (h *Headers) HTTP() http.Header {
	header := make(http.Header, len(h.entries))
	for _, e := range h.entries {
		header.Set(e.Name, e.Value)
	}

	return header
}

// Metadata converts the entries into the map carried by RegisterListenerRequest.
func (h *Headers) Metadata() map[string]string {
	md := make(map[string]string, len(h.entries))
	for _, e := range h.entries {
		md[e.Name] = e.Value
	}

	return md
}
