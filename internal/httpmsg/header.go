// Package httpmsg implements HTTP/1.x request/response framing: header
// parsing over a chunk queue and the chunked transfer-coding (spec §4.1,
// §6). Routing, plugin dispatch and FastCGI are out of scope here.
package httpmsg

import "strings"

// Header is a case-insensitive multimap, preserving insertion order for
// repeated keys (spec §3 "Request / Response").
type Header struct {
	keys   []string // cased as first given, insertion order of first occurrence
	values map[string][]string
}

// NewHeader constructs an empty header set.
func NewHeader() *Header {
	return &Header{values: make(map[string][]string)}
}

func foldKey(key string) string { return strings.ToLower(key) }

// Add appends a value for key, preserving any existing values.
func (h *Header) Add(key, value string) {
	fk := foldKey(key)
	if _, ok := h.values[fk]; !ok {
		h.keys = append(h.keys, key)
	}
	h.values[fk] = append(h.values[fk], value)
}

// Set replaces all values for key with a single value.
func (h *Header) Set(key, value string) {
	fk := foldKey(key)
	if _, ok := h.values[fk]; !ok {
		h.keys = append(h.keys, key)
	}
	h.values[fk] = []string{value}
}

// Get returns the first value for key, or "" if absent.
func (h *Header) Get(key string) string {
	vs := h.values[foldKey(key)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Values returns all values for key, in the order added.
func (h *Header) Values(key string) []string {
	return h.values[foldKey(key)]
}

// Has reports whether key has at least one value.
func (h *Header) Has(key string) bool {
	_, ok := h.values[foldKey(key)]
	return ok
}

// Del removes all values for key.
func (h *Header) Del(key string) {
	fk := foldKey(key)
	if _, ok := h.values[fk]; !ok {
		return
	}
	delete(h.values, fk)
	for i, k := range h.keys {
		if foldKey(k) == fk {
			h.keys = append(h.keys[:i], h.keys[i+1:]...)
			break
		}
	}
}

// Each calls fn once per (key, value) pair in insertion order, visiting all
// values of a repeated key consecutively.
func (h *Header) Each(fn func(key, value string)) {
	for _, k := range h.keys {
		for _, v := range h.values[foldKey(k)] {
			fn(k, v)
		}
	}
}

// Clone returns a deep copy.
func (h *Header) Clone() *Header {
	out := NewHeader()
	h.Each(out.Add)
	return out
}
