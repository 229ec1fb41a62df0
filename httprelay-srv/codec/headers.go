package codec

import (
	"bufio"
	"net/textproto"
	"strings"
)

// HeaderField is a single header line as it appeared on the wire.
type HeaderField struct {
	Name  string
	Value string
}

// Headers is an ordered, case-preserving header list. Lookups are
// case-insensitive; encoding writes fields back in their original order and
// spelling.
type Headers struct {
	fields []HeaderField
}

// NewHeaders builds a header list from name/value pairs.
func NewHeaders(pairs ...string) Headers {
	var h Headers
	for i := 0; i+1 < len(pairs); i += 2 {
		h.Add(pairs[i], pairs[i+1])
	}
	return h
}

// Add appends a field, keeping any existing fields with the same name.
func (h *Headers) Add(name, value string) {
	h.fields = append(h.fields, HeaderField{Name: name, Value: value})
}

// Get returns the first value for name, or "" when absent.
func (h *Headers) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value for name in wire order.
func (h *Headers) Values(name string) []string {
	var values []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			values = append(values, f.Value)
		}
	}
	return values
}

// Has reports whether at least one field with name exists.
func (h *Headers) Has(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Set replaces the first field named name in place and drops the others.
// A missing field is appended.
func (h *Headers) Set(name, value string) {
	replaced := false
	kept := h.fields[:0]
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			if replaced {
				continue
			}
			f.Value = value
			replaced = true
		}
		kept = append(kept, f)
	}
	h.fields = kept
	if !replaced {
		h.Add(name, value)
	}
}

// Del removes every field named name.
func (h *Headers) Del(name string) {
	kept := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	h.fields = kept
}

// Len returns the number of fields.
func (h *Headers) Len() int {
	return len(h.fields)
}

// Fields returns a copy of the fields in wire order.
func (h *Headers) Fields() []HeaderField {
	out := make([]HeaderField, len(h.fields))
	copy(out, h.fields)
	return out
}

// Clone returns an independent copy.
func (h *Headers) Clone() Headers {
	return Headers{fields: h.Fields()}
}

// ToMap converts the headers into the canonical map form used by the stats
// recorders.
func (h *Headers) ToMap() map[string][]string {
	m := make(map[string][]string, len(h.fields))
	for _, f := range h.fields {
		key := textproto.CanonicalMIMEHeaderKey(f.Name)
		m[key] = append(m[key], f.Value)
	}
	return m
}

func (h *Headers) write(w *bufio.Writer) error {
	for _, f := range h.fields {
		if _, err := w.WriteString(f.Name); err != nil {
			return err
		}
		if _, err := w.WriteString(": "); err != nil {
			return err
		}
		if _, err := w.WriteString(f.Value); err != nil {
			return err
		}
		if _, err := w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	return nil
}

// isChunked reports whether the final transfer coding is chunked.
func (h *Headers) isChunked() bool {
	values := h.Values("Transfer-Encoding")
	if len(values) == 0 {
		return false
	}
	codings := strings.Split(values[len(values)-1], ",")
	return strings.EqualFold(strings.TrimSpace(codings[len(codings)-1]), "chunked")
}
