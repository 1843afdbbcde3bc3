package transport

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

const (
	// Proto is the only protocol version this package writes.
	Proto = "HTTP/1.1"

	// MaxHeaderSize bounds the header block of one message.
	MaxHeaderSize = 64 << 10

	// MaxBodySize bounds the decoded body of one message.
	MaxBodySize = 4 << 20
)

// Field is one header field line.
type Field struct {
	Name  string
	Value string
}

// Header is the start line plus field lines of one HTTP message.
//
// A request header has Method and Target set; a response header has
// StatusCode set. Field names are matched case-insensitively, the original
// order and spelling is kept for serialization.
type Header struct {
	Method string
	Target string

	StatusCode int
	Reason     string

	Proto string

	fields []Field
}

// NewRequestHeader returns a request header for method and target.
func NewRequestHeader(method, target string) *Header {
	return &Header{Method: method, Target: target, Proto: Proto}
}

// NewResponseHeader returns a response header; an empty reason is filled
// with the standard phrase.
func NewResponseHeader(code int, reason string) *Header {
	if reason == "" {
		reason = StatusText(code)
	}
	return &Header{StatusCode: code, Reason: reason, Proto: Proto}
}

// IsRequest reports whether h carries a request line.
func (h *Header) IsRequest() bool { return h.Method != "" }

// Fields returns a copy of the field lines.
func (h *Header) Fields() []Field { return append([]Field(nil), h.fields...) }

// Get returns the value of the first field named name.
func (h *Header) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has reports whether a field named name exists, even with an empty value.
func (h *Header) Has(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Values returns all values of fields named name.
func (h *Header) Values(name string) []string {
	var vs []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			vs = append(vs, f.Value)
		}
	}
	return vs
}

// Add appends a field line.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Set replaces all fields named name with a single one.
func (h *Header) Set(name, value string) {
	for i, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			h.fields[i].Value = value
			h.del(name, i+1)
			return
		}
	}
	h.Add(name, value)
}

// Del removes all fields named name.
func (h *Header) Del(name string) { h.del(name, 0) }

func (h *Header) del(name string, from int) {
	kept := h.fields[:from]
	for _, f := range h.fields[from:] {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	h.fields = kept
}

// ContentLength returns the declared body length. ok is false when the field
// is absent.
func (h *Header) ContentLength() (n int64, ok bool, err error) {
	v := strings.TrimSpace(h.Get("Content-Length"))
	if v == "" {
		return 0, false, nil
	}
	n, err = strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, true, fmt.Errorf("%w: bad content-length %q", ErrInvalidHeader, v)
	}
	return n, true, nil
}

// Chunked reports whether the body uses chunked transfer-encoding.
func (h *Header) Chunked() bool {
	for _, v := range h.Values("Transfer-Encoding") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "chunked") {
				return true
			}
		}
	}
	return false
}

// KeepAlive reports whether the connection may be reused after this message.
func (h *Header) KeepAlive() bool {
	conn := strings.ToLower(h.Get("Connection"))
	if strings.Contains(conn, "close") {
		return false
	}
	if h.Proto == "HTTP/1.0" {
		return strings.Contains(conn, "keep-alive")
	}
	return true
}

// Clone returns a deep copy of h.
func (h *Header) Clone() *Header {
	c := *h
	c.fields = h.Fields()
	return &c
}

// Bytes serializes the start line and field lines, terminated by the empty line.
func (h *Header) Bytes() []byte {
	var b bytes.Buffer
	proto := h.Proto
	if proto == "" {
		proto = Proto
	}
	if h.IsRequest() {
		fmt.Fprintf(&b, "%s %s %s\r\n", h.Method, h.Target, proto)
	} else {
		fmt.Fprintf(&b, "%s %d %s\r\n", proto, h.StatusCode, h.Reason)
	}
	for _, f := range h.fields {
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

func (h *Header) String() string {
	if h.IsRequest() {
		return h.Method + " " + h.Target
	}
	return strconv.Itoa(h.StatusCode) + " " + h.Reason
}

// ParseHeader parses a header block. The block may or may not include the
// terminating empty line; bare LF line endings are accepted.
func ParseHeader(block []byte) (*Header, error) {
	lines := strings.Split(strings.ReplaceAll(string(block), "\r\n", "\n"), "\n")
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: empty header", ErrInvalidHeader)
	}

	h, err := parseStartLine(lines[0])
	if err != nil {
		return nil, err
	}
	for _, ln := range lines[1:] {
		if ln == "" {
			break
		}
		if ln[0] == ' ' || ln[0] == '\t' {
			// obsolete line folding
			if len(h.fields) == 0 {
				return nil, fmt.Errorf("%w: continuation without field", ErrInvalidHeader)
			}
			last := &h.fields[len(h.fields)-1]
			last.Value += " " + strings.TrimSpace(ln)
			continue
		}
		i := strings.IndexByte(ln, ':')
		if i <= 0 {
			return nil, fmt.Errorf("%w: bad field line %q", ErrInvalidHeader, ln)
		}
		name := ln[:i]
		if strings.ContainsAny(name, " \t") {
			return nil, fmt.Errorf("%w: bad field name %q", ErrInvalidHeader, name)
		}
		h.Add(name, strings.TrimSpace(ln[i+1:]))
	}
	return h, nil
}

func parseStartLine(line string) (*Header, error) {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: bad start line %q", ErrInvalidHeader, line)
	}
	if strings.HasPrefix(parts[0], "HTTP/") {
		code, err := strconv.Atoi(parts[1])
		if err != nil || code < 100 || code > 999 {
			return nil, fmt.Errorf("%w: bad status line %q", ErrInvalidHeader, line)
		}
		h := &Header{Proto: parts[0], StatusCode: code}
		if len(parts) == 3 {
			h.Reason = parts[2]
		}
		return h, nil
	}
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/") {
		return nil, fmt.Errorf("%w: bad request line %q", ErrInvalidHeader, line)
	}
	return &Header{Method: parts[0], Target: parts[1], Proto: parts[2]}, nil
}

// StatusText returns the reason phrase for the codes this engine emits.
func StatusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 412:
		return "Precondition Failed"
	case 415:
		return "Unsupported Media Type"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 503:
		return "Service Unavailable"
	default:
		return "Status " + strconv.Itoa(code)
	}
}
