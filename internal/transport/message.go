package transport

import (
	"fmt"
	"io"
	"strconv"
)

// Message is one complete HTTP request or response.
type Message struct {
	Header *Header
	Body   []byte
}

// NewRequest builds a request message. Target may be left empty when the
// message is sent through Client, which fills it from the URL.
func NewRequest(method, target string, body []byte) *Message {
	return &Message{Header: NewRequestHeader(method, target), Body: body}
}

// NewResponse builds a response message with the standard reason phrase.
func NewResponse(code int, body []byte) *Message {
	return &Message{Header: NewResponseHeader(code, ""), Body: body}
}

// StatusOK reports whether m is a 2xx response.
func (m *Message) StatusOK() bool {
	return m.Header.StatusCode >= 200 && m.Header.StatusCode < 300
}

// encode serializes m. Bodies longer than maxChunkSize go out chunked when
// maxChunkSize > 0; everything else is framed with Content-Length.
func encode(m *Message, maxChunkSize int) []byte {
	h := m.Header.Clone()
	h.Del("Transfer-Encoding")
	h.Del("Content-Length")

	if maxChunkSize > 0 && len(m.Body) > maxChunkSize {
		h.Set("Transfer-Encoding", "chunked")
		out := h.Bytes()
		return appendChunked(out, m.Body, maxChunkSize)
	}

	h.Set("Content-Length", strconv.Itoa(len(m.Body)))
	out := h.Bytes()
	return append(out, m.Body...)
}

// appendChunked appends body to dst using chunked transfer-encoding with
// chunks of at most size bytes, followed by the last-chunk and an empty trailer.
func appendChunked(dst, body []byte, size int) []byte {
	if size <= 0 {
		size = len(body)
	}
	for len(body) > 0 {
		n := min(size, len(body))
		dst = fmt.Appendf(dst, "%x\r\n", n)
		dst = append(dst, body[:n]...)
		dst = append(dst, '\r', '\n')
		body = body[n:]
	}
	return append(dst, "0\r\n\r\n"...)
}

// WriteChunked writes body to w as a chunked stream with chunks of at most size bytes.
func WriteChunked(w io.Writer, body []byte, size int) error {
	if _, err := w.Write(appendChunked(nil, body, size)); err != nil {
		return classify(err)
	}
	return nil
}
