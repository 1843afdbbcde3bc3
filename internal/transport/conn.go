package transport

import (
	"errors"
	"io"
	"net"
	"time"
)

const (
	// DefaultReadTimeout is the idle window for every read and write.
	DefaultReadTimeout = 5 * time.Second

	readBufferSize = 16 << 10
)

// Conn is a connection context: a byte stream plus the protocol policy used
// on it. A Conn is owned by the goroutine currently doing I/O on it and must
// not be used concurrently.
type Conn struct {
	nc net.Conn

	// KeepAlive keeps the connection open after a message exchange.
	KeepAlive bool
	// ReadTimeout is the idle window; it is re-armed before every read.
	ReadTimeout time.Duration
	// MaxChunkSize switches bodies larger than it to chunked encoding; 0 disables chunking.
	MaxChunkSize int
	// Host is the value written as HOST on requests that lack one.
	Host string

	lastErr string
	pending []byte
	rbuf    []byte
}

// Option configures a Conn.
type Option func(*Conn)

// WithReadTimeout sets the idle window.
func WithReadTimeout(d time.Duration) Option { return func(c *Conn) { c.ReadTimeout = d } }

// WithMaxChunkSize sets the chunk-size policy.
func WithMaxChunkSize(n int) Option { return func(c *Conn) { c.MaxChunkSize = n } }

// WithHost sets the host label.
func WithHost(host string) Option { return func(c *Conn) { c.Host = host } }

// WithKeepAlive sets the keep-alive flag.
func WithKeepAlive(on bool) Option { return func(c *Conn) { c.KeepAlive = on } }

// NewConn wraps nc.
func NewConn(nc net.Conn, opts ...Option) *Conn {
	c := &Conn{nc: nc, ReadTimeout: DefaultReadTimeout, rbuf: make([]byte, readBufferSize)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NetConn returns the underlying connection.
func (c *Conn) NetConn() net.Conn { return c.nc }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// LocalAddr returns the local address.
func (c *Conn) LocalAddr() net.Addr { return c.nc.LocalAddr() }

// LastError returns the description of the last failure on this connection.
func (c *Conn) LastError() string { return c.lastErr }

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

func (c *Conn) fail(err error) error {
	err = classify(err)
	c.lastErr = err.Error()
	return err
}

func (c *Conn) arm() {
	if c.ReadTimeout > 0 {
		_ = c.nc.SetDeadline(time.Now().Add(c.ReadTimeout))
	} else {
		_ = c.nc.SetDeadline(time.Time{})
	}
}

// prepare returns the wire form of m according to the connection policy.
func (c *Conn) prepare(m *Message) []byte {
	h := m.Header
	if h.IsRequest() && c.Host != "" && !h.Has("HOST") {
		h = h.Clone()
		h.Set("HOST", c.Host)
	}
	if !c.KeepAlive && !h.Has("Connection") {
		if h == m.Header {
			h = h.Clone()
		}
		h.Set("Connection", "close")
	}
	return encode(&Message{Header: h, Body: m.Body}, c.MaxChunkSize)
}

// Send writes one complete message.
func (c *Conn) Send(m *Message) error {
	data := c.prepare(m)
	for len(data) > 0 {
		c.arm()
		n, err := c.nc.Write(data)
		if err != nil {
			return c.fail(err)
		}
		data = data[n:]
	}
	return nil
}

// Receive reads one complete message: header block first, then the body
// according to its framing.
func (c *Conn) Receive() (*Message, error) {
	var p parser
	for {
		if len(c.pending) > 0 {
			n, err := p.feed(c.pending)
			c.pending = c.pending[n:]
			if err != nil {
				return nil, c.fail(err)
			}
			if p.done() {
				return p.message(), nil
			}
		}

		c.arm()
		n, err := c.nc.Read(c.rbuf)
		if n > 0 {
			c.pending = c.rbuf[:n]
		}
		if err != nil {
			if n > 0 {
				// consume what arrived together with the error first
				m, ferr := p.feed(c.pending)
				if ferr != nil {
					return nil, c.fail(ferr)
				}
				c.pending = c.pending[m:]
				if p.done() {
					return p.message(), nil
				}
			}
			if errors.Is(err, io.EOF) {
				if eerr := p.eof(); eerr != nil {
					return nil, c.fail(eerr)
				}
				return p.message(), nil
			}
			return nil, c.fail(err)
		}
	}
}

// RoundTrip sends req and receives the response.
func (c *Conn) RoundTrip(req *Message) (*Message, error) {
	if err := c.Send(req); err != nil {
		return nil, err
	}
	return c.Receive()
}
