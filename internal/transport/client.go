package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"
)

// DefaultDialTimeout bounds connection establishment.
const DefaultDialTimeout = 5 * time.Second

// Client performs one exchange per connection against URLs.
type Client struct {
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	MaxChunkSize int
	// UserAgent is sent as USER-AGENT on requests lacking one.
	UserAgent string

	// Dial replaces the default dialer, mainly for tests.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Connect opens a connection to the host of u. Dial failures wrap ErrConnect.
func (cl *Client) Connect(ctx context.Context, u *url.URL) (*Conn, error) {
	addr := hostPort(u)
	dialTimeout := cl.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	dial := cl.Dial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	nc, err := dial(dctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, addr, err)
	}

	readTimeout := cl.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	return NewConn(nc, WithReadTimeout(readTimeout), WithMaxChunkSize(cl.MaxChunkSize), WithHost(addr)), nil
}

func (cl *Client) prepare(u *url.URL, req *Message) *Message {
	h := req.Header.Clone()
	h.Target = u.RequestURI()
	if cl.UserAgent != "" && !h.Has("USER-AGENT") {
		h.Set("USER-AGENT", cl.UserAgent)
	}
	return &Message{Header: h, Body: req.Body}
}

// Do sends req to u and returns the response. The request target is taken
// from u. Cancelling ctx aborts the exchange.
func (cl *Client) Do(ctx context.Context, u *url.URL, req *Message) (*Message, error) {
	conn, err := cl.Connect(ctx, u)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.nc.SetDeadline(time.Now()) })
	defer stop()

	resp, err := conn.RoundTrip(cl.prepare(u, req))
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, fmt.Errorf("%w: %w", cerr, err)
		}
		return nil, err
	}
	return resp, nil
}

// DoAsync starts the exchange and returns immediately. done is called
// exactly once; the connection is closed before it runs.
func (cl *Client) DoAsync(ctx context.Context, u *url.URL, req *Message, done func(Completion)) (OpID, error) {
	conn, err := cl.Connect(ctx, u)
	if err != nil {
		return 0, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.nc.SetDeadline(time.Now()) })
	return conn.StartExchange(cl.prepare(u, req), func(c Completion) {
		stop()
		_ = conn.Close()
		if done != nil {
			done(c)
		}
	}), nil
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}
