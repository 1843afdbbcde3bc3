package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tr1v3r/pkg/log"

	"github.com/tr1v3r/gupnp/internal/monitoring"
	"github.com/tr1v3r/gupnp/internal/transport"
	"github.com/tr1v3r/gupnp/internal/workerpool"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("httpserver: server closed")

// Server accepts connections and serves each one as a pool task.
type Server struct {
	router       *Router
	pool         *workerpool.Pool
	readTimeout  time.Duration
	maxChunkSize int

	mu     sync.Mutex
	lns    map[net.Listener]struct{}
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Server)

func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) { s.readTimeout = d }
}

func WithMaxChunkSize(n int) Option {
	return func(s *Server) { s.maxChunkSize = n }
}

func New(router *Router, pool *workerpool.Pool, opts ...Option) *Server {
	s := &Server{
		router:      router,
		pool:        pool,
		readTimeout: transport.DefaultReadTimeout,
		lns:         make(map[net.Listener]struct{}),
		conns:       make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve accepts connections on ln until ctx is done or the server is closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.lns[ln] = struct{}{}
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	log.Info("http server listening addr=%s", ln.Addr())
	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			delete(s.lns, ln)
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if !s.track(nc) {
			_ = nc.Close()
			return ErrServerClosed
		}
		if err := s.pool.Submit(ctx, func() { s.serveConn(ctx, nc) }); err != nil {
			log.Debug("connection rejected remote=%s err=%v", nc.RemoteAddr(), err)
			s.untrack(nc)
			_ = nc.Close()
		}
	}
}

func (s *Server) track(nc net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[nc] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(nc net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[nc]; ok {
		delete(s.conns, nc)
		s.wg.Done()
	}
}

// Close stops every listener, closes open connections and waits for the
// handlers in flight.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	for ln := range s.lns {
		_ = ln.Close()
	}
	for nc := range s.conns {
		_ = nc.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// serveConn reads requests from one connection until the peer stops asking
// for keep-alive or the connection fails.
func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	defer s.untrack(nc)
	defer nc.Close()

	c := transport.NewConn(nc, transport.WithReadTimeout(s.readTimeout), transport.WithMaxChunkSize(s.maxChunkSize))
	for {
		msg, err := c.Receive()
		if err != nil {
			switch transport.ResultOf(err) {
			case transport.PeerDisconnected, transport.Timeout:
				log.Debug("connection done remote=%s err=%v", nc.RemoteAddr(), err)
			case transport.InvalidHeader, transport.InvalidData:
				log.Debug("malformed request remote=%s err=%v", nc.RemoteAddr(), err)
				c.KeepAlive = false
				_ = c.Send(transport.NewResponse(http.StatusBadRequest, nil))
			default:
				log.Debug("read failed remote=%s err=%v", nc.RemoteAddr(), err)
			}
			return
		}
		if !msg.Header.IsRequest() {
			c.KeepAlive = false
			_ = c.Send(transport.NewResponse(http.StatusBadRequest, nil))
			return
		}

		c.KeepAlive = msg.Header.KeepAlive()
		req := &Request{Message: msg, RemoteAddr: nc.RemoteAddr().String(), conn: c}
		resp := s.router.Dispatch(ctx, req)
		if err := c.Send(resp); err != nil {
			log.Debug("write failed remote=%s err=%v", nc.RemoteAddr(), err)
			for _, fn := range req.after {
				fn(nil)
			}
			return
		}
		for _, fn := range req.after {
			fn(c)
		}
		if !c.KeepAlive || ctx.Err() != nil {
			return
		}
	}
}

// LogMiddleware logs every request and records it in m.
func LogMiddleware(m *monitoring.Metrics) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, r *Request) *transport.Message {
			log.Info("HTTP request method=%s path=%s remote_addr=%s user_agent=%s",
				r.Method(), r.Path(), r.RemoteAddr, r.Header.Get("USER-AGENT"))

			start := time.Now()
			resp := next(ctx, r)
			duration := time.Since(start)

			m.RecordHTTPRequest(r.Method(), duration)

			if resp != nil {
				log.Debug("HTTP request completed method=%s path=%s status=%d duration=%s",
					r.Method(), r.Path(), resp.Header.StatusCode, duration.String())
			}
			return resp
		}
	}
}
