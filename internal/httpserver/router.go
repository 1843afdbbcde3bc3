package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/tr1v3r/gupnp/internal/transport"
)

// Request is an inbound request as seen by a Handler.
type Request struct {
	*transport.Message

	// Vars holds the path variables of the matched route.
	Vars       map[string]string
	RemoteAddr string

	conn  *transport.Conn
	after []func(c *transport.Conn)
}

// Var returns the path variable name.
func (r *Request) Var(name string) string { return r.Vars[name] }

// Method returns the request method.
func (r *Request) Method() string { return r.Header.Method }

// Path returns the request target without its query.
func (r *Request) Path() string {
	p, _, _ := strings.Cut(r.Header.Target, "?")
	return p
}

// KeepAlive reports whether the connection stays open after the response.
func (r *Request) KeepAlive() bool { return r.conn != nil && r.conn.KeepAlive }

// AfterReply registers fn to run with the connection once the response has
// been written, before the next request is read from it. fn gets a nil
// connection when the response could not be written.
func (r *Request) AfterReply(fn func(c *transport.Conn)) {
	r.after = append(r.after, fn)
}

// Handler answers one request.
type Handler func(ctx context.Context, r *Request) *transport.Message

// Middleware wraps a Handler.
type Middleware func(Handler) Handler

// entry carries a Handler through gorilla/mux route matching.
type entry struct{ h Handler }

func (entry) ServeHTTP(http.ResponseWriter, *http.Request) {}

// Router dispatches requests by method and path template.
type Router struct {
	mux *mux.Router
	mws []Middleware
}

func NewRouter() *Router {
	return &Router{mux: mux.NewRouter()}
}

// Handle registers h for method on path. path may hold {name} variables.
func (rt *Router) Handle(method, path string, h Handler) {
	rt.mux.Handle(path, entry{h}).Methods(method)
}

// Use appends middlewares; the first one added runs outermost.
func (rt *Router) Use(mws ...Middleware) {
	rt.mws = append(rt.mws, mws...)
}

// Dispatch matches r and runs its handler. Unknown paths get 404, known
// paths with another method 405.
func (rt *Router) Dispatch(ctx context.Context, r *Request) *transport.Message {
	h := rt.match(r)
	for i := len(rt.mws) - 1; i >= 0; i-- {
		h = rt.mws[i](h)
	}
	resp := h(ctx, r)
	if resp == nil {
		resp = transport.NewResponse(http.StatusInternalServerError, nil)
	}
	return resp
}

func (rt *Router) match(r *Request) Handler {
	target := r.Header.Target
	if !strings.HasPrefix(target, "/") {
		// absolute-form target
		if i := strings.Index(target, "://"); i >= 0 {
			if j := strings.IndexByte(target[i+3:], '/'); j >= 0 {
				target = target[i+3+j:]
			} else {
				target = "/"
			}
		}
	}
	hr, err := http.NewRequest(r.Header.Method, "http://localhost"+target, nil)
	if err != nil {
		return status(http.StatusBadRequest)
	}

	var m mux.RouteMatch
	if !rt.mux.Match(hr, &m) {
		if errors.Is(m.MatchErr, mux.ErrMethodMismatch) {
			return status(http.StatusMethodNotAllowed)
		}
		return status(http.StatusNotFound)
	}
	e, ok := m.Handler.(entry)
	if !ok {
		return status(http.StatusNotFound)
	}
	r.Vars = m.Vars
	return e.h
}

func status(code int) Handler {
	return func(context.Context, *Request) *transport.Message {
		return transport.NewResponse(code, nil)
	}
}
