package invoke

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tr1v3r/pkg/log"

	"github.com/tr1v3r/gupnp/internal/monitoring"
	"github.com/tr1v3r/gupnp/internal/upnp"
	"github.com/tr1v3r/gupnp/internal/workerpool"
)

// DefaultTimeout bounds an invocation whose context has no deadline.
const DefaultTimeout = 30 * time.Second

// Mode selects the completion behaviour of InvokeAsync.
type Mode int

const (
	// ModeNormal calls the callback exactly once.
	ModeNormal Mode = iota
	// ModeFireAndForget only guarantees that the call is dispatched.
	ModeFireAndForget
)

// CallID identifies an asynchronous invocation.
type CallID uint64

// Callback receives a finished asynchronous invocation.
type Callback func(id CallID, inv *Invocation)

// Engine executes actions on a worker pool or on their own goroutines.
type Engine struct {
	pool    *workerpool.Pool
	metrics *monitoring.Metrics
	timeout time.Duration

	lastID  atomic.Uint64
	mu      sync.Mutex
	pending map[CallID]*Invocation
	wg      sync.WaitGroup
}

type Option func(*Engine)

// WithTimeout sets the deadline applied when a caller's context has none.
func WithTimeout(d time.Duration) Option { return func(e *Engine) { e.timeout = d } }

func WithMetrics(m *monitoring.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func NewEngine(pool *workerpool.Pool, opts ...Option) *Engine {
	e := &Engine{pool: pool, timeout: DefaultTimeout, pending: make(map[CallID]*Invocation)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

// detached returns the context a worker runs under: it keeps ctx's values,
// ignores its cancellation and ends e.timeout after ctx's deadline.
func (e *Engine) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if dl, ok := ctx.Deadline(); ok && e.timeout > 0 {
		return context.WithDeadline(base, dl.Add(e.timeout))
	}
	return context.WithCancel(base)
}

func (e *Engine) record(inv *Invocation) {
	e.metrics.RecordUPnPAction()
	if err := inv.Err(); err != nil {
		e.metrics.RecordUPnPError()
	}
}

// Invoke runs a on the worker pool and waits for the result or for ctx to
// end. On timeout the worker is left to finish and its result is dropped;
// the handler's context outlives ctx by the engine timeout.
func (e *Engine) Invoke(ctx context.Context, a *upnp.Action, in upnp.Arguments) (upnp.Arguments, error) {
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()
	wctx, wcancel := e.detached(ctx)
	inv := newInvocation(a, in)
	done := make(chan struct{})

	if err := e.pool.Submit(ctx, func() {
		defer close(done)
		defer wcancel()
		inv.run(wctx)
		e.record(inv)
	}); err != nil {
		wcancel()
		return nil, &upnp.ActionError{Code: upnp.ErrCodeActionFailed, Description: a.Name + ": not dispatched", Err: err}
	}

	select {
	case <-done:
		out, err := inv.result()
		if err != nil {
			log.CtxDebug(ctx, "invoke failed action=%s code=%d err=%v", a.Name, upnp.ErrorCode(err), err)
		}
		return out, err
	case <-ctx.Done():
		err := ctx.Err()
		log.CtxInfo(ctx, "invoke timed out action=%s err=%v", a.Name, err)
		return nil, &upnp.ActionError{Code: upnp.ErrCodeActionFailed, Description: a.Name + ": timed out", Err: err}
	}
}

// InvokeAsync starts a on its own goroutine and returns immediately. In
// ModeNormal cb runs exactly once and the call is unregistered before it.
func (e *Engine) InvokeAsync(a *upnp.Action, in upnp.Arguments, mode Mode, cb Callback) CallID {
	id := CallID(e.lastID.Add(1))
	inv := newInvocation(a, in)
	if mode == ModeNormal {
		e.mu.Lock()
		e.pending[id] = inv
		e.mu.Unlock()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := e.withDeadline(context.Background())
		defer cancel()

		inv.run(ctx)
		e.record(inv)
		if mode != ModeNormal {
			if err := inv.Err(); err != nil {
				log.Debug("fire-and-forget call failed id=%d action=%s err=%v", id, a.Name, err)
			}
			return
		}

		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		if cb != nil {
			cb(id, inv)
		}
	}()
	return id
}

// Pending reports whether the asynchronous call id is still registered.
func (e *Engine) Pending(id CallID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[id]
	return ok
}

// Wait blocks until every asynchronous call has finished or ctx ends.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("pending asynchronous invocations"), ctx.Err())
	}
}
