package invoke

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tr1v3r/gupnp/internal/upnp"
)

// Status of an invocation.
type Status int

const (
	StatusNotStarted Status = iota
	StatusRunning
	StatusFinished
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusRunning:
		return "running"
	case StatusFinished:
		return "finished"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Invocation is one execution of an action. Inputs never change; outputs,
// status and result are written once by the executing goroutine.
type Invocation struct {
	Action *upnp.Action

	in upnp.Arguments

	mu     sync.Mutex
	out    upnp.Arguments
	status Status
	err    error
}

func newInvocation(a *upnp.Action, in upnp.Arguments) *Invocation {
	return &Invocation{Action: a, in: in.Clone()}
}

// Inputs returns a copy of the input arguments.
func (inv *Invocation) Inputs() upnp.Arguments { return inv.in.Clone() }

// Outputs returns a copy of the output arguments once finished.
func (inv *Invocation) Outputs() upnp.Arguments {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.out.Clone()
}

func (inv *Invocation) Status() Status {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.status
}

// Err returns the failure of a finished invocation, nil on success.
func (inv *Invocation) Err() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.err
}

// Code returns the UPnP result code: 0 on success.
func (inv *Invocation) Code() int { return upnp.ErrorCode(inv.Err()) }

func (inv *Invocation) result() (upnp.Arguments, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.out.Clone(), inv.err
}

func (inv *Invocation) run(ctx context.Context) {
	inv.mu.Lock()
	inv.status = StatusRunning
	inv.mu.Unlock()

	out, err := execute(ctx, inv.Action, inv.in)

	inv.mu.Lock()
	inv.out, inv.err = out, err
	inv.status = StatusFinished
	inv.mu.Unlock()
}

func execute(ctx context.Context, a *upnp.Action, in upnp.Arguments) (out upnp.Arguments, err error) {
	h := a.Handler()
	if h == nil {
		return nil, &upnp.ActionError{Code: upnp.ErrCodeOptionalActionNotImplemented, Description: a.Name, Err: upnp.ErrNotBound}
	}
	if err := a.CheckInputs(in); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			out, err = nil, upnp.NewActionError(upnp.ErrCodeActionFailed, "%s: handler panic: %v", a.Name, r)
		}
	}()
	out, err = h.Call(ctx, a, in.Clone())
	if err != nil {
		var ae *upnp.ActionError
		if !errors.As(err, &ae) {
			err = &upnp.ActionError{Code: upnp.ErrCodeActionFailed, Description: a.Name, Err: err}
		}
		return nil, err
	}
	if h.Kind() == upnp.LocalHandler {
		if err := a.CheckOutputs(out); err != nil {
			return nil, &upnp.ActionError{Code: upnp.ErrCodeActionFailed, Description: a.Name + ": invalid outputs", Err: err}
		}
	}
	return out, nil
}
