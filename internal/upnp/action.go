package upnp

import (
	"context"
	"fmt"
	"sync"
)

// HandlerKind tags how an action is executed.
type HandlerKind int

const (
	// LocalHandler runs in process.
	LocalHandler HandlerKind = iota
	// RemoteProxy forwards the call to a remote device over SOAP.
	RemoteProxy
)

func (k HandlerKind) String() string {
	switch k {
	case LocalHandler:
		return "local"
	case RemoteProxy:
		return "remote"
	default:
		return fmt.Sprintf("HandlerKind(%d)", int(k))
	}
}

// Handler executes an action. Inputs have been validated against the action
// schema when Call is reached through the invocation engine.
type Handler interface {
	Kind() HandlerKind
	Call(ctx context.Context, a *Action, in Arguments) (Arguments, error)
}

// HandlerFunc adapts a function to a local Handler.
type HandlerFunc func(ctx context.Context, in Arguments) (Arguments, error)

func (f HandlerFunc) Kind() HandlerKind { return LocalHandler }

func (f HandlerFunc) Call(ctx context.Context, _ *Action, in Arguments) (Arguments, error) {
	return f(ctx, in)
}

// Action is one service action with its argument schema and bound handler.
type Action struct {
	Name string

	args    []ArgumentDef
	service *Service

	mu      sync.RWMutex
	handler Handler
}

// Arguments returns every declared argument in order.
func (a *Action) Arguments() []ArgumentDef { return append([]ArgumentDef(nil), a.args...) }

// InArgs returns the declared input arguments in order.
func (a *Action) InArgs() []ArgumentDef { return a.filter(DirIn) }

// OutArgs returns the declared output arguments in order.
func (a *Action) OutArgs() []ArgumentDef { return a.filter(DirOut) }

func (a *Action) filter(dir Direction) []ArgumentDef {
	var out []ArgumentDef
	for _, d := range a.args {
		if d.Direction == dir {
			out = append(out, d)
		}
	}
	return out
}

// Service returns the owning service.
func (a *Action) Service() *Service { return a.service }

// Bind sets the action handler. An action is bound at most once.
func (a *Action) Bind(h Handler) error {
	if h == nil {
		return fmt.Errorf("bind %s: nil handler", a.Name)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handler != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyBound, a.Name)
	}
	a.handler = h
	return nil
}

// Handler returns the bound handler, or nil.
func (a *Action) Handler() Handler {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.handler
}

func (a *Action) variable(d ArgumentDef) (*StateVariable, error) {
	if a.service == nil {
		return nil, fmt.Errorf("action %s has no service", a.Name)
	}
	v := a.service.StateVariable(d.RelatedStateVariable)
	if v == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVariable, d.RelatedStateVariable)
	}
	return v, nil
}

// CheckInputs validates in against the input schema: every declared input
// present once and nothing else (402), values valid for their related state
// variables (600, 601).
func (a *Action) CheckInputs(in Arguments) error {
	return a.check(a.InArgs(), in)
}

// CheckOutputs validates handler outputs against the output schema.
func (a *Action) CheckOutputs(out Arguments) error {
	return a.check(a.OutArgs(), out)
}

func (a *Action) check(defs []ArgumentDef, args Arguments) error {
	if len(args) != len(defs) {
		return NewActionError(ErrCodeInvalidArgs, "%s: want %d arguments, got %d", a.Name, len(defs), len(args))
	}
	seen := make(map[string]bool, len(args))
	for _, arg := range args {
		if seen[arg.Name] {
			return NewActionError(ErrCodeInvalidArgs, "%s: duplicate argument %s", a.Name, arg.Name)
		}
		seen[arg.Name] = true
	}
	for _, d := range defs {
		x, ok := args.Get(d.Name)
		if !ok {
			return NewActionError(ErrCodeInvalidArgs, "%s: missing argument %s", a.Name, d.Name)
		}
		v, err := a.variable(d)
		if err != nil {
			return &ActionError{Code: ErrCodeInvalidArgs, Description: a.Name, Err: err}
		}
		if err := v.Check(x); err != nil {
			return err
		}
	}
	return nil
}

// ParseInputs converts wire arguments into typed inputs in declaration order.
func (a *Action) ParseInputs(raw []RawArgument) (Arguments, error) {
	return a.parse(a.InArgs(), raw)
}

// ParseOutputs converts wire arguments into typed outputs in declaration order.
func (a *Action) ParseOutputs(raw []RawArgument) (Arguments, error) {
	return a.parse(a.OutArgs(), raw)
}

func (a *Action) parse(defs []ArgumentDef, raw []RawArgument) (Arguments, error) {
	if len(raw) != len(defs) {
		return nil, NewActionError(ErrCodeInvalidArgs, "%s: want %d arguments, got %d", a.Name, len(defs), len(raw))
	}
	byName := make(map[string]string, len(raw))
	for _, r := range raw {
		if _, dup := byName[r.Name]; dup {
			return nil, NewActionError(ErrCodeInvalidArgs, "%s: duplicate argument %s", a.Name, r.Name)
		}
		byName[r.Name] = r.Value
	}
	out := make(Arguments, 0, len(defs))
	for _, d := range defs {
		s, ok := byName[d.Name]
		if !ok {
			return nil, NewActionError(ErrCodeInvalidArgs, "%s: missing argument %s", a.Name, d.Name)
		}
		v, err := a.variable(d)
		if err != nil {
			return nil, &ActionError{Code: ErrCodeInvalidArgs, Description: a.Name, Err: err}
		}
		x, err := v.ParseValue(s)
		if err != nil {
			return nil, err
		}
		out = append(out, Argument{Name: d.Name, Value: x})
	}
	return out, nil
}

// FormatArgs renders typed arguments into wire form using their related
// state variable types.
func (a *Action) FormatArgs(args Arguments) ([]RawArgument, error) {
	out := make([]RawArgument, 0, len(args))
	for _, arg := range args {
		d, ok := a.def(arg.Name)
		if !ok {
			return nil, NewActionError(ErrCodeInvalidArgs, "%s: unknown argument %s", a.Name, arg.Name)
		}
		v, err := a.variable(d)
		if err != nil {
			return nil, &ActionError{Code: ErrCodeInvalidArgs, Description: a.Name, Err: err}
		}
		s, err := v.DataType.Format(arg.Value)
		if err != nil {
			return nil, &ActionError{Code: ErrCodeArgumentValueInvalid, Description: arg.Name, Err: err}
		}
		out = append(out, RawArgument{Name: arg.Name, Value: s})
	}
	return out, nil
}

func (a *Action) def(name string) (ArgumentDef, bool) {
	for _, d := range a.args {
		if d.Name == name {
			return d, true
		}
	}
	return ArgumentDef{}, false
}
