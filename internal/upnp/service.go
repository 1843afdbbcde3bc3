package upnp

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tr1v3r/gupnp/internal/state"
)

// Service is a UPnP service: actions, state variables and their values.
type Service struct {
	ServiceType string
	ServiceID   string
	SCPDURL     string
	ControlURL  string
	EventSubURL string

	mu      sync.RWMutex
	device  *Device
	actions []*Action
	vars    []*StateVariable
	table   *state.Table
}

func NewService(serviceType, serviceID string) *Service {
	return &Service{ServiceType: serviceType, ServiceID: serviceID, table: state.NewTable()}
}

// Name is the short service name used in URLs, the last segment of the
// service ID.
func (s *Service) Name() string {
	if i := strings.LastIndex(s.ServiceID, ":"); i >= 0 {
		return s.ServiceID[i+1:]
	}
	return s.ServiceID
}

// Device returns the device the service was added to.
func (s *Service) Device() *Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.device
}

// Key identifies the service across devices as "<udn>/<serviceId>".
func (s *Service) Key() string {
	udn := ""
	if d := s.Device(); d != nil {
		udn = d.UDN
	}
	return udn + "/" + s.ServiceID
}

// AddStateVariable declares v with its default value.
func (s *Service) AddStateVariable(v StateVariable) error {
	if v.Name == "" {
		return fmt.Errorf("state variable without name")
	}
	if !v.DataType.Valid() {
		return fmt.Errorf("state variable %s: unknown data type %q", v.Name, v.DataType)
	}
	sv := v
	// the table rejects duplicates; s.mu is never held while taking its lock
	if err := s.table.Declare(sv.Name, sv.Zero(), sv.SendEvents); err != nil {
		return fmt.Errorf("%w: state variable %s", ErrDuplicate, v.Name)
	}
	s.mu.Lock()
	s.vars = append(s.vars, &sv)
	s.mu.Unlock()
	return nil
}

// AddAction declares an action. Every argument must refer to a declared
// state variable.
func (s *Service) AddAction(name string, args ...ArgumentDef) (*Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.actions {
		if a.Name == name {
			return nil, fmt.Errorf("%w: action %s", ErrDuplicate, name)
		}
	}
	for _, d := range args {
		if s.variable(d.RelatedStateVariable) == nil {
			return nil, fmt.Errorf("action %s argument %s: %w: %s", name, d.Name, ErrUnknownVariable, d.RelatedStateVariable)
		}
	}
	a := &Action{Name: name, args: append([]ArgumentDef(nil), args...), service: s}
	s.actions = append(s.actions, a)
	return a, nil
}

// Action returns the named action, or nil.
func (s *Service) Action(name string) *Action {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.actions {
		if a.Name == name {
			return a
		}
	}
	return nil
}

func (s *Service) Actions() []*Action {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Action(nil), s.actions...)
}

// StateVariable returns the named variable definition, or nil.
func (s *Service) StateVariable(name string) *StateVariable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.variable(name)
}

func (s *Service) variable(name string) *StateVariable {
	for _, v := range s.vars {
		if v.Name == name {
			return v
		}
	}
	return nil
}

func (s *Service) StateVariables() []*StateVariable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*StateVariable(nil), s.vars...)
}

// Value returns the current value of a state variable.
func (s *Service) Value(name string) (any, bool) { return s.table.Get(name) }

// SetValue assigns one state variable.
func (s *Service) SetValue(name string, v any) error {
	return s.SetValues(Arguments{{Name: name, Value: v}})
}

// SetValues validates and assigns several variables in one step, so
// subscribers see them in a single event.
func (s *Service) SetValues(values Arguments) error {
	changes := make([]state.Change, 0, len(values))
	for _, a := range values {
		sv := s.StateVariable(a.Name)
		if sv == nil {
			return fmt.Errorf("%w: %s", ErrUnknownVariable, a.Name)
		}
		if err := sv.Check(a.Value); err != nil {
			return err
		}
		changes = append(changes, state.Change{Name: a.Name, Value: a.Value})
	}
	return s.table.Set(changes...)
}

// EventedProperties returns every evented variable in wire form.
func (s *Service) EventedProperties() []Property {
	return s.properties(s.table.Snapshot(true))
}

func (s *Service) properties(changes []state.Change) []Property {
	props := make([]Property, 0, len(changes))
	for _, c := range changes {
		sv := s.StateVariable(c.Name)
		if sv == nil {
			continue
		}
		text, err := sv.DataType.Format(c.Value)
		if err != nil {
			continue
		}
		props = append(props, Property{Name: c.Name, Value: text})
	}
	return props
}

// OnChange calls fn with all evented properties after every change touching
// an evented variable. fn runs under the state lock, in change order.
func (s *Service) OnChange(fn func(props []Property)) (cancel func()) {
	return s.table.Observe(func(_, evented []state.Change) {
		fn(s.properties(evented))
	})
}

// WithEvented runs fn with the current evented properties while holding the
// state lock, so no change is observed between the snapshot and fn's return.
func (s *Service) WithEvented(fn func(props []Property)) {
	s.table.Locked(func(evented []state.Change) {
		fn(s.properties(evented))
	})
}

// ApplyEvent parses received properties with their declared types and
// stores them. Unknown variables are skipped and reported.
func (s *Service) ApplyEvent(props []Property) (applied Arguments, err error) {
	changes := make([]state.Change, 0, len(props))
	var unknown []string
	for _, p := range props {
		sv := s.StateVariable(p.Name)
		if sv == nil {
			unknown = append(unknown, p.Name)
			continue
		}
		x, perr := sv.DataType.Parse(p.Value)
		if perr != nil {
			return nil, fmt.Errorf("property %s: %w", p.Name, perr)
		}
		changes = append(changes, state.Change{Name: p.Name, Value: x})
		applied = append(applied, Argument{Name: p.Name, Value: x})
	}
	if err := s.table.Set(changes...); err != nil {
		return nil, err
	}
	if len(unknown) > 0 {
		return applied, fmt.Errorf("%w: %s", ErrUnknownVariable, strings.Join(unknown, ","))
	}
	return applied, nil
}
