package upnp

// Direction of an action argument.
type Direction string

const (
	DirIn  Direction = "in"
	DirOut Direction = "out"
)

// ArgumentDef declares one action argument and the state variable that
// carries its type.
type ArgumentDef struct {
	Name                 string
	Direction            Direction
	RelatedStateVariable string
	Retval               bool
}

// In declares an input argument.
func In(name, related string) ArgumentDef {
	return ArgumentDef{Name: name, Direction: DirIn, RelatedStateVariable: related}
}

// Out declares an output argument.
func Out(name, related string) ArgumentDef {
	return ArgumentDef{Name: name, Direction: DirOut, RelatedStateVariable: related}
}

// Argument is a typed argument value.
type Argument struct {
	Name  string
	Value any
}

// Arguments is an ordered argument list.
type Arguments []Argument

// Get returns the value named name.
func (a Arguments) Get(name string) (any, bool) {
	for _, arg := range a {
		if arg.Name == name {
			return arg.Value, true
		}
	}
	return nil, false
}

// Clone returns a copy of the list. Byte slices are copied too.
func (a Arguments) Clone() Arguments {
	if a == nil {
		return nil
	}
	out := make(Arguments, len(a))
	for i, arg := range a {
		if b, ok := arg.Value.([]byte); ok {
			arg.Value = append([]byte(nil), b...)
		}
		out[i] = arg
	}
	return out
}

// RawArgument is an argument in wire form.
type RawArgument struct {
	Name  string
	Value string
}

// Args builds an argument list from name/value pairs.
func Args(pairs ...any) Arguments {
	out := make(Arguments, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		name, _ := pairs[i].(string)
		out = append(out, Argument{Name: name, Value: pairs[i+1]})
	}
	return out
}
