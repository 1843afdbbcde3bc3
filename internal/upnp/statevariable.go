package upnp

import (
	"errors"
	"math"
	"slices"
)

// Range constrains a numeric state variable. Step 0 means any value.
type Range struct {
	Min  float64
	Max  float64
	Step float64
}

// StateVariable describes one entry of a service state table.
type StateVariable struct {
	Name          string
	DataType      DataType
	DefaultValue  string
	AllowedValues []string
	Range         *Range
	SendEvents    bool
}

// Zero returns the initial value of v: its parsed default, or the zero value
// of its data type.
func (v *StateVariable) Zero() any {
	if v.DefaultValue != "" {
		if x, err := v.DataType.Parse(v.DefaultValue); err == nil {
			return x
		}
	}
	x, err := v.DataType.Parse(zeroText(v.DataType))
	if err != nil {
		return ""
	}
	return x
}

func zeroText(t DataType) string {
	switch {
	case t.Numeric():
		return "0"
	case t == TypeBoolean:
		return "0"
	case t == TypeChar:
		return " "
	case t == TypeDate:
		return "0001-01-01"
	case t == TypeDateTime:
		return "0001-01-01T00:00:00"
	case t == TypeDateTimeTZ:
		return "0001-01-01T00:00:00Z"
	case t == TypeTime:
		return "00:00:00"
	case t == TypeTimeTZ:
		return "00:00:00Z"
	}
	return ""
}

// Check validates x against the variable's type, allowed values and range.
// Failures are ActionErrors with code 600 (invalid value) or 601 (out of range).
func (v *StateVariable) Check(x any) error {
	if err := v.DataType.CheckType(x); err != nil {
		return &ActionError{Code: ErrCodeArgumentValueInvalid, Description: v.Name, Err: err}
	}
	if len(v.AllowedValues) > 0 {
		s, _ := v.DataType.Format(x)
		if !slices.Contains(v.AllowedValues, s) {
			return NewActionError(ErrCodeArgumentValueInvalid, "%s: %q not in allowed value list", v.Name, s)
		}
	}
	if v.Range != nil {
		f, ok := toFloat(x)
		if !ok {
			return nil
		}
		if f < v.Range.Min || f > v.Range.Max {
			return NewActionError(ErrCodeArgumentValueOutOfRange, "%s: %v outside [%v, %v]", v.Name, x, v.Range.Min, v.Range.Max)
		}
		if v.Range.Step > 0 {
			n := (f - v.Range.Min) / v.Range.Step
			if math.Abs(n-math.Round(n)) > 1e-9 {
				return NewActionError(ErrCodeArgumentValueOutOfRange, "%s: %v not on step %v", v.Name, x, v.Range.Step)
			}
		}
	}
	return nil
}

// ParseValue parses wire text s and checks the result.
func (v *StateVariable) ParseValue(s string) (any, error) {
	x, err := v.DataType.Parse(s)
	if err != nil {
		code := ErrCodeArgumentValueInvalid
		if errors.Is(err, errRange) {
			code = ErrCodeArgumentValueOutOfRange
		}
		return nil, &ActionError{Code: code, Description: v.Name, Err: err}
	}
	if err := v.Check(x); err != nil {
		return nil, err
	}
	return x, nil
}
