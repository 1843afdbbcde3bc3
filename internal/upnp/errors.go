package upnp

import (
	"errors"
	"fmt"
)

// UPnP action error codes.
const (
	ErrCodeInvalidAction                = 401
	ErrCodeInvalidArgs                  = 402
	ErrCodeActionFailed                 = 501
	ErrCodeArgumentValueInvalid         = 600
	ErrCodeArgumentValueOutOfRange      = 601
	ErrCodeOptionalActionNotImplemented = 602
	ErrCodeOutOfMemory                  = 603
	ErrCodeHumanInterventionRequired    = 604
	ErrCodeStringArgumentTooLong        = 605
)

// Model errors.
var (
	ErrAlreadyBound    = errors.New("action handler already bound")
	ErrNotBound        = errors.New("action has no handler")
	ErrUnknownVariable = errors.New("unknown state variable")
	ErrUnknownAction   = errors.New("unknown action")
	ErrDuplicate       = errors.New("duplicate definition")
)

// ActionError is a UPnP action failure with its numeric error code. The code
// travels unchanged from a remote SOAP fault to the local caller.
type ActionError struct {
	Code        int
	Description string
	Err         error
}

// NewActionError returns an ActionError with code and description.
func NewActionError(code int, format string, args ...any) *ActionError {
	return &ActionError{Code: code, Description: fmt.Sprintf(format, args...)}
}

func (e *ActionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upnp error %d: %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("upnp error %d: %s", e.Code, e.Description)
}

func (e *ActionError) Unwrap() error { return e.Err }

// ErrorCode extracts the UPnP error code carried by err. Errors without one
// map to ErrCodeActionFailed; nil maps to 0.
func ErrorCode(err error) int {
	if err == nil {
		return 0
	}
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ErrCodeActionFailed
}

// ErrorDescription returns the standard description for a code.
func ErrorDescription(code int) string {
	switch code {
	case ErrCodeInvalidAction:
		return "Invalid Action"
	case ErrCodeInvalidArgs:
		return "Invalid Args"
	case ErrCodeActionFailed:
		return "Action Failed"
	case ErrCodeArgumentValueInvalid:
		return "Argument Value Invalid"
	case ErrCodeArgumentValueOutOfRange:
		return "Argument Value Out of Range"
	case ErrCodeOptionalActionNotImplemented:
		return "Optional Action Not Implemented"
	case ErrCodeOutOfMemory:
		return "Out of Memory"
	case ErrCodeHumanInterventionRequired:
		return "Human Intervention Required"
	case ErrCodeStringArgumentTooLong:
		return "String Argument Too Long"
	default:
		return "Action Failed"
	}
}
