package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// Transport errors.
var (
	// ErrTimeout indicates no bytes arrived within the idle window.
	ErrTimeout = errors.New("transport: timeout")

	// ErrPeerDisconnected indicates the remote end closed the connection.
	ErrPeerDisconnected = errors.New("transport: peer disconnected")

	// ErrInvalidHeader indicates a malformed start line or field line.
	ErrInvalidHeader = errors.New("transport: invalid header")

	// ErrInvalidData indicates a malformed chunk-size line or chunk terminator.
	ErrInvalidData = errors.New("transport: invalid data")

	// ErrIO is any other I/O failure.
	ErrIO = errors.New("transport: i/o error")

	// ErrConnect indicates the connection could not be established.
	ErrConnect = errors.New("transport: connect failed")
)

// Result is the outcome of one transport operation.
type Result uint8

const (
	Success Result = iota
	Timeout
	PeerDisconnected
	InvalidHeader
	InvalidData
	GenericIoError
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Timeout:
		return "timeout"
	case PeerDisconnected:
		return "peer disconnected"
	case InvalidHeader:
		return "invalid header"
	case InvalidData:
		return "invalid data"
	default:
		return "generic i/o error"
	}
}

// ResultOf maps an error returned by this package onto a Result.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrTimeout):
		return Timeout
	case errors.Is(err, ErrPeerDisconnected):
		return PeerDisconnected
	case errors.Is(err, ErrInvalidHeader):
		return InvalidHeader
	case errors.Is(err, ErrInvalidData):
		return InvalidData
	default:
		return GenericIoError
	}
}

// classify wraps a raw network error into one of the transport sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrTimeout, ErrPeerDisconnected, ErrInvalidHeader, ErrInvalidData, ErrIO, ErrConnect} {
		if errors.Is(err, known) {
			return err
		}
	}

	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout(), errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return fmt.Errorf("%w: %v", ErrPeerDisconnected, err)
	default:
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
}
