package transport

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

// OpID identifies one non-blocking exchange.
type OpID uint64

var lastOpID atomic.Uint64

func nextOpID() OpID { return OpID(lastOpID.Add(1)) }

// State is the progress of an Exchange.
type State uint8

const (
	StateNotStarted State = iota
	StateWritingHeaderAndBody
	StateReadingHeader
	StateReadingBody
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateWritingHeaderAndBody:
		return "WritingHeaderAndBody"
	case StateReadingHeader:
		return "ReadingHeader"
	case StateReadingBody:
		return "ReadingBody"
	case StateSucceeded:
		return "Succeeded"
	default:
		return "Failed"
	}
}

// Completion is delivered once when an exchange finishes.
type Completion struct {
	ID       OpID
	State    State
	Response *Message
	Err      error
	Result   Result
}

// Exchange is one request/response pair as an explicit state machine that
// performs no I/O itself. The driver writes Pending() and reports progress
// with Advance, then feeds received bytes with Feed. Writes resume at the
// exact offset where the previous write stopped.
type Exchange struct {
	id    OpID
	out   []byte
	off   int
	state State
	p     parser
	err   error
}

// NewExchange serializes req with the given chunk-size policy.
func NewExchange(req *Message, maxChunkSize int) *Exchange {
	return newExchange(encode(req, maxChunkSize))
}

func newExchange(wire []byte) *Exchange {
	return &Exchange{id: nextOpID(), out: wire}
}

// ID returns the operation identifier.
func (x *Exchange) ID() OpID { return x.id }

// State returns the current state.
func (x *Exchange) State() State { return x.state }

// BodyMode returns how the response body is framed; valid from StateReadingBody on.
func (x *Exchange) BodyMode() BodyMode { return x.p.mode }

// Done reports whether the exchange reached a terminal state.
func (x *Exchange) Done() bool { return x.state == StateSucceeded || x.state == StateFailed }

// Pending returns the bytes still to be written.
func (x *Exchange) Pending() []byte {
	if x.state == StateNotStarted {
		x.state = StateWritingHeaderAndBody
	}
	if x.state != StateWritingHeaderAndBody {
		return nil
	}
	return x.out[x.off:]
}

// Advance records that n more bytes were written.
func (x *Exchange) Advance(n int) {
	if x.state == StateNotStarted {
		x.state = StateWritingHeaderAndBody
	}
	if x.state != StateWritingHeaderAndBody || n <= 0 {
		return
	}
	x.off = min(x.off+n, len(x.out))
	if x.off == len(x.out) {
		x.state = StateReadingHeader
	}
}

// Feed consumes received bytes and returns how many were used. Bytes past
// the end of the response are left to the caller.
func (x *Exchange) Feed(b []byte) (int, error) {
	switch x.state {
	case StateReadingHeader, StateReadingBody:
	case StateSucceeded, StateFailed:
		return 0, x.err
	default:
		x.Fail(fmt.Errorf("%w: response data before request was written", ErrInvalidData))
		return 0, x.err
	}

	n, err := x.p.feed(b)
	if err != nil {
		x.Fail(err)
		return n, x.err
	}
	x.sync()
	return n, nil
}

// CloseRead signals that the peer closed the connection.
func (x *Exchange) CloseRead() error {
	if x.Done() {
		return x.err
	}
	if x.state == StateNotStarted || x.state == StateWritingHeaderAndBody {
		x.Fail(fmt.Errorf("%w: closed while writing", ErrPeerDisconnected))
		return x.err
	}
	if err := x.p.eof(); err != nil {
		x.Fail(err)
		return x.err
	}
	x.sync()
	return nil
}

// Fail moves the exchange to StateFailed.
func (x *Exchange) Fail(err error) {
	if x.Done() {
		return
	}
	if err == nil {
		err = ErrIO
	}
	x.err = classify(err)
	x.state = StateFailed
}

func (x *Exchange) sync() {
	switch x.p.phase {
	case phaseBody:
		x.state = StateReadingBody
	case phaseDone:
		x.state = StateSucceeded
	}
}

// Response returns the parsed response once the exchange succeeded.
func (x *Exchange) Response() *Message {
	if x.state != StateSucceeded {
		return nil
	}
	return x.p.message()
}

// Err returns the failure, if any.
func (x *Exchange) Err() error { return x.err }

// Completion snapshots the terminal outcome.
func (x *Exchange) Completion() Completion {
	return Completion{ID: x.id, State: x.state, Response: x.Response(), Err: x.err, Result: ResultOf(x.err)}
}

// StartExchange runs req over c without blocking the caller. done is called
// exactly once, from the driving goroutine, when the exchange finishes.
func (c *Conn) StartExchange(req *Message, done func(Completion)) OpID {
	x := newExchange(c.prepare(req))
	go c.drive(x, done)
	return x.ID()
}

func (c *Conn) drive(x *Exchange, done func(Completion)) {
	defer func() {
		if err := x.Err(); err != nil {
			c.lastErr = err.Error()
		}
		if done != nil {
			done(x.Completion())
		}
	}()

	for p := x.Pending(); len(p) > 0; p = x.Pending() {
		c.arm()
		n, err := c.nc.Write(p)
		x.Advance(n)
		if err != nil {
			x.Fail(err)
			return
		}
	}

	for !x.Done() {
		if len(c.pending) > 0 {
			n, _ := x.Feed(c.pending)
			c.pending = c.pending[n:]
			continue
		}
		c.arm()
		n, err := c.nc.Read(c.rbuf)
		if n > 0 {
			c.pending = c.rbuf[:n]
			m, _ := x.Feed(c.pending)
			c.pending = c.pending[m:]
		}
		if err != nil && !x.Done() {
			if errors.Is(err, io.EOF) {
				_ = x.CloseRead()
			} else {
				x.Fail(err)
			}
		}
	}
}
