package transport

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// BodyMode is how the body of a received message is delimited.
type BodyMode uint8

const (
	BodyNone BodyMode = iota
	BodyBlob
	BodyChunked
	BodyUntilClose
)

func (m BodyMode) String() string {
	switch m {
	case BodyBlob:
		return "blob"
	case BodyChunked:
		return "chunked"
	case BodyUntilClose:
		return "until-close"
	default:
		return "none"
	}
}

const maxChunkLine = 1 << 10

type parsePhase uint8

const (
	phaseHeader parsePhase = iota
	phaseBody
	phaseDone
)

// parser is an incremental message parser. It is fed arbitrary fragments and
// reports how many bytes it consumed, so bytes of a following pipelined
// message are never swallowed.
type parser struct {
	phase     parsePhase
	hdr       []byte
	header    *Header
	mode      BodyMode
	remaining int64
	chunk     chunkDecoder
	body      bytes.Buffer
}

func (p *parser) done() bool { return p.phase == phaseDone }

func (p *parser) message() *Message {
	return &Message{Header: p.header, Body: p.body.Bytes()}
}

// feed consumes bytes from b and returns the number consumed.
func (p *parser) feed(b []byte) (int, error) {
	n := 0
	for n < len(b) && p.phase != phaseDone {
		switch p.phase {
		case phaseHeader:
			m, err := p.feedHeader(b[n:])
			n += m
			if err != nil {
				return n, err
			}
		case phaseBody:
			m, err := p.feedBody(b[n:])
			n += m
			if err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

func (p *parser) feedHeader(b []byte) (int, error) {
	for i, c := range b {
		if len(p.hdr) == 0 && (c == '\r' || c == '\n') {
			// leading empty lines between messages are ignored
			continue
		}
		p.hdr = append(p.hdr, c)
		if len(p.hdr) > MaxHeaderSize {
			return i + 1, fmt.Errorf("%w: header exceeds %d bytes", ErrInvalidHeader, MaxHeaderSize)
		}
		if c == '\n' && (bytes.HasSuffix(p.hdr, []byte("\n\r\n")) || bytes.HasSuffix(p.hdr, []byte("\n\n"))) {
			if err := p.startBody(); err != nil {
				return i + 1, err
			}
			return i + 1, nil
		}
	}
	return len(b), nil
}

func (p *parser) startBody() error {
	h, err := ParseHeader(p.hdr)
	if err != nil {
		return err
	}
	p.header = h
	p.hdr = nil

	switch {
	case h.Chunked():
		p.mode = BodyChunked
	default:
		n, ok, err := h.ContentLength()
		if err != nil {
			return err
		}
		switch {
		case ok:
			if n > MaxBodySize {
				return fmt.Errorf("%w: content length %d exceeds %d bytes", ErrInvalidData, n, MaxBodySize)
			}
			p.mode = BodyBlob
			p.remaining = n
		case h.IsRequest(), h.StatusCode < 200, h.StatusCode == 204, h.StatusCode == 304:
			p.mode = BodyNone
		default:
			p.mode = BodyUntilClose
		}
	}

	if p.mode == BodyNone || (p.mode == BodyBlob && p.remaining == 0) {
		p.phase = phaseDone
		return nil
	}
	p.phase = phaseBody
	return nil
}

func (p *parser) feedBody(b []byte) (int, error) {
	switch p.mode {
	case BodyBlob:
		n := int(min(int64(len(b)), p.remaining))
		p.body.Write(b[:n])
		if p.remaining -= int64(n); p.remaining == 0 {
			p.phase = phaseDone
		}
		return n, nil
	case BodyChunked:
		n, err := p.chunk.feed(b, &p.body)
		if err != nil {
			return n, err
		}
		if err := p.checkBodySize(); err != nil {
			return n, err
		}
		if p.chunk.done() {
			p.phase = phaseDone
		}
		return n, nil
	default:
		p.body.Write(b)
		return len(b), p.checkBodySize()
	}
}

func (p *parser) checkBodySize() error {
	if p.body.Len() > MaxBodySize {
		return fmt.Errorf("%w: %s body exceeds %d bytes", ErrInvalidData, p.mode, MaxBodySize)
	}
	return nil
}

// eof tells the parser the peer closed its sending side.
func (p *parser) eof() error {
	switch {
	case p.phase == phaseDone:
		return nil
	case p.phase == phaseBody && p.mode == BodyUntilClose:
		p.phase = phaseDone
		return nil
	case p.phase == phaseHeader && len(p.hdr) == 0:
		return fmt.Errorf("%w: connection closed before message", ErrPeerDisconnected)
	default:
		return fmt.Errorf("%w: connection closed mid-message", ErrPeerDisconnected)
	}
}

type chunkState uint8

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataCR
	chunkDataLF
	chunkTrailer
	chunkDone
)

// chunkDecoder decodes a chunked body incrementally.
type chunkDecoder struct {
	state chunkState
	line  []byte
	left  int64
}

func (d *chunkDecoder) done() bool { return d.state == chunkDone }

func (d *chunkDecoder) feed(b []byte, out *bytes.Buffer) (int, error) {
	n := 0
	for n < len(b) && d.state != chunkDone {
		switch d.state {
		case chunkSize, chunkTrailer:
			c := b[n]
			n++
			if c != '\n' {
				if d.line = append(d.line, c); len(d.line) > maxChunkLine {
					return n, fmt.Errorf("%w: chunk line too long", ErrInvalidData)
				}
				continue
			}
			line := strings.TrimSuffix(string(d.line), "\r")
			d.line = d.line[:0]
			if d.state == chunkTrailer {
				if line == "" {
					d.state = chunkDone
				}
				continue
			}
			size, err := parseChunkSize(line)
			if err != nil {
				return n, err
			}
			if size == 0 {
				d.state = chunkTrailer
			} else {
				d.left, d.state = size, chunkData
			}
		case chunkData:
			m := int(min(int64(len(b)-n), d.left))
			out.Write(b[n : n+m])
			n += m
			if d.left -= int64(m); d.left == 0 {
				d.state = chunkDataCR
			}
		case chunkDataCR:
			switch b[n] {
			case '\r':
				d.state = chunkDataLF
			case '\n':
				d.state = chunkSize
			default:
				return n, fmt.Errorf("%w: missing chunk terminator", ErrInvalidData)
			}
			n++
		case chunkDataLF:
			if b[n] != '\n' {
				return n, fmt.Errorf("%w: missing chunk terminator", ErrInvalidData)
			}
			n++
			d.state = chunkSize
		}
	}
	return n, nil
}

func parseChunkSize(line string) (int64, error) {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, fmt.Errorf("%w: empty chunk-size line", ErrInvalidData)
	}
	size, err := strconv.ParseInt(line, 16, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("%w: bad chunk size %q", ErrInvalidData, line)
	}
	return size, nil
}
