package omcp

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	commentPrefix = ": "
	eventPrefix   = "event: "
	dataPrefix    = "data: "
)

// Frame is one completed SSE wire frame: a named event and its data line.
type Frame struct {
	Event string
	Data  string
}

// FrameParser turns the raw bytes of an SSE stream into Frames.
//
// A frame is complete as soon as both an "event: " and a "data: " line have been seen,
// blank lines only separate frames and never terminate them. Lines starting with ": "
// are comments. Partial lines and a half-built frame are kept between calls to Feed, so
// the frames produced do not depend on how the stream was split into chunks.
//
// The zero value is ready to use and accepts lines of any length. A FrameParser is not
// safe for concurrent use.
type FrameParser struct {
	// MaxLineSize caps the length of a line in bytes, zero or less means no cap. Longer
	// lines are dropped whole, without buffering more than MaxLineSize bytes of them.
	MaxLineSize int

	partial    []byte
	current    Frame
	discarding bool
}

// Feed consumes the next chunk of the stream and returns every frame it completes, in
// wire order.
//
// A line that is not valid UTF-8 or exceeds MaxLineSize is dropped. Parsing goes on with
// the remaining lines, and Feed reports ErrInvalidEncoding or ErrLineTooLong alongside the
// frames that were completed.
func (p *FrameParser) Feed(chunk []byte) ([]Frame, error) {
	p.partial = append(p.partial, chunk...)

	var frames []Frame
	var badLines, longLines int
	for {
		i := bytes.IndexByte(p.partial, '\n')
		if i < 0 {
			break
		}
		line := p.partial[:i]
		p.partial = p.partial[i+1:]

		if p.discarding {
			// Tail of a line already reported as too long.
			p.discarding = false
			continue
		}
		if p.MaxLineSize > 0 && len(line) > p.MaxLineSize {
			longLines++
			continue
		}

		frame, ok, valid := p.line(line)
		if !valid {
			badLines++
			continue
		}
		if ok {
			frames = append(frames, frame)
		}
	}
	if p.MaxLineSize > 0 && len(p.partial) > p.MaxLineSize {
		if !p.discarding {
			longLines++
		}
		p.discarding = true
		p.partial = nil
	}
	// Let the buffer shrink back once everything was consumed.
	if len(p.partial) == 0 {
		p.partial = nil
	}

	var errs []error
	if badLines > 0 {
		errs = append(errs, fmt.Errorf("%w: %d line(s) dropped", ErrInvalidEncoding, badLines))
	}
	if longLines > 0 {
		errs = append(errs, fmt.Errorf("%w: %d line(s) over %d bytes dropped", ErrLineTooLong, longLines, p.MaxLineSize))
	}
	return frames, errors.Join(errs...)
}

// Flush processes a trailing line that was not terminated by a newline, as found at the
// end of a finished stream.
func (p *FrameParser) Flush() (Frame, bool, error) {
	if p.discarding {
		p.discarding = false
		p.partial = nil
		return Frame{}, false, nil
	}
	if len(p.partial) == 0 {
		return Frame{}, false, nil
	}
	line := p.partial
	p.partial = nil

	frame, ok, valid := p.line(line)
	if !valid {
		return Frame{}, false, fmt.Errorf("%w: 1 line(s) dropped", ErrInvalidEncoding)
	}
	return frame, ok, nil
}

// Reset discards buffered bytes and any half-built frame. The pump calls it when the
// stream is replaced, frames never span two connections.
func (p *FrameParser) Reset() {
	p.partial = nil
	p.current = Frame{}
	p.discarding = false
}

func (p *FrameParser) line(raw []byte) (Frame, bool, bool) {
	raw = bytes.TrimSuffix(raw, []byte{'\r'})
	if len(raw) == 0 {
		return Frame{}, false, true
	}
	if !utf8.Valid(raw) {
		return Frame{}, false, false
	}

	line := string(raw)
	switch {
	case strings.HasPrefix(line, commentPrefix):
		return Frame{}, false, true
	case strings.HasPrefix(line, eventPrefix):
		p.current.Event = line[len(eventPrefix):]
	case strings.HasPrefix(line, dataPrefix):
		p.current.Data = line[len(dataPrefix):]
	}

	if p.current.Event == "" || p.current.Data == "" {
		return Frame{}, false, true
	}
	frame := p.current
	p.current = Frame{}
	return frame, true, true
}

// ParseFrames parses a complete buffer in one go.
func ParseFrames(data []byte) ([]Frame, error) {
	var p FrameParser
	frames, err := p.Feed(data)
	last, ok, fErr := p.Flush()
	if ok {
		frames = append(frames, last)
	}
	if err == nil {
		err = fErr
	}
	return frames, err
}
