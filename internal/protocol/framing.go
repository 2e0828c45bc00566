package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/cory-johannsen/ludistry/internal/config"
)

// ErrMessageTooLarge is returned when a line exceeds the framer's maximum size.
var ErrMessageTooLarge = errors.New("protocol: message exceeds maximum size")

// Framer splits a connection's byte stream into messages.
type Framer interface {
	// Next blocks until a complete message is available. It returns io.EOF on
	// orderly disconnect.
	Next() ([]byte, error)
}

// NewFramer returns a Framer for mode reading from r.
//
// Precondition: mode is config.FramingLine or config.FramingRead; maxSize > 0.
// Postcondition: Returns a Framer or an error for an unknown mode.
func NewFramer(mode string, r io.Reader, maxSize int) (Framer, error) {
	switch mode {
	case config.FramingLine:
		// bufio needs room for the trailing newline on a maximum-size line
		return &lineFramer{reader: bufio.NewReaderSize(r, maxSize+2), maxSize: maxSize}, nil
	case config.FramingRead:
		return &readFramer{r: r, buf: make([]byte, maxSize)}, nil
	default:
		return nil, fmt.Errorf("unknown framing mode %q", mode)
	}
}

// readFramer treats every successful Read as one whole message. Under TCP a
// read may split or coalesce what the client wrote; clients relying on this
// mode must pace their writes.
type readFramer struct {
	r       io.Reader
	buf     []byte
	pending error
}

func (f *readFramer) Next() ([]byte, error) {
	if f.pending != nil {
		return nil, f.pending
	}
	for {
		n, err := f.r.Read(f.buf)
		if n > 0 {
			f.pending = err
			msg := make([]byte, n)
			copy(msg, f.buf[:n])
			return msg, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// lineFramer yields newline-terminated lines with the line ending removed.
// Blank lines are skipped.
type lineFramer struct {
	reader  *bufio.Reader
	maxSize int
}

func (f *lineFramer) Next() ([]byte, error) {
	for {
		line, err := f.reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			return nil, ErrMessageTooLarge
		}
		// a partial line is only a message when the stream ended cleanly;
		// bufio does not retain other errors, so they end the stream here
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}

		line = bytes.TrimRight(line, "\r\n")
		if len(line) > f.maxSize {
			return nil, ErrMessageTooLarge
		}
		if len(line) == 0 {
			if err != nil {
				return nil, err
			}
			continue
		}
		msg := make([]byte, len(line))
		copy(msg, line)
		// after a final unterminated line, the next call returns io.EOF
		return msg, nil
	}
}
