package jsonrpc

import (
	"bufio"
	"io"
	"sync"
	"sync/atomic"
)

const (
	initialBufSize = 64 * 1024
	maxFrameSize   = 10 * 1024 * 1024
)

// Encoder writes newline-framed messages to a stream and hands out the
// monotonic request ids. Safe for concurrent use.
type Encoder struct {
	mu     sync.Mutex
	w      io.Writer
	nextID atomic.Int64
}

// NewEncoder creates an encoder writing to w. Request ids start at 1.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Request builds a request with the next id, writes it, and returns the id
// for response correlation.
func (e *Encoder) Request(method string, params any) (int64, error) {
	id := e.nextID.Add(1)
	msg, err := NewRequest(id, method, params)
	if err != nil {
		return 0, err
	}
	return id, e.Send(msg)
}

// Notify writes a notification.
func (e *Encoder) Notify(method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return e.Send(msg)
}

// Respond writes a response for a peer-issued request id.
func (e *Encoder) Respond(id int64, result any) error {
	msg, err := NewResponse(id, result)
	if err != nil {
		return err
	}
	return e.Send(msg)
}

// RespondError writes an error response for a peer-issued request id.
func (e *Encoder) RespondError(id int64, code int, message string) error {
	msg, err := NewError(id, code, message, nil)
	if err != nil {
		return err
	}
	return e.Send(msg)
}

// Send writes an already-built message as one frame.
func (e *Encoder) Send(m *Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(data)
	return err
}

// Decoder reads newline-framed messages from a stream.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a decoder reading from r. Frames up to 10 MiB are
// accepted; tool results can be large.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, initialBufSize), maxFrameSize)
	return &Decoder{scanner: s}
}

// Next reads and validates the next frame. Blank lines are skipped. Returns
// io.EOF when the stream ends.
func (d *Decoder) Next() (*Message, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return Decode(line)
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
