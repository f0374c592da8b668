package agentproto

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// maxFrameBytes bounds a single protocol line. Oversized lines indicate a
// misbehaving agent and abort the decode loop.
const maxFrameBytes = 1 << 20

// ErrMalformed marks a single bad line; the stream remains readable.
var ErrMalformed = errors.New("malformed frame")

// Encoder writes control frames as NDJSON lines. Safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode marshals the frame and writes it followed by a newline.
func (e *Encoder) Encode(frame *ControlFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Decoder reads agent frames from an NDJSON stream.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	return &Decoder{scanner: scanner}
}

// Decode reads the next frame. Blank lines are skipped. A malformed line
// returns an error but the decoder remains usable for subsequent lines.
// io.EOF signals a cleanly closed stream.
func (d *Decoder) Decode() (*AgentFrame, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame AgentFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if frame.Kind == "" {
			return nil, fmt.Errorf("%w: missing kind", ErrMalformed)
		}
		return &frame, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
