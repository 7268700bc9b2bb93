package brokerservice

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

const (
	ActionPut = "put"
	ActionGet = "get"
)

// Request is one client frame. Message is kept as raw JSON so the payload is
// stored exactly as the publisher encoded it.
type Request struct {
	Action  string          `json:"action"`
	Topic   *string         `json:"topic,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

// Response answers a get. An empty JSON string means no new message.
type Response struct {
	Message json.RawMessage `json:"message"`
}

var emptyMessage = json.RawMessage(`""`)

var errFrameTooLarge = errors.New("frame exceeds maximum size")

// frameDecoder splits a byte stream into JSON values. Bytes of a value that
// has not fully arrived yet are kept until the next Feed.
type frameDecoder struct {
	pending []byte
	max     int
}

// Feed appends data and returns every complete value now available. A syntax
// error drops all buffered bytes and is returned alongside the values decoded
// before it.
func (d *frameDecoder) Feed(data []byte) ([]json.RawMessage, error) {
	d.pending = append(d.pending, data...)
	var frames []json.RawMessage
	for len(d.pending) > 0 {
		dec := json.NewDecoder(bytes.NewReader(d.pending))
		var raw json.RawMessage
		err := dec.Decode(&raw)
		switch {
		case err == nil:
			frames = append(frames, raw)
			d.pending = d.pending[dec.InputOffset():]
		case errors.Is(err, io.EOF):
			d.pending = d.pending[:0]
			return frames, nil
		case errors.Is(err, io.ErrUnexpectedEOF):
			if d.max > 0 && len(d.pending) > d.max {
				d.pending = d.pending[:0]
				return frames, errFrameTooLarge
			}
			return frames, nil
		default:
			d.pending = d.pending[:0]
			return frames, err
		}
	}
	return frames, nil
}
