package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// DefaultMaxFrame bounds a single netstring payload.
const DefaultMaxFrame = 4 << 20

var ErrFrameTooLarge = errors.New("netstring frame too large")

// NetstringEncoder writes payloads as netstrings: <length>:<data>,
type NetstringEncoder struct {
	w io.Writer
}

func NewNetstringEncoder(w io.Writer) *NetstringEncoder {
	return &NetstringEncoder{w: w}
}

// Encode writes one frame with a single Write call.
func (e *NetstringEncoder) Encode(data []byte) error {
	frame := make([]byte, 0, len(data)+12)
	frame = strconv.AppendInt(frame, int64(len(data)), 10)
	frame = append(frame, ':')
	frame = append(frame, data...)
	frame = append(frame, ',')
	_, err := e.w.Write(frame)
	return err
}

// NetstringDecoder reads netstring frames from a stream.
type NetstringDecoder struct {
	r   *bufio.Reader
	max int
}

// NewNetstringDecoder creates a decoder; limit <= 0 selects DefaultMaxFrame.
func NewNetstringDecoder(r io.Reader, limit int) *NetstringDecoder {
	if limit <= 0 {
		limit = DefaultMaxFrame
	}
	return &NetstringDecoder{r: bufio.NewReader(r), max: limit}
}

// Decode returns the payload of the next frame. A malformed frame is an
// error; the stream cannot be resynchronised after it.
func (d *NetstringDecoder) Decode() ([]byte, error) {
	length := 0
	digits := 0
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			if digits > 0 && errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if b == ':' {
			break
		}
		if b < '0' || b > '9' {
			return nil, fmt.Errorf("netstring: unexpected byte %q in length", b)
		}
		digits++
		length = length*10 + int(b-'0')
		if length > d.max {
			return nil, fmt.Errorf("%w: more than %d bytes", ErrFrameTooLarge, d.max)
		}
	}
	if digits == 0 {
		return nil, errors.New("netstring: empty length")
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, fmt.Errorf("netstring: reading payload: %w", err)
	}
	end, err := d.r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("netstring: reading terminator: %w", err)
	}
	if end != ',' {
		return nil, fmt.Errorf("netstring: missing terminator, got %q", end)
	}
	return payload, nil
}
