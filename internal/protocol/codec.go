package protocol

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	frameHeaderBytes = 4
	// DefaultMaxFrameBytes caps a single frame unless overridden on the decoder.
	DefaultMaxFrameBytes = 1 << 20
)

// ErrFrameTooLarge is returned when a frame header exceeds the decoder limit.
var ErrFrameTooLarge = errors.New("frame too large")

// Encoder writes values as length-prefixed JSON frames.
type Encoder struct {
	writer io.Writer
}

// Decoder reads length-prefixed JSON frames.
type Decoder struct {
	reader        *bufio.Reader
	MaxFrameBytes int
}

// NewEncoder creates a new encoder for the given writer.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{writer: w}
}

// NewDecoder creates a new decoder for the given reader.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: bufio.NewReader(r), MaxFrameBytes: DefaultMaxFrameBytes}
}

// Encode writes v as a single frame.
func (e *Encoder) Encode(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return e.WriteFrame(ctx, data)
}

// WriteFrame writes already serialized JSON as a single frame.
func (e *Encoder) WriteFrame(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	frame := make([]byte, frameHeaderBytes+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[frameHeaderBytes:], data)

	_, err := e.writer.Write(frame)
	return err
}

// Decode reads the next frame into v.
func (d *Decoder) Decode(ctx context.Context, v any) error {
	data, err := d.ReadFrame(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// ReadFrame returns the raw JSON body of the next frame.
func (d *Decoder) ReadFrame(ctx context.Context) ([]byte, error) {
	header := make([]byte, frameHeaderBytes)
	if err := d.readFull(ctx, header); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header)
	if length == 0 {
		return nil, errors.New("frame length zero")
	}
	if d.MaxFrameBytes > 0 && int(length) > d.MaxFrameBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	payload := make([]byte, length)
	if err := d.readFull(ctx, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (d *Decoder) readFull(ctx context.Context, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	read := 0
	for read < len(buf) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := d.reader.Read(buf[read:])
		if err != nil {
			if errors.Is(err, io.EOF) && read > 0 {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		read += n
	}
	return nil
}
