package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/KorszunKarol/go-distort/internal/metrics"
)

// Codec encodes/decodes wire frames. Stateless and safe for concurrent use.
type Codec struct{}

// ErrOversize is returned when a frame declares a payload longer than MaxPayload.
var ErrOversize = errors.New("frame: oversize payload")

// ErrChecksum is returned when the recomputed checksum disagrees with the wire.
var ErrChecksum = errors.New("frame: checksum mismatch")

// ErrTruncated is returned when the underlying reader ends mid-frame.
var ErrTruncated = errors.New("frame: truncated")

// Checksum is the 16-bit sum (mod 2^16) of every octet preceding the
// checksum field, with the checksum bytes themselves treated as zero.
func Checksum(wire []byte) uint16 {
	var sum uint32
	for _, b := range wire[:checksumOff] {
		sum += uint32(b)
	}
	return uint16(sum)
}

// Encode packs f into its 256-byte wire form, computing the checksum.
func (c *Codec) Encode(f Frame) []byte {
	buf := make([]byte, Size)
	buf[0] = f.Type
	binary.BigEndian.PutUint16(buf[1:3], f.Length)
	copy(buf[3:3+MaxPayload], f.Data[:])
	binary.BigEndian.PutUint16(buf[checksumOff:checksumOff+2], Checksum(buf))
	binary.BigEndian.PutUint32(buf[checksumOff+2:], f.Timestamp)
	return buf
}

// EncodeTo writes the wire representation of f to w and returns bytes written.
func (c *Codec) EncodeTo(w io.Writer, f Frame) (int, error) {
	n, err := w.Write(c.Encode(f))
	if err != nil {
		return n, fmt.Errorf("frame encode: %w", err)
	}
	return n, nil
}

// Decode reads exactly one frame from r and validates it.
// It returns io.EOF if called at a clean frame boundary with no more data.
func (c *Codec) Decode(r io.Reader) (Frame, error) {
	var f Frame
	buf := make([]byte, Size)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			metrics.IncMalformed()
			return f, fmt.Errorf("frame decode: %w", ErrTruncated)
		}
		return f, err
	}
	return c.DecodeBytes(buf)
}

// DecodeBytes validates and unpacks a full 256-byte wire buffer.
func (c *Codec) DecodeBytes(buf []byte) (Frame, error) {
	var f Frame
	if len(buf) != Size {
		metrics.IncMalformed()
		return f, fmt.Errorf("frame decode: %w (%d bytes)", ErrTruncated, len(buf))
	}
	ln := binary.BigEndian.Uint16(buf[1:3])
	if ln > MaxPayload {
		metrics.IncMalformed()
		return f, fmt.Errorf("frame decode: %w (%d)", ErrOversize, ln)
	}
	want := binary.BigEndian.Uint16(buf[checksumOff : checksumOff+2])
	if got := Checksum(buf); got != want {
		metrics.IncMalformed()
		return f, fmt.Errorf("frame decode: %w (got 0x%04X want 0x%04X)", ErrChecksum, got, want)
	}
	f.Type = buf[0]
	f.Length = ln
	copy(f.Data[:], buf[3:3+MaxPayload])
	f.Timestamp = binary.BigEndian.Uint32(buf[checksumOff+2:])
	return f, nil
}
