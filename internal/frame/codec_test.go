package frame

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func mkFrame(typ uint8, n int) Frame {
	if n < 0 {
		n = 0
	}
	if n > MaxPayload {
		n = MaxPayload
	}
	payload := make([]byte, n)
	rand.Read(payload)
	return New(typ, payload)
}

func TestCodec_RoundTrip(t *testing.T) {
	codec := Codec{}
	for _, f := range []Frame{
		mkFrame(TypeConnectReq, 32),
		mkFrame(TypeFileData, MaxPayload),
		mkFrame(TypeHeartbeat, 0),
		mkFrame(TypeDistortReq, 13),
	} {
		wire := codec.Encode(f)
		if len(wire) != Size {
			t.Fatalf("wire length %d, want %d", len(wire), Size)
		}
		out, err := codec.Decode(bytes.NewReader(wire))
		if err != nil {
			t.Fatalf("decode type 0x%02X: %v", f.Type, err)
		}
		if !Equal(f, out) {
			t.Fatalf("round trip mismatch for type 0x%02X", f.Type)
		}
	}
}

func TestCodec_SingleBitFlipFailsValidation(t *testing.T) {
	codec := Codec{}
	wire := codec.Encode(NewText(TypeDistortReq, "Text&hello.txt"))
	// Flip one bit in every checksummed byte and in the checksum field itself;
	// each mutation must be caught.
	for i := 0; i < checksumOff+2; i++ {
		mut := make([]byte, Size)
		copy(mut, wire)
		mut[i] ^= 0x01
		if _, err := codec.DecodeBytes(mut); err == nil {
			t.Fatalf("bit flip at byte %d slipped through", i)
		}
	}
}

func TestCodec_ChecksumExcludesTimestamp(t *testing.T) {
	codec := Codec{}
	f := NewText(TypeHeartbeat, TokenPing)
	a := codec.Encode(f)
	f.Timestamp++
	b := codec.Encode(f)
	if Checksum(a) != Checksum(b) {
		t.Fatalf("timestamp leaked into checksum")
	}
}

func TestCodec_ChecksumKnownVector(t *testing.T) {
	// Type 0x12, length 4, payload "PING": sum = 0x12 + 0x00 + 0x04 + P+I+N+G.
	f := NewText(TypeHeartbeat, TokenPing)
	wire := (&Codec{}).Encode(f)
	want := uint16(0x12 + 0x04 + 'P' + 'I' + 'N' + 'G')
	got := binary.BigEndian.Uint16(wire[checksumOff : checksumOff+2])
	if got != want {
		t.Fatalf("checksum 0x%04X, want 0x%04X", got, want)
	}
}

func TestCodec_OversizeLengthRejected(t *testing.T) {
	codec := Codec{}
	wire := codec.Encode(mkFrame(TypeFileData, 100))
	binary.BigEndian.PutUint16(wire[1:3], MaxPayload+1)
	_, err := codec.DecodeBytes(wire)
	if !errors.Is(err, ErrOversize) {
		t.Fatalf("expected ErrOversize, got %v", err)
	}
}

func TestCodec_ChecksumMismatchRejected(t *testing.T) {
	codec := Codec{}
	wire := codec.Encode(mkFrame(TypeFileData, 10))
	wire[checksumOff] ^= 0xFF
	_, err := codec.DecodeBytes(wire)
	if !errors.Is(err, ErrChecksum) {
		t.Fatalf("expected ErrChecksum, got %v", err)
	}
}

func TestCodec_TruncatedStream(t *testing.T) {
	codec := Codec{}
	wire := codec.Encode(mkFrame(TypeFileData, 10))
	_, err := codec.Decode(bytes.NewReader(wire[:Size-7]))
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	// Clean boundary: plain EOF, not an error frame.
	_, err = codec.Decode(bytes.NewReader(nil))
	if err != io.EOF {
		t.Fatalf("expected io.EOF at clean boundary, got %v", err)
	}
}

func TestNew_TruncatesOverlongPayload(t *testing.T) {
	long := make([]byte, MaxPayload+50)
	f := New(TypeFileData, long)
	if f.Length != MaxPayload {
		t.Fatalf("length %d, want %d", f.Length, MaxPayload)
	}
}
