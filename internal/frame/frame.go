package frame

import (
	"bytes"
	"strings"
	"time"
)

// Message types. 0x10..0x12 are the literal byte values, not decimal 10..12.
const (
	TypeConnectReq    uint8 = 0x01 // client -> coordinator
	TypeWorkerReg     uint8 = 0x02 // worker -> coordinator
	TypeWorkerConnect uint8 = 0x03 // client -> worker
	TypeFileInfo      uint8 = 0x04 // worker -> client
	TypeFileData      uint8 = 0x05 // both ways
	TypeMD5Check      uint8 = 0x06 // both ways
	TypeDisconnect    uint8 = 0x07 // any -> any
	TypeNewMain       uint8 = 0x08 // coordinator -> worker
	TypeError         uint8 = 0x09 // any -> any
	TypeDistortReq    uint8 = 0x10 // client -> coordinator
	TypeResumeReq     uint8 = 0x11 // client -> coordinator
	TypeHeartbeat     uint8 = 0x12 // any -> any
)

// Wire geometry. The frame is exactly 256 bytes; all multi-byte integers are
// big-endian. The checksum sits after the payload and before the timestamp,
// so it covers type, length and data but never the timestamp.
const (
	Size        = 256
	MaxPayload  = 247
	checksumOff = 1 + 2 + MaxPayload // 250
)

// Delimiter separates textual subfields inside a payload.
const Delimiter = "&"

// Payload tokens used by the request/reply grammars.
const (
	TokenDistortKO = "DISTORT_KO"
	TokenMediaKO   = "MEDIA_KO"
	TokenConKO     = "CON_KO"
	TokenCheckOK   = "CHECK_OK"
	TokenCheckKO   = "CHECK_KO"
	TokenPing      = "PING"
	TokenPong      = "PONG"
)

// Media classes as spelled on the wire.
const (
	ClassText  = "Text"
	ClassMedia = "Media"
)

// ValidClass reports whether s is a protocol media class.
func ValidClass(s string) bool { return s == ClassText || s == ClassMedia }

// Nickname returns the log-only worker nickname for a class.
func Nickname(class string) string {
	if class == ClassText {
		return "Enigma"
	}
	return "Harley"
}

// Frame is the 256-byte wire unit as a plain value. Only the first Length
// bytes of Data are significant; the remainder is zero on the wire.
type Frame struct {
	Type      uint8
	Length    uint16
	Data      [MaxPayload]byte
	Timestamp uint32
}

// New builds a frame of the given type carrying payload, stamped with the
// current time. Payloads longer than MaxPayload are truncated; callers that
// stream bulk data chunk to MaxPayload themselves.
func New(typ uint8, payload []byte) Frame {
	f := Frame{Type: typ, Timestamp: uint32(time.Now().Unix())}
	n := len(payload)
	if n > MaxPayload {
		n = MaxPayload
	}
	f.Length = uint16(n)
	copy(f.Data[:], payload[:n])
	return f
}

// NewText is New over a string payload.
func NewText(typ uint8, payload string) Frame { return New(typ, []byte(payload)) }

// Payload returns the significant bytes of the frame data.
func (f *Frame) Payload() []byte { return f.Data[:f.Length] }

// Text returns the payload as a string.
func (f *Frame) Text() string { return string(f.Payload()) }

// Join assembles delimiter-separated subfields into a payload.
func Join(fields ...string) []byte {
	return []byte(strings.Join(fields, Delimiter))
}

// Equal compares the significant parts of two frames (timestamp included).
func Equal(a, b Frame) bool {
	return a.Type == b.Type && a.Length == b.Length && a.Timestamp == b.Timestamp &&
		bytes.Equal(a.Data[:a.Length], b.Data[:b.Length])
}
