package frame

import (
	"errors"
	"fmt"
	"strings"
)

// ErrArity is returned when a payload does not carry the subfield count its
// frame type requires.
var ErrArity = errors.New("frame: payload arity mismatch")

// requestArity maps frame types to the subfield count of their request-side
// payload grammar. Reply payloads (acks, endpoints, KO tokens) are free-form
// and parsed by the handler that expects them.
var requestArity = map[uint8]int{
	TypeConnectReq:    3, // username&ip&port
	TypeWorkerReg:     3, // class&ip&port
	TypeWorkerConnect: 5, // username&filename&filesize&md5&factor
	TypeFileInfo:      2, // filesize&md5
	TypeDistortReq:    2, // class&filename
	TypeResumeReq:     2, // class&filename
}

// Split cuts payload into exactly n subfields on the first n-1 delimiters.
// Only the last field may itself contain the delimiter byte. Usernames are
// sanitized against it (SanitizeName); filenames are not.
func Split(payload []byte, n int) ([]string, error) {
	fields := strings.SplitN(string(payload), Delimiter, n)
	if len(fields) != n {
		return nil, fmt.Errorf("%w: got %d of %d fields", ErrArity, len(fields), n)
	}
	return fields, nil
}

// Fields parses a request payload according to the schema table for its type.
func Fields(f Frame) ([]string, error) {
	n, ok := requestArity[f.Type]
	if !ok {
		return nil, fmt.Errorf("%w: no request schema for type 0x%02X", ErrArity, f.Type)
	}
	return Split(f.Payload(), n)
}

// SanitizeName strips every delimiter occurrence from a declared name. The
// wire grammar reserves the delimiter, so names must never carry it.
func SanitizeName(s string) string {
	return strings.ReplaceAll(s, Delimiter, "")
}
