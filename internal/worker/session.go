package worker

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/KorszunKarol/go-distort/internal/distort"
	"github.com/KorszunKarol/go-distort/internal/frame"
	"github.com/KorszunKarol/go-distort/internal/metrics"
	"github.com/KorszunKarol/go-distort/internal/transport"
)

// maxUploadSize caps a single session upload. Plenty for the media this
// service handles while bounding a malicious filesize declaration.
const maxUploadSize = 256 << 20

// session is the per-client state for one distortion.
type session struct {
	username string
	filename string
	filesize uint64
	md5hex   string
	factor   float64
}

// parseSession validates the five WORKER_CONNECT subfields.
func parseSession(f frame.Frame) (*session, error) {
	fields, err := frame.Fields(f)
	if err != nil {
		return nil, err
	}
	s := &session{
		username: frame.SanitizeName(fields[0]),
		filename: filepath.Base(fields[1]),
	}
	if s.username == "" || s.filename == "" || s.filename == "." || s.filename == string(filepath.Separator) {
		return nil, fmt.Errorf("%w: bad username or filename", ErrSession)
	}
	s.filesize, err = strconv.ParseUint(fields[2], 10, 64)
	if err != nil || s.filesize == 0 || s.filesize > maxUploadSize {
		return nil, fmt.Errorf("%w: bad filesize %q", ErrSession, fields[2])
	}
	s.md5hex = strings.ToLower(fields[3])
	if len(s.md5hex) != 2*md5.Size {
		return nil, fmt.Errorf("%w: bad md5 %q", ErrSession, fields[3])
	}
	if _, err := hex.DecodeString(s.md5hex); err != nil {
		return nil, fmt.Errorf("%w: bad md5 %q", ErrSession, fields[3])
	}
	s.factor, err = distort.ParseFactor(fields[4])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSession, err)
	}
	return s, nil
}

// serve runs one client session end to end. The return value is the outcome
// reported to the coordinator: true only when the client confirmed the
// digest of what it got back.
func (w *Worker) serve(ctx context.Context, conn *transport.Conn) bool {
	first, err := conn.Recv()
	if err != nil || first.Type != frame.TypeWorkerConnect {
		w.logger.Warn("session_bad_opening", "error", err)
		metrics.IncError(metrics.ErrSession)
		_ = conn.Send(frame.NewText(frame.TypeWorkerConnect, frame.TokenConKO))
		return false
	}
	s, err := parseSession(first)
	if err != nil {
		w.logger.Warn("session_rejected", "error", err)
		metrics.IncError(metrics.ErrSession)
		_ = conn.Send(frame.NewText(frame.TypeWorkerConnect, frame.TokenConKO))
		return false
	}
	if err := conn.Send(frame.New(frame.TypeWorkerConnect, nil)); err != nil {
		return false
	}
	w.logger.Info("new_request", "username", s.username, "file", s.filename,
		"size", s.filesize, "factor", s.factor)

	buf, err := w.receiveFile(conn, s.filesize)
	if err != nil {
		w.logger.Warn("upload_failed", "file", s.filename, "error", err)
		metrics.IncError(metrics.ErrSession)
		return false
	}
	if got := md5hex(buf); got != s.md5hex {
		w.logger.Warn("upload_digest_mismatch", "file", s.filename, "got", got, "want", s.md5hex)
		_ = conn.Send(frame.NewText(frame.TypeFileInfo, frame.TokenCheckKO))
		return false
	}

	result := w.distortFn(buf, s.factor)
	if err := w.persist(s.filename, result); err != nil {
		w.logger.Error("save_failed", "file", s.filename, "error", err)
		return false
	}

	if err := w.returnFile(ctx, conn, result); err != nil {
		w.logger.Warn("return_stream_failed", "file", s.filename, "error", err)
		metrics.IncError(metrics.ErrSession)
		return false
	}

	verdict, err := conn.Recv()
	if err != nil || verdict.Type != frame.TypeMD5Check {
		w.logger.Warn("session_no_verdict", "file", s.filename, "error", err)
		return false
	}
	ok := verdict.Text() == frame.TokenCheckOK
	w.logger.Info("session_verdict", "file", s.filename, "verdict", verdict.Text())

	w.awaitGoodbye(conn, s.username)
	return ok
}

// receiveFile assembles exactly filesize bytes from FILE_DATA frames.
func (w *Worker) receiveFile(conn *transport.Conn, filesize uint64) ([]byte, error) {
	buf := make([]byte, 0, filesize)
	for uint64(len(buf)) < filesize {
		f, err := conn.Recv()
		if err != nil {
			return nil, err
		}
		if f.Type != frame.TypeFileData {
			return nil, fmt.Errorf("%w: unexpected frame 0x%02X during upload", ErrSession, f.Type)
		}
		if uint64(len(buf))+uint64(f.Length) > filesize {
			return nil, fmt.Errorf("%w: upload overruns declared size", ErrSession)
		}
		buf = append(buf, f.Payload()...)
	}
	return buf, nil
}

// returnFile declares the result then streams it back in payload-sized chunks.
func (w *Worker) returnFile(ctx context.Context, conn *transport.Conn, result []byte) error {
	info := frame.Join(strconv.Itoa(len(result)), md5hex(result))
	if err := conn.Send(frame.New(frame.TypeFileInfo, info)); err != nil {
		return err
	}
	lim := transport.NewStreamLimiter(w.streamRate)
	for off := 0; off < len(result); off += frame.MaxPayload {
		end := off + frame.MaxPayload
		if end > len(result) {
			end = len(result)
		}
		if err := conn.SendLimited(ctx, frame.New(frame.TypeFileData, result[off:end]), lim); err != nil {
			return err
		}
	}
	return nil
}

// persist writes the distorted output into the save folder.
func (w *Worker) persist(filename string, data []byte) error {
	path := filepath.Join(w.saveFolder, filename)
	return os.WriteFile(path, data, 0o644)
}

// awaitGoodbye consumes the client's DISCONNECT, or sends ours after a short
// grace if the client stays quiet.
func (w *Worker) awaitGoodbye(conn *transport.Conn, username string) {
	deadline := time.Now().Add(w.heartbeat)
	for time.Now().Before(deadline) {
		f, err := conn.Recv()
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				break
			}
			return
		}
		if f.Type == frame.TypeDisconnect {
			w.logger.Info("client_goodbye", "username", username)
			return
		}
	}
	conn.StartDrain()
	_ = conn.Send(frame.NewText(frame.TypeDisconnect, w.class))
}

func md5hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
