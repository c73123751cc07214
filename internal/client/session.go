package client

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/KorszunKarol/go-distort/internal/distort"
	"github.com/KorszunKarol/go-distort/internal/frame"
	"github.com/KorszunKarol/go-distort/internal/transport"
)

// errWorkerLost marks a session failure the resume path can recover from:
// the worker stopped talking before verification completed.
var errWorkerLost = errors.New("worker_lost")

// ErrIntegrity is returned when the returned bytes do not match the digest
// the worker declared.
var ErrIntegrity = errors.New("integrity_check_failed")

// Distort runs one full distortion: dispatch, upload, download, verify.
// If the worker dies mid-session the client asks the coordinator to resume
// once, restarting the stream from byte zero on a fresh worker.
func (c *Client) Distort(ctx context.Context, filename, factorStr string) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	if _, err := distort.ParseFactor(factorStr); err != nil {
		return fmt.Errorf("%w: %v", ErrUserInput, err)
	}
	class, err := ClassForFile(filename)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Join(c.localFolder, filename))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUserInput, err)
	}
	sum := md5hex(data)
	c.logger.Info("distort_request", "file", filename, "factor", factorStr, "class", class)

	addr, err := c.requestWorker(frame.TypeDistortReq, class, filename)
	if err != nil {
		return err
	}
	err = c.workerSession(ctx, addr, filename, factorStr, data, sum)
	if err == nil || !errors.Is(err, errWorkerLost) {
		return err
	}

	// One resume attempt: the coordinator hands out a different primary.
	c.logger.Warn("worker_lost_resuming", "file", filename, "error", err)
	addr, err = c.requestWorker(frame.TypeResumeReq, class, filename)
	if err != nil {
		return err
	}
	return c.workerSession(ctx, addr, filename, factorStr, data, sum)
}

// requestWorker asks the coordinator for an endpoint via DISTORT_REQ or
// RESUME_REQ and decodes the three possible replies.
func (c *Client) requestWorker(reqType uint8, class, filename string) (string, error) {
	if err := c.coord.Send(frame.New(reqType, frame.Join(class, filename))); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRequest, err)
	}
	reply, err := c.await(reqType)
	if err != nil {
		return "", err
	}
	switch reply.Text() {
	case frame.TokenDistortKO:
		return "", fmt.Errorf("%w: no %s worker available", ErrRequest, class)
	case frame.TokenMediaKO:
		return "", fmt.Errorf("%w: coordinator rejected class %s", ErrRequest, class)
	}
	fields, err := frame.Split(reply.Payload(), 2)
	if err != nil {
		return "", fmt.Errorf("%w: malformed endpoint reply", ErrRequest)
	}
	return net.JoinHostPort(fields[0], fields[1]), nil
}

// workerSession runs the streaming and verification phases against one
// worker. Link failures and unexpected or malformed frames before the verdict
// is computed come back wrapped in errWorkerLost so Distort can try the resume
// path; a refused session, a rejected upload digest or an interrupted context
// come back as ErrRequest and are not resumed.
func (c *Client) workerSession(ctx context.Context, addr, filename, factorStr string, data []byte, sum string) error {
	conn, err := transport.Dial(ctx, addr, transport.WithTimeout(c.heartbeat))
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", errWorkerLost, addr, err)
	}
	defer func() { _ = conn.Close() }()

	open := frame.Join(c.username, filename, strconv.Itoa(len(data)), sum, factorStr)
	if err := conn.Send(frame.New(frame.TypeWorkerConnect, open)); err != nil {
		return fmt.Errorf("%w: %v", errWorkerLost, err)
	}
	ack, err := conn.Recv()
	if err != nil {
		return fmt.Errorf("%w: %v", errWorkerLost, err)
	}
	if ack.Type != frame.TypeWorkerConnect || ack.Length != 0 {
		return fmt.Errorf("%w: worker refused session: %s", ErrRequest, ack.Text())
	}

	lim := transport.NewStreamLimiter(c.streamRate)
	for off := 0; off < len(data); off += frame.MaxPayload {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: upload interrupted: %v", ErrRequest, err)
		}
		end := off + frame.MaxPayload
		if end > len(data) {
			end = len(data)
		}
		if err := conn.SendLimited(ctx, frame.New(frame.TypeFileData, data[off:end]), lim); err != nil {
			return fmt.Errorf("%w: upload at byte %d: %v", errWorkerLost, off, err)
		}
	}
	c.logger.Info("upload_complete", "file", filename, "bytes", len(data))

	info, err := conn.Recv()
	if err != nil {
		return fmt.Errorf("%w: %v", errWorkerLost, err)
	}
	if info.Type != frame.TypeFileInfo {
		return fmt.Errorf("%w: expected FILE_INFO, got 0x%02X", errWorkerLost, info.Type)
	}
	if info.Text() == frame.TokenCheckKO {
		return fmt.Errorf("%w: worker rejected upload digest", ErrRequest)
	}
	fields, err := frame.Fields(info)
	if err != nil {
		return fmt.Errorf("%w: malformed FILE_INFO", errWorkerLost)
	}
	newSize, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil || newSize == 0 {
		return fmt.Errorf("%w: bad result size %q", errWorkerLost, fields[0])
	}
	declared := fields[1]

	result := make([]byte, 0, newSize)
	for uint64(len(result)) < newSize {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: download interrupted: %v", ErrRequest, err)
		}
		f, err := conn.Recv()
		if err != nil {
			return fmt.Errorf("%w: download at byte %d: %v", errWorkerLost, len(result), err)
		}
		if f.Type != frame.TypeFileData {
			return fmt.Errorf("%w: unexpected frame 0x%02X during download", errWorkerLost, f.Type)
		}
		result = append(result, f.Payload()...)
	}

	// Verification phase: from here on the session never resumes.
	verdict := frame.TokenCheckOK
	match := md5hex(result) == declared
	if !match {
		verdict = frame.TokenCheckKO
	}
	_ = conn.Send(frame.NewText(frame.TypeMD5Check, verdict))
	conn.StartDrain()
	_ = conn.Send(frame.NewText(frame.TypeDisconnect, c.username))
	if !match {
		return fmt.Errorf("%w: declared %s got %s", ErrIntegrity, declared, md5hex(result))
	}
	if err := os.WriteFile(filepath.Join(c.localFolder, filename), result, 0o644); err != nil {
		return fmt.Errorf("saving distorted file: %w", err)
	}
	c.logger.Info("distortion_complete", "file", filename, "bytes", len(result))
	return nil
}

func md5hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
