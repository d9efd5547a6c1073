package adb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Smart-socket status words.
const (
	statusOkay = "OKAY"
	statusFail = "FAIL"
)

// Sync sub-protocol ids.
const (
	syncSend = "SEND"
	syncData = "DATA"
	syncDone = "DONE"
	syncQuit = "QUIT"

	syncMaxChunk = 64 * 1024
)

// ServerError is a FAIL reply from the ADB server or device.
type ServerError struct {
	Request string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("adb %s: %s", e.Request, e.Message)
}

var errShortStatus = errors.New("short status reply")

// writeRequest frames a host or device service request.
func writeRequest(w io.Writer, req string) error {
	if len(req) > 0xffff {
		return fmt.Errorf("request too long: %d bytes", len(req))
	}
	_, err := io.WriteString(w, fmt.Sprintf("%04x%s", len(req), req))
	return err
}

// readStatus consumes OKAY or FAIL; FAIL is turned into a ServerError.
func readStatus(r io.Reader, req string) error {
	var status [4]byte
	if _, err := io.ReadFull(r, status[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return errShortStatus
		}
		return err
	}

	switch string(status[:]) {
	case statusOkay:
		return nil
	case statusFail:
		msg, err := readHexString(r)
		if err != nil {
			return fmt.Errorf("read failure message: %w", err)
		}
		return &ServerError{Request: req, Message: msg}
	default:
		return fmt.Errorf("unexpected status %q for %s", status[:], req)
	}
}

// readHexString reads a payload prefixed with a 4-digit hex length.
func readHexString(r io.Reader) (string, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", err
	}
	n, err := strconv.ParseUint(string(hdr[:]), 16, 16)
	if err != nil {
		return "", fmt.Errorf("invalid length prefix %q: %w", hdr[:], err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// roundTrip sends req and waits for its status.
func roundTrip(rw io.ReadWriter, req string) error {
	if err := writeRequest(rw, req); err != nil {
		return err
	}
	return readStatus(rw, req)
}

func writeSyncHeader(w io.Writer, id string, n uint32) error {
	var hdr [8]byte
	copy(hdr[:4], id)
	binary.LittleEndian.PutUint32(hdr[4:], n)
	_, err := w.Write(hdr[:])
	return err
}

// syncSendFile streams src to remotePath over an open sync connection.
func syncSendFile(rw io.ReadWriter, src io.Reader, remotePath string, mode uint32, mtime time.Time) error {
	target := fmt.Sprintf("%s,%d", remotePath, mode)
	if err := writeSyncHeader(rw, syncSend, uint32(len(target))); err != nil {
		return err
	}
	if _, err := io.WriteString(rw, target); err != nil {
		return err
	}

	buf := make([]byte, syncMaxChunk)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if werr := writeSyncHeader(rw, syncData, uint32(n)); werr != nil {
				return werr
			}
			if _, werr := rw.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read source: %w", err)
		}
	}

	if err := writeSyncHeader(rw, syncDone, uint32(mtime.Unix())); err != nil {
		return err
	}

	var reply [8]byte
	if _, err := io.ReadFull(rw, reply[:]); err != nil {
		return fmt.Errorf("read sync reply: %w", err)
	}
	switch string(reply[:4]) {
	case statusOkay:
	case statusFail:
		msg := make([]byte, binary.LittleEndian.Uint32(reply[4:]))
		if _, err := io.ReadFull(rw, msg); err != nil {
			return err
		}
		return &ServerError{Request: "sync:" + syncSend, Message: string(msg)}
	default:
		return fmt.Errorf("unexpected sync reply %q", reply[:4])
	}

	return writeSyncHeader(rw, syncQuit, 0)
}
