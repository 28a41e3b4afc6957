// Package proto defines the byte protocol spoken between relay and agent:
// a registration preamble on fresh control connections, a handshake on
// fresh data channels, and single-byte frames on the control stream.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Control stream frame types. A registration is not a frame; it is the
// preamble an agent writes exactly once after dialing the relay.
const (
	TypeHeartbeat   byte = 0x00 // either direction, no payload
	TypeNewConn     byte = 0x01 // relay -> agent, followed by a connection ID
	TypeDataChannel byte = 0x02 // agent -> relay, first bytes on a fresh data socket
	TypeRegister    byte = 0x03 // first byte of the registration preamble
)

// IDLen is the wire width of a connection ID (raw UUID bytes).
const IDLen = 16

// RegistrationLen is magic (4 bytes) plus port (uint32 little-endian).
const RegistrationLen = 8

// registerMagic makes control registrations unambiguous against data
// channels and stray connections. The original protocol sent the bare
// port, so classification had to guess from the first byte's value.
var registerMagic = [4]byte{TypeRegister, 'B', 'R', 'W'}

var (
	// ErrFrame reports a truncated or malformed frame. The stream is
	// desynchronized and must be closed.
	ErrFrame = errors.New("truncated or malformed frame")
	// ErrUnknownType reports an unrecognized type byte. The byte has been
	// consumed; the caller may log it and keep reading.
	ErrUnknownType = errors.New("unknown frame type")
	// ErrInvalidPort reports a registration value outside 0-65535.
	ErrInvalidPort = errors.New("registration port out of range")
)

// Frame is one decoded control-stream frame. ConnID is set for
// TypeNewConn and TypeDataChannel.
type Frame struct {
	Type   byte
	ConnID uuid.UUID
}

// ReadFrame decodes the next frame from r. An unrecognized type byte is
// consumed and reported as ErrUnknownType so callers can skip it; a frame
// cut off mid-ID is ErrFrame. Errors on the first byte (EOF, timeouts)
// pass through untouched so callers can tell idleness from loss.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [1]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	f := Frame{Type: hdr[0]}
	switch f.Type {
	case TypeHeartbeat:
		return f, nil
	case TypeNewConn, TypeDataChannel:
		var id [IDLen]byte
		if _, err := io.ReadFull(r, id[:]); err != nil {
			return f, fmt.Errorf("%w: %s id: %v", ErrFrame, TypeName(f.Type), err)
		}
		f.ConnID = uuid.UUID(id)
		return f, nil
	default:
		return f, ErrUnknownType
	}
}

// WriteHeartbeat emits one keepalive byte.
func WriteHeartbeat(w io.Writer) error {
	_, err := w.Write([]byte{TypeHeartbeat})
	return err
}

// WriteNewConn asks the agent to open a data channel for id.
func WriteNewConn(w io.Writer, id uuid.UUID) error {
	return writeIDFrame(w, TypeNewConn, id)
}

// WriteDataHandshake binds a freshly dialed data socket to a pending
// external connection. It must be the first write on the socket.
func WriteDataHandshake(w io.Writer, id uuid.UUID) error {
	return writeIDFrame(w, TypeDataChannel, id)
}

// writeIDFrame emits type and ID in a single Write so concurrent frame
// writers never interleave partial frames.
func writeIDFrame(w io.Writer, t byte, id uuid.UUID) error {
	var buf [1 + IDLen]byte
	buf[0] = t
	copy(buf[1:], id[:])
	_, err := w.Write(buf[:])
	return err
}

// WriteRegistration sends the control-connection preamble:
//
//	+------+-----+-----+-----+------------------------+
//	| 0x03 | 'B' | 'R' | 'W' | forward port uint32 LE |
//	+------+-----+-----+-----+------------------------+
func WriteRegistration(w io.Writer, port uint16) error {
	var buf [RegistrationLen]byte
	copy(buf[:4], registerMagic[:])
	binary.LittleEndian.PutUint32(buf[4:], uint32(port))
	_, err := w.Write(buf[:])
	return err
}

// ReadRegistration consumes a registration preamble and returns the
// forward port. Callers normally peek the first byte beforehand to
// classify the socket.
func ReadRegistration(r io.Reader) (uint16, error) {
	var buf [RegistrationLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("%w: registration: %v", ErrFrame, err)
	}
	if [4]byte(buf[:4]) != registerMagic {
		return 0, fmt.Errorf("%w: bad registration magic %x", ErrFrame, buf[:4])
	}
	port := binary.LittleEndian.Uint32(buf[4:])
	if port > 65535 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	return uint16(port), nil
}

// TypeName renders a frame type for logs.
func TypeName(t byte) string {
	switch t {
	case TypeHeartbeat:
		return "heartbeat"
	case TypeNewConn:
		return "new_connection"
	case TypeDataChannel:
		return "data_channel"
	case TypeRegister:
		return "register"
	default:
		return fmt.Sprintf("0x%02x", t)
	}
}
