// Package proxyproto reads the HAProxy PROXY protocol v1 header that
// load balancers prepend to forwarded TCP connections, so the relay can
// log the real client address instead of the balancer's.
package proxyproto

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// maxV1Line is the longest legal v1 header including CRLF.
const maxV1Line = 107

// ErrInvalidHeader reports a connection that does not start with a
// well-formed PROXY v1 line.
var ErrInvalidHeader = errors.New("invalid PROXY header")

// Header carries the original endpoints of a proxied connection.
// Unknown is set for "PROXY UNKNOWN" headers, which carry no addresses.
type Header struct {
	Source  string // host:port of the real client
	Dest    string // host:port the client dialed
	Unknown bool
}

// Read consumes the PROXY v1 line from br and returns the parsed
// header. Bytes beyond the line stay buffered in br and must be handed
// on with the connection.
func Read(br *bufio.Reader) (*Header, error) {
	line, err := br.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return nil, fmt.Errorf("%w: no line terminator", ErrInvalidHeader)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if len(line) > maxV1Line {
		return nil, fmt.Errorf("%w: line too long (%d bytes)", ErrInvalidHeader, len(line))
	}
	if !strings.HasSuffix(string(line), "\r\n") {
		return nil, fmt.Errorf("%w: missing CRLF", ErrInvalidHeader)
	}

	fields := strings.Fields(string(line[:len(line)-2]))
	if len(fields) < 2 || fields[0] != "PROXY" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHeader, string(line))
	}
	switch fields[1] {
	case "UNKNOWN":
		return &Header{Unknown: true}, nil
	case "TCP4", "TCP6":
	default:
		return nil, fmt.Errorf("%w: protocol %q", ErrInvalidHeader, fields[1])
	}
	if len(fields) != 6 {
		return nil, fmt.Errorf("%w: %d fields", ErrInvalidHeader, len(fields))
	}
	for _, ip := range fields[2:4] {
		if net.ParseIP(ip) == nil {
			return nil, fmt.Errorf("%w: address %q", ErrInvalidHeader, ip)
		}
	}
	for _, p := range fields[4:6] {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 65535 {
			return nil, fmt.Errorf("%w: port %q", ErrInvalidHeader, p)
		}
	}
	return &Header{
		Source: net.JoinHostPort(fields[2], fields[4]),
		Dest:   net.JoinHostPort(fields[3], fields[5]),
	}, nil
}
