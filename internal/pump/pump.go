// Package pump moves bytes between two paired sockets.
package pump

import (
	"bytes"
	"io"
	"net"
	"sync"
)

// Join copies in both directions until either side closes or errors,
// then closes both sockets and waits for the opposite direction to
// drain. The first direction to finish wins the close.
func Join(a, b net.Conn) {
	var wg sync.WaitGroup
	var once sync.Once
	closeBoth := func() { _ = a.Close(); _ = b.Close() }
	copyFn := func(dst, src net.Conn) { defer wg.Done(); io.Copy(dst, src); once.Do(closeBoth) }
	wg.Add(2)
	go copyFn(a, b)
	go copyFn(b, a)
	wg.Wait()
}

// Prefixed returns c with rest replayed before any further socket reads.
// Handshakes are parsed through a buffered reader; bytes the buffer held
// beyond the handshake belong to the stream and must be delivered first.
func Prefixed(c net.Conn, rest []byte) net.Conn {
	if len(rest) == 0 {
		return c
	}
	return &prefixedConn{Conn: c, r: io.MultiReader(bytes.NewReader(rest), c)}
}

type prefixedConn struct {
	net.Conn
	r io.Reader
}

func (p *prefixedConn) Read(b []byte) (int, error) { return p.r.Read(b) }
