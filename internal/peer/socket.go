// Package peer implements PeerSocket (framed TCP transport) and
// PeerSession (the per-peer download state machine).
package peer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rabbitdl/rabbit/internal/wire"
)

// Socket is a framed TCP connection to one peer, with independent
// connect and read deadlines. Close is idempotent.
type Socket struct {
	conn net.Conn

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to addr within connectTimeout.
func Dial(ctx context.Context, addr string, connectTimeout time.Duration) (*Socket, error) {
	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", addr, err)
	}
	return &Socket{conn: conn}, nil
}

// newSocketFromConn wraps an already-established connection, bypassing
// Dial. Used by tests to drive a Session over an in-process net.Pipe.
func newSocketFromConn(conn net.Conn) *Socket {
	return &Socket{conn: conn}
}

// Handshake exchanges the 68-byte prelude, verifying the peer's info
// hash matches infoHash, and returns the peer's advertised id.
func (s *Socket) Handshake(infoHash, peerID [20]byte, timeout time.Duration) ([20]byte, error) {
	s.conn.SetDeadline(time.Now().Add(timeout))
	defer s.conn.SetDeadline(time.Time{})
	return wire.Exchange(s.conn, infoHash, peerID)
}

// ReadMessage reads one length-prefixed frame within readTimeout.
func (s *Socket) ReadMessage(readTimeout time.Duration) (wire.Message, error) {
	s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	return wire.ReadMessage(s.conn)
}

// WriteMessage writes one length-prefixed frame within readTimeout (the
// same budget governs writes, since a stalled peer is equally unusable
// on either direction).
func (s *Socket) WriteMessage(m wire.Message, writeTimeout time.Duration) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return wire.WriteMessage(s.conn, m)
}

// Close closes the underlying connection. Safe to call more than once.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
