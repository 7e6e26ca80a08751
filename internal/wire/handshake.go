package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/rabbitdl/rabbit/internal/bytecodec"
)

// pstr is the standard BitTorrent protocol string.
const pstr = "BitTorrent protocol"

// HandshakeLen is the wire size of the standard handshake prelude:
// 1 (pstrlen) + 19 (pstr) + 8 (reserved) + 20 (info hash) + 20 (peer id).
const HandshakeLen = 1 + len(pstr) + 8 + bytecodec.HashSize + bytecodec.HashSize

// infoHashOffset is only valid for the standard, fixed-length handshake
// this package writes and expects: a non-standard pstr length would
// shift every following field, so this offset must never be hard-coded
// against a handshake this code did not itself construct.
const infoHashOffset = 1 + len(pstr) + 8

// Handshake is the fixed 68-byte prelude exchanged before any framed
// wire message.
type Handshake struct {
	InfoHash [bytecodec.HashSize]byte
	PeerID   [bytecodec.HashSize]byte
}

// NewHandshake builds a standard handshake for the given info hash and
// local peer id.
func NewHandshake(infoHash, peerID [bytecodec.HashSize]byte) Handshake {
	return Handshake{InfoHash: infoHash, PeerID: peerID}
}

// Marshal encodes h into the standard 68-byte wire format.
func (h Handshake) Marshal() []byte {
	buf := make([]byte, HandshakeLen)
	buf[0] = byte(len(pstr))
	copy(buf[1:], pstr)
	// bytes [20:28] are the 8 reserved bytes, left zero: no DHT/extension
	// bits are advertised.
	copy(buf[infoHashOffset:], h.InfoHash[:])
	copy(buf[infoHashOffset+bytecodec.HashSize:], h.PeerID[:])
	return buf
}

// UnmarshalHandshake parses a 68-byte standard handshake. It does not
// validate the pstr or pstrlen beyond length, since a peer using a
// non-standard prelude would shift infoHashOffset and must be rejected
// by the caller's own length/identity checks, not guessed at here.
func UnmarshalHandshake(buf []byte) (Handshake, error) {
	if len(buf) != HandshakeLen {
		return Handshake{}, fmt.Errorf("wire: handshake must be %d bytes, got %d", HandshakeLen, len(buf))
	}
	var h Handshake
	copy(h.InfoHash[:], buf[infoHashOffset:infoHashOffset+bytecodec.HashSize])
	copy(h.PeerID[:], buf[infoHashOffset+bytecodec.HashSize:])
	return h, nil
}

// WriteHandshake writes h to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := w.Write(h.Marshal())
	return err
}

// ReadHandshake reads and parses exactly HandshakeLen bytes from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, err
	}
	return UnmarshalHandshake(buf)
}

// ErrInfoHashMismatch is returned when a peer's handshake carries a
// different info hash than expected.
var ErrInfoHashMismatch = errors.New("wire: handshake info hash mismatch")

// Exchange writes a handshake for (infoHash, peerID) to rw, reads the
// peer's reply, and verifies its info hash matches infoHash. The remote
// peer id is returned but not otherwise authenticated — the wire
// protocol has no mechanism to do so.
func Exchange(rw io.ReadWriter, infoHash, peerID [bytecodec.HashSize]byte) (remotePeerID [bytecodec.HashSize]byte, err error) {
	if err := WriteHandshake(rw, NewHandshake(infoHash, peerID)); err != nil {
		return remotePeerID, fmt.Errorf("wire: send handshake: %w", err)
	}

	reply, err := ReadHandshake(rw)
	if err != nil {
		return remotePeerID, fmt.Errorf("wire: read handshake: %w", err)
	}

	if !bytes.Equal(reply.InfoHash[:], infoHash[:]) {
		return remotePeerID, ErrInfoHashMismatch
	}

	return reply.PeerID, nil
}
