package tracker

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"time"

	"github.com/rabbitdl/rabbit/internal/bytecodec"
)

// protocolID is the BEP-15 magic constant identifying a connect request.
const protocolID uint64 = 0x41727101980

const (
	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
	actionError    uint32 = 3
)

const eventStarted uint32 = 2

// FallbackTrackers is a static list of well-known public UDP trackers
// tried, in order, when a torrent's own UDP announce URL fails. HTTP
// trackers do not fall back to this list — only UDP does, per spec.md
// §4.7.
var FallbackTrackers = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://tracker.openbittorrent.com:6969/announce",
	"udp://exodus.desync.com:6969/announce",
	"udp://tracker.torrent.eu.org:451/announce",
}

// UDPTracker implements the two-phase BEP-15 connect/announce exchange
// over a single UDP socket.
type UDPTracker struct {
	addr    string
	timeout time.Duration
	log     *slog.Logger
}

// NewUDPTracker returns a client for the given "host:port" UDP tracker
// address.
func NewUDPTracker(addr string, timeout time.Duration, log *slog.Logger) *UDPTracker {
	return &UDPTracker{addr: addr, timeout: timeout, log: log}
}

func (t *UDPTracker) Announce(params AnnounceParams) (*AnnounceResponse, error) {
	conn, err := net.Dial("udp", t.addr)
	if err != nil {
		return nil, fmt.Errorf("udptracker: dial %s: %w", t.addr, err)
	}
	defer conn.Close()

	connID, err := t.connect(conn)
	if err != nil {
		return nil, err
	}

	return t.announce(conn, connID, params)
}

// connect performs the BEP-15 connect handshake, retrying with
// exponential backoff (15s * 2^n, per BEP-15, with each wait capped at
// four times the configured timeout) until a matching reply arrives or
// the retry budget is exhausted.
func (t *UDPTracker) connect(conn net.Conn) (uint64, error) {
	const maxAttempts = 4
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		txID := randU32()
		if err := t.sendConnectPacket(conn, txID); err != nil {
			return 0, err
		}

		conn.SetReadDeadline(time.Now().Add(t.backoffWindow(attempt)))
		connID, err := t.readConnectPacket(conn, txID)
		if err == nil {
			return connID, nil
		}
		lastErr = err
	}
	return 0, fmt.Errorf("udptracker: connect failed after %d attempts: %w", maxAttempts, lastErr)
}

// sendConnectPacket writes the 16-byte connect request:
// [protocol_id u64][action=0 u32][transaction_id u32].
func (t *UDPTracker) sendConnectPacket(conn net.Conn, txID uint32) error {
	buf := make([]byte, 16)
	bytecodec.PutUint64(buf[0:8], protocolID)
	bytecodec.PutUint32(buf[8:12], actionConnect)
	bytecodec.PutUint32(buf[12:16], txID)
	_, err := conn.Write(buf)
	return err
}

// readConnectPacket reads the 16-byte connect response:
// [action u32][transaction_id u32][connection_id u64].
func (t *UDPTracker) readConnectPacket(conn net.Conn, wantTxID uint32) (uint64, error) {
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if err != nil {
		return 0, err
	}
	if n < 16 {
		return 0, fmt.Errorf("udptracker: short connect response (%d bytes)", n)
	}

	action := bytecodec.Uint32(buf[0:4])
	txID := bytecodec.Uint32(buf[4:8])
	if txID != wantTxID {
		return 0, fmt.Errorf("udptracker: transaction id mismatch")
	}
	if action == actionError {
		return 0, fmt.Errorf("udptracker: error: %s", string(buf[8:n]))
	}
	if action != actionConnect {
		return 0, fmt.Errorf("udptracker: unexpected action %d", action)
	}
	return bytecodec.Uint64(buf[8:16]), nil
}

// announce sends the 98-byte announce request:
// [connection_id u64][action=1 u32][transaction_id u32][info_hash 20]
// [peer_id 20][downloaded u64][left u64][uploaded u64][event u32]
// [ip u32][key u32][num_want i32][port u16]
// and parses the reply's interval/peer list.
func (t *UDPTracker) announce(conn net.Conn, connID uint64, p AnnounceParams) (*AnnounceResponse, error) {
	txID := randU32()
	if err := t.sendAnnouncePacket(conn, connID, txID, p); err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(t.timeout))
	return t.readAnnouncePacket(conn, txID)
}

func (t *UDPTracker) sendAnnouncePacket(conn net.Conn, connID uint64, txID uint32, p AnnounceParams) error {
	buf := make([]byte, 98)
	bytecodec.PutUint64(buf[0:8], connID)
	bytecodec.PutUint32(buf[8:12], actionAnnounce)
	bytecodec.PutUint32(buf[12:16], txID)
	copy(buf[16:36], p.InfoHash[:])
	copy(buf[36:56], p.PeerID[:])
	bytecodec.PutUint64(buf[56:64], uint64(p.Downloaded))
	bytecodec.PutUint64(buf[64:72], uint64(p.Left))
	bytecodec.PutUint64(buf[72:80], uint64(p.Uploaded))
	bytecodec.PutUint32(buf[80:84], eventStarted)
	bytecodec.PutUint32(buf[84:88], 0) // ip = 0 (let tracker infer)
	bytecodec.PutUint32(buf[88:92], randU32())
	bytecodec.PutUint32(buf[92:96], 0xFFFFFFFF) // num_want = -1 (int32, two's complement)
	bytecodec.PutUint16(buf[96:98], p.Port)

	_, err := conn.Write(buf)
	return err
}

func (t *UDPTracker) readAnnouncePacket(conn net.Conn, wantTxID uint32) (*AnnounceResponse, error) {
	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	if n < 20 {
		return nil, fmt.Errorf("udptracker: short announce response (%d bytes)", n)
	}

	action := bytecodec.Uint32(buf[0:4])
	txID := bytecodec.Uint32(buf[4:8])
	if txID != wantTxID {
		return nil, fmt.Errorf("udptracker: transaction id mismatch")
	}
	if action == actionError {
		return nil, fmt.Errorf("udptracker: error: %s", string(buf[8:n]))
	}
	if action != actionAnnounce {
		return nil, fmt.Errorf("udptracker: unexpected action %d", action)
	}

	interval := bytecodec.Uint32(buf[8:12])
	peerBytes := buf[20:n]
	if len(peerBytes)%6 != 0 {
		peerBytes = peerBytes[:len(peerBytes)-len(peerBytes)%6]
	}
	peers, err := decodeCompactPeersV4(peerBytes)
	if err != nil {
		return nil, err
	}

	return &AnnounceResponse{Interval: int64(interval), Peers: peers}, nil
}

func (t *UDPTracker) backoffWindow(attempt int) time.Duration {
	base := 15 * time.Second
	for i := 0; i < attempt; i++ {
		base *= 2
	}
	if base > t.timeout*4 {
		base = t.timeout * 4
	}
	return base
}

func randU32() uint32 { return rand.Uint32() }
