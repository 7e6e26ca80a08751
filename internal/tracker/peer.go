package tracker

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/rabbitdl/rabbit/internal/bytecodec"
)

// Peer is a swarm member address as reported by a tracker.
type Peer struct {
	IP   netip.Addr
	Port uint16
}

func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), fmt.Sprintf("%d", p.Port))
}

const strideV4 = 6 // 4-byte IPv4 + 2-byte port

// decodeCompactPeersV4 unpacks an HTTP tracker's compact peer string:
// a byte string whose length is a multiple of 6, each group being a
// 4-byte big-endian IPv4 address followed by a 2-byte big-endian port.
func decodeCompactPeersV4(data []byte) ([]Peer, error) {
	if len(data)%strideV4 != 0 {
		return nil, fmt.Errorf("tracker: compact peers length %d not a multiple of %d", len(data), strideV4)
	}
	n := len(data) / strideV4
	peers := make([]Peer, n)
	for i := 0; i < n; i++ {
		off := i * strideV4
		ip, _ := netip.AddrFromSlice(data[off : off+4])
		port := bytecodec.Uint16(data[off+4 : off+6])
		peers[i] = Peer{IP: ip, Port: port}
	}
	return peers, nil
}

// decodePeers dispatches on the announce response's "peers" field shape:
// a compact byte string is accepted; a non-compact list of dictionaries
// is rejected outright, matching spec.md §4.7's requirement that
// dictionary peer lists be rejected rather than silently unsupported.
func decodePeers(v any) ([]Peer, error) {
	switch val := v.(type) {
	case string:
		return decodeCompactPeersV4([]byte(val))
	case []any:
		return nil, fmt.Errorf("tracker: non-compact (dictionary) peer lists are not supported")
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("tracker: unrecognized peers field type %T", v)
	}
}
