package tracker

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync/atomic"
	"testing"

	"github.com/rabbitdl/rabbit/internal/bencode"
	"github.com/rabbitdl/rabbit/internal/bytecodec"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDecodeCompactPeersV4(t *testing.T) {
	data := []byte{
		0xC0, 0xA8, 0x01, 0x01, 0x1A, 0xE1,
		0xC0, 0xA8, 0x01, 0x02, 0x1A, 0xE1,
	}
	peers, err := decodeCompactPeersV4(data)
	if err != nil {
		t.Fatalf("decodeCompactPeersV4: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("len(peers) = %d, want 2", len(peers))
	}

	want := []Peer{
		{IP: netip.MustParseAddr("192.168.1.1"), Port: 6881},
		{IP: netip.MustParseAddr("192.168.1.2"), Port: 6881},
	}
	for i, w := range want {
		if peers[i].IP != w.IP || peers[i].Port != w.Port {
			t.Fatalf("peer[%d] = %+v, want %+v", i, peers[i], w)
		}
	}
}

func TestDecodeCompactPeersRejectsBadLength(t *testing.T) {
	if _, err := decodeCompactPeersV4([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for non-multiple-of-6 length")
	}
}

func TestDecodePeersRejectsDictionaryList(t *testing.T) {
	if _, err := decodePeers([]any{map[string]any{"ip": "1.2.3.4"}}); err == nil {
		t.Fatalf("expected non-compact peer lists to be rejected")
	}
}

func TestAnnounceOneRetriesTransportErrorThenSucceeds(t *testing.T) {
	var requests atomic.Int32

	peerBytes := []byte{0xC0, 0xA8, 0x01, 0x01, 0x1A, 0xE1}
	body, err := bencode.Marshal(map[string]any{
		"interval": int64(900),
		"peers":    string(peerBytes),
	})
	if err != nil {
		t.Fatalf("bencode.Marshal: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(body)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, discardLogger())
	c.cfg.TrackerMaxRetries = 5

	resp, err := c.announceOne(srv.URL, AnnounceParams{})
	if err != nil {
		t.Fatalf("announceOne: %v", err)
	}
	if len(resp.Peers) != 1 {
		t.Fatalf("len(resp.Peers) = %d, want 1", len(resp.Peers))
	}
	if got := requests.Load(); got != 3 {
		t.Fatalf("requests = %d, want 3 (2 failed + 1 succeeded)", got)
	}
}

func TestAnnounceOneDoesNotRetryFailureReason(t *testing.T) {
	var requests atomic.Int32

	body, err := bencode.Marshal(map[string]any{"failure reason": "banned"})
	if err != nil {
		t.Fatalf("bencode.Marshal: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write(body)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, discardLogger())
	c.cfg.TrackerMaxRetries = 5

	_, err = c.announceOne(srv.URL, AnnounceParams{})
	if err == nil {
		t.Fatalf("expected a failure-reason error")
	}
	var failure *FailureError
	if !errors.As(err, &failure) {
		t.Fatalf("expected *FailureError, got %T: %v", err, err)
	}
	if got := requests.Load(); got != 1 {
		t.Fatalf("requests = %d, want 1 (no retry on failure reason)", got)
	}
}

func TestUDPConnectPacketLayout(t *testing.T) {
	// Mirrors sendConnectPacket's wire encoding so this test exercises
	// the exact byte layout spec.md §8 specifies for txid 0xDEADBEEF,
	// without requiring a live UDP socket.
	buf := make([]byte, 16)
	bytecodec.PutUint64(buf[0:8], protocolID)
	bytecodec.PutUint32(buf[8:12], actionConnect)
	bytecodec.PutUint32(buf[12:16], 0xDEADBEEF)

	want := []byte{
		0x00, 0x00, 0x04, 0x17, 0x27, 0x10, 0x19, 0x80,
		0x00, 0x00, 0x00, 0x00,
		0xDE, 0xAD, 0xBE, 0xEF,
	}
	if !bytes.Equal(buf, want) {
		t.Fatalf("connect packet = % X, want % X", buf, want)
	}
}
