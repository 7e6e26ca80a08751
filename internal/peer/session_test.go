package peer

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rabbitdl/rabbit/internal/bytecodec"
	"github.com/rabbitdl/rabbit/internal/storage"
	"github.com/rabbitdl/rabbit/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePeer simulates a single remote peer across an in-process pipe:
// performs the handshake, sends a bitfield claiming piece 0, unchokes,
// then serves whatever block the session requests.
func fakePeer(t *testing.T, conn net.Conn, infoHash [20]byte, content []byte) {
	t.Helper()

	remote, err := wire.ReadHandshake(conn)
	if err != nil {
		t.Errorf("fakePeer: read handshake: %v", err)
		return
	}
	if remote.InfoHash != infoHash {
		t.Errorf("fakePeer: info hash mismatch")
		return
	}
	var peerID [20]byte
	copy(peerID[:], "fake-peer-id-2020202")
	if err := wire.WriteHandshake(conn, wire.NewHandshake(infoHash, peerID)); err != nil {
		t.Errorf("fakePeer: write handshake: %v", err)
		return
	}

	bf := make([]byte, 1)
	bf[0] = 0b1000_0000 // bit 0 set: peer claims piece 0
	if err := wire.WriteMessage(conn, wire.NewBitfield(bf)); err != nil {
		t.Errorf("fakePeer: write bitfield: %v", err)
		return
	}

	// consume "interested"
	if _, err := wire.ReadMessage(conn); err != nil {
		t.Errorf("fakePeer: read interested: %v", err)
		return
	}
	if err := wire.WriteMessage(conn, wire.NewUnchoke()); err != nil {
		t.Errorf("fakePeer: write unchoke: %v", err)
		return
	}

	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			return
		}
		if msg.KeepAlive || msg.ID != wire.MessageRequest {
			continue
		}
		req, err := wire.ParseRequest(msg.Payload)
		if err != nil {
			t.Errorf("fakePeer: parse request: %v", err)
			return
		}
		block := content[req.Begin : req.Begin+req.Length]
		if err := wire.WriteMessage(conn, wire.NewPiece(req.Index, req.Begin, block)); err != nil {
			return
		}
	}
}

// TestAcquirePieceResetsMismatchStreakPerCall verifies that hitting
// BitfieldSkipLimit mismatches gives up only for that call, not for the
// rest of the session: a later call against the same peer bitfield must
// still be able to find the one piece it advertises.
func TestAcquirePieceResetsMismatchStreakPerCall(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "out"), 3*16384, 16384, [][20]byte{{}, {}, {}})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer store.Close()

	var infoHash, peerID [20]byte
	sess := NewSession("unused", infoHash, peerID, Config{BitfieldSkipLimit: 2}, store, discardLogger())

	bf := []byte{0x20} // bit 2 set (MSB-first): peer claims only piece index 2
	sess.peerBitfield = bf

	if err := sess.acquirePiece(); err != nil {
		t.Fatalf("first acquirePiece: %v", err)
	}
	if sess.currentPiece != nil {
		t.Fatalf("expected no piece acquired within the mismatch limit, got index %d", sess.currentPiece.Index)
	}

	if err := sess.acquirePiece(); err != nil {
		t.Fatalf("second acquirePiece: %v", err)
	}
	if sess.currentPiece == nil || sess.currentPiece.Index != 2 {
		t.Fatalf("expected piece 2 to be acquired on a later call, got %+v", sess.currentPiece)
	}
}

func TestSessionDownloadsSinglePiece(t *testing.T) {
	content := make([]byte, 16384)
	for i := range content {
		content[i] = byte(i)
	}
	hash := bytecodec.SHA1(content)

	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "out"), int64(len(content)), 16384, [][20]byte{hash})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer store.Close()

	var infoHash, localPeerID [20]byte
	copy(infoHash[:], "infohashinfohash1234")
	copy(localPeerID[:], "local-peer-id-202020")

	clientConn, serverConn := net.Pipe()
	go fakePeer(t, serverConn, infoHash, content)

	cfg := Config{
		ConnectTimeout:    time.Second,
		ReadTimeout:       2 * time.Second,
		IdleTimeout:       5 * time.Second,
		BitfieldSkipLimit: 10,
		MaxRetries:        1,
		RetryBackoffUnit:  time.Millisecond,
	}
	sess := NewSession("pipe", infoHash, localPeerID, cfg, store, discardLogger())
	sess.dialOverride = func(ctx context.Context) (*Socket, error) {
		return newSocketFromConn(clientConn), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	deadline := time.After(4 * time.Second)
	for store.SavedCount() != 1 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for piece to be saved; saved=%d", store.SavedCount())
		case <-time.After(10 * time.Millisecond):
		}
	}

	sess.Terminate()
	<-done

	written, err := os.ReadFile(filepath.Join(dir, "out"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(written) != string(content) {
		t.Fatalf("persisted content mismatch")
	}
}
