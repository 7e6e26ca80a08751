package swarm

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/rabbitdl/rabbit/internal/bytecodec"
	"github.com/rabbitdl/rabbit/internal/config"
	"github.com/rabbitdl/rabbit/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStorage(t *testing.T, pieces [][]byte) *storage.Storage {
	t.Helper()
	const pieceLength = 16384
	var total int64
	hashes := make([][20]byte, 0, len(pieces))
	for _, p := range pieces {
		total += int64(len(p))
		hashes = append(hashes, bytecodec.SHA1(p))
	}
	store, err := storage.Open(filepath.Join(t.TempDir(), "out"), total, pieceLength, hashes)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	return store
}

func TestSuperviseProgressCompletesWhenFullySaved(t *testing.T) {
	content := make([]byte, 16384)
	store := openTestStorage(t, [][]byte{content})

	p := store.NextPiece()
	p.SaveBlock(0, content)
	if err := store.PieceProcessed(p); err != nil {
		t.Fatalf("PieceProcessed: %v", err)
	}

	d := &Driver{cfg: config.Config{
		PollInterval:      10 * time.Millisecond,
		StallTimeout:      time.Second,
		PollIntervalFinal: 10 * time.Millisecond,
		StallTimeoutFinal: time.Second,
	}, log: discardLogger()}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := d.superviseProgress(ctx, store, false); err != nil {
		t.Fatalf("superviseProgress: %v", err)
	}
}

func TestSuperviseProgressDetectsStall(t *testing.T) {
	content := make([]byte, 16384)
	store := openTestStorage(t, [][]byte{content})

	d := &Driver{cfg: config.Config{
		PollInterval: 5 * time.Millisecond,
		StallTimeout: 30 * time.Millisecond,
	}, log: discardLogger()}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := d.superviseProgress(ctx, store, false)
	if err == nil {
		t.Fatalf("expected stall error, got nil")
	}
}

func TestSuperviseProgressForcesRequeueOnFinalAttempt(t *testing.T) {
	content := make([]byte, 16384)
	store := openTestStorage(t, [][]byte{content, content})
	store.NextPiece()
	store.NextPiece() // both pieces checked out, none saved, queue now empty

	d := &Driver{cfg: config.Config{
		PollIntervalFinal: 5 * time.Millisecond,
		StallTimeoutFinal: time.Hour,
	}, log: discardLogger()}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := d.superviseProgress(ctx, store, true)
	if err != context.DeadlineExceeded {
		t.Fatalf("superviseProgress = %v, want context.DeadlineExceeded", err)
	}
	if store.QueueEmpty() {
		t.Fatalf("expected ForceRequeue to have put both pieces back in the queue")
	}
}

func TestSuperviseProgressRespectsContextCancellation(t *testing.T) {
	content := make([]byte, 16384)
	store := openTestStorage(t, [][]byte{content})

	d := &Driver{cfg: config.Config{
		PollInterval: 5 * time.Millisecond,
		StallTimeout: time.Minute,
	}, log: discardLogger()}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := d.superviseProgress(ctx, store, false)
	if err == nil {
		t.Fatalf("expected context deadline error, got nil")
	}
}
