package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rabbitdl/rabbit/internal/bytecodec"
)

func TestOpenSeedsQueueAndSizesFile(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")

	hashes := [][20]byte{{}, {}}
	s, err := Open(out, 24, 16384, hashes)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.TotalCount() != 2 {
		t.Fatalf("TotalCount() = %d, want 2", s.TotalCount())
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != 24 {
		t.Fatalf("file size = %d, want 24", info.Size())
	}
}

func TestNextPieceFIFOOrder(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	hashes := [][20]byte{{}, {}, {}}
	s, err := Open(out, 3*16384, 16384, hashes)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for i := 0; i < 3; i++ {
		p := s.NextPiece()
		if p == nil || p.Index != i {
			t.Fatalf("expected piece %d, got %+v", i, p)
		}
	}
	if s.NextPiece() != nil {
		t.Fatalf("expected empty queue")
	}
}

func TestPieceProcessedPersistsValidPiece(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")

	content := make([]byte, 16384)
	for i := range content {
		content[i] = byte(i)
	}
	hash := bytecodec.SHA1(content)

	s, err := Open(out, 16384, 16384, [][20]byte{hash})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	p := s.NextPiece()
	p.FirstMissingBlock()
	p.SaveBlock(0, content)

	if err := s.PieceProcessed(p); err != nil {
		t.Fatalf("PieceProcessed: %v", err)
	}
	if s.SavedCount() != 1 {
		t.Fatalf("SavedCount() = %d, want 1", s.SavedCount())
	}

	written, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(written) != string(content) {
		t.Fatalf("persisted content mismatch")
	}
}

func TestPieceProcessedRequeuesInvalidPiece(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")

	var wrongHash [20]byte
	s, err := Open(out, 16384, 16384, [][20]byte{wrongHash})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	p := s.NextPiece()
	p.FirstMissingBlock()
	p.SaveBlock(0, make([]byte, 16384))

	if err := s.PieceProcessed(p); err != nil {
		t.Fatalf("PieceProcessed: %v", err)
	}
	if s.SavedCount() != 0 {
		t.Fatalf("SavedCount() = %d, want 0", s.SavedCount())
	}
	if s.QueueEmpty() {
		t.Fatalf("expected invalid piece to be requeued")
	}
}

func TestForceRequeueReclaimsInFlightPieces(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	hashes := [][20]byte{{}, {}, {}}
	s, err := Open(out, 3*16384, 16384, hashes)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	a := s.NextPiece()
	s.NextPiece()
	if s.InFlightCount() != 2 {
		t.Fatalf("InFlightCount() = %d, want 2", s.InFlightCount())
	}
	a.FirstMissingBlock() // simulate a request in flight for piece a's only block

	if n := s.ForceRequeue(); n != 2 {
		t.Fatalf("ForceRequeue() = %d, want 2", n)
	}
	if s.InFlightCount() != 0 {
		t.Fatalf("InFlightCount() after ForceRequeue = %d, want 0", s.InFlightCount())
	}
	if b := a.FirstMissingBlock(); b == nil {
		t.Fatalf("expected ForceRequeue to reset block state back to Missing")
	}

	for i := 0; i < 3; i++ {
		if s.NextPiece() == nil {
			t.Fatalf("expected piece %d back in queue after ForceRequeue", i)
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	s, err := Open(out, 16384, 16384, [][20]byte{{}})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
