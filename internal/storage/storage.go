// Package storage implements PieceStorage: the shared FIFO work queue and
// output file every peer session pulls pieces from and persists
// completed pieces to.
package storage

import (
	"fmt"
	"os"
	"sync"

	"github.com/rabbitdl/rabbit/internal/piece"
)

// Storage is the shared, arrival-ordered piece queue plus the output
// file pieces are persisted to. It is safe for concurrent use by many
// peer sessions.
//
// Two independent mutexes guard disjoint state: queueMu protects the
// FIFO queue and saved counter; fileMu protects the file handle. Callers
// must never hold fileMu across blocking network I/O, and must always
// acquire queueMu before fileMu if both are needed. No method currently
// holds both at once: PieceProcessed takes fileMu to persist, releases
// it, and only then takes queueMu to update the counter.
type Storage struct {
	pieceLength int64
	totalCount  int

	queueMu  sync.Mutex
	queue    []*piece.Piece
	inFlight map[*piece.Piece]struct{}
	saved    int
	closed   bool

	fileMu sync.Mutex
	file   *os.File
}

// Open creates (or truncates) outputPath, pre-sizes it to totalLength,
// and seeds the FIFO queue with one Piece per expected hash in arrival
// order.
func Open(outputPath string, totalLength int64, pieceLength int64, hashes [][20]byte) (*Storage, error) {
	f, err := os.OpenFile(outputPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", outputPath, err)
	}
	if err := f.Truncate(totalLength); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: truncate %s: %w", outputPath, err)
	}

	queue := make([]*piece.Piece, 0, len(hashes))
	for i, h := range hashes {
		length := pieceLength
		if remaining := totalLength - int64(i)*pieceLength; remaining < length {
			length = remaining
		}
		queue = append(queue, piece.New(i, int(length), h))
	}

	return &Storage{
		pieceLength: pieceLength,
		totalCount:  len(hashes),
		queue:       queue,
		inFlight:    make(map[*piece.Piece]struct{}),
		file:        f,
	}, nil
}

// NextPiece dequeues and returns the next piece in FIFO order, or nil if
// the queue is currently empty. The returned piece is now "in flight"
// until Requeue or PieceProcessed is called on it.
func (s *Storage) NextPiece() *piece.Piece {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	p := s.queue[0]
	s.queue = s.queue[1:]
	s.inFlight[p] = struct{}{}
	return p
}

// Requeue returns p to the back of the FIFO queue, unmodified, and
// clears its in-flight status. Used when a session can no longer make
// progress on p (peer lacks it, session failed) without having
// corrupted its state.
func (s *Storage) Requeue(p *piece.Piece) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	delete(s.inFlight, p)
	s.queue = append(s.queue, p)
}

// PieceProcessed is the single commit point for a completed piece: if p
// hashes correctly it is persisted to disk at its file offset and the
// saved counter is incremented; otherwise p is reset to Missing and
// requeued. This resolves ownership unambiguously — a piece is never
// counted as both in-flight and saved.
func (s *Storage) PieceProcessed(p *piece.Piece) error {
	if !p.HashMatches() {
		p.Reset()
		s.Requeue(p)
		return nil
	}

	if err := s.persist(p); err != nil {
		return err
	}

	s.queueMu.Lock()
	delete(s.inFlight, p)
	s.saved++
	s.queueMu.Unlock()
	return nil
}

// persist writes a verified piece's content to its offset in the output
// file and flushes before returning. File offset is index*pieceLength,
// never index*totalLength — the final, possibly short piece is written
// at the same stride as every other piece.
func (s *Storage) persist(p *piece.Piece) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	offset := int64(p.Index) * s.pieceLength
	data := p.ConcatenatedData()
	if _, err := s.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("storage: write piece %d: %w", p.Index, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("storage: sync piece %d: %w", p.Index, err)
	}
	return nil
}

// QueueEmpty reports whether the FIFO queue currently holds no pieces.
// Pieces may still be in flight with peer sessions when this is true.
func (s *Storage) QueueEmpty() bool {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return len(s.queue) == 0
}

// SavedCount returns the number of pieces persisted so far.
func (s *Storage) SavedCount() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return s.saved
}

// TotalCount returns the total number of pieces in the torrent.
func (s *Storage) TotalCount() int { return s.totalCount }

// InFlightCount returns the number of pieces currently checked out to a
// session: dequeued via NextPiece but neither requeued nor saved yet.
func (s *Storage) InFlightCount() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return len(s.inFlight)
}

// ForceRequeue resets and requeues every piece currently checked out
// in-flight — dequeued via NextPiece but neither requeued nor processed
// since. Used by the swarm driver's final-attempt recovery when sessions
// appear to be holding pieces without making progress: it reconstructs
// the unsaved-and-unqueued set directly from inFlight rather than
// requiring the caller to track which pieces its sessions hold.
func (s *Storage) ForceRequeue() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	n := len(s.inFlight)
	for p := range s.inFlight {
		p.Reset()
		s.queue = append(s.queue, p)
		delete(s.inFlight, p)
	}
	return n
}

// Close releases the output file handle. Close is idempotent: the first
// call closes the file and returns that close's error, and later calls
// return nil. Persisted pieces have already been flushed by persist.
func (s *Storage) Close() error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}
