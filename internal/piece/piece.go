// Package piece implements the Piece/Block hierarchy: a single piece's
// blocks, their admission-gated request state, and assembly/verification.
//
// A Piece's methods serialize on an internal mutex, but a Piece is still
// handed to exactly one PeerSession at a time; the PieceStorage queue is
// what enforces that single-owner discipline across goroutines.
package piece

import (
	"bytes"
	"sync"

	"github.com/rabbitdl/rabbit/internal/bytecodec"
)

// BlockSize is the standard request/transfer unit (16 KiB).
const BlockSize = 16 * 1024

// Status is a block's place in its request lifecycle.
type Status int

const (
	StatusMissing Status = iota
	StatusPending
	StatusReceived
)

// Block is one fixed-size (except possibly the last) slice of a piece.
type Block struct {
	PieceIndex int
	Offset     int
	Length     int
	Status     Status
	Data       []byte
}

// Piece is one content-addressed unit of the torrent: a contiguous byte
// range covered by non-overlapping blocks, verified as a whole against
// its expected SHA-1 hash.
type Piece struct {
	Index        int
	Length       int
	ExpectedHash [bytecodec.HashSize]byte

	mu     sync.Mutex // guards the blocks' Status and Data
	blocks []*Block
}

// New builds a Piece of the given length, sliced into BlockSize blocks
// with the final block sized to the remainder.
func New(index, length int, expectedHash [bytecodec.HashSize]byte) *Piece {
	count := (length + BlockSize - 1) / BlockSize
	blocks := make([]*Block, count)
	for i := 0; i < count; i++ {
		offset := i * BlockSize
		blockLen := BlockSize
		if remaining := length - offset; remaining < blockLen {
			blockLen = remaining
		}
		blocks[i] = &Block{
			PieceIndex: index,
			Offset:     offset,
			Length:     blockLen,
			Status:     StatusMissing,
		}
	}
	return &Piece{Index: index, Length: length, ExpectedHash: expectedHash, blocks: blocks}
}

// FirstMissingBlock atomically transitions the first Missing block to
// Pending and returns it. This is the sole admission gate that prevents
// two concurrent requesters from claiming the same block. Returns nil if
// no block is Missing.
func (p *Piece) FirstMissingBlock() *Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.blocks {
		if b.Status == StatusMissing {
			b.Status = StatusPending
			return b
		}
	}
	return nil
}

// SaveBlock records data for the block at offset, transitioning it to
// Received. An offset that doesn't match any block boundary is ignored
// rather than treated as fatal: a slow or confused peer sending a stale
// block must not be able to crash the session.
func (p *Piece) SaveBlock(offset int, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.blocks {
		if b.Offset == offset {
			if len(data) != b.Length {
				return
			}
			b.Data = data
			b.Status = StatusReceived
			return
		}
	}
}

// AllReceived reports whether every block has been received.
func (p *Piece) AllReceived() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.blocks {
		if b.Status != StatusReceived {
			return false
		}
	}
	return true
}

// ConcatenatedData assembles the full piece content from its blocks in
// order. Callers must only call this once AllReceived is true.
func (p *Piece) ConcatenatedData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf := make([]byte, 0, p.Length)
	for _, b := range p.blocks {
		buf = append(buf, b.Data...)
	}
	return buf
}

// HashMatches reports whether the assembled piece content hashes to
// ExpectedHash.
func (p *Piece) HashMatches() bool {
	sum := bytecodec.SHA1(p.ConcatenatedData())
	return bytes.Equal(sum[:], p.ExpectedHash[:])
}

// Reset clears every block back to Missing, discarding received data.
// Used when a completed piece fails its hash check.
func (p *Piece) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.blocks {
		b.Status = StatusMissing
		b.Data = nil
	}
}

// BlockCount returns the number of blocks this piece is split into.
func (p *Piece) BlockCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.blocks)
}
