package piece

import (
	"testing"

	"github.com/rabbitdl/rabbit/internal/bytecodec"
)

func TestNewBlockSlicing(t *testing.T) {
	p := New(0, BlockSize+100, [bytecodec.HashSize]byte{})
	if p.BlockCount() != 2 {
		t.Fatalf("BlockCount() = %d, want 2", p.BlockCount())
	}
}

func TestFirstMissingBlockIsAdmissionGate(t *testing.T) {
	p := New(0, BlockSize*2, [bytecodec.HashSize]byte{})

	b1 := p.FirstMissingBlock()
	if b1 == nil || b1.Offset != 0 {
		t.Fatalf("expected first block at offset 0, got %+v", b1)
	}
	b2 := p.FirstMissingBlock()
	if b2 == nil || b2.Offset != BlockSize {
		t.Fatalf("expected second block at offset %d, got %+v", BlockSize, b2)
	}
	if p.FirstMissingBlock() != nil {
		t.Fatalf("expected no more missing blocks")
	}
}

func TestSaveBlockAndHashMatches(t *testing.T) {
	content := make([]byte, 32)
	for i := range content {
		content[i] = byte(i)
	}
	hash := bytecodec.SHA1(content)

	p := New(0, len(content), hash)
	p.FirstMissingBlock()
	p.SaveBlock(0, content)

	if !p.AllReceived() {
		t.Fatalf("expected all blocks received")
	}
	if !p.HashMatches() {
		t.Fatalf("expected hash to match")
	}
}

func TestSaveBlockIgnoresOutOfRangeOffset(t *testing.T) {
	p := New(0, BlockSize, [bytecodec.HashSize]byte{})
	p.SaveBlock(999999, []byte{1, 2, 3})
	if p.AllReceived() {
		t.Fatalf("out-of-range save should not mark piece received")
	}
}

func TestResetClearsToMissing(t *testing.T) {
	content := make([]byte, BlockSize)
	p := New(0, len(content), [bytecodec.HashSize]byte{})
	p.FirstMissingBlock()
	p.SaveBlock(0, content)
	if !p.AllReceived() {
		t.Fatalf("expected received before reset")
	}

	p.Reset()
	if p.AllReceived() {
		t.Fatalf("expected not received after reset")
	}
	if b := p.FirstMissingBlock(); b == nil {
		t.Fatalf("expected block to be Missing again after reset")
	}
}
