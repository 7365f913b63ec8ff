package piece

import (
	"crypto/sha1"
	"testing"
)

func TestNew_SingleBlockPiece(t *testing.T) {
	data := []byte("hello world")
	hash := sha1.Sum(data)

	p := New(0, uint32(len(data)), hash)
	if p.NumBlocks() != 1 {
		t.Fatalf("NumBlocks() = %d, want 1", p.NumBlocks())
	}
	if p.Complete() {
		t.Fatal("Complete() true before any block added")
	}

	if err := p.AddBlock(0, data); err != nil {
		t.Fatalf("AddBlock error: %v", err)
	}
	if !p.Complete() {
		t.Fatal("Complete() false after all bytes added")
	}
	if !p.VerifyHash() {
		t.Fatal("VerifyHash() false for correct data")
	}
}

func TestNew_MultiBlockPiece(t *testing.T) {
	length := uint32(2*MaxBlockLength + 100)
	data := make([]byte, length)
	for i := range data {
		data[i] = byte(i)
	}
	hash := sha1.Sum(data)

	p := New(5, length, hash)
	if p.NumBlocks() != 3 {
		t.Fatalf("NumBlocks() = %d, want 3", p.NumBlocks())
	}

	for i := uint32(0); i < p.NumBlocks(); i++ {
		b := p.BlockAt(i)
		if err := p.AddBlock(b.Begin, data[b.Begin:b.Begin+b.Length]); err != nil {
			t.Fatalf("AddBlock(%d) error: %v", i, err)
		}
	}

	if !p.Complete() {
		t.Fatal("Complete() false after all blocks added")
	}
	if !p.VerifyHash() {
		t.Fatal("VerifyHash() false for correct multi-block data")
	}
	if got := p.Data(); len(got) != int(length) {
		t.Fatalf("Data() length = %d, want %d", len(got), length)
	}
}

func TestAddBlock_DuplicateIsNoop(t *testing.T) {
	data := []byte("duplicate-me")
	hash := sha1.Sum(data)
	p := New(0, uint32(len(data)), hash)

	if err := p.AddBlock(0, data); err != nil {
		t.Fatalf("first AddBlock error: %v", err)
	}
	if err := p.AddBlock(0, data); err != nil {
		t.Fatalf("duplicate AddBlock should be a no-op, got error: %v", err)
	}
	if p.Present() != uint32(len(data)) {
		t.Fatalf("Present() = %d after duplicate, want %d (no double-count)", p.Present(), len(data))
	}
}

func TestAddBlock_NonSequential(t *testing.T) {
	p := New(0, 16, sha1.Sum(nil))

	tests := []struct {
		name  string
		begin uint32
		data  []byte
	}{
		{"unaligned begin", 3, make([]byte, 13)},
		{"wrong length", 0, make([]byte, 8)},
		{"begin past end", 32, make([]byte, 4)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := p.AddBlock(tc.begin, tc.data); err == nil {
				t.Fatal("expected ErrNonSequentialBlock, got nil")
			}
		})
	}
}

func TestVerifyHash_Mismatch(t *testing.T) {
	data := []byte("correct data")
	wrongHash := sha1.Sum([]byte("different data"))

	p := New(0, uint32(len(data)), wrongHash)
	if err := p.AddBlock(0, data); err != nil {
		t.Fatalf("AddBlock error: %v", err)
	}
	if p.VerifyHash() {
		t.Fatal("VerifyHash() true for mismatched hash")
	}
}

func TestReset(t *testing.T) {
	data := []byte("resettable")
	hash := sha1.Sum(data)
	p := New(0, uint32(len(data)), hash)

	if err := p.AddBlock(0, data); err != nil {
		t.Fatalf("AddBlock error: %v", err)
	}
	p.Reset()

	if p.Status != StatusWant {
		t.Fatalf("Status = %v after Reset, want StatusWant", p.Status)
	}
	if p.Present() != 0 {
		t.Fatalf("Present() = %d after Reset, want 0", p.Present())
	}
	if err := p.AddBlock(0, data); err != nil {
		t.Fatalf("AddBlock after Reset error: %v", err)
	}
	if !p.Complete() {
		t.Fatal("Complete() false after re-adding block post-Reset")
	}
}

func TestMarkWritten_FreesBlockData(t *testing.T) {
	data := []byte("persisted")
	hash := sha1.Sum(data)
	p := New(0, uint32(len(data)), hash)

	if err := p.AddBlock(0, data); err != nil {
		t.Fatalf("AddBlock error: %v", err)
	}
	p.MarkWritten()

	if p.Status != StatusDone || !p.Written {
		t.Fatalf("Status/Written after MarkWritten = %v/%v", p.Status, p.Written)
	}
	if p.BlockAt(0).Data != nil {
		t.Fatal("block data not freed after MarkWritten")
	}
}

func TestPieceCountAndLengths(t *testing.T) {
	const pieceLen = uint32(10)
	const size = uint64(25)

	count, ok := PieceCount(size, pieceLen)
	if !ok || count != 3 {
		t.Fatalf("PieceCount() = %d, %v; want 3, true", count, ok)
	}

	last, ok := LastPieceLength(size, pieceLen)
	if !ok || last != 5 {
		t.Fatalf("LastPieceLength() = %d, %v; want 5, true", last, ok)
	}

	for i, want := range []uint32{10, 10, 5} {
		got, ok := PieceLengthAt(uint32(i), size, pieceLen)
		if !ok || got != want {
			t.Fatalf("PieceLengthAt(%d) = %d, %v; want %d, true", i, got, ok, want)
		}
	}

	if _, ok := PieceLengthAt(3, size, pieceLen); ok {
		t.Fatal("PieceLengthAt(3) should be out of range")
	}
}

func TestBlockBoundsForLastShortBlock(t *testing.T) {
	pieceLen := MaxBlockLength + 100

	n, ok := BlocksInPiece(uint32(pieceLen))
	if !ok || n != 2 {
		t.Fatalf("BlocksInPiece() = %d, %v; want 2, true", n, ok)
	}

	begin, length, ok := BlockBounds(uint32(pieceLen), 1)
	if !ok {
		t.Fatal("BlockBounds(1) ok = false")
	}
	if begin != MaxBlockLength {
		t.Fatalf("begin = %d, want %d", begin, MaxBlockLength)
	}
	if length != 100 {
		t.Fatalf("length = %d, want 100", length)
	}
}
