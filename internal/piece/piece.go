// Package piece owns per-piece block accumulation, hash verification, and the
// piece/block arithmetic shared by the scheduler and storage layer.
package piece

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
)

// MaxBlockLength is the block size requested from peers, conventionally
// 16KiB (SPEC_FULL.md §3: "must be ≤ L"). It is a package-level var rather
// than a const so config.Config.BlockLength can override it once at
// startup, before any Piece is constructed; a single-torrent-per-session
// client has no need for per-torrent block sizing.
var MaxBlockLength uint32 = 16 * 1024

var (
	// ErrNonSequentialBlock is returned when a block's (index, begin) does
	// not correspond to a valid, not-yet-filled slot in its piece.
	ErrNonSequentialBlock = errors.New("piece: non-sequential or duplicate block")
	// ErrHashMismatch is returned when a completed piece's SHA-1 does not
	// match the expected metainfo hash.
	ErrHashMismatch = errors.New("piece: hash mismatch")
)

// Status is the lifecycle stage of a Piece.
type Status uint8

const (
	StatusWant Status = iota
	StatusPartial
	StatusDone
)

// Block is a request-sized slice of a Piece's content.
type Block struct {
	Begin  uint32
	Length uint32
	Data   []byte // nil until received
}

// Piece accumulates blocks for one torrent piece and verifies them against
// its expected hash once all blocks have arrived.
type Piece struct {
	Index    uint32
	Length   uint32
	Hash     [sha1.Size]byte
	Status   Status
	Written  bool
	blocks   []Block
	present  uint32
}

// New constructs a Piece of the given length, with blocks pre-allocated at
// MaxBlockLength boundaries (the final block may be shorter).
func New(index, length uint32, hash [sha1.Size]byte) *Piece {
	n, _ := BlocksInPiece(length)
	blocks := make([]Block, n)

	for i := uint32(0); i < n; i++ {
		begin, l, _ := BlockBounds(length, i)
		blocks[i] = Block{Begin: begin, Length: l}
	}

	return &Piece{
		Index:  index,
		Length: length,
		Hash:   hash,
		Status: StatusWant,
		blocks: blocks,
	}
}

// NumBlocks returns the number of blocks this piece is divided into.
func (p *Piece) NumBlocks() uint32 { return uint32(len(p.blocks)) }

// BlockAt returns the block slot at index i (its Begin/Length are always
// valid; Data is nil until received).
func (p *Piece) BlockAt(i uint32) Block { return p.blocks[i] }

// Present reports how many bytes of this piece have been received so far.
func (p *Piece) Present() uint32 { return p.present }

// Complete reports whether every block slot has been filled.
func (p *Piece) Complete() bool { return p.present == p.Length }

// AddBlock stores a received block's data into its slot. It fails with
// ErrNonSequentialBlock if begin does not align to a known block boundary,
// the length disagrees with that slot's expected length, or the slot is
// already filled.
func (p *Piece) AddBlock(begin uint32, data []byte) error {
	idx, ok := BlockIndexForBegin(begin, p.Length)
	if !ok || int(idx) >= len(p.blocks) {
		return fmt.Errorf("%w: piece %d begin %d", ErrNonSequentialBlock, p.Index, begin)
	}

	slot := &p.blocks[idx]
	if slot.Begin != begin || uint32(len(data)) != slot.Length {
		return fmt.Errorf("%w: piece %d begin %d length %d", ErrNonSequentialBlock, p.Index, begin, len(data))
	}
	if slot.Data != nil {
		// Already satisfied (e.g. by a duplicate delivery); not an error,
		// just a no-op.
		return nil
	}

	slot.Data = append([]byte(nil), data...)
	p.present += slot.Length
	p.Status = StatusPartial

	return nil
}

// Data concatenates all blocks in order. It is only meaningful once Complete
// reports true.
func (p *Piece) Data() []byte {
	buf := make([]byte, 0, p.Length)
	for _, b := range p.blocks {
		buf = append(buf, b.Data...)
	}
	return buf
}

// VerifyHash computes SHA-1 over Data() and compares it against Hash.
func (p *Piece) VerifyHash() bool {
	sum := sha1.Sum(p.Data())
	return bytes.Equal(sum[:], p.Hash[:])
}

// MarkWritten records that this piece's verified data has been persisted and
// frees its block buffers.
func (p *Piece) MarkWritten() {
	p.Status = StatusDone
	p.Written = true
	for i := range p.blocks {
		p.blocks[i].Data = nil
	}
}

// Reset clears all received data, returning the piece to StatusWant. Used
// after a hash mismatch so the blocks can be re-fetched.
func (p *Piece) Reset() {
	for i := range p.blocks {
		p.blocks[i].Data = nil
	}
	p.present = 0
	p.Status = StatusWant
}
