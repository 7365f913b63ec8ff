// Package scheduler is the coordinator at the heart of the client: it tracks
// which remote peers advertise which pieces, which blocks are currently
// in-flight, and produces the next request to issue to a given peer. It is
// the single owner of that mutable state — every mutation enters through one
// of the methods below, each holding the scheduler's mutex for a short,
// bounded critical section (see SPEC_FULL.md §5).
package scheduler

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/go-leech/leech/internal/bitfield"
	"github.com/go-leech/leech/internal/heap"
	"github.com/go-leech/leech/internal/piece"
)

// Request is a pending outbound demand for one block, addressed to the peer
// it was issued to.
type Request struct {
	Peer   netip.AddrPort
	Index  uint32
	Begin  uint32
	Length uint32

	issuedAt time.Time
}

func requestKey(index, begin uint32) uint64 {
	return uint64(index)<<32 | uint64(begin)
}

// CompletionSink receives verified pieces and is responsible for persisting
// them and announcing their availability to the swarm.
type CompletionSink interface {
	// WritePiece persists a fully verified piece's bytes at its absolute
	// offset. Any error is treated as a fatal DiskError by the caller.
	WritePiece(index uint32, data []byte) error
	// BroadcastHave notifies every connected peer that a new piece is
	// available locally.
	BroadcastHave(index uint32)
}

// Config bounds the scheduler's resource usage.
type Config struct {
	// MaxGlobalPendingRequests caps total in-flight requests across all
	// peers (SPEC_FULL.md §4.4: "a small constant, ≈50").
	MaxGlobalPendingRequests int
	// RequestStaleAfter is how long a request may sit pending before it is
	// considered abandoned and its block becomes re-requestable.
	RequestStaleAfter time.Duration
	// RequestSweepInterval is the tick cadence of the stale-request sweep.
	RequestSweepInterval time.Duration
}

// Opts configures a new Scheduler.
type Opts struct {
	Config      Config
	Log         *slog.Logger
	PieceHashes [][sha1.Size]byte
	PieceLength uint32
	TotalSize   int64
	Sink        CompletionSink
}

// Scheduler is the single coordinator of piece/block scheduling state.
type Scheduler struct {
	log *slog.Logger
	cfg Config
	sink CompletionSink

	mu         sync.Mutex
	pieces     []*piece.Piece
	pieceLen   uint32
	totalSize  int64
	done       bool
	remaining  int

	// peerPieces is the inverse-index: what each peer has advertised.
	peerPieces map[netip.AddrPort]bitfield.Bitfield
	// piecePeers is the forward index: who has each piece.
	piecePeers map[uint32]map[netip.AddrPort]struct{}
	// peerChoking tracks whether the remote side is choking us (default true).
	peerChoking map[netip.AddrPort]bool

	pending    map[uint64]*Request
	staleHeap  *heap.PriorityQueue[*Request]

	doneOnce sync.Once
	doneCh   chan struct{}
}

// New constructs a Scheduler with one Piece per hash, ready to track
// availability and requests. Pieces pre-marked done (e.g. from resume
// verification) should be applied via MarkResumed before Run starts.
func New(opts Opts) *Scheduler {
	n := len(opts.PieceHashes)
	pieces := make([]*piece.Piece, n)
	remaining := 0

	for i := 0; i < n; i++ {
		length, _ := piece.PieceLengthAt(uint32(i), uint64(opts.TotalSize), opts.PieceLength)
		pieces[i] = piece.New(uint32(i), length, opts.PieceHashes[i])
		remaining++
	}

	return &Scheduler{
		log:         opts.Log,
		cfg:         opts.Config,
		sink:        opts.Sink,
		pieces:      pieces,
		pieceLen:    opts.PieceLength,
		totalSize:   opts.TotalSize,
		remaining:   remaining,
		peerPieces:  make(map[netip.AddrPort]bitfield.Bitfield),
		piecePeers:  make(map[uint32]map[netip.AddrPort]struct{}),
		peerChoking: make(map[netip.AddrPort]bool),
		pending:     make(map[uint64]*Request),
		staleHeap: heap.NewPriorityQueue[*Request](func(a, b *Request) bool {
			return a.issuedAt.Before(b.issuedAt)
		}),
		doneCh: make(chan struct{}),
	}
}

// DoneCh is closed exactly once, the moment every piece has been verified
// and written (including pieces marked done via MarkResumed before Run
// starts). Callers use it to trigger a best-effort completed tracker
// announce without waiting for the next scheduled tick.
func (s *Scheduler) DoneCh() <-chan struct{} {
	return s.doneCh
}

// closeDoneLocked closes doneCh at most once; callers must hold s.mu and
// have just set s.done = true.
func (s *Scheduler) closeDoneLocked() {
	s.doneOnce.Do(func() { close(s.doneCh) })
}

// MarkResumed marks a piece as already complete and written, for pieces
// verified present on disk at startup (SPEC_FULL.md §4.7).
func (s *Scheduler) MarkResumed(index uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.pieces[index]
	if p.Written {
		return
	}
	p.Status = piece.StatusDone
	p.Written = true
	s.remaining--
	if s.remaining == 0 {
		s.done = true
		s.closeDoneLocked()
	}
}

// PieceCount returns the total number of pieces in the torrent.
func (s *Scheduler) PieceCount() int {
	return len(s.pieces)
}

// Done reports whether every piece has been verified and written.
func (s *Scheduler) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// LocalBitfield returns the bitfield this client should advertise to newly
// connected peers, reflecting pieces already written (including resumed
// ones).
func (s *Scheduler) LocalBitfield() bitfield.Bitfield {
	s.mu.Lock()
	defer s.mu.Unlock()

	bf := bitfield.New(len(s.pieces))
	for i, p := range s.pieces {
		if p.Written {
			bf.Set(i)
		}
	}
	return bf
}

// PeerJoined registers a newly connected peer with no known pieces yet.
func (s *Scheduler) PeerJoined(addr netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.peerPieces[addr]; !ok {
		s.peerPieces[addr] = bitfield.New(len(s.pieces))
	}
	s.peerChoking[addr] = true
}

// PeerLeft removes a peer from all availability tracking and frees its
// pending requests so other peers may pick up those blocks.
func (s *Scheduler) PeerLeft(addr netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropPeerLocked(addr)
}

func (s *Scheduler) dropPeerLocked(addr netip.AddrPort) {
	delete(s.peerPieces, addr)
	delete(s.peerChoking, addr)

	for idx, peers := range s.piecePeers {
		delete(peers, addr)
		if len(peers) == 0 {
			delete(s.piecePeers, idx)
		}
	}

	for key, req := range s.pending {
		if req.Peer == addr {
			delete(s.pending, key)
		}
	}
}

// PeerChoked records that the remote peer started choking us; its pending
// requests are dropped so they may be re-issued elsewhere.
func (s *Scheduler) PeerChoked(addr netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.peerChoking[addr] = true
	for key, req := range s.pending {
		if req.Peer == addr {
			delete(s.pending, key)
		}
	}
}

// PeerUnchoked records that the remote peer is now willing to serve requests.
func (s *Scheduler) PeerUnchoked(addr netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerChoking[addr] = false
}

// Have records that a peer advertises a single additional piece.
func (s *Scheduler) Have(addr netip.AddrPort, index uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int(index) >= len(s.pieces) {
		return fmt.Errorf("scheduler: have index %d out of range", index)
	}

	bf, ok := s.peerPieces[addr]
	if !ok {
		bf = bitfield.New(len(s.pieces))
		s.peerPieces[addr] = bf
	}
	bf.Set(int(index))
	s.addAvailabilityLocked(addr, index)

	return nil
}

// Bitfield records a peer's full post-handshake availability bitfield.
func (s *Scheduler) Bitfield(addr netip.AddrPort, bits bitfield.Bitfield) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bits.Len() < len(s.pieces) {
		return fmt.Errorf("scheduler: bitfield too short for %d pieces", len(s.pieces))
	}

	s.peerPieces[addr] = bits.Clone()
	for i := range s.pieces {
		if bits.Has(i) {
			s.addAvailabilityLocked(addr, uint32(i))
		}
	}

	return nil
}

func (s *Scheduler) addAvailabilityLocked(addr netip.AddrPort, index uint32) {
	peers, ok := s.piecePeers[index]
	if !ok {
		peers = make(map[netip.AddrPort]struct{})
		s.piecePeers[index] = peers
	}
	peers[addr] = struct{}{}
}

// NextRequest returns the next Request to issue to addr, or false if there
// is nothing eligible right now (torrent complete, global cap reached, or no
// eligible block among the pieces addr advertises).
func (s *Scheduler) NextRequest(addr netip.AddrPort) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done || len(s.pending) >= s.cfg.MaxGlobalPendingRequests {
		return Request{}, false
	}
	if s.peerChoking[addr] {
		return Request{}, false
	}

	bits, ok := s.peerPieces[addr]
	if !ok {
		return Request{}, false
	}

	for i, p := range s.pieces {
		if p.Written || p.Status == piece.StatusDone {
			continue
		}
		if !bits.Has(i) {
			continue
		}

		n := p.NumBlocks()
		for b := uint32(0); b < n; b++ {
			blk := p.BlockAt(b)
			if blk.Data != nil {
				continue
			}
			key := requestKey(p.Index, blk.Begin)
			if _, inflight := s.pending[key]; inflight {
				continue
			}

			req := &Request{
				Peer:     addr,
				Index:    p.Index,
				Begin:    blk.Begin,
				Length:   blk.Length,
				issuedAt: time.Now(),
			}
			s.pending[key] = req
			s.staleHeap.Enqueue(req)

			return *req, true
		}
	}

	return Request{}, false
}

// BlockReceived accepts a block payload from addr. It validates the pending
// request, stores the data into the piece, and on completion verifies the
// hash and hands the piece to the CompletionSink.
func (s *Scheduler) BlockReceived(addr netip.AddrPort, index, begin uint32, data []byte) error {
	s.mu.Lock()

	if int(index) >= len(s.pieces) {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: block index %d out of range", index)
	}

	key := requestKey(index, begin)
	req, wasPending := s.pending[key]
	if wasPending && req.Peer == addr {
		delete(s.pending, key)
	} else if !wasPending {
		// Not solicited (or already satisfied by another peer); drop.
		s.mu.Unlock()
		return nil
	}

	p := s.pieces[index]
	if p.Written {
		s.mu.Unlock()
		return nil
	}

	if err := p.AddBlock(begin, data); err != nil {
		p.Reset()
		s.dropPendingForPieceLocked(index)
		s.mu.Unlock()
		return err
	}

	if !p.Complete() {
		s.mu.Unlock()
		return nil
	}

	if !p.VerifyHash() {
		p.Reset()
		s.dropPendingForPieceLocked(index)
		s.mu.Unlock()
		s.log.Warn("piece hash mismatch, re-fetching", "piece", index)
		return piece.ErrHashMismatch
	}

	pieceData := p.Data()
	p.MarkWritten()
	s.remaining--
	if s.remaining == 0 {
		s.done = true
		s.closeDoneLocked()
	}
	s.mu.Unlock()

	if err := s.sink.WritePiece(index, pieceData); err != nil {
		return fmt.Errorf("scheduler: write piece %d: %w", index, err)
	}
	s.sink.BroadcastHave(index)

	return nil
}

func (s *Scheduler) dropPendingForPieceLocked(index uint32) {
	for key, req := range s.pending {
		if req.Index == index {
			delete(s.pending, key)
		}
	}
}

// Run drives the periodic stale-request sweep until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RequestSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweepStale()
		}
	}
}

// sweepStale drops requests that have been pending longer than
// RequestStaleAfter, using the timestamp-ordered heap for O(log n) eviction
// instead of scanning every pending request.
func (s *Scheduler) sweepStale() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.cfg.RequestStaleAfter)

	for {
		req, ok := s.staleHeap.Peek()
		if !ok || req.issuedAt.After(cutoff) {
			return
		}
		s.staleHeap.Dequeue()

		key := requestKey(req.Index, req.Begin)
		current, stillPending := s.pending[key]
		// Lazy deletion: the heap may hold stale entries for requests that
		// were already satisfied or re-issued; only evict if this exact
		// request is still the one outstanding.
		if stillPending && current == req {
			delete(s.pending, key)
		}
	}
}
