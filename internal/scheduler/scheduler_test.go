package scheduler

import (
	"context"
	"crypto/sha1"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/go-leech/leech/internal/bitfield"
	"github.com/go-leech/leech/internal/piece"
)

type fakeSink struct {
	mu      sync.Mutex
	written map[uint32][]byte
	haves   []uint32
}

func newFakeSink() *fakeSink {
	return &fakeSink{written: make(map[uint32][]byte)}
}

func (f *fakeSink) WritePiece(index uint32, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.written[index] = cp
	return nil
}

func (f *fakeSink) BroadcastHave(index uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.haves = append(f.haves, index)
}

func testAddr(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port)
}

func newTestScheduler(t *testing.T, pieceData [][]byte) (*Scheduler, *fakeSink) {
	t.Helper()

	hashes := make([][sha1.Size]byte, len(pieceData))
	var total int64
	for i, d := range pieceData {
		hashes[i] = sha1.Sum(d)
		total += int64(len(d))
	}

	sink := newFakeSink()
	s := New(Opts{
		Config: Config{
			MaxGlobalPendingRequests: 50,
			RequestStaleAfter:        50 * time.Millisecond,
			RequestSweepInterval:     10 * time.Millisecond,
		},
		Log:         slog.Default(),
		PieceHashes: hashes,
		PieceLength: uint32(len(pieceData[0])),
		TotalSize:   total,
		Sink:        sink,
	})
	return s, sink
}

func TestNextRequest_RequiresAdvertisedPiece(t *testing.T) {
	s, _ := newTestScheduler(t, [][]byte{[]byte("0123456789")})
	addr := testAddr(1)

	s.PeerJoined(addr)
	s.PeerUnchoked(addr)
	if _, ok := s.NextRequest(addr); ok {
		t.Fatal("NextRequest should be false when peer has advertised nothing")
	}

	if err := s.Have(addr, 0); err != nil {
		t.Fatalf("Have error: %v", err)
	}

	req, ok := s.NextRequest(addr)
	if !ok {
		t.Fatal("NextRequest should succeed once peer advertises the piece and is unchoked")
	}
	if req.Index != 0 || req.Begin != 0 {
		t.Fatalf("req = %+v, want index 0 begin 0", req)
	}
}

func TestBlockReceived_CompletesAndVerifies(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog!!!")
	s, sink := newTestScheduler(t, [][]byte{data})
	addr := testAddr(2)

	s.PeerJoined(addr)
	s.PeerUnchoked(addr)
	if err := s.Bitfield(addr, singleBit(1)); err != nil {
		t.Fatalf("Bitfield error: %v", err)
	}

	for {
		req, ok := s.NextRequest(addr)
		if !ok {
			break
		}
		block := data[req.Begin : req.Begin+req.Length]
		if err := s.BlockReceived(addr, req.Index, req.Begin, block); err != nil {
			t.Fatalf("BlockReceived error: %v", err)
		}
	}

	if !s.Done() {
		t.Fatal("scheduler should be Done after all blocks delivered")
	}
	if string(sink.written[0]) != string(data) {
		t.Fatalf("sink got %q, want %q", sink.written[0], data)
	}
	if len(sink.haves) != 1 || sink.haves[0] != 0 {
		t.Fatalf("sink.haves = %v, want [0]", sink.haves)
	}
}

func TestBlockReceived_HashMismatchResets(t *testing.T) {
	data := []byte("correct-data-correct-data")
	s, _ := newTestScheduler(t, [][]byte{data})
	addr := testAddr(3)

	s.PeerJoined(addr)
	s.PeerUnchoked(addr)
	if err := s.Bitfield(addr, singleBit(1)); err != nil {
		t.Fatalf("Bitfield error: %v", err)
	}

	req, ok := s.NextRequest(addr)
	if !ok {
		t.Fatal("expected a request")
	}

	err := s.BlockReceived(addr, req.Index, req.Begin, []byte("wrong-data-wrong-data!!!!"))
	if err != piece.ErrHashMismatch {
		t.Fatalf("BlockReceived error = %v, want ErrHashMismatch", err)
	}
	if s.Done() {
		t.Fatal("scheduler should not be Done after a hash mismatch")
	}

	// The piece should be requestable again after the reset.
	if _, ok := s.NextRequest(addr); !ok {
		t.Fatal("expected piece to be re-requestable after hash mismatch reset")
	}
}

func TestPeerLeft_FreesPendingRequests(t *testing.T) {
	s, _ := newTestScheduler(t, [][]byte{[]byte("0123456789")})
	a, b := testAddr(4), testAddr(5)

	s.PeerJoined(a)
	s.PeerUnchoked(a)
	if err := s.Bitfield(a, singleBit(1)); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.NextRequest(a); !ok {
		t.Fatal("expected a request for peer a")
	}

	s.PeerJoined(b)
	s.PeerUnchoked(b)
	if err := s.Bitfield(b, singleBit(1)); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.NextRequest(b); ok {
		t.Fatal("request should already be pending for peer a's block")
	}

	s.PeerLeft(a)

	if _, ok := s.NextRequest(b); !ok {
		t.Fatal("expected peer b to pick up the block a's departure freed")
	}
}

func TestMarkResumed(t *testing.T) {
	s, _ := newTestScheduler(t, [][]byte{[]byte("aaaaaaaaaa"), []byte("bbbbbbbbbb")})

	s.MarkResumed(0)
	if s.Done() {
		t.Fatal("should not be done with one of two pieces resumed")
	}
	s.MarkResumed(1)
	if !s.Done() {
		t.Fatal("should be done once every piece is resumed")
	}

	bf := s.LocalBitfield()
	if !bf.Has(0) || !bf.Has(1) {
		t.Fatalf("LocalBitfield = %v, want all bits set", bf)
	}
}

func TestSweepStale_FreesRequestForRetry(t *testing.T) {
	s, _ := newTestScheduler(t, [][]byte{[]byte("0123456789")})
	addr := testAddr(6)

	s.PeerJoined(addr)
	s.PeerUnchoked(addr)
	if err := s.Bitfield(addr, singleBit(1)); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.NextRequest(addr); !ok {
		t.Fatal("expected initial request")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	if pending != 0 {
		t.Fatalf("pending = %d after stale sweep, want 0", pending)
	}
}

func singleBit(n int) bitfield.Bitfield {
	bf := bitfield.New(n)
	for i := 0; i < n; i++ {
		bf.Set(i)
	}
	return bf
}
