package peer

import (
	"context"
	"crypto/sha1"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/go-leech/leech/internal/bitfield"
	"github.com/go-leech/leech/internal/protocol"
)

func fixedHash(s string) [sha1.Size]byte {
	var h [sha1.Size]byte
	copy(h[:], s)
	return h
}

// fakeRemote drives the server side of a connection the way a real remote
// peer would: it completes the handshake, advertises a bitfield, unchokes
// the client, serves one block request, and announces one more piece.
func fakeRemote(t *testing.T, conn net.Conn, infoHash [sha1.Size]byte) {
	t.Helper()

	hs := protocol.NewHandshake(infoHash, fixedHash("remote-peer-id------"))
	if _, err := hs.Exchange(conn, true); err != nil {
		t.Errorf("fakeRemote: handshake: %v", err)
		return
	}

	bits := bitfield.New(4)
	bits.Set(0)
	bits.Set(1)
	if err := protocol.WriteMessage(conn, protocol.MessageBitfield(bits.Bytes())); err != nil {
		t.Errorf("fakeRemote: write bitfield: %v", err)
		return
	}
	if err := protocol.WriteMessage(conn, protocol.MessageUnchoke()); err != nil {
		t.Errorf("fakeRemote: write unchoke: %v", err)
		return
	}

	for {
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			return
		}
		if protocol.IsKeepAlive(msg) {
			continue
		}
		if msg.ID != protocol.Request {
			continue
		}

		index, begin, length, ok := msg.ParseRequest()
		if !ok {
			t.Errorf("fakeRemote: malformed request")
			return
		}
		block := make([]byte, length)
		for i := range block {
			block[i] = byte(i)
		}
		if err := protocol.WriteMessage(conn, protocol.MessagePiece(index, begin, block)); err != nil {
			t.Errorf("fakeRemote: write piece: %v", err)
			return
		}
		if err := protocol.WriteMessage(conn, protocol.MessageHave(3)); err != nil {
			t.Errorf("fakeRemote: write have: %v", err)
			return
		}
		return
	}
}

func TestDialAndRun_FullMessageFlow(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	infoHash := fixedHash("info-hash-for-testing")
	clientID := fixedHash("local-peer-id-------")

	type observed struct {
		bitfield bitfield.Bitfield
		piece    []byte
		have     uint32
	}
	gotBitfield := make(chan bitfield.Bitfield, 1)
	gotUnchoked := make(chan struct{}, 1)
	gotPiece := make(chan observed, 1)
	gotHave := make(chan uint32, 1)
	gotDisconnect := make(chan struct{}, 1)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		fakeRemote(t, conn, infoHash)
		time.Sleep(50 * time.Millisecond) // let the client observe Have before we hang up
	}()

	addr := netip.MustParseAddrPort(ln.Addr().String())

	opts := Opts{
		Log:                        slog.Default(),
		PieceCount:                 4,
		InfoHash:                   infoHash,
		ClientID:                   clientID,
		DialTimeout:                time.Second,
		ReadTimeout:                time.Second,
		WriteTimeout:               time.Second,
		KeepAliveInterval:          time.Minute,
		OutboundQueueBacklog:       8,
		MaxInflightRequestsPerPeer: 1,
		Hooks: Hooks{
			OnBitfield: func(_ netip.AddrPort, bf bitfield.Bitfield) error {
				gotBitfield <- bf
				return nil
			},
			OnUnchoked: func(netip.AddrPort) { gotUnchoked <- struct{}{} },
			OnPiece: func(_ netip.AddrPort, index, begin uint32, block []byte) error {
				gotPiece <- observed{piece: append([]byte(nil), block...)}
				return nil
			},
			OnHave: func(_ netip.AddrPort, index uint32) error {
				gotHave <- index
				return nil
			},
			OnDisconnect: func(netip.AddrPort) { gotDisconnect <- struct{}{} },
			NextRequest: func(netip.AddrPort) (uint32, uint32, uint32, bool) {
				return 0, 0, 16, true
			},
		},
	}

	p, err := Dial(context.Background(), addr, opts)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	select {
	case bf := <-gotBitfield:
		if !bf.Has(0) || !bf.Has(1) || bf.Has(2) {
			t.Fatalf("unexpected bitfield: %v", bf)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnBitfield")
	}

	select {
	case <-gotUnchoked:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnUnchoked")
	}

	select {
	case got := <-gotPiece:
		if len(got.piece) != 16 {
			t.Fatalf("piece length = %d, want 16", len(got.piece))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnPiece")
	}

	select {
	case idx := <-gotHave:
		if idx != 3 {
			t.Fatalf("have index = %d, want 3", idx)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnHave")
	}

	cancel()
	<-runErr

	select {
	case <-gotDisconnect:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnDisconnect")
	}
}

func TestPeer_StateTransitions(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	infoHash := fixedHash("state-test-info-hash")
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			hs := protocol.NewHandshake(infoHash, fixedHash("remote--------------"))
			_, _ = hs.Exchange(conn, true)
			accepted <- conn
		}
	}()

	addr := netip.MustParseAddrPort(ln.Addr().String())
	p, err := Dial(context.Background(), addr, Opts{
		Log:                  slog.Default(),
		PieceCount:           1,
		InfoHash:             infoHash,
		ClientID:             fixedHash("local---------------"),
		DialTimeout:          time.Second,
		ReadTimeout:          time.Second,
		WriteTimeout:         time.Second,
		KeepAliveInterval:    time.Minute,
		OutboundQueueBacklog: 4,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer p.Close()

	if !p.AmChoking() || !p.PeerChoking() {
		t.Fatal("a freshly dialed peer should start both-choking")
	}
	if p.AmInterested() || p.PeerInterested() {
		t.Fatal("a freshly dialed peer should start uninterested")
	}

	conn := <-accepted
	defer conn.Close()
}
