// Package peer implements one live connection to a remote BitTorrent peer
// (SPEC_FULL.md §4.5): the handshake, the framed read/write pumps, the local
// and remote choke/interest state machine, and dispatch of incoming messages
// to the scheduler.
package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/go-leech/leech/internal/bitfield"
	"github.com/go-leech/leech/internal/protocol"
	"golang.org/x/sync/errgroup"
)

const (
	maskAmChoking      = 1 << 0
	maskAmInterested   = 1 << 1
	maskPeerChoking    = 1 << 2
	maskPeerInterested = 1 << 3
)

var (
	// ErrHandshakeFailure wraps any error from the BEP 3 handshake exchange
	// (wrong info-hash, short read, protocol mismatch) — SPEC_FULL.md §7.
	// The caller's only correct response is to close the session; it is
	// never fatal to the controller.
	ErrHandshakeFailure = errors.New("peer: handshake failed")
	// ErrPeerIO wraps any socket read/write failure encountered after the
	// handshake. Same policy as ErrHandshakeFailure: close this session,
	// leave the rest of the swarm running.
	ErrPeerIO = errors.New("peer: io error")
)

// Hooks are the scheduler-facing callbacks a Peer invokes as messages
// arrive. The message hooks and NextRequest are called synchronously from the
// read pump; OnHandshake is called from Dial and OnDisconnect from Run after
// the pumps stop. Implementations must not block for long.
type Hooks struct {
	OnBitfield   func(netip.AddrPort, bitfield.Bitfield) error
	OnHave       func(netip.AddrPort, uint32) error
	OnPiece      func(netip.AddrPort, uint32, uint32, []byte) error
	OnChoked     func(netip.AddrPort)
	OnUnchoked   func(netip.AddrPort)
	OnDisconnect func(netip.AddrPort)
	OnHandshake  func(netip.AddrPort)
	// NextRequest asks for the next block to request from this peer. ok is
	// false if nothing is eligible right now.
	NextRequest func(netip.AddrPort) (index, begin, length uint32, ok bool)
}

// Opts configures a new Peer connection.
type Opts struct {
	Log                        *slog.Logger
	PieceCount                 int
	InfoHash                   [sha1.Size]byte
	ClientID                   [sha1.Size]byte
	DialTimeout                time.Duration
	ReadTimeout                time.Duration
	WriteTimeout               time.Duration
	KeepAliveInterval          time.Duration
	OutboundQueueBacklog       int
	MaxInflightRequestsPerPeer int
	Hooks                      Hooks
}

// Peer is one live connection to a remote peer.
type Peer struct {
	log  *slog.Logger
	conn net.Conn
	addr netip.AddrPort
	opts Opts

	state        uint32
	stats        *Stats
	bitfield     bitfield.Bitfield
	lastActivity atomic.Int64
	inflight     atomic.Int32
	outbox       chan *protocol.Message
	history      *messageHistoryBuffer
	closeOnce    sync.Once
	stopped      atomic.Bool
	cancel       context.CancelFunc
}

// historyCapacity bounds how many recent wire events Peer.RecentEvents can
// report.
const historyCapacity = 256

// Stats holds per-connection counters and timestamps, all safe for
// concurrent use.
type Stats struct {
	Downloaded        atomic.Uint64
	Uploaded          atomic.Uint64
	DownloadRate      atomic.Uint64
	UploadRate        atomic.Uint64
	MessagesReceived  atomic.Uint64
	MessagesSent      atomic.Uint64
	RequestsSent      atomic.Uint64
	RequestsReceived  atomic.Uint64
	RequestsCancelled atomic.Uint64
	PiecesReceived    atomic.Uint64
	PiecesSent        atomic.Uint64
	Errors            atomic.Uint64

	ConnectedAt    time.Time
	DisconnectedAt time.Time
}

// Metrics is a point-in-time snapshot of a peer's connection and transfer
// state, suitable for periodic CLI progress reporting.
type Metrics struct {
	Addr         netip.AddrPort
	Downloaded   uint64
	Uploaded     uint64
	RequestsSent uint64
	PiecesRecv   uint64
	LastActive   time.Time
	ConnectedAt  time.Time
	ConnectedFor time.Duration
	DownloadRate uint64
	UploadRate   uint64
	AmChoked     bool
	PeerChoked   bool
	Interested   bool
}

// Dial connects to addr, performs the BEP 3 handshake verifying infoHash,
// and returns an Active-phase Peer ready for Run.
func Dial(ctx context.Context, addr netip.AddrPort, opts Opts) (*Peer, error) {
	log := opts.Log.With("component", "peer", "addr", addr)

	conn, err := net.DialTimeout("tcp", addr.String(), opts.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("peer: dial: %w", err)
	}

	// The handshake exchange is bounded to 5 s; the pumps set their own
	// per-operation deadlines afterwards.
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	hs := protocol.NewHandshake(opts.InfoHash, opts.ClientID)
	if _, err := hs.Exchange(conn, true); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("peer %s: handshake: %w: %w", addr, ErrHandshakeFailure, err)
	}
	_ = conn.SetDeadline(time.Time{})

	p := &Peer{
		log:      log,
		conn:     conn,
		addr:     addr,
		opts:     opts,
		stats:    &Stats{ConnectedAt: time.Now()},
		bitfield: bitfield.New(opts.PieceCount),
		outbox:   make(chan *protocol.Message, opts.OutboundQueueBacklog),
		history:  newMessageHistoryBuffer(historyCapacity),
	}
	p.setState(maskAmChoking|maskPeerChoking, true)
	p.lastActivity.Store(time.Now().UnixNano())

	if opts.Hooks.OnHandshake != nil {
		opts.Hooks.OnHandshake(addr)
	}

	return p, nil
}

// Run drives the peer's read pump, write pump, and throughput sampler until
// ctx is cancelled or any one of them fails; a failure in one cancels the
// others (SPEC_FULL.md §5).
func (p *Peer) Run(ctx context.Context) error {
	defer p.Close()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.readLoop(gctx) })
	g.Go(func() error { return p.writeLoop(gctx) })
	g.Go(func() error { return p.rateLoop(gctx) })

	err := g.Wait()
	if p.opts.Hooks.OnDisconnect != nil {
		p.opts.Hooks.OnDisconnect(p.addr)
	}
	return err
}

// Close tears down the connection exactly once.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.stopped.Store(true)
		if p.cancel != nil {
			p.cancel()
		}
		_ = p.conn.Close()
		// outbox is intentionally never closed: BroadcastHave and the
		// maintenance loop may still be racing an enqueue from another
		// goroutine, and a send on a closed channel panics outright. The
		// write pump already exits via ctx.Done() above; the channel is
		// reclaimed by GC once the last sender drops it.
		p.stats.DisconnectedAt = time.Now()
	})
}

func (p *Peer) Addr() netip.AddrPort { return p.addr }

func (p *Peer) Idleness() time.Duration {
	return time.Since(time.Unix(0, p.lastActivity.Load()))
}

func (p *Peer) SendBitfield(bf bitfield.Bitfield) { p.enqueue(protocol.MessageBitfield(bf.Bytes())) }
func (p *Peer) SendKeepAlive()                    { p.enqueue(nil) }
func (p *Peer) SendChoke()                        { p.enqueue(protocol.MessageChoke()) }
func (p *Peer) SendUnchoke()                       { p.enqueue(protocol.MessageUnchoke()) }
func (p *Peer) SendInterested()                   { p.enqueue(protocol.MessageInterested()) }
func (p *Peer) SendNotInterested()                { p.enqueue(protocol.MessageNotInterested()) }
func (p *Peer) SendHave(index uint32)              { p.enqueue(protocol.MessageHave(index)) }

func (p *Peer) SendCancel(index, begin, length uint32) {
	p.enqueue(protocol.MessageCancel(index, begin, length))
}

func (p *Peer) SendRequest(index, begin, length uint32) {
	if p.PeerChoking() {
		return
	}
	p.inflight.Add(1)
	p.enqueue(protocol.MessageRequest(index, begin, length))
}

func (p *Peer) AmChoking() bool      { return p.getState(maskAmChoking) }
func (p *Peer) AmInterested() bool   { return p.getState(maskAmInterested) }
func (p *Peer) PeerChoking() bool    { return p.getState(maskPeerChoking) }
func (p *Peer) PeerInterested() bool { return p.getState(maskPeerInterested) }

func (p *Peer) getState(mask uint32) bool { return atomic.LoadUint32(&p.state)&mask != 0 }

func (p *Peer) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&p.state)
		var next uint32
		if on {
			next = old | mask
		} else {
			next = old &^ mask
		}
		if atomic.CompareAndSwapUint32(&p.state, old, next) {
			return
		}
	}
}

func (p *Peer) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, err := p.readMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, protocol.ErrMalformedFrame) {
				return fmt.Errorf("peer %s: read: %w", p.addr, err)
			}
			return fmt.Errorf("peer %s: read: %w: %w", p.addr, ErrPeerIO, err)
		}

		if err := p.handleMessage(msg); err != nil {
			return fmt.Errorf("peer %s: handle message: %w", p.addr, err)
		}
	}
}

func (p *Peer) writeLoop(ctx context.Context) error {
	p.SendInterested()
	p.setState(maskAmInterested, true)

	ticker := time.NewTicker(p.opts.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-p.outbox:
			if !ok {
				return nil
			}
			if err := p.writeMessage(msg); err != nil {
				return fmt.Errorf("peer %s: write: %w: %w", p.addr, ErrPeerIO, err)
			}

		case <-ticker.C:
			if time.Since(time.Unix(0, p.lastActivity.Load())) >= p.opts.KeepAliveInterval {
				p.SendKeepAlive()
			}
		}
	}
}

// rateLoop samples the cumulative byte counters once a second and maintains
// an EMA-smoothed instantaneous rate: instant = (curTotal-lastTotal)/1s,
// emaNext = α*instant + (1-α)*emaPrev. Pauses naturally yield a zero delta.
func (p *Peer) rateLoop(ctx context.Context) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	lastUp, lastDown := p.stats.Uploaded.Load(), p.stats.Downloaded.Load()
	const alpha = 0.2
	var upEMA, downEMA float64
	inited := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			curUp, curDown := p.stats.Uploaded.Load(), p.stats.Downloaded.Load()
			instUp, instDown := float64(curUp-lastUp), float64(curDown-lastDown)

			if !inited {
				upEMA, downEMA, inited = instUp, instDown, true
			} else {
				upEMA = alpha*instUp + (1-alpha)*upEMA
				downEMA = alpha*instDown + (1-alpha)*downEMA
			}

			p.stats.UploadRate.Store(uint64(upEMA))
			p.stats.DownloadRate.Store(uint64(downEMA))
			lastUp, lastDown = curUp, curDown
		}
	}
}

func (p *Peer) readMessage() (*protocol.Message, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(p.opts.ReadTimeout))
	defer p.conn.SetReadDeadline(time.Time{})

	msg, err := protocol.ReadMessage(p.conn)
	if err != nil {
		p.stats.Errors.Add(1)
		return nil, err
	}

	p.stats.MessagesReceived.Add(1)
	p.lastActivity.Store(time.Now().UnixNano())
	p.history.Add(eventFromMessage(directionReceived, msg))

	return msg, nil
}

func (p *Peer) writeMessage(msg *protocol.Message) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout))
	defer p.conn.SetWriteDeadline(time.Time{})

	if err := protocol.WriteMessage(p.conn, msg); err != nil {
		p.stats.Errors.Add(1)
		return err
	}

	p.onMessageWritten(msg)
	return nil
}

func (p *Peer) handleMessage(msg *protocol.Message) error {
	if protocol.IsKeepAlive(msg) {
		return nil
	}

	switch msg.ID {
	case protocol.Choke:
		p.setState(maskPeerChoking, true)
		if p.opts.Hooks.OnChoked != nil {
			p.opts.Hooks.OnChoked(p.addr)
		}

	case protocol.Unchoke:
		p.setState(maskPeerChoking, false)
		if p.opts.Hooks.OnUnchoked != nil {
			p.opts.Hooks.OnUnchoked(p.addr)
		}
		p.pump()

	case protocol.Interested:
		p.setState(maskPeerInterested, true)

	case protocol.NotInterested:
		p.setState(maskPeerInterested, false)

	case protocol.Bitfield:
		bf := bitfield.FromBytes(msg.Payload)
		if p.opts.Hooks.OnBitfield != nil {
			if err := p.opts.Hooks.OnBitfield(p.addr, bf); err != nil {
				return err
			}
		}
		p.pump()

	case protocol.Have:
		index, ok := msg.ParseHave()
		if !ok {
			return fmt.Errorf("peer %s: %w: malformed have", p.addr, protocol.ErrMalformedFrame)
		}
		if p.opts.Hooks.OnHave != nil {
			if err := p.opts.Hooks.OnHave(p.addr, index); err != nil {
				return err
			}
		}
		p.pump()

	case protocol.Piece:
		index, begin, block, ok := msg.ParsePiece()
		if !ok {
			return fmt.Errorf("peer %s: %w: malformed piece", p.addr, protocol.ErrMalformedFrame)
		}
		p.inflight.Add(-1)
		p.stats.PiecesReceived.Add(1)
		p.stats.Downloaded.Add(uint64(len(block)))
		if p.opts.Hooks.OnPiece != nil {
			if err := p.opts.Hooks.OnPiece(p.addr, index, begin, block); err != nil {
				return err
			}
		}
		p.pump()

	case protocol.Request:
		if _, _, _, ok := msg.ParseRequest(); !ok {
			return fmt.Errorf("peer %s: %w: malformed request", p.addr, protocol.ErrMalformedFrame)
		}
		p.stats.RequestsReceived.Add(1)

	case protocol.Cancel:
		p.stats.RequestsCancelled.Add(1)

	default:
		return fmt.Errorf("peer: unknown message id %d", msg.ID)
	}

	return nil
}

// pump tops up outstanding requests to this peer, up to
// MaxInflightRequestsPerPeer, pulling the next block from NextRequest.
func (p *Peer) pump() {
	if p.PeerChoking() || p.opts.Hooks.NextRequest == nil {
		return
	}

	for int(p.inflight.Load()) < p.opts.MaxInflightRequestsPerPeer {
		index, begin, length, ok := p.opts.Hooks.NextRequest(p.addr)
		if !ok {
			return
		}
		p.SendRequest(index, begin, length)
	}
}

func (p *Peer) enqueue(msg *protocol.Message) bool {
	if p.stopped.Load() {
		return false
	}

	select {
	case p.outbox <- msg:
		return true
	default:
		return false
	}
}

func (p *Peer) onMessageWritten(msg *protocol.Message) {
	p.stats.MessagesSent.Add(1)
	p.lastActivity.Store(time.Now().UnixNano())
	p.history.Add(eventFromMessage(directionSent, msg))

	if msg == nil {
		return
	}

	switch msg.ID {
	case protocol.Choke:
		p.setState(maskAmChoking, true)
	case protocol.Unchoke:
		p.setState(maskAmChoking, false)
	case protocol.Interested:
		p.setState(maskAmInterested, true)
	case protocol.NotInterested:
		p.setState(maskAmInterested, false)
	case protocol.Request:
		p.stats.RequestsSent.Add(1)
	case protocol.Piece:
		if n := len(msg.Payload); n >= 8 {
			p.stats.PiecesSent.Add(1)
			p.stats.Uploaded.Add(uint64(n - 8))
		}
	case protocol.Cancel:
		p.stats.RequestsCancelled.Add(1)
	}
}

// RecentEvents returns up to n of this peer's most recent wire events,
// oldest first.
func (p *Peer) RecentEvents(n int) ([]*Event, error) {
	return p.history.Get(n)
}

// Stats returns a snapshot of this peer's metrics.
func (p *Peer) Stats() Metrics {
	return Metrics{
		Addr:         p.addr,
		Downloaded:   p.stats.Downloaded.Load(),
		Uploaded:     p.stats.Uploaded.Load(),
		RequestsSent: p.stats.RequestsSent.Load(),
		PiecesRecv:   p.stats.PiecesReceived.Load(),
		LastActive:   time.Unix(0, p.lastActivity.Load()),
		ConnectedAt:  p.stats.ConnectedAt,
		ConnectedFor: time.Since(p.stats.ConnectedAt),
		DownloadRate: p.stats.DownloadRate.Load(),
		UploadRate:   p.stats.UploadRate.Load(),
		AmChoked:     p.AmChoking(),
		PeerChoked:   p.PeerChoking(),
		Interested:   p.AmInterested(),
	}
}
