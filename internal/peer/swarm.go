package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/go-leech/leech/internal/bitfield"
	"github.com/go-leech/leech/internal/piece"
	"github.com/go-leech/leech/internal/retry"
	"github.com/go-leech/leech/internal/scheduler"
	"github.com/go-leech/leech/internal/syncmap"
	"golang.org/x/sync/errgroup"
)

// Config bounds the Swarm's connection pool.
type Config struct {
	MaxPeers               uint8
	DialWorkers            int
	PeerOutboxBacklog      int
	ReadTimeout            time.Duration
	WriteTimeout           time.Duration
	DialTimeout            time.Duration
	DialRetryAttempts      int
	DialRetryInitialDelay  time.Duration
	DialRetryMaxDelay      time.Duration
	PeerHeartbeatInterval  time.Duration
	PeerInactivityDuration time.Duration
	MaxInflightPerPeer     int

	// EnableIPv6 admits IPv6 candidate endpoints for dialing
	// (config.Config.EnableIPv6). When false, AdmitPeers drops them before
	// they ever reach the dialer pool — BEP 3's compact tracker format is
	// IPv4-only anyway, but a structured `{ip,port}` response can name
	// either family.
	EnableIPv6 bool
}

func WithDefaultConfig() *Config {
	return &Config{
		MaxPeers:               50,
		DialWorkers:            10,
		PeerOutboxBacklog:      64,
		ReadTimeout:            45 * time.Second,
		WriteTimeout:           30 * time.Second,
		DialTimeout:            10 * time.Second,
		DialRetryAttempts:      3,
		DialRetryInitialDelay:  250 * time.Millisecond,
		DialRetryMaxDelay:      3 * time.Second,
		PeerHeartbeatInterval:  90 * time.Second,
		PeerInactivityDuration: 2 * time.Minute,
		MaxInflightPerPeer:     5,
	}
}

// Swarm owns the set of live peer connections for one torrent: it admits
// new candidate addresses, dials them with a worker pool, and forwards
// every incoming message to the Scheduler.
type Swarm struct {
	cfg       *Config
	log       *slog.Logger
	peers     *syncmap.Map[netip.AddrPort, *Peer]
	infoHash  [sha1.Size]byte
	clientID  [sha1.Size]byte
	stats     *SwarmStats
	scheduler *scheduler.Scheduler
	connectCh chan netip.AddrPort
}

// SwarmStats are swarm-wide counters. TotalPeers, ConnectingPeers and
// FailedConnection are updated by connectAndRun as connections are made and
// lost; the transfer counters, rates, InterestedPeers and DownloadingFrom are
// refreshed once a second by statsLoop. UnchokedPeers is not updated.
type SwarmStats struct {
	TotalPeers       atomic.Uint32
	ConnectingPeers  atomic.Uint32
	FailedConnection atomic.Uint32
	UnchokedPeers    atomic.Uint32
	InterestedPeers  atomic.Uint32
	DownloadingFrom  atomic.Uint32
	TotalDownloaded  atomic.Uint64
	TotalUploaded    atomic.Uint64
	DownloadRate     atomic.Uint64
	UploadRate       atomic.Uint64
}

// SwarmOpts configures a new Swarm.
type SwarmOpts struct {
	Config    *Config
	Log       *slog.Logger
	InfoHash  [sha1.Size]byte
	ClientID  [sha1.Size]byte
	Scheduler *scheduler.Scheduler
}

// SwarmMetrics is a point-in-time snapshot for CLI progress reporting.
type SwarmMetrics struct {
	TotalPeers       uint32
	ConnectingPeers  uint32
	FailedConnection uint32
	InterestedPeers  uint32
	DownloadingFrom  uint32
	TotalDownloaded  uint64
	TotalUploaded    uint64
	DownloadRate     uint64
	UploadRate       uint64
}

// NewSwarm constructs a Swarm ready for Run.
func NewSwarm(opts *SwarmOpts) *Swarm {
	return &Swarm{
		cfg:       opts.Config,
		log:       opts.Log.With("component", "swarm"),
		infoHash:  opts.InfoHash,
		clientID:  opts.ClientID,
		stats:     &SwarmStats{},
		scheduler: opts.Scheduler,
		peers:     syncmap.New[netip.AddrPort, *Peer](),
		connectCh: make(chan netip.AddrPort, int(opts.Config.MaxPeers)),
	}
}

// Run drives the dialer pool and housekeeping loops until ctx is cancelled
// or one of them fails.
func (s *Swarm) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.maintenanceLoop(gctx) })
	g.Go(func() error { return s.statsLoop(gctx) })

	for i := 0; i < s.cfg.DialWorkers; i++ {
		g.Go(func() error { return s.dialerLoop(gctx) })
	}

	return g.Wait()
}

// Stats returns a snapshot of swarm-wide counters.
func (s *Swarm) Stats() SwarmMetrics {
	return SwarmMetrics{
		TotalPeers:       s.stats.TotalPeers.Load(),
		ConnectingPeers:  s.stats.ConnectingPeers.Load(),
		FailedConnection: s.stats.FailedConnection.Load(),
		InterestedPeers:  s.stats.InterestedPeers.Load(),
		DownloadingFrom:  s.stats.DownloadingFrom.Load(),
		TotalDownloaded:  s.stats.TotalDownloaded.Load(),
		TotalUploaded:    s.stats.TotalUploaded.Load(),
		DownloadRate:     s.stats.DownloadRate.Load(),
		UploadRate:       s.stats.UploadRate.Load(),
	}
}

// PeerMetrics returns a snapshot of every currently connected peer.
func (s *Swarm) PeerMetrics() []Metrics {
	out := make([]Metrics, 0, s.peers.Len())
	s.peers.Range(func(_ netip.AddrPort, p *Peer) bool {
		out = append(out, p.Stats())
		return true
	})
	return out
}

// AdmitPeers queues candidate addresses for dialing, dropping any that
// don't fit in the backlog rather than blocking the caller (a tracker
// announce returning more peers than we can use right now).
func (s *Swarm) AdmitPeers(addrs []netip.AddrPort) {
	for _, addr := range addrs {
		if !s.cfg.EnableIPv6 && addr.Addr().Is6() {
			continue
		}

		select {
		case s.connectCh <- addr:
		default:
			s.log.Warn("admit queue full, dropping candidate", "addr", addr)
		}
	}
}

// BroadcastHave notifies every connected peer that a new piece has become
// available locally. The completionSink in internal/torrent calls it as the
// BroadcastHave half of scheduler.CompletionSink, alongside storage writes.
func (s *Swarm) BroadcastHave(index uint32) {
	s.peers.Range(func(_ netip.AddrPort, p *Peer) bool {
		p.SendHave(index)
		return true
	})
}

func (s *Swarm) dialerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case addr, ok := <-s.connectCh:
			if !ok {
				return nil
			}
			s.connectAndRun(ctx, addr)
		}
	}
}

func (s *Swarm) connectAndRun(ctx context.Context, addr netip.AddrPort) {
	if _, dup := s.peers.Get(addr); dup {
		return
	}
	if s.peers.Len() >= int(s.cfg.MaxPeers) {
		return
	}

	s.stats.ConnectingPeers.Add(1)
	defer s.stats.ConnectingPeers.Add(^uint32(0))

	p, err := s.dialWithRetry(ctx, addr)
	if err != nil {
		s.stats.FailedConnection.Add(1)
		s.log.Debug("dial failed", "addr", addr, "error", err)
		return
	}

	s.peers.Put(addr, p)
	s.stats.TotalPeers.Add(1)
	s.scheduler.PeerJoined(addr)
	p.SendBitfield(s.scheduler.LocalBitfield())

	defer func() {
		s.peers.Delete(addr)
		s.stats.TotalPeers.Add(^uint32(0))
		s.scheduler.PeerLeft(addr)
	}()

	if err := p.Run(ctx); err != nil {
		s.log.Debug("peer disconnected", "addr", addr, "error", err)
	}
}

// dialWithRetry dials addr, retrying a failed attempt with jittered
// exponential backoff before the candidate is abandoned.
func (s *Swarm) dialWithRetry(ctx context.Context, addr netip.AddrPort) (*Peer, error) {
	var p *Peer

	opts := Opts{
		Log:                        s.log,
		PieceCount:                 s.scheduler.PieceCount(),
		InfoHash:                   s.infoHash,
		ClientID:                   s.clientID,
		DialTimeout:                s.cfg.DialTimeout,
		ReadTimeout:                s.cfg.ReadTimeout,
		WriteTimeout:               s.cfg.WriteTimeout,
		KeepAliveInterval:          s.cfg.PeerHeartbeatInterval,
		OutboundQueueBacklog:       s.cfg.PeerOutboxBacklog,
		MaxInflightRequestsPerPeer: s.cfg.MaxInflightPerPeer,
		Hooks:                      s.hooksFor(addr),
	}

	err := retry.Do(ctx, func(ctx context.Context) error {
		var dialErr error
		p, dialErr = Dial(ctx, addr, opts)
		return dialErr
	}, retry.WithExponentialBackoff(s.cfg.DialRetryAttempts, s.cfg.DialRetryInitialDelay, s.cfg.DialRetryMaxDelay)...)

	if err != nil {
		return nil, fmt.Errorf("swarm: dial %s: %w", addr, err)
	}
	return p, nil
}

func (s *Swarm) hooksFor(addr netip.AddrPort) Hooks {
	return Hooks{
		OnBitfield: func(a netip.AddrPort, bf bitfield.Bitfield) error {
			return s.scheduler.Bitfield(a, bf)
		},
		OnHave: func(a netip.AddrPort, index uint32) error {
			return s.scheduler.Have(a, index)
		},
		OnPiece: func(a netip.AddrPort, index, begin uint32, data []byte) error {
			err := s.scheduler.BlockReceived(a, index, begin, data)
			if errors.Is(err, piece.ErrHashMismatch) || errors.Is(err, piece.ErrNonSequentialBlock) {
				// The scheduler has already reset the piece and dropped its
				// requests; the peer stays connected (SPEC_FULL.md §7).
				s.log.Debug("block rejected", "addr", a, "piece", index, "error", err)
				return nil
			}
			return err
		},
		OnChoked:   func(a netip.AddrPort) { s.scheduler.PeerChoked(a) },
		OnUnchoked: func(a netip.AddrPort) { s.scheduler.PeerUnchoked(a) },
		NextRequest: func(a netip.AddrPort) (uint32, uint32, uint32, bool) {
			req, ok := s.scheduler.NextRequest(a)
			if !ok {
				return 0, 0, 0, false
			}
			return req.Index, req.Begin, req.Length, true
		},
	}
}

func (s *Swarm) maintenanceLoop(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			var stale []netip.AddrPort
			s.peers.Range(func(addr netip.AddrPort, p *Peer) bool {
				if p.Idleness() > s.cfg.PeerInactivityDuration {
					stale = append(stale, addr)
				}
				return true
			})

			for _, addr := range stale {
				if p, ok := s.peers.Get(addr); ok {
					p.Close()
				}
			}
			if n := len(stale); n > 0 {
				s.log.Info("closed inactive peers", "count", n)
			}
		}
	}
}

func (s *Swarm) statsLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			var totUp, totDown, upRate, downRate uint64
			var interested, downloadingFrom uint32

			s.peers.Range(func(_ netip.AddrPort, p *Peer) bool {
				m := p.Stats()
				totUp += m.Uploaded
				totDown += m.Downloaded
				upRate += m.UploadRate
				downRate += m.DownloadRate
				if m.Interested {
					interested++
				}
				if m.DownloadRate > 0 {
					downloadingFrom++
				}
				return true
			})

			s.stats.TotalUploaded.Store(totUp)
			s.stats.TotalDownloaded.Store(totDown)
			s.stats.UploadRate.Store(upRate)
			s.stats.DownloadRate.Store(downRate)
			s.stats.InterestedPeers.Store(interested)
			s.stats.DownloadingFrom.Store(downloadingFrom)
		}
	}
}
