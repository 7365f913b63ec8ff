// Package torrent wires together the metainfo, storage, scheduler, swarm,
// and tracker session for one torrent download and owns its top-level
// lifecycle (SPEC_FULL.md §4.7).
package torrent

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-leech/leech/internal/config"
	"github.com/go-leech/leech/internal/metainfo"
	"github.com/go-leech/leech/internal/peer"
	"github.com/go-leech/leech/internal/piece"
	"github.com/go-leech/leech/internal/scheduler"
	"github.com/go-leech/leech/internal/storage"
	"github.com/go-leech/leech/internal/tracker"
	"golang.org/x/sync/errgroup"
)

// Torrent owns the full lifecycle of one download: resume verification,
// the tracker announce loop, the peer swarm, and the piece scheduler.
type Torrent struct {
	Metainfo *metainfo.Metainfo

	clientID  [sha1.Size]byte
	cfg       config.Config
	log       *slog.Logger
	store     *storage.Store
	scheduler *scheduler.Scheduler
	swarm     *peer.Swarm
	tracker   *tracker.Session
	cancel    context.CancelFunc

	// startedSent guards the one-time BEP 3 `event=started` announce. Both
	// the announce loop and Run's completion goroutine call
	// buildAnnounceParams, so the flag is atomic.
	startedSent atomic.Bool
}

// New parses data as a .torrent file, lays out its files under
// cfg.DefaultDownloadDir, and verifies any content already present on disk
// before returning a Torrent ready for Run.
func New(data []byte, cfg config.Config) (*Torrent, error) {
	mi, err := metainfo.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("torrent: parse metainfo: %w", err)
	}

	log := slog.Default().With("torrent", mi.Info.Name)

	store, err := storage.New(mi, storage.Config{DownloadDir: cfg.DefaultDownloadDir}, log)
	if err != nil {
		return nil, fmt.Errorf("torrent: open storage: %w", err)
	}

	if cfg.BlockLength > 0 {
		piece.MaxBlockLength = cfg.BlockLength
	}

	t := &Torrent{
		Metainfo: mi,
		clientID: cfg.ClientID,
		cfg:      cfg,
		log:      log,
		store:    store,
	}

	sched := scheduler.New(scheduler.Opts{
		Config: scheduler.Config{
			MaxGlobalPendingRequests: cfg.MaxGlobalPendingRequests,
			RequestStaleAfter:        cfg.RequestStaleAfter,
			RequestSweepInterval:     cfg.RequestSweepInterval,
		},
		Log:         log,
		PieceHashes: mi.Info.Pieces,
		PieceLength: uint32(mi.Info.PieceLength),
		TotalSize:   mi.Size(),
		Sink:        &completionSink{store: store, torrent: t},
	})
	t.scheduler = sched

	if err := t.verifyResume(); err != nil {
		return nil, fmt.Errorf("torrent: resume verification: %w", err)
	}

	t.swarm = peer.NewSwarm(&peer.SwarmOpts{
		Config: &peer.Config{
			MaxPeers:               uint8(min(cfg.MaxPeers, 255)),
			DialWorkers:            10,
			PeerOutboxBacklog:      cfg.PeerOutboundQueueBacklog,
			ReadTimeout:            cfg.ReadTimeout,
			WriteTimeout:           cfg.WriteTimeout,
			DialTimeout:            cfg.DialTimeout,
			DialRetryAttempts:      3,
			DialRetryInitialDelay:  250 * time.Millisecond,
			DialRetryMaxDelay:      3 * time.Second,
			PeerHeartbeatInterval:  cfg.KeepAliveInterval,
			PeerInactivityDuration: cfg.PeerInactivityDuration,
			MaxInflightPerPeer:     cfg.MaxInflightRequestsPerPeer,
			EnableIPv6:             cfg.EnableIPv6,
		},
		Log:       log,
		InfoHash:  mi.InfoHash,
		ClientID:  cfg.ClientID,
		Scheduler: sched,
	})

	trackerSession, err := tracker.New(mi.Announce, mi.AnnounceList, tracker.Opts{
		Log:                 log,
		OnAnnounceStart:     t.buildAnnounceParams,
		OnAnnounceSuccess:   t.swarm.AdmitPeers,
		AnnounceInterval:    cfg.AnnounceInterval,
		MinAnnounceInterval: cfg.MinAnnounceInterval,
		MaxAnnounceBackoff:  cfg.MaxAnnounceBackoff,
	})
	if err != nil {
		return nil, fmt.Errorf("torrent: init tracker: %w", err)
	}
	t.tracker = trackerSession

	return t, nil
}

// verifyResume re-hashes every piece already present on disk and marks it
// done in the scheduler, so a restarted download doesn't re-fetch data it
// already has (SPEC_FULL.md §2.3, §4.7).
func (t *Torrent) verifyResume() error {
	n := len(t.Metainfo.Info.Pieces)
	total := uint64(t.Metainfo.Size())
	pieceLen := uint32(t.Metainfo.Info.PieceLength)

	buf := make([]byte, pieceLen)
	verified := 0

	for i := 0; i < n; i++ {
		length, ok := piece.PieceLengthAt(uint32(i), total, pieceLen)
		if !ok {
			return fmt.Errorf("torrent: piece %d length out of range", i)
		}

		if err := t.store.ReadPiece(uint32(i), buf[:length]); err != nil {
			// Nothing (or a short file) on disk yet; not an error, just
			// nothing to resume for this piece.
			continue
		}

		sum := sha1.Sum(buf[:length])
		if sum != t.Metainfo.Info.Pieces[i] {
			continue
		}

		t.scheduler.MarkResumed(uint32(i))
		verified++
	}

	if verified > 0 {
		t.log.Info("resume verification complete", "pieces", verified, "total", n)
	}
	return nil
}

// Run drives the tracker announce loop, the peer swarm, and the scheduler's
// stale-request sweep until ctx is cancelled or any one fails. It returns
// once every piece has been verified and written, or on cancellation.
func (t *Torrent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	defer func() {
		if err := t.store.Close(); err != nil {
			t.log.Warn("error closing storage", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.tracker.Run(gctx) })
	g.Go(func() error { return t.swarm.Run(gctx) })
	g.Go(func() error { return t.scheduler.Run(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-t.scheduler.DoneCh():
			t.announceCompleted()
			t.log.Info("torrent complete, shutting down")
			cancel()
			return nil
		}
	})

	return g.Wait()
}

// announceCompleted sends a best-effort BEP 3 `completed` announce directly
// (rather than waiting for the announce loop's next scheduled tick, which
// the completion-triggered Stop below would otherwise race and usually
// win — SPEC_FULL.md §4.6/§4.7).
func (t *Torrent) announceCompleted() {
	params := t.buildAnnounceParams()
	params.Event = tracker.EventCompleted

	actx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := t.tracker.Announce(actx, params); err != nil {
		t.log.Debug("best-effort completed announce failed", "error", err)
	}
}

// Stop cancels the torrent's Run context.
func (t *Torrent) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

// Done reports whether every piece has been verified and written to disk.
func (t *Torrent) Done() bool { return t.scheduler.Done() }

// Stats is a point-in-time snapshot of a torrent's progress for CLI
// reporting.
type Stats struct {
	Swarm    peer.SwarmMetrics
	Tracker  tracker.Metrics
	Peers    []peer.Metrics
	Progress float64
}

// Stats aggregates the swarm, tracker, and overall completion percentage.
func (t *Torrent) Stats() Stats {
	swarmStats := t.swarm.Stats()

	written := 0
	total := len(t.Metainfo.Info.Pieces)
	if total > 0 {
		bf := t.scheduler.LocalBitfield()
		written = bf.Count()
	}

	progress := 0.0
	if total > 0 {
		progress = float64(written) / float64(total) * 100.0
	}

	return Stats{
		Swarm:    swarmStats,
		Tracker:  t.tracker.Stats(),
		Peers:    t.swarm.PeerMetrics(),
		Progress: progress,
	}
}

func (t *Torrent) buildAnnounceParams() *tracker.AnnounceParams {
	swarmStats := t.swarm.Stats()
	downloaded := swarmStats.TotalDownloaded
	size := uint64(t.Metainfo.Size())

	var left uint64
	if downloaded < size {
		left = size - downloaded
	}

	event := tracker.EventNone
	switch {
	case left == 0:
		event = tracker.EventCompleted
	case t.startedSent.CompareAndSwap(false, true):
		event = tracker.EventStarted
	}

	return &tracker.AnnounceParams{
		Event:      event,
		InfoHash:   t.Metainfo.InfoHash,
		PeerID:     t.clientID,
		Uploaded:   swarmStats.TotalUploaded,
		Downloaded: downloaded,
		Left:       left,
		NumWant:    t.cfg.NumWant,
		Port:       t.cfg.Port,
	}
}

// completionSink composes storage persistence and swarm announcement into
// the single scheduler.CompletionSink interface.
type completionSink struct {
	store   *storage.Store
	torrent *Torrent
}

func (c *completionSink) WritePiece(index uint32, data []byte) error {
	return c.store.WritePiece(index, data)
}

func (c *completionSink) BroadcastHave(index uint32) {
	if c.torrent.swarm != nil {
		c.torrent.swarm.BroadcastHave(index)
	}
}
