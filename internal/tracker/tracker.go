// Package tracker implements the BEP 3 HTTP announce protocol: building the
// announce request, parsing its bencoded response, and the announce loop
// that re-announces on the tracker-given interval and rotates through a flat
// list of announce URLs on failure (SPEC_FULL.md §4.6).
package tracker

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-leech/leech/internal/retry"
	"golang.org/x/sync/errgroup"
)

const (
	maxConsecutiveFailures = 5
	defaultAnnounceInterval = 2 * time.Minute
	minReannounceInterval   = 15 * time.Second
)

var (
	// ErrTrackerFailure wraps a single URL's announce rejection (non-200
	// response or a bencoded `failure reason`) — SPEC_FULL.md §7. Policy:
	// rotate to the next URL and retry at the next tick; never fatal on
	// its own.
	ErrTrackerFailure = errors.New("tracker: announce failed")
	// ErrNoTrackers means every announce URL has been tried and rejected
	// (or the .torrent carried none at all); fatal to the controller.
	ErrNoTrackers = errors.New("tracker: no usable announce urls")
)

// Event is the BEP 3 `event` query parameter.
type Event uint32

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}

// AnnounceParams is everything a Session needs to build one announce
// request.
type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	Key        uint32
	TrackerID  string
	NumWant    uint32
	Port       uint16
}

// AnnounceResponse is the parsed reply from a tracker.
type AnnounceResponse struct {
	TrackerID   string
	Interval    time.Duration
	MinInterval time.Duration
	Leechers    int64
	Seeders     int64
	Peers       []netip.AddrPort
}

// protocol is implemented by each per-URL tracker client; HTTP is the only
// one wired in (BEP 3 Non-goals exclude UDP tracker support).
type protocol interface {
	Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error)
}

// Stats are announce-loop counters, safe for concurrent reads.
type Stats struct {
	TotalAnnounces      atomic.Uint64
	SuccessfulAnnounces atomic.Uint64
	FailedAnnounces     atomic.Uint64
	TotalPeersReceived  atomic.Uint64
	CurrentSeeders      atomic.Int64
	CurrentLeechers     atomic.Int64
	LastAnnounce        atomic.Int64
	LastSuccess         atomic.Int64
}

// Metrics is a point-in-time Stats snapshot.
type Metrics struct {
	TotalAnnounces      uint64
	SuccessfulAnnounces uint64
	FailedAnnounces     uint64
	TotalPeersReceived  uint64
	CurrentSeeders      int64
	CurrentLeechers     int64
	LastAnnounce        time.Time
	LastSuccess         time.Time
}

// Opts configures a new Session.
type Opts struct {
	Log               *slog.Logger
	OnAnnounceStart   func() *AnnounceParams
	OnAnnounceSuccess func(addrs []netip.AddrPort)
	RetryAttempts     int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration

	// AnnounceInterval, if non-zero, overrides the tracker's suggested
	// `interval` entirely (config.Config.AnnounceInterval).
	AnnounceInterval time.Duration
	// MinAnnounceInterval floors the effective re-announce interval
	// (config.Config.MinAnnounceInterval); 0 falls back to
	// minReannounceInterval.
	MinAnnounceInterval time.Duration
	// MaxAnnounceBackoff caps backoffFor's exponential growth
	// (config.Config.MaxAnnounceBackoff); 0 leaves only backoffFor's
	// built-in cap of 15s doubled at most five times.
	MaxAnnounceBackoff time.Duration
}

// Session owns one torrent's announce URLs (flattened to a single
// deduplicated round-robin list — BEP 12 multi-tier fallback is a
// Non-goal) and the periodic announce loop.
type Session struct {
	mu      sync.Mutex
	urls    []*url.URL
	clients map[string]protocol
	log     *slog.Logger
	stats   *Stats
	opts    Opts
}

// New parses a .torrent's announce/announce-list into a flat, shuffled,
// deduplicated list of HTTP(S) tracker URLs.
func New(announce string, announceList [][]string, opts Opts) (*Session, error) {
	if opts.OnAnnounceStart == nil || opts.OnAnnounceSuccess == nil {
		return nil, errors.New("tracker: both announce hooks are required")
	}

	urls, err := flattenAnnounceURLs(announce, announceList)
	if err != nil {
		return nil, err
	}

	r := rand.New(rand.NewSource(1))
	r.Shuffle(len(urls), func(i, j int) { urls[i], urls[j] = urls[j], urls[i] })

	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryInitialDelay == 0 {
		opts.RetryInitialDelay = 500 * time.Millisecond
	}
	if opts.RetryMaxDelay == 0 {
		opts.RetryMaxDelay = 5 * time.Second
	}

	return &Session{
		urls:    urls,
		clients: make(map[string]protocol),
		log:     opts.Log.With("component", "tracker", "urls", len(urls)),
		stats:   &Stats{},
		opts:    opts,
	}, nil
}

// Run drives the announce loop until ctx is cancelled, sending a final
// EventStopped announce on the way out.
func (s *Session) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.announceLoop(gctx) })
	return g.Wait()
}

// Stats returns a snapshot of the announce loop's counters.
func (s *Session) Stats() Metrics {
	lastAnn, lastSuc := s.stats.LastAnnounce.Load(), s.stats.LastSuccess.Load()
	m := Metrics{
		TotalAnnounces:      s.stats.TotalAnnounces.Load(),
		SuccessfulAnnounces: s.stats.SuccessfulAnnounces.Load(),
		FailedAnnounces:     s.stats.FailedAnnounces.Load(),
		TotalPeersReceived:  s.stats.TotalPeersReceived.Load(),
		CurrentSeeders:      s.stats.CurrentSeeders.Load(),
		CurrentLeechers:     s.stats.CurrentLeechers.Load(),
	}
	if lastAnn > 0 {
		m.LastAnnounce = time.Unix(lastAnn, 0)
	}
	if lastSuc > 0 {
		m.LastSuccess = time.Unix(lastSuc, 0)
	}
	return m
}

// Announce tries each known URL in round-robin order (retrying a transient
// failure on each URL before moving on) until one succeeds, then promotes
// it to the front of the list for next time (BEP 3's tracker-rotation
// convention).
func (s *Session) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	s.stats.TotalAnnounces.Add(1)
	s.stats.LastAnnounce.Store(time.Now().Unix())

	urls := s.snapshotURLs()
	var lastErr error

	for i, u := range urls {
		client, err := s.clientFor(u)
		if err != nil {
			lastErr = err
			continue
		}

		var resp *AnnounceResponse
		err = retry.Do(ctx, func(ctx context.Context) error {
			var aerr error
			resp, aerr = client.Announce(ctx, params)
			return aerr
		}, retry.WithExponentialBackoff(s.opts.RetryAttempts, s.opts.RetryInitialDelay, s.opts.RetryMaxDelay)...)
		if err != nil {
			lastErr = err
			s.log.Debug("announce failed", "url", u.String(), "error", err)
			continue
		}

		s.promote(i)
		s.stats.SuccessfulAnnounces.Add(1)
		s.stats.LastSuccess.Store(time.Now().Unix())
		s.stats.TotalPeersReceived.Add(uint64(len(resp.Peers)))
		s.stats.CurrentSeeders.Store(resp.Seeders)
		s.stats.CurrentLeechers.Store(resp.Leechers)

		s.log.Info("announce success", "url", u.String(), "peers", len(resp.Peers))
		return resp, nil
	}

	s.stats.FailedAnnounces.Add(1)
	if lastErr == nil {
		lastErr = errors.New("no announce urls configured")
	}
	// Every URL failed this round; retryable — the caller rotates to the
	// next tick with backoff rather than giving up (SPEC_FULL.md §7).
	return nil, fmt.Errorf("%w: all urls failed this round: %w", ErrTrackerFailure, lastErr)
}

func (s *Session) announceLoop(ctx context.Context) error {
	consecutiveFailures := 0
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			params := s.opts.OnAnnounceStart()
			params.Event = EventStopped
			_, _ = s.Announce(sctx, params)
			cancel()
			return nil

		case <-ticker.C:
			if consecutiveFailures >= maxConsecutiveFailures {
				return fmt.Errorf("%w: exhausted %d consecutive announce failures", ErrNoTrackers, maxConsecutiveFailures)
			}

			resp, err := s.Announce(ctx, s.opts.OnAnnounceStart())
			if err != nil {
				consecutiveFailures++
				ticker.Reset(s.backoffFor(consecutiveFailures))
				continue
			}

			consecutiveFailures = 0
			s.opts.OnAnnounceSuccess(resp.Peers)
			ticker.Reset(s.nextInterval(resp))
		}
	}
}

func (s *Session) snapshotURLs() []*url.URL {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*url.URL(nil), s.urls...)
}

// promote moves the URL at index i to the front, so a tracker that just
// succeeded is tried first next time.
func (s *Session) promote(i int) {
	if i <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.urls) {
		return
	}
	u := s.urls[i]
	copy(s.urls[1:i+1], s.urls[0:i])
	s.urls[0] = u
}

func (s *Session) clientFor(u *url.URL) (protocol, error) {
	key := u.String()

	s.mu.Lock()
	c, ok := s.clients[key]
	s.mu.Unlock()
	if ok {
		return c, nil
	}

	c, err := newHTTPClient(u, s.log.With("scheme", u.Scheme, "host", u.Host))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.clients[key] = c
	s.mu.Unlock()

	return c, nil
}

func flattenAnnounceURLs(announce string, announceList [][]string) ([]*url.URL, error) {
	seen := make(map[string]struct{})
	var out []*url.URL

	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return
		}
		if _, dup := seen[raw]; dup {
			return
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return
		}
		seen[raw] = struct{}{}
		out = append(out, u)
	}

	add(announce)
	for _, tier := range announceList {
		for _, raw := range tier {
			add(raw)
		}
	}

	if len(out) == 0 {
		return nil, ErrNoTrackers
	}
	return out, nil
}

// backoffFor computes the jittered exponential retry delay after
// consecutiveFailures, capped at s.opts.MaxAnnounceBackoff when configured
// (config.Config.MaxAnnounceBackoff).
func (s *Session) backoffFor(consecutiveFailures int) time.Duration {
	const base = 15 * time.Second
	const maxShift = 5

	shift := consecutiveFailures - 1
	if shift > maxShift {
		shift = maxShift
	}
	delay := base * (1 << uint(shift))
	if s.opts.MaxAnnounceBackoff > 0 && delay > s.opts.MaxAnnounceBackoff {
		delay = s.opts.MaxAnnounceBackoff
	}

	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay - (delay / 4) + jitter
}

// nextInterval picks the re-announce delay: s.opts.AnnounceInterval
// overrides the tracker's suggestion entirely when set; otherwise the
// tracker's `interval` is used, floored by `min interval` (or
// s.opts.MinAnnounceInterval, config.Config.MinAnnounceInterval, when that
// is higher than minReannounceInterval's built-in floor).
func (s *Session) nextInterval(resp *AnnounceResponse) time.Duration {
	if s.opts.AnnounceInterval > 0 {
		return s.opts.AnnounceInterval
	}

	interval := defaultAnnounceInterval
	if resp.Interval > 0 {
		interval = resp.Interval
	}

	minFloor := minReannounceInterval
	if s.opts.MinAnnounceInterval > minFloor {
		minFloor = s.opts.MinAnnounceInterval
	}
	if resp.MinInterval > minFloor {
		minFloor = resp.MinInterval
	}
	if interval < minFloor {
		interval = minFloor
	}
	return interval
}
