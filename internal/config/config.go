// Package config holds the tunables for a leech session: timeouts, queue
// sizes, peer caps and block size. There is no reflection-based loader here;
// callers construct a Config directly or start from DefaultConfig.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Config defines behavior and resource limits for a torrent download.
type Config struct {
	// ========== Identity / Paths ==========

	// DefaultDownloadDir is where new torrents are saved when no
	// destination is given on the command line.
	DefaultDownloadDir string

	// ClientID is the 20-byte BitTorrent peer id for this client.
	ClientID [sha1.Size]byte

	// ========== Networking ==========

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration

	// MaxPeers is the maximum number of concurrent peer connections.
	MaxPeers int

	// ========== Tracker / Announce ==========

	NumWant             uint32
	AnnounceInterval    time.Duration // overrides tracker's suggested interval; 0 uses tracker default
	MinAnnounceInterval time.Duration
	MaxAnnounceBackoff  time.Duration
	Port                uint16

	// ========== Piece Picker / Requests ==========

	// BlockLength is the size of a requested block, conventionally 16KiB.
	BlockLength uint32

	// MaxInflightRequestsPerPeer limits outstanding requests to one peer.
	MaxInflightRequestsPerPeer int

	// MaxGlobalPendingRequests bounds total outstanding requests across all
	// peers (§4.4: "a small constant, ≈50").
	MaxGlobalPendingRequests int

	// RequestStaleAfter is how long a request may be pending before the
	// scheduler treats it as abandoned and re-issuable (§4.4: 2s).
	RequestStaleAfter time.Duration

	// RequestSweepInterval is the tick cadence for the stale-request sweep.
	RequestSweepInterval time.Duration

	// PeerOutboundQueueBacklog bounds the per-peer outbound message queue.
	PeerOutboundQueueBacklog int

	// ========== Keepalive ==========

	KeepAliveInterval      time.Duration
	PeerInactivityDuration time.Duration

	// ========== Miscellaneous ==========

	// EnableIPv6 admits IPv6 peer candidates for dialing; false drops them
	// at admission (internal/peer.Swarm.AdmitPeers).
	EnableIPv6 bool
}

// DefaultConfig returns sensible defaults for most use cases.
func DefaultConfig() (Config, error) {
	downloadDir := getDefaultDownloadDir()
	ipv6 := hasIPV6()

	clientID, err := generateClientID()
	if err != nil {
		return Config{}, err
	}

	return Config{
		DefaultDownloadDir:         downloadDir,
		ClientID:                   clientID,
		ReadTimeout:                30 * time.Second,
		WriteTimeout:               30 * time.Second,
		DialTimeout:                5 * time.Second,
		MaxPeers:                   50,
		NumWant:                    50,
		AnnounceInterval:           0,
		MinAnnounceInterval:        20 * time.Minute,
		MaxAnnounceBackoff:         45 * time.Minute,
		Port:                       6881,
		BlockLength:                16 * 1024,
		MaxInflightRequestsPerPeer: 5,
		MaxGlobalPendingRequests:   50,
		RequestStaleAfter:          2 * time.Second,
		RequestSweepInterval:       1 * time.Second,
		PeerOutboundQueueBacklog:   32,
		KeepAliveInterval:          60 * time.Second,
		PeerInactivityDuration:     2 * time.Minute,
		EnableIPv6:                 ipv6,
	}, nil
}

func hasIPV6() bool {
	ifaces, _ := net.Interfaces()

	for _, ifi := range ifaces {
		if (ifi.Flags & net.FlagUp) == 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipNet.IP
			if ip == nil || ip.To4() != nil {
				continue
			}
			if ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast() && !ip.IsLoopback() {
				return true
			}
		}
	}

	return false
}

func getDefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "leech")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "leech", "downloads")
	}
}

func generateClientID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	prefix := []byte("-LE0100-")
	copy(peerID[:], prefix)

	if _, err := rand.Read(peerID[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return peerID, nil
}
