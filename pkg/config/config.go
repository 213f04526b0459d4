// Package config loads and validates the Settings record that governs a
// gossipmesh process instance: peer-set capacities, loop periods, and
// listening/bootstrap endpoints.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/litnet/gossipmesh/pkg/netaddr"
)

// DefaultReadBufferSize is the ambient codec read-chunk size used when a
// settings file does not specify one.
const DefaultReadBufferSize = 64 * 1024

// ErrConfigInvalid wraps every settings-validation failure. Fatal at
// startup: a process with invalid settings must not start.
var ErrConfigInvalid = errors.New("config: invalid settings")

// Settings is the immutable configuration record for the lifetime of a
// process instance.
type Settings struct {
	CacheSize         int      `json:"cache_size"`
	Degree            int      `json:"degree"`
	MinConnections    int      `json:"min_connections"`
	MaxConnections    int      `json:"max_connections"`
	SearchCooldownSec float64  `json:"search_cooldown"`
	ChallengeCooldownSec float64 `json:"challenge_cooldown"`
	Bootstrapper      string   `json:"bootstrapper"`
	P2PAddress        string   `json:"p2p_address"`
	APIAddress        string   `json:"api_address"`
	KnownPeers        []string `json:"known_peers,omitempty"`

	// ReadBufferSize is an ambient knob for the codec's per-connection read
	// chunk size. Not part of the wire protocol.
	ReadBufferSize int `json:"read_buffer_size,omitempty"`
}

// MaxPush returns ⌊max/2⌋, the push-set capacity.
func (s *Settings) MaxPush() int { return s.MaxConnections / 2 }

// MaxPull returns ⌈max/2⌉, the pull-set capacity.
func (s *Settings) MaxPull() int { return (s.MaxConnections + 1) / 2 }

// Validate checks every field of s, naming the offending field in the
// returned error.
func (s *Settings) Validate() error {
	if s.CacheSize < 1 {
		return fmt.Errorf("%w: CacheSize: must be >= 1, got %d", ErrConfigInvalid, s.CacheSize)
	}
	if s.Degree < 1 {
		return fmt.Errorf("%w: Degree: must be >= 1, got %d", ErrConfigInvalid, s.Degree)
	}
	if s.MinConnections < 0 {
		return fmt.Errorf("%w: MinConnections: must be >= 0, got %d", ErrConfigInvalid, s.MinConnections)
	}
	if s.MaxConnections < 2 {
		return fmt.Errorf("%w: MaxConnections: must be >= 2, got %d", ErrConfigInvalid, s.MaxConnections)
	}
	if s.MaxConnections < s.MinConnections {
		return fmt.Errorf("%w: MaxConnections: must be >= MinConnections (%d), got %d", ErrConfigInvalid, s.MinConnections, s.MaxConnections)
	}
	if s.SearchCooldownSec <= 0 {
		return fmt.Errorf("%w: SearchCooldownSec: must be > 0, got %v", ErrConfigInvalid, s.SearchCooldownSec)
	}
	if s.ChallengeCooldownSec <= 0 {
		return fmt.Errorf("%w: ChallengeCooldownSec: must be > 0, got %v", ErrConfigInvalid, s.ChallengeCooldownSec)
	}
	if s.Bootstrapper != "" {
		if _, err := netaddr.Parse(s.Bootstrapper); err != nil {
			return fmt.Errorf("%w: Bootstrapper: %v", ErrConfigInvalid, err)
		}
	}
	if _, err := netaddr.Parse(s.P2PAddress); err != nil {
		return fmt.Errorf("%w: P2PAddress: %v", ErrConfigInvalid, err)
	}
	if _, err := netaddr.Parse(s.APIAddress); err != nil {
		return fmt.Errorf("%w: APIAddress: %v", ErrConfigInvalid, err)
	}
	seen := make(map[string]struct{}, len(s.KnownPeers))
	for i, kp := range s.KnownPeers {
		ep, err := netaddr.Parse(kp)
		if err != nil {
			return fmt.Errorf("%w: KnownPeers[%d]: %v", ErrConfigInvalid, i, err)
		}
		norm := ep.String()
		if _, dup := seen[norm]; dup {
			return fmt.Errorf("%w: KnownPeers[%d]: duplicate address %q", ErrConfigInvalid, i, norm)
		}
		seen[norm] = struct{}{}
	}
	return nil
}

// applyDefaults fills in ambient knobs the wire protocol doesn't care about.
func (s *Settings) applyDefaults() {
	if s.ReadBufferSize <= 0 {
		s.ReadBufferSize = DefaultReadBufferSize
	}
}

// Load reads and validates a Settings record from a JSON file at path. This
// is the seam an external configuration provider plugs into; gossipmesh
// itself only needs the returned, validated Settings.
func Load(path string) (*Settings, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads and validates a Settings record from r.
func Parse(r io.Reader) (*Settings, error) {
	var s Settings
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid settings: %w", err)
	}
	return &s, nil
}
