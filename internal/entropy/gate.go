// Package entropy admits external seismic observations as entropy sources
// for key rotation.
//
// Every event passes the full validation chain before a seed is derived:
// coordinate bounds, magnitude plausibility, freshness, and source trust.
// The derived seed is deterministic and one-way. It reveals nothing finer
// than the event's already-public physical observables.
package entropy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"quakeshield/internal/shielded"
)

// Validation failures, in the order the checks run.
var (
	ErrInvalidCoordinates   = errors.New("coordinates outside plausible range")
	ErrImplausibleMagnitude = errors.New("magnitude outside plausible range")
	ErrStaleEvent           = errors.New("event outside freshness window")
	ErrUntrustedSource      = errors.New("event source not trusted")
)

// Event is one observed seismic event offered as an entropy source.
// RawPayload carries the feed's original message for the authenticator;
// it never enters seed derivation.
type Event struct {
	SourceID   string    `json:"source_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Magnitude  float64   `json:"magnitude"`
	ObservedAt time.Time `json:"observed_at"`
	RawPayload []byte    `json:"raw_payload,omitempty"`
}

// SourceAuthenticator verifies an event's provenance beyond the static
// trusted set (feed signatures, upstream lookups). Any error or timeout
// rejects the event; the gate fails closed.
type SourceAuthenticator interface {
	Authenticate(ctx context.Context, e *Event) error
}

// Config bounds what the gate accepts.
type Config struct {
	TrustedSources []string      `json:"trusted_sources"`
	MaxMagnitude   float64       `json:"max_magnitude"`
	MaxAge         time.Duration `json:"max_age"`
	SkewTolerance  time.Duration `json:"skew_tolerance"`
	AuthTimeout    time.Duration `json:"auth_timeout"`
}

// DefaultConfig returns the default gate bounds. Trusted sources are
// deployment policy and start empty.
func DefaultConfig() Config {
	return Config{
		MaxMagnitude:  10.0,
		MaxAge:        15 * time.Minute,
		SkewTolerance: 2 * time.Minute,
		AuthTimeout:   2 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxMagnitude <= 0 {
		return fmt.Errorf("max_magnitude must be positive")
	}
	if c.MaxAge <= 0 {
		return fmt.Errorf("max_age must be positive")
	}
	if c.SkewTolerance < 0 {
		return fmt.Errorf("skew_tolerance must not be negative")
	}
	if c.AuthTimeout <= 0 {
		return fmt.Errorf("auth_timeout must be positive")
	}
	return nil
}

// Gate validates entropy events and indexes the seeds of admitted ones.
// Safe for concurrent use.
type Gate struct {
	cfg     Config
	trusted mapset.Set[string]
	auth    SourceAuthenticator

	now func() time.Time

	mu    sync.RWMutex
	index map[shielded.Digest]Event
	order []shielded.Digest
}

// NewGate creates a gate enforcing cfg. auth may be nil, in which case
// membership in the trusted set alone vouches for a source.
func NewGate(cfg Config, auth SourceAuthenticator) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("entropy gate config: %w", err)
	}
	trusted := mapset.NewSet[string]()
	for _, s := range cfg.TrustedSources {
		trusted.Add(s)
	}
	return &Gate{
		cfg:     cfg,
		trusted: trusted,
		auth:    auth,
		now:     time.Now,
		index:   make(map[shielded.Digest]Event),
	}, nil
}

// Validate runs the admission checks in order and returns the first failure.
func (g *Gate) Validate(ctx context.Context, e *Event) error {
	if e == nil {
		return fmt.Errorf("nil event")
	}
	// Negated comparisons so NaN readings fail the bound checks too.
	if !(e.Latitude >= -90 && e.Latitude <= 90) {
		return fmt.Errorf("%w: latitude %v", ErrInvalidCoordinates, e.Latitude)
	}
	if !(e.Longitude >= -180 && e.Longitude <= 180) {
		return fmt.Errorf("%w: longitude %v", ErrInvalidCoordinates, e.Longitude)
	}
	if !(e.Magnitude > 0 && e.Magnitude <= g.cfg.MaxMagnitude) {
		return fmt.Errorf("%w: magnitude %v outside (0, %v]",
			ErrImplausibleMagnitude, e.Magnitude, g.cfg.MaxMagnitude)
	}
	now := g.now()
	if e.ObservedAt.Before(now.Add(-g.cfg.MaxAge)) {
		return fmt.Errorf("%w: observed %s ago",
			ErrStaleEvent, now.Sub(e.ObservedAt).Round(time.Second))
	}
	if e.ObservedAt.After(now.Add(g.cfg.SkewTolerance)) {
		return fmt.Errorf("%w: observed %s in the future",
			ErrStaleEvent, e.ObservedAt.Sub(now).Round(time.Second))
	}
	if !g.trusted.Contains(e.SourceID) {
		return fmt.Errorf("%w: %q", ErrUntrustedSource, e.SourceID)
	}
	if g.auth != nil {
		actx, cancel := context.WithTimeout(ctx, g.cfg.AuthTimeout)
		defer cancel()
		if err := g.auth.Authenticate(actx, e); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrUntrustedSource, e.SourceID, err)
		}
	}
	return nil
}

// Admit validates the event and indexes its derived seed. Admission is
// idempotent: a replay of an already-admitted event yields the same seed.
func (g *Gate) Admit(ctx context.Context, e *Event) (shielded.Digest, error) {
	if err := g.Validate(ctx, e); err != nil {
		return shielded.Digest{}, err
	}
	seed := DeriveSeed(e)
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.index[seed]; !ok {
		g.index[seed] = *e
		g.order = append(g.order, seed)
	}
	return seed, nil
}

// Admitted reports whether ref is the seed of an admitted event.
func (g *Gate) Admitted(ref shielded.Digest) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.index[ref]
	return ok
}

// Seeds returns the admitted seeds in admission order.
func (g *Gate) Seeds() []shielded.Digest {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]shielded.Digest, len(g.order))
	copy(out, g.order)
	return out
}

// Count returns the number of distinct admitted events.
func (g *Gate) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// DeriveSeed derives the rotation seed from the event's physical
// observables: coordinates quantized to 0.1 degrees, magnitude quantized
// to 0.1, and the observation second. Two reports of the same physical
// event derive the same seed; the source id never enters the hash.
func DeriveSeed(e *Event) shielded.Digest {
	return shielded.Hash(
		beUint64(quantize(e.Latitude+90)),
		beUint64(quantize(e.Longitude+180)),
		beUint64(quantize(e.Magnitude)),
		beUint64(uint64(e.ObservedAt.Unix())),
	)
}

// quantize maps a non-negative reading to tenths.
func quantize(v float64) uint64 {
	return uint64(math.Round(v * 10))
}

func beUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
