// Package rotation schedules and executes key epoch rotation driven by
// admitted entropy seeds.
//
// At most one rotation is ever in flight. Concurrent triggers collapse onto
// it and observe its outcome. Epoch ids increase strictly, activation times
// never decrease, and a violation of either detected at commit poisons the
// engine.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"quakeshield/internal/shielded"
)

var (
	// ErrEpochExpired rejects a claim against an epoch outside the valid
	// window. Not retryable; the request must be rebuilt for a valid epoch.
	ErrEpochExpired = errors.New("epoch outside valid window")

	// ErrKeyDerivationFailed reports a failed derivation attempt. The epoch
	// table is unchanged and the rotation may be retried.
	ErrKeyDerivationFailed = errors.New("key derivation failed")

	// ErrRotationTimeout reports a bounded wait on an in-flight rotation
	// that elapsed before the rotation settled. Retryable.
	ErrRotationTimeout = errors.New("timed out awaiting in-flight rotation")
)

// State is the rotation lifecycle position.
type State int

const (
	StateActive State = iota
	StateRotationDue
	StateRotationInProgress
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateRotationDue:
		return "rotation_due"
	case StateRotationInProgress:
		return "rotation_in_progress"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// KeyEpoch is one entry of the public epoch table.
type KeyEpoch struct {
	ID          uint64          `json:"epoch_id"`
	VerifyKey   []byte          `json:"public_verification_key"`
	ActivatedAt time.Time       `json:"activation_time"`
	EntropyRef  shielded.Digest `json:"source_entropy_reference"`
}

// KeyDeriver derives the next epoch's key material from the previous secret
// and an entropy seed. Implementations must be deterministic in their
// inputs; failures are retryable.
type KeyDeriver func(prevSecret []byte, seed shielded.Digest) (secret, verifyKey []byte, err error)

// MiMCKeyDeriver chains epochs through MiMC: the next secret absorbs the
// previous one and the seed, and the verification key is the hash of the
// secret.
func MiMCKeyDeriver(prevSecret []byte, seed shielded.Digest) ([]byte, []byte, error) {
	sk := shielded.Hash(prevSecret, seed[:])
	vk := shielded.Hash(sk[:])
	return sk[:], vk[:], nil
}

// Config bounds the rotation schedule.
type Config struct {
	// MaxEpochInterval is how long an epoch stays active before rotation
	// becomes due.
	MaxEpochInterval time.Duration `json:"max_epoch_interval"`
	// RetentionWindow is how many epochs before the current one remain
	// valid for incoming requests.
	RetentionWindow uint64 `json:"retention_window"`
	// AwaitTimeout bounds every wait on an in-flight rotation.
	AwaitTimeout time.Duration `json:"await_timeout"`
}

// DefaultConfig returns the default rotation schedule.
func DefaultConfig() Config {
	return Config{
		MaxEpochInterval: time.Hour,
		RetentionWindow:  2,
		AwaitTimeout:     5 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxEpochInterval <= 0 {
		return fmt.Errorf("max_epoch_interval must be positive")
	}
	if c.AwaitTimeout <= 0 {
		return fmt.Errorf("await_timeout must be positive")
	}
	return nil
}

// ticket is one rotation attempt. err and epoch are set before done closes.
type ticket struct {
	done  chan struct{}
	err   error
	epoch KeyEpoch
}

// Engine owns the epoch table and the single in-flight rotation slot.
// Safe for concurrent use.
type Engine struct {
	cfg    Config
	derive KeyDeriver
	now    func() time.Time

	mu        sync.Mutex
	epochs    []KeyEpoch
	secret    []byte
	emergency bool
	inflight  *ticket
	haltErr   error
}

// NewEngine creates an engine with a fresh genesis epoch (id 0, activated
// now, no entropy reference). deriver nil selects MiMCKeyDeriver.
func NewEngine(cfg Config, deriver KeyDeriver) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("rotation config: %w", err)
	}
	if deriver == nil {
		deriver = MiMCKeyDeriver
	}
	e := &Engine{
		cfg:    cfg,
		derive: deriver,
		now:    time.Now,
	}
	secret := shielded.RandomBytes(32)
	vk := shielded.Hash(secret)
	e.secret = secret
	e.epochs = []KeyEpoch{{
		ID:          0,
		VerifyKey:   vk[:],
		ActivatedAt: e.now(),
	}}
	return e, nil
}

// Resume creates an engine that continues a persisted epoch table. The
// secret chain never leaves the process, so the resumed engine re-seeds it;
// ids and activation times continue from the table.
func Resume(cfg Config, deriver KeyDeriver, epochs []KeyEpoch) (*Engine, error) {
	if len(epochs) == 0 {
		return NewEngine(cfg, deriver)
	}
	for i := 1; i < len(epochs); i++ {
		if epochs[i].ID <= epochs[i-1].ID {
			return nil, fmt.Errorf("epoch table ids not strictly increasing at %d", epochs[i].ID)
		}
		if epochs[i].ActivatedAt.Before(epochs[i-1].ActivatedAt) {
			return nil, fmt.Errorf("epoch table activation decreases at %d", epochs[i].ID)
		}
	}
	e, err := NewEngine(cfg, deriver)
	if err != nil {
		return nil, err
	}
	e.epochs = append([]KeyEpoch(nil), epochs...)
	return e, nil
}

// Rotate advances the epoch table with the given seed if rotation is due.
// The returned bool reports whether a rotation was committed during the
// call, by this trigger or by an in-flight one it collapsed onto. When
// rotation is not due the current epoch is returned unchanged.
func (e *Engine) Rotate(seed shielded.Digest, observedAt time.Time) (KeyEpoch, bool, error) {
	e.mu.Lock()
	if e.haltErr != nil {
		err := e.haltErr
		e.mu.Unlock()
		return KeyEpoch{}, false, err
	}

	if t := e.inflight; t != nil {
		e.mu.Unlock()
		select {
		case <-t.done:
		case <-time.After(e.cfg.AwaitTimeout):
			return KeyEpoch{}, false, fmt.Errorf("%w: after %s", ErrRotationTimeout, e.cfg.AwaitTimeout)
		}
		if t.err != nil {
			return KeyEpoch{}, false, t.err
		}
		return t.epoch, true, nil
	}

	if !e.dueLocked() {
		cur := e.epochs[len(e.epochs)-1]
		e.mu.Unlock()
		return cur, false, nil
	}

	t := &ticket{done: make(chan struct{})}
	e.inflight = t
	prev := e.epochs[len(e.epochs)-1]
	prevSecret := e.secret
	e.mu.Unlock()

	// Derivation runs outside the lock; readers keep seeing the previous
	// epoch until commit.
	secret, verifyKey, err := e.derive(prevSecret, seed)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight = nil
	if err != nil {
		t.err = fmt.Errorf("%w: %v", ErrKeyDerivationFailed, err)
		close(t.done)
		return KeyEpoch{}, false, t.err
	}

	next := KeyEpoch{
		ID:          prev.ID + 1,
		VerifyKey:   verifyKey,
		ActivatedAt: observedAt,
		EntropyRef:  seed,
	}
	if next.ActivatedAt.Before(prev.ActivatedAt) {
		next.ActivatedAt = prev.ActivatedAt
	}
	if next.ID <= prev.ID {
		e.haltErr = fmt.Errorf("%w: epoch id %d does not advance %d",
			shielded.ErrHalted, next.ID, prev.ID)
		t.err = e.haltErr
		close(t.done)
		return KeyEpoch{}, false, t.err
	}

	e.epochs = append(e.epochs, next)
	e.secret = secret
	e.emergency = false
	t.epoch = next
	close(t.done)
	return next, true, nil
}

// ValidateEpoch judges a request's claimed epoch. The current epoch and the
// RetentionWindow epochs before it are valid. A claim one ahead of current
// while a rotation is in flight waits for the commit and is re-judged once;
// every other claim outside the window fails ErrEpochExpired.
func (e *Engine) ValidateEpoch(ctx context.Context, id uint64) error {
	e.mu.Lock()
	if e.haltErr != nil {
		err := e.haltErr
		e.mu.Unlock()
		return err
	}
	cur := e.epochs[len(e.epochs)-1].ID
	t := e.inflight
	e.mu.Unlock()

	if e.withinWindow(id, cur) {
		return nil
	}
	if id == cur+1 && t != nil {
		select {
		case <-t.done:
		case <-time.After(e.cfg.AwaitTimeout):
			return fmt.Errorf("%w: epoch %d not yet committed", ErrRotationTimeout, id)
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrRotationTimeout, ctx.Err())
		}
		e.mu.Lock()
		cur = e.epochs[len(e.epochs)-1].ID
		e.mu.Unlock()
		if e.withinWindow(id, cur) {
			return nil
		}
	}
	if id > cur {
		return fmt.Errorf("%w: epoch %d not yet active, current is %d", ErrEpochExpired, id, cur)
	}
	return fmt.Errorf("%w: epoch %d older than retention window %d behind %d",
		ErrEpochExpired, id, e.cfg.RetentionWindow, cur)
}

func (e *Engine) withinWindow(id, cur uint64) bool {
	return id <= cur && cur-id <= e.cfg.RetentionWindow
}

// RequestEmergencyRotation marks rotation due regardless of elapsed time.
// The next admitted entropy event carries it out.
func (e *Engine) RequestEmergencyRotation() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emergency = true
}

// Current returns the active epoch.
func (e *Engine) Current() KeyEpoch {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epochs[len(e.epochs)-1]
}

// Epochs returns the public epoch table, oldest first.
func (e *Engine) Epochs() []KeyEpoch {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]KeyEpoch, len(e.epochs))
	copy(out, e.epochs)
	return out
}

// State reports the lifecycle position.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.inflight != nil:
		return StateRotationInProgress
	case e.dueLocked():
		return StateRotationDue
	default:
		return StateActive
	}
}

// Healthy returns nil unless the engine has been poisoned by an invariant
// violation.
func (e *Engine) Healthy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.haltErr
}

func (e *Engine) dueLocked() bool {
	if e.emergency {
		return true
	}
	cur := e.epochs[len(e.epochs)-1]
	return e.now().Sub(cur.ActivatedAt) > e.cfg.MaxEpochInterval
}
