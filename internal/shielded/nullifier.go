// nullifier.go - Atomic check-and-reserve registry of spent-proof markers.
//
// Reservation is the spend event: a nullifier enters the registry at most
// once, ever. A bloom filter fronts the set for the common absent case; the
// map stays authoritative. The set digest is a homomorphic multiset sum of
// MiMC(n) in the scalar field, so it updates in O(1) per reservation and
// supports release during admission rollback.

package shielded

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	bw6761_fr "github.com/consensys/gnark-crypto/ecc/bw6-761/fr"
)

// Expected registry population for bloom filter sizing. Exceeding it only
// degrades the filter's false-positive rate, never correctness.
const (
	bloomExpectedItems  = 1 << 20
	bloomFalsePositives = 0.001
)

// NullifierRegistry records reserved nullifiers. All methods are safe for
// concurrent use; Check followed by Reserve from two goroutines can never
// both succeed for the same value.
type NullifierRegistry struct {
	mu      sync.Mutex
	set     map[Digest]struct{}
	filter  *bloom.BloomFilter
	sum     bw6761_fr.Element
	haltErr error
}

// NewNullifierRegistry creates an empty registry.
func NewNullifierRegistry() *NullifierRegistry {
	return &NullifierRegistry{
		set:    make(map[Digest]struct{}),
		filter: bloom.NewWithEstimates(bloomExpectedItems, bloomFalsePositives),
	}
}

// Check reports whether n is already reserved.
func (r *NullifierRegistry) Check(n Digest) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.filter.Test(n[:]) {
		return false
	}
	_, ok := r.set[n]
	return ok
}

// Reserve marks n as spent. Fails with ErrNullifierReused if n was ever
// reserved before, and with ErrHalted if the registry is poisoned.
func (r *NullifierRegistry) Reserve(n Digest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.haltErr != nil {
		return fmt.Errorf("%w: %v", ErrHalted, r.haltErr)
	}
	if r.filter.Test(n[:]) {
		if _, ok := r.set[n]; ok {
			return fmt.Errorf("%w: %s", ErrNullifierReused, n)
		}
	}
	r.set[n] = struct{}{}
	r.filter.Add(n[:])
	var e bw6761_fr.Element
	d := Hash(n[:])
	e.SetBytes(d[:])
	r.sum.Add(&r.sum, &e)
	return nil
}

// Release withdraws a reservation made earlier in the same admission. It
// exists solely for rollback when a later admission step fails. Releasing a
// value that is not reserved is an internal-consistency fault and poisons
// the registry.
func (r *NullifierRegistry) Release(n Digest) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.set[n]; !ok {
		if r.haltErr == nil {
			r.haltErr = fmt.Errorf("release of unreserved nullifier %s", n)
		}
		return
	}
	delete(r.set, n)
	// The bloom filter cannot forget; the map stays authoritative.
	var e bw6761_fr.Element
	d := Hash(n[:])
	e.SetBytes(d[:])
	r.sum.Sub(&r.sum, &e)
}

// SetDigest returns the multiset digest of all reserved nullifiers. It is
// independent of reservation order.
func (r *NullifierRegistry) SetDigest() Digest {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.sum.Bytes()
	return Digest(b)
}

// Count returns the number of reserved nullifiers.
func (r *NullifierRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.set)
}

// Healthy returns nil, or the fault that poisoned the registry.
func (r *NullifierRegistry) Healthy() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.haltErr != nil {
		return fmt.Errorf("%w: %v", ErrHalted, r.haltErr)
	}
	return nil
}
