// accumulator.go - Append-only Merkle accumulator over shielded commitments.
//
// The accumulator assigns each commitment a stable insertion index and keeps
// an incrementally maintained MiMC Merkle root. Levels are padded with
// precomputed empty-subtree digests, so an append only recomputes the path
// from the new leaf to the root. Commitments are never removed.

package shielded

import (
	"fmt"
	"sync"
)

// MembershipProof authenticates one commitment against an accumulator root.
// Siblings are ordered leaf to root; the position at each level follows from
// the index bits.
type MembershipProof struct {
	Index    uint64   `json:"index"`
	Leaf     Digest   `json:"leaf"`
	Siblings []Digest `json:"siblings"`
}

// Accumulator is the append-only authenticated set of output commitments.
// All methods are safe for concurrent use.
type Accumulator struct {
	mu      sync.RWMutex
	levels  [][]Digest // levels[0] holds the leaves
	index   map[Digest]uint64
	empties []Digest // empties[l] is the root of an all-empty subtree of height l
	root    Digest
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		levels:  make([][]Digest, 1),
		index:   make(map[Digest]uint64),
		empties: []Digest{{}},
	}
}

// Append inserts a commitment at the next free index and atomically moves
// the root. Fails with ErrDuplicateCommitment if the commitment is present.
func (a *Accumulator) Append(cm Digest) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if i, ok := a.index[cm]; ok {
		return 0, fmt.Errorf("%w: already at index %d", ErrDuplicateCommitment, i)
	}
	i := uint64(len(a.levels[0]))
	a.levels[0] = append(a.levels[0], cm)
	a.index[cm] = i
	a.rebuildPath(i)
	return i, nil
}

// Contains reports whether the commitment is in the accumulator.
func (a *Accumulator) Contains(cm Digest) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.index[cm]
	return ok
}

// IndexOf returns the insertion index of a commitment.
func (a *Accumulator) IndexOf(cm Digest) (uint64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	i, ok := a.index[cm]
	return i, ok
}

// Len returns the number of commitments inserted so far.
func (a *Accumulator) Len() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return uint64(len(a.levels[0]))
}

// Root returns the current root. The zero digest stands for the empty set.
func (a *Accumulator) Root() Digest {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.root
}

// ProofFor builds a membership proof for cm against the current root.
// Fails with ErrNotFound if the commitment is absent.
func (a *Accumulator) ProofFor(cm Digest) (*MembershipProof, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	i, ok := a.index[cm]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, cm)
	}
	depth := depthFor(uint64(len(a.levels[0])))
	siblings := make([]Digest, 0, depth)
	idx := i
	for l := 0; l < depth; l++ {
		siblings = append(siblings, a.node(l, idx^1))
		idx >>= 1
	}
	return &MembershipProof{Index: i, Leaf: cm, Siblings: siblings}, nil
}

// VerifyProof recomputes the path and checks it against root.
func VerifyProof(root Digest, proof *MembershipProof) bool {
	if proof == nil {
		return false
	}
	h := proof.Leaf
	idx := proof.Index
	for _, sib := range proof.Siblings {
		if idx&1 == 0 {
			h = Hash(h[:], sib[:])
		} else {
			h = Hash(sib[:], h[:])
		}
		idx >>= 1
	}
	return idx == 0 && h == root
}

// rebuildPath recomputes every node from leaf i to the root. Positions past
// the current level width read as empty subtrees, which covers the right
// spine when the tree depth grows. Caller holds the write lock.
func (a *Accumulator) rebuildPath(i uint64) {
	depth := depthFor(uint64(len(a.levels[0])))
	for len(a.levels) < depth+1 {
		a.levels = append(a.levels, nil)
	}
	// Materialize empty-subtree digests here, under the write lock, so read
	// paths never mutate the memo.
	for len(a.empties) <= depth {
		prev := a.empties[len(a.empties)-1]
		a.empties = append(a.empties, Hash(prev[:], prev[:]))
	}
	idx := i
	for l := 0; l < depth; l++ {
		left := idx &^ 1
		parent := Hash(a.nodeb(l, left), a.nodeb(l, left|1))
		p := idx >> 1
		for uint64(len(a.levels[l+1])) <= p {
			a.levels[l+1] = append(a.levels[l+1], Digest{})
		}
		a.levels[l+1][p] = parent
		idx = p
	}
	a.root = a.node(depth, 0)
}

// node returns the digest at (level, position), empty-padded past the width.
func (a *Accumulator) node(l int, i uint64) Digest {
	if l < len(a.levels) && i < uint64(len(a.levels[l])) {
		return a.levels[l][i]
	}
	return a.empty(l)
}

func (a *Accumulator) nodeb(l int, i uint64) []byte {
	d := a.node(l, i)
	return d[:]
}

// empty returns the precomputed root of an empty subtree of height l.
func (a *Accumulator) empty(l int) Digest {
	return a.empties[l]
}

// depthFor returns the tree height for n leaves: the smallest d with
// 2^d >= n. A single leaf is its own root.
func depthFor(n uint64) int {
	if n <= 1 {
		return 0
	}
	d := 0
	for uint64(1)<<d < n {
		d++
	}
	return d
}
