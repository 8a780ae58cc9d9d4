// Package gateway admits transfer requests into the shielded state.
//
// Admission runs a fixed pipeline: proof verification, epoch validity,
// entropy reference, then a single commit section covering the nullifier
// reservation, duplicate checks, the transparent balance delta, and the
// appends. A request either changes everything it names or nothing at all.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"quakeshield/internal/shielded"
	"quakeshield/internal/stealth"
)

// ErrUnknownEntropyReference rejects a request referencing a seed the
// entropy gate never admitted.
var ErrUnknownEntropyReference = errors.New("entropy reference not admitted")

// EpochValidator judges a request's claimed key epoch.
type EpochValidator interface {
	ValidateEpoch(ctx context.Context, id uint64) error
}

// EntropyIndex reports whether an entropy seed has been admitted.
type EntropyIndex interface {
	Admitted(ref shielded.Digest) bool
}

// Journal persists admissions. A call must be atomic: either the whole
// admission is durable or none of it is.
type Journal interface {
	RecordAdmission(adm *Admission) error
}

// TransferRequest is one shielded transfer offered for admission.
type TransferRequest struct {
	shielded.Statement
	Stealth *stealth.Record        `json:"stealth_record,omitempty"`
	Delta   *shielded.BalanceDelta `json:"balance_delta,omitempty"`
}

// Admission is the durable trace of one admitted request, including the
// shielded state summary after it.
type Admission struct {
	Nullifier          shielded.Digest   `json:"nullifier"`
	Commitments        []shielded.Digest `json:"commitments"`
	CommitmentIndexes  []uint64          `json:"commitment_indexes"`
	EpochID            uint64            `json:"epoch_id"`
	EntropyRef         shielded.Digest   `json:"entropy_ref"`
	Stealth            *stealth.Record   `json:"stealth_record,omitempty"`
	AccumulatorRoot    shielded.Digest   `json:"accumulator_root"`
	NullifierSetDigest shielded.Digest   `json:"nullifier_set_digest"`
	StateRoot          shielded.Digest   `json:"state_root"`
}

// Gateway serializes admissions into the shielded state. Verification and
// the other prechecks of distinct requests run concurrently; commits take
// one mutex because every admission moves the shared root.
type Gateway struct {
	verifier shielded.ProofVerifier
	epochs   EpochValidator
	entropy  EntropyIndex

	acc        *shielded.Accumulator
	nullifiers *shielded.NullifierRegistry
	balances   *shielded.Balances
	directory  *stealth.Directory
	journal    Journal

	mu       sync.Mutex
	root     shielded.Digest
	admitted uint64
	haltErr  error
}

// New wires a gateway over the given state components. journal may be nil
// for ephemeral deployments.
func New(verifier shielded.ProofVerifier, epochs EpochValidator, entropy EntropyIndex,
	acc *shielded.Accumulator, nullifiers *shielded.NullifierRegistry,
	balances *shielded.Balances, directory *stealth.Directory, journal Journal) *Gateway {

	return &Gateway{
		verifier:   verifier,
		epochs:     epochs,
		entropy:    entropy,
		acc:        acc,
		nullifiers: nullifiers,
		balances:   balances,
		directory:  directory,
		journal:    journal,
		root:       shielded.StateRoot(acc.Root(), nullifiers.SetDigest()),
	}
}

// Submit runs the admission pipeline. On success the new shielded state
// root is returned; on any failure no observable state changes.
func (g *Gateway) Submit(ctx context.Context, req *TransferRequest) (shielded.Digest, error) {
	if err := precheck(req); err != nil {
		return shielded.Digest{}, err
	}

	// Steps that need no state run outside the commit lock.
	if err := g.verifier.Verify(ctx, &req.Statement); err != nil {
		return shielded.Digest{}, err
	}
	if err := g.epochs.ValidateEpoch(ctx, req.EpochID); err != nil {
		return shielded.Digest{}, err
	}
	if !g.entropy.Admitted(req.EntropyRef) {
		return shielded.Digest{}, fmt.Errorf("%w: %s", ErrUnknownEntropyReference, req.EntropyRef)
	}

	return g.commit(req)
}

// precheck rejects structurally malformed requests before any work.
func precheck(req *TransferRequest) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	if len(req.Proof) == 0 {
		return fmt.Errorf("request carries no proof")
	}
	if len(req.Commitments) == 0 || len(req.Commitments) > shielded.MaxOutputs {
		return fmt.Errorf("request carries %d commitments, want 1..%d",
			len(req.Commitments), shielded.MaxOutputs)
	}
	seen := make(map[shielded.Digest]struct{}, len(req.Commitments))
	for _, cm := range req.Commitments {
		if _, ok := seen[cm]; ok {
			return fmt.Errorf("%w: repeated inside the request", shielded.ErrDuplicateCommitment)
		}
		seen[cm] = struct{}{}
	}
	return nil
}

func (g *Gateway) commit(req *TransferRequest) (shielded.Digest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.haltErr != nil {
		return shielded.Digest{}, g.haltErr
	}

	// Reserve the nullifier. Everything after this either commits or
	// releases the reservation.
	if err := g.nullifiers.Reserve(req.Nullifier); err != nil {
		return shielded.Digest{}, err
	}

	for _, cm := range req.Commitments {
		if g.acc.Contains(cm) {
			g.nullifiers.Release(req.Nullifier)
			return shielded.Digest{}, fmt.Errorf("%w: %s", shielded.ErrDuplicateCommitment, cm)
		}
	}
	if req.Stealth != nil && g.directory.Has(req.Stealth) {
		g.nullifiers.Release(req.Nullifier)
		return shielded.Digest{}, fmt.Errorf("%w: commitment ref %s",
			stealth.ErrDuplicateRecord, req.Stealth.CommitmentRef)
	}

	// The transparent delta is the last fallible step.
	if err := g.balances.Apply(req.Delta); err != nil {
		g.nullifiers.Release(req.Nullifier)
		return shielded.Digest{}, err
	}

	// Past this point nothing may fail; a failure means the in-memory
	// state no longer agrees with itself and admission must stop.
	indexes := make([]uint64, len(req.Commitments))
	for i, cm := range req.Commitments {
		idx, err := g.acc.Append(cm)
		if err != nil {
			return shielded.Digest{}, g.halt(fmt.Errorf("commitment append: %v", err))
		}
		indexes[i] = idx
	}
	if req.Stealth != nil {
		if err := g.directory.Add(req.Stealth); err != nil {
			return shielded.Digest{}, g.halt(fmt.Errorf("stealth listing: %v", err))
		}
	}

	g.root = shielded.StateRoot(g.acc.Root(), g.nullifiers.SetDigest())
	g.admitted++

	if g.journal != nil {
		adm := &Admission{
			Nullifier:          req.Nullifier,
			Commitments:        append([]shielded.Digest(nil), req.Commitments...),
			CommitmentIndexes:  indexes,
			EpochID:            req.EpochID,
			EntropyRef:         req.EntropyRef,
			Stealth:            req.Stealth,
			AccumulatorRoot:    g.acc.Root(),
			NullifierSetDigest: g.nullifiers.SetDigest(),
			StateRoot:          g.root,
		}
		if err := g.journal.RecordAdmission(adm); err != nil {
			// Committed in memory but not durable: stop admitting rather
			// than let memory and journal drift apart.
			return shielded.Digest{}, g.halt(fmt.Errorf("journal: %v", err))
		}
	}
	return g.root, nil
}

// halt poisons the gateway. Callers hold g.mu.
func (g *Gateway) halt(cause error) error {
	g.haltErr = fmt.Errorf("%w: %v", shielded.ErrHalted, cause)
	return g.haltErr
}

// Root returns the shielded state root after the latest admission.
func (g *Gateway) Root() shielded.Digest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.root
}

// Admitted returns the number of admitted requests.
func (g *Gateway) Admitted() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.admitted
}

// Healthy returns nil unless the gateway has halted.
func (g *Gateway) Healthy() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.haltErr
}
