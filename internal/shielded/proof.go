// proof.go - Zero-knowledge transfer statements: proving, verification, keys.
//
// The admission layer consumes proof verification exclusively through the
// ProofVerifier interface; Groth16Verifier is the shipped implementation.
// Proving is a wallet-side concern and lives here only so that clients,
// tests, and the demo can build admissible requests.

package shielded

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"math/big"
	"os"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Statement is the public part of a transfer request: the opaque proof and
// the values it commits to.
type Statement struct {
	Proof       []byte   `json:"proof"`
	Nullifier   Digest   `json:"nullifier"`
	Commitments []Digest `json:"commitments"`
	EpochID     uint64   `json:"epoch_id"`
	EntropyRef  Digest   `json:"entropy_ref"`
}

// ProofVerifier is the proof oracle consumed by the admission gateway.
// Implementations must treat a context deadline as a verification failure.
type ProofVerifier interface {
	Verify(ctx context.Context, st *Statement) error
}

// verifyCacheSize bounds the memoized verification outcomes.
const verifyCacheSize = 4096

// Groth16Verifier checks transfer statements against a fixed verifying key.
// Outcomes are memoized, so resubmission of an already-judged statement does
// not pay the pairing cost again.
type Groth16Verifier struct {
	vk    groth16.VerifyingKey
	cache *lru.Cache[[32]byte, bool]
}

// NewGroth16Verifier creates a verifier for the transfer circuit.
func NewGroth16Verifier(vk groth16.VerifyingKey) (*Groth16Verifier, error) {
	cache, err := lru.New[[32]byte, bool](verifyCacheSize)
	if err != nil {
		return nil, err
	}
	return &Groth16Verifier{vk: vk, cache: cache}, nil
}

// Verify checks the statement's proof. The context bounds the wait: on
// expiry the statement is rejected as ErrInvalidProof and the outcome is
// not cached.
func (v *Groth16Verifier) Verify(ctx context.Context, st *Statement) error {
	key := statementKey(st)
	if ok, hit := v.cache.Get(key); hit {
		if ok {
			return nil
		}
		return fmt.Errorf("%w: cached rejection", ErrInvalidProof)
	}

	done := make(chan error, 1)
	go func() { done <- v.verify(st) }()
	select {
	case err := <-done:
		v.cache.Add(key, err == nil)
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrInvalidProof, ctx.Err())
	}
}

func (v *Groth16Verifier) verify(st *Statement) error {
	if len(st.Commitments) == 0 || len(st.Commitments) > MaxOutputs {
		return fmt.Errorf("%w: statement carries %d commitments, circuit takes 1..%d",
			ErrInvalidProof, len(st.Commitments), MaxOutputs)
	}

	// Step 1: Rebuild the public witness from the statement
	assignment := &TransferCircuit{
		Nullifier:  digestVar(st.Nullifier),
		EpochID:    new(big.Int).SetUint64(st.EpochID).String(),
		EntropyRef: digestVar(st.EntropyRef),
		Binding:    digestVar(BindingOf(st)),
	}
	for i, cm := range paddedCommitments(st.Commitments) {
		assignment.Commitments[i] = digestVar(cm)
	}
	w, err := frontend.NewWitness(assignment, ecc.BW6_761.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return fmt.Errorf("%w: public witness: %v", ErrInvalidProof, err)
	}

	// Step 2: Unmarshal the proof
	proof := groth16.NewProof(ecc.BW6_761)
	if _, err := proof.ReadFrom(bytes.NewReader(st.Proof)); err != nil {
		return fmt.Errorf("%w: proof unmarshaling: %v", ErrInvalidProof, err)
	}

	// Step 3: Verify
	if err := groth16.Verify(proof, v.vk, w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	return nil
}

// BindingOf computes the statement binding hash: MiMC over the nullifier,
// the padded commitments, the epoch id, and the entropy reference. The
// circuit asserts the same value in-circuit.
func BindingOf(st *Statement) Digest {
	epoch := uint64Field(st.EpochID)
	fields := make([][]byte, 0, MaxOutputs+3)
	fields = append(fields, st.Nullifier[:])
	for _, cm := range paddedCommitments(st.Commitments) {
		fields = append(fields, cm[:])
	}
	fields = append(fields, epoch[:], st.EntropyRef[:])
	return Hash(fields...)
}

// paddedCommitments fills unused output slots with the zero-note commitment.
func paddedCommitments(cms []Digest) [MaxOutputs]Digest {
	var out [MaxOutputs]Digest
	pad := PadCommitment()
	for i := 0; i < MaxOutputs; i++ {
		if i < len(cms) {
			out[i] = cms[i]
		} else {
			out[i] = pad
		}
	}
	return out
}

// statementKey derives the memoization key. SHA-256 here is a plain cache
// key over arbitrary-length proof bytes, not part of the protocol.
func statementKey(st *Statement) [32]byte {
	h := sha256.New()
	h.Write(st.Proof)
	b := BindingOf(st)
	h.Write(b[:])
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

func digestVar(d Digest) frontend.Variable {
	return new(big.Int).SetBytes(d[:]).String()
}

// BuildTransfer proves a spend of the note held under sk with randomizer
// rho, creating the given outputs. Returns the admissible statement.
// Notes must not exceed MaxOutputs and their amounts must sum to inAmount.
func BuildTransfer(sk, rho []byte, inAmount *big.Int, notes []*OutputNote,
	epochID uint64, entropyRef Digest,
	ccs constraint.ConstraintSystem, pk groth16.ProvingKey) (*Statement, error) {

	if len(notes) == 0 || len(notes) > MaxOutputs {
		return nil, fmt.Errorf("transfer takes 1..%d outputs, got %d", MaxOutputs, len(notes))
	}

	// Step 1: Public statement
	st := &Statement{
		Nullifier:  Nullifier(sk, rho),
		EpochID:    epochID,
		EntropyRef: entropyRef,
	}
	for _, n := range notes {
		st.Commitments = append(st.Commitments, n.Commitment)
	}

	// Step 2: Full witness, padding unused output slots with zero notes
	padded := make([]*OutputNote, MaxOutputs)
	for i := 0; i < MaxOutputs; i++ {
		if i < len(notes) {
			padded[i] = notes[i]
		} else {
			padded[i] = padNote()
		}
	}
	skc := canonical(sk)
	rhoc := canonical(rho)
	assignment := &TransferCircuit{
		Nullifier:  digestVar(st.Nullifier),
		EpochID:    new(big.Int).SetUint64(epochID).String(),
		EntropyRef: digestVar(entropyRef),
		Binding:    digestVar(BindingOf(st)),
		Sk:         new(big.Int).SetBytes(skc[:]).String(),
		Rho:        new(big.Int).SetBytes(rhoc[:]).String(),
		InAmount:   inAmount.String(),
	}
	for i, n := range padded {
		rc := canonical(n.Rho)
		sc := canonical(n.Rand)
		assignment.Commitments[i] = digestVar(n.Commitment)
		assignment.OutOwners[i] = digestVar(n.Owner)
		assignment.OutRhos[i] = new(big.Int).SetBytes(rc[:]).String()
		assignment.OutRands[i] = new(big.Int).SetBytes(sc[:]).String()
		assignment.OutAmounts[i] = n.Amount.String()
	}

	// Step 3: Prove
	w, err := frontend.NewWitness(assignment, ecc.BW6_761.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("witness creation failed: %w", err)
	}
	proof, err := groth16.Prove(ccs, pk, w)
	if err != nil {
		return nil, fmt.Errorf("proof generation failed: %w", err)
	}
	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("proof marshaling failed: %w", err)
	}
	st.Proof = buf.Bytes()
	return st, nil
}

// CompileTransferCircuit compiles the transfer circuit to R1CS.
func CompileTransferCircuit() (constraint.ConstraintSystem, error) {
	var circuit TransferCircuit
	return frontend.Compile(ecc.BW6_761.ScalarField(), r1cs.NewBuilder, &circuit)
}

// SaveProvingKey saves a Groth16 proving key to disk.
func SaveProvingKey(path string, pk groth16.ProvingKey) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = pk.WriteTo(f)
	return err
}

// SaveVerifyingKey saves a Groth16 verifying key to disk.
func SaveVerifyingKey(path string, vk groth16.VerifyingKey) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = vk.WriteTo(f)
	return err
}

// LoadProvingKey loads a Groth16 proving key from disk.
func LoadProvingKey(path string) (groth16.ProvingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pk := groth16.NewProvingKey(ecc.BW6_761)
	_, err = pk.ReadFrom(f)
	return pk, err
}

// LoadVerifyingKey loads a Groth16 verifying key from disk.
func LoadVerifyingKey(path string) (groth16.VerifyingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	vk := groth16.NewVerifyingKey(ecc.BW6_761)
	_, err = vk.ReadFrom(f)
	return vk, err
}

// SetupOrLoadKeys loads the Groth16 keys from disk, or generates and saves
// them on first use.
func SetupOrLoadKeys(ccs constraint.ConstraintSystem, pkPath, vkPath string) (groth16.ProvingKey, groth16.VerifyingKey, error) {
	pk, pkErr := LoadProvingKey(pkPath)
	vk, vkErr := LoadVerifyingKey(vkPath)
	if pkErr == nil && vkErr == nil {
		return pk, vk, nil
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, nil, err
	}
	if err := SaveProvingKey(pkPath, pk); err != nil {
		return nil, nil, err
	}
	if err := SaveVerifyingKey(vkPath, vk); err != nil {
		return nil, nil, err
	}
	return pk, vk, nil
}
