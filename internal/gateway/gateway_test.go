package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quakeshield/internal/shielded"
	"quakeshield/internal/stealth"
)

type stubVerifier struct{ err error }

func (s stubVerifier) Verify(ctx context.Context, st *shielded.Statement) error { return s.err }

type stubEpochs struct{ err error }

func (s stubEpochs) ValidateEpoch(ctx context.Context, id uint64) error { return s.err }

type stubEntropy struct{ known bool }

func (s stubEntropy) Admitted(ref shielded.Digest) bool { return s.known }

type recordingJournal struct {
	err        error
	admissions []*Admission
}

func (j *recordingJournal) RecordAdmission(a *Admission) error {
	if j.err != nil {
		return j.err
	}
	j.admissions = append(j.admissions, a)
	return nil
}

type fixture struct {
	g       *Gateway
	acc     *shielded.Accumulator
	reg     *shielded.NullifierRegistry
	bal     *shielded.Balances
	dir     *stealth.Directory
	journal *recordingJournal
}

func newFixture(verifier shielded.ProofVerifier, epochs EpochValidator, entropy EntropyIndex) *fixture {
	f := &fixture{
		acc:     shielded.NewAccumulator(),
		reg:     shielded.NewNullifierRegistry(),
		bal:     shielded.NewBalances(),
		dir:     stealth.NewDirectory(),
		journal: &recordingJournal{},
	}
	f.g = New(verifier, epochs, entropy, f.acc, f.reg, f.bal, f.dir, f.journal)
	return f
}

func okFixture() *fixture {
	return newFixture(stubVerifier{}, stubEpochs{}, stubEntropy{known: true})
}

type snapshot struct {
	root      shielded.Digest
	accLen    uint64
	nulCount  int
	nulDigest shielded.Digest
	dirLen    int
	alice     *uint256.Int
}

func (f *fixture) snap() snapshot {
	return snapshot{
		root:      f.g.Root(),
		accLen:    f.acc.Len(),
		nulCount:  f.reg.Count(),
		nulDigest: f.reg.SetDigest(),
		dirLen:    f.dir.Len(),
		alice:     f.bal.Balance("alice"),
	}
}

func makeRequest(outputs int) *TransferRequest {
	cms := make([]shielded.Digest, outputs)
	for i := range cms {
		cms[i] = shielded.RandomDigest()
	}
	return &TransferRequest{
		Statement: shielded.Statement{
			Proof:       []byte{0xAA, 0xBB},
			Nullifier:   shielded.RandomDigest(),
			Commitments: cms,
			EpochID:     1,
			EntropyRef:  shielded.RandomDigest(),
		},
	}
}

func makeStealthRecord(t *testing.T, cm shielded.Digest) *stealth.Record {
	t.Helper()
	kp, err := stealth.GenerateKeyPair()
	require.NoError(t, err)
	out, err := stealth.NewOutput(kp.MetaAddress(), big.NewInt(1), shielded.RandomDigest())
	require.NoError(t, err)
	return out.Bind(cm)
}

func TestSubmitAdmits(t *testing.T) {
	f := okFixture()
	before := f.snap()

	req := makeRequest(2)
	req.Stealth = makeStealthRecord(t, req.Commitments[0])
	req.Delta = &shielded.BalanceDelta{Account: "alice", Amount: uint256.NewInt(50)}

	root, err := f.g.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, before.root, root)
	assert.Equal(t, root, f.g.Root())
	assert.Equal(t, shielded.StateRoot(f.acc.Root(), f.reg.SetDigest()), root)

	assert.True(t, f.acc.Contains(req.Commitments[0]))
	assert.True(t, f.acc.Contains(req.Commitments[1]))
	assert.True(t, f.reg.Check(req.Nullifier))
	assert.True(t, f.dir.Has(req.Stealth))
	assert.Equal(t, uint256.NewInt(50), f.bal.Balance("alice"))
	assert.Equal(t, uint64(1), f.g.Admitted())

	require.Len(t, f.journal.admissions, 1)
	adm := f.journal.admissions[0]
	assert.Equal(t, req.Nullifier, adm.Nullifier)
	assert.Equal(t, req.Commitments, adm.Commitments)
	assert.Equal(t, []uint64{0, 1}, adm.CommitmentIndexes)
	assert.Equal(t, root, adm.StateRoot)
	assert.Equal(t, f.acc.Root(), adm.AccumulatorRoot)
}

func TestSubmitRootMovesPerAdmission(t *testing.T) {
	f := okFixture()
	seen := map[shielded.Digest]bool{f.g.Root(): true}
	for i := 0; i < 5; i++ {
		root, err := f.g.Submit(context.Background(), makeRequest(1))
		require.NoError(t, err)
		assert.False(t, seen[root], "every admission must move the root")
		seen[root] = true
	}
	assert.Equal(t, uint64(5), f.g.Admitted())
}

func TestSubmitRejectsInvalidProof(t *testing.T) {
	f := newFixture(stubVerifier{err: shielded.ErrInvalidProof}, stubEpochs{}, stubEntropy{known: true})
	before := f.snap()

	_, err := f.g.Submit(context.Background(), makeRequest(1))
	require.ErrorIs(t, err, shielded.ErrInvalidProof)
	assert.Equal(t, before, f.snap())
	assert.Empty(t, f.journal.admissions)
}

func TestSubmitRejectsBadEpoch(t *testing.T) {
	expired := fmt.Errorf("wrapped: %w", errors.New("epoch outside valid window"))
	f := newFixture(stubVerifier{}, stubEpochs{err: expired}, stubEntropy{known: true})
	before := f.snap()

	_, err := f.g.Submit(context.Background(), makeRequest(1))
	require.ErrorIs(t, err, expired)
	assert.Equal(t, before, f.snap())
}

func TestSubmitRejectsUnknownEntropyReference(t *testing.T) {
	f := newFixture(stubVerifier{}, stubEpochs{}, stubEntropy{known: false})
	before := f.snap()

	_, err := f.g.Submit(context.Background(), makeRequest(1))
	require.ErrorIs(t, err, ErrUnknownEntropyReference)
	assert.Equal(t, before, f.snap())
}

func TestSubmitRejectsReusedNullifier(t *testing.T) {
	f := okFixture()

	first := makeRequest(1)
	_, err := f.g.Submit(context.Background(), first)
	require.NoError(t, err)
	after := f.snap()

	// A second spend under the same nullifier carries fresh commitments
	// but must leave no trace at all.
	second := makeRequest(1)
	second.Nullifier = first.Nullifier
	_, err = f.g.Submit(context.Background(), second)
	require.ErrorIs(t, err, shielded.ErrNullifierReused)
	assert.Equal(t, after, f.snap())
	assert.False(t, f.acc.Contains(second.Commitments[0]))
	require.Len(t, f.journal.admissions, 1)
}

func TestSubmitRejectsDuplicateCommitment(t *testing.T) {
	f := okFixture()

	first := makeRequest(1)
	_, err := f.g.Submit(context.Background(), first)
	require.NoError(t, err)
	after := f.snap()

	second := makeRequest(1)
	second.Commitments = []shielded.Digest{first.Commitments[0]}
	_, err = f.g.Submit(context.Background(), second)
	require.ErrorIs(t, err, shielded.ErrDuplicateCommitment)
	assert.Equal(t, after, f.snap())
	assert.False(t, f.reg.Check(second.Nullifier), "the reservation must be rolled back")
	require.NoError(t, f.reg.Healthy())
}

func TestSubmitRejectsDuplicateStealthRecord(t *testing.T) {
	f := okFixture()

	rec := makeStealthRecord(t, shielded.RandomDigest())
	first := makeRequest(1)
	first.Stealth = rec
	_, err := f.g.Submit(context.Background(), first)
	require.NoError(t, err)
	after := f.snap()

	second := makeRequest(1)
	second.Stealth = rec
	_, err = f.g.Submit(context.Background(), second)
	require.ErrorIs(t, err, stealth.ErrDuplicateRecord)
	assert.Equal(t, after, f.snap())
	assert.False(t, f.reg.Check(second.Nullifier))
}

func TestSubmitRollsBackOnInsufficientFunds(t *testing.T) {
	f := okFixture()
	require.NoError(t, f.bal.Credit("alice", uint256.NewInt(10)))
	before := f.snap()

	req := makeRequest(2)
	req.Stealth = makeStealthRecord(t, req.Commitments[0])
	req.Delta = &shielded.BalanceDelta{Account: "alice", Amount: uint256.NewInt(100), Debit: true}

	_, err := f.g.Submit(context.Background(), req)
	require.ErrorIs(t, err, shielded.ErrInsufficientFunds)
	assert.Equal(t, before, f.snap())
	assert.False(t, f.reg.Check(req.Nullifier))
	assert.False(t, f.acc.Contains(req.Commitments[0]))
	assert.False(t, f.dir.Has(req.Stealth))
	assert.Empty(t, f.journal.admissions)
	require.NoError(t, f.reg.Healthy(), "a released reservation is not a fault")
}

func TestSubmitRollsBackOnOverflow(t *testing.T) {
	f := okFixture()
	require.NoError(t, f.bal.Credit("alice", new(uint256.Int).SetAllOne()))
	before := f.snap()

	req := makeRequest(1)
	req.Delta = &shielded.BalanceDelta{Account: "alice", Amount: uint256.NewInt(1)}
	_, err := f.g.Submit(context.Background(), req)
	require.ErrorIs(t, err, shielded.ErrOverflow)
	assert.Equal(t, before, f.snap())
}

func TestSubmitRejectsMalformedRequests(t *testing.T) {
	f := okFixture()
	before := f.snap()

	_, err := f.g.Submit(context.Background(), nil)
	require.Error(t, err)

	noProof := makeRequest(1)
	noProof.Proof = nil
	_, err = f.g.Submit(context.Background(), noProof)
	require.Error(t, err)

	_, err = f.g.Submit(context.Background(), makeRequest(0))
	require.Error(t, err)

	_, err = f.g.Submit(context.Background(), makeRequest(shielded.MaxOutputs+1))
	require.Error(t, err)

	repeated := makeRequest(2)
	repeated.Commitments[1] = repeated.Commitments[0]
	_, err = f.g.Submit(context.Background(), repeated)
	require.ErrorIs(t, err, shielded.ErrDuplicateCommitment)

	assert.Equal(t, before, f.snap())
}

func TestJournalFailureHalts(t *testing.T) {
	f := okFixture()
	f.journal.err = errors.New("disk full")

	_, err := f.g.Submit(context.Background(), makeRequest(1))
	require.ErrorIs(t, err, shielded.ErrHalted)
	require.ErrorIs(t, f.g.Healthy(), shielded.ErrHalted)

	// Every later submission is refused outright.
	f.journal.err = nil
	_, err = f.g.Submit(context.Background(), makeRequest(1))
	require.ErrorIs(t, err, shielded.ErrHalted)
	assert.Empty(t, f.journal.admissions)
}

func TestSubmitWithoutJournal(t *testing.T) {
	f := okFixture()
	f.g = New(stubVerifier{}, stubEpochs{}, stubEntropy{known: true}, f.acc, f.reg, f.bal, f.dir, nil)

	_, err := f.g.Submit(context.Background(), makeRequest(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.g.Admitted())
}

func TestConcurrentDisjointSubmits(t *testing.T) {
	f := okFixture()
	const n = 32

	var wg sync.WaitGroup
	errs := make([]error, n)
	reqs := make([]*TransferRequest, n)
	for i := 0; i < n; i++ {
		reqs[i] = makeRequest(2)
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.g.Submit(context.Background(), reqs[i])
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "request %d", i)
	}
	assert.Equal(t, uint64(n), f.g.Admitted())
	assert.Equal(t, uint64(2*n), f.acc.Len())
	assert.Equal(t, n, f.reg.Count())
	assert.Equal(t, shielded.StateRoot(f.acc.Root(), f.reg.SetDigest()), f.g.Root())
	assert.Len(t, f.journal.admissions, n)
}
