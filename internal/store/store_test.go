package store

import (
	"bytes"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quakeshield/internal/gateway"
	"quakeshield/internal/rotation"
	"quakeshield/internal/shielded"
	"quakeshield/internal/stealth"
)

// ledger mirrors the live state the gateway would maintain, so admissions
// written to the store carry roots that Restore must reproduce.
type ledger struct {
	acc *shielded.Accumulator
	reg *shielded.NullifierRegistry
}

func newLedger() *ledger {
	return &ledger{acc: shielded.NewAccumulator(), reg: shielded.NewNullifierRegistry()}
}

func (l *ledger) admit(t *testing.T, s *Store, rec *stealth.Record) *gateway.Admission {
	t.Helper()
	adm := &gateway.Admission{
		Nullifier:   shielded.RandomDigest(),
		Commitments: []shielded.Digest{shielded.RandomDigest(), shielded.RandomDigest()},
		EpochID:     1,
		EntropyRef:  shielded.RandomDigest(),
		Stealth:     rec,
	}
	require.NoError(t, l.reg.Reserve(adm.Nullifier))
	for _, cm := range adm.Commitments {
		i, err := l.acc.Append(cm)
		require.NoError(t, err)
		adm.CommitmentIndexes = append(adm.CommitmentIndexes, i)
	}
	adm.AccumulatorRoot = l.acc.Root()
	adm.NullifierSetDigest = l.reg.SetDigest()
	adm.StateRoot = shielded.StateRoot(adm.AccumulatorRoot, adm.NullifierSetDigest)
	require.NoError(t, s.RecordAdmission(adm))
	return adm
}

func testRecord(t *testing.T) *stealth.Record {
	t.Helper()
	kp, err := stealth.GenerateKeyPair()
	require.NoError(t, err)
	out, err := stealth.NewOutput(kp.MetaAddress(), big.NewInt(750), shielded.RandomDigest())
	require.NoError(t, err)
	return out.Bind(shielded.RandomDigest())
}

func TestRecordAdmissionRoundTrip(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	rec := testRecord(t)
	adm := newLedger().admit(t, s, rec)

	nuls, err := s.Nullifiers()
	require.NoError(t, err)
	require.Equal(t, []shielded.Digest{adm.Nullifier}, nuls)

	cms, err := s.Commitments()
	require.NoError(t, err)
	require.ElementsMatch(t, adm.Commitments, cms)

	recs, err := s.StealthRecords()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, rec.ViewTag, recs[0].ViewTag)
	assert.Equal(t, rec.EncryptedAmount, recs[0].EncryptedAmount)
	assert.Equal(t, rec.CommitmentRef, recs[0].CommitmentRef)
	assert.True(t, recs[0].EphemeralPub.Equal(&rec.EphemeralPub.G1Affine))

	head, ok := s.Head()
	require.True(t, ok)
	assert.Equal(t, adm.AccumulatorRoot, head.AccumulatorRoot)
	assert.Equal(t, adm.NullifierSetDigest, head.NullifierSetDigest)
	assert.Equal(t, adm.StateRoot, head.StateRoot)
	assert.Equal(t, uint64(1), head.RecordCount)
	assert.Equal(t, uint64(0), head.EpochCount)
}

func TestCommitmentsOrderedByIndex(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	// Pick the lexicographically larger digest for index 0 so index order and
	// LevelDB key order disagree.
	a, b := shielded.Hash([]byte("first")), shielded.Hash([]byte("second"))
	if bytes.Compare(a[:], b[:]) < 0 {
		a, b = b, a
	}

	l := newLedger()
	i0, err := l.acc.Append(a)
	require.NoError(t, err)
	i1, err := l.acc.Append(b)
	require.NoError(t, err)
	n := shielded.RandomDigest()
	require.NoError(t, l.reg.Reserve(n))

	root := l.acc.Root()
	nd := l.reg.SetDigest()
	require.NoError(t, s.RecordAdmission(&gateway.Admission{
		Nullifier:          n,
		Commitments:        []shielded.Digest{a, b},
		CommitmentIndexes:  []uint64{i0, i1},
		AccumulatorRoot:    root,
		NullifierSetDigest: nd,
		StateRoot:          shielded.StateRoot(root, nd),
	}))

	cms, err := s.Commitments()
	require.NoError(t, err)
	require.Equal(t, []shielded.Digest{a, b}, cms)
}

func TestWriteEpochRoundTrip(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	t0 := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	table := []rotation.KeyEpoch{
		{ID: 0, VerifyKey: []byte("vk0"), ActivatedAt: t0},
		{ID: 1, VerifyKey: []byte("vk1"), ActivatedAt: t0.Add(time.Hour), EntropyRef: shielded.Hash([]byte("seed"))},
	}
	for _, ep := range table {
		require.NoError(t, s.WriteEpoch(ep))
	}

	got, err := s.Epochs()
	require.NoError(t, err)
	require.Equal(t, table, got)

	head, ok := s.Head()
	require.True(t, ok)
	assert.Equal(t, uint64(2), head.EpochCount)

	// Overwriting an epoch keeps the count stable.
	table[1].VerifyKey = []byte("vk1b")
	require.NoError(t, s.WriteEpoch(table[1]))
	got, err = s.Epochs()
	require.NoError(t, err)
	require.Equal(t, table, got)
	head, _ = s.Head()
	assert.Equal(t, uint64(2), head.EpochCount)
}

func TestRestoreRebuildsState(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	l := newLedger()
	recs := []*stealth.Record{testRecord(t), testRecord(t)}
	l.admit(t, s, recs[0])
	l.admit(t, s, nil)
	last := l.admit(t, s, recs[1])

	t0 := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.WriteEpoch(rotation.KeyEpoch{ID: 0, VerifyKey: []byte("vk0"), ActivatedAt: t0}))
	require.NoError(t, s.WriteEpoch(rotation.KeyEpoch{
		ID: 1, VerifyKey: []byte("vk1"), ActivatedAt: t0.Add(time.Hour), EntropyRef: shielded.Hash([]byte("seed")),
	}))

	st, err := s.Restore()
	require.NoError(t, err)
	assert.Equal(t, uint64(6), st.Accumulator.Len())
	assert.Equal(t, last.AccumulatorRoot, st.Accumulator.Root())
	assert.Equal(t, 3, st.Nullifiers.Count())
	assert.Equal(t, last.NullifierSetDigest, st.Nullifiers.SetDigest())
	assert.Equal(t, last.StateRoot, shielded.StateRoot(st.Accumulator.Root(), st.Nullifiers.SetDigest()))
	assert.Equal(t, 2, st.Directory.Len())
	for _, rec := range recs {
		assert.True(t, st.Directory.Has(rec))
	}
	require.Len(t, st.Epochs, 2)
	assert.Equal(t, uint64(1), st.Epochs[1].ID)

	// The restored table boots a rotation engine at the persisted epoch.
	eng, err := rotation.Resume(rotation.DefaultConfig(), rotation.MiMCKeyDeriver, st.Epochs)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), eng.Current().ID)
}

func TestRestoreRejectsInconsistentHead(t *testing.T) {
	t.Run("state root", func(t *testing.T) {
		s, err := OpenMemory()
		require.NoError(t, err)
		defer s.Close()

		l := newLedger()
		n := shielded.RandomDigest()
		cm := shielded.RandomDigest()
		require.NoError(t, l.reg.Reserve(n))
		i, err := l.acc.Append(cm)
		require.NoError(t, err)
		require.NoError(t, s.RecordAdmission(&gateway.Admission{
			Nullifier:          n,
			Commitments:        []shielded.Digest{cm},
			CommitmentIndexes:  []uint64{i},
			AccumulatorRoot:    l.acc.Root(),
			NullifierSetDigest: l.reg.SetDigest(),
			StateRoot:          shielded.RandomDigest(),
		}))

		_, err = s.Restore()
		require.ErrorContains(t, err, "state root mismatch")
	})

	t.Run("epoch count", func(t *testing.T) {
		s, err := OpenMemory()
		require.NoError(t, err)
		defer s.Close()

		// A lone epoch with a high ID claims a table the store does not hold.
		require.NoError(t, s.WriteEpoch(rotation.KeyEpoch{
			ID: 5, VerifyKey: []byte("vk5"), ActivatedAt: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		}))

		_, err = s.Restore()
		require.ErrorContains(t, err, "epoch table holds")
	})
}

func TestReopenContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger")

	s, err := Open(path)
	require.NoError(t, err)
	l := newLedger()
	l.admit(t, s, testRecord(t))
	require.NoError(t, s.WriteEpoch(rotation.KeyEpoch{
		ID: 0, VerifyKey: []byte("vk0"), ActivatedAt: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	head, ok := s.Head()
	require.True(t, ok)
	assert.Equal(t, uint64(1), head.RecordCount)
	assert.Equal(t, uint64(1), head.EpochCount)

	// The stealth sequence picks up where the previous process stopped.
	l.admit(t, s, testRecord(t))
	recs, err := s.StealthRecords()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	head, _ = s.Head()
	assert.Equal(t, uint64(2), head.RecordCount)

	_, err = s.Restore()
	require.NoError(t, err)
}

func TestRecordAdmissionRejectsIndexDrift(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	err = s.RecordAdmission(&gateway.Admission{
		Nullifier:   shielded.RandomDigest(),
		Commitments: []shielded.Digest{shielded.RandomDigest()},
	})
	require.ErrorContains(t, err, "indexes")

	// Nothing was written.
	nuls, err := s.Nullifiers()
	require.NoError(t, err)
	assert.Empty(t, nuls)
	_, ok := s.Head()
	assert.False(t, ok)
}
