// Package store persists the shielded ledger state in LevelDB.
//
// Every member record lives under a short key prefix, an admission is one
// atomic batch, and the snapshot head summarizes the roots the rebuilt
// state must reproduce on boot.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"quakeshield/internal/gateway"
	"quakeshield/internal/rotation"
	"quakeshield/internal/shielded"
	"quakeshield/internal/stealth"
)

// Key layout. Fixed-width big-endian numeric keys keep LevelDB's
// lexicographic iteration in numeric order.
var (
	prefixNullifier  = []byte("qsn-") // qsn-<digest> -> nil
	prefixCommitment = []byte("qsc-") // qsc-<digest> -> big-endian accumulator index
	prefixEpoch      = []byte("qse-") // qse-<be epoch id> -> KeyEpoch JSON
	prefixStealth    = []byte("qss-") // qss-<be seq> -> Record JSON
	keyHead          = []byte("qsm-head")
)

// SnapshotHead is the persisted summary of the shielded state. The roots
// recomputed from the member records must match it on boot.
type SnapshotHead struct {
	AccumulatorRoot    shielded.Digest `json:"accumulator_root"`
	NullifierSetDigest shielded.Digest `json:"nullifier_set_digest"`
	StateRoot          shielded.Digest `json:"state_root"`
	EpochCount         uint64          `json:"epoch_count"`
	RecordCount        uint64          `json:"record_count"`
}

func emptyHead() SnapshotHead {
	return SnapshotHead{StateRoot: shielded.StateRoot(shielded.Digest{}, shielded.Digest{})}
}

// Store is the durable ledger state. It implements gateway.Journal.
type Store struct {
	db *leveldb.DB

	mu         sync.Mutex
	head       SnapshotHead
	hasHead    bool
	stealthSeq uint64
	epochCount uint64
}

// Open opens or creates a store at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return load(db)
}

// OpenMemory opens an in-memory store for tests and ephemeral runs.
func OpenMemory() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("opening memory store: %w", err)
	}
	return load(db)
}

func load(db *leveldb.DB) (*Store, error) {
	s := &Store{db: db}
	raw, err := db.Get(keyHead, nil)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &s.head); err != nil {
			return nil, fmt.Errorf("decoding snapshot head: %w", err)
		}
		s.hasHead = true
	case errors.Is(err, leveldb.ErrNotFound):
	default:
		return nil, fmt.Errorf("reading snapshot head: %w", err)
	}
	if s.stealthSeq, err = nextSeq(db, prefixStealth); err != nil {
		return nil, err
	}
	if s.epochCount, err = nextSeq(db, prefixEpoch); err != nil {
		return nil, err
	}
	return s, nil
}

// nextSeq returns one past the highest big-endian key under prefix.
func nextSeq(db *leveldb.DB, prefix []byte) (uint64, error) {
	iter := db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	if !iter.Last() {
		return 0, iter.Error()
	}
	key := iter.Key()
	if len(key) != len(prefix)+8 {
		return 0, fmt.Errorf("malformed key %q", key)
	}
	return binary.BigEndian.Uint64(key[len(prefix):]) + 1, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordAdmission writes one admitted request as a single atomic batch:
// the nullifier, the commitments with their accumulator indexes, the
// stealth record if any, and the refreshed snapshot head.
func (s *Store) RecordAdmission(adm *gateway.Admission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(adm.CommitmentIndexes) != len(adm.Commitments) {
		return fmt.Errorf("admission carries %d commitments but %d indexes",
			len(adm.Commitments), len(adm.CommitmentIndexes))
	}
	batch := new(leveldb.Batch)
	batch.Put(digestKey(prefixNullifier, adm.Nullifier), nil)
	for i, cm := range adm.Commitments {
		batch.Put(digestKey(prefixCommitment, cm), beUint64(adm.CommitmentIndexes[i]))
	}
	seq := s.stealthSeq
	if adm.Stealth != nil {
		raw, err := json.Marshal(adm.Stealth)
		if err != nil {
			return fmt.Errorf("encoding stealth record: %w", err)
		}
		batch.Put(seqKey(prefixStealth, seq), raw)
		seq++
	}

	head := s.head
	if !s.hasHead {
		head = emptyHead()
	}
	head.AccumulatorRoot = adm.AccumulatorRoot
	head.NullifierSetDigest = adm.NullifierSetDigest
	head.StateRoot = adm.StateRoot
	head.EpochCount = s.epochCount
	head.RecordCount = seq
	raw, err := json.Marshal(head)
	if err != nil {
		return fmt.Errorf("encoding snapshot head: %w", err)
	}
	batch.Put(keyHead, raw)

	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("writing admission batch: %w", err)
	}
	s.stealthSeq = seq
	s.head = head
	s.hasHead = true
	return nil
}

// WriteEpoch persists one committed epoch together with the updated head.
func (s *Store) WriteEpoch(ep rotation.KeyEpoch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("encoding epoch %d: %w", ep.ID, err)
	}
	batch := new(leveldb.Batch)
	batch.Put(seqKey(prefixEpoch, ep.ID), raw)

	count := s.epochCount
	if ep.ID+1 > count {
		count = ep.ID + 1
	}
	head := s.head
	if !s.hasHead {
		head = emptyHead()
	}
	head.EpochCount = count
	hraw, err := json.Marshal(head)
	if err != nil {
		return fmt.Errorf("encoding snapshot head: %w", err)
	}
	batch.Put(keyHead, hraw)

	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("writing epoch batch: %w", err)
	}
	s.epochCount = count
	s.head = head
	s.hasHead = true
	return nil
}

// Head returns the persisted snapshot head, if anything has been recorded.
func (s *Store) Head() (SnapshotHead, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head, s.hasHead
}

// Nullifiers returns every persisted nullifier.
func (s *Store) Nullifiers() ([]shielded.Digest, error) {
	iter := s.db.NewIterator(util.BytesPrefix(prefixNullifier), nil)
	defer iter.Release()
	var out []shielded.Digest
	for iter.Next() {
		d, err := shielded.DigestFromBytes(iter.Key()[len(prefixNullifier):])
		if err != nil {
			return nil, fmt.Errorf("malformed nullifier key: %w", err)
		}
		out = append(out, d)
	}
	return out, iter.Error()
}

// Commitments returns the persisted commitments in accumulator order.
func (s *Store) Commitments() ([]shielded.Digest, error) {
	iter := s.db.NewIterator(util.BytesPrefix(prefixCommitment), nil)
	defer iter.Release()
	type entry struct {
		cm  shielded.Digest
		idx uint64
	}
	var entries []entry
	for iter.Next() {
		cm, err := shielded.DigestFromBytes(iter.Key()[len(prefixCommitment):])
		if err != nil {
			return nil, fmt.Errorf("malformed commitment key: %w", err)
		}
		if len(iter.Value()) != 8 {
			return nil, fmt.Errorf("malformed index for commitment %s", cm)
		}
		entries = append(entries, entry{cm: cm, idx: binary.BigEndian.Uint64(iter.Value())})
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].idx < entries[j].idx })
	out := make([]shielded.Digest, len(entries))
	for i, e := range entries {
		out[i] = e.cm
	}
	return out, nil
}

// StealthRecords returns the persisted records in insertion order.
func (s *Store) StealthRecords() ([]*stealth.Record, error) {
	iter := s.db.NewIterator(util.BytesPrefix(prefixStealth), nil)
	defer iter.Release()
	var out []*stealth.Record
	for iter.Next() {
		rec := new(stealth.Record)
		if err := json.Unmarshal(iter.Value(), rec); err != nil {
			return nil, fmt.Errorf("decoding stealth record %x: %w", iter.Key(), err)
		}
		out = append(out, rec)
	}
	return out, iter.Error()
}

// Epochs returns the persisted epoch table, oldest first.
func (s *Store) Epochs() ([]rotation.KeyEpoch, error) {
	iter := s.db.NewIterator(util.BytesPrefix(prefixEpoch), nil)
	defer iter.Release()
	var out []rotation.KeyEpoch
	for iter.Next() {
		var ep rotation.KeyEpoch
		if err := json.Unmarshal(iter.Value(), &ep); err != nil {
			return nil, fmt.Errorf("decoding epoch %x: %w", iter.Key(), err)
		}
		out = append(out, ep)
	}
	return out, iter.Error()
}

// RestoredState is the in-memory state rebuilt from a store.
type RestoredState struct {
	Accumulator *shielded.Accumulator
	Nullifiers  *shielded.NullifierRegistry
	Directory   *stealth.Directory
	Epochs      []rotation.KeyEpoch
	Head        SnapshotHead
}

// Restore rebuilds the full in-memory state and fails if the recomputed
// roots or counts disagree with the persisted head.
func (s *Store) Restore() (*RestoredState, error) {
	cms, err := s.Commitments()
	if err != nil {
		return nil, err
	}
	acc := shielded.NewAccumulator()
	for _, cm := range cms {
		if _, err := acc.Append(cm); err != nil {
			return nil, fmt.Errorf("rebuilding accumulator: %w", err)
		}
	}

	nuls, err := s.Nullifiers()
	if err != nil {
		return nil, err
	}
	reg := shielded.NewNullifierRegistry()
	for _, n := range nuls {
		if err := reg.Reserve(n); err != nil {
			return nil, fmt.Errorf("rebuilding nullifier registry: %w", err)
		}
	}

	recs, err := s.StealthRecords()
	if err != nil {
		return nil, err
	}
	dir := stealth.NewDirectory()
	for _, rec := range recs {
		if err := dir.Add(rec); err != nil {
			return nil, fmt.Errorf("rebuilding stealth directory: %w", err)
		}
	}

	epochs, err := s.Epochs()
	if err != nil {
		return nil, err
	}

	head, hasHead := s.Head()
	if hasHead {
		if acc.Root() != head.AccumulatorRoot {
			return nil, fmt.Errorf("accumulator root mismatch: rebuilt %s, head %s",
				acc.Root(), head.AccumulatorRoot)
		}
		if reg.SetDigest() != head.NullifierSetDigest {
			return nil, fmt.Errorf("nullifier set digest mismatch: rebuilt %s, head %s",
				reg.SetDigest(), head.NullifierSetDigest)
		}
		if got := shielded.StateRoot(acc.Root(), reg.SetDigest()); got != head.StateRoot {
			return nil, fmt.Errorf("state root mismatch: rebuilt %s, head %s", got, head.StateRoot)
		}
		if uint64(len(epochs)) != head.EpochCount {
			return nil, fmt.Errorf("epoch table holds %d entries, head says %d",
				len(epochs), head.EpochCount)
		}
		if uint64(len(recs)) != head.RecordCount {
			return nil, fmt.Errorf("stealth list holds %d records, head says %d",
				len(recs), head.RecordCount)
		}
	}

	return &RestoredState{
		Accumulator: acc,
		Nullifiers:  reg,
		Directory:   dir,
		Epochs:      epochs,
		Head:        head,
	}, nil
}

func digestKey(prefix []byte, d shielded.Digest) []byte {
	key := make([]byte, 0, len(prefix)+len(d))
	return append(append(key, prefix...), d[:]...)
}

func seqKey(prefix []byte, v uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], v)
	return key
}

func beUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
