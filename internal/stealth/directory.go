// directory.go - Append-only public directory of stealth records.

package stealth

import (
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/emirpasic/gods/maps/linkedhashmap"
)

// ErrDuplicateRecord rejects a record whose key is already listed.
var ErrDuplicateRecord = errors.New("stealth record already listed")

// Directory holds the published stealth records in insertion order. Entries
// are never removed. Safe for concurrent use.
type Directory struct {
	mu      sync.RWMutex
	records *linkedhashmap.Map
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{records: linkedhashmap.New()}
}

// recordKey identifies a record by view tag and ephemeral key.
func recordKey(rec *Record) string {
	eph := rec.EphemeralPub.Bytes()
	return fmt.Sprintf("%02x:%x", rec.ViewTag, eph[:])
}

// Add lists a record.
func (d *Directory) Add(rec *Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := recordKey(rec)
	if _, ok := d.records.Get(key); ok {
		return fmt.Errorf("%w: view tag %02x", ErrDuplicateRecord, rec.ViewTag)
	}
	d.records.Put(key, rec)
	return nil
}

// Has reports whether an identical record is already listed.
func (d *Directory) Has(rec *Record) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.records.Get(recordKey(rec))
	return ok
}

// Len returns the number of listed records.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.records.Size()
}

// Records returns the listed records in insertion order.
func (d *Directory) Records() []*Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	vals := d.records.Values()
	out := make([]*Record, 0, len(vals))
	for _, v := range vals {
		out = append(out, v.(*Record))
	}
	return out
}

// Scan lazily yields the payments addressed to vc's holder. The record list
// is snapshotted once per call; records listed later are picked up by a new
// Scan, not by a sequence already handed out. Breaking out early and
// re-ranging the same sequence restarts from the beginning; no cursor is
// kept anywhere.
func (d *Directory) Scan(vc *ViewCredential) iter.Seq[*Payment] {
	records := d.Records()
	return func(yield func(*Payment) bool) {
		for _, rec := range records {
			p, ok := openRecord(vc, rec)
			if !ok {
				continue
			}
			if !yield(p) {
				return
			}
		}
	}
}
