// Package journal defines the store that uncommitted asset writes are saved to
// so that they outlive the process that made them. A session writes every
// proxy's pending writes to its journal when it closes, reloads them when the
// next session opens, and removes an asset's entry once its writes are
// committed.
//
// Implementations are in the inmem, sqlite and snapfile sub-packages.
package journal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dekarrin/rezi/v2"
	"github.com/dekarrin/vone"
	"github.com/dekarrin/vone/internal/vsort"
)

var (
	ErrCorrupt = errors.New("journal data is corrupt")
)

// Entry is the uncommitted writes of a single asset.
type Entry struct {
	Oid     vone.Oid
	Pending map[string]vone.Value
}

// Equal returns whether other is an Entry (or *Entry) for the same asset with
// the same pending writes.
func (e Entry) Equal(other interface{}) bool {
	var o Entry

	if oe, ok := other.(Entry); ok {
		o = oe
	} else if oePtr, ok := other.(*Entry); ok {
		if oePtr == nil {
			return false
		}
		o = *oePtr
	} else {
		return false
	}

	if e.Oid != o.Oid || len(e.Pending) != len(o.Pending) {
		return false
	}
	for k, v := range e.Pending {
		ov, ok := o.Pending[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

func (e Entry) MarshalBinary() ([]byte, error) {
	var enc []byte

	attrs := make([]string, 0, len(e.Pending))
	for k := range e.Pending {
		attrs = append(attrs, k)
	}
	sort.Strings(attrs)

	values := make([]vone.Value, len(attrs))
	for i := range attrs {
		values[i] = e.Pending[attrs[i]]
	}

	enc = append(enc, rezi.MustEnc(e.Oid)...)
	enc = append(enc, rezi.MustEnc(attrs)...)
	enc = append(enc, rezi.MustEnc(values)...)

	return enc, nil
}

func (e *Entry) UnmarshalBinary(data []byte) error {
	rr, err := rezi.NewReader(bytes.NewBuffer(data), nil)
	if err != nil {
		return err
	}

	var decoded Entry

	err = rr.Dec(&decoded.Oid)
	if err != nil {
		return rezi.Wrapf(0, "oid: %s", err)
	}

	var attrs []string
	err = rr.Dec(&attrs)
	if err != nil {
		return rezi.Wrapf(0, "attrs: %s", err)
	}

	var values []vone.Value
	err = rr.Dec(&values)
	if err != nil {
		return rezi.Wrapf(0, "values: %s", err)
	}

	if len(attrs) != len(values) {
		return fmt.Errorf("%d attributes but %d values", len(attrs), len(values))
	}
	decoded.Pending = make(map[string]vone.Value, len(attrs))
	for i := range attrs {
		decoded.Pending[attrs[i]] = values[i]
	}

	*e = decoded
	return nil
}

// Store holds journal entries, at most one per asset.
type Store interface {
	// Put saves the entry, replacing any existing entry for the same asset.
	// An entry with no pending writes removes the asset's entry instead.
	Put(ctx context.Context, e Entry) error

	// Remove deletes the entry for oid. Removing an entry that does not exist
	// is not an error.
	Remove(ctx context.Context, oid vone.Oid) error

	// All returns every entry, ordered by asset type and then ID.
	All(ctx context.Context) ([]Entry, error)

	// Clear deletes every entry.
	Clear(ctx context.Context) error

	// Close releases the store's resources, persisting anything not yet
	// persisted.
	Close() error
}

// SortEntries returns a copy of entries ordered by asset type and then ID.
func SortEntries(entries []Entry) []Entry {
	return vsort.By(entries, func(l, r Entry) bool {
		return l.Oid.Less(r.Oid)
	})
}
