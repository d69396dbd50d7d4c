// Package inmem provides a journal.Store that keeps entries in memory. Its
// entries last only as long as the Store, so it suits tests and sessions that
// want commit bookkeeping without persistence.
package inmem

import (
	"context"
	"sync"

	"github.com/dekarrin/vone"
	"github.com/dekarrin/vone/journal"
)

func NewJournal() *Journal {
	return &Journal{
		entries: make(map[vone.Oid]journal.Entry),
	}
}

type Journal struct {
	mu      sync.Mutex
	entries map[vone.Oid]journal.Entry
	closed  bool
}

func (j *Journal) Put(ctx context.Context, e journal.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return vone.ErrClosed
	}

	if len(e.Pending) == 0 {
		delete(j.entries, e.Oid)
		return nil
	}

	j.entries[e.Oid] = journal.Entry{Oid: e.Oid, Pending: vone.CopyValues(e.Pending)}
	return nil
}

func (j *Journal) Remove(ctx context.Context, oid vone.Oid) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return vone.ErrClosed
	}

	delete(j.entries, oid)
	return nil
}

func (j *Journal) All(ctx context.Context) ([]journal.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil, vone.ErrClosed
	}

	all := make([]journal.Entry, 0, len(j.entries))
	for _, e := range j.entries {
		all = append(all, journal.Entry{Oid: e.Oid, Pending: vone.CopyValues(e.Pending)})
	}

	return journal.SortEntries(all), nil
}

func (j *Journal) Clear(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return vone.ErrClosed
	}

	j.entries = make(map[vone.Oid]journal.Entry)
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.closed = true
	return nil
}
