// Package snapfile provides a journal.Store that keeps all entries in memory
// and writes them to a single snapshot file whenever they change. The file is
// rezi-encoded, and the previous snapshot is kept as a ".bak" copy while a new
// one is written.
package snapfile

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dekarrin/rezi/v2"
	"github.com/dekarrin/vone"
	"github.com/dekarrin/vone/journal"
)

// Journal is a journal.Store persisted to a snapshot file.
type Journal struct {
	// DataFile is the path to the snapshot file. If it is empty, the Journal
	// is in-memory only.
	DataFile string

	mtx     sync.RWMutex
	closed  bool
	entries []journal.Entry
}

// Open creates a new Journal that will persist itself to the given data file.
// If the file already exists, its entries are loaded. If the file does not
// exist, it will be created.
func Open(file string) (*Journal, error) {
	j := &Journal{}
	if file == "" {
		return j, nil
	}

	data, err := os.ReadFile(file)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read file: %w", err)
	}

	if err == nil && len(data) > 0 {
		j, err = Import(data)
		if err != nil {
			return nil, fmt.Errorf("%w: load data: %s", journal.ErrCorrupt, err.Error())
		}
	} else if os.IsNotExist(err) {
		// quick check to see if later writing would fail due to permissions.
		if err := os.MkdirAll(filepath.Dir(file), 0770); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		f, err := os.Create(file)
		if err != nil {
			return nil, fmt.Errorf("create new: %w", err)
		}
		f.Close()
	}

	j.DataFile = file
	return j, nil
}

// Import loads data created by a prior call to Export into a new in-memory
// Journal. Set DataFile on the result to make it persist.
func Import(data []byte) (*Journal, error) {
	j := &Journal{}

	_, err := rezi.Dec(data, j)
	return j, err
}

// Export returns the snapshot bytes of every entry.
func (j *Journal) Export() ([]byte, error) {
	j.mtx.RLock()
	defer j.mtx.RUnlock()

	if j.closed {
		return nil, vone.ErrClosed
	}
	return rezi.Enc(j)
}

func (j *Journal) MarshalBinary() ([]byte, error) {
	if j == nil {
		return []byte{}, nil
	}

	var enc []byte

	enc = append(enc, rezi.MustEnc(j.entries)...)

	return enc, nil
}

func (j *Journal) UnmarshalBinary(data []byte) error {
	if j == nil {
		return fmt.Errorf("cannot unmarshal to nil Journal")
	}

	rr, err := rezi.NewReader(bytes.NewBuffer(data), nil)
	if err != nil {
		return err
	}

	err = rr.Dec(&j.entries)
	if err != nil {
		return rezi.Wrapf(0, "entries: %s", err)
	}

	return nil
}

func (j *Journal) Put(ctx context.Context, e journal.Entry) error {
	j.mtx.Lock()
	defer j.mtx.Unlock()

	if j.closed {
		return vone.ErrClosed
	}

	j.removeUnsafe(e.Oid)
	if len(e.Pending) > 0 {
		j.entries = append(j.entries, journal.Entry{Oid: e.Oid, Pending: vone.CopyValues(e.Pending)})
		j.entries = journal.SortEntries(j.entries)
	}

	return j.persistUnsafe()
}

func (j *Journal) Remove(ctx context.Context, oid vone.Oid) error {
	j.mtx.Lock()
	defer j.mtx.Unlock()

	if j.closed {
		return vone.ErrClosed
	}

	if !j.removeUnsafe(oid) {
		return nil
	}
	return j.persistUnsafe()
}

func (j *Journal) All(ctx context.Context) ([]journal.Entry, error) {
	j.mtx.RLock()
	defer j.mtx.RUnlock()

	if j.closed {
		return nil, vone.ErrClosed
	}

	all := make([]journal.Entry, len(j.entries))
	for i, e := range j.entries {
		all[i] = journal.Entry{Oid: e.Oid, Pending: vone.CopyValues(e.Pending)}
	}
	return all, nil
}

func (j *Journal) Clear(ctx context.Context) error {
	j.mtx.Lock()
	defer j.mtx.Unlock()

	if j.closed {
		return vone.ErrClosed
	}

	j.entries = nil
	return j.persistUnsafe()
}

// Persist writes the current entries to DataFile. It does nothing for an
// in-memory Journal.
func (j *Journal) Persist() error {
	j.mtx.Lock()
	defer j.mtx.Unlock()

	if j.closed {
		return vone.ErrClosed
	}
	return j.persistUnsafe()
}

// Close persists the entries and releases the Journal. After Close returns,
// the Journal cannot be used again, regardless of whether the returned error
// is nil. Closing an already-closed Journal has no effect.
func (j *Journal) Close() error {
	j.mtx.Lock()
	defer j.mtx.Unlock()
	if j.closed {
		return nil
	}

	err := j.persistUnsafe()

	// close even if err is not nil; the Journal must not be usable after
	// return.
	j.closed = true

	if err != nil {
		return fmt.Errorf("persist data to disk: %w", err)
	}
	return nil
}

func (j *Journal) removeUnsafe(oid vone.Oid) bool {
	for i := range j.entries {
		if j.entries[i].Oid == oid {
			j.entries = append(j.entries[:i], j.entries[i+1:]...)
			return true
		}
	}
	return false
}

// persistUnsafe does the actual work of Persist. It assumes the caller holds
// the write lock.
func (j *Journal) persistUnsafe() error {
	if j.DataFile == "" {
		return nil
	}

	// first, copy the old file so we have a backup in case something goes wrong
	buFile, err := createFileBackup(j.DataFile)
	if err != nil {
		if os.IsNotExist(err) {
			buFile = ""
		} else {
			return fmt.Errorf("create backup: %w", err)
		}
	}

	dataBytes, err := rezi.Enc(j)
	if err != nil {
		return fmt.Errorf("get data bytes: %w", err)
	}

	wf, err := os.Create(j.DataFile)
	if err != nil {
		return fmt.Errorf("create data file: %w", err)
	}
	defer wf.Close()
	w := bufio.NewWriter(wf)

	if _, err := w.Write(dataBytes); err != nil {
		return fmt.Errorf("write data file: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write data file: %w", err)
	}

	// at end of everything, if successful, remove the backup.
	if buFile != "" {
		os.Remove(buFile)
	}

	return nil
}

// createFileBackup makes a duplicate of file in the same location with ".bak"
// appended to its filename. Any existing backup is overwritten.
//
// returns path to new backup file and any error that occurred.
func createFileBackup(file string) (string, error) {
	buPath := filepath.Join(filepath.Dir(file), filepath.Base(file)+".bak")

	rf, err := os.Open(file)
	if err != nil {
		return buPath, err
	}
	defer rf.Close()
	wf, err := os.Create(buPath)
	if err != nil {
		return buPath, fmt.Errorf("create backup: %w", err)
	}
	defer wf.Close()

	w := bufio.NewWriter(wf)
	if _, err := io.Copy(w, bufio.NewReader(rf)); err != nil {
		return buPath, fmt.Errorf("copy data to backup: %w", err)
	}
	if err := w.Flush(); err != nil {
		return buPath, fmt.Errorf("copy data to backup: %w", err)
	}

	return buPath, nil
}
