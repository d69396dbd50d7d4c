// Package sqlite provides a journal.Store kept in a SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dekarrin/rezi/v2"
	"github.com/dekarrin/vone"
	"github.com/dekarrin/vone/journal"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
)

// DBFileName is the name of the database file created in the data directory.
const DBFileName = "journal.db"

// WrapDBError wraps an error from the SQLite engine into an error useable by
// the rest of vone. It should be called on any error returned from SQLite
// before it is passed back to a caller.
func WrapDBError(err error) error {
	sqliteErr := &sqlite.Error{}
	if errors.As(err, &sqliteErr) {
		primaryCode := sqliteErr.Code() & 0xff
		if primaryCode == 11 || primaryCode == 26 {
			// SQLITE_CORRUPT and SQLITE_NOTADB
			return fmt.Errorf("%w: %s", journal.ErrCorrupt, err.Error())
		}
		if primaryCode == 1 {
			// this is a generic error and thus the string is not descriptive,
			// so preserve the original error instead
			return err
		}
		return fmt.Errorf("%s", sqlite.ErrorCodeString[sqliteErr.Code()])
	} else if errors.Is(err, sql.ErrNoRows) {
		return vone.ErrNotFound
	}
	return err
}

// Journal is a journal.Store backed by SQLite. Each pending write is one row.
type Journal struct {
	DB *sqlx.DB
}

type pendingRow struct {
	Type  string `db:"asset_type"`
	ID    int    `db:"asset_id"`
	Attr  string `db:"attr"`
	Value []byte `db:"value"`
}

// NewJournal opens (creating if needed) the journal database in the given
// directory.
func NewJournal(storageDir string) (*Journal, error) {
	if err := os.MkdirAll(storageDir, 0770); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	file := filepath.Join(storageDir, DBFileName)
	db, err := sqlx.Open("sqlite", file)
	if err != nil {
		return nil, WrapDBError(err)
	}
	// a single connection keeps writes ordered and avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	j := &Journal{DB: db}
	if err := j.init(); err != nil {
		db.Close()
		return nil, err
	}

	return j, nil
}

func (j *Journal) init() error {
	_, err := j.DB.Exec(`CREATE TABLE IF NOT EXISTS pending_writes (
		asset_type TEXT NOT NULL,
		asset_id INTEGER NOT NULL,
		attr TEXT NOT NULL,
		value BLOB NOT NULL,
		PRIMARY KEY (asset_type, asset_id, attr)
	);`)
	if err != nil {
		return WrapDBError(err)
	}

	return nil
}

func (j *Journal) Put(ctx context.Context, e journal.Entry) error {
	tx, err := j.DB.BeginTxx(ctx, nil)
	if err != nil {
		return WrapDBError(err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `DELETE FROM pending_writes WHERE asset_type=? AND asset_id=?;`, e.Oid.Type, e.Oid.ID)
	if err != nil {
		return WrapDBError(err)
	}

	for attr, v := range e.Pending {
		enc, err := rezi.Enc(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", attr, err)
		}
		row := pendingRow{Type: e.Oid.Type, ID: e.Oid.ID, Attr: attr, Value: enc}
		_, err = tx.NamedExecContext(ctx, `INSERT INTO pending_writes (asset_type, asset_id, attr, value) VALUES (:asset_type, :asset_id, :attr, :value);`, row)
		if err != nil {
			return WrapDBError(err)
		}
	}

	return WrapDBError(tx.Commit())
}

func (j *Journal) Remove(ctx context.Context, oid vone.Oid) error {
	_, err := j.DB.ExecContext(ctx, `DELETE FROM pending_writes WHERE asset_type=? AND asset_id=?;`, oid.Type, oid.ID)
	if err != nil {
		return WrapDBError(err)
	}
	return nil
}

func (j *Journal) All(ctx context.Context) ([]journal.Entry, error) {
	var rows []pendingRow
	err := j.DB.SelectContext(ctx, &rows, `SELECT asset_type, asset_id, attr, value FROM pending_writes ORDER BY asset_type, asset_id, attr;`)
	if err != nil {
		return nil, WrapDBError(err)
	}

	var all []journal.Entry
	for _, r := range rows {
		oid := vone.NewOid(r.Type, r.ID)
		if len(all) == 0 || all[len(all)-1].Oid != oid {
			all = append(all, journal.Entry{Oid: oid, Pending: map[string]vone.Value{}})
		}

		var v vone.Value
		if _, err := rezi.Dec(r.Value, &v); err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %s", journal.ErrCorrupt, oid, r.Attr, err.Error())
		}
		all[len(all)-1].Pending[r.Attr] = v
	}

	return journal.SortEntries(all), nil
}

func (j *Journal) Clear(ctx context.Context) error {
	_, err := j.DB.ExecContext(ctx, `DELETE FROM pending_writes;`)
	if err != nil {
		return WrapDBError(err)
	}
	return nil
}

func (j *Journal) Close() error {
	return j.DB.Close()
}
