// Package session ties together everything needed to work with a server: the
// logger, the wire client, the Registry of asset proxies, and the journal that
// holds uncommitted writes between runs.
//
// A Session is opened from a vone.Config:
//
//	s, err := session.Open(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer s.Close(ctx)
//
//	stories, err := s.Query("Story").Where("Estimate", 3).Select("Name").All(ctx)
//
// Any writes still pending when the Session is closed are saved to the journal
// and restored as pending writes the next time a Session is opened with the
// same journal.
package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/dekarrin/vone"
	"github.com/dekarrin/vone/asset"
	"github.com/dekarrin/vone/internal/logging"
	"github.com/dekarrin/vone/journal"
	"github.com/dekarrin/vone/journal/inmem"
	"github.com/dekarrin/vone/journal/snapfile"
	"github.com/dekarrin/vone/journal/sqlite"
	"github.com/dekarrin/vone/query"
	"github.com/dekarrin/vone/schema"
	"github.com/dekarrin/vone/wire"
	"github.com/dekarrin/vone/wire/httpwire"
)

// Option changes how Open builds a Session.
type Option func(*options)

type options struct {
	client  wire.Client
	journal journal.Store
	log     vone.Logger
}

// WithClient makes the Session use client instead of building an HTTP client
// from the server config.
func WithClient(client wire.Client) Option {
	return func(o *options) {
		o.client = client
	}
}

// WithJournal makes the Session use store instead of opening the journal
// named in the config. The Session takes ownership of store and closes it when
// the Session is closed.
func WithJournal(store journal.Store) Option {
	return func(o *options) {
		o.journal = store
	}
}

// WithLogger makes the Session log to log instead of the logger described in
// the config.
func WithLogger(log vone.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// Session is an open connection to a server. It is safe for concurrent use to
// the same degree its Registry is; see asset.Registry.
type Session struct {
	cfg     vone.Config
	log     vone.Logger
	client  *gatedClient
	reg     *asset.Registry
	journal journal.Store

	mtx    sync.Mutex
	closed bool
}

// Open opens a new Session. Unset values in cfg are replaced with their
// defaults before the config is validated. Pending writes found in the
// journal are restored onto their proxies before Open returns.
func Open(ctx context.Context, cfg vone.Config, opts ...Option) (*Session, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg = cfg.FillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, vone.WrapErrorf(err, vone.ErrBadArgument, "config")
	}

	var err error
	log := o.log
	if log == nil {
		log, err = logging.FromConfig(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("create logger: %w", err)
		}
	}

	client := o.client
	if client == nil {
		client, err = httpwire.New(cfg.Server, log)
		if err != nil {
			return nil, err
		}
	}

	store := o.journal
	if store == nil {
		store, err = OpenJournal(cfg.Journal)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
	}

	s := &Session{
		cfg:     cfg,
		log:     log,
		client:  &gatedClient{inner: client},
		journal: store,
	}
	s.reg = asset.NewRegistry(s.client, log)

	if err := s.restore(ctx); err != nil {
		if store != nil {
			store.Close()
		}
		return nil, err
	}
	s.reg.OnCommit(s.forget)

	return s, nil
}

// OpenJournal opens the journal store described by cfg. For JournalNone, it
// returns nil and no error.
func OpenJournal(cfg vone.Journal) (journal.Store, error) {
	switch cfg.Type {
	case vone.JournalNone, "":
		return nil, nil
	case vone.JournalInMemory:
		return inmem.NewJournal(), nil
	case vone.JournalSQLite:
		return sqlite.NewJournal(cfg.DataDir)
	case vone.JournalSnapfile:
		file := cfg.DataFile
		if file == "" {
			file = vone.DefaultSnapfileName
		}
		return snapfile.Open(filepath.Join(cfg.DataDir, file))
	default:
		return nil, fmt.Errorf("unknown journal type: %q", cfg.Type.String())
	}
}

func (s *Session) restore(ctx context.Context) error {
	if s.journal == nil {
		return nil
	}

	entries, err := s.journal.All(ctx)
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}

	for _, e := range entries {
		if err := s.reg.Asset(e.Oid).SetMany(e.Pending); err != nil {
			return fmt.Errorf("restore %s: %w", e.Oid, err)
		}
	}
	if len(entries) > 0 {
		s.log.Infof("Restored pending writes of %d asset(s) from journal", len(entries))
	}
	return nil
}

// forget drops the journal entry of an asset whose writes were committed.
func (s *Session) forget(ctx context.Context, oid vone.Oid) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Remove(ctx, oid); err != nil {
		s.log.Warnf("could not remove journal entry for %s: %v", oid, err)
	}
}

// Config returns the config the Session was opened with, with defaults
// filled in.
func (s *Session) Config() vone.Config {
	return s.cfg
}

// Logger returns the Session's logger.
func (s *Session) Logger() vone.Logger {
	return s.log
}

// Registry returns the Registry that holds the Session's proxies.
func (s *Session) Registry() *asset.Registry {
	return s.reg
}

// Asset returns the Proxy for oid. It returns ErrClosed once the Session is
// closed.
func (s *Session) Asset(oid vone.Oid) (*asset.Proxy, error) {
	if s.isClosed() {
		return nil, vone.ErrClosed
	}
	if oid.IsZero() {
		return nil, vone.NewError("asset identity not given", vone.ErrBadArgument)
	}
	return s.reg.Asset(oid), nil
}

// Query returns a new Query over assets of the given type. Running a query
// from a closed Session fails with ErrClosed.
func (s *Session) Query(typeName string) query.Query {
	return query.New(s.reg, typeName)
}

// Create creates a new asset on the server and returns its Proxy.
func (s *Session) Create(ctx context.Context, typeName string, data map[string]vone.Value) (*asset.Proxy, error) {
	return s.reg.Create(ctx, typeName, data)
}

// Schema returns the meta-schema record of a type.
func (s *Session) Schema(ctx context.Context, typeName string) (schema.AssetType, error) {
	return s.reg.Schema(ctx, typeName)
}

// URL returns the address of the server's web page for the asset. The
// session's wire client is not consulted, so it works even when the session
// talks to the server through something other than HTTP.
func (s *Session) URL(oid vone.Oid) (string, error) {
	return s.cfg.Server.AssetDetailURL(oid)
}

// CommitAll commits every proxy that has pending writes. See
// asset.Registry.CommitAll.
func (s *Session) CommitAll(ctx context.Context) error {
	if s.isClosed() {
		return vone.ErrClosed
	}
	return s.reg.CommitAll(ctx)
}

// Flush writes the pending writes of every dirty proxy to the journal without
// closing the Session. It does nothing if the Session has no journal.
func (s *Session) Flush(ctx context.Context) error {
	if s.isClosed() {
		return vone.ErrClosed
	}
	return s.flush(ctx)
}

func (s *Session) flush(ctx context.Context) error {
	if s.journal == nil {
		return nil
	}

	dirty := s.reg.Dirty()
	for _, p := range dirty {
		e := journal.Entry{Oid: p.Oid(), Pending: p.Pending()}
		if err := s.journal.Put(ctx, e); err != nil {
			return fmt.Errorf("journal %s: %w", p.Oid(), err)
		}
	}
	s.log.Debugf("journaled pending writes of %d asset(s)", len(dirty))
	return nil
}

// Close saves any uncommitted writes to the journal and releases it. After
// Close, operations on the Session and any request made through its proxies
// fail with ErrClosed. Closing an already-closed Session does nothing.
func (s *Session) Close(ctx context.Context) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return nil
	}

	if n := len(s.reg.Dirty()); n > 0 && s.journal == nil {
		s.log.Warnf("closing session with uncommitted writes to %d asset(s) and no journal; they will be lost", n)
	}

	var errs []error
	if err := s.flush(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}

	s.closed = true
	s.client.close()

	if len(errs) > 0 {
		return vone.NewError("session did not close cleanly", errs...)
	}
	return nil
}

func (s *Session) isClosed() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.closed
}
