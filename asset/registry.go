// Package asset maps remote assets onto local proxy objects. A Registry keeps
// exactly one Proxy per asset identity and tracks which proxies have writes
// that have not yet been committed to the server.
package asset

import (
	"context"
	"fmt"
	"sync"

	"github.com/dekarrin/vone"
	"github.com/dekarrin/vone/internal/logging"
	"github.com/dekarrin/vone/internal/vsort"
	"github.com/dekarrin/vone/schema"
	"github.com/dekarrin/vone/wire"
)

// Registry is the identity cache and dirty set of a session. It is safe to
// use from multiple goroutines, but the Proxies it hands out are not.
type Registry struct {
	client wire.Client
	log    vone.Logger

	mu       sync.Mutex
	proxies  map[vone.Oid]*Proxy
	dirty    map[vone.Oid]*Proxy
	schemas  map[string]schema.AssetType
	onCommit []func(context.Context, vone.Oid)
}

// NewRegistry returns an empty Registry that reaches the server through
// client. log may be nil.
func NewRegistry(client wire.Client, log vone.Logger) *Registry {
	return &Registry{
		client:  client,
		log:     logging.OrNoOp(log),
		proxies: make(map[vone.Oid]*Proxy),
		dirty:   make(map[vone.Oid]*Proxy),
		schemas: make(map[string]schema.AssetType),
	}
}

// Client returns the wire client the Registry uses.
func (r *Registry) Client() wire.Client {
	return r.client
}

// Logger returns the logger the Registry uses.
func (r *Registry) Logger() vone.Logger {
	return r.log
}

// OnCommit registers fn to be called with the Oid of every proxy whose
// pending writes are successfully committed. fn gets the context the commit
// was made with.
func (r *Registry) OnCommit(fn func(context.Context, vone.Oid)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onCommit = append(r.onCommit, fn)
}

// Asset returns the Proxy for oid, creating it if it does not yet exist. A new
// Proxy holds no data and will refresh itself on first read. Calling Asset
// again with an equal oid returns the same *Proxy.
func (r *Registry) Asset(oid vone.Oid) *Proxy {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.proxies[oid]; ok {
		return p
	}

	p := &Proxy{
		reg:          r,
		oid:          oid,
		confirmed:    make(map[string]vone.Value),
		pending:      make(map[string]vone.Value),
		needsRefresh: true,
	}
	r.proxies[oid] = p
	return p
}

// Lookup returns the Proxy for oid if one exists. It never creates one.
func (r *Registry) Lookup(oid vone.Oid) (*Proxy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.proxies[oid]
	return p, ok
}

// Len returns the number of cached proxies.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.proxies)
}

// Dirty returns every proxy with uncommitted writes, ordered by type and then
// ID.
func (r *Registry) Dirty() []*Proxy {
	r.mu.Lock()
	defer r.mu.Unlock()

	oids := make([]vone.Oid, 0, len(r.dirty))
	for oid := range r.dirty {
		oids = append(oids, oid)
	}
	oids = vsort.Oids(oids)

	dirty := make([]*Proxy, len(oids))
	for i := range oids {
		dirty[i] = r.dirty[oids[i]]
	}
	return dirty
}

// Evict removes the proxy for oid from the cache. A proxy with uncommitted
// writes is never evicted; false is returned for it and for unknown oids. An
// evicted proxy that is still held and written to goes back into the cache,
// unless a new proxy for the same oid was created in the meantime, in which
// case the write fails with vone.ErrDetached.
func (r *Registry) Evict(oid vone.Oid) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.proxies[oid]; !ok {
		return false
	}
	if _, ok := r.dirty[oid]; ok {
		return false
	}
	delete(r.proxies, oid)
	return true
}

// Clear evicts every proxy that has no uncommitted writes and returns the
// number evicted.
func (r *Registry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for oid := range r.proxies {
		if _, ok := r.dirty[oid]; ok {
			continue
		}
		delete(r.proxies, oid)
		n++
	}
	return n
}

// CommitAll commits every proxy in the dirty set. Each commit stands alone; a
// failure does not stop the others. Proxies that committed leave the dirty
// set and the rest stay in it. The returned error, if any, has the error of
// each failed commit as one of its causes.
func (r *Registry) CommitAll(ctx context.Context) error {
	dirty := r.Dirty()

	var errs []error
	for _, p := range dirty {
		if err := p.Commit(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.oid, err))
		}
	}

	if len(errs) > 0 {
		r.log.Warnf("%d of %d commits failed", len(errs), len(dirty))
		return vone.NewError(fmt.Sprintf("%d of %d commits failed", len(errs), len(dirty)), errs...)
	}
	return nil
}

// Create creates a new asset on the server right away and returns its Proxy.
// The Proxy is registered under the Oid the server assigned, so later lookups
// of that Oid give the same *Proxy.
func (r *Registry) Create(ctx context.Context, typeName string, data map[string]vone.Value) (*Proxy, error) {
	if typeName == "" {
		return nil, vone.NewError("asset type not given", vone.ErrBadArgument)
	}

	oid, err := r.client.CreateAsset(ctx, typeName, data)
	if err != nil {
		return nil, err
	}
	r.log.Debugf("created %s", oid)

	p := r.Asset(oid)
	return p, nil
}

// Schema returns the meta-schema record of the type, loading it from the
// server the first time it is asked for.
func (r *Registry) Schema(ctx context.Context, typeName string) (schema.AssetType, error) {
	r.mu.Lock()
	at, ok := r.schemas[typeName]
	r.mu.Unlock()
	if ok {
		return at, nil
	}

	at, err := r.client.FetchMeta(ctx, typeName)
	if err != nil {
		return schema.AssetType{}, err
	}
	r.log.Debugf("loaded meta for %s (%d attributes)", typeName, len(at.Attributes))

	r.SetSchema(at)
	return at, nil
}

// SetSchema stores the meta-schema record of a type so it need not be
// fetched.
func (r *Registry) SetSchema(at schema.AssetType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.schemas[at.Name] = at
}

// markDirty puts p in the dirty set. An evicted proxy is registered again if
// its slot is still free; if another proxy has taken the slot, p may not take
// writes and ErrDetached is returned.
func (r *Registry) markDirty(p *Proxy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.proxies[p.oid]
	if ok && cur != p {
		return vone.NewError(fmt.Sprintf("%s was evicted and looked up again", p.oid), vone.ErrDetached)
	}
	if !ok {
		r.proxies[p.oid] = p
	}
	r.dirty[p.oid] = p
	return nil
}

func (r *Registry) markCommitted(ctx context.Context, p *Proxy) {
	r.mu.Lock()
	delete(r.dirty, p.oid)
	hooks := make([]func(context.Context, vone.Oid), len(r.onCommit))
	copy(hooks, r.onCommit)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(ctx, p.oid)
	}
}
