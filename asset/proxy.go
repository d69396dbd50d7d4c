package asset

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dekarrin/vone"
)

// Proxy is the local stand-in for one remote asset. Reads are answered from
// uncommitted writes first, then from data confirmed by the server, fetching
// from the server only when neither has the attribute. Writes are staged
// locally until Commit.
//
// Proxies are obtained from a Registry and are not safe for concurrent use.
type Proxy struct {
	reg *Registry
	oid vone.Oid

	confirmed    map[string]vone.Value
	pending      map[string]vone.Value
	needsRefresh bool
	needsCommit  bool
}

// Oid returns the identity of the asset.
func (p *Proxy) Oid() vone.Oid {
	return p.oid
}

// NeedsRefresh returns whether the next read will first reload the asset's
// default attributes from the server.
func (p *Proxy) NeedsRefresh() bool {
	return p.needsRefresh
}

// NeedsCommit returns whether the proxy has uncommitted writes.
func (p *Proxy) NeedsCommit() bool {
	return p.needsCommit
}

// Pending returns a copy of the uncommitted writes.
func (p *Proxy) Pending() map[string]vone.Value {
	return vone.CopyValues(p.pending)
}

// Data returns a copy of the data last confirmed by the server. Values loaded
// by queries are stored under the exact field path they were selected with,
// so aggregates appear under keys like "Actuals.Value.@Sum".
func (p *Proxy) Data() map[string]vone.Value {
	return vone.CopyValues(p.confirmed)
}

// Get returns the value of attr. An uncommitted write to attr is returned if
// there is one. Otherwise the proxy refreshes itself if it needs to, and if
// the attribute is still unknown it is fetched on its own and cached.
func (p *Proxy) Get(ctx context.Context, attr string) (vone.Value, error) {
	if attr == "" {
		return vone.Null(), vone.NewError("attribute name is empty", vone.ErrBadArgument)
	}

	if v, ok := p.pending[attr]; ok {
		return v, nil
	}

	if p.needsRefresh {
		if err := p.Refresh(ctx); err != nil {
			return vone.Null(), err
		}
	}

	if v, ok := p.confirmed[attr]; ok {
		return v, nil
	}

	v, err := p.reg.client.FetchAttr(ctx, p.oid, attr)
	if err != nil {
		return vone.Null(), err
	}
	p.confirmed[attr] = v
	return v, nil
}

// GetAsset returns the Proxy of the asset that the relation attr points to.
// It returns nil if the relation is empty. A relation to more than one asset
// or a non-relation attribute gives an error of kind vone.ErrUnresolvable.
func (p *Proxy) GetAsset(ctx context.Context, attr string) (*Proxy, error) {
	v, err := p.Get(ctx, attr)
	if err != nil {
		return nil, err
	}

	if v.IsNull() {
		return nil, nil
	}
	oids := v.Oids()
	if !v.IsRelation() || len(oids) != 1 {
		return nil, vone.NewError(fmt.Sprintf("%s.%s is a %s value, not a single relation", p.oid, attr, v.Kind()), vone.ErrUnresolvable)
	}
	return p.reg.Asset(oids[0]), nil
}

// GetAssets returns the Proxies of the assets that the relation attr points
// to. An empty relation gives an empty slice. A non-relation attribute gives
// an error of kind vone.ErrUnresolvable.
func (p *Proxy) GetAssets(ctx context.Context, attr string) ([]*Proxy, error) {
	v, err := p.Get(ctx, attr)
	if err != nil {
		return nil, err
	}

	if v.IsNull() {
		return []*Proxy{}, nil
	}
	if !v.IsRelation() {
		return nil, vone.NewError(fmt.Sprintf("%s.%s is a %s value, not a relation", p.oid, attr, v.Kind()), vone.ErrUnresolvable)
	}

	oids := v.Oids()
	related := make([]*Proxy, len(oids))
	for i := range oids {
		related[i] = p.reg.Asset(oids[i])
	}
	return related, nil
}

// Set stages a write of v to attr. Nothing is sent to the server until the
// proxy is committed. For a multi-relation, v names the assets to add to the
// relation.
func (p *Proxy) Set(attr string, v vone.Value) error {
	if attr == "" {
		return vone.NewError("attribute name is empty", vone.ErrBadArgument)
	}

	if err := p.reg.markDirty(p); err != nil {
		return err
	}
	p.pending[attr] = v
	p.needsCommit = true
	return nil
}

// SetMany stages a write of every entry in values. If any name is empty, no
// write is staged.
func (p *Proxy) SetMany(values map[string]vone.Value) error {
	for k := range values {
		if k == "" {
			return vone.NewError("attribute name is empty", vone.ErrBadArgument)
		}
	}
	if len(values) == 0 {
		return nil
	}

	if err := p.reg.markDirty(p); err != nil {
		return err
	}
	for k, v := range values {
		p.pending[k] = v
	}
	p.needsCommit = true
	return nil
}

// ApplyServerData merges data received from the server into the proxy's
// confirmed data. Uncommitted writes are not touched.
func (p *Proxy) ApplyServerData(data map[string]vone.Value) {
	for k, v := range data {
		p.confirmed[k] = v
	}
	p.needsRefresh = false
}

// Refresh replaces the proxy's confirmed data with the asset's default
// attributes as the server now has them. Uncommitted writes are kept, and on
// failure the confirmed data is left as it was.
func (p *Proxy) Refresh(ctx context.Context) error {
	data, err := p.reg.client.FetchAsset(ctx, p.oid, nil)
	if err != nil {
		return err
	}
	p.reg.log.Tracef("refreshed %s (%d attributes)", p.oid, len(data))

	p.confirmed = vone.CopyValues(data)
	p.needsRefresh = false
	return nil
}

// Commit sends the uncommitted writes to the server. It does nothing if there
// are none. After a successful commit the writes are cleared and the next
// read refreshes from the server. After a failed one the proxy is unchanged
// and the writes can be committed again.
func (p *Proxy) Commit(ctx context.Context) error {
	if !p.needsCommit {
		return nil
	}

	if err := p.reg.client.UpdateAsset(ctx, p.oid, vone.CopyValues(p.pending)); err != nil {
		p.reg.log.Warnf("commit %s: %s", p.oid, err.Error())
		return err
	}
	p.reg.log.Debugf("committed %d attribute(s) of %s", len(p.pending), p.oid)

	p.pending = make(map[string]vone.Value)
	p.confirmed = make(map[string]vone.Value)
	p.needsCommit = false
	p.needsRefresh = true
	p.reg.markCommitted(ctx, p)

	return nil
}

// ExecuteOperation runs the named server operation on the asset. Operations
// usually change the asset, so after success the next read refreshes.
func (p *Proxy) ExecuteOperation(ctx context.Context, op string) error {
	if op == "" {
		return vone.NewError("operation name is empty", vone.ErrBadArgument)
	}

	if err := p.reg.client.RunOperation(ctx, p.oid, op); err != nil {
		return err
	}
	p.reg.log.Debugf("ran %s on %s", op, p.oid)

	p.needsRefresh = true
	return nil
}

// String gives the proxy in the form
// Type(ID).with_data({...}).pending({...}), leaving out the parts with no
// entries.
func (p *Proxy) String() string {
	var sb strings.Builder

	sb.WriteString(p.oid.Type)
	sb.WriteRune('(')
	sb.WriteString(strconv.Itoa(p.oid.ID))
	sb.WriteRune(')')

	if len(p.confirmed) > 0 {
		sb.WriteString(".with_data(")
		sb.WriteString(formatValues(p.confirmed))
		sb.WriteRune(')')
	}
	if len(p.pending) > 0 {
		sb.WriteString(".pending(")
		sb.WriteString(formatValues(p.pending))
		sb.WriteRune(')')
	}

	return sb.String()
}

func formatValues(m map[string]vone.Value) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]string, len(keys))
	for i, k := range keys {
		entries[i] = fmt.Sprintf("%q: %q", k, m[k].String())
	}
	return "{" + strings.Join(entries, ", ") + "}"
}
