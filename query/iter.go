package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/dekarrin/vone"
	"github.com/dekarrin/vone/asset"
	"github.com/dekarrin/vone/wire"
)

// Iterator walks the results of one run of a Query. Nothing is sent to the
// server until the first call to Next. When the query is paged, each window
// is fetched as the previous one runs out, and iteration stops after a window
// comes back short or empty.
//
// An Iterator is not safe for concurrent use.
type Iterator struct {
	q   Query
	req wire.QueryRequest

	started bool
	done    bool
	err     error

	buf        []*asset.Proxy
	cur        *asset.Proxy
	yielded    int
	lastWindow int
}

// Iter returns a new Iterator over the query's results. Each call starts a
// fresh run that re-issues the query.
func (q Query) Iter() *Iterator {
	return &Iterator{q: q}
}

// Next advances to the next result, fetching from the server as needed. It
// returns false when there are no more results or an error occurred; check
// Err to tell which.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.done {
		return false
	}

	if !it.started {
		it.started = true
		if err := it.start(ctx); err != nil {
			it.fail(err)
			return false
		}
		if err := it.fetch(ctx); err != nil {
			it.fail(err)
			return false
		}
	}

	if it.q.limit > 0 && it.yielded >= it.q.limit {
		it.finish()
		return false
	}

	for len(it.buf) == 0 {
		if !it.morePages() {
			it.finish()
			return false
		}
		it.req.PageStart += it.req.PageSize
		if err := it.fetch(ctx); err != nil {
			it.fail(err)
			return false
		}
		if len(it.buf) == 0 {
			it.finish()
			return false
		}
	}

	it.cur = it.buf[0]
	it.buf = it.buf[1:]
	it.yielded++
	return true
}

// Proxy returns the current result. It is only valid after a call to Next
// that returned true.
func (it *Iterator) Proxy() *asset.Proxy {
	return it.cur
}

// Err returns the error that stopped iteration, if any. It matches
// vone.ErrQuery as well as the kind of the underlying failure.
func (it *Iterator) Err() error {
	return it.err
}

// morePages returns whether the last window was full, so a following one may
// hold more results.
func (it *Iterator) morePages() bool {
	return it.req.PageSize > 0 && it.lastWindow == it.req.PageSize
}

func (it *Iterator) start(ctx context.Context) error {
	req, err := it.q.Request()
	if err != nil {
		return err
	}
	it.req = req

	if err := it.q.validate(ctx, req); err != nil {
		return err
	}

	it.q.reg.Logger().Debugf("query %s", it.q.String())
	return nil
}

func (it *Iterator) fetch(ctx context.Context) error {
	rows, err := it.q.reg.Client().RunQuery(ctx, it.req)
	if err != nil {
		return err
	}
	it.q.reg.Logger().Tracef("query %s: window at %d gave %d row(s)", it.q.typeName, it.req.PageStart, len(rows))

	it.lastWindow = len(rows)
	it.buf = it.buf[:0]
	for _, row := range rows {
		p := it.q.reg.Asset(row.Oid)
		p.ApplyServerData(row.Attrs)
		it.buf = append(it.buf, p)
	}
	return nil
}

func (it *Iterator) fail(err error) {
	it.done = true
	it.cur = nil
	it.buf = nil

	if errors.Is(err, vone.ErrQuery) {
		it.err = err
		return
	}
	it.err = vone.WrapErrorf(err, vone.ErrQuery, "query %s", it.q.typeName)
}

func (it *Iterator) finish() {
	it.done = true
	it.cur = nil
	it.buf = nil
}

// validate checks every field the request names against the type's schema.
// If the schema cannot be loaded the check is skipped and the server decides.
func (q Query) validate(ctx context.Context, req wire.QueryRequest) error {
	if q.typeName == "" {
		return vone.NewError("query has no asset type", vone.ErrQuery, vone.ErrBadArgument)
	}

	at, err := q.reg.Schema(ctx, q.typeName)
	if err != nil {
		q.reg.Logger().Debugf("query %s: no schema, skipping validation: %s", q.typeName, err.Error())
		return nil
	}

	var paths []string
	paths = append(paths, req.Select...)
	for attr := range q.where {
		paths = append(paths, attr)
	}
	for _, s := range req.Sort {
		if len(s) > 0 && s[0] == '-' {
			s = s[1:]
		}
		paths = append(paths, s)
	}
	if req.Find != nil && req.Find.Field != "" {
		paths = append(paths, req.Find.Field)
	}

	for _, p := range paths {
		if err := at.ValidatePath(p); err != nil {
			return vone.WrapErrorf(err, vone.ErrQuery, "query %s", q.typeName)
		}
	}
	return nil
}

// All runs the query and returns every result.
func (q Query) All(ctx context.Context) ([]*asset.Proxy, error) {
	var all []*asset.Proxy

	it := q.Iter()
	for it.Next(ctx) {
		all = append(all, it.Proxy())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return all, nil
}

// First runs the query and returns its first result. If there are no results,
// the error matches vone.ErrNotFound.
func (q Query) First(ctx context.Context) (*asset.Proxy, error) {
	it := q.Limit(1).Iter()
	if it.Next(ctx) {
		return it.Proxy(), nil
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return nil, vone.NewError(fmt.Sprintf("no %s matches %s", q.typeName, q.String()), vone.ErrNotFound)
}
