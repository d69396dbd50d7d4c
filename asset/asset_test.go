package asset

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dekarrin/vone"
	"github.com/dekarrin/vone/schema"
	"github.com/dekarrin/vone/wire/inmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	story1 = vone.NewOid("Story", 1001)
	story2 = vone.NewOid("Story", 1002)
	scope0 = vone.NewOid("Scope", 0)
	alice  = vone.NewOid("Member", 20)
	bob    = vone.NewOid("Member", 21)
)

func newTestRegistry() (*Registry, *inmem.Service) {
	svc := inmem.New()
	svc.DefineType(schema.AssetType{
		Name: "Story",
		Attributes: map[string]schema.Attribute{
			"Name":     {Name: "Name", Type: schema.Text},
			"Estimate": {Name: "Estimate", Type: schema.Numeric},
			"Scope":    {Name: "Scope", Type: schema.Relation, RelatedType: "Scope"},
			"Owners":   {Name: "Owners", Type: schema.Relation, RelatedType: "Member", IsMultiValue: true},
		},
		Operations: []string{"Inactivate"},
		Defaults:   []string{"Name", "Scope"},
	})
	svc.Put(story1, map[string]vone.Value{
		"Name":     vone.Text("Login page"),
		"Estimate": vone.Number(3),
		"Scope":    vone.Ref(scope0),
		"Owners":   vone.Refs(alice, bob),
	})
	svc.Put(story2, map[string]vone.Value{
		"Name": vone.Text("Logout button"),
	})
	svc.Put(alice, map[string]vone.Value{"Name": vone.Text("Alice")})
	svc.Put(bob, map[string]vone.Value{"Name": vone.Text("Bob")})

	return NewRegistry(svc, nil), svc
}

func Test_Registry_Asset_IsUniquePerIdentity(t *testing.T) {
	assert := assert.New(t)
	reg, svc := newTestRegistry()

	first := reg.Asset(story1)
	second := reg.Asset(vone.MustParseOid("Story:1001"))
	other := reg.Asset(story2)

	assert.Same(first, second)
	assert.NotSame(first, other)
	assert.Equal(2, reg.Len())
	assert.True(first.NeedsRefresh())
	assert.Equal(0, svc.TotalCalls(), "getting a proxy must not touch the server")
}

func Test_Registry_Asset_Concurrent(t *testing.T) {
	reg, _ := newTestRegistry()

	var wg sync.WaitGroup
	got := make([]*Proxy, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = reg.Asset(story1)
		}(i)
	}
	wg.Wait()

	for i := range got {
		assert.Same(t, got[0], got[i])
	}
}

func Test_Proxy_Get(t *testing.T) {
	testCases := []struct {
		name             string
		attr             string
		expect           vone.Value
		expectFetchAsset int
		expectFetchAttr  int
		expectErrToBe    error
	}{
		{
			name:             "default attribute comes from refresh",
			attr:             "Name",
			expect:           vone.Text("Login page"),
			expectFetchAsset: 1,
		},
		{
			name:             "non-default attribute is fetched on its own",
			attr:             "Estimate",
			expect:           vone.Number(3),
			expectFetchAsset: 1,
			expectFetchAttr:  1,
		},
		{
			name:             "aggregate path is fetched on its own",
			attr:             "Owners.@Count",
			expect:           vone.Number(2),
			expectFetchAsset: 1,
			expectFetchAttr:  1,
		},
		{
			name:             "unknown attribute",
			attr:             "Nope",
			expectFetchAsset: 1,
			expectFetchAttr:  1,
			expectErrToBe:    vone.ErrNotFound,
		},
		{
			name:          "empty attribute",
			attr:          "",
			expectErrToBe: vone.ErrBadArgument,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert := assert.New(t)
			reg, svc := newTestRegistry()
			p := reg.Asset(story1)

			actual, err := p.Get(context.Background(), tc.attr)

			assert.Equal(tc.expectFetchAsset, svc.Calls(inmem.MethodFetchAsset))
			assert.Equal(tc.expectFetchAttr, svc.Calls(inmem.MethodFetchAttr))
			if tc.expectErrToBe != nil {
				assert.ErrorIs(err, tc.expectErrToBe)
				return
			}
			if !assert.NoError(err) {
				return
			}
			assert.Truef(tc.expect.Equal(actual), "expected %#v, got %#v", tc.expect, actual)
		})
	}
}

func Test_Proxy_Get_CachesFetchedAttribute(t *testing.T) {
	assert := assert.New(t)
	reg, svc := newTestRegistry()
	ctx := context.Background()
	p := reg.Asset(story1)

	_, err := p.Get(ctx, "Estimate")
	assert.NoError(err)
	_, err = p.Get(ctx, "Estimate")
	assert.NoError(err)
	_, err = p.Get(ctx, "Name")
	assert.NoError(err)

	assert.Equal(1, svc.Calls(inmem.MethodFetchAsset))
	assert.Equal(1, svc.Calls(inmem.MethodFetchAttr))
}

func Test_Proxy_PendingWins(t *testing.T) {
	assert := assert.New(t)
	reg, svc := newTestRegistry()
	ctx := context.Background()
	p := reg.Asset(story1)

	assert.NoError(p.Set("Name", vone.Text("Renamed")))

	v, err := p.Get(ctx, "Name")
	assert.NoError(err)
	assert.Equal("Renamed", v.String())
	assert.Equal(0, svc.TotalCalls(), "pending read and set must not touch the server")
	assert.True(p.NeedsCommit())
	assert.Equal([]*Proxy{p}, reg.Dirty())

	// still wins once confirmed data is loaded
	p.ApplyServerData(map[string]vone.Value{"Name": vone.Text("Server name")})
	v, err = p.Get(ctx, "Name")
	assert.NoError(err)
	assert.Equal("Renamed", v.String())
}

func Test_Proxy_Set_RejectsEmptyName(t *testing.T) {
	assert := assert.New(t)
	reg, _ := newTestRegistry()
	p := reg.Asset(story1)

	assert.ErrorIs(p.Set("", vone.Text("x")), vone.ErrBadArgument)
	assert.ErrorIs(p.SetMany(map[string]vone.Value{"Name": vone.Text("x"), "": vone.Text("y")}), vone.ErrBadArgument)
	assert.False(p.NeedsCommit())
	assert.Empty(p.Pending())
	assert.Empty(reg.Dirty())
}

func Test_Proxy_Commit(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	reg, svc := newTestRegistry()
	type ctxKey struct{}
	ctx := context.WithValue(context.Background(), ctxKey{}, "commit")
	p := reg.Asset(story1)

	var committed []vone.Oid
	reg.OnCommit(func(hookCtx context.Context, oid vone.Oid) {
		assert.Equal("commit", hookCtx.Value(ctxKey{}))
		committed = append(committed, oid)
	})

	require.NoError(p.SetMany(map[string]vone.Value{
		"Name":     vone.Text("Renamed"),
		"Estimate": vone.Number(5),
	}))
	require.NoError(p.Commit(ctx))

	assert.Empty(p.Pending())
	assert.False(p.NeedsCommit())
	assert.True(p.NeedsRefresh())
	assert.Empty(reg.Dirty())
	assert.Equal([]vone.Oid{story1}, committed)

	stored, _ := svc.Asset(story1)
	assert.Equal("Renamed", stored["Name"].String())
	assert.Equal("5", stored["Estimate"].String())

	// next read goes to the server
	v, err := p.Get(ctx, "Name")
	require.NoError(err)
	assert.Equal("Renamed", v.String())
	assert.Equal(1, svc.Calls(inmem.MethodFetchAsset))
}

func Test_Proxy_Commit_Clean_IsNoOp(t *testing.T) {
	assert := assert.New(t)
	reg, svc := newTestRegistry()

	assert.NoError(reg.Asset(story1).Commit(context.Background()))
	assert.Equal(0, svc.TotalCalls())
}

func Test_Proxy_Commit_FailureRetainsPending(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	reg, svc := newTestRegistry()
	ctx := context.Background()
	p := reg.Asset(story1)
	p.ApplyServerData(map[string]vone.Value{"Name": vone.Text("Login page")})

	require.NoError(p.Set("Name", vone.Text("Renamed")))
	svc.FailNext(inmem.MethodUpdateAsset, vone.NewError("connection reset", vone.ErrTransport))

	err := p.Commit(ctx)

	assert.ErrorIs(err, vone.ErrTransport)
	assert.True(p.NeedsCommit())
	assert.Equal("Renamed", p.Pending()["Name"].String())
	assert.Equal("Login page", p.Data()["Name"].String())
	assert.Equal([]*Proxy{p}, reg.Dirty())

	// a later retry goes through
	assert.NoError(p.Commit(ctx))
	assert.Empty(reg.Dirty())
}

func Test_Proxy_Refresh_KeepsPending(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	reg, _ := newTestRegistry()
	ctx := context.Background()
	p := reg.Asset(story1)

	require.NoError(p.Set("Name", vone.Text("Local")))
	require.NoError(p.Refresh(ctx))

	assert.Equal("Login page", p.Data()["Name"].String())
	assert.Equal("Local", p.Pending()["Name"].String())
	assert.True(p.NeedsCommit())

	v, err := p.Get(ctx, "Name")
	require.NoError(err)
	assert.Equal("Local", v.String())
}

func Test_Proxy_Refresh_FailureKeepsConfirmed(t *testing.T) {
	assert := assert.New(t)
	reg, svc := newTestRegistry()
	p := reg.Asset(story1)
	p.ApplyServerData(map[string]vone.Value{"Name": vone.Text("Cached")})

	svc.FailNext(inmem.MethodFetchAsset, vone.NewError("bad xml", vone.ErrProtocol))
	err := p.Refresh(context.Background())

	assert.ErrorIs(err, vone.ErrProtocol)
	assert.Equal("Cached", p.Data()["Name"].String())
}

func Test_Proxy_Get_RefreshFailurePropagates(t *testing.T) {
	assert := assert.New(t)
	reg, svc := newTestRegistry()
	p := reg.Asset(vone.NewOid("Story", 4040))

	_, err := p.Get(context.Background(), "Name")
	assert.ErrorIs(err, vone.ErrNotFound)
	assert.True(p.NeedsRefresh())

	svc.FailNext(inmem.MethodFetchAsset, vone.NewError("denied", vone.ErrAuthorization))
	_, err = reg.Asset(story1).Get(context.Background(), "Name")
	assert.ErrorIs(err, vone.ErrAuthorization)
}

func Test_Proxy_GetAsset(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	reg, _ := newTestRegistry()
	ctx := context.Background()
	p := reg.Asset(story1)

	scope, err := p.GetAsset(ctx, "Scope")
	require.NoError(err)
	assert.Same(reg.Asset(scope0), scope)

	owners, err := p.GetAssets(ctx, "Owners")
	require.NoError(err)
	require.Len(owners, 2)
	assert.Same(reg.Asset(alice), owners[0])
	assert.Same(reg.Asset(bob), owners[1])

	name, err := owners[0].Get(ctx, "Name")
	require.NoError(err)
	assert.Equal("Alice", name.String())

	_, err = p.GetAsset(ctx, "Owners")
	assert.ErrorIs(err, vone.ErrUnresolvable, "more than one")

	_, err = p.GetAssets(ctx, "Name")
	assert.ErrorIs(err, vone.ErrUnresolvable)

	empty := reg.Asset(story2)
	none, err := empty.GetAsset(ctx, "Scope")
	assert.NoError(err)
	assert.Nil(none)
	nones, err := empty.GetAssets(ctx, "Owners")
	assert.NoError(err)
	assert.Empty(nones)
}

func Test_Proxy_ExecuteOperation(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	reg, svc := newTestRegistry()
	ctx := context.Background()
	svc.DefineOperation("Story", "Inactivate", func(attrs map[string]vone.Value) (bool, error) {
		attrs["Name"] = vone.Text("Closed")
		return false, nil
	})

	p := reg.Asset(story1)
	require.NoError(p.Refresh(ctx))
	assert.False(p.NeedsRefresh())

	require.NoError(p.ExecuteOperation(ctx, "Inactivate"))
	assert.True(p.NeedsRefresh())

	v, err := p.Get(ctx, "Name")
	require.NoError(err)
	assert.Equal("Closed", v.String())

	p.ApplyServerData(nil)
	err = p.ExecuteOperation(ctx, "Explode")
	assert.ErrorIs(err, vone.ErrBadArgument)
	assert.False(p.NeedsRefresh(), "failed operation must not change state")
}

func Test_Registry_Create(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	reg, svc := newTestRegistry()
	ctx := context.Background()

	p, err := reg.Create(ctx, "Story", map[string]vone.Value{"Name": vone.Text("New story"), "Scope": vone.Ref(scope0)})
	require.NoError(err)

	assert.Equal("Story", p.Oid().Type)
	assert.Same(p, reg.Asset(p.Oid()))
	assert.False(p.NeedsCommit())

	v, err := p.Get(ctx, "Name")
	require.NoError(err)
	assert.Equal("New story", v.String())
	assert.Equal(1, svc.Calls(inmem.MethodCreateAsset))

	_, err = reg.Create(ctx, "", nil)
	assert.ErrorIs(err, vone.ErrBadArgument)
}

func Test_Registry_CommitAll(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	reg, svc := newTestRegistry()
	ctx := context.Background()

	p1 := reg.Asset(story1)
	p2 := reg.Asset(story2)
	require.NoError(p1.Set("Name", vone.Text("One")))
	require.NoError(p2.Set("Name", vone.Text("Two")))

	// dirty set is ordered, so story1 commits first and takes the failure
	svc.FailNext(inmem.MethodUpdateAsset, vone.NewError("conflict", vone.ErrStaleWrite))

	err := reg.CommitAll(ctx)

	assert.ErrorIs(err, vone.ErrStaleWrite)
	assert.Equal([]*Proxy{p1}, reg.Dirty())
	assert.False(p2.NeedsCommit())

	var vErr vone.Error
	require.True(errors.As(err, &vErr))
	assert.Len(vErr.Causes(), 1)

	assert.NoError(reg.CommitAll(ctx))
	assert.Empty(reg.Dirty())
}

func Test_Registry_EvictAndClear(t *testing.T) {
	assert := assert.New(t)
	reg, _ := newTestRegistry()

	clean := reg.Asset(story1)
	dirty := reg.Asset(story2)
	reg.Asset(alice)
	assert.NoError(dirty.Set("Name", vone.Text("x")))

	assert.False(reg.Evict(story2), "dirty proxies are never evicted")
	assert.True(reg.Evict(story1))
	assert.False(reg.Evict(story1), "already gone")

	_, ok := reg.Lookup(story1)
	assert.False(ok)
	assert.NotSame(clean, reg.Asset(story1))

	assert.Equal(2, reg.Clear())
	assert.Equal(1, reg.Len())
	still, ok := reg.Lookup(story2)
	assert.True(ok)
	assert.Same(dirty, still)
}

func Test_Registry_EvictAndClear_HeldProxyWrites(t *testing.T) {
	ctx := context.Background()

	t.Run("held proxy is registered again on write", func(t *testing.T) {
		assert := assert.New(t)
		reg, svc := newTestRegistry()

		held := reg.Asset(story1)
		_, err := held.Get(ctx, "Name")
		require.NoError(t, err)
		require.True(t, reg.Evict(story1))

		assert.NoError(held.Set("Name", vone.Text("held write")))
		assert.Same(held, reg.Asset(story1))
		assert.NoError(reg.Asset(story1).Set("Estimate", vone.Number(8)))
		if assert.Len(reg.Dirty(), 1) {
			assert.Same(held, reg.Dirty()[0])
		}

		require.NoError(t, reg.CommitAll(ctx))
		stored, _ := svc.Asset(story1)
		assert.Equal(vone.Text("held write"), stored["Name"])
		assert.Equal(vone.Number(8), stored["Estimate"])
		assert.False(held.NeedsCommit())
	})

	t.Run("held proxy rejects writes once replaced", func(t *testing.T) {
		assert := assert.New(t)
		reg, svc := newTestRegistry()

		held := reg.Asset(story1)
		require.True(t, reg.Evict(story1))
		fresh := reg.Asset(story1)
		assert.NotSame(held, fresh)

		assert.ErrorIs(held.Set("Name", vone.Text("held write")), vone.ErrDetached)
		assert.ErrorIs(held.SetMany(map[string]vone.Value{"Name": vone.Text("held write")}), vone.ErrDetached)
		assert.False(held.NeedsCommit())
		assert.Empty(held.Pending())

		assert.NoError(fresh.Set("Estimate", vone.Number(8)))
		if assert.Len(reg.Dirty(), 1) {
			assert.Same(fresh, reg.Dirty()[0])
		}
		require.NoError(t, reg.CommitAll(ctx))
		assert.Equal(1, svc.Calls(inmem.MethodUpdateAsset))
	})
}

func Test_Registry_Schema_LoadsOnce(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	reg, svc := newTestRegistry()
	ctx := context.Background()

	at, err := reg.Schema(ctx, "Story")
	require.NoError(err)
	assert.True(at.HasOperation("Inactivate"))

	_, err = reg.Schema(ctx, "Story")
	require.NoError(err)
	assert.Equal(1, svc.Calls(inmem.MethodFetchMeta))

	_, err = reg.Schema(ctx, "Defect")
	assert.ErrorIs(err, vone.ErrNotFound)

	reg.SetSchema(schema.AssetType{Name: "Defect"})
	_, err = reg.Schema(ctx, "Defect")
	assert.NoError(err)
	assert.Equal(2, svc.Calls(inmem.MethodFetchMeta))
}

func Test_Proxy_String(t *testing.T) {
	assert := assert.New(t)
	reg, _ := newTestRegistry()

	p := reg.Asset(story1)
	assert.Equal("Story(1001)", p.String())

	p.ApplyServerData(map[string]vone.Value{"Name": vone.Text("Login page"), "Scope": vone.Ref(scope0)})
	assert.NoError(p.Set("Estimate", vone.Number(2)))

	assert.Equal(`Story(1001).with_data({"Name": "Login page", "Scope": "Scope:0"}).pending({"Estimate": "2"})`, p.String())
}
