package query

import (
	"context"
	"fmt"
	"testing"

	"github.com/dekarrin/vone"
	"github.com/dekarrin/vone/asset"
	"github.com/dekarrin/vone/schema"
	"github.com/dekarrin/vone/wire"
	"github.com/dekarrin/vone/wire/inmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var storyType = schema.AssetType{
	Name: "Story",
	Attributes: map[string]schema.Attribute{
		"Name":     {Name: "Name", Type: schema.Text},
		"Estimate": {Name: "Estimate", Type: schema.Numeric},
		"Scope":    {Name: "Scope", Type: schema.Relation, RelatedType: "Scope"},
		"Actuals":  {Name: "Actuals", Type: schema.Relation, RelatedType: "Actual", IsMultiValue: true},
	},
	Defaults: []string{"Name"},
}

// recordingClient passes calls through to an inmem.Service and records every
// query request it sees.
type recordingClient struct {
	*inmem.Service
	requests []wire.QueryRequest
}

func (rc *recordingClient) RunQuery(ctx context.Context, req wire.QueryRequest) ([]wire.Row, error) {
	rc.requests = append(rc.requests, req)
	return rc.Service.RunQuery(ctx, req)
}

// newTestQueryEnv returns a registry over a service holding n stories in
// Scope:0, with IDs 1 to n.
func newTestQueryEnv(n int) (*asset.Registry, *recordingClient) {
	svc := inmem.New()
	svc.DefineType(storyType)
	svc.Put(vone.NewOid("Actual", 900), map[string]vone.Value{"Value": vone.Number(1.5)})
	svc.Put(vone.NewOid("Actual", 901), map[string]vone.Value{"Value": vone.Number(2)})

	for i := 1; i <= n; i++ {
		attrs := map[string]vone.Value{
			"Name":     vone.Text(fmt.Sprintf("Story %02d", i)),
			"Estimate": vone.Number(float64(i % 4)),
			"Scope":    vone.Ref(vone.NewOid("Scope", 0)),
		}
		if i == 1 {
			attrs["Actuals"] = vone.Refs(vone.NewOid("Actual", 900), vone.NewOid("Actual", 901))
		}
		svc.Put(vone.NewOid("Story", i), attrs)
	}

	rc := &recordingClient{Service: svc}
	return asset.NewRegistry(rc, nil), rc
}

func ids(proxies []*asset.Proxy) []int {
	out := []int{}
	for _, p := range proxies {
		out = append(out, p.Oid().ID)
	}
	return out
}

func Test_Query_IsImmutable(t *testing.T) {
	assert := assert.New(t)
	reg, _ := newTestQueryEnv(0)

	base := New(reg, "Story").Select("Name").Where("Estimate", 1)
	withScope := base.Where("Scope", vone.NewOid("Scope", 0))
	paged := withScope.Select("Estimate").Sort("-Name").Page(5, 0)

	baseWhere, err := base.WhereString()
	assert.NoError(err)
	assert.Equal("Estimate='1'", baseWhere)

	scopeWhere, err := withScope.WhereString()
	assert.NoError(err)
	assert.Equal("Estimate='1';Scope='Scope:0'", scopeWhere)

	req, err := base.Request()
	assert.NoError(err)
	assert.Equal([]string{"Name"}, req.Select)
	assert.Empty(req.Sort)
	assert.Equal(0, req.PageSize)

	req, err = paged.Request()
	assert.NoError(err)
	assert.Equal([]string{"Name", "Estimate"}, req.Select)
	assert.Equal([]string{"-Name"}, req.Sort)
	assert.Equal(5, req.PageSize)
}

func Test_Query_WhereString(t *testing.T) {
	testCases := []struct {
		name          string
		terms         map[string]interface{}
		expect        string
		expectErrToBe error
	}{
		{
			name:   "no filters",
			expect: "",
		},
		{
			name:   "sorted by attribute",
			terms:  map[string]interface{}{"Scope": "Scope:0", "Name": "x"},
			expect: "Name='x';Scope='Scope:0'",
		},
		{
			name:   "apostrophe switches to double quotes",
			terms:  map[string]interface{}{"Name": "Bob's story"},
			expect: `Name="Bob's story"`,
		},
		{
			name:   "null",
			terms:  map[string]interface{}{"Owners": nil},
			expect: "Owners=''",
		},
		{
			name: "scalar kinds",
			terms: map[string]interface{}{
				"A": 3,
				"B": uint8(7),
				"C": 2.5,
				"D": true,
				"E": vone.Text("t"),
				"F": vone.Ref(vone.NewOid("Member", 20)),
			},
			expect: "A='3';B='7';C='2.5';D='True';E='t';F='Member:20'",
		},
		{
			name:   "asset state",
			terms:  map[string]interface{}{"AssetState": vone.AssetStateClosed},
			expect: "AssetState='128'",
		},
		{
			name:          "both quote kinds",
			terms:         map[string]interface{}{"Name": `it's "quoted"`},
			expectErrToBe: vone.ErrBadArgument,
		},
		{
			name:          "unsupported type",
			terms:         map[string]interface{}{"Name": []string{"a"}},
			expectErrToBe: vone.ErrBadArgument,
		},
		{
			name:          "multi-relation value",
			terms:         map[string]interface{}{"Owners": vone.Refs(vone.NewOid("Member", 1), vone.NewOid("Member", 2))},
			expectErrToBe: vone.ErrBadArgument,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert := assert.New(t)
			reg, _ := newTestQueryEnv(0)

			actual, err := New(reg, "Story").WhereAll(tc.terms).WhereString()

			if tc.expectErrToBe != nil {
				assert.ErrorIs(err, tc.expectErrToBe)
				assert.ErrorIs(err, vone.ErrQuery)
				return
			}
			assert.NoError(err)
			assert.Equal(tc.expect, actual)
		})
	}
}

func Test_Query_Where_Proxy(t *testing.T) {
	assert := assert.New(t)
	reg, _ := newTestQueryEnv(0)

	scope := reg.Asset(vone.NewOid("Scope", 0))
	actual, err := New(reg, "Story").Where("Scope", scope).WhereString()

	assert.NoError(err)
	assert.Equal("Scope='Scope:0'", actual)
}

func Test_Iterator_Paging(t *testing.T) {
	testCases := []struct {
		name          string
		records       int
		pageSize      int
		offset        int
		limit         int
		expectCount   int
		expectWindows []int
	}{
		{
			name:          "twelve by five",
			records:       12,
			pageSize:      5,
			expectCount:   12,
			expectWindows: []int{0, 5, 10},
		},
		{
			name:          "exact multiple needs an empty window",
			records:       10,
			pageSize:      5,
			expectCount:   10,
			expectWindows: []int{0, 5, 10},
		},
		{
			name:          "offset",
			records:       12,
			pageSize:      5,
			offset:        8,
			expectCount:   4,
			expectWindows: []int{8},
		},
		{
			name:          "unpaged is one request",
			records:       12,
			expectCount:   12,
			expectWindows: []int{0},
		},
		{
			name:          "limit stops early",
			records:       12,
			pageSize:      5,
			limit:         7,
			expectCount:   7,
			expectWindows: []int{0, 5},
		},
		{
			name:          "empty",
			records:       0,
			pageSize:      5,
			expectCount:   0,
			expectWindows: []int{0},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert := assert.New(t)
			reg, rc := newTestQueryEnv(tc.records)

			q := New(reg, "Story").Select("Name")
			if tc.pageSize > 0 {
				q = q.Page(tc.pageSize, tc.offset)
			}
			if tc.limit > 0 {
				q = q.Limit(tc.limit)
			}

			it := q.Iter()
			count := 0
			for it.Next(context.Background()) {
				count++
				assert.NotNil(it.Proxy())
			}

			assert.NoError(it.Err())
			assert.Equal(tc.expectCount, count)

			windows := []int{}
			for _, r := range rc.requests {
				windows = append(windows, r.PageStart)
			}
			assert.Equal(tc.expectWindows, windows)
			assert.False(it.Next(context.Background()), "exhausted iterator stays exhausted")
		})
	}
}

func Test_Iterator_TwelveByFive_WindowSizes(t *testing.T) {
	assert := assert.New(t)
	reg, rc := newTestQueryEnv(12)
	ctx := context.Background()

	var perWindow []int
	it := New(reg, "Story").Page(5, 0).Iter()
	lastRequests := 0
	for it.Next(ctx) {
		if len(rc.requests) != lastRequests {
			perWindow = append(perWindow, 0)
			lastRequests = len(rc.requests)
		}
		perWindow[len(perWindow)-1]++
	}

	assert.NoError(it.Err())
	assert.Equal([]int{5, 5, 2}, perWindow)
	assert.Len(rc.requests, 3, "no fourth window after a short one")
}

func Test_Iterator_IsLazyAndRestartable(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	reg, rc := newTestQueryEnv(3)
	ctx := context.Background()

	q := New(reg, "Story")
	it := q.Iter()
	assert.Empty(rc.requests, "building an iterator sends nothing")

	first, err := q.All(ctx)
	require.NoError(err)
	assert.Equal([]int{1, 2, 3}, ids(first))

	second, err := q.All(ctx)
	require.NoError(err)
	assert.Len(rc.requests, 2, "each run re-issues the query")
	for i := range first {
		assert.Same(first[i], second[i])
	}

	assert.True(it.Next(ctx))
	assert.Len(rc.requests, 3)
}

func Test_Query_Results_AreDeduplicated(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	reg, _ := newTestQueryEnv(3)
	ctx := context.Background()

	held := reg.Asset(vone.NewOid("Story", 2))
	require.NoError(held.Set("Name", vone.Text("Locally renamed")))

	results, err := New(reg, "Story").Select("Name", "Estimate").All(ctx)
	require.NoError(err)
	require.Len(results, 3)
	assert.Same(held, results[1])

	name, err := results[1].Get(ctx, "Name")
	require.NoError(err)
	assert.Equal("Locally renamed", name.String(), "pending write must stay visible through query results")
	assert.Equal("Story 02", results[1].Data()["Name"].String())

	other, err := New(reg, "Story").Where("Estimate", 2).All(ctx)
	require.NoError(err)
	require.Len(other, 1)
	assert.Same(held, other[0])
}

func Test_Query_Aggregate_StoredUnderFullPath(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	reg, rc := newTestQueryEnv(2)
	ctx := context.Background()

	p, err := New(reg, "Story").Select("Name", "Actuals.Value.@Sum").Where("Name", "Story 01").First(ctx)
	require.NoError(err)

	assert.Equal("3.5", p.Data()["Actuals.Value.@Sum"].String())

	v, err := p.Get(ctx, "Actuals.Value.@Sum")
	require.NoError(err)
	assert.Equal("3.5", v.String())
	assert.Len(rc.requests, 1)
	assert.Equal(0, rc.Calls(inmem.MethodFetchAttr))
}

func Test_Query_Find_And_Sort(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	reg, _ := newTestQueryEnv(5)
	ctx := context.Background()

	results, err := New(reg, "Story").Find("Story 0", "Name").Sort("-Estimate", "Name").All(ctx)
	require.NoError(err)

	// estimates are id%4: 1,2,3,0,1
	assert.Equal([]int{3, 2, 1, 5, 4}, ids(results))
}

func Test_Query_First_NoResults(t *testing.T) {
	reg, _ := newTestQueryEnv(2)

	_, err := New(reg, "Story").Where("Name", "nope").First(context.Background())
	assert.ErrorIs(t, err, vone.ErrNotFound)
}

func Test_Query_NoMatches(t *testing.T) {
	assert := assert.New(t)
	reg, rc := newTestQueryEnv(3)
	ctx := context.Background()
	q := New(reg, "Story").Where("Name", "NoSuchName-xyz")

	it := q.Iter()
	assert.False(it.Next(ctx))
	assert.Nil(it.Proxy())
	assert.NoError(it.Err())

	results, err := q.All(ctx)
	assert.NoError(err)
	assert.Empty(results)
	assert.Len(rc.requests, 2)
}

func Test_Query_Errors(t *testing.T) {
	testCases := []struct {
		name          string
		build         func(q Query) Query
		inject        error
		expectErrToBe []error
		expectNoQuery bool
	}{
		{
			name:          "unknown select field",
			build:         func(q Query) Query { return q.Select("Nmae") },
			expectErrToBe: []error{vone.ErrQuery, vone.ErrUnknownField},
			expectNoQuery: true,
		},
		{
			name:          "unknown where field",
			build:         func(q Query) Query { return q.Where("Colour", "red") },
			expectErrToBe: []error{vone.ErrQuery, vone.ErrUnknownField},
			expectNoQuery: true,
		},
		{
			name:          "unknown sort field",
			build:         func(q Query) Query { return q.Sort("-Colour") },
			expectErrToBe: []error{vone.ErrQuery, vone.ErrUnknownField},
			expectNoQuery: true,
		},
		{
			name:          "malformed filter value",
			build:         func(q Query) Query { return q.Where("Name", struct{}{}) },
			expectErrToBe: []error{vone.ErrQuery, vone.ErrBadArgument},
			expectNoQuery: true,
		},
		{
			name:          "transport failure",
			build:         func(q Query) Query { return q },
			inject:        vone.NewError("connection refused", vone.ErrTransport),
			expectErrToBe: []error{vone.ErrQuery, vone.ErrTransport},
		},
		{
			name:          "protocol failure",
			build:         func(q Query) Query { return q },
			inject:        vone.NewError("bad xml", vone.ErrProtocol),
			expectErrToBe: []error{vone.ErrQuery, vone.ErrProtocol},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert := assert.New(t)
			reg, rc := newTestQueryEnv(3)
			if tc.inject != nil {
				rc.FailNext(inmem.MethodRunQuery, tc.inject)
			}

			it := tc.build(New(reg, "Story")).Iter()

			assert.False(it.Next(context.Background()))
			for _, target := range tc.expectErrToBe {
				assert.ErrorIs(it.Err(), target)
			}
			if tc.expectNoQuery {
				assert.Empty(rc.requests)
			}
			assert.False(it.Next(context.Background()), "no results after an error")
			assert.Nil(it.Proxy())
		})
	}
}

func Test_Query_FailsMidIteration(t *testing.T) {
	assert := assert.New(t)
	reg, rc := newTestQueryEnv(12)
	ctx := context.Background()

	it := New(reg, "Story").Page(5, 0).Iter()
	count := 0
	for it.Next(ctx) {
		count++
		if count == 5 {
			rc.FailNext(inmem.MethodRunQuery, vone.NewError("timed out", vone.ErrTransport))
		}
	}

	assert.Equal(5, count)
	assert.ErrorIs(it.Err(), vone.ErrTransport)
	assert.ErrorIs(it.Err(), vone.ErrQuery)
}

func Test_Query_NoSchema_SkipsValidation(t *testing.T) {
	assert := assert.New(t)
	reg, rc := newTestQueryEnv(0)
	rc.Put(vone.NewOid("Widget", 1), map[string]vone.Value{"Colour": vone.Text("red")})

	results, err := New(reg, "Widget").Select("Colour").Where("Colour", "red").All(context.Background())

	assert.NoError(err)
	assert.Equal([]int{1}, ids(results))
}

func Test_Query_String(t *testing.T) {
	assert := assert.New(t)
	reg, _ := newTestQueryEnv(0)

	assert.Equal("Story", New(reg, "Story").String())
	assert.Equal(
		"Story?sel=Name,Estimate&where=Scope='Scope:0'&find=log&findin=Name&sort=-Estimate&page=5,10",
		New(reg, "Story").
			Select("Name", "Estimate").
			Where("Scope", vone.NewOid("Scope", 0)).
			Find("log", "Name").
			Sort("-Estimate").
			Page(5, 10).
			String(),
	)
}
