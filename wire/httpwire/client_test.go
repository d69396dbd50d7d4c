package httpwire_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dekarrin/vone"
	"github.com/dekarrin/vone/schema"
	"github.com/dekarrin/vone/server"
	"github.com/dekarrin/vone/wire"
	"github.com/dekarrin/vone/wire/httpwire"
	"github.com/dekarrin/vone/wire/inmem"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var testSecret = []byte("test-secret-that-is-long-enough")

func init() {
	server.PasswordCost = bcrypt.MinCost
}

func newService() *inmem.Service {
	svc := inmem.New()
	svc.DefineType(schema.AssetType{
		Name: "Story",
		Attributes: map[string]schema.Attribute{
			"Name":     {Name: "Name", Type: schema.Text, IsRequired: true},
			"Estimate": {Name: "Estimate", Type: schema.Numeric},
			"Scope":    {Name: "Scope", Type: schema.Relation, RelatedType: "Scope"},
			"Owners":   {Name: "Owners", Type: schema.Relation, RelatedType: "Member", IsMultiValue: true},
			"Number":   {Name: "Number", Type: schema.Text, IsReadOnly: true},
		},
		Operations: []string{"Inactivate"},
		Defaults:   []string{"Name", "Scope"},
	})
	svc.Put(vone.NewOid("Member", 20), map[string]vone.Value{"Name": vone.Text("Alice")})
	svc.Put(vone.NewOid("Member", 21), map[string]vone.Value{"Name": vone.Text("Bob")})
	svc.Put(vone.NewOid("Story", 1001), map[string]vone.Value{
		"Name":     vone.Text("Login page"),
		"Estimate": vone.Number(3),
		"Scope":    vone.Ref(vone.NewOid("Scope", 0)),
		"Owners":   vone.Refs(vone.NewOid("Member", 20), vone.NewOid("Member", 21)),
		"Number":   vone.Text("S-01001"),
	})
	svc.Put(vone.NewOid("Story", 1002), map[string]vone.Value{
		"Name":     vone.Text("Logout button"),
		"Estimate": vone.Number(1),
		"Scope":    vone.Ref(vone.NewOid("Scope", 0)),
	})
	svc.Put(vone.NewOid("Story", 1003), map[string]vone.Value{
		"Name":     vone.Text("Billing report"),
		"Estimate": vone.Number(8),
		"Scope":    vone.Ref(vone.NewOid("Scope", 7)),
	})
	return svc
}

// newPair starts a fake server with a single user "admin" (password
// "hunter2") and returns it with a client configured by cfgFn.
func newPair(t *testing.T, cfgFn func(cfg *vone.Server)) (*inmem.Service, *httpwire.Client) {
	hash, err := server.HashPassword("hunter2")
	require.NoError(t, err)

	svc := newService()
	srv, err := server.New(svc, server.Config{
		Instance:    "VersionOne.Web",
		Users:       map[string]string{"admin": hash},
		TokenSecret: testSecret,
	}, nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	cfg := vone.Server{
		InstanceURL: ts.URL + "/VersionOne.Web",
		Username:    "admin",
		Password:    "hunter2",
	}
	if cfgFn != nil {
		cfgFn(&cfg)
	}

	c, err := httpwire.New(cfg, nil)
	require.NoError(t, err)
	return svc, c
}

func Test_Client_FetchAsset(t *testing.T) {
	testCases := []struct {
		name      string
		oid       vone.Oid
		attrs     []string
		expect    map[string]vone.Value
		expectErr error
	}{
		{
			name: "defaults",
			oid:  vone.NewOid("Story", 1001),
			expect: map[string]vone.Value{
				"Name":  vone.Text("Login page"),
				"Scope": vone.Ref(vone.NewOid("Scope", 0)),
			},
		},
		{
			name:  "selected with traversal",
			oid:   vone.NewOid("Story", 1001),
			attrs: []string{"Estimate", "Owners.Name"},
			expect: map[string]vone.Value{
				"Estimate":    vone.Text("3"),
				"Owners.Name": vone.Texts("Alice", "Bob"),
			},
		},
		{
			name:  "multi relation",
			oid:   vone.NewOid("Story", 1001),
			attrs: []string{"Owners"},
			expect: map[string]vone.Value{
				"Owners": vone.Refs(vone.NewOid("Member", 20), vone.NewOid("Member", 21)),
			},
		},
		{
			name:      "missing asset",
			oid:       vone.NewOid("Story", 4040),
			expectErr: vone.ErrNotFound,
		},
		{
			name:      "unknown attribute",
			oid:       vone.NewOid("Story", 1001),
			attrs:     []string{"Colour"},
			expectErr: vone.ErrBadArgument,
		},
	}

	_, c := newPair(t, nil)

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert := assert.New(t)

			actual, err := c.FetchAsset(context.Background(), tc.oid, tc.attrs)

			if tc.expectErr != nil {
				assert.ErrorIs(err, tc.expectErr)
				return
			}
			if !assert.NoError(err) {
				return
			}
			assert.Equal(tc.expect, actual)
		})
	}
}

func Test_Client_FetchAttr(t *testing.T) {
	testCases := []struct {
		name      string
		attr      string
		expect    vone.Value
		expectErr error
	}{
		{name: "text", attr: "Name", expect: vone.Text("Login page")},
		{name: "single relation", attr: "Scope", expect: vone.Ref(vone.NewOid("Scope", 0))},
		{name: "aggregate", attr: "Owners.@Count", expect: vone.Text("2")},
		{name: "unknown", attr: "Colour", expectErr: vone.ErrNotFound},
		{name: "empty name", attr: "", expectErr: vone.ErrBadArgument},
	}

	_, c := newPair(t, nil)

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert := assert.New(t)

			actual, err := c.FetchAttr(context.Background(), vone.NewOid("Story", 1001), tc.attr)

			if tc.expectErr != nil {
				assert.ErrorIs(err, tc.expectErr)
				return
			}
			if !assert.NoError(err) {
				return
			}
			assert.Equal(tc.expect, actual)
		})
	}
}

func Test_Client_UpdateAsset(t *testing.T) {
	assert := assert.New(t)
	svc, c := newPair(t, nil)
	oid := vone.NewOid("Story", 1002)

	err := c.UpdateAsset(context.Background(), oid, map[string]vone.Value{
		"Name":     vone.Text("Sign out button"),
		"Estimate": vone.Null(),
		"Owners":   vone.Refs(vone.NewOid("Member", 21)),
	})
	if !assert.NoError(err) {
		return
	}

	stored, ok := svc.Asset(oid)
	assert.True(ok)
	assert.Equal(vone.Text("Sign out button"), stored["Name"])
	assert.True(stored["Estimate"].IsNull())
	assert.Equal([]vone.Oid{vone.NewOid("Member", 21)}, stored["Owners"].Oids())

	err = c.UpdateAsset(context.Background(), oid, map[string]vone.Value{"Number": vone.Text("S-9")})
	assert.ErrorIs(err, vone.ErrBadArgument, "read-only attribute")

	err = c.UpdateAsset(context.Background(), vone.NewOid("Story", 4040), map[string]vone.Value{"Name": vone.Text("x")})
	assert.ErrorIs(err, vone.ErrNotFound)
}

func Test_Client_CreateAsset(t *testing.T) {
	assert := assert.New(t)
	svc, c := newPair(t, nil)

	oid, err := c.CreateAsset(context.Background(), "Story", map[string]vone.Value{
		"Name":  vone.Text("Password reset"),
		"Scope": vone.Ref(vone.NewOid("Scope", 0)),
	})
	if !assert.NoError(err) {
		return
	}
	assert.Equal("Story", oid.Type)

	stored, ok := svc.Asset(oid)
	assert.True(ok)
	assert.Equal(vone.Text("Password reset"), stored["Name"])
	assert.Equal(vone.Ref(vone.NewOid("Scope", 0)), stored["Scope"])

	_, err = c.CreateAsset(context.Background(), "Story", map[string]vone.Value{"Estimate": vone.Text("2")})
	assert.ErrorIs(err, vone.ErrBadArgument, "missing required attribute")
}

func Test_Client_RunOperation(t *testing.T) {
	assert := assert.New(t)
	svc, c := newPair(t, nil)
	oid := vone.NewOid("Story", 1001)

	ran := false
	svc.DefineOperation("Story", "Inactivate", func(attrs map[string]vone.Value) (bool, error) {
		ran = true
		attrs["AssetState"] = vone.Text("128")
		return false, nil
	})

	assert.NoError(c.RunOperation(context.Background(), oid, "Inactivate"))
	assert.True(ran)

	assert.ErrorIs(c.RunOperation(context.Background(), oid, "Explode"), vone.ErrBadArgument)
	assert.ErrorIs(c.RunOperation(context.Background(), oid, ""), vone.ErrBadArgument)
}

func Test_Client_RunQuery(t *testing.T) {
	testCases := []struct {
		name      string
		req       wire.QueryRequest
		expect    []vone.Oid
		expectErr error
	}{
		{
			name:   "where on relation",
			req:    wire.QueryRequest{Type: "Story", Where: "Scope='Scope:0'"},
			expect: []vone.Oid{vone.NewOid("Story", 1001), vone.NewOid("Story", 1002)},
		},
		{
			name:   "find in name",
			req:    wire.QueryRequest{Type: "Story", Find: &wire.Find{Text: "log"}},
			expect: []vone.Oid{vone.NewOid("Story", 1001), vone.NewOid("Story", 1002)},
		},
		{
			name:   "sorted descending",
			req:    wire.QueryRequest{Type: "Story", Sort: []string{"-Estimate"}},
			expect: []vone.Oid{vone.NewOid("Story", 1003), vone.NewOid("Story", 1001), vone.NewOid("Story", 1002)},
		},
		{
			name:   "paged window",
			req:    wire.QueryRequest{Type: "Story", Sort: []string{"Estimate"}, PageSize: 2, PageStart: 1},
			expect: []vone.Oid{vone.NewOid("Story", 1001), vone.NewOid("Story", 1003)},
		},
		{
			name:   "past the end",
			req:    wire.QueryRequest{Type: "Story", PageSize: 2, PageStart: 10},
			expect: []vone.Oid{},
		},
		{
			name:   "quoted value with apostrophe",
			req:    wire.QueryRequest{Type: "Story", Where: `Name="Bob's story"`},
			expect: []vone.Oid{},
		},
		{
			name:      "unknown field",
			req:       wire.QueryRequest{Type: "Story", Where: "Colour='red'"},
			expectErr: vone.ErrBadArgument,
		},
		{
			name:      "no type",
			req:       wire.QueryRequest{},
			expectErr: vone.ErrBadArgument,
		},
	}

	_, c := newPair(t, nil)

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert := assert.New(t)

			rows, err := c.RunQuery(context.Background(), tc.req)

			if tc.expectErr != nil {
				assert.ErrorIs(err, tc.expectErr)
				return
			}
			if !assert.NoError(err) {
				return
			}
			actual := make([]vone.Oid, len(rows))
			for i := range rows {
				actual[i] = rows[i].Oid
			}
			assert.Equal(tc.expect, actual)
		})
	}
}

func Test_Client_FetchMeta(t *testing.T) {
	assert := assert.New(t)
	_, c := newPair(t, nil)

	at, err := c.FetchMeta(context.Background(), "Story")
	if !assert.NoError(err) {
		return
	}
	assert.Equal("Story", at.Name)
	assert.Equal([]string{"Name", "Scope"}, at.Defaults)
	owners, ok := at.Attribute("Owners")
	assert.True(ok)
	assert.True(owners.IsMultiValue)
	assert.Equal("Member", owners.RelatedType)

	_, err = c.FetchMeta(context.Background(), "Nope")
	assert.ErrorIs(err, vone.ErrNotFound)
}

func Test_Client_Auth(t *testing.T) {
	token, err := server.IssueToken(testSecret, "admin", time.Hour)
	require.NoError(t, err)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS512, &jwt.RegisteredClaims{
		Issuer:    server.Issuer,
		Subject:   "admin",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	expiredToken, err := expired.SignedString(testSecret)
	require.NoError(t, err)

	testCases := []struct {
		name      string
		cfg       func(cfg *vone.Server)
		expectErr error
	}{
		{
			name: "basic auth",
		},
		{
			name:      "wrong password",
			cfg:       func(cfg *vone.Server) { cfg.Password = "hunter3" },
			expectErr: vone.ErrAuthorization,
		},
		{
			name: "bearer token",
			cfg: func(cfg *vone.Server) {
				cfg.UsePasswordAsToken = true
				cfg.Password = token
			},
		},
		{
			name: "bearer token on oauth path",
			cfg: func(cfg *vone.Server) {
				cfg.UsePasswordAsToken = true
				cfg.UseOAuthPath = true
				cfg.Password = token
			},
		},
		{
			name: "expired token is refused locally",
			cfg: func(cfg *vone.Server) {
				cfg.UsePasswordAsToken = true
				cfg.Password = expiredToken
			},
			expectErr: vone.ErrAuthorization,
		},
		{
			name: "opaque token is left to the server",
			cfg: func(cfg *vone.Server) {
				cfg.UsePasswordAsToken = true
				cfg.Password = "1.abcdefg"
			},
			expectErr: vone.ErrAuthorization,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert := assert.New(t)
			svc, c := newPair(t, tc.cfg)

			_, err := c.FetchAsset(context.Background(), vone.NewOid("Story", 1001), nil)

			if tc.expectErr != nil {
				assert.ErrorIs(err, tc.expectErr)
			} else {
				assert.NoError(err)
			}

			if tc.name == "expired token is refused locally" {
				assert.Equal(0, svc.TotalCalls())
			}
		})
	}
}

func Test_Client_ServerErrors(t *testing.T) {
	testCases := []struct {
		name      string
		inject    error
		expectErr error
	}{
		{
			name:      "unavailable",
			inject:    vone.NewError("maintenance", vone.ErrTransport),
			expectErr: vone.ErrTransport,
		},
		{
			name:      "conflict",
			inject:    vone.NewError("changed by someone else", vone.ErrStaleWrite),
			expectErr: vone.ErrStaleWrite,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert := assert.New(t)
			svc, c := newPair(t, nil)
			svc.FailNext(inmem.MethodUpdateAsset, tc.inject)

			err := c.UpdateAsset(context.Background(), vone.NewOid("Story", 1001), map[string]vone.Value{"Name": vone.Text("x")})

			assert.ErrorIs(err, tc.expectErr)
		})
	}
}

func Test_Client_NonXMLResponse(t *testing.T) {
	assert := assert.New(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body>Gateway says hi"))
	}))
	defer ts.Close()

	c, err := httpwire.New(vone.Server{InstanceURL: ts.URL}, nil)
	require.NoError(t, err)

	_, err = c.FetchAsset(context.Background(), vone.NewOid("Story", 1001), nil)

	assert.ErrorIs(err, vone.ErrProtocol)
}

func Test_Client_AssetDetailURL(t *testing.T) {
	c, err := httpwire.New(vone.Server{InstanceURL: "http://localhost:8080/VersionOne.Web/"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080/VersionOne.Web/assetdetail.v1?oid=Defect%3A7", c.AssetDetailURL(vone.NewOid("Defect", 7)))
}

func Test_Client_Unreachable(t *testing.T) {
	assert := assert.New(t)
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c, err := httpwire.New(vone.Server{InstanceURL: url, TimeoutMillis: 2000}, nil)
	require.NoError(t, err)

	_, err = c.FetchMeta(context.Background(), "Story")

	assert.ErrorIs(err, vone.ErrTransport)
}

func Test_Client_Timeout(t *testing.T) {
	assert := assert.New(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		select {
		case <-req.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	c, err := httpwire.New(vone.Server{InstanceURL: ts.URL}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = c.FetchMeta(ctx, "Story")

	assert.ErrorIs(err, vone.ErrTransport)
	assert.True(httpwire.IsTimeout(err))
}

func Test_Client_SendsRequestID(t *testing.T) {
	assert := assert.New(t)

	var seen []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		seen = append(seen, req.Header.Get(httpwire.HeaderRequestID))
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	c, err := httpwire.New(vone.Server{InstanceURL: ts.URL}, nil)
	require.NoError(t, err)

	c.FetchMeta(context.Background(), "Story")
	c.FetchMeta(context.Background(), "Story")

	if assert.Len(seen, 2) {
		assert.NotEmpty(seen[0])
		assert.NotEqual(seen[0], seen[1])
	}
}

func Test_New_BadConfig(t *testing.T) {
	_, err := httpwire.New(vone.Server{InstanceURL: "not a url"}, nil)

	assert.ErrorIs(t, err, vone.ErrBadArgument)
}
