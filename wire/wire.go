// Package wire defines the contract between the asset proxy layer and the
// client that actually talks to the server. Implementations live in the
// httpwire (real server over HTTP) and inmem (in-process fake) sub-packages.
//
// Every method fails with an error that matches one of vone.ErrNotFound,
// vone.ErrAuthorization, vone.ErrProtocol, or vone.ErrTransport (and, where
// the server says so, vone.ErrBadArgument or vone.ErrStaleWrite) when checked
// with errors.Is.
package wire

import (
	"context"

	"github.com/dekarrin/vone"
	"github.com/dekarrin/vone/schema"
)

// Row is a single asset returned by a query.
type Row struct {
	Oid   vone.Oid
	Attrs map[string]vone.Value
}

// Find is a free-text search of a single field.
type Find struct {
	Text  string
	Field string
}

// QueryRequest is one query against the server. It is a single request; the
// caller drives paging by issuing one QueryRequest per window.
type QueryRequest struct {
	// Type is the asset type queried.
	Type string

	// Select lists the field paths to return. If empty, the server returns
	// its default attribute set.
	Select []string

	// Where is the serialized filter expression, e.g. "Name='x';Scope='Scope:0'".
	Where string

	// Find, if set, is a free-text search.
	Find *Find

	// Sort lists sort terms; a leading "-" sorts descending.
	Sort []string

	// PageSize is the maximum number of rows to return. 0 means no paging.
	PageSize int

	// PageStart is the index of the first row to return when paging.
	PageStart int
}

// Client is the wire client used by proxies and queries.
type Client interface {
	// FetchAsset returns the attributes of the asset. If attrs is empty, the
	// server's default attribute set is returned.
	FetchAsset(ctx context.Context, oid vone.Oid, attrs []string) (map[string]vone.Value, error)

	// FetchAttr returns the value of a single attribute of the asset.
	FetchAttr(ctx context.Context, oid vone.Oid, attr string) (vone.Value, error)

	// UpdateAsset sends changed attributes to the server.
	UpdateAsset(ctx context.Context, oid vone.Oid, changes map[string]vone.Value) error

	// CreateAsset creates a new asset and returns the Oid the server assigned
	// to it.
	CreateAsset(ctx context.Context, typeName string, data map[string]vone.Value) (vone.Oid, error)

	// RunOperation invokes a server-side operation on the asset.
	RunOperation(ctx context.Context, oid vone.Oid, op string) error

	// RunQuery executes a single query request.
	RunQuery(ctx context.Context, req QueryRequest) ([]Row, error)

	// FetchMeta returns the meta-schema record for the asset type.
	FetchMeta(ctx context.Context, typeName string) (schema.AssetType, error)
}
