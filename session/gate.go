package session

import (
	"context"
	"sync/atomic"

	"github.com/dekarrin/vone"
	"github.com/dekarrin/vone/schema"
	"github.com/dekarrin/vone/wire"
)

// gatedClient passes calls through to inner until it is closed, after which
// every call fails with vone.ErrClosed.
type gatedClient struct {
	inner  wire.Client
	closed atomic.Bool
}

func (gc *gatedClient) close() {
	gc.closed.Store(true)
}

func (gc *gatedClient) FetchAsset(ctx context.Context, oid vone.Oid, attrs []string) (map[string]vone.Value, error) {
	if gc.closed.Load() {
		return nil, vone.ErrClosed
	}
	return gc.inner.FetchAsset(ctx, oid, attrs)
}

func (gc *gatedClient) FetchAttr(ctx context.Context, oid vone.Oid, attr string) (vone.Value, error) {
	if gc.closed.Load() {
		return vone.Null(), vone.ErrClosed
	}
	return gc.inner.FetchAttr(ctx, oid, attr)
}

func (gc *gatedClient) UpdateAsset(ctx context.Context, oid vone.Oid, changes map[string]vone.Value) error {
	if gc.closed.Load() {
		return vone.ErrClosed
	}
	return gc.inner.UpdateAsset(ctx, oid, changes)
}

func (gc *gatedClient) CreateAsset(ctx context.Context, typeName string, data map[string]vone.Value) (vone.Oid, error) {
	if gc.closed.Load() {
		return vone.Oid{}, vone.ErrClosed
	}
	return gc.inner.CreateAsset(ctx, typeName, data)
}

func (gc *gatedClient) RunOperation(ctx context.Context, oid vone.Oid, op string) error {
	if gc.closed.Load() {
		return vone.ErrClosed
	}
	return gc.inner.RunOperation(ctx, oid, op)
}

func (gc *gatedClient) RunQuery(ctx context.Context, req wire.QueryRequest) ([]wire.Row, error) {
	if gc.closed.Load() {
		return nil, vone.ErrClosed
	}
	return gc.inner.RunQuery(ctx, req)
}

func (gc *gatedClient) FetchMeta(ctx context.Context, typeName string) (schema.AssetType, error) {
	if gc.closed.Load() {
		return schema.AssetType{}, vone.ErrClosed
	}
	return gc.inner.FetchMeta(ctx, typeName)
}
