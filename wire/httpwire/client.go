// Package httpwire implements wire.Client over the server's REST/XML API.
package httpwire

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dekarrin/vone"
	"github.com/dekarrin/vone/internal/logging"
	"github.com/dekarrin/vone/schema"
	"github.com/dekarrin/vone/wire"
	"github.com/dekarrin/vone/wire/xmldoc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// HeaderRequestID is the header each request's correlation ID is sent in.
const HeaderRequestID = "X-Request-ID"

// maximum size of a response body that will be read.
const maxBodyBytes = 32 << 20

// Client talks to one server instance. It is safe for concurrent use.
type Client struct {
	http *http.Client
	log  vone.Logger

	base     string
	restPath string

	username string
	password string
	useToken bool
}

// New creates a Client for the server described by cfg. log may be nil, in
// which case nothing is logged.
func New(cfg vone.Server, log vone.Logger) (*Client, error) {
	base, err := cfg.BaseURL()
	if err != nil {
		return nil, vone.WrapError(err, vone.ErrBadArgument, "server address")
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	c := &Client{
		http: &http.Client{
			Timeout: cfg.Timeout(),
			Jar:     jar,
		},
		log:      logging.OrNoOp(log),
		base:     base,
		restPath: cfg.RESTPath(),
		username: cfg.Username,
		password: cfg.Password,
		useToken: cfg.UsePasswordAsToken,
	}

	return c, nil
}

// BaseURL returns the URL of the server instance the client talks to.
func (c *Client) BaseURL() string {
	return c.base
}

// AssetDetailURL returns the URL of the server's web page for the asset.
func (c *Client) AssetDetailURL(oid vone.Oid) string {
	return c.base + "/assetdetail.v1?" + url.Values{"oid": {oid.String()}}.Encode()
}

// FetchAsset gets the asset with the attributes given in attrs, or with the
// server's defaults if attrs is empty.
func (c *Client) FetchAsset(ctx context.Context, oid vone.Oid, attrs []string) (map[string]vone.Value, error) {
	q := url.Values{}
	if len(attrs) > 0 {
		q.Set("sel", strings.Join(attrs, ","))
	}

	data, err := c.do(ctx, http.MethodGet, c.dataPath(oid), q, nil)
	if err != nil {
		return nil, err
	}

	got, values, err := xmldoc.DecodeAsset(data)
	if err != nil {
		return nil, err
	}
	if got != oid {
		return nil, vone.NewError(fmt.Sprintf("asked for %s but server sent %s", oid, got), vone.ErrProtocol)
	}
	return values, nil
}

// FetchAttr gets a single attribute of the asset.
func (c *Client) FetchAttr(ctx context.Context, oid vone.Oid, attr string) (vone.Value, error) {
	if attr == "" {
		return vone.Null(), vone.NewError("attribute name is empty", vone.ErrBadArgument)
	}

	data, err := c.do(ctx, http.MethodGet, c.dataPath(oid)+"/"+url.PathEscape(attr), nil, nil)
	if err != nil {
		return vone.Null(), err
	}

	_, v, err := xmldoc.DecodeAttribute(data)
	if err != nil {
		return vone.Null(), err
	}
	return v, nil
}

// UpdateAsset posts an update document with the given changes.
func (c *Client) UpdateAsset(ctx context.Context, oid vone.Oid, changes map[string]vone.Value) error {
	body, err := xmldoc.EncodeChanges(changes)
	if err != nil {
		return err
	}

	data, err := c.do(ctx, http.MethodPost, c.dataPath(oid), nil, body)
	if err != nil {
		return err
	}

	if _, _, err := xmldoc.DecodeAsset(data); err != nil {
		return err
	}
	return nil
}

// CreateAsset posts a create document and returns the identity the server
// gave the new asset.
func (c *Client) CreateAsset(ctx context.Context, typeName string, data map[string]vone.Value) (vone.Oid, error) {
	if typeName == "" {
		return vone.Oid{}, vone.NewError("asset type is empty", vone.ErrBadArgument)
	}

	body, err := xmldoc.EncodeChanges(data)
	if err != nil {
		return vone.Oid{}, err
	}

	resp, err := c.do(ctx, http.MethodPost, c.restPath+"/Data/"+url.PathEscape(typeName), nil, body)
	if err != nil {
		return vone.Oid{}, err
	}

	oid, _, err := xmldoc.DecodeAsset(resp)
	if err != nil {
		return vone.Oid{}, err
	}
	if oid.Type != typeName {
		return vone.Oid{}, vone.NewError(fmt.Sprintf("created a %s but server sent %s", typeName, oid), vone.ErrProtocol)
	}
	return oid, nil
}

// RunOperation invokes op on the asset.
func (c *Client) RunOperation(ctx context.Context, oid vone.Oid, op string) error {
	if op == "" {
		return vone.NewError("operation name is empty", vone.ErrBadArgument)
	}

	q := url.Values{}
	q.Set("op", op)

	data, err := c.do(ctx, http.MethodPost, c.dataPath(oid), q, nil)
	if err != nil {
		return err
	}

	if _, _, err := xmldoc.DecodeAsset(data); err != nil {
		return err
	}
	return nil
}

// RunQuery runs one query request and returns the window of rows it gives.
func (c *Client) RunQuery(ctx context.Context, req wire.QueryRequest) ([]wire.Row, error) {
	if req.Type == "" {
		return nil, vone.NewError("query has no asset type", vone.ErrBadArgument)
	}

	data, err := c.do(ctx, http.MethodGet, c.restPath+"/Data/"+url.PathEscape(req.Type), queryParams(req), nil)
	if err != nil {
		return nil, err
	}

	pg, err := xmldoc.DecodeAssets(data)
	if err != nil {
		return nil, err
	}
	c.log.Tracef("query %s: %d of %d total", req.Type, len(pg.Rows), pg.Total)
	return pg.Rows, nil
}

// FetchMeta gets the meta-schema record of an asset type.
func (c *Client) FetchMeta(ctx context.Context, typeName string) (schema.AssetType, error) {
	if typeName == "" {
		return schema.AssetType{}, vone.NewError("asset type is empty", vone.ErrBadArgument)
	}

	data, err := c.do(ctx, http.MethodGet, "meta.v1/"+url.PathEscape(typeName), nil, nil)
	if err != nil {
		return schema.AssetType{}, err
	}

	return xmldoc.DecodeAssetType(data)
}

func (c *Client) dataPath(oid vone.Oid) string {
	return c.restPath + "/Data/" + url.PathEscape(oid.Type) + "/" + strconv.Itoa(oid.ID)
}

func queryParams(req wire.QueryRequest) url.Values {
	q := url.Values{}
	if len(req.Select) > 0 {
		q.Set("sel", strings.Join(req.Select, ","))
	}
	if req.Where != "" {
		q.Set("where", req.Where)
	}
	if req.Find != nil {
		q.Set("find", req.Find.Text)
		if req.Find.Field != "" {
			q.Set("findin", req.Find.Field)
		}
	}
	if len(req.Sort) > 0 {
		q.Set("sort", strings.Join(req.Sort, ","))
	}
	if req.PageSize > 0 {
		q.Set("page", fmt.Sprintf("%d,%d", req.PageSize, req.PageStart))
	}
	return q
}

// do sends one request and returns the body of a successful response. Non-2xx
// statuses are turned into errors of the matching kind.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	if err := c.checkToken(); err != nil {
		return nil, err
	}

	u := c.base + "/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, vone.WrapError(err, vone.ErrBadArgument, "build request")
	}

	reqID := uuid.NewString()
	req.Header.Set(HeaderRequestID, reqID)
	req.Header.Set("Accept", "text/xml")
	if body != nil {
		req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	}
	if c.useToken {
		req.Header.Set("Authorization", "Bearer "+c.password)
	} else if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debugf("%s %s: %s", method, req.URL.Path, err.Error())
		return nil, vone.WrapErrorf(err, vone.ErrTransport, "%s %s", method, req.URL.Path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, vone.WrapErrorf(err, vone.ErrTransport, "%s %s: read response", method, req.URL.Path)
	}

	c.log.LogExchange(vone.Exchange{
		Method: method,
		Path:   req.URL.Path,
		Status: resp.StatusCode,
		Msg:    "request " + reqID,
	})

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	return nil, statusError(method, req.URL.Path, resp.StatusCode, data)
}

// checkToken fails early when a bearer token is a JWT that has already
// expired. Tokens that are not JWTs are left for the server to judge.
func (c *Client) checkToken() error {
	if !c.useToken {
		return nil
	}

	claims := &jwt.RegisteredClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(c.password, claims)
	if err != nil {
		return nil
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(time.Now()) {
		return vone.NewError(fmt.Sprintf("access token expired at %s", claims.ExpiresAt.Time.Format(time.RFC3339)), vone.ErrAuthorization)
	}
	return nil
}

func statusError(method, path string, status int, body []byte) error {
	msg := fmt.Sprintf("%s %s: HTTP-%d", method, path, status)
	if serverMsg, ok := xmldoc.DecodeError(body); ok && serverMsg != "" {
		msg += ": " + serverMsg
	}

	var kind error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = vone.ErrAuthorization
	case status == http.StatusNotFound:
		kind = vone.ErrNotFound
	case status == http.StatusBadRequest:
		kind = vone.ErrBadArgument
	case status == http.StatusConflict:
		kind = vone.ErrStaleWrite
	case status >= 500:
		kind = vone.ErrTransport
	default:
		kind = vone.ErrProtocol
	}

	return vone.NewError(msg, kind)
}

// IsTimeout returns whether err was caused by a request exceeding its
// deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue) && ue.Timeout()
}
