package server

import (
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dekarrin/vone"
	"github.com/dekarrin/vone/internal/vsort"
	"github.com/dekarrin/vone/wire"
	"github.com/dekarrin/vone/wire/xmldoc"
	"github.com/go-chi/chi/v5"
)

// maximum size of a request body that will be read.
const maxRequestBytes = 4 << 20

func (s *Server) href(oid vone.Oid) string {
	return s.Base() + "/rest-1.v1/Data/" + url.PathEscape(oid.Type) + "/" + strconv.Itoa(oid.ID)
}

func pathOid(req *http.Request) (vone.Oid, bool) {
	typeName := chi.URLParam(req, "type")
	id, err := strconv.Atoi(chi.URLParam(req, "id"))
	if err != nil || typeName == "" {
		return vone.Oid{}, false
	}
	return vone.NewOid(typeName, id), true
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var list []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			list = append(list, item)
		}
	}
	return list
}

// GET {rest}/Data/{type}/{id}
func (s *Server) epFetchAsset(req *http.Request) Result {
	oid, ok := pathOid(req)
	if !ok {
		return NotFound(req.URL.Path, "bad asset ID %q", chi.URLParam(req, "id"))
	}

	attrs := splitList(req.URL.Query().Get("sel"))
	values, err := s.svc.FetchAsset(req.Context(), oid, attrs)
	if err != nil {
		return ErrorResult(req.URL.Path, err)
	}

	doc, err := xmldoc.EncodeAsset(s.href(oid), oid, -1, values)
	if err != nil {
		return InternalServerError(req.URL.Path, "encode %s: %s", oid, err.Error())
	}
	return OK(doc, "fetched %s (%d attributes)", oid, len(values))
}

// GET {rest}/Data/{type}/{id}/{attr}
func (s *Server) epFetchAttr(req *http.Request) Result {
	oid, ok := pathOid(req)
	if !ok {
		return NotFound(req.URL.Path, "bad asset ID %q", chi.URLParam(req, "id"))
	}
	attr, err := url.PathUnescape(chi.URLParam(req, "attr"))
	if err != nil || attr == "" {
		return BadRequest(req.URL.Path, "Attribute name is malformed")
	}

	v, err := s.svc.FetchAttr(req.Context(), oid, attr)
	if err != nil {
		return ErrorResult(req.URL.Path, err)
	}

	doc, err := xmldoc.EncodeAttribute(attr, v)
	if err != nil {
		return InternalServerError(req.URL.Path, "encode %s.%s: %s", oid, attr, err.Error())
	}
	return OK(doc, "fetched %s.%s", oid, attr)
}

// POST {rest}/Data/{type}/{id}, with ?op= to run an operation.
func (s *Server) epUpdateOrOperation(req *http.Request) Result {
	oid, ok := pathOid(req)
	if !ok {
		return NotFound(req.URL.Path, "bad asset ID %q", chi.URLParam(req, "id"))
	}

	if op := req.URL.Query().Get("op"); op != "" {
		return s.runOperation(req, oid, op)
	}
	return s.update(req, oid)
}

func (s *Server) runOperation(req *http.Request, oid vone.Oid, op string) Result {
	if err := s.svc.RunOperation(req.Context(), oid, op); err != nil {
		return ErrorResult(req.URL.Path, err)
	}

	doc, err := xmldoc.EncodeAsset(s.href(oid), oid, s.svc.Moment(oid), nil)
	if err != nil {
		return InternalServerError(req.URL.Path, "encode %s: %s", oid, err.Error())
	}
	return OK(doc, "ran %s on %s", op, oid)
}

func (s *Server) update(req *http.Request, oid vone.Oid) Result {
	changes, res, ok := s.readChanges(req)
	if !ok {
		return res
	}

	current, _ := s.svc.Asset(oid)
	values := make(map[string]vone.Value, len(changes))
	for name, ch := range changes {
		values[name] = applyChange(current[name], ch)
	}

	if err := s.svc.UpdateAsset(req.Context(), oid, values); err != nil {
		return ErrorResult(req.URL.Path, err)
	}

	doc, err := xmldoc.EncodeAsset(s.href(oid), oid, s.svc.Moment(oid), values)
	if err != nil {
		return InternalServerError(req.URL.Path, "encode %s: %s", oid, err.Error())
	}
	return OK(doc, "updated %d attribute(s) of %s", len(values), oid)
}

// POST {rest}/Data/{type}
func (s *Server) epCreate(req *http.Request) Result {
	typeName := chi.URLParam(req, "type")

	changes, res, ok := s.readChanges(req)
	if !ok {
		return res
	}

	values := make(map[string]vone.Value, len(changes))
	for name, ch := range changes {
		values[name] = applyChange(vone.Null(), ch)
	}

	oid, err := s.svc.CreateAsset(req.Context(), typeName, values)
	if err != nil {
		return ErrorResult(req.URL.Path, err)
	}

	doc, err := xmldoc.EncodeAsset(s.href(oid), oid, s.svc.Moment(oid), nil)
	if err != nil {
		return InternalServerError(req.URL.Path, "encode %s: %s", oid, err.Error())
	}
	return OK(doc, "created %s", oid)
}

// GET {rest}/Data/{type}
func (s *Server) epQuery(req *http.Request) Result {
	params := req.URL.Query()

	qr := wire.QueryRequest{
		Type:   chi.URLParam(req, "type"),
		Select: splitList(params.Get("sel")),
		Where:  params.Get("where"),
		Sort:   splitList(params.Get("sort")),
	}
	if params.Has("find") {
		qr.Find = &wire.Find{Text: params.Get("find"), Field: params.Get("findin")}
	}
	if page := params.Get("page"); page != "" {
		size, start, err := parsePage(page)
		if err != nil {
			return BadRequest(req.URL.Path, "page must be given as size,start", "page %q: %s", page, err.Error())
		}
		qr.PageSize = size
		qr.PageStart = start
	}

	rows, total, err := s.svc.Query(req.Context(), qr)
	if err != nil {
		return ErrorResult(req.URL.Path, err)
	}

	doc, err := xmldoc.EncodeAssets(rows, total, qr.PageSize, qr.PageStart, s.href)
	if err != nil {
		return InternalServerError(req.URL.Path, "encode %s results: %s", qr.Type, err.Error())
	}
	return OK(doc, "%s query gave %d of %d", qr.Type, len(rows), total)
}

// GET meta.v1/{type}
func (s *Server) epMeta(req *http.Request) Result {
	typeName := chi.URLParam(req, "type")

	at, err := s.svc.FetchMeta(req.Context(), typeName)
	if err != nil {
		return ErrorResult(req.URL.Path, err)
	}

	doc, err := xmldoc.EncodeAssetType(at)
	if err != nil {
		return InternalServerError(req.URL.Path, "encode meta of %s: %s", typeName, err.Error())
	}
	return OK(doc, "meta of %s", typeName)
}

func (s *Server) readChanges(req *http.Request) (map[string]xmldoc.Change, Result, bool) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxRequestBytes))
	if err != nil {
		return nil, BadRequest(req.URL.Path, "Request body could not be read", "read body: %s", err.Error()), false
	}

	changes, err := xmldoc.DecodeChanges(body)
	if err != nil {
		return nil, BadRequest(req.URL.Path, "Request body is not a valid asset document", "%s", err.Error()), false
	}
	return changes, Result{}, true
}

// applyChange gives the value an attribute has after ch is applied to cur.
func applyChange(cur vone.Value, ch xmldoc.Change) vone.Value {
	if ch.Set {
		return ch.Value
	}

	members := map[vone.Oid]bool{}
	if cur.IsRelation() {
		for _, oid := range cur.Oids() {
			members[oid] = true
		}
	}
	for _, oid := range ch.Remove {
		delete(members, oid)
	}
	for _, oid := range ch.Add {
		members[oid] = true
	}

	if len(members) == 0 {
		return vone.Null()
	}
	oids := make([]vone.Oid, 0, len(members))
	for oid := range members {
		oids = append(oids, oid)
	}
	return vone.Refs(vsort.Oids(oids)...)
}

func parsePage(s string) (size, start int, err error) {
	parts := strings.SplitN(s, ",", 2)
	size, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	if len(parts) == 2 {
		start, err = strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return 0, 0, err
		}
	}
	if size < 0 || start < 0 {
		return 0, 0, strconv.ErrRange
	}
	return size, start, nil
}
