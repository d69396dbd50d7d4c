// Package inmem provides an in-process implementation of wire.Client. Service
// holds assets, meta-schema records, and operations in memory and answers
// requests the way the asset server does, including relation traversal,
// aggregation, filtering, sorting and paging of queries. It also records how
// often each method was called and can be told to fail, which makes it the
// back end of choice for tests and the development server.
//
// Filter expressions in square brackets inside field paths are accepted but
// ignored.
package inmem

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/dekarrin/vone"
	"github.com/dekarrin/vone/internal/vsort"
	"github.com/dekarrin/vone/schema"
	"github.com/dekarrin/vone/wire"
)

// Method names a wire.Client method for call counting and failure injection.
type Method string

const (
	MethodFetchAsset   Method = "FetchAsset"
	MethodFetchAttr    Method = "FetchAttr"
	MethodUpdateAsset  Method = "UpdateAsset"
	MethodCreateAsset  Method = "CreateAsset"
	MethodRunOperation Method = "RunOperation"
	MethodRunQuery     Method = "RunQuery"
	MethodFetchMeta    Method = "FetchMeta"
)

// OperationFunc carries out a server operation on an asset. attrs is the
// asset's live attribute map and may be modified. Returning remove=true
// deletes the asset.
type OperationFunc func(attrs map[string]vone.Value) (remove bool, err error)

type failure struct {
	err    error
	always bool
}

// Service is an in-memory asset server. The zero value is not ready for use;
// call New.
type Service struct {
	mu sync.Mutex

	types   map[string]schema.AssetType
	assets  map[vone.Oid]map[string]vone.Value
	moments map[vone.Oid]int
	ops     map[string]map[string]OperationFunc

	nextID int
	moment int

	calls    map[Method]int
	failures map[Method][]failure
}

// New returns an empty Service. Assigned IDs start at 1000.
func New() *Service {
	return &Service{
		types:    make(map[string]schema.AssetType),
		assets:   make(map[vone.Oid]map[string]vone.Value),
		moments:  make(map[vone.Oid]int),
		ops:      make(map[string]map[string]OperationFunc),
		nextID:   1000,
		calls:    make(map[Method]int),
		failures: make(map[Method][]failure),
	}
}

// DefineType adds or replaces the meta-schema record for a type. Once a type
// is defined, requests naming attributes it does not have are rejected.
func (s *Service) DefineType(at schema.AssetType) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.types[at.Name] = at
}

// DefineOperation registers fn as the operation op on assets of typeName.
func (s *Service) DefineOperation(typeName, op string, fn OperationFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byType, ok := s.ops[typeName]
	if !ok {
		byType = make(map[string]OperationFunc)
		s.ops[typeName] = byType
	}
	byType[op] = fn
}

// Put stores an asset directly, replacing any existing one with the same Oid.
// It is not counted as a call.
func (s *Service) Put(oid vone.Oid, attrs map[string]vone.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.assets[oid] = vone.CopyValues(attrs)
	s.bumpMoment(oid)
	if oid.ID >= s.nextID {
		s.nextID = oid.ID + 1
	}
}

// Asset returns a copy of the stored attributes of the asset. It is not
// counted as a call.
func (s *Service) Asset(oid vone.Oid) (map[string]vone.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attrs, ok := s.assets[oid]
	if !ok {
		return nil, false
	}
	return vone.CopyValues(attrs), true
}

// Moment returns the change counter of the asset, as the server reports in
// the third component of an id. It is -1 for unknown assets.
func (s *Service) Moment(oid vone.Oid) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.moments[oid]
	if !ok {
		return -1
	}
	return m
}

// Calls returns how many times m has been called, including failed calls.
func (s *Service) Calls(m Method) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls[m]
}

// TotalCalls returns the number of calls made to any method.
func (s *Service) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

// ResetCalls sets all call counters to zero.
func (s *Service) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = make(map[Method]int)
}

// FailNext makes the next call to m fail with err. Calls queue up, so calling
// FailNext twice fails the next two calls.
func (s *Service) FailNext(m Method, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures[m] = append(s.failures[m], failure{err: err})
}

// FailAlways makes every call to m fail with err until ClearFailures is
// called.
func (s *Service) FailAlways(m Method, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures[m] = append(s.failures[m], failure{err: err, always: true})
}

// ClearFailures removes all injected failures.
func (s *Service) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures = make(map[Method][]failure)
}

// call must be called with s.mu held.
func (s *Service) call(ctx context.Context, m Method) error {
	s.calls[m]++

	if err := ctx.Err(); err != nil {
		return vone.WrapError(err, vone.ErrTransport, string(m))
	}

	queue := s.failures[m]
	if len(queue) > 0 {
		f := queue[0]
		if !f.always {
			s.failures[m] = queue[1:]
		}
		return f.err
	}
	return nil
}

func (s *Service) bumpMoment(oid vone.Oid) {
	s.moment++
	s.moments[oid] = s.moment
}

// FetchAsset returns the requested attributes of the asset, or its defaults
// if attrs is empty. A type with no declared defaults returns every stored
// attribute.
func (s *Service) FetchAsset(ctx context.Context, oid vone.Oid, attrs []string) (map[string]vone.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.call(ctx, MethodFetchAsset); err != nil {
		return nil, err
	}

	stored, ok := s.assets[oid]
	if !ok {
		return nil, vone.NewError(fmt.Sprintf("no asset %s", oid), vone.ErrNotFound)
	}

	return s.selectAttrs(oid, stored, attrs)
}

// FetchAttr returns the value of a single attribute. An attribute that the
// type defines but that has never been set is null.
func (s *Service) FetchAttr(ctx context.Context, oid vone.Oid, attr string) (vone.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.call(ctx, MethodFetchAttr); err != nil {
		return vone.Null(), err
	}

	if _, ok := s.assets[oid]; !ok {
		return vone.Null(), vone.NewError(fmt.Sprintf("no asset %s", oid), vone.ErrNotFound)
	}
	if err := s.checkPath(oid.Type, attr, vone.ErrNotFound); err != nil {
		return vone.Null(), err
	}

	return s.resolve(oid, attr)
}

// UpdateAsset replaces the given attributes of the asset.
func (s *Service) UpdateAsset(ctx context.Context, oid vone.Oid, changes map[string]vone.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.call(ctx, MethodUpdateAsset); err != nil {
		return err
	}

	stored, ok := s.assets[oid]
	if !ok {
		return vone.NewError(fmt.Sprintf("no asset %s", oid), vone.ErrNotFound)
	}
	if err := s.checkWritable(oid.Type, changes); err != nil {
		return err
	}

	for k, v := range changes {
		stored[k] = v
	}
	s.bumpMoment(oid)

	return nil
}

// CreateAsset stores a new asset of the given type and returns its Oid.
func (s *Service) CreateAsset(ctx context.Context, typeName string, data map[string]vone.Value) (vone.Oid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.call(ctx, MethodCreateAsset); err != nil {
		return vone.Oid{}, err
	}

	if typeName == "" {
		return vone.Oid{}, vone.NewError("asset type not given", vone.ErrBadArgument)
	}
	if err := s.checkWritable(typeName, data); err != nil {
		return vone.Oid{}, err
	}
	if at, ok := s.types[typeName]; ok {
		for _, name := range at.AttributeNames() {
			a := at.Attributes[name]
			if !a.IsRequired {
				continue
			}
			if v, ok := data[name]; !ok || v.IsNull() {
				return vone.Oid{}, vone.NewError(fmt.Sprintf("%s requires attribute %q", typeName, name), vone.ErrBadArgument)
			}
		}
	}

	oid := vone.NewOid(typeName, s.nextID)
	s.nextID++
	s.assets[oid] = vone.CopyValues(data)
	s.bumpMoment(oid)

	return oid, nil
}

// RunOperation carries out the named operation on the asset. An operation
// that the type declares but that has no registered OperationFunc succeeds
// without changing anything.
func (s *Service) RunOperation(ctx context.Context, oid vone.Oid, op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.call(ctx, MethodRunOperation); err != nil {
		return err
	}

	stored, ok := s.assets[oid]
	if !ok {
		return vone.NewError(fmt.Sprintf("no asset %s", oid), vone.ErrNotFound)
	}

	fn := s.ops[oid.Type][op]
	if fn == nil {
		at, known := s.types[oid.Type]
		if !known || !at.HasOperation(op) {
			return vone.NewError(fmt.Sprintf("%s has no operation %q", oid.Type, op), vone.ErrBadArgument)
		}
		s.bumpMoment(oid)
		return nil
	}

	remove, err := fn(stored)
	if err != nil {
		return vone.WrapErrorf(err, vone.ErrBadArgument, "operation %s on %s", op, oid)
	}
	if remove {
		delete(s.assets, oid)
		delete(s.moments, oid)
		return nil
	}
	s.bumpMoment(oid)

	return nil
}

// RunQuery executes a single query request.
func (s *Service) RunQuery(ctx context.Context, req wire.QueryRequest) ([]wire.Row, error) {
	rows, _, err := s.Query(ctx, req)
	return rows, err
}

// Query is RunQuery but also returns the number of matching assets before
// paging was applied.
func (s *Service) Query(ctx context.Context, req wire.QueryRequest) (rows []wire.Row, total int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.call(ctx, MethodRunQuery); err != nil {
		return nil, 0, err
	}

	terms, err := ParseWhere(req.Where)
	if err != nil {
		return nil, 0, err
	}

	// server-side validation of every referenced field
	var paths []string
	paths = append(paths, req.Select...)
	for _, t := range terms {
		paths = append(paths, t.Attr)
	}
	for _, st := range req.Sort {
		paths = append(paths, strings.TrimPrefix(st, "-"))
	}
	if req.Find != nil && req.Find.Field != "" {
		paths = append(paths, req.Find.Field)
	}
	for _, p := range paths {
		if err := s.checkPath(req.Type, p, vone.ErrBadArgument); err != nil {
			return nil, 0, err
		}
	}

	var matched []vone.Oid
	for oid := range s.assets {
		if oid.Type != req.Type {
			continue
		}
		ok, err := s.matches(oid, terms, req.Find)
		if err != nil {
			return nil, 0, err
		}
		if ok {
			matched = append(matched, oid)
		}
	}

	matched = vsort.Oids(matched)
	matched, err = s.sortOids(matched, req.Sort)
	if err != nil {
		return nil, 0, err
	}

	total = len(matched)
	if req.PageSize > 0 {
		start := req.PageStart
		if start < 0 {
			start = 0
		}
		if start > len(matched) {
			start = len(matched)
		}
		end := start + req.PageSize
		if end > len(matched) {
			end = len(matched)
		}
		matched = matched[start:end]
	}

	rows = make([]wire.Row, 0, len(matched))
	for _, oid := range matched {
		attrs, err := s.selectAttrs(oid, s.assets[oid], req.Select)
		if err != nil {
			return nil, 0, err
		}
		rows = append(rows, wire.Row{Oid: oid, Attrs: attrs})
	}

	return rows, total, nil
}

// FetchMeta returns the meta-schema record of the type.
func (s *Service) FetchMeta(ctx context.Context, typeName string) (schema.AssetType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.call(ctx, MethodFetchMeta); err != nil {
		return schema.AssetType{}, err
	}

	at, ok := s.types[typeName]
	if !ok {
		return schema.AssetType{}, vone.NewError(fmt.Sprintf("no asset type %q", typeName), vone.ErrNotFound)
	}
	return at, nil
}

func (s *Service) selectAttrs(oid vone.Oid, stored map[string]vone.Value, attrs []string) (map[string]vone.Value, error) {
	if len(attrs) == 0 {
		at, ok := s.types[oid.Type]
		if !ok || len(at.Defaults) == 0 {
			return vone.CopyValues(stored), nil
		}
		attrs = at.Defaults
	}

	result := make(map[string]vone.Value, len(attrs))
	for _, a := range attrs {
		if err := s.checkPath(oid.Type, a, vone.ErrBadArgument); err != nil {
			return nil, err
		}
		v, err := s.resolve(oid, a)
		if err != nil {
			return nil, err
		}
		result[a] = v
	}
	return result, nil
}

// checkPath returns an error of the given kind if the type is defined and
// does not have the base attribute of path.
func (s *Service) checkPath(typeName, path string, kind error) error {
	p, err := schema.ParsePath(path)
	if err != nil {
		return err
	}

	at, ok := s.types[typeName]
	if !ok {
		return nil
	}
	if _, ok := at.Attribute(p.Base()); !ok {
		return vone.NewError(fmt.Sprintf("%s has no attribute %q", typeName, p.Base()), kind)
	}
	return nil
}

func (s *Service) checkWritable(typeName string, changes map[string]vone.Value) error {
	at, ok := s.types[typeName]
	if !ok {
		return nil
	}
	for name := range changes {
		a, ok := at.Attribute(name)
		if !ok {
			return vone.NewError(fmt.Sprintf("%s has no attribute %q", typeName, name), vone.ErrBadArgument)
		}
		if a.IsReadOnly {
			return vone.NewError(fmt.Sprintf("%s attribute %q is read-only", typeName, name), vone.ErrBadArgument)
		}
	}
	return nil
}

// resolve follows path from oid through relations. A plain attribute gives
// its stored value. A traversal gives the values reached through every
// related asset, combined into one multi-valued Value. An aggregate gives a
// number.
func (s *Service) resolve(oid vone.Oid, path string) (vone.Value, error) {
	p, err := schema.ParsePath(path)
	if err != nil {
		return vone.Null(), err
	}

	if len(p.Segments) == 1 && !p.IsAggregate() {
		return s.assets[oid][p.Segments[0]], nil
	}

	current := []vone.Oid{oid}
	var reached []vone.Value
	for i, seg := range p.Segments {
		reached = reached[:0]
		for _, cur := range current {
			attrs, ok := s.assets[cur]
			if !ok {
				continue
			}
			if v, ok := attrs[seg]; ok && !v.IsNull() {
				reached = append(reached, v)
			}
		}
		if i < len(p.Segments)-1 {
			current = current[:0:0]
			for _, v := range reached {
				current = append(current, v.Oids()...)
			}
		}
	}

	if p.IsAggregate() {
		return aggregate(p.Aggregate, reached)
	}
	return combine(reached), nil
}

func combine(vals []vone.Value) vone.Value {
	var texts []string
	var refs []vone.Oid
	for _, v := range vals {
		if v.IsRelation() {
			refs = append(refs, v.Oids()...)
		} else {
			texts = append(texts, v.Strings()...)
		}
	}

	switch {
	case len(refs) > 0:
		return vone.Refs(refs...)
	case len(texts) > 0:
		return vone.Texts(texts...)
	default:
		return vone.Null()
	}
}

func aggregate(op string, vals []vone.Value) (vone.Value, error) {
	var nums []float64
	count := 0
	for _, v := range vals {
		if v.IsRelation() {
			count += len(v.Oids())
			continue
		}
		for _, t := range v.Strings() {
			count++
			f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
			if err != nil {
				continue
			}
			nums = append(nums, f)
		}
	}

	switch strings.ToLower(op) {
	case "count":
		return vone.Number(float64(count)), nil
	case "sum":
		sum := 0.0
		for _, n := range nums {
			sum += n
		}
		return vone.Number(sum), nil
	case "min", "max":
		if len(nums) == 0 {
			return vone.Null(), nil
		}
		best := nums[0]
		for _, n := range nums[1:] {
			if strings.EqualFold(op, "min") {
				best = math.Min(best, n)
			} else {
				best = math.Max(best, n)
			}
		}
		return vone.Number(best), nil
	default:
		return vone.Null(), vone.NewError(fmt.Sprintf("unknown aggregation @%s", op), vone.ErrBadArgument)
	}
}

func (s *Service) matches(oid vone.Oid, terms []Term, find *wire.Find) (bool, error) {
	for _, t := range terms {
		v, err := s.resolve(oid, t.Attr)
		if err != nil {
			return false, err
		}
		if !termMatches(t, v) {
			return false, nil
		}
	}

	if find != nil && find.Text != "" {
		field := find.Field
		if field == "" {
			field = "Name"
		}
		v, err := s.resolve(oid, field)
		if err != nil {
			return false, err
		}
		if !strings.Contains(strings.ToLower(v.String()), strings.ToLower(find.Text)) {
			return false, nil
		}
	}

	return true, nil
}

func termMatches(t Term, v vone.Value) bool {
	if t.Value == "" {
		return v.IsNull()
	}
	if v.IsRelation() {
		for _, oid := range v.Oids() {
			if oid.String() == t.Value {
				return true
			}
		}
		return false
	}
	for _, text := range v.Strings() {
		if text == t.Value {
			return true
		}
	}
	return false
}

// sortOids orders oids by each sort term in turn, the first term being the
// most significant.
func (s *Service) sortOids(oids []vone.Oid, terms []string) ([]vone.Oid, error) {
	for i := len(terms) - 1; i >= 0; i-- {
		term := terms[i]
		desc := strings.HasPrefix(term, "-")
		attr := strings.TrimPrefix(term, "-")

		keys := make(map[vone.Oid]string, len(oids))
		for _, oid := range oids {
			v, err := s.resolve(oid, attr)
			if err != nil {
				return nil, err
			}
			keys[oid] = v.String()
		}

		oids = vsort.By(oids, func(l, r vone.Oid) bool {
			if desc {
				return lessKey(keys[r], keys[l])
			}
			return lessKey(keys[l], keys[r])
		})
	}
	return oids, nil
}

// lessKey compares numerically when both keys are numbers.
func lessKey(l, r string) bool {
	lf, lErr := strconv.ParseFloat(l, 64)
	rf, rErr := strconv.ParseFloat(r, 64)
	if lErr == nil && rErr == nil {
		return lf < rf
	}
	return l < r
}
