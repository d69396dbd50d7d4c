// Package query builds declarative asset queries and runs them lazily. A Query
// is an immutable value; every chain method returns a new Query and leaves
// the one it was called on as it was, so partially built queries can be
// shared and extended freely.
package query

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/dekarrin/vone"
	"github.com/dekarrin/vone/asset"
	"github.com/dekarrin/vone/wire"
)

// Query describes a set of assets of one type to fetch: which fields to load,
// which equality filters they must pass, how to order them and how to page
// through them.
type Query struct {
	reg      *asset.Registry
	typeName string

	sel   []string
	where map[string]interface{}
	find  *wire.Find
	sort  []string

	pageSize  int
	pageStart int
	limit     int
}

// New returns a Query over every asset of typeName. Results are registered
// with reg.
func New(reg *asset.Registry, typeName string) Query {
	return Query{reg: reg, typeName: typeName}
}

// Type returns the asset type the query is over.
func (q Query) Type() string {
	return q.typeName
}

// Select adds field paths to load for each result. Paths may traverse
// relations ("Owners.Name") and end in an aggregation ("Actuals.Value.@Sum");
// results store them under the path exactly as given.
func (q Query) Select(fields ...string) Query {
	nq := q.clone()
	nq.sel = append(nq.sel, fields...)
	return nq
}

// Where adds an equality filter on attr. value may be a string, any integer or
// float kind, a bool, a vone.Oid, a text or relation vone.Value, an
// *asset.Proxy, or nil to match a null attribute. A later filter on the same
// attribute replaces the earlier one.
func (q Query) Where(attr string, value interface{}) Query {
	nq := q.clone()
	nq.where[attr] = value
	return nq
}

// WhereAll adds an equality filter for every entry of terms. See Where.
func (q Query) WhereAll(terms map[string]interface{}) Query {
	nq := q.clone()
	for k, v := range terms {
		nq.where[k] = v
	}
	return nq
}

// Find restricts results to those whose field contains text. An empty field
// searches the server's default field.
func (q Query) Find(text, field string) Query {
	nq := q.clone()
	nq.find = &wire.Find{Text: text, Field: field}
	return nq
}

// Sort adds sort terms. A term with a leading "-" sorts descending.
func (q Query) Sort(terms ...string) Query {
	nq := q.clone()
	nq.sort = append(nq.sort, terms...)
	return nq
}

// Page makes iteration fetch results in windows of size, starting at the
// result with index offset. A size of 0 or less turns paging off.
func (q Query) Page(size, offset int) Query {
	nq := q.clone()
	nq.pageSize = size
	nq.pageStart = offset
	return nq
}

// Limit caps the total number of results iteration yields. A limit of 0 or
// less means no cap.
func (q Query) Limit(n int) Query {
	nq := q.clone()
	nq.limit = n
	return nq
}

// Request returns the wire request for the first window of the query.
func (q Query) Request() (wire.QueryRequest, error) {
	where, err := q.WhereString()
	if err != nil {
		return wire.QueryRequest{}, err
	}

	req := wire.QueryRequest{
		Type:      q.typeName,
		Select:    append([]string(nil), q.sel...),
		Where:     where,
		Sort:      append([]string(nil), q.sort...),
		PageSize:  q.pageSize,
		PageStart: q.pageStart,
	}
	if q.find != nil {
		f := *q.find
		req.Find = &f
	}
	if req.PageStart < 0 {
		req.PageStart = 0
	}

	return req, nil
}

// WhereString returns the filters in the server's where syntax:
// Attr='value' terms sorted by attribute and joined with ";". A value holding
// a single quote is put in double quotes instead. A null filter is written
// with an empty value.
func (q Query) WhereString() (string, error) {
	attrs := make([]string, 0, len(q.where))
	for k := range q.where {
		attrs = append(attrs, k)
	}
	sort.Strings(attrs)

	terms := make([]string, 0, len(attrs))
	for _, attr := range attrs {
		if attr == "" {
			return "", vone.NewError("filter on empty attribute name", vone.ErrQuery, vone.ErrBadArgument)
		}
		s, err := filterText(q.where[attr])
		if err != nil {
			return "", vone.NewError(fmt.Sprintf("filter on %s: %s", attr, err.Error()), vone.ErrQuery, vone.ErrBadArgument)
		}

		quote := "'"
		if strings.Contains(s, "'") {
			if strings.Contains(s, `"`) {
				return "", vone.NewError(fmt.Sprintf("filter on %s: value contains both kinds of quote", attr), vone.ErrQuery, vone.ErrBadArgument)
			}
			quote = `"`
		}
		terms = append(terms, attr+"="+quote+s+quote)
	}

	return strings.Join(terms, ";"), nil
}

// String returns the query as it is sent to the server, for logging.
func (q Query) String() string {
	req, err := q.Request()
	if err != nil {
		return fmt.Sprintf("%s?<invalid: %s>", q.typeName, err.Error())
	}

	var params []string
	if len(req.Select) > 0 {
		params = append(params, "sel="+strings.Join(req.Select, ","))
	}
	if req.Where != "" {
		params = append(params, "where="+req.Where)
	}
	if req.Find != nil {
		params = append(params, "find="+req.Find.Text)
		if req.Find.Field != "" {
			params = append(params, "findin="+req.Find.Field)
		}
	}
	if len(req.Sort) > 0 {
		params = append(params, "sort="+strings.Join(req.Sort, ","))
	}
	if req.PageSize > 0 {
		params = append(params, fmt.Sprintf("page=%d,%d", req.PageSize, req.PageStart))
	}

	if len(params) == 0 {
		return q.typeName
	}
	return q.typeName + "?" + strings.Join(params, "&")
}

func (q Query) clone() Query {
	nq := q
	nq.sel = append([]string(nil), q.sel...)
	nq.sort = append([]string(nil), q.sort...)
	nq.where = make(map[string]interface{}, len(q.where))
	for k, v := range q.where {
		nq.where[k] = v
	}
	if q.find != nil {
		f := *q.find
		nq.find = &f
	}
	return nq
}

func filterText(v interface{}) (string, error) {
	switch tv := v.(type) {
	case nil:
		return "", nil
	case string:
		return tv, nil
	case bool:
		return vone.Bool(tv).String(), nil
	case vone.Oid:
		if tv.IsZero() {
			return "", nil
		}
		return tv.String(), nil
	case *vone.Oid:
		if tv == nil {
			return "", nil
		}
		return filterText(*tv)
	case vone.Value:
		switch tv.Kind() {
		case vone.KindNull, vone.KindText, vone.KindRelation:
			return tv.String(), nil
		default:
			return "", fmt.Errorf("cannot filter on a %s value", tv.Kind())
		}
	case *asset.Proxy:
		if tv == nil {
			return "", nil
		}
		return tv.Oid().String(), nil
	case float32:
		return strconv.FormatFloat(float64(tv), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10), nil
	}

	return "", fmt.Errorf("unsupported filter value type %T", v)
}
