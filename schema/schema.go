// Package schema holds the meta-schema records that describe asset types. A
// record is loaded once per type from the server's meta endpoint and then
// parameterizes the single generic asset proxy and the query validator; no
// types are generated at runtime.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dekarrin/vone"
)

// AttributeType is the server-declared type of an attribute.
type AttributeType string

const (
	Text     AttributeType = "Text"
	LongText AttributeType = "LongText"
	Numeric  AttributeType = "Numeric"
	Boolean  AttributeType = "Boolean"
	Date     AttributeType = "Date"
	Relation AttributeType = "Relation"
	State    AttributeType = "State"
)

// Attribute describes a single attribute of an asset type.
type Attribute struct {
	Name         string
	Type         AttributeType
	RelatedType  string
	IsMultiValue bool
	IsReadOnly   bool
	IsRequired   bool
}

// IsRelation returns whether the attribute points at other assets.
func (a Attribute) IsRelation() bool {
	return a.Type == Relation
}

// AssetType is the meta-schema record for one asset type.
type AssetType struct {
	Name       string
	Attributes map[string]Attribute
	Operations []string

	// Defaults are the attributes the server returns when an asset of this
	// type is fetched without an explicit selection.
	Defaults []string
}

// Attribute returns the named attribute definition.
func (at AssetType) Attribute(name string) (Attribute, bool) {
	a, ok := at.Attributes[name]
	return a, ok
}

// HasOperation returns whether op is an operation defined for the type.
func (at AssetType) HasOperation(op string) bool {
	for _, o := range at.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// AttributeNames returns the names of all attributes in alphabetical order.
func (at AssetType) AttributeNames() []string {
	names := make([]string, 0, len(at.Attributes))
	for k := range at.Attributes {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ValidatePath checks that the base attribute of the given field path exists
// on the type. Only the first segment is checked; later segments belong to
// related types whose records may not be loaded.
func (at AssetType) ValidatePath(path string) error {
	p, err := ParsePath(path)
	if err != nil {
		return err
	}
	if _, ok := at.Attributes[p.Base()]; !ok {
		return vone.NewError(fmt.Sprintf("%s has no attribute %q", at.Name, p.Base()), vone.ErrUnknownField)
	}
	return nil
}

// Path is a parsed field path such as "Owners.Name" or
// "Actuals.Value.@Sum". Filter expressions in square brackets after a
// segment, like "Children[AssetState!='Dead']", are kept on the segment's
// raw text but stripped from its name.
type Path struct {
	Raw      string
	Segments []string

	// Aggregate is the aggregation operator named by a trailing "@" segment,
	// without the "@". It is empty for plain paths.
	Aggregate string
}

// ParsePath parses a field path. The aggregation segment, if present, must be
// the last one.
func ParsePath(raw string) (Path, error) {
	p := Path{Raw: raw}
	if strings.TrimSpace(raw) == "" {
		return p, vone.NewError("empty field path", vone.ErrBadArgument)
	}

	parts, err := splitPath(raw)
	if err != nil {
		return p, err
	}

	for i, seg := range parts {
		if seg == "" {
			return p, vone.NewError(fmt.Sprintf("field path %q has an empty segment", raw), vone.ErrBadArgument)
		}
		if strings.HasPrefix(seg, "@") {
			if i != len(parts)-1 {
				return p, vone.NewError(fmt.Sprintf("field path %q has aggregation before its end", raw), vone.ErrBadArgument)
			}
			if i == 0 {
				return p, vone.NewError(fmt.Sprintf("field path %q aggregates nothing", raw), vone.ErrBadArgument)
			}
			p.Aggregate = seg[1:]
			if p.Aggregate == "" {
				return p, vone.NewError(fmt.Sprintf("field path %q has an unnamed aggregation", raw), vone.ErrBadArgument)
			}
			continue
		}
		if idx := strings.IndexByte(seg, '['); idx >= 0 {
			seg = seg[:idx]
		}
		p.Segments = append(p.Segments, seg)
	}

	return p, nil
}

// Base returns the first segment of the path.
func (p Path) Base() string {
	if len(p.Segments) == 0 {
		return ""
	}
	return p.Segments[0]
}

// IsAggregate returns whether the path ends in an aggregation operator.
func (p Path) IsAggregate() bool {
	return p.Aggregate != ""
}

// IsAggregatePath is a shorthand for parsing path and checking IsAggregate.
// Unparsable paths are not aggregates.
func IsAggregatePath(path string) bool {
	p, err := ParsePath(path)
	return err == nil && p.IsAggregate()
}

// splitPath splits on dots that are not inside square brackets.
func splitPath(raw string) ([]string, error) {
	var parts []string
	var cur strings.Builder
	depth := 0

	for _, ch := range raw {
		switch ch {
		case '[':
			depth++
		case ']':
			depth--
			if depth < 0 {
				return nil, vone.NewError(fmt.Sprintf("field path %q has unbalanced brackets", raw), vone.ErrBadArgument)
			}
		case '.':
			if depth == 0 {
				parts = append(parts, cur.String())
				cur.Reset()
				continue
			}
		}
		cur.WriteRune(ch)
	}
	if depth != 0 {
		return nil, vone.NewError(fmt.Sprintf("field path %q has unbalanced brackets", raw), vone.ErrBadArgument)
	}
	parts = append(parts, cur.String())

	return parts, nil
}
