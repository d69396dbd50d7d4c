package vone

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dekarrin/rezi/v2"
)

// Kind is the shape of an attribute Value.
type Kind int

const (
	KindNull Kind = iota
	KindText
	KindMultiText
	KindRelation
	KindMultiRelation
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindText:
		return "text"
	case KindMultiText:
		return "multi-text"
	case KindRelation:
		return "relation"
	case KindMultiRelation:
		return "multi-relation"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Value is the value of a single attribute of an asset. Scalar attributes are
// carried in the textual form the server uses for them; relation attributes
// carry the Oids of the assets they point to.
//
// The zero value is a null Value.
type Value struct {
	kind  Kind
	texts []string
	refs  []Oid
}

// Null returns the null Value.
func Null() Value {
	return Value{}
}

// Text returns a scalar Value with the given text.
func Text(s string) Value {
	return Value{kind: KindText, texts: []string{s}}
}

// Number returns a scalar Value holding the text form of f.
func Number(f float64) Value {
	return Text(strconv.FormatFloat(f, 'f', -1, 64))
}

// Bool returns a scalar Value holding the text form of b as the server writes
// it.
func Bool(b bool) Value {
	if b {
		return Text("True")
	}
	return Text("False")
}

// Texts returns a multi-valued scalar Value.
func Texts(s ...string) Value {
	v := Value{kind: KindMultiText, texts: make([]string, len(s))}
	copy(v.texts, s)
	return v
}

// Ref returns a single-relation Value pointing at oid. A zero oid gives a
// null Value.
func Ref(oid Oid) Value {
	if oid.IsZero() {
		return Null()
	}
	return Value{kind: KindRelation, refs: []Oid{oid}}
}

// Refs returns a multi-relation Value pointing at each of oids.
func Refs(oids ...Oid) Value {
	v := Value{kind: KindMultiRelation, refs: make([]Oid, len(oids))}
	copy(v.refs, oids)
	return v
}

// Kind returns the shape of v.
func (v Value) Kind() Kind {
	return v.kind
}

// IsNull returns whether v is the null Value.
func (v Value) IsNull() bool {
	return v.kind == KindNull
}

// IsRelation returns whether v points at other assets.
func (v Value) IsRelation() bool {
	return v.kind == KindRelation || v.kind == KindMultiRelation
}

// String returns the text of a scalar Value. Multi-valued scalars are joined
// with ", ", and relations give their idrefs joined the same way. The null
// Value gives the empty string.
func (v Value) String() string {
	switch v.kind {
	case KindText, KindMultiText:
		return strings.Join(v.texts, ", ")
	case KindRelation, KindMultiRelation:
		strs := make([]string, len(v.refs))
		for i := range v.refs {
			strs[i] = v.refs[i].String()
		}
		return strings.Join(strs, ", ")
	default:
		return ""
	}
}

// Strings returns a copy of the texts of a scalar Value. It is nil for
// relations and the null Value.
func (v Value) Strings() []string {
	if v.kind != KindText && v.kind != KindMultiText {
		return nil
	}
	cp := make([]string, len(v.texts))
	copy(cp, v.texts)
	return cp
}

// Oids returns a copy of the Oids a relation Value points at. It is nil for
// every other kind.
func (v Value) Oids() []Oid {
	if !v.IsRelation() {
		return nil
	}
	cp := make([]Oid, len(v.refs))
	copy(cp, v.refs)
	return cp
}

// Float parses a scalar Value as a number.
func (v Value) Float() (float64, error) {
	if v.kind != KindText {
		return 0, NewError(fmt.Sprintf("%s value is not a number", v.kind), ErrBadArgument)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v.texts[0]), 64)
	if err != nil {
		return 0, NewError(fmt.Sprintf("not a number: %q", v.texts[0]), ErrBadArgument)
	}
	return f, nil
}

// Equal returns whether other is a Value (or *Value) of the same kind with
// the same contents. Multi-valued contents compare without regard to order.
func (v Value) Equal(other interface{}) bool {
	var o Value

	if ov, ok := other.(Value); ok {
		o = ov
	} else if ovPtr, ok := other.(*Value); ok {
		if ovPtr == nil {
			return false
		}
		o = *ovPtr
	} else {
		return false
	}

	if v.kind != o.kind {
		return false
	}

	vTexts, oTexts := sortedCopy(v.texts), sortedCopy(o.texts)
	if len(vTexts) != len(oTexts) {
		return false
	}
	for i := range vTexts {
		if vTexts[i] != oTexts[i] {
			return false
		}
	}

	vRefs, oRefs := sortedRefs(v.refs), sortedRefs(o.refs)
	if len(vRefs) != len(oRefs) {
		return false
	}
	for i := range vRefs {
		if vRefs[i] != oRefs[i] {
			return false
		}
	}

	return true
}

// GoString gives the debugging representation of v.
func (v Value) GoString() string {
	switch v.kind {
	case KindNull:
		return "Null()"
	case KindText:
		return fmt.Sprintf("Text(%q)", v.texts[0])
	case KindMultiText:
		return fmt.Sprintf("Texts(%q)", v.texts)
	default:
		return fmt.Sprintf("Refs(%s)", v.String())
	}
}

func (v Value) MarshalBinary() ([]byte, error) {
	var enc []byte

	refStrs := make([]string, len(v.refs))
	for i := range v.refs {
		refStrs[i] = v.refs[i].String()
	}

	enc = append(enc, rezi.MustEnc(int(v.kind))...)
	enc = append(enc, rezi.MustEnc(v.texts)...)
	enc = append(enc, rezi.MustEnc(refStrs)...)

	return enc, nil
}

func (v *Value) UnmarshalBinary(data []byte) error {
	rr, err := rezi.NewReader(bytes.NewBuffer(data), nil)
	if err != nil {
		return err
	}

	var decoded Value

	var kind int
	err = rr.Dec(&kind)
	if err != nil {
		return rezi.Wrapf(0, "kind: %s", err)
	}
	decoded.kind = Kind(kind)

	err = rr.Dec(&decoded.texts)
	if err != nil {
		return rezi.Wrapf(0, "texts: %s", err)
	}

	var refStrs []string
	err = rr.Dec(&refStrs)
	if err != nil {
		return rezi.Wrapf(0, "refs: %s", err)
	}
	for _, s := range refStrs {
		oid, err := ParseOid(s)
		if err != nil {
			return rezi.Wrapf(0, "refs: %s", err)
		}
		decoded.refs = append(decoded.refs, oid)
	}

	if decoded.kind == KindText && len(decoded.texts) != 1 {
		return fmt.Errorf("text value has %d texts", len(decoded.texts))
	}
	if decoded.kind == KindRelation && len(decoded.refs) != 1 {
		return fmt.Errorf("relation value has %d refs", len(decoded.refs))
	}

	*v = decoded
	return nil
}

// CopyValues returns a shallow copy of m. Values are immutable, so this is
// enough to isolate the copy from later writes to m.
func CopyValues(m map[string]Value) map[string]Value {
	cp := make(map[string]Value, len(m))
	for k := range m {
		cp[k] = m[k]
	}
	return cp
}

func sortedCopy(s []string) []string {
	cp := make([]string, len(s))
	copy(cp, s)
	sort.Strings(cp)
	return cp
}

func sortedRefs(refs []Oid) []Oid {
	cp := make([]Oid, len(refs))
	copy(cp, refs)
	sort.Slice(cp, func(i, j int) bool {
		return cp[i].Less(cp[j])
	})
	return cp
}
