// Package xmldoc converts between the XML documents of the asset server's REST
// protocol and vone values. Both the client (httpwire) and the development
// server use it, so a document written by one side is always readable by the
// other.
//
// Attribute values are mapped as follows: an Attribute element with Value
// children is a multi-valued text, an Attribute with text content is a text,
// and an empty Attribute is null. A Relation element with exactly one Asset
// child is a single relation, one with several is a multi-relation, and one
// with none is null.
package xmldoc

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dekarrin/vone"
	"github.com/dekarrin/vone/schema"
	"github.com/dekarrin/vone/wire"
)

const (
	ActSet    = "set"
	ActAdd    = "add"
	ActRemove = "remove"
)

type xmlAsset struct {
	XMLName    xml.Name       `xml:"Asset"`
	Href       string         `xml:"href,attr,omitempty"`
	ID         string         `xml:"id,attr,omitempty"`
	IDRef      string         `xml:"idref,attr,omitempty"`
	Act        string         `xml:"act,attr,omitempty"`
	Attributes []xmlAttribute `xml:"Attribute"`
	Relations  []xmlRelation  `xml:"Relation"`
}

type xmlAttribute struct {
	XMLName xml.Name `xml:"Attribute"`
	Name    string   `xml:"name,attr"`
	Act     string   `xml:"act,attr,omitempty"`
	Values  []string `xml:"Value"`
	Text    string   `xml:",chardata"`
}

type xmlRelation struct {
	XMLName xml.Name   `xml:"Relation"`
	Name    string     `xml:"name,attr"`
	Act     string     `xml:"act,attr,omitempty"`
	Assets  []xmlAsset `xml:"Asset"`
}

type xmlAssets struct {
	XMLName   xml.Name   `xml:"Assets"`
	Total     int        `xml:"total,attr"`
	PageSize  int        `xml:"pageSize,attr"`
	PageStart int        `xml:"pageStart,attr"`
	Assets    []xmlAsset `xml:"Asset"`
}

type xmlError struct {
	XMLName   xml.Name      `xml:"Error"`
	Href      string        `xml:"href,attr,omitempty"`
	Message   string        `xml:"Message"`
	Exception *xmlException `xml:"Exception,omitempty"`
}

type xmlException struct {
	Class   string `xml:"class,attr,omitempty"`
	Message string `xml:"Message"`
}

type xmlAssetType struct {
	XMLName    xml.Name           `xml:"AssetType"`
	Name       string             `xml:"name,attr"`
	Token      string             `xml:"token,attr,omitempty"`
	Attributes []xmlAttributeDef  `xml:"AttributeDefinition"`
	Operations []xmlOperation     `xml:"Operation"`
	Defaults   []xmlDefaultSelect `xml:"DefaultSelect"`
}

type xmlAttributeDef struct {
	Name          string           `xml:"name,attr"`
	AttributeType string           `xml:"attributetype,attr"`
	IsReadOnly    string           `xml:"isreadonly,attr"`
	IsRequired    string           `xml:"isrequired,attr"`
	IsMultiValue  string           `xml:"ismultivalue,attr"`
	RelatedAsset  *xmlRelatedAsset `xml:"RelatedAsset,omitempty"`
}

type xmlRelatedAsset struct {
	NameRef string `xml:"nameref,attr"`
}

type xmlOperation struct {
	Name string `xml:"name,attr"`
}

type xmlDefaultSelect struct {
	Name string `xml:"name,attr"`
}

// Page is a decoded Assets document.
type Page struct {
	Total     int
	PageSize  int
	PageStart int
	Rows      []wire.Row
}

// Change is one attribute change read from an update or create document.
// Set is true when the attribute is replaced by Value. Add and Remove hold
// the relation members an act="add" or act="remove" Asset child names.
type Change struct {
	Set    bool
	Value  vone.Value
	Add    []vone.Oid
	Remove []vone.Oid
}

func protocolErr(what string, err error) error {
	if err == nil {
		return vone.NewError(what, vone.ErrProtocol)
	}
	return vone.NewError(fmt.Sprintf("%s: %s", what, err.Error()), vone.ErrProtocol)
}

// DecodeAsset decodes an Asset document into the asset's Oid and attributes.
func DecodeAsset(data []byte) (vone.Oid, map[string]vone.Value, error) {
	var doc xmlAsset
	if err := xml.Unmarshal(data, &doc); err != nil {
		return vone.Oid{}, nil, protocolErr("decode asset", err)
	}

	return assetFromXML(doc)
}

// DecodeAssets decodes an Assets (query result) document.
func DecodeAssets(data []byte) (Page, error) {
	var doc xmlAssets
	if err := xml.Unmarshal(data, &doc); err != nil {
		return Page{}, protocolErr("decode assets", err)
	}

	pg := Page{
		Total:     doc.Total,
		PageSize:  doc.PageSize,
		PageStart: doc.PageStart,
		Rows:      make([]wire.Row, 0, len(doc.Assets)),
	}
	for i := range doc.Assets {
		oid, attrs, err := assetFromXML(doc.Assets[i])
		if err != nil {
			return Page{}, fmt.Errorf("asset %d: %w", i, err)
		}
		pg.Rows = append(pg.Rows, wire.Row{Oid: oid, Attrs: attrs})
	}

	return pg, nil
}

// DecodeAttribute decodes a single Attribute or Relation document, as returned
// for a single-attribute fetch.
func DecodeAttribute(data []byte) (string, vone.Value, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", vone.Null(), protocolErr("decode attribute", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "Attribute":
			var a xmlAttribute
			if err := dec.DecodeElement(&a, &start); err != nil {
				return "", vone.Null(), protocolErr("decode attribute", err)
			}
			return a.Name, attributeValue(a), nil
		case "Relation":
			var r xmlRelation
			if err := dec.DecodeElement(&r, &start); err != nil {
				return "", vone.Null(), protocolErr("decode relation", err)
			}
			v, err := relationValue(r)
			return r.Name, v, err
		default:
			return "", vone.Null(), protocolErr(fmt.Sprintf("unexpected element <%s>", start.Name.Local), nil)
		}
	}
}

// DecodeError returns the message of an Error document. ok is false if data
// is not an Error document.
func DecodeError(data []byte) (msg string, ok bool) {
	var doc xmlError
	if err := xml.Unmarshal(data, &doc); err != nil {
		return "", false
	}
	msg = strings.TrimSpace(doc.Message)
	if doc.Exception != nil && strings.TrimSpace(doc.Exception.Message) != "" {
		if msg != "" {
			msg += ": "
		}
		msg += strings.TrimSpace(doc.Exception.Message)
	}
	return msg, true
}

// DecodeAssetType decodes a meta AssetType document.
func DecodeAssetType(data []byte) (schema.AssetType, error) {
	var doc xmlAssetType
	if err := xml.Unmarshal(data, &doc); err != nil {
		return schema.AssetType{}, protocolErr("decode asset type", err)
	}
	if doc.Name == "" {
		return schema.AssetType{}, protocolErr("asset type has no name", nil)
	}

	at := schema.AssetType{
		Name:       doc.Name,
		Attributes: make(map[string]schema.Attribute, len(doc.Attributes)),
	}
	for _, def := range doc.Attributes {
		a := schema.Attribute{
			Name:         def.Name,
			Type:         schema.AttributeType(def.AttributeType),
			IsReadOnly:   parseBool(def.IsReadOnly),
			IsRequired:   parseBool(def.IsRequired),
			IsMultiValue: parseBool(def.IsMultiValue),
		}
		if def.RelatedAsset != nil {
			a.RelatedType = def.RelatedAsset.NameRef
		}
		at.Attributes[a.Name] = a
	}
	for _, op := range doc.Operations {
		at.Operations = append(at.Operations, op.Name)
	}
	for _, d := range doc.Defaults {
		at.Defaults = append(at.Defaults, d.Name)
	}

	return at, nil
}

// DecodeChanges decodes an update or create document into per-attribute
// changes.
func DecodeChanges(data []byte) (map[string]Change, error) {
	var doc xmlAsset
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, protocolErr("decode changes", err)
	}

	changes := map[string]Change{}
	for _, a := range doc.Attributes {
		changes[a.Name] = Change{Set: true, Value: attributeValue(a)}
	}
	for _, r := range doc.Relations {
		if r.Act == ActSet {
			v, err := relationValue(r)
			if err != nil {
				return nil, err
			}
			changes[r.Name] = Change{Set: true, Value: v}
			continue
		}

		ch := changes[r.Name]
		for _, child := range r.Assets {
			oid, err := vone.ParseOid(child.IDRef)
			if err != nil {
				return nil, protocolErr(fmt.Sprintf("relation %q", r.Name), err)
			}
			switch child.Act {
			case ActRemove:
				ch.Remove = append(ch.Remove, oid)
			default:
				ch.Add = append(ch.Add, oid)
			}
		}
		changes[r.Name] = ch
	}

	return changes, nil
}

// EncodeChanges writes the update (or create) document for the given changes.
// Scalars and single relations are replaced with act="set"; each member of a
// multi-relation is added with act="add".
func EncodeChanges(changes map[string]vone.Value) ([]byte, error) {
	doc := xmlAsset{}

	for _, name := range sortedKeys(changes) {
		v := changes[name]
		switch v.Kind() {
		case vone.KindNull:
			// without schema knowledge a null could be either, and the server
			// accepts an empty Attribute for clearing both.
			doc.Attributes = append(doc.Attributes, xmlAttribute{Name: name, Act: ActSet})
		case vone.KindText:
			doc.Attributes = append(doc.Attributes, xmlAttribute{Name: name, Act: ActSet, Text: v.String()})
		case vone.KindMultiText:
			doc.Attributes = append(doc.Attributes, xmlAttribute{Name: name, Act: ActSet, Values: v.Strings()})
		case vone.KindRelation:
			doc.Relations = append(doc.Relations, xmlRelation{
				Name:   name,
				Act:    ActSet,
				Assets: []xmlAsset{{IDRef: v.Oids()[0].String()}},
			})
		case vone.KindMultiRelation:
			rel := xmlRelation{Name: name}
			for _, oid := range v.Oids() {
				rel.Assets = append(rel.Assets, xmlAsset{IDRef: oid.String(), Act: ActAdd})
			}
			doc.Relations = append(doc.Relations, rel)
		default:
			return nil, vone.NewError(fmt.Sprintf("attribute %q has unknown value kind %s", name, v.Kind()), vone.ErrBadArgument)
		}
	}

	return marshal(doc)
}

// EncodeAsset writes an Asset document. If moment is not negative, it is
// appended to the id as the server does for freshly written assets.
func EncodeAsset(href string, oid vone.Oid, moment int, attrs map[string]vone.Value) ([]byte, error) {
	return marshal(assetToXML(href, oid, moment, attrs))
}

// EncodeAssets writes an Assets document. hrefOf gives the href of each row.
func EncodeAssets(rows []wire.Row, total, pageSize, pageStart int, hrefOf func(vone.Oid) string) ([]byte, error) {
	doc := xmlAssets{
		Total:     total,
		PageSize:  pageSize,
		PageStart: pageStart,
	}
	for _, r := range rows {
		doc.Assets = append(doc.Assets, assetToXML(hrefOf(r.Oid), r.Oid, -1, r.Attrs))
	}
	return marshal(doc)
}

// EncodeAttribute writes the document for a single-attribute fetch.
func EncodeAttribute(name string, v vone.Value) ([]byte, error) {
	if v.IsRelation() {
		return marshal(relationToXML(name, v))
	}
	return marshal(attributeToXML(name, v))
}

// EncodeError writes an Error document.
func EncodeError(href, msg string) []byte {
	data, err := marshal(xmlError{Href: href, Message: msg})
	if err != nil {
		// only string fields; cannot fail
		panic(fmt.Sprintf("encode error document: %v", err))
	}
	return data
}

// EncodeAssetType writes a meta AssetType document.
func EncodeAssetType(at schema.AssetType) ([]byte, error) {
	doc := xmlAssetType{Name: at.Name, Token: at.Name}
	for _, name := range at.AttributeNames() {
		a := at.Attributes[name]
		def := xmlAttributeDef{
			Name:          a.Name,
			AttributeType: string(a.Type),
			IsReadOnly:    formatBool(a.IsReadOnly),
			IsRequired:    formatBool(a.IsRequired),
			IsMultiValue:  formatBool(a.IsMultiValue),
		}
		if a.RelatedType != "" {
			def.RelatedAsset = &xmlRelatedAsset{NameRef: a.RelatedType}
		}
		doc.Attributes = append(doc.Attributes, def)
	}
	for _, op := range at.Operations {
		doc.Operations = append(doc.Operations, xmlOperation{Name: op})
	}
	for _, d := range at.Defaults {
		doc.Defaults = append(doc.Defaults, xmlDefaultSelect{Name: d})
	}
	return marshal(doc)
}

func assetFromXML(doc xmlAsset) (vone.Oid, map[string]vone.Value, error) {
	id := doc.ID
	if id == "" {
		id = doc.IDRef
	}
	oid, err := vone.ParseOid(id)
	if err != nil {
		return vone.Oid{}, nil, protocolErr("asset id", err)
	}

	attrs := make(map[string]vone.Value, len(doc.Attributes)+len(doc.Relations))
	for _, a := range doc.Attributes {
		attrs[a.Name] = attributeValue(a)
	}
	for _, r := range doc.Relations {
		v, err := relationValue(r)
		if err != nil {
			return vone.Oid{}, nil, err
		}
		attrs[r.Name] = v
	}

	return oid, attrs, nil
}

func assetToXML(href string, oid vone.Oid, moment int, attrs map[string]vone.Value) xmlAsset {
	doc := xmlAsset{Href: href, ID: oid.String()}
	if moment >= 0 {
		doc.ID += ":" + strconv.Itoa(moment)
	}
	for _, name := range sortedKeys(attrs) {
		v := attrs[name]
		if v.IsRelation() {
			doc.Relations = append(doc.Relations, relationToXML(name, v))
		} else {
			doc.Attributes = append(doc.Attributes, attributeToXML(name, v))
		}
	}
	return doc
}

func attributeValue(a xmlAttribute) vone.Value {
	if len(a.Values) > 0 {
		return vone.Texts(a.Values...)
	}
	if strings.TrimSpace(a.Text) == "" {
		return vone.Null()
	}
	return vone.Text(a.Text)
}

func attributeToXML(name string, v vone.Value) xmlAttribute {
	a := xmlAttribute{Name: name}
	switch v.Kind() {
	case vone.KindText:
		a.Text = v.String()
	case vone.KindMultiText:
		a.Values = v.Strings()
	}
	return a
}

func relationValue(r xmlRelation) (vone.Value, error) {
	oids := make([]vone.Oid, 0, len(r.Assets))
	for _, child := range r.Assets {
		oid, err := vone.ParseOid(child.IDRef)
		if err != nil {
			return vone.Null(), protocolErr(fmt.Sprintf("relation %q", r.Name), err)
		}
		oids = append(oids, oid)
	}

	switch len(oids) {
	case 0:
		return vone.Null(), nil
	case 1:
		return vone.Ref(oids[0]), nil
	default:
		return vone.Refs(oids...), nil
	}
}

func relationToXML(name string, v vone.Value) xmlRelation {
	r := xmlRelation{Name: name}
	for _, oid := range v.Oids() {
		r.Assets = append(r.Assets, xmlAsset{IDRef: oid.String()})
	}
	return r
}

func marshal(v interface{}) ([]byte, error) {
	data, err := xml.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), data...), nil
}

func sortedKeys(m map[string]vone.Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func parseBool(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "true")
}

func formatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
