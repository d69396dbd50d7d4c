package inmem

import (
	"fmt"
	"io"
	"os"

	"github.com/dekarrin/vone"
	"github.com/dekarrin/vone/schema"
	"gopkg.in/yaml.v3"
)

type marshaledAttribute struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Related  string `yaml:"related"`
	Multi    bool   `yaml:"multi"`
	ReadOnly bool   `yaml:"readonly"`
	Required bool   `yaml:"required"`
}

type marshaledOperation struct {
	Name   string            `yaml:"name"`
	Set    map[string]string `yaml:"set"`
	Delete bool              `yaml:"delete"`
}

type marshaledType struct {
	Name       string               `yaml:"name"`
	Attributes []marshaledAttribute `yaml:"attributes"`
	Operations []marshaledOperation `yaml:"operations"`
	Defaults   []string             `yaml:"defaults"`
}

type marshaledAsset struct {
	ID    string               `yaml:"id"`
	Attrs map[string]yaml.Node `yaml:"attrs"`
}

type marshaledFixture struct {
	Types  []marshaledType  `yaml:"types"`
	Assets []marshaledAsset `yaml:"assets"`
}

type marshaledRelation struct {
	Ref    string   `yaml:"ref"`
	Refs   []string `yaml:"refs"`
	Values []string `yaml:"values"`
}

// LoadFixtureFile reads a YAML fixture file into a new Service. See
// LoadFixture for the format.
func LoadFixtureFile(file string) (*Service, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", file, err)
	}
	defer f.Close()

	svc, err := LoadFixture(f)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", file, err)
	}
	return svc, nil
}

// LoadFixture reads a YAML fixture into a new Service. A fixture has a list of
// types and a list of assets:
//
//	types:
//	  - name: Story
//	    defaults: [Name, Scope]
//	    attributes:
//	      - {name: Name, type: Text, required: true}
//	      - {name: Scope, type: Relation, related: Scope}
//	      - {name: Owners, type: Relation, related: Member, multi: true}
//	    operations:
//	      - {name: Inactivate, set: {AssetState: "128"}}
//	      - {name: Delete, delete: true}
//	assets:
//	  - id: Story:1001
//	    attrs:
//	      Name: Fix the thing
//	      Estimate: 3
//	      Scope: {ref: "Scope:0"}
//	      Owners: {refs: ["Member:20"]}
//	      Tags: {values: [a, b]}
//
// Plain scalar attribute values become text values.
func LoadFixture(r io.Reader) (*Service, error) {
	var mf marshaledFixture

	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&mf); err != nil && err != io.EOF {
		return nil, err
	}

	svc := New()

	for i, mt := range mf.Types {
		if mt.Name == "" {
			return nil, fmt.Errorf("types[%d]: name not set", i)
		}

		at := schema.AssetType{
			Name:       mt.Name,
			Attributes: make(map[string]schema.Attribute, len(mt.Attributes)),
			Defaults:   mt.Defaults,
		}
		for j, ma := range mt.Attributes {
			if ma.Name == "" {
				return nil, fmt.Errorf("types[%d]: attributes[%d]: name not set", i, j)
			}
			attrType := schema.AttributeType(ma.Type)
			if attrType == "" {
				attrType = schema.Text
			}
			at.Attributes[ma.Name] = schema.Attribute{
				Name:         ma.Name,
				Type:         attrType,
				RelatedType:  ma.Related,
				IsMultiValue: ma.Multi,
				IsReadOnly:   ma.ReadOnly,
				IsRequired:   ma.Required,
			}
		}
		for _, mo := range mt.Operations {
			at.Operations = append(at.Operations, mo.Name)
			svc.DefineOperation(mt.Name, mo.Name, fixtureOperation(mo))
		}

		svc.DefineType(at)
	}

	for i, ma := range mf.Assets {
		oid, err := vone.ParseOid(ma.ID)
		if err != nil {
			return nil, fmt.Errorf("assets[%d]: id: %w", i, err)
		}

		attrs := make(map[string]vone.Value, len(ma.Attrs))
		for name, node := range ma.Attrs {
			node := node
			v, err := fixtureValue(&node)
			if err != nil {
				return nil, fmt.Errorf("assets[%d]: %s: %w", i, name, err)
			}
			attrs[name] = v
		}
		svc.Put(oid, attrs)
	}

	return svc, nil
}

func fixtureOperation(mo marshaledOperation) OperationFunc {
	return func(attrs map[string]vone.Value) (bool, error) {
		if mo.Delete {
			return true, nil
		}
		for k, v := range mo.Set {
			attrs[k] = vone.Text(v)
		}
		return false, nil
	}
}

func fixtureValue(node *yaml.Node) (vone.Value, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return vone.Null(), nil
		}
		return vone.Text(node.Value), nil
	case yaml.SequenceNode:
		var texts []string
		if err := node.Decode(&texts); err != nil {
			return vone.Null(), err
		}
		return vone.Texts(texts...), nil
	case yaml.MappingNode:
		var mr marshaledRelation
		if err := node.Decode(&mr); err != nil {
			return vone.Null(), err
		}
		switch {
		case mr.Ref != "":
			oid, err := vone.ParseOid(mr.Ref)
			if err != nil {
				return vone.Null(), err
			}
			return vone.Ref(oid), nil
		case mr.Refs != nil:
			oids := make([]vone.Oid, 0, len(mr.Refs))
			for _, s := range mr.Refs {
				oid, err := vone.ParseOid(s)
				if err != nil {
					return vone.Null(), err
				}
				oids = append(oids, oid)
			}
			return vone.Refs(oids...), nil
		case mr.Values != nil:
			return vone.Texts(mr.Values...), nil
		default:
			return vone.Null(), nil
		}
	default:
		return vone.Null(), fmt.Errorf("unsupported value")
	}
}
