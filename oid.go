package vone

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/dekarrin/rezi/v2"
)

// Oid identifies a single asset on the server by its type name and numeric ID.
// Its textual form, "Type:ID", is what the server calls an idref.
//
// The zero value is not a valid identity.
type Oid struct {
	Type string
	ID   int
}

// NewOid returns the Oid of the asset with the given type and ID.
func NewOid(typeName string, id int) Oid {
	return Oid{Type: typeName, ID: id}
}

// ParseOid parses an idref of the form "Type:ID" into an Oid. The server
// sometimes includes the moment the asset was last changed as a third
// component ("Type:ID:Moment"); it is accepted and discarded.
func ParseOid(s string) (Oid, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Oid{}, NewError(fmt.Sprintf("not an idref: %q", s), ErrBadArgument)
	}
	if parts[0] == "" {
		return Oid{}, NewError(fmt.Sprintf("idref has empty type: %q", s), ErrBadArgument)
	}

	id, err := strconv.Atoi(parts[1])
	if err != nil {
		return Oid{}, NewError(fmt.Sprintf("idref has non-numeric ID: %q", s), ErrBadArgument)
	}

	if len(parts) == 3 {
		if _, err := strconv.Atoi(parts[2]); err != nil {
			return Oid{}, NewError(fmt.Sprintf("idref has non-numeric moment: %q", s), ErrBadArgument)
		}
	}

	return Oid{Type: parts[0], ID: id}, nil
}

// MustParseOid is ParseOid but panics on error.
func MustParseOid(s string) Oid {
	oid, err := ParseOid(s)
	if err != nil {
		panic(err.Error())
	}
	return oid
}

// IsZero returns whether oid is the zero value.
func (oid Oid) IsZero() bool {
	return oid.Type == "" && oid.ID == 0
}

// String returns the idref of oid.
func (oid Oid) String() string {
	if oid.IsZero() {
		return "NULL"
	}
	return oid.Type + ":" + strconv.Itoa(oid.ID)
}

// Less returns whether oid sorts before other. Oids order by type name first
// and then by ID.
func (oid Oid) Less(other Oid) bool {
	if oid.Type != other.Type {
		return oid.Type < other.Type
	}
	return oid.ID < other.ID
}

func (oid Oid) MarshalBinary() ([]byte, error) {
	var enc []byte

	enc = append(enc, rezi.MustEnc(oid.Type)...)
	enc = append(enc, rezi.MustEnc(oid.ID)...)

	return enc, nil
}

func (oid *Oid) UnmarshalBinary(data []byte) error {
	rr, err := rezi.NewReader(bytes.NewBuffer(data), nil)
	if err != nil {
		return err
	}

	var decoded Oid

	err = rr.Dec(&decoded.Type)
	if err != nil {
		return rezi.Wrapf(0, "type: %s", err)
	}

	err = rr.Dec(&decoded.ID)
	if err != nil {
		return rezi.Wrapf(0, "id: %s", err)
	}

	*oid = decoded
	return nil
}
