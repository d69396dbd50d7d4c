package inmem

import (
	"fmt"
	"strings"

	"github.com/dekarrin/vone"
)

// Term is a single equality test of a where expression.
type Term struct {
	Attr  string
	Value string
}

// ParseWhere parses a where expression of the form "A='x';B=\"y\"" into its
// terms. Values may be quoted with either single or double quotes; semicolons
// inside quotes do not end a term. An empty expression has no terms.
func ParseWhere(where string) ([]Term, error) {
	var terms []Term

	rest := strings.TrimSpace(where)
	for rest != "" {
		eq := strings.IndexByte(rest, '=')
		if eq < 1 {
			return nil, vone.NewError(fmt.Sprintf("malformed where term: %q", rest), vone.ErrBadArgument)
		}
		attr := strings.TrimSpace(rest[:eq])
		rest = strings.TrimSpace(rest[eq+1:])

		if rest == "" || (rest[0] != '\'' && rest[0] != '"') {
			return nil, vone.NewError(fmt.Sprintf("where value for %q is not quoted", attr), vone.ErrBadArgument)
		}
		quote := rest[0]
		end := strings.IndexByte(rest[1:], quote)
		if end < 0 {
			return nil, vone.NewError(fmt.Sprintf("where value for %q is not terminated", attr), vone.ErrBadArgument)
		}
		terms = append(terms, Term{Attr: attr, Value: rest[1 : end+1]})
		rest = strings.TrimSpace(rest[end+2:])

		if rest == "" {
			break
		}
		if rest[0] != ';' {
			return nil, vone.NewError(fmt.Sprintf("expected ';' between where terms, got %q", rest), vone.ErrBadArgument)
		}
		rest = strings.TrimSpace(rest[1:])
	}

	return terms, nil
}
