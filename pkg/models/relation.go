package models

import (
	"fmt"
	"strings"
)

// RelationSeparator separates the parts of a relation identifier.
const RelationSeparator = "::"

// Relation identifies a table or view as database::schema::table. It selects
// both the connection pool (by Database) and the column set (by Schema and
// Table).
type Relation struct {
	Database string `json:"database"`
	Schema   string `json:"schema"`
	Table    string `json:"table"`
}

// ParseRelation parses "<database>::<schema>::<table>". All three parts are
// required and must be non-empty.
func ParseRelation(s string) (Relation, error) {
	parts := strings.Split(s, RelationSeparator)
	if len(parts) != 3 {
		return Relation{}, fmt.Errorf("relation %q: expected <database>::<schema>::<table>", s)
	}
	for i, p := range parts {
		if strings.TrimSpace(p) == "" {
			return Relation{}, fmt.Errorf("relation %q: part %d is empty", s, i+1)
		}
	}
	return Relation{Database: parts[0], Schema: parts[1], Table: parts[2]}, nil
}

// ParseRelations parses every identifier in ids, failing on the first
// malformed one.
func ParseRelations(ids []string) ([]Relation, error) {
	out := make([]Relation, 0, len(ids))
	for _, id := range ids {
		rel, err := ParseRelation(id)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, nil
}

// String returns the relation in its identifier form.
func (r Relation) String() string {
	return r.Database + RelationSeparator + r.Schema + RelationSeparator + r.Table
}

// QualifiedName returns schema.table.
func (r Relation) QualifiedName() string {
	return r.Schema + "." + r.Table
}
