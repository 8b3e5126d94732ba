package surrealstore

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/surrealdb/docsync/pkg/store"
)

var plainIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ident renders a table, index or field name, escaping it when needed.
func ident(name string) string {
	if plainIdent.MatchString(name) {
		return name
	}
	return "`" + strings.ReplaceAll(name, "`", "\\`") + "`"
}

// fieldPath renders a dotted document path as an idiom.
func fieldPath(path string) (string, error) {
	segs, err := store.SplitPath(path)
	if err != nil {
		return "", err
	}
	for i, s := range segs {
		segs[i] = ident(s)
	}
	return strings.Join(segs, "."), nil
}

// Index definitions as reported by INFO FOR TABLE, e.g.
//
//	DEFINE INDEX nonUnique ON people FIELDS a, b UNIQUE COMMENT 'sparse'
var (
	indexFields  = regexp.MustCompile(`(?i)\b(?:FIELDS|COLUMNS)\s+(.+?)(?:\s+(?:UNIQUE|COMMENT|SEARCH|MTREE|HNSW|CONCURRENTLY)\b|;|$)`)
	indexUnique  = regexp.MustCompile(`(?i)\bUNIQUE\b`)
	indexComment = regexp.MustCompile(`(?i)\bCOMMENT\s+['"]([^'"]*)['"]`)
)

const sparseComment = "sparse"

func parseIndex(name, definition string) (store.Index, error) {
	m := indexFields.FindStringSubmatch(definition)
	if m == nil {
		return store.Index{}, fmt.Errorf("unrecognized index definition %q", definition)
	}
	idx := store.Index{Name: name}
	for _, f := range strings.Split(m[1], ",") {
		f = strings.TrimSpace(f)
		f = strings.ReplaceAll(f, "`", "")
		if f != "" {
			idx.Fields = append(idx.Fields, f)
		}
	}
	// only the clauses after the field list
	rest := definition[strings.Index(definition, m[1])+len(m[1]):]
	idx.Unique = indexUnique.MatchString(rest)
	if c := indexComment.FindStringSubmatch(definition); c != nil && c[1] == sparseComment {
		idx.Sparse = true
	}
	return idx, nil
}

func defineIndex(table string, idx store.Index) (string, error) {
	if len(idx.Fields) == 0 {
		return "", fmt.Errorf("index %s has no fields", idx.Name)
	}
	fields := make([]string, len(idx.Fields))
	for i, f := range idx.Fields {
		p, err := fieldPath(f)
		if err != nil {
			return "", err
		}
		fields[i] = p
	}
	var b strings.Builder
	fmt.Fprintf(&b, "DEFINE INDEX %s ON TABLE %s FIELDS %s", ident(idx.Name), ident(table), strings.Join(fields, ", "))
	if idx.Unique {
		b.WriteString(" UNIQUE")
	}
	if idx.Sparse {
		fmt.Fprintf(&b, " COMMENT '%s'", sparseComment)
	}
	b.WriteString(";")
	return b.String(), nil
}
