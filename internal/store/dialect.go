package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// dialect isolates the SQL that differs between SQLite and Postgres. Queries
// are written with '?' placeholders and rebound for Postgres.
type dialect struct {
	name     string
	driver   string
	dataType string
	dataCol  string
	jsonArg  string
	path     func(path string) string
	number   func(path string) string
	patch    func(p Patch) (string, []any, error)
	rebind   func(query string) string
}

var sqliteDialect = dialect{
	name:     "sqlite",
	driver:   "sqlite",
	dataType: "TEXT",
	dataCol:  "data",
	jsonArg:  "json(?)",
	path: func(path string) string {
		return fmt.Sprintf("json_extract(data, '$.%s')", path)
	},
	number: func(path string) string {
		return fmt.Sprintf("json_extract(data, '$.%s')", path)
	},
	patch: func(p Patch) (string, []any, error) {
		keys, err := p.keys()
		if err != nil {
			return "", nil, err
		}
		var b strings.Builder
		b.WriteString("json_set(data")
		args := make([]any, 0, len(keys))
		for _, k := range keys {
			fmt.Fprintf(&b, ", '$.%s', json(?)", k)
			args = append(args, string(p[k]))
		}
		b.WriteString(")")
		return b.String(), args, nil
	},
	rebind: func(query string) string { return query },
}

var postgresDialect = dialect{
	name:     "postgres",
	driver:   "pgx",
	dataType: "JSONB",
	dataCol:  "data::text",
	jsonArg:  "?::jsonb",
	path: func(path string) string {
		return fmt.Sprintf("(data #>> '{%s}')", strings.ReplaceAll(path, ".", ","))
	},
	number: func(path string) string {
		return fmt.Sprintf("(data #>> '{%s}')::double precision", strings.ReplaceAll(path, ".", ","))
	},
	patch: func(p Patch) (string, []any, error) {
		if _, err := p.keys(); err != nil {
			return "", nil, err
		}
		raw, err := json.Marshal(p)
		if err != nil {
			return "", nil, fmt.Errorf("marshal patch: %w", err)
		}
		return "data || ?::jsonb", []any{string(raw)}, nil
	},
	rebind: func(query string) string {
		var b strings.Builder
		n := 0
		for _, r := range query {
			if r == '?' {
				n++
				b.WriteString("$" + strconv.Itoa(n))
				continue
			}
			b.WriteRune(r)
		}
		return b.String()
	},
}

func dialectFor(dsn string) dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return postgresDialect
	}
	return sqliteDialect
}

// truthy is a predicate matching documents whose boolean field is true.
func (d dialect) truthy(path string) string {
	if d.name == "postgres" {
		return fmt.Sprintf("COALESCE((data #>> '{%s}')::boolean, false)", strings.ReplaceAll(path, ".", ","))
	}
	return fmt.Sprintf("(COALESCE(json_extract(data, '$.%s'), 0) = 1)", path)
}

// in builds "<path> IN (?, ...)" for a set of string-like values.
func in[V ~string](d dialect, path string, values []V) cond {
	ph := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		ph[i] = "?"
		args[i] = string(v)
	}
	return cond{sql: d.path(path) + " IN (" + strings.Join(ph, ", ") + ")", args: args}
}

type cond struct {
	sql  string
	args []any
}

func where(conds []cond) (string, []any) {
	if len(conds) == 0 {
		return "", nil
	}
	parts := make([]string, len(conds))
	var args []any
	for i, c := range conds {
		parts[i] = c.sql
		args = append(args, c.args...)
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

// Patch is a set of top-level document fields to overwrite, keyed by their
// JSON name.
type Patch map[string]json.RawMessage

// PatchOf converts a struct with omitempty fields into a Patch of the fields
// that are set.
func PatchOf(v any) (Patch, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal patch: %w", err)
	}
	var p Patch
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("patch must be an object: %w", err)
	}
	return p, nil
}

// Set adds a field to the patch, including zero values that omitempty would drop.
func (p Patch) Set(key string, value any) Patch {
	raw, err := json.Marshal(value)
	if err != nil {
		raw = json.RawMessage("null")
	}
	p[key] = raw
	return p
}

func (p Patch) keys() ([]string, error) {
	if len(p) == 0 {
		return nil, fmt.Errorf("empty patch")
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		if !validKey(k) {
			return nil, fmt.Errorf("invalid patch key %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func validKey(k string) bool {
	if k == "" {
		return false
	}
	for _, r := range k {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}
