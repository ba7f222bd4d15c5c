package search

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// fieldType selects the operator set for a searchable field. Dispatch is an
// explicit map per type, not a reflective lookup.
type fieldType int

const (
	fieldText fieldType = iota
	fieldTextArray
	fieldJSONObject
)

// Searchable chunk fields.
var chunkFields = map[string]fieldType{
	"content":  fieldText,
	"summary":  fieldText,
	"keywords": fieldTextArray,
	"topics":   fieldTextArray,
}

// Searchable document fields.
var documentFields = map[string]fieldType{
	"title":               fieldText,
	"content":             fieldText,
	"synopsis":            fieldText,
	"capability_manifest": fieldJSONObject,
}

var operatorsByType = map[fieldType]map[string]bool{
	fieldText:       {"eq": true, "contains": true, "icontains": true},
	fieldTextArray:  {"contains": true, "has_key": true, "has_any": true},
	fieldJSONObject: {"contains": true, "has_key": true, "path_contains": true},
}

// predicate is one compiled WHERE condition. Placeholders are written as %d
// verbs and renumbered by the caller.
type predicate struct {
	sql  string
	args []any
}

// buildPredicate validates field/operator/value and compiles the condition.
// column is the qualified column expression the condition applies to.
func buildPredicate(fields map[string]fieldType, field, column, op string, value any) (*predicate, *Error) {
	ft, ok := fields[field]
	if !ok {
		return nil, invalidField(field)
	}
	if !operatorsByType[ft][op] {
		return nil, invalidOperator(op, field)
	}

	switch ft {
	case fieldText:
		s, ok := value.(string)
		if !ok {
			return nil, invalidValue(fmt.Sprintf("field %q requires a string value", field))
		}
		switch op {
		case "eq":
			return &predicate{sql: column + " = %d", args: []any{s}}, nil
		case "contains":
			return &predicate{sql: column + ` LIKE %d ESCAPE '\'`, args: []any{likePattern(s)}}, nil
		case "icontains":
			return &predicate{sql: column + ` ILIKE %d ESCAPE '\'`, args: []any{likePattern(s)}}, nil
		}

	case fieldTextArray:
		switch op {
		case "has_key":
			s, ok := value.(string)
			if !ok {
				return nil, invalidValue(fmt.Sprintf("has_key on %q requires a string value", field))
			}
			return &predicate{sql: "%d = ANY(" + column + ")", args: []any{s}}, nil
		case "contains", "has_any":
			items, err := stringList(value)
			if err != nil {
				return nil, invalidValue(fmt.Sprintf("%s on %q requires a list of strings", op, field))
			}
			operator := "@>"
			if op == "has_any" {
				operator = "&&"
			}
			return &predicate{sql: column + " " + operator + " %d", args: []any{pq.Array(items)}}, nil
		}

	case fieldJSONObject:
		switch op {
		case "contains":
			doc, err := json.Marshal(value)
			if err != nil {
				return nil, invalidValue(fmt.Sprintf("contains on %q requires a JSON value", field))
			}
			return &predicate{sql: column + " @> %d::jsonb", args: []any{string(doc)}}, nil
		case "has_key":
			s, ok := value.(string)
			if !ok {
				return nil, invalidValue(fmt.Sprintf("has_key on %q requires a string key", field))
			}
			// Function form of the jsonb ? operator; avoids placeholder
			// ambiguity in drivers that scan for question marks.
			return &predicate{sql: "jsonb_exists(" + column + ", %d)", args: []any{s}}, nil
		case "path_contains":
			path, needle, ok := pathValue(value)
			if !ok {
				return nil, invalidValue(fmt.Sprintf(`path_contains on %q requires {"path": "a.b", "value": "..."}`, field))
			}
			return &predicate{
				sql:  column + ` #>> string_to_array(%d, '.') ILIKE %d ESCAPE '\'`,
				args: []any{path, likePattern(needle)},
			}, nil
		}
	}
	return nil, invalidOperator(op, field)
}

// likePattern wraps a raw value in % wildcards, escaping any wildcards it
// already contains.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

func stringList(value any) ([]string, error) {
	switch v := value.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("non-string list item")
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("not a string list")
}

func pathValue(value any) (path, needle string, ok bool) {
	m, isMap := value.(map[string]any)
	if !isMap {
		return "", "", false
	}
	path, pathOK := m["path"].(string)
	needle, valueOK := m["value"].(string)
	if !pathOK || !valueOK || path == "" {
		return "", "", false
	}
	return path, needle, true
}
