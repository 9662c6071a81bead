package form

import (
	"slices"
	"sort"
	"strings"

	"github.com/xkilldash9x/formpilot/api/schemas"
)

// Match pairs a form field with the caller value chosen for it.
type Match struct {
	// Index is the position of Field in the form.
	Index    int
	Field    schemas.FormField
	Key      string
	Value    string
	Strategy string
}

// conceptAliases groups names that mean the same thing on different forms.
var conceptAliases = map[string][]string{
	"email":      {"email", "e-mail", "mail", "email_address"},
	"name":       {"name", "full_name", "fullname", "username"},
	"first_name": {"first_name", "firstname", "fname"},
	"last_name":  {"last_name", "lastname", "lname"},
	"phone":      {"phone", "telephone", "mobile", "phone_number"},
	"message":    {"message", "comment", "comments", "description"},
	"subject":    {"subject", "title", "topic"},
}

type matchStrategy struct {
	name  string
	match func(f schemas.FormField, key string) bool
}

var matchStrategies = []matchStrategy{
	{"exact", func(f schemas.FormField, key string) bool {
		return slices.Contains(fieldKeys(f), key)
	}},
	{"case_insensitive", func(f schemas.FormField, key string) bool {
		for _, k := range fieldKeys(f) {
			if strings.EqualFold(k, key) {
				return true
			}
		}
		return false
	}},
	{"partial", func(f schemas.FormField, key string) bool {
		pk := strings.ToLower(key)
		if len(pk) < 3 {
			return false
		}
		for _, k := range append(fieldKeys(f), f.Placeholder) {
			fk := strings.ToLower(k)
			if len(fk) >= 3 && (strings.Contains(fk, pk) || strings.Contains(pk, fk)) {
				return true
			}
		}
		return false
	}},
	{"concept", func(f schemas.FormField, key string) bool {
		pk := strings.ToLower(key)
		for _, k := range fieldKeys(f) {
			fk := strings.ToLower(k)
			for _, aliases := range conceptAliases {
				if slices.Contains(aliases, fk) && slices.Contains(aliases, pk) {
					return true
				}
			}
		}
		return false
	}},
}

// MatchFieldValues assigns caller keys to form fields. Strategies run as
// whole passes from strictest to loosest, so an exact match is never stolen
// by a looser one. Each key and each field is used at most once. The result
// follows form order.
func MatchFieldValues(fields []schemas.FormField, data map[string]string) []Match {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	byField := make(map[int]Match, len(fields))
	used := make(map[string]bool, len(keys))
	for _, s := range matchStrategies {
		for i, f := range fields {
			if _, done := byField[i]; done {
				continue
			}
			for _, k := range keys {
				if used[k] || !s.match(f, k) {
					continue
				}
				byField[i] = Match{Index: i, Field: f, Key: k, Value: data[k], Strategy: s.name}
				used[k] = true
				break
			}
		}
	}

	out := make([]Match, 0, len(byField))
	for i := range fields {
		if m, ok := byField[i]; ok {
			out = append(out, m)
		}
	}
	return out
}

// BuildFieldValues turns caller data into the ordered field list of a
// SubmitTask. Keys that matched no field are returned separately.
func BuildFieldValues(fields []schemas.FormField, data map[string]string) ([]schemas.FieldValue, []string) {
	matches := MatchFieldValues(fields, data)
	used := make(map[string]bool, len(matches))
	values := make([]schemas.FieldValue, 0, len(matches))
	for _, m := range matches {
		used[m.Key] = true
		values = append(values, schemas.FieldValue{
			Name:     firstNonEmpty(m.Field.Identifier, m.Field.Name, m.Field.ID, m.Key),
			Selector: m.Field.Selector,
			Value:    m.Value,
			Kind:     m.Field.Kind,
		})
	}

	var unmatched []string
	for k := range data {
		if !used[k] {
			unmatched = append(unmatched, k)
		}
	}
	sort.Strings(unmatched)
	return values, unmatched
}

func fieldKeys(f schemas.FormField) []string {
	keys := make([]string, 0, 3)
	for _, k := range []string{f.ID, f.Name, f.Identifier} {
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
