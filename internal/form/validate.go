package form

import (
	"fmt"
	"net/mail"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/sahilm/fuzzy"

	"github.com/xkilldash9x/formpilot/api/schemas"
)

const minPhoneDigits = 7

// ValidateFormData checks caller data against the fields of a scraped form
// without touching a browser. Unknown keys do not make the data invalid;
// they are reported with spelling suggestions.
func ValidateFormData(fields []schemas.FormField, data map[string]string) schemas.ValidationReport {
	rep := schemas.ValidationReport{
		MissingFields: []string{},
		Errors:        []schemas.ValidationIssue{},
		UnknownFields: []string{},
		Matched:       make(map[string]string),
	}

	matched := make(map[int]Match)
	for _, m := range MatchFieldValues(fields, data) {
		matched[m.Index] = m
	}

	for i, f := range fields {
		ident := firstNonEmpty(f.Identifier, f.Name, f.ID, f.Label)
		m, ok := matched[i]
		if !ok || strings.TrimSpace(m.Value) == "" {
			if f.Required {
				rep.MissingFields = append(rep.MissingFields, ident)
			}
			if !ok {
				continue
			}
		}
		rep.Matched[m.Key] = ident
		if m.Value == "" {
			continue
		}
		for _, problem := range checkValue(f, m.Value) {
			rep.Errors = append(rep.Errors, schemas.ValidationIssue{Field: ident, Problem: problem})
		}
	}

	var known []string
	for _, f := range fields {
		for _, k := range fieldKeys(f) {
			if !slices.Contains(known, k) {
				known = append(known, k)
			}
		}
	}
	for key := range data {
		if _, ok := rep.Matched[key]; ok {
			continue
		}
		rep.UnknownFields = append(rep.UnknownFields, key)
		if s := suggest(key, known); s != "" {
			if rep.Suggestions == nil {
				rep.Suggestions = make(map[string][]string)
			}
			rep.Suggestions[key] = []string{s}
		}
	}
	sort.Strings(rep.UnknownFields)

	// The score is over the caller's keys, not the form's fields: supplying a
	// subset of optional fields is not penalized.
	if len(data) > 0 {
		rep.MatchScore = float64(len(rep.Matched)) * 100 / float64(len(data))
	}
	rep.Valid = len(rep.MissingFields) == 0 && len(rep.Errors) == 0
	return rep
}

// checkValue applies the type, length, pattern and option constraints of a
// field to a non-empty value.
func checkValue(f schemas.FormField, value string) []string {
	var problems []string
	switch strings.ToLower(f.Type) {
	case "email":
		if !validEmail(value) {
			problems = append(problems, "invalid email format")
		}
	case "url":
		if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") && !strings.HasPrefix(value, "www.") {
			problems = append(problems, "invalid URL format")
		}
	case "tel":
		if n := countDigits(value); n < minPhoneDigits {
			problems = append(problems, fmt.Sprintf("phone number has %d digits, expected at least %d", n, minPhoneDigits))
		}
	case "number", "range":
		if _, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err != nil {
			problems = append(problems, "not a number")
		}
	}

	if f.MaxLength > 0 && utf8.RuneCountInString(value) > f.MaxLength {
		problems = append(problems, fmt.Sprintf("value too long (max %d characters)", f.MaxLength))
	}
	if f.Pattern != "" {
		// HTML patterns must match the whole value; unparsable ones are
		// ignored as browsers do.
		if re, err := regexp.Compile("^(?:" + f.Pattern + ")$"); err == nil && !re.MatchString(value) {
			problems = append(problems, "value does not match the required pattern")
		}
	}
	if (f.Kind == schemas.FieldSelect || f.Kind == schemas.FieldRadio) && len(f.Options) > 0 && !slices.Contains(f.Options, value) {
		problems = append(problems, fmt.Sprintf("%q is not one of the available options", value))
	}
	return problems
}

func validEmail(v string) bool {
	at := strings.LastIndex(v, "@")
	if at <= 0 || !strings.Contains(v[at+1:], ".") {
		return false
	}
	_, err := mail.ParseAddress(v)
	return err == nil
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

// suggest finds the known field name a mistyped key most likely meant:
// the shortest name sharing a substring, then the closest name within a
// third of its length in edits, then the best subsequence match.
func suggest(key string, known []string) string {
	if key == "" || len(known) == 0 {
		return ""
	}
	lk := strings.ToLower(key)

	var best string
	for _, c := range known {
		lc := strings.ToLower(c)
		if strings.Contains(lc, lk) || strings.Contains(lk, lc) {
			if best == "" || len(c) < len(best) {
				best = c
			}
		}
	}
	if best != "" {
		return best
	}

	bestDist := -1
	for _, c := range known {
		if utf8.RuneCountInString(c) <= 2 {
			continue
		}
		d := levenshtein.ComputeDistance(lk, strings.ToLower(c))
		limit := max(utf8.RuneCountInString(key), utf8.RuneCountInString(c)) / 3
		if d <= limit && (bestDist < 0 || d < bestDist) {
			best, bestDist = c, d
		}
	}
	if best != "" {
		return best
	}

	if utf8.RuneCountInString(key) < 3 {
		return ""
	}
	if matches := fuzzy.Find(lk, lowerAll(known)); len(matches) > 0 {
		return known[matches[0].Index]
	}
	return ""
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
