package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/xkilldash9x/formpilot/api/schemas"
)

// Extract applies rules to an HTML snapshot. Rules run in declaration order
// and the first rule that matches an element owns its field; later rules for
// the same field are fallbacks. Defaults apply only to fields no rule
// matched, and never satisfy a required rule.
func Extract(html string, rules []schemas.ExtractionRule) (schemas.ExtractedData, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, schemas.WrapFailure(schemas.KindInternal, err, "failed to parse page HTML")
	}

	type fieldResult struct {
		values   []string
		matched  bool
		multiple bool
		def      *string
		required []string
	}
	order := make([]string, 0, len(rules))
	fields := make(map[string]*fieldResult, len(rules))

	for i, rule := range rules {
		if rule.Field == "" || rule.Selector == "" {
			return nil, schemas.NewFailure(schemas.KindInternal, "rule %d needs both a field and a selector", i)
		}
		f, ok := fields[rule.Field]
		if !ok {
			f = &fieldResult{multiple: rule.Multiple}
			fields[rule.Field] = f
			order = append(order, rule.Field)
		}
		if rule.Required {
			f.required = append(f.required, rule.Selector)
		}
		if f.def == nil && rule.Default != "" {
			def := rule.Default
			f.def = &def
		}
		if f.matched {
			continue
		}

		values := applyRule(doc.Selection, rule)
		if len(values) == 0 {
			continue
		}
		f.values = values
		f.matched = true
		f.multiple = rule.Multiple
	}

	var missing []string
	data := make(schemas.ExtractedData, 0, len(order))
	for _, name := range order {
		f := fields[name]
		if !f.matched && len(f.required) > 0 {
			missing = append(missing, fmt.Sprintf("%s (%s)", name, strings.Join(f.required, ", ")))
			continue
		}
		values := f.values
		if !f.matched && f.def != nil {
			values = []string{*f.def}
		}
		if values == nil && f.multiple {
			values = []string{}
		}
		data = append(data, schemas.ExtractedField{Name: name, Values: values, Multiple: f.multiple})
	}

	if len(missing) > 0 {
		return nil, schemas.NewFailure(schemas.KindExtractionMismatch,
			"required field(s) matched no element: %s", strings.Join(missing, "; "))
	}
	return data, nil
}

// applyRule returns the values one rule produces, or nil when it matched
// nothing usable.
func applyRule(root *goquery.Selection, rule schemas.ExtractionRule) []string {
	sel := root.Find(rule.Selector)
	if sel.Length() == 0 {
		return nil
	}

	var values []string
	sel.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		v, ok := ruleValue(s, rule)
		if ok {
			values = append(values, v)
		}
		return rule.Multiple || !ok
	})
	return values
}

func ruleValue(s *goquery.Selection, rule schemas.ExtractionRule) (string, bool) {
	switch {
	case rule.Attribute != "":
		v, ok := s.Attr(rule.Attribute)
		return strings.TrimSpace(v), ok
	case rule.InnerHTML:
		v, err := s.Html()
		if err != nil {
			return "", false
		}
		return strings.TrimSpace(v), true
	default:
		return normalizeSpace(s.Text()), true
	}
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
