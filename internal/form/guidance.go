package form

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/formpilot/api/schemas"
)

// Guidance describes the content a field expects. The field's input type
// decides first; its name and label refine free-text fields.
func Guidance(f schemas.FormField) schemas.FieldGuidance {
	g := schemas.FieldGuidance{
		Field:         firstNonEmpty(f.Identifier, f.Name, f.ID, f.Label, f.Selector),
		ContentType:   "text",
		Examples:      []string{},
		Constraints:   []string{},
		BestPractices: []string{},
	}
	typ := strings.ToLower(f.Type)
	hint := strings.ToLower(f.Name + " " + f.ID + " " + f.Label)

	switch {
	case typ == "email" || strings.Contains(hint, "email"):
		g.ContentType = "email"
		g.Examples = []string{"john.doe@example.com"}
		g.Constraints = append(g.Constraints, "must be a valid email address")
		g.BestPractices = append(g.BestPractices, "use an address the recipient can reply to")
	case typ == "tel" || strings.Contains(hint, "phone"):
		g.ContentType = "phone"
		g.Examples = []string{"(555) 123-4567", "+1-555-123-4567"}
		g.Constraints = append(g.Constraints, fmt.Sprintf("at least %d digits including the area code", minPhoneDigits))
		g.BestPractices = append(g.BestPractices, "use one format consistently")
	case typ == "url":
		g.ContentType = "url"
		g.Examples = []string{"https://example.com"}
		g.Constraints = append(g.Constraints, "must start with http://, https:// or www.")
	case typ == "number" || typ == "range":
		g.ContentType = "number"
		g.Constraints = append(g.Constraints, "must be numeric")
	case f.Kind == schemas.FieldSelect || f.Kind == schemas.FieldRadio:
		g.ContentType = "selection"
		g.Examples = append(g.Examples, f.Options...)
		g.Constraints = append(g.Constraints, "must be one of the available options")
		g.BestPractices = append(g.BestPractices, "pass the option text or value exactly")
	case f.Kind == schemas.FieldCheckbox:
		g.ContentType = "boolean"
		g.Examples = []string{"true", "false"}
	case f.Tag == "textarea" && containsAny(hint, []string{"cover", "letter", "motivation", "why"}):
		g.ContentType = "cover_letter"
		g.Examples = []string{"Dear Hiring Manager, I am excited to apply..."}
		g.BestPractices = append(g.BestPractices, "tailor the text to the role", "lead with relevant experience")
	case containsAny(hint, []string{"experience", "years"}):
		g.ContentType = "experience_years"
		g.Examples = []string{"3-5 years", "5+ years", "Entry level"}
		g.BestPractices = append(g.BestPractices, "match the experience stated elsewhere in the application")
	case containsAny(hint, []string{"salary", "compensation"}):
		g.ContentType = "salary"
		g.Examples = []string{"$80,000", "$70,000 - $90,000", "Negotiable"}
		g.BestPractices = append(g.BestPractices, "account for location and seniority")
	case f.Tag == "textarea":
		g.ContentType = "long_text"
	}

	if f.Required {
		g.Constraints = append(g.Constraints, "required")
	}
	if f.MaxLength > 0 {
		g.Constraints = append(g.Constraints, fmt.Sprintf("at most %d characters", f.MaxLength))
	}
	if f.Pattern != "" {
		g.Constraints = append(g.Constraints, fmt.Sprintf("must match the pattern %s", f.Pattern))
	}
	return g
}
