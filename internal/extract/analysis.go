package extract

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
)

const maxTitleLength = 200

// AnalyzePage loads url and reports its title, access barriers, page type
// and a summary of every form on it.
func (p *Pipeline) AnalyzePage(ctx context.Context, page schemas.Page, url string) (*schemas.PageAnalysis, error) {
	status, err := p.Load(ctx, page, url, schemas.ReadinessPolicy{})
	if err != nil {
		return nil, err
	}
	html, err := page.HTML(ctx)
	if err != nil {
		return nil, pageError(ctx, err, "failed to read page HTML")
	}
	finalURL, err := page.URL(ctx)
	if err != nil {
		return nil, pageError(ctx, err, "failed to read page URL")
	}

	analysis, err := AnalyzeHTML(html, status)
	if err != nil {
		return nil, err
	}
	analysis.URL = url
	analysis.FinalURL = finalURL

	p.logger.Info("Page analyzed.",
		zap.String("url", url),
		zap.Int("forms", analysis.FormCount),
		zap.String("page_type", analysis.PageType),
		zap.Strings("barriers", analysis.Barriers),
	)
	return analysis, nil
}

// AnalyzeHTML is the snapshot half of AnalyzePage.
func AnalyzeHTML(html string, status int) (*schemas.PageAnalysis, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, schemas.WrapFailure(schemas.KindInternal, err, "failed to parse page HTML")
	}

	title := normalizeSpace(doc.Find("title").First().Text())
	if len(title) > maxTitleLength {
		title = title[:maxTitleLength]
	}

	forms := doc.Find("form")
	analysis := &schemas.PageAnalysis{
		Title:      title,
		StatusCode: status,
		Barriers:   DetectBarriers(html, status),
		FormCount:  forms.Length(),
		Forms:      make([]schemas.FormSummary, 0, forms.Length()),
	}
	analysis.Accessible = status < 400 && strings.TrimSpace(html) != ""
	analysis.PageType = ClassifyPage(html, analysis.FormCount)

	forms.Each(func(i int, form *goquery.Selection) {
		action, _ := form.Attr("action")
		method := strings.ToUpper(strings.TrimSpace(form.AttrOr("method", "")))
		if method == "" {
			method = "GET"
		}
		analysis.Forms = append(analysis.Forms, schemas.FormSummary{
			Index:              i,
			Selector:           formSelector(form),
			Action:             action,
			Method:             method,
			Inputs:             form.Find("input").Length(),
			Textareas:          form.Find("textarea").Length(),
			Selects:            form.Find("select").Length(),
			HasFileUpload:      form.Find(`input[type="file"]`).Length() > 0,
			HasRequiredFields:  form.Find("[required]").Length() > 0,
			HasValidationAttrs: form.Find("[pattern],[maxlength],[minlength]").Length() > 0,
		})
	})
	return analysis, nil
}

// DetectBarriers lists the obstacles a page puts in front of automation.
func DetectBarriers(html string, status int) []string {
	barriers := []string{}
	if strings.TrimSpace(html) == "" {
		return append(barriers, "no_content")
	}
	lower := strings.ToLower(html)

	if status >= 400 {
		barriers = append(barriers, fmt.Sprintf("http_error_%d", status))
	}
	if containsAny(lower, "captcha", "recaptcha", "hcaptcha") {
		barriers = append(barriers, "captcha_detected")
	}
	if strings.Contains(lower, "cloudflare") && strings.Contains(lower, "checking") {
		barriers = append(barriers, "cloudflare_challenge")
	}
	if containsAny(lower, "login", "signin") && strings.Contains(lower, "password") {
		barriers = append(barriers, "login_required")
	}
	if containsAny(lower, "access denied", "forbidden") {
		barriers = append(barriers, "access_denied")
	}
	return barriers
}

// SuccessProbability is a rough estimate of how likely automation is to
// get through a page with the given barriers.
func SuccessProbability(analysis *schemas.PageAnalysis) float64 {
	switch {
	case analysis == nil || !analysis.Accessible:
		return 0.2
	case len(analysis.Barriers) == 0:
		return 0.8
	default:
		return 0.4
	}
}

var pageTypes = []struct {
	keywords []string
	name     string
}{
	{[]string{"contact", "message", "inquiry", "reach out", "get in touch"}, "contact_form"},
	{[]string{"job", "career", "application", "apply", "position"}, "job_application"},
	{[]string{"register", "signup", "sign up", "create account"}, "registration"},
	{[]string{"login", "signin", "sign in", "log in"}, "login"},
	{[]string{"subscribe", "newsletter", "email list"}, "subscription"},
	{[]string{"feedback", "review", "comment", "survey"}, "feedback"},
}

// ClassifyPage guesses the purpose of a page from its content.
func ClassifyPage(html string, formCount int) string {
	if formCount == 0 {
		return "no_forms"
	}
	lower := strings.ToLower(html)
	for _, pt := range pageTypes {
		if containsAny(lower, pt.keywords...) {
			return pt.name
		}
	}
	return "general_form"
}

// ScrapeFormFields loads url and describes the fillable controls of the
// form at formIndex.
func (p *Pipeline) ScrapeFormFields(ctx context.Context, page schemas.Page, url string, formIndex int) (*schemas.FormFieldsReport, error) {
	if _, err := p.Load(ctx, page, url, schemas.ReadinessPolicy{Selector: "form"}); err != nil {
		return nil, err
	}
	html, err := page.HTML(ctx)
	if err != nil {
		return nil, pageError(ctx, err, "failed to read page HTML")
	}
	report, err := FormFields(html, formIndex)
	if err != nil {
		return nil, err
	}
	report.URL = url
	p.logger.Debug("Form fields scraped.", zap.String("url", url), zap.Int("fields", len(report.Fields)))
	return report, nil
}

var skippedInputTypes = map[string]bool{
	"hidden": true, "submit": true, "button": true, "image": true, "reset": true,
}

// FormFields describes the form at formIndex in an HTML snapshot. Radio
// buttons sharing a name are reported as one field whose options are their
// values.
func FormFields(html string, formIndex int) (*schemas.FormFieldsReport, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, schemas.WrapFailure(schemas.KindInternal, err, "failed to parse page HTML")
	}
	forms := doc.Find("form")
	if forms.Length() == 0 {
		return nil, schemas.NewFailure(schemas.KindExtractionMismatch, "no forms found on page")
	}
	if formIndex < 0 || formIndex >= forms.Length() {
		return nil, schemas.NewFailure(schemas.KindInternal,
			"form index %d not found, page has %d forms", formIndex, forms.Length())
	}

	form := forms.Eq(formIndex)
	scope := formSelector(form)
	report := &schemas.FormFieldsReport{FormIndex: formIndex, Selector: scope, Fields: []schemas.FormField{}}
	radios := make(map[string]int)

	form.Find("input, textarea, select").Each(func(_ int, el *goquery.Selection) {
		tag := goquery.NodeName(el)
		typ := strings.ToLower(strings.TrimSpace(el.AttrOr("type", "")))
		switch tag {
		case "textarea":
			typ = "textarea"
		case "select":
			typ = "select"
		default:
			if typ == "" {
				typ = "text"
			}
			if skippedInputTypes[typ] {
				return
			}
		}

		name := el.AttrOr("name", "")
		id := el.AttrOr("id", "")

		if typ == "radio" && name != "" {
			if idx, seen := radios[name]; seen {
				if v, ok := el.Attr("value"); ok {
					report.Fields[idx].Options = append(report.Fields[idx].Options, v)
				}
				return
			}
		}

		field := schemas.FormField{
			Tag:         tag,
			Type:        typ,
			Kind:        kindOf(typ),
			Name:        name,
			ID:          id,
			Placeholder: el.AttrOr("placeholder", ""),
			Required:    el.Is("[required]"),
			Pattern:     el.AttrOr("pattern", ""),
		}
		field.Identifier = firstNonEmpty(id, name, fmt.Sprintf("%s_%d", tag, len(report.Fields)))
		field.Selector = fieldSelector(scope, el, tag, typ, name, id)
		field.Label = findLabel(doc, el, name, id)
		if n, err := strconv.Atoi(el.AttrOr("maxlength", "")); err == nil && n > 0 {
			field.MaxLength = n
		}

		switch tag {
		case "textarea":
			field.Value = el.Text()
		case "select":
			el.Find("option").Each(func(_ int, opt *goquery.Selection) {
				field.Options = append(field.Options, opt.AttrOr("value", normalizeSpace(opt.Text())))
			})
			if sel := el.Find("option[selected]").First(); sel.Length() > 0 {
				field.Value = sel.AttrOr("value", normalizeSpace(sel.Text()))
			}
		default:
			field.Value = el.AttrOr("value", "")
		}

		if typ == "radio" && name != "" {
			field.Options = nil
			if v, ok := el.Attr("value"); ok {
				field.Options = []string{v}
			}
			field.Value = ""
			radios[name] = len(report.Fields)
		}
		report.Fields = append(report.Fields, field)
	})
	return report, nil
}

func kindOf(typ string) schemas.FieldKind {
	switch typ {
	case "checkbox":
		return schemas.FieldCheckbox
	case "radio":
		return schemas.FieldRadio
	case "select":
		return schemas.FieldSelect
	default:
		return schemas.FieldText
	}
}

// findLabel resolves a human label: label[for], a wrapping label,
// aria-label, placeholder, then the humanized name.
func findLabel(doc *goquery.Document, el *goquery.Selection, name, id string) string {
	if id != "" {
		if text := normalizeSpace(doc.Find(fmt.Sprintf("label[for=%q]", id)).First().Text()); text != "" {
			return text
		}
	}
	if wrap := el.Closest("label"); wrap.Length() > 0 {
		clone := wrap.Clone()
		clone.Find("input, textarea, select").Remove()
		if text := normalizeSpace(clone.Text()); text != "" {
			return text
		}
	}
	for _, attr := range []string{"aria-label", "placeholder"} {
		if v := strings.TrimSpace(el.AttrOr(attr, "")); v != "" {
			return v
		}
	}
	return HumanizeName(firstNonEmpty(name, id))
}

var camelBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)

// HumanizeName turns "first_name" or "firstName" into "First Name".
func HumanizeName(name string) string {
	if name == "" {
		return "Unnamed field"
	}
	s := strings.NewReplacer("_", " ", "-", " ", "[", " ", "]", " ").Replace(name)
	s = camelBoundary.ReplaceAllString(s, "$1 $2")
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(strings.ToLower(w))
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	if len(words) == 0 {
		return "Unnamed field"
	}
	return strings.Join(words, " ")
}

// formSelector builds a CSS selector that finds form in the live document.
func formSelector(form *goquery.Selection) string {
	if id := form.AttrOr("id", ""); id != "" {
		return idSelector("form", id)
	}
	if name := form.AttrOr("name", ""); name != "" {
		return fmt.Sprintf("form[name=%q]", name)
	}
	pos := form.PrevAllFiltered("form").Length() + 1
	return fmt.Sprintf("form:nth-of-type(%d)", pos)
}

func fieldSelector(scope string, el *goquery.Selection, tag, typ, name, id string) string {
	switch {
	case typ == "radio" && name != "":
		return fmt.Sprintf("%s input[type=\"radio\"][name=%q]", scope, name)
	case id != "":
		return idSelector(tag, id)
	case name != "":
		return fmt.Sprintf("%s %s[name=%q]", scope, tag, name)
	default:
		pos := el.PrevAllFiltered(tag).Length() + 1
		return fmt.Sprintf("%s %s:nth-of-type(%d)", scope, tag, pos)
	}
}

var cssIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

func idSelector(tag, id string) string {
	if cssIdent.MatchString(id) {
		return "#" + id
	}
	return fmt.Sprintf("%s[id=%q]", tag, id)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
