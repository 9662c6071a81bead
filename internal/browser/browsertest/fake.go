// Package browsertest provides an in-memory browser for exercising the
// session manager, the extraction pipeline and the submission state machine
// without Chrome. A Site holds documents shared by every page a FakeLauncher
// creates, so scripted faults survive session replacement.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/xkilldash9x/formpilot/api/schemas"
)

// ErrCrashed is returned by every operation on a page whose browser died.
var ErrCrashed = errors.New("fake browser crashed")

// Option is one entry of a select control.
type Option struct {
	Value string
	Text  string
}

// Field is the template of a form control on a Document.
type Field struct {
	Kind    schemas.FieldKind
	Value   string
	Checked bool
	Options []Option
	// Group links radio options; clicking one unchecks the others.
	Group string

	// FillFaults corrupts this many writes to the field.
	FillFaults int
	// Resets lists selectors restored to their initial value when this field
	// is written, ResetFaults times.
	Resets      []string
	ResetFaults int
}

// Document is a page served at one URL.
type Document struct {
	Status int
	HTML   string
	// Versions are served on successive visits instead of HTML. The last
	// one repeats.
	Versions []string
	Fields   map[string]*Field

	// Submission wiring. SubmitButton is the selector whose click submits.
	SubmitButton string
	EnterSubmits bool
	JSSubmit     bool
	// SubmitTo is the URL loaded after a submission. When empty the
	// document's HTML is replaced by AfterSubmitHTML, if set.
	SubmitTo        string
	AfterSubmitHTML string
}

// Site is the shared web the fake pages browse.
type Site struct {
	mu     sync.Mutex
	docs   map[string]*Document
	visits map[string]int

	// NavigateErrors are returned by successive navigations (nil entries
	// succeed). Once drained every navigation succeeds.
	NavigateErrors []error
	// NavigateDelay is applied to every navigation.
	NavigateDelay time.Duration
	// CrashOnSubmit crashes the browser right after this many submissions.
	CrashOnSubmit int

	navigations int
	submissions []map[string]string
}

// NewSite creates an empty site.
func NewSite() *Site {
	return &Site{docs: make(map[string]*Document), visits: make(map[string]int)}
}

// Add serves doc at url.
func (s *Site) Add(url string, doc *Document) *Site {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.Status == 0 {
		doc.Status = 200
	}
	s.docs[url] = doc
	return s
}

// Navigations returns how many navigations were attempted.
func (s *Site) Navigations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.navigations
}

// Visits returns how many times url was loaded successfully.
func (s *Site) Visits(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visits[url]
}

// Submissions returns the field values captured at each submission.
func (s *Site) Submissions() []map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]string, len(s.submissions))
	copy(out, s.submissions)
	return out
}

type fieldState struct {
	tmpl    *Field
	value   string
	checked bool
}

// FakePage implements schemas.Page over a Site.
type FakePage struct {
	site *Site
	id   int

	mu      sync.Mutex
	url     string
	doc     *Document
	html    string
	fields  map[string]*fieldState
	closed  bool
	crashed bool
	pings   int

	// PingErr, when set, fails every health probe.
	PingErr error
}

var _ schemas.Page = (*FakePage)(nil)

// NewFakePage creates a page browsing site.
func NewFakePage(site *Site) *FakePage {
	return &FakePage{site: site}
}

// ID is the launch ordinal of the page.
func (p *FakePage) ID() int { return p.id }

// Closed reports whether Close was called.
func (p *FakePage) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Pings returns how many health probes reached the page.
func (p *FakePage) Pings() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pings
}

func (p *FakePage) aliveLocked() error {
	if p.crashed {
		return schemas.WrapFailure(schemas.KindSessionLost, ErrCrashed, "browser tab is gone")
	}
	if p.closed {
		return schemas.NewFailure(schemas.KindSessionLost, "page is closed")
	}
	return nil
}

func (p *FakePage) Navigate(ctx context.Context, url string) (int, error) {
	s := p.site
	s.mu.Lock()
	s.navigations++
	var injected error
	if len(s.NavigateErrors) > 0 {
		injected = s.NavigateErrors[0]
		s.NavigateErrors = s.NavigateErrors[1:]
	}
	delay := s.NavigateDelay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if injected != nil {
		return 0, injected
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.aliveLocked(); err != nil {
		return 0, err
	}
	return p.loadLocked(url), nil
}

// loadLocked makes url the current document and returns its status.
func (p *FakePage) loadLocked(url string) int {
	s := p.site
	s.mu.Lock()
	doc, ok := s.docs[url]
	visit := s.visits[url]
	if ok {
		s.visits[url]++
	}
	s.mu.Unlock()

	p.url = url
	if !ok {
		p.doc = &Document{Status: 404, HTML: "<html><head><title>Not Found</title></head><body><h1>404 Not Found</h1></body></html>"}
		p.html = p.doc.HTML
		p.fields = nil
		return 404
	}

	p.doc = doc
	p.html = doc.HTML
	if n := len(doc.Versions); n > 0 {
		if visit >= n {
			visit = n - 1
		}
		p.html = doc.Versions[visit]
	}
	p.fields = make(map[string]*fieldState, len(doc.Fields))
	for sel, f := range doc.Fields {
		p.fields[sel] = &fieldState{tmpl: f, value: f.Value, checked: f.Checked}
	}
	return doc.Status
}

func (p *FakePage) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.aliveLocked(); err != nil {
		return "", err
	}
	return p.url, nil
}

func (p *FakePage) HTML(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.aliveLocked(); err != nil {
		return "", err
	}
	return p.html, nil
}

func (p *FakePage) Exists(ctx context.Context, selector string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.aliveLocked(); err != nil {
		return false, err
	}
	if _, ok := p.fields[selector]; ok {
		return true, nil
	}
	return p.queryLocked(selector) > 0, nil
}

func (p *FakePage) queryLocked(selector string) int {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.html))
	if err != nil {
		return 0
	}
	return doc.Find(selector).Length()
}

func (p *FakePage) WaitNetworkIdle(ctx context.Context, quiet time.Duration) error {
	p.mu.Lock()
	err := p.aliveLocked()
	p.mu.Unlock()
	return err
}

func (p *FakePage) fieldLocked(selector string) (*fieldState, error) {
	if err := p.aliveLocked(); err != nil {
		return nil, err
	}
	f, ok := p.fields[selector]
	if !ok {
		return nil, fmt.Errorf("element %q not found", selector)
	}
	return f, nil
}

// writeLocked applies a value honoring the template's faults. Fault counters
// live on the template so they span pages.
func (p *FakePage) writeLocked(f *fieldState, apply func()) {
	p.site.mu.Lock()
	corrupt := f.tmpl.FillFaults > 0
	if corrupt {
		f.tmpl.FillFaults--
	}
	reset := f.tmpl.ResetFaults > 0 && len(f.tmpl.Resets) > 0
	if reset {
		f.tmpl.ResetFaults--
	}
	p.site.mu.Unlock()

	apply()
	if corrupt {
		f.value += "~"
		f.checked = !f.checked
	}
	if reset {
		for _, sel := range f.tmpl.Resets {
			if other, ok := p.fields[sel]; ok {
				other.value = other.tmpl.Value
				other.checked = other.tmpl.Checked
			}
		}
	}
}

func (p *FakePage) Fill(ctx context.Context, selector, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.fieldLocked(selector)
	if err != nil {
		return err
	}
	p.writeLocked(f, func() { f.value = value })
	return nil
}

func (p *FakePage) Value(ctx context.Context, selector string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.fieldLocked(selector)
	if err != nil {
		return "", err
	}
	return f.value, nil
}

func (p *FakePage) SetChecked(ctx context.Context, selector string, checked bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.fieldLocked(selector)
	if err != nil {
		return err
	}
	p.writeLocked(f, func() { f.checked = checked })
	return nil
}

func (p *FakePage) Checked(ctx context.Context, selector string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.fieldLocked(selector)
	if err != nil {
		return false, err
	}
	return f.checked, nil
}

func (p *FakePage) Select(ctx context.Context, selector, option string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.fieldLocked(selector)
	if err != nil {
		return err
	}
	for _, byText := range []bool{false, true} {
		for _, o := range f.tmpl.Options {
			if (!byText && o.Value == option) || (byText && o.Text == option) {
				value := o.Value
				p.writeLocked(f, func() { f.value = value })
				return nil
			}
		}
	}
	return fmt.Errorf("select %q has no option %q", selector, option)
}

func (p *FakePage) Click(ctx context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.aliveLocked(); err != nil {
		return err
	}
	if p.doc != nil && p.doc.SubmitButton != "" && selector == p.doc.SubmitButton {
		p.submitLocked()
		return nil
	}
	if f, ok := p.fields[selector]; ok {
		p.writeLocked(f, func() {
			if f.tmpl.Kind == schemas.FieldRadio {
				for _, other := range p.fields {
					if other.tmpl.Group != "" && other.tmpl.Group == f.tmpl.Group {
						other.checked = false
					}
				}
				f.checked = true
				return
			}
			f.checked = !f.checked
		})
		return nil
	}
	if p.queryLocked(selector) == 0 {
		return fmt.Errorf("element %q not found", selector)
	}
	return nil
}

func (p *FakePage) PressEnter(ctx context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.fieldLocked(selector); err != nil {
		return err
	}
	if p.doc.EnterSubmits {
		p.submitLocked()
	}
	return nil
}

func (p *FakePage) SubmitForm(ctx context.Context, selector string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.aliveLocked(); err != nil {
		return false, err
	}
	if p.doc == nil || !p.doc.JSSubmit {
		return false, nil
	}
	p.submitLocked()
	return true, nil
}

func (p *FakePage) submitLocked() {
	values := make(map[string]string, len(p.fields))
	for sel, f := range p.fields {
		if f.tmpl.Kind == schemas.FieldCheckbox || f.tmpl.Kind == schemas.FieldRadio {
			values[sel] = fmt.Sprint(f.checked)
			continue
		}
		values[sel] = f.value
	}
	doc := p.doc

	s := p.site
	s.mu.Lock()
	s.submissions = append(s.submissions, values)
	crash := s.CrashOnSubmit > 0
	if crash {
		s.CrashOnSubmit--
	}
	s.mu.Unlock()

	switch {
	case doc.SubmitTo != "":
		p.loadLocked(doc.SubmitTo)
	case doc.AfterSubmitHTML != "":
		p.html = doc.AfterSubmitHTML
		p.fields = nil
	}
	if crash {
		p.crashed = true
	}
}

func (p *FakePage) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pings++
	if p.PingErr != nil {
		return p.PingErr
	}
	return p.aliveLocked()
}

// Crash makes every later operation fail as if the browser died.
func (p *FakePage) Crash() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.crashed = true
}

func (p *FakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// FakeLauncher creates FakePages over a shared Site.
type FakeLauncher struct {
	Site *Site

	mu sync.Mutex
	// FailLaunches makes this many launches fail with LaunchErr.
	FailLaunches int
	LaunchErr    error
	LaunchDelay  time.Duration
	pages        []*FakePage
	profiles     []schemas.StealthProfile
}

var _ schemas.Launcher = (*FakeLauncher)(nil)

// NewFakeLauncher creates a launcher over site, or a fresh Site when nil.
func NewFakeLauncher(site *Site) *FakeLauncher {
	if site == nil {
		site = NewSite()
	}
	return &FakeLauncher{Site: site}
}

func (l *FakeLauncher) Launch(ctx context.Context, profile schemas.StealthProfile) (schemas.Page, error) {
	l.mu.Lock()
	delay, launchErr := l.LaunchDelay, l.LaunchErr
	fail := l.FailLaunches > 0
	if fail {
		l.FailLaunches--
	}
	l.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		if launchErr != nil {
			return nil, launchErr
		}
		return nil, errors.New("chrome failed to start: exec: not found")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	p := NewFakePage(l.Site)
	l.pages = append(l.pages, p)
	p.id = len(l.pages)
	l.profiles = append(l.profiles, profile)
	return p, nil
}

// Pages returns every page launched so far, in launch order.
func (l *FakeLauncher) Pages() []*FakePage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*FakePage(nil), l.pages...)
}

// Launches returns how many pages were launched successfully.
func (l *FakeLauncher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pages)
}

// Profiles returns the profile of each successful launch.
func (l *FakeLauncher) Profiles() []schemas.StealthProfile {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]schemas.StealthProfile(nil), l.profiles...)
}
