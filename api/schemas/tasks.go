package schemas

import (
	"time"

	json "github.com/json-iterator/go"
)

// -- Task Schemas --

// TaskType defines the kind of work a Task performs.
type TaskType string

const (
	TaskScrape  TaskType = "scrape"
	TaskSubmit  TaskType = "submit"
	TaskAnalyze TaskType = "analyze"
)

// ReadinessPolicy describes when a loaded page is considered ready. Every
// enabled condition races; the first one satisfied wins. A policy with no
// condition set is ready as soon as the document body exists.
type ReadinessPolicy struct {
	DelayMs     int64  `json:"delay_ms,omitempty"`
	Selector    string `json:"selector,omitempty"`
	NetworkIdle bool   `json:"network_idle,omitempty"`
	// TimeoutMs bounds the whole wait. Zero means the configured default.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
}

// Delay returns the fixed-delay condition as a duration.
func (r ReadinessPolicy) Delay() time.Duration { return time.Duration(r.DelayMs) * time.Millisecond }

// Timeout returns the wait bound, or def when unset.
func (r ReadinessPolicy) Timeout(def time.Duration) time.Duration {
	if r.TimeoutMs <= 0 {
		return def
	}
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// IsZero reports whether no readiness condition is configured.
func (r ReadinessPolicy) IsZero() bool {
	return r.DelayMs <= 0 && r.Selector == "" && !r.NetworkIdle
}

// ExtractionRule maps a CSS selector onto an output field.
type ExtractionRule struct {
	Field    string `json:"field"`
	Selector string `json:"selector"`
	// Attribute selects an attribute value instead of the element text.
	Attribute string `json:"attribute,omitempty"`
	InnerHTML bool   `json:"inner_html,omitempty"`
	Multiple  bool   `json:"multiple,omitempty"`
	Required  bool   `json:"required,omitempty"`
	Default   string `json:"default,omitempty"`
}

// ScrapeTask asks the pipeline to load URL and apply Rules in order.
type ScrapeTask struct {
	ID        string           `json:"id"`
	URL       string           `json:"url"`
	Readiness ReadinessPolicy  `json:"readiness"`
	Rules     []ExtractionRule `json:"rules"`
	Profile   *StealthProfile  `json:"profile,omitempty"`
}

// FieldKind selects how a form control is written and read back.
type FieldKind string

const (
	FieldText     FieldKind = "text"
	FieldCheckbox FieldKind = "checkbox"
	FieldRadio    FieldKind = "radio"
	FieldSelect   FieldKind = "select"
)

// FieldValue is one ordered entry of a SubmitTask.
type FieldValue struct {
	// Name is a caller-facing label used in logs and reports.
	Name     string    `json:"name"`
	Selector string    `json:"selector"`
	Value    string    `json:"value"`
	Kind     FieldKind `json:"kind,omitempty"`
}

// Label returns the name used to identify the field in reports.
func (f FieldValue) Label() string {
	if f.Name != "" {
		return f.Name
	}
	return f.Selector
}

// SubmitAction describes how the form is submitted.
type SubmitAction struct {
	// Selector of the control to click. Empty means the strategy chain.
	Selector string `json:"selector,omitempty"`
	// FormSelector scopes fallback strategies and the form-gone signal.
	FormSelector string `json:"form_selector,omitempty"`
}

// ConfirmationHints add caller knowledge to the post-submit checks.
type ConfirmationHints struct {
	URLContains    string   `json:"url_contains,omitempty"`
	SuccessText    []string `json:"success_text,omitempty"`
	ErrorText      []string `json:"error_text,omitempty"`
	TimeoutMs      int64    `json:"timeout_ms,omitempty"`
	IgnoreFormGone bool     `json:"ignore_form_gone,omitempty"`
}

// SubmitTask drives one form to completion.
type SubmitTask struct {
	ID        string            `json:"id"`
	URL       string            `json:"url"`
	Readiness ReadinessPolicy   `json:"readiness"`
	Fields    []FieldValue      `json:"fields"`
	Submit    SubmitAction      `json:"submit"`
	Confirm   ConfirmationHints `json:"confirm"`
	Profile   *StealthProfile   `json:"profile,omitempty"`
}

// -- Extraction Output --

// ExtractedField is one output field. Single-valued rules hold one value.
type ExtractedField struct {
	Name     string   `json:"name"`
	Values   []string `json:"values"`
	Multiple bool     `json:"multiple"`
}

// ExtractedData is an ordered mapping of field name to value(s). Order
// follows the first rule that declared each field.
type ExtractedData []ExtractedField

// Get returns the first value of the named field.
func (d ExtractedData) Get(name string) (string, bool) {
	for _, f := range d {
		if f.Name == name {
			if len(f.Values) == 0 {
				return "", true
			}
			return f.Values[0], true
		}
	}
	return "", false
}

// All returns every value of the named field.
func (d ExtractedData) All(name string) []string {
	for _, f := range d {
		if f.Name == name {
			return f.Values
		}
	}
	return nil
}

// MarshalJSON renders the data as a JSON object preserving field order.
func (d ExtractedData) MarshalJSON() ([]byte, error) {
	stream := json.ConfigCompatibleWithStandardLibrary.BorrowStream(nil)
	defer json.ConfigCompatibleWithStandardLibrary.ReturnStream(stream)

	stream.WriteObjectStart()
	for i, f := range d {
		if i > 0 {
			stream.WriteMore()
		}
		stream.WriteObjectField(f.Name)
		if f.Multiple {
			stream.WriteVal(f.Values)
		} else if len(f.Values) > 0 {
			stream.WriteString(f.Values[0])
		} else {
			stream.WriteNil()
		}
	}
	stream.WriteObjectEnd()
	if stream.Error != nil {
		return nil, stream.Error
	}
	out := make([]byte, len(stream.Buffer()))
	copy(out, stream.Buffer())
	return out, nil
}

// -- Attempts and Results --

// AttemptOutcome classifies how one Attempt ended.
type AttemptOutcome string

const (
	OutcomeSuccess   AttemptOutcome = "success"
	OutcomeRetryable AttemptOutcome = "retryable"
	OutcomeFatal     AttemptOutcome = "fatal"
)

// Attempt is one execution of a Task against a Session.
type Attempt struct {
	Number     int            `json:"number"`
	SessionID  string         `json:"session_id,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Outcome    AttemptOutcome `json:"outcome"`
	Kind       FailureKind    `json:"kind,omitempty"`
	Message    string         `json:"message,omitempty"`
	// Backoff is the wait that preceded this attempt; zero for the first.
	Backoff time.Duration `json:"backoff,omitempty"`
}

// Duration is the wall time the attempt took.
func (a Attempt) Duration() time.Duration { return a.FinishedAt.Sub(a.StartedAt) }

// Result is the terminal outcome of a Task.
type Result struct {
	TaskID     string            `json:"task_id"`
	Type       TaskType          `json:"type"`
	Success    bool              `json:"success"`
	Data       ExtractedData     `json:"data,omitempty"`
	Submission *SubmissionReport `json:"submission,omitempty"`
	Failure    *Failure          `json:"failure,omitempty"`
	Attempts   []Attempt         `json:"attempts"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}
