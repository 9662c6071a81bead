package schemas

import "time"

// -- Submission State Machine Schemas --

// SubmissionState is one state of the form submission state machine.
type SubmissionState string

const (
	StateNotStarted   SubmissionState = "NotStarted"
	StateNavigating   SubmissionState = "Navigating"
	StateFillingField SubmissionState = "FillingField"
	StateVerifying    SubmissionState = "Verifying"
	StateSubmitting   SubmissionState = "Submitting"
	StateConfirming   SubmissionState = "Confirming"
	StateSucceeded    SubmissionState = "Succeeded"
	StateFailed       SubmissionState = "Failed"
)

// Terminal reports whether no transition leaves the state.
func (s SubmissionState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// StateTransition records one edge taken by the state machine. Field is the
// index for FillingField transitions and -1 otherwise.
type StateTransition struct {
	From  SubmissionState `json:"from"`
	To    SubmissionState `json:"to"`
	Field int             `json:"field"`
	At    time.Time       `json:"at"`
	Note  string          `json:"note,omitempty"`
}

// ConfirmationSignal names what proved (or disproved) a submission.
type ConfirmationSignal string

const (
	SignalURLChange        ConfirmationSignal = "url_change"
	SignalConfirmationText ConfirmationSignal = "confirmation_text"
	SignalFormGone         ConfirmationSignal = "form_gone"
	SignalErrorIndicator   ConfirmationSignal = "error_indicator"
	SignalTimeout          ConfirmationSignal = "timeout"
)

// Confirmation is the evidence gathered while in the Confirming state.
type Confirmation struct {
	Signal             ConfirmationSignal `json:"signal"`
	Score              int                `json:"score"`
	URL                string             `json:"url,omitempty"`
	URLChanged         bool               `json:"url_changed"`
	SuccessIndicators  []string           `json:"success_indicators,omitempty"`
	ErrorIndicators    []string           `json:"error_indicators,omitempty"`
	ConfirmationText   string             `json:"confirmation_text,omitempty"`
	ConfirmationNumber string             `json:"confirmation_number,omitempty"`
}

// SubmissionReport is the payload of a successful (or rejected) SubmitTask.
type SubmissionReport struct {
	FinalState     SubmissionState   `json:"final_state"`
	FieldsFilled   []string          `json:"fields_filled"`
	FieldRetries   map[string]int    `json:"field_retries,omitempty"`
	VerifyRounds   int               `json:"verify_rounds"`
	SubmitStrategy string            `json:"submit_strategy,omitempty"`
	Confirmation   *Confirmation     `json:"confirmation,omitempty"`
	Transitions    []StateTransition `json:"transitions"`
}

// -- Page Analysis Schemas --

// FormField describes one fillable control found on a page.
type FormField struct {
	Tag         string    `json:"tag"`
	Type        string    `json:"type"`
	Kind        FieldKind `json:"kind"`
	Name        string    `json:"name,omitempty"`
	ID          string    `json:"id,omitempty"`
	Identifier  string    `json:"identifier"`
	Selector    string    `json:"selector"`
	Label       string    `json:"label"`
	Placeholder string    `json:"placeholder,omitempty"`
	Value       string    `json:"value,omitempty"`
	Required    bool      `json:"required"`
	MaxLength   int       `json:"maxlength,omitempty"`
	Pattern     string    `json:"pattern,omitempty"`
	Options     []string  `json:"options,omitempty"`
}

// FormSummary is the per-form part of a page analysis.
type FormSummary struct {
	Index              int    `json:"index"`
	Selector           string `json:"selector"`
	Action             string `json:"action"`
	Method             string `json:"method"`
	Inputs             int    `json:"inputs"`
	Textareas          int    `json:"textareas"`
	Selects            int    `json:"selects"`
	HasFileUpload      bool   `json:"has_file_upload"`
	HasRequiredFields  bool   `json:"has_required_fields"`
	HasValidationAttrs bool   `json:"has_validation"`
}

// PageAnalysis is the result of analyze_page.
type PageAnalysis struct {
	URL        string        `json:"url"`
	FinalURL   string        `json:"final_url"`
	Title      string        `json:"title"`
	StatusCode int           `json:"status_code,omitempty"`
	Accessible bool          `json:"accessible"`
	Barriers   []string      `json:"barriers"`
	PageType   string        `json:"page_type"`
	FormCount  int           `json:"form_count"`
	Forms      []FormSummary `json:"forms"`
}

// FormFieldsReport is the result of scrape_form_fields.
type FormFieldsReport struct {
	URL       string      `json:"url"`
	FormIndex int         `json:"form_index"`
	Selector  string      `json:"form_selector"`
	Fields    []FormField `json:"fields"`
}

// ValidationIssue is a single problem found by form data validation.
type ValidationIssue struct {
	Field   string `json:"field"`
	Problem string `json:"problem"`
}

// ValidationReport is the result of validate_form_data.
type ValidationReport struct {
	Valid         bool                `json:"valid"`
	MissingFields []string            `json:"missing_required"`
	Errors        []ValidationIssue   `json:"errors"`
	UnknownFields []string            `json:"unknown_fields"`
	Suggestions   map[string][]string `json:"suggestions,omitempty"`
	Matched       map[string]string   `json:"matched"`
	MatchScore    float64             `json:"match_score"`
}

// FieldGuidance describes what a form field expects, for callers that
// generate the values.
type FieldGuidance struct {
	Field         string   `json:"field"`
	ContentType   string   `json:"content_type"`
	Examples      []string `json:"examples"`
	Constraints   []string `json:"constraints"`
	BestPractices []string `json:"best_practices"`
}

// SubmissionRecord is one entry of the submission history.
type SubmissionRecord struct {
	TaskID      string          `json:"task_id"`
	URL         string          `json:"url"`
	Success     bool            `json:"success"`
	FinalState  SubmissionState `json:"final_state,omitempty"`
	FailureKind FailureKind     `json:"failure_kind,omitempty"`
	Message     string          `json:"message,omitempty"`
	Attempts    int             `json:"attempts"`
	FieldCount  int             `json:"field_count"`
	SubmittedAt time.Time       `json:"submitted_at"`
}
