package mcp

import (
	"github.com/xkilldash9x/formpilot/api/schemas"
)

// CommandRequest defines the structure of an incoming command.
type CommandRequest struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params"`
	// Async runs the command in the background and answers with a task
	// handle instead of the result.
	Async bool `json:"async,omitempty"`
}

// CommandResponse defines the structure of every command answer.
type CommandResponse struct {
	Status string `json:"status"` // "success", "failed", "error", "accepted"
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
	// Kind is the failure kind when a task ran and failed.
	Kind schemas.FailureKind `json:"kind,omitempty"`
}

// SubmitFormParams are the parameters of "submit_form". Either Fields
// (explicit selectors) or FieldData (keys matched against the scraped form)
// must be set.
type SubmitFormParams struct {
	schemas.SubmitTask
	FormIndex int               `json:"form_index,omitempty"`
	FieldData map[string]string `json:"field_data,omitempty"`
}

// PageParams are the parameters of "analyze_page" and "test_form_access".
type PageParams struct {
	URL     string                  `json:"url"`
	Profile *schemas.StealthProfile `json:"profile,omitempty"`
}

// FormParams are the parameters of "scrape_form_fields" and
// "validate_form_data".
type FormParams struct {
	URL       string                  `json:"url"`
	FormIndex int                     `json:"form_index,omitempty"`
	FieldData map[string]string       `json:"field_data,omitempty"`
	Profile   *schemas.StealthProfile `json:"profile,omitempty"`
}

// SuggestionParams are the parameters of "field_suggestions". A Field is
// described on its own; otherwise the form at URL is scraped.
type SuggestionParams struct {
	Field     *schemas.FormField      `json:"field,omitempty"`
	URL       string                  `json:"url,omitempty"`
	FormIndex int                     `json:"form_index,omitempty"`
	Profile   *schemas.StealthProfile `json:"profile,omitempty"`
}

// HistoryParams are the parameters of "get_submission_history".
type HistoryParams struct {
	Limit int `json:"limit,omitempty"`
}

// StealthParams are the parameters of "configure_stealth_mode". Pointers
// distinguish an unset switch, which keeps its current value.
type StealthParams struct {
	Stealth  *bool `json:"stealth_mode,omitempty"`
	Headless *bool `json:"headless_mode,omitempty"`
}
