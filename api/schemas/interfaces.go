package schemas

import (
	"context"
	"time"
)

// -- Browser Interfaces --

// Page is the set of browser operations the pipeline and the state machine
// need from a session's tab. Every call is bounded by its context.
type Page interface {
	// Navigate loads url and returns the main document HTTP status (0 if unknown).
	Navigate(ctx context.Context, url string) (int, error)
	// URL returns the current document location.
	URL(ctx context.Context) (string, error)
	// HTML returns a snapshot of the serialized document.
	HTML(ctx context.Context) (string, error)
	// Exists reports whether selector matches at least one element now.
	Exists(ctx context.Context, selector string) (bool, error)
	// WaitNetworkIdle returns once no request has been in flight for quiet.
	WaitNetworkIdle(ctx context.Context, quiet time.Duration) error

	// Fill clears a text control and types value into it.
	Fill(ctx context.Context, selector, value string) error
	// Value reads the current value of an input, textarea or select.
	Value(ctx context.Context, selector string) (string, error)
	SetChecked(ctx context.Context, selector string, checked bool) error
	Checked(ctx context.Context, selector string) (bool, error)
	// Select chooses the option whose value or visible text equals option.
	Select(ctx context.Context, selector, option string) error
	Click(ctx context.Context, selector string) error
	PressEnter(ctx context.Context, selector string) error
	// SubmitForm submits the form matched by selector through the DOM API.
	SubmitForm(ctx context.Context, selector string) (bool, error)

	// Ping is a cheap liveness probe of the tab and its browser.
	Ping(ctx context.Context) error
	// Close terminates the tab and its browser process.
	Close() error
}

// Launcher starts a browser configured with a profile and returns its tab.
type Launcher interface {
	Launch(ctx context.Context, profile StealthProfile) (Page, error)
}

// SubmissionStore persists submission history beyond process lifetime.
type SubmissionStore interface {
	SaveSubmission(ctx context.Context, rec SubmissionRecord, attempts []Attempt) error
	RecentSubmissions(ctx context.Context, limit int) ([]SubmissionRecord, error)
}
