package schemas

import (
	"errors"
	"fmt"
)

// FailureKind names one class of the failure taxonomy.
type FailureKind string

const (
	KindEnvironmentUnavailable    FailureKind = "EnvironmentUnavailable"
	KindNavigationTimeout         FailureKind = "NavigationTimeout"
	KindExtractionMismatch        FailureKind = "ExtractionMismatch"
	KindFieldVerificationMismatch FailureKind = "FieldVerificationMismatch"
	KindSessionLost               FailureKind = "SessionLost"
	KindFormRejected              FailureKind = "FormRejected"
	KindRetriesExhausted          FailureKind = "RetriesExhausted"
	KindCancelled                 FailureKind = "Cancelled"
	KindInternal                  FailureKind = "Internal"
)

// Retryable reports the default retry eligibility of the kind. Threshold
// based reclassification is done by the retry controller.
func (k FailureKind) Retryable() bool {
	switch k {
	case KindNavigationTimeout, KindExtractionMismatch, KindFieldVerificationMismatch, KindSessionLost:
		return true
	default:
		return false
	}
}

// Failure is the error type produced by every component below the retry
// controller. It matches other Failures of the same kind under errors.Is.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	// History is only populated on terminal failures returned to callers.
	History []Attempt `json:"history,omitempty"`
	Cause   error     `json:"-"`
}

// Sentinels for errors.Is comparisons.
var (
	ErrEnvironmentUnavailable    = &Failure{Kind: KindEnvironmentUnavailable}
	ErrNavigationTimeout         = &Failure{Kind: KindNavigationTimeout}
	ErrExtractionMismatch        = &Failure{Kind: KindExtractionMismatch}
	ErrFieldVerificationMismatch = &Failure{Kind: KindFieldVerificationMismatch}
	ErrSessionLost               = &Failure{Kind: KindSessionLost}
	ErrFormRejected              = &Failure{Kind: KindFormRejected}
	ErrRetriesExhausted          = &Failure{Kind: KindRetriesExhausted}
	ErrCancelled                 = &Failure{Kind: KindCancelled}
)

// NewFailure builds a Failure with a formatted message.
func NewFailure(kind FailureKind, format string, args ...interface{}) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapFailure builds a Failure that keeps err as its cause.
func WrapFailure(kind FailureKind, err error, msg string) *Failure {
	f := &Failure{Kind: kind, Message: msg, Cause: err}
	if msg == "" && err != nil {
		f.Message = err.Error()
	}
	return f
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return string(f.Kind)
	}
	if f.Cause != nil && f.Cause.Error() != f.Message {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error { return f.Cause }

// Is matches any Failure of the same kind, so the package sentinels work with
// errors.Is regardless of message or history.
func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	if !ok {
		return false
	}
	return t.Kind == f.Kind
}

// FailureKindOf extracts the kind of the outermost Failure in err's chain.
// Errors outside the taxonomy report KindInternal.
func FailureKindOf(err error) FailureKind {
	if err == nil {
		return ""
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindInternal
}
