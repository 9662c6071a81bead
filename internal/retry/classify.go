package retry

import (
	"context"
	"errors"
	"fmt"

	"github.com/xkilldash9x/formpilot/api/schemas"
)

// State is what the classifier knows about a task's history.
type State struct {
	// Attempt is the 1-based number of the attempt that failed.
	Attempt int
	// Occurrences counts failures per kind, including this one.
	Occurrences                 map[schemas.FailureKind]int
	ExtractionMismatchThreshold int
	FieldMismatchThreshold      int
}

// Decision is the classification of one failed attempt.
type Decision struct {
	Retryable bool
	Kind      schemas.FailureKind
	Reason    string
}

// Classify decides whether a failure may be retried. Mismatch failures are
// retryable until they have occurred threshold times, after which they are
// fatal with their own kind. Errors outside the taxonomy are fatal Internal
// failures.
func Classify(err error, st State) Decision {
	if err == nil {
		return Decision{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if !errors.As(err, new(*schemas.Failure)) {
			return Decision{Kind: schemas.KindCancelled, Reason: "context done"}
		}
	}

	var f *schemas.Failure
	if !errors.As(err, &f) {
		return Decision{Kind: schemas.KindInternal, Reason: "unclassified error"}
	}

	kind := f.Kind
	switch kind {
	case schemas.KindExtractionMismatch:
		return thresholdDecision(kind, st.Occurrences[kind], st.ExtractionMismatchThreshold)
	case schemas.KindFieldVerificationMismatch:
		return thresholdDecision(kind, st.Occurrences[kind], st.FieldMismatchThreshold)
	}
	if kind.Retryable() {
		return Decision{Retryable: true, Kind: kind, Reason: "transient"}
	}
	return Decision{Kind: kind, Reason: "fatal kind"}
}

func thresholdDecision(kind schemas.FailureKind, seen, threshold int) Decision {
	if threshold > 0 && seen >= threshold {
		return Decision{Kind: kind, Reason: fmt.Sprintf("occurred %d times, threshold %d", seen, threshold)}
	}
	return Decision{Retryable: true, Kind: kind, Reason: fmt.Sprintf("occurrence %d of %d", seen, threshold)}
}
