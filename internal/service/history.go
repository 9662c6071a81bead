package service

import (
	"sync"

	"github.com/xkilldash9x/formpilot/api/schemas"
)

// defaultRecentSubmissions is how many records get_submission_history
// returns when the caller does not ask for a count.
const defaultRecentSubmissions = 10

// HistorySummary is the answer to get_submission_history.
type HistorySummary struct {
	TotalSubmissions  int                        `json:"total_submissions"`
	RecentSubmissions []schemas.SubmissionRecord `json:"recent_submissions"`
	SuccessRate       float64                    `json:"success_rate"`
}

// History keeps the most recent submission records in memory, oldest first.
type History struct {
	mu      sync.RWMutex
	limit   int
	records []schemas.SubmissionRecord
}

// NewHistory creates a history retaining at most limit records.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 50
	}
	return &History{limit: limit, records: make([]schemas.SubmissionRecord, 0, limit)}
}

// Add appends rec, dropping the oldest record when full.
func (h *History) Add(rec schemas.SubmissionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.records) == h.limit {
		copy(h.records, h.records[1:])
		h.records = h.records[:h.limit-1]
	}
	h.records = append(h.records, rec)
}

// Load seeds the history with records listed newest first, as the store
// returns them.
func (h *History) Load(newestFirst []schemas.SubmissionRecord) {
	for i := len(newestFirst) - 1; i >= 0; i-- {
		h.Add(newestFirst[i])
	}
}

// Summary returns the last n records in chronological order and the success
// rate over everything retained.
func (h *History) Summary(n int) HistorySummary {
	if n <= 0 {
		n = defaultRecentSubmissions
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	sum := HistorySummary{TotalSubmissions: len(h.records)}
	start := max(0, len(h.records)-n)
	sum.RecentSubmissions = append([]schemas.SubmissionRecord{}, h.records[start:]...)
	if len(h.records) == 0 {
		return sum
	}
	succeeded := 0
	for _, r := range h.records {
		if r.Success {
			succeeded++
		}
	}
	sum.SuccessRate = float64(succeeded) / float64(len(h.records))
	return sum
}
