package service

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/formpilot/api/schemas"
)

func records(n int, success func(i int) bool) []schemas.SubmissionRecord {
	out := make([]schemas.SubmissionRecord, n)
	for i := range n {
		out[i] = schemas.SubmissionRecord{TaskID: fmt.Sprintf("task-%d", i), Success: success(i)}
	}
	return out
}

func taskIDs(recs []schemas.SubmissionRecord) []string {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.TaskID
	}
	return ids
}

func TestHistory_Empty(t *testing.T) {
	sum := NewHistory(5).Summary(0)
	assert.Zero(t, sum.TotalSubmissions)
	assert.Zero(t, sum.SuccessRate)
	assert.NotNil(t, sum.RecentSubmissions)
	assert.Empty(t, sum.RecentSubmissions)
}

func TestHistory_DropsOldest(t *testing.T) {
	h := NewHistory(3)
	for _, r := range records(5, func(int) bool { return true }) {
		h.Add(r)
	}

	sum := h.Summary(10)
	assert.Equal(t, 3, sum.TotalSubmissions)
	assert.Equal(t, []string{"task-2", "task-3", "task-4"}, taskIDs(sum.RecentSubmissions))
}

func TestHistory_SummaryLimitsRecentButRatesEverything(t *testing.T) {
	h := NewHistory(0)
	// Every fourth submission fails.
	for _, r := range records(20, func(i int) bool { return i%4 != 0 }) {
		h.Add(r)
	}

	sum := h.Summary(0)
	assert.Equal(t, 20, sum.TotalSubmissions)
	require.Len(t, sum.RecentSubmissions, defaultRecentSubmissions)
	assert.Equal(t, "task-10", sum.RecentSubmissions[0].TaskID)
	assert.Equal(t, "task-19", sum.RecentSubmissions[9].TaskID)
	assert.InDelta(t, 0.75, sum.SuccessRate, 0.0001)

	assert.Len(t, h.Summary(3).RecentSubmissions, 3)
}

func TestHistory_LoadNewestFirst(t *testing.T) {
	h := NewHistory(10)
	h.Load([]schemas.SubmissionRecord{{TaskID: "c"}, {TaskID: "b"}, {TaskID: "a"}})
	h.Add(schemas.SubmissionRecord{TaskID: "d"})

	assert.Equal(t, []string{"a", "b", "c", "d"}, taskIDs(h.Summary(10).RecentSubmissions))
}
