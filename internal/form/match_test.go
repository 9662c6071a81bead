package form

import (
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/formpilot/api/schemas"
)

func TestMatchFieldValues_Strategies(t *testing.T) {
	fields := []schemas.FormField{
		{Name: "your-email", Identifier: "your-email", Selector: "#e"},
		{ID: "fname", Identifier: "fname", Selector: "#f"},
		{Name: "Subject", Identifier: "Subject", Selector: "#s"},
		{Name: "comment", Identifier: "comment", Selector: "#c"},
		{Name: "phone", Identifier: "phone", Selector: "#p"},
	}
	data := map[string]string{
		"email":      "ada@example.com",
		"first_name": "Ada",
		"subject":    "Hi",
		"message":    "Hello",
		"phone":      "5550100",
	}

	got := MatchFieldValues(fields, data)
	type pair struct {
		Index         int
		Key, Strategy string
	}
	var pairs []pair
	for _, m := range got {
		pairs = append(pairs, pair{m.Index, m.Key, m.Strategy})
	}
	want := []pair{
		{0, "email", "partial"},
		{1, "first_name", "concept"},
		{2, "subject", "case_insensitive"},
		{3, "message", "concept"},
		{4, "phone", "exact"},
	}
	if diff := cmp.Diff(want, pairs); diff != "" {
		t.Errorf("matches mismatch (-want +got):\n%s", diff)
	}
}

func TestMatchFieldValues_ExactBeatsLooserMatch(t *testing.T) {
	fields := []schemas.FormField{
		{Name: "name", Identifier: "name", Selector: "#n"},
		{Name: "full_name", Identifier: "full_name", Selector: "#fn"},
	}
	data := map[string]string{"full_name": "Ada Lovelace"}

	got := MatchFieldValues(fields, data)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Index, "the partial match on #n must not steal the exact key")
	assert.Equal(t, "exact", got[0].Strategy)
}

func TestBuildFieldValues(t *testing.T) {
	fields := []schemas.FormField{
		{Name: "email", Identifier: "email", Selector: "#email", Kind: schemas.FieldText},
		{Name: "plan", Identifier: "plan", Selector: `#f input[type="radio"][name="plan"]`, Kind: schemas.FieldRadio},
		{ID: "agree", Identifier: "agree", Selector: "#agree", Kind: schemas.FieldCheckbox},
	}
	values, unmatched := BuildFieldValues(fields, map[string]string{
		"agree":  "yes",
		"EMAIL":  "ada@example.com",
		"plan":   "pro",
		"coupon": "SAVE10",
	})

	assert.Equal(t, []schemas.FieldValue{
		{Name: "email", Selector: "#email", Value: "ada@example.com", Kind: schemas.FieldText},
		{Name: "plan", Selector: `#f input[type="radio"][name="plan"]`, Value: "pro", Kind: schemas.FieldRadio},
		{Name: "agree", Selector: "#agree", Value: "yes", Kind: schemas.FieldCheckbox},
	}, values)
	assert.Equal(t, []string{"coupon"}, unmatched)
}

func FuzzMatchFieldValues(f *testing.F) {
	f.Add([]byte("email=ada@example.com"))
	f.Fuzz(func(t *testing.T, data []byte) {
		in := struct {
			Fields []schemas.FormField
			Data   map[string]string
		}{}
		if err := fuzz.NewConsumer(data).GenerateStruct(&in); err != nil {
			return
		}

		matches := MatchFieldValues(in.Fields, in.Data)
		keys := make(map[string]bool)
		last := -1
		for _, m := range matches {
			require.Greater(t, m.Index, last, "matches follow form order, one per field")
			last = m.Index
			require.False(t, keys[m.Key], "key %q used twice", m.Key)
			keys[m.Key] = true
			require.Equal(t, in.Data[m.Key], m.Value)
		}
	})
}
