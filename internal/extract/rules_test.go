package extract

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/formpilot/api/schemas"
)

const catalogHTML = `<html><head><title>Catalog</title></head><body>
<h1>  Spring   Sale </h1>
<ul class="items">
  <li><a href="/p/1">First</a></li>
  <li><a href="/p/2">Second</a></li>
  <li><a>No link</a></li>
</ul>
<div class="price">$19.99</div>
<div class="desc"><b>Bold</b> text</div>
</body></html>`

func TestExtract_RuleKinds(t *testing.T) {
	rules := []schemas.ExtractionRule{
		{Field: "title", Selector: "h1"},
		{Field: "links", Selector: ".items a", Attribute: "href", Multiple: true},
		{Field: "names", Selector: ".items a", Multiple: true},
		{Field: "desc", Selector: ".desc", InnerHTML: true},
		{Field: "first_link", Selector: ".items a", Attribute: "href"},
	}

	data, err := Extract(catalogHTML, rules)
	require.NoError(t, err)

	want := schemas.ExtractedData{
		{Name: "title", Values: []string{"Spring Sale"}},
		{Name: "links", Values: []string{"/p/1", "/p/2"}, Multiple: true},
		{Name: "names", Values: []string{"First", "Second", "No link"}, Multiple: true},
		{Name: "desc", Values: []string{"<b>Bold</b> text"}},
		{Name: "first_link", Values: []string{"/p/1"}},
	}
	if diff := cmp.Diff(want, data); diff != "" {
		t.Errorf("Extract() mismatch (-want +got):\n%s", diff)
	}
}

func TestExtract_FirstMatchingRuleWins(t *testing.T) {
	rules := []schemas.ExtractionRule{
		{Field: "price", Selector: ".sale-price"},
		{Field: "price", Selector: ".price"},
		{Field: "price", Selector: "h1"},
	}
	data, err := Extract(catalogHTML, rules)
	require.NoError(t, err)

	price, ok := data.Get("price")
	require.True(t, ok)
	assert.Equal(t, "$19.99", price)
	assert.Len(t, data, 1)
}

func TestExtract_Defaults(t *testing.T) {
	rules := []schemas.ExtractionRule{
		{Field: "stock", Selector: ".stock", Default: "unknown"},
		{Field: "tags", Selector: ".tag", Multiple: true},
		{Field: "subtitle", Selector: "h2"},
	}
	data, err := Extract(catalogHTML, rules)
	require.NoError(t, err)

	stock, _ := data.Get("stock")
	assert.Equal(t, "unknown", stock)
	assert.Equal(t, []string{}, data.All("tags"))
	_, ok := data.Get("subtitle")
	assert.True(t, ok, "unmatched optional fields are still reported")

	raw, err := data.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"stock":"unknown","tags":[],"subtitle":null}`, string(raw))
}

func TestExtract_RequiredMissing(t *testing.T) {
	rules := []schemas.ExtractionRule{
		{Field: "title", Selector: "h1"},
		{Field: "sku", Selector: ".sku", Required: true, Default: "n/a"},
	}
	_, err := Extract(catalogHTML, rules)
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrExtractionMismatch)
	assert.Contains(t, err.Error(), "sku (.sku)")
}

func TestExtract_RequiredSatisfiedByFallback(t *testing.T) {
	rules := []schemas.ExtractionRule{
		{Field: "heading", Selector: "h2", Required: true},
		{Field: "heading", Selector: "h1"},
	}
	data, err := Extract(catalogHTML, rules)
	require.NoError(t, err)
	heading, _ := data.Get("heading")
	assert.Equal(t, "Spring Sale", heading)
}

func TestExtract_InvalidRule(t *testing.T) {
	_, err := Extract(catalogHTML, []schemas.ExtractionRule{{Field: "x"}})
	require.Error(t, err)
	assert.Equal(t, schemas.KindInternal, schemas.FailureKindOf(err))
}

func TestExtract_IdempotentOnUnchangedSnapshot(t *testing.T) {
	rules := []schemas.ExtractionRule{
		{Field: "title", Selector: "title"},
		{Field: "links", Selector: "a", Attribute: "href", Multiple: true},
		{Field: "price", Selector: ".price", Required: true},
	}
	first, err := Extract(catalogHTML, rules)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Extract(catalogHTML, rules)
		require.NoError(t, err)
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("extraction changed between runs (-first +again):\n%s", diff)
		}
	}
}
