package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/substack-intel/internal/model"
)

func TestParseResponse_JSONShapes(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"object", `{"companies":[{"name":"Acme"}]}`, 1},
		{"bare array", `[{"name":"Acme"},{"name":"Globex"}]`, 2},
		{"fenced", "```json\n{\"companies\":[{\"name\":\"Acme\"}]}\n```", 1},
		{"fenced no lang", "```\n[{\"name\":\"Acme\"}]\n```", 1},
		{"prose around", "Here you go:\n{\"companies\":[{\"name\":\"Acme\"}]}\nThanks", 1},
		{"empty list", `{"companies":[]}`, 0},
		{"single object", `{"name":"Acme","confidence":0.9}`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := parseResponse(tt.text)
			require.NoError(t, err)
			assert.Len(t, items, tt.want)
		})
	}
}

func TestParseResponse_LooseText(t *testing.T) {
	text := `Companies found:
- Name: Acme Inc. | Funding: Series A | Confidence: 0.9 | Sentiment: positive
- Name: Globex | Confidence: 80%
3. Initech | confidence: high`
	items, err := parseResponse(text)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "Acme Inc.", items[0].str("name"))
	assert.Equal(t, "Series A", items[0].str("funding_status"))
	assert.InDelta(t, 0.8, parseConfidence(items[1].val("confidence")), 1e-9)
	assert.Equal(t, "Initech", items[2].str("name"))
	assert.InDelta(t, 0.9, parseConfidence(items[2].val("confidence")), 1e-9)
}

func TestParseResponse_MultiLineBlocks(t *testing.T) {
	text := `Company: Acme
Website: acme.com
Confidence: 0.7

Company: Globex
Confidence: 0.6`
	items, err := parseResponse(text)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "acme.com", items[0].str("website"))
	assert.Equal(t, "Globex", items[1].str("name"))
}

func TestParseResponse_NoneAndGarbage(t *testing.T) {
	items, err := parseResponse("No companies were mentioned.")
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = parseResponse("")
	assert.Error(t, err)
	_, err = parseResponse("lorem ipsum dolor")
	assert.Error(t, err)
	_, err = parseResponse(`{"error":"overloaded"}`)
	assert.Error(t, err)
}

func TestNormalizeFunding(t *testing.T) {
	tests := []struct {
		in   string
		want model.FundingStatus
	}{
		{"Series A", model.FundingSeriesA},
		{"series_a", model.FundingSeriesA},
		{"series-a", model.FundingSeriesA},
		{"$10M Series A", model.FundingSeriesA},
		{"Series B extension", model.FundingSeriesB},
		{"series c", model.FundingSeriesC},
		{"Series E", model.FundingSeriesC},
		{"IPO", model.FundingPublic},
		{"listed on NASDAQ", model.FundingPublic},
		{"NYSE: ACME", model.FundingPublic},
		{"public", model.FundingPublic},
		{"pre-seed", model.FundingSeed},
		{"Seed round", model.FundingSeed},
		{"bootstrapped", model.FundingUnknown},
		{"", model.FundingUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeFunding(tt.in))
		})
	}
}

func TestInferFunding_FromContext(t *testing.T) {
	assert.Equal(t, model.FundingSeriesA, inferFunding("", "Acme Inc. raised a $10M Series A"))
	assert.Equal(t, model.FundingSeed, inferFunding("seed", "went public last year"))
	assert.Equal(t, model.FundingUnknown, inferFunding("unknown", "Acme shipped a product"))
}

func TestNormalizeSentiment(t *testing.T) {
	assert.Equal(t, model.SentimentPositive, NormalizeSentiment("Bullish"))
	assert.Equal(t, model.SentimentNegative, NormalizeSentiment("negative"))
	assert.Equal(t, model.SentimentNeutral, NormalizeSentiment("mixed"))
	assert.Equal(t, model.SentimentNeutral, NormalizeSentiment(""))
}

func TestParseConfidence(t *testing.T) {
	tests := []struct {
		in   any
		want float64
	}{
		{0.42, 0.42},
		{85.0, 0.85},
		{250.0, 1},
		{-1.0, 0},
		{"0.7", 0.7},
		{"85%", 0.85},
		{"high", 0.9},
		{"low", 0.3},
		{"n/a", 0},
		{nil, 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, parseConfidence(tt.in), 1e-9, "%v", tt.in)
	}

	_, ok := readConfidence(nil)
	assert.False(t, ok)
	_, ok = readConfidence("n/a")
	assert.False(t, ok)
	_, ok = readConfidence("0")
	assert.True(t, ok)
}

func TestPlausibleName(t *testing.T) {
	name, ok := plausibleName(`  "Acme   Inc." `)
	assert.True(t, ok)
	assert.Equal(t, "Acme Inc.", name)

	for _, bad := range []string{"", "   ", "Unknown", "N/A", "---"} {
		_, ok := plausibleName(bad)
		assert.False(t, ok, bad)
	}
}

func TestIndustryTags(t *testing.T) {
	assert.Equal(t, []string{"fintech", "payments"}, industryTags("FinTech, payments / fintech"))
	assert.Equal(t, []string{"ai"}, industryTags([]any{"AI", "", 3}))
	assert.Empty(t, industryTags(nil))
}

func TestCleanWebsite(t *testing.T) {
	assert.Equal(t, "https://acme.com", cleanWebsite(" https://acme.com "))
	assert.Equal(t, "", cleanWebsite("null"))
	assert.Equal(t, "", cleanWebsite("not a site"))
}
