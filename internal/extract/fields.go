package extract

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/sells-group/substack-intel/internal/model"
)

var (
	seriesRe    = regexp.MustCompile(`\bseries\s+([a-k])\b`)
	publicRe    = regexp.MustCompile(`\b(ipo|nyse|nasdaq|publicly traded|public company|went public|listed on|lse|tsx)\b`)
	seedRe      = regexp.MustCompile(`\b(pre\s?seed|seed)\b`)
	separatorRe = regexp.MustCompile(`[_\-]+`)
)

// NormalizeFunding maps free-form funding text onto the fixed set. Rounds
// after Series C collapse into series-c.
func NormalizeFunding(raw string) model.FundingStatus {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return model.FundingUnknown
	}
	if f := model.FundingStatus(s); f.Valid() {
		return f
	}
	s = separatorRe.ReplaceAllString(s, " ")

	if m := seriesRe.FindStringSubmatch(s); m != nil {
		switch m[1] {
		case "a":
			return model.FundingSeriesA
		case "b":
			return model.FundingSeriesB
		default:
			return model.FundingSeriesC
		}
	}
	if publicRe.MatchString(s) || s == "public" {
		return model.FundingPublic
	}
	if seedRe.MatchString(s) {
		return model.FundingSeed
	}
	return model.FundingUnknown
}

// inferFunding is NormalizeFunding with a fallback to the mention context.
func inferFunding(raw, context string) model.FundingStatus {
	if f := NormalizeFunding(raw); f != model.FundingUnknown {
		return f
	}
	return NormalizeFunding(context)
}

// NormalizeSentiment maps sentiment words onto positive/negative/neutral.
func NormalizeSentiment(raw string) model.Sentiment {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "positive", "bullish", "favorable", "favourable", "optimistic":
		return model.SentimentPositive
	case "negative", "bearish", "unfavorable", "unfavourable", "critical", "pessimistic":
		return model.SentimentNegative
	default:
		return model.SentimentNeutral
	}
}

// clampConfidence brings v into [0,1]. Values in (1,100] are treated as
// percentages.
func clampConfidence(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1 && v <= 100:
		return v / 100
	case v > 100:
		return 1
	}
	return v
}

// parseConfidence is readConfidence with unreadable values as 0.
func parseConfidence(v any) float64 {
	f, _ := readConfidence(v)
	return f
}

// readConfidence accepts numbers, numeric strings, "85%" and the words
// high/medium/low. ok is false when v is absent or not a confidence.
func readConfidence(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return clampConfidence(t), true
	case int:
		return clampConfidence(float64(t)), true
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		switch s {
		case "high", "very high":
			return 0.9, true
		case "medium", "moderate":
			return 0.6, true
		case "low":
			return 0.3, true
		}
		pct := strings.HasSuffix(s, "%")
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "%")), 64)
		if err != nil {
			return 0, false
		}
		if pct {
			f /= 100
		}
		return clampConfidence(f), true
	}
	return 0, false
}

var genericNames = map[string]bool{
	"unknown": true, "n/a": true, "na": true, "none": true, "null": true,
	"company": true, "the company": true, "startup": true,
}

// plausibleName trims s and reports whether it can name a company.
func plausibleName(s string) (string, bool) {
	s = strings.Trim(strings.TrimSpace(s), `"'*`)
	s = strings.Join(strings.Fields(s), " ")
	if s == "" || len(s) > 200 || genericNames[strings.ToLower(s)] {
		return "", false
	}
	for _, r := range s {
		if r >= '0' && r <= '9' || r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r > 127 {
			return s, true
		}
	}
	return "", false
}

// cleanWebsite keeps only values that look like a host or URL.
func cleanWebsite(s string) string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "null", "none", "n/a", "unknown":
		return ""
	}
	if strings.ContainsAny(s, " \t\n") || !strings.Contains(s, ".") {
		return ""
	}
	return s
}

func cleanOptional(s string) string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "null", "none", "n/a", "unknown":
		return ""
	}
	return s
}

// industryTags accepts a string (comma or slash separated) or a list.
func industryTags(v any) []string {
	var raw []string
	switch t := v.(type) {
	case string:
		raw = strings.FieldsFunc(t, func(r rune) bool { return r == ',' || r == '/' || r == ';' })
	case []any:
		for _, x := range t {
			if s, ok := x.(string); ok {
				raw = append(raw, s)
			}
		}
	case []string:
		raw = t
	}
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
