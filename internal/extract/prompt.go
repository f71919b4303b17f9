package extract

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sells-group/substack-intel/internal/model"
)

const extractSystemPrompt = `You read investment and technology newsletters and extract the companies they discuss.

Return ONLY a JSON object, no prose, in this shape:
{"companies": [{
  "name": "official company name",
  "description": "one sentence on what the company does, or null",
  "website": "https://... or null",
  "funding_status": "unknown | seed | series-a | series-b | series-c | public",
  "industry": ["lowercase industry tags"],
  "sentiment": "positive | negative | neutral",
  "confidence": 0.0-1.0,
  "context": "the sentence from the newsletter that mentions the company"
}]}

Rules:
- Only real, named companies. Skip people, products without a company, funds' LPs, and generic sectors.
- confidence is how sure you are the mention is a real company discussed in the text.
- funding_status comes from the text (a round just raised or a listing); use "unknown" otherwise.
- context must be copied from the text, at most two sentences.
- If there are no companies return {"companies": []}.`

const verifySystemPrompt = `You check a list of company names against a newsletter excerpt.

For each name decide whether it is a real company that the excerpt actually discusses.
Return ONLY JSON: {"verified": [{"name": "...", "is_company": true|false, "confidence": 0.0-1.0}]}`

// buildExtractPrompt embeds the newsletter name and the clean text,
// truncated to maxChars runes.
func buildExtractPrompt(cleanText, newsletterName string, maxChars int) Prompt {
	if newsletterName == "" {
		newsletterName = model.UnknownNewsletter
	}
	body, truncated := truncateRunes(cleanText, maxChars)
	var b strings.Builder
	fmt.Fprintf(&b, "Newsletter: %s\n\n", newsletterName)
	b.WriteString("<newsletter>\n")
	b.WriteString(body)
	if truncated {
		b.WriteString("\n[truncated]")
	}
	b.WriteString("\n</newsletter>")
	return Prompt{System: extractSystemPrompt, User: b.String(), Phase: "extract"}
}

func buildVerifyPrompt(cleanText string, candidates []model.Candidate, maxChars int) Prompt {
	body, _ := truncateRunes(cleanText, maxChars)
	var b strings.Builder
	b.WriteString("Names:\n")
	for _, c := range candidates {
		fmt.Fprintf(&b, "- %s\n", c.Name)
	}
	b.WriteString("\n<newsletter>\n")
	b.WriteString(body)
	b.WriteString("\n</newsletter>")
	return Prompt{System: verifySystemPrompt, User: b.String(), MaxTokens: 1024, Phase: "verify"}
}

func truncateRunes(s string, max int) (string, bool) {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s, false
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i], true
		}
		n++
	}
	return s, false
}
