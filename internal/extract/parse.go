package extract

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

// rawCandidate is a decoded but not yet validated LLM item.
type rawCandidate map[string]any

func (r rawCandidate) str(keys ...string) string {
	for _, k := range keys {
		if v, ok := r[k]; ok && v != nil {
			switch t := v.(type) {
			case string:
				return t
			case float64, bool:
				b, _ := json.Marshal(t)
				return string(b)
			}
		}
	}
	return ""
}

func (r rawCandidate) val(keys ...string) any {
	for _, k := range keys {
		if v, ok := r[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

var errNoCandidates = eris.New("extract: response contains no recognizable company data")

// parseResponse decodes an LLM response. It accepts a JSON object with a
// companies (or verified) array, a bare JSON array, either wrapped in a code
// fence, and as a last resort loosely structured key: value text.
func parseResponse(text string) ([]rawCandidate, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errNoCandidates
	}
	body := stripFences(text)

	if items, ok := decodeJSON(body); ok {
		return items, nil
	}
	if start, end := strings.IndexAny(body, "{["), lastIndexAny(body, "}]"); start >= 0 && end > start {
		if items, ok := decodeJSON(body[start : end+1]); ok {
			return items, nil
		}
	}

	if items := parseLoose(body); len(items) > 0 {
		return items, nil
	}
	if saysNone(body) {
		return []rawCandidate{}, nil
	}
	return nil, errNoCandidates
}

func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 && !strings.ContainsAny(text[:nl], "{[") {
		text = text[nl+1:]
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}

func lastIndexAny(s, chars string) int {
	idx := -1
	for _, c := range chars {
		if i := strings.LastIndex(s, string(c)); i > idx {
			idx = i
		}
	}
	return idx
}

func decodeJSON(s string) ([]rawCandidate, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &obj); err == nil {
		for _, key := range []string{"companies", "verified", "results", "items"} {
			if raw, ok := obj[key]; ok {
				var items []rawCandidate
				if err := json.Unmarshal(raw, &items); err == nil {
					return items, true
				}
			}
		}
		if _, ok := obj["name"]; ok {
			var one rawCandidate
			if err := json.Unmarshal([]byte(s), &one); err == nil {
				return []rawCandidate{one}, true
			}
		}
		return nil, false
	}

	var items []rawCandidate
	if err := json.Unmarshal([]byte(s), &items); err == nil {
		return items, true
	}
	return nil, false
}

var (
	bulletRe = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)
	keyAlias = map[string]string{
		"name": "name", "company": "name", "company name": "name",
		"description": "description", "desc": "description", "what": "description",
		"website": "website", "url": "website", "domain": "website",
		"funding": "funding_status", "funding status": "funding_status", "funding_status": "funding_status", "stage": "funding_status",
		"industry": "industry", "industries": "industry", "sector": "industry", "tags": "industry",
		"sentiment": "sentiment", "tone": "sentiment",
		"confidence": "confidence", "score": "confidence",
		"context": "context", "quote": "context", "mention": "context",
		"is_company": "is_company", "verified": "is_company",
	}
)

// parseLoose reads lines like
//
//	- Name: Acme Inc. | Funding: Series A | Confidence: 0.9
//
// or one key per line, where a new name starts a new candidate.
func parseLoose(text string) []rawCandidate {
	var out []rawCandidate
	var cur rawCandidate
	flush := func() {
		if cur != nil && cur.str("name") != "" {
			out = append(out, cur)
		}
		cur = nil
	}

	for _, line := range strings.Split(text, "\n") {
		line = bulletRe.ReplaceAllString(strings.TrimSpace(line), "")
		if line == "" {
			continue
		}
		for i, seg := range strings.Split(line, "|") {
			key, value, ok := splitKV(seg)
			if !ok {
				if i == 0 && strings.Contains(line, "|") {
					flush()
					cur = rawCandidate{"name": strings.TrimSpace(seg)}
				}
				continue
			}
			if key == "name" {
				flush()
				cur = rawCandidate{}
			}
			if cur == nil {
				continue
			}
			cur[key] = value
		}
	}
	flush()
	return out
}

func splitKV(seg string) (string, string, bool) {
	k, v, ok := strings.Cut(seg, ":")
	if !ok {
		return "", "", false
	}
	key, known := keyAlias[strings.ToLower(strings.Trim(strings.TrimSpace(k), "*_"))]
	if !known {
		return "", "", false
	}
	return key, strings.TrimSpace(v), true
}

func saysNone(text string) bool {
	s := strings.ToLower(text)
	for _, p := range []string{"no companies", "none found", "no company", "[]"} {
		if strings.Contains(s, p) {
			return true
		}
	}
	return strings.TrimSpace(s) == "none"
}
