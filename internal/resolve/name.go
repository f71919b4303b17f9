package resolve

import (
	"strings"
	"unicode"
)

// NormalizeName produces the dedup key for a company name: lowercase,
// "&" spelled "and", "-", "_" and "/" as spaces, other punctuation removed,
// whitespace collapsed. "Acme Inc.", "acme inc" and "ACME INC." all map to
// "acme inc".
func NormalizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		switch {
		case r == '&':
			b.WriteString(" and ")
		case r == '-' || r == '_' || r == '/':
			b.WriteByte(' ')
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Similarity returns the trigram similarity of a and b in [0,1], computed
// the way pg_trgm does: each word padded with two leading and one trailing
// space, score = shared / (|A| + |B| - shared).
func Similarity(a, b string) float64 {
	ta, tb := trigrams(a), trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	shared := 0
	for t := range ta {
		if tb[t] {
			shared++
		}
	}
	return float64(shared) / float64(len(ta)+len(tb)-shared)
}

func trigrams(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(NormalizeName(s)) {
		padded := []rune("  " + w + " ")
		for i := 0; i+3 <= len(padded); i++ {
			out[string(padded[i:i+3])] = true
		}
	}
	return out
}
