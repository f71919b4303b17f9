package normalize

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Rules lists what the normalizer strips. Patterns are case-insensitive
// regular expressions matched against a single line of text.
type Rules struct {
	// LinePatterns drop any line, or leaf HTML element, they match. They
	// should describe the whole line so content mentioning the same words
	// survives.
	LinePatterns []string `yaml:"line_patterns"`
	// Selectors are removed from HTML bodies before text extraction.
	Selectors []string `yaml:"selectors"`
	// SenderSuffixes are trimmed from sender display names, e.g. "via Substack".
	SenderSuffixes []string `yaml:"sender_suffixes"`
}

// DefaultRules returns the built-in boilerplate rules.
func DefaultRules() Rules {
	return Rules{
		LinePatterns: []string{
			`^\W*unsubscribe\W*(?:here\W*)?(?:<?https?://\S+>?)?\s*$`,
			`(?:click|tap) here to unsubscribe`,
			`\bunsubscribe (?:here|now|instantly)\b`,
			`\bunsubscribe from (?:this|these|our|all (?:future )?)\s*(?:list|emails?|newsletters?|mailings?|messages)\b`,
			`^\W*unsubscribe\s*[|·•]`,
			`[|·•]\s*unsubscribe\W*$`,
			`^\W*view (?:\w+ ){0,3}in (?:your |a |the )?(?:web )?browser\W*$`,
			`^-{2,}\s*forwarded message\s*-{2,}$`,
			`^begin forwarded message`,
			`^\W*forwarded (?:by|this email)`,
			`^\W*manage (?:your )?(?:email |subscription |notification )?(?:preferences|subscriptions?|settings)\W*$`,
			`^\W*update your (?:email )?preferences\W*$`,
			`^\W*you(?:'re| are) receiving this`,
			`^\W*you received this (?:email|message) because`,
			`^(?:read|open) in (?:the )?app$`,
			`^(?:share|like|comment|restack|subscribe|subscribe now|upgrade to paid|get the app|start writing)$`,
			`^\W*(?:©|\(c\)|copyright\b).*all rights reserved`,
			`^\W*all rights reserved\W*$`,
			`^https?://\S*(?:utm_|/track|/click|/redirect|/open\?|list-manage\.com|email\.mg\.)\S*$`,
		},
		Selectors: []string{
			".preheader",
			".footer",
			".email-footer",
			".unsubscribe",
			"[hidden]",
		},
		SenderSuffixes: []string{
			"via Substack",
			"from Substack",
		},
	}
}

// LoadRules reads a rules file and appends it to the defaults. The file may
// nest everything under a top-level "normalize" key.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return rules, eris.Wrapf(err, "normalize: read rules %s", path)
	}

	var wrapper struct {
		Normalize *Rules `yaml:"normalize"`
		Rules     `yaml:",inline"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return rules, eris.Wrapf(err, "normalize: parse rules %s", path)
	}
	extra := wrapper.Rules
	if wrapper.Normalize != nil {
		extra = *wrapper.Normalize
	}

	rules.LinePatterns = append(rules.LinePatterns, extra.LinePatterns...)
	rules.Selectors = append(rules.Selectors, extra.Selectors...)
	rules.SenderSuffixes = append(rules.SenderSuffixes, extra.SenderSuffixes...)
	return rules, nil
}
