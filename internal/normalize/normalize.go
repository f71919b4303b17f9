// Package normalize turns raw newsletter bodies into clean plain text and
// guesses the newsletter's name. It is pure: the same message always yields
// the same output.
package normalize

import (
	"net/mail"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sells-group/substack-intel/internal/model"
)

const (
	paraMark = "\u2029"
	lineMark = "\u2028"

	// Elements longer than this are never dropped as boilerplate.
	maxBoilerplateLen = 200
	maxNameLen        = 100
)

var (
	blockSelector = "p, div, li, h1, h2, h3, h4, h5, h6, tr, blockquote, table, section, article, header, footer, ul, ol, pre, hr"
	leafSelector  = "a, span, small, p, li, td, th, div, footer"

	spaceRe     = regexp.MustCompile(`[ \t\f\v\r\n\x{00a0}\x{200b}\x{200c}\x{feff}]+`)
	inlineRe    = regexp.MustCompile(`[ \t\x{00a0}]+`)
	trackURLRe  = regexp.MustCompile(`(?i)<?https?://\S*(?:utm_|/track|/click|/redirect|/open\?|list-manage\.com|email\.mg\.)\S*>?`)
	imageRe     = regexp.MustCompile(`(?i)\[image:[^\]]*\]`)
	htmlSniffRe = regexp.MustCompile(`(?i)<(?:html|body|div|p|br|table|span|a|img)\b`)
	fwdHeaderRe = regexp.MustCompile(`(?i)^(?:from|date|sent|subject|to|cc):\s`)
	fwdMarkRe   = regexp.MustCompile(`(?i)^(?:-{2,}\s*forwarded message|begin forwarded message)`)
	replyRe     = regexp.MustCompile(`(?i)^(?:(?:re|fwd?|aw|wg)\s*:\s*)+`)
	bracketRe   = regexp.MustCompile(`^\[([^\]]+)\]`)
	pixelStyle  = regexp.MustCompile(`(?i)display\s*:\s*none|visibility\s*:\s*hidden|max-height\s*:\s*0|(?:^|;)\s*(?:width|height)\s*:\s*[01]px`)
)

// Normalizer cleans message bodies.
type Normalizer struct {
	linePatterns   []*regexp.Regexp
	selectors      string
	senderSuffixes []string
}

// New compiles rules into a Normalizer.
func New(rules Rules) (*Normalizer, error) {
	n := &Normalizer{
		selectors:      strings.Join(rules.Selectors, ", "),
		senderSuffixes: rules.SenderSuffixes,
	}
	for _, p := range rules.LinePatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, eris.Wrapf(err, "normalize: compile pattern %q", p)
		}
		n.linePatterns = append(n.linePatterns, re)
	}
	return n, nil
}

// NewFromFile builds a Normalizer from the defaults plus an optional rules
// file.
func NewFromFile(path string) (*Normalizer, error) {
	rules, err := LoadRules(path)
	if err != nil {
		return nil, err
	}
	return New(rules)
}

// Default returns a Normalizer with the built-in rules.
func Default() *Normalizer {
	n, err := New(DefaultRules())
	if err != nil {
		panic(err)
	}
	return n
}

// Normalize cleans msg, preferring the HTML body.
func (n *Normalizer) Normalize(msg model.RawMessage) model.NormalizedContent {
	var text string
	if msg.HTML != "" {
		text = n.CleanHTML(msg.HTML)
	}
	if text == "" && msg.Text != "" {
		text = n.CleanText(msg.Text)
	}
	return model.NormalizedContent{
		CleanText:      text,
		NewsletterName: n.NewsletterName(msg.Sender, msg.Subject),
	}
}

// NormalizeBody cleans a stored body whose format is unknown.
func (n *Normalizer) NormalizeBody(body, sender, subject string) model.NormalizedContent {
	msg := model.RawMessage{Sender: sender, Subject: subject}
	if htmlSniffRe.MatchString(body) {
		msg.HTML = body
	} else {
		msg.Text = body
	}
	return n.Normalize(msg)
}

// CleanHTML extracts readable text from an HTML body.
func (n *Normalizer) CleanHTML(body string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return n.CleanText(body)
	}

	doc.Find("script, style, head, noscript, iframe, title, meta, link, svg").Remove()
	if n.selectors != "" {
		doc.Find(n.selectors).Remove()
	}
	doc.Find("*").FilterFunction(hidden).Remove()

	// Only elements without block children are candidates, so a wrapper
	// never takes its content down with a footer link.
	doc.Find(leafSelector).Each(func(_ int, s *goquery.Selection) {
		if s.Find(blockSelector).Length() > 0 {
			return
		}
		txt := strings.TrimSpace(spaceRe.ReplaceAllString(s.Text(), " "))
		if txt != "" && len(txt) <= maxBoilerplateLen && n.isBoilerplate(txt) {
			s.Remove()
		}
	})

	doc.Find("br").ReplaceWithHtml(lineMark)
	doc.Find("td, th").AfterHtml(" ")
	doc.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		s.BeforeHtml(paraMark)
		s.AfterHtml(paraMark)
	})

	text := spaceRe.ReplaceAllString(doc.Text(), " ")
	text = strings.NewReplacer(paraMark, "\n\n", lineMark, "\n").Replace(text)
	return n.cleanLines(text)
}

// CleanText cleans a plain-text body.
func (n *Normalizer) CleanText(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = imageRe.ReplaceAllString(body, "")
	return n.cleanLines(body)
}

func (n *Normalizer) cleanLines(text string) string {
	text = trackURLRe.ReplaceAllString(text, "")

	var out []string
	blank := true
	inFwdHeader := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(inlineRe.ReplaceAllString(line, " "))

		if fwdMarkRe.MatchString(line) {
			inFwdHeader = true
			continue
		}
		if inFwdHeader {
			if line == "" || fwdHeaderRe.MatchString(line) {
				continue
			}
			inFwdHeader = false
		}

		if line == "" {
			if !blank {
				out = append(out, "")
				blank = true
			}
			continue
		}
		if len(line) <= maxBoilerplateLen && n.isBoilerplate(line) {
			continue
		}
		out = append(out, line)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func (n *Normalizer) isBoilerplate(line string) bool {
	for _, re := range n.linePatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// hidden matches tracking pixels and elements styled out of view.
func hidden(_ int, s *goquery.Selection) bool {
	if style, ok := s.Attr("style"); ok && pixelStyle.MatchString(style) {
		return true
	}
	if goquery.NodeName(s) != "img" {
		return false
	}
	return tiny(s, "width") || tiny(s, "height")
}

func tiny(s *goquery.Selection, attr string) bool {
	v, ok := s.Attr(attr)
	if !ok {
		return false
	}
	px, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(v), "px"))
	return err == nil && px <= 1
}

// NewsletterName picks the newsletter's display name from the sender,
// falling back to the subject line and then to model.UnknownNewsletter.
func (n *Normalizer) NewsletterName(sender, subject string) string {
	if name := n.senderName(sender); plausible(name) {
		return name
	}
	if name := subjectName(subject); plausible(name) {
		return name
	}
	return model.UnknownNewsletter
}

func (n *Normalizer) senderName(sender string) string {
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return ""
	}
	var name string
	if addr, err := mail.ParseAddress(sender); err == nil {
		name = addr.Name
	} else if i := strings.Index(sender, "<"); i > 0 {
		name = sender[:i]
	}
	name = strings.Trim(strings.TrimSpace(name), `"'`)
	for _, suffix := range n.senderSuffixes {
		if len(name) >= len(suffix) && strings.EqualFold(name[len(name)-len(suffix):], suffix) {
			name = strings.TrimSpace(name[:len(name)-len(suffix)])
		}
	}
	name = strings.TrimSpace(strings.Trim(name, `"'`))
	if strings.Contains(name, "@") {
		return ""
	}
	return name
}

func subjectName(subject string) string {
	s := strings.TrimSpace(replyRe.ReplaceAllString(strings.TrimSpace(subject), ""))
	if m := bracketRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	for _, sep := range []string{": ", " | ", " - "} {
		if i := strings.Index(s, sep); i > 0 {
			prefix := strings.TrimSpace(s[:i])
			if len(prefix) <= 60 {
				return prefix
			}
		}
	}
	return ""
}

func plausible(name string) bool {
	return name != "" && len(name) < maxNameLen
}
