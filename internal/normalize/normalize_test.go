package normalize

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/substack-intel/internal/model"
)

const newsletterHTML = `<!DOCTYPE html>
<html>
<head><title>Weekly</title><style>p { color: red; }</style></head>
<body>
  <div class="preheader" style="display:none;max-height:0">Preview text nobody sees</div>
  <table><tr><td><a href="https://example.substack.com/app">READ IN APP</a></td></tr></table>
  <h1>This week in fintech</h1>
  <p>Acme Inc. raised a $10M Series A led by Foo Ventures.</p>
  <p>Globex   is hiring&nbsp;engineers.<br>Initech shut down.</p>
  <ul><li>First item</li><li>Second item</li></ul>
  <script>track()</script>
  <img src="https://t.example.com/open.gif" width="1" height="1">
  <p><a href="https://example.substack.com/action/unsubscribe">Unsubscribe</a></p>
  <p>© 2026 Example Media. All rights reserved.</p>
</body>
</html>`

func TestCleanHTML(t *testing.T) {
	n := Default()
	got := n.CleanHTML(newsletterHTML)

	want := strings.Join([]string{
		"This week in fintech",
		"",
		"Acme Inc. raised a $10M Series A led by Foo Ventures.",
		"",
		"Globex is hiring engineers.",
		"Initech shut down.",
		"",
		"First item",
		"",
		"Second item",
	}, "\n")
	assert.Equal(t, want, got)
}

func TestCleanHTML_RemovesHiddenAndPixels(t *testing.T) {
	n := Default()
	got := n.CleanHTML(`<div><span style="display: none">hidden</span><img src="x" width="0"><p>Visible</p><noscript>ns</noscript></div>`)
	assert.Equal(t, "Visible", got)
}

func TestCleanHTML_Deterministic(t *testing.T) {
	n := Default()
	assert.Equal(t, n.CleanHTML(newsletterHTML), n.CleanHTML(newsletterHTML))
}

func TestCleanText(t *testing.T) {
	n := Default()
	body := "View this post in your browser\r\n" +
		"\r\n\r\n\r\n" +
		"Acme   raised money.  [image: logo]\r\n" +
		"Read more: https://example.com/p/acme?utm_source=email\r\n" +
		"\r\n" +
		"Globex IPO'd.\r\n" +
		"Share\r\n" +
		"Unsubscribe https://example.com/unsub\r\n"

	assert.Equal(t, "Acme raised money.\nRead more:\n\nGlobex IPO'd.", n.CleanText(body))
}

func TestCleanHTML_KeepsContentAroundFooterLinks(t *testing.T) {
	n := Default()
	tests := []struct {
		name string
		html string
		want string
	}{
		{
			name: "unsubscribe link inside a content paragraph",
			html: `<p>Acme Inc. raised a $10M Series A. <a href="https://x.substack.com/action/unsubscribe">Unsubscribe</a></p>`,
			want: "Acme Inc. raised a $10M Series A.",
		},
		{
			name: "short email in a single wrapper",
			html: `<div><p>Quick brief: Acme Inc. raised a $10M Series A.</p><p><a href="https://x.substack.com/action/unsubscribe">Unsubscribe</a></p></div>`,
			want: "Quick brief: Acme Inc. raised a $10M Series A.",
		},
		{
			name: "footer bar",
			html: `<p>Globex is hiring.</p><p><a href="#">Unsubscribe</a> | <a href="#">Manage preferences</a></p>`,
			want: "Globex is hiring.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, n.CleanHTML(tt.html))
		})
	}
}

func TestCleanText_KeepsLinesMentioningUnsubscribe(t *testing.T) {
	n := Default()
	body := "Globex launched a tool that lets users unsubscribe from 40 services at once.\n" +
		"Initech raised $5M.\n" +
		"Click here to unsubscribe from this list.\n" +
		"Unsubscribe"

	assert.Equal(t,
		"Globex launched a tool that lets users unsubscribe from 40 services at once.\nInitech raised $5M.",
		n.CleanText(body))
}

func TestCleanText_ForwardedHeaders(t *testing.T) {
	n := Default()
	body := `FYI

---------- Forwarded message ---------
From: Alpha Weekly <alpha@substack.com>
Date: Mon, 4 May 2026 at 09:00
Subject: Issue #12
To: <me@example.com>

Acme raised a seed round.`

	assert.Equal(t, "FYI\n\nAcme raised a seed round.", n.CleanText(body))
}

func TestNormalize_PrefersHTMLAndFallsBack(t *testing.T) {
	n := Default()

	got := n.Normalize(model.RawMessage{
		Sender:  `"Alpha Weekly" <alpha@substack.com>`,
		Subject: "Issue 12",
		HTML:    "<p>From HTML</p>",
		Text:    "From text",
	})
	assert.Equal(t, "From HTML", got.CleanText)
	assert.Equal(t, "Alpha Weekly", got.NewsletterName)

	got = n.Normalize(model.RawMessage{HTML: "<script>x()</script>", Text: "From text"})
	assert.Equal(t, "From text", got.CleanText)
	assert.Equal(t, model.UnknownNewsletter, got.NewsletterName)

	got = n.Normalize(model.RawMessage{})
	assert.Empty(t, got.CleanText)
}

func TestNormalizeBody_SniffsHTML(t *testing.T) {
	n := Default()
	assert.Equal(t, "Hello", n.NormalizeBody("<div>Hello</div>", "", "").CleanText)
	assert.Equal(t, "a < b", n.NormalizeBody("a < b", "", "").CleanText)
}

func TestNewsletterName(t *testing.T) {
	n := Default()
	tests := []struct {
		name    string
		sender  string
		subject string
		want    string
	}{
		{"quoted display name", `"The Diff" <diff@substack.com>`, "", "The Diff"},
		{"via substack suffix", `Lenny's Newsletter via Substack <lenny@substack.com>`, "", "Lenny's Newsletter"},
		{"bare address uses subject prefix", "news@acme.com", "Fintech Daily: Acme raises", "Fintech Daily"},
		{"bracketed subject", "news@acme.com", "[Deal Flow] This week", "Deal Flow"},
		{"reply prefixes stripped", "", "Fwd: Re: Market Memo | Issue 4", "Market Memo"},
		{"dash separator", "", "Startup Pulse - May 4", "Startup Pulse"},
		{"nothing plausible", "news@acme.com", "Weekly roundup", model.UnknownNewsletter},
		{"too long", `"` + strings.Repeat("x", 120) + `" <a@b.com>`, "", model.UnknownNewsletter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, n.NewsletterName(tt.sender, tt.subject))
		})
	}
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`normalize:
  line_patterns:
    - "^sponsored by"
  selectors:
    - ".ad-block"
  sender_suffixes:
    - "on Beehiiv"
`), 0o600))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	assert.Contains(t, rules.LinePatterns, "^sponsored by")
	assert.Subset(t, rules.LinePatterns, DefaultRules().LinePatterns, "defaults are kept")
	assert.Contains(t, rules.Selectors, ".ad-block")

	n, err := New(rules)
	require.NoError(t, err)
	assert.Equal(t, "Acme news", n.CleanText("Sponsored by Globex\nAcme news"))
	assert.Equal(t, "Growth Memo", n.NewsletterName("Growth Memo on Beehiiv <g@beehiiv.com>", ""))
	assert.Equal(t, "Real", n.CleanHTML(`<div class="ad-block">Buy now</div><p>Real</p>`))
}

func TestLoadRules_FlatFileAndErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flat.yaml")
	require.NoError(t, os.WriteFile(path, []byte("line_patterns: [\"^promo:\"]\n"), 0o600))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	assert.Contains(t, rules.LinePatterns, "^promo:")

	_, err = LoadRules(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	rules, err = LoadRules("")
	require.NoError(t, err)
	assert.Equal(t, DefaultRules(), rules)

	_, err = New(Rules{LinePatterns: []string{"("}})
	assert.Error(t, err)
}
