package mailbox

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/sells-group/substack-intel/internal/model"
	"github.com/sells-group/substack-intel/internal/resilience"
)

const gmailUser = "me"

// GmailOptions configures a GmailConnector.
type GmailOptions struct {
	// Query is the Gmail search expression selecting newsletters.
	Query string
	// RateLimit caps message fetches per second; <= 0 means unlimited.
	RateLimit float64
	// BaseURL overrides the API endpoint (tests).
	BaseURL string
	Now     func() time.Time
}

// GmailConnector reads messages through the Gmail API.
type GmailConnector struct {
	svc     *gmail.Service
	query   string
	limiter *rate.Limiter
	now     func() time.Time
}

// NewGmailConnector creates a connector that authenticates with ts.
func NewGmailConnector(ctx context.Context, ts oauth2.TokenSource, opts GmailOptions) (*GmailConnector, error) {
	svcOpts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, ts))}
	if opts.BaseURL != "" {
		svcOpts = append(svcOpts, option.WithEndpoint(strings.TrimSuffix(opts.BaseURL, "/")+"/"))
	}
	svc, err := gmail.NewService(ctx, svcOpts...)
	if err != nil {
		return nil, eris.Wrap(err, "mailbox: create gmail service")
	}

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &GmailConnector{
		svc:     svc,
		query:   opts.Query,
		limiter: rate.NewLimiter(limit, 1),
		now:     now,
	}, nil
}

// FetchRecentMessages lists messages matching the newsletter query received
// in the last lookbackDays and fetches each one in full.
func (g *GmailConnector) FetchRecentMessages(ctx context.Context, lookbackDays, maxResults int) ([]model.RawMessage, error) {
	lookbackDays = ClampLookback(lookbackDays)
	maxResults = ClampMaxResults(maxResults)

	ids, err := g.listIDs(ctx, g.searchQuery(lookbackDays), maxResults)
	if err != nil {
		return nil, err
	}

	out := make([]model.RawMessage, 0, len(ids))
	for _, id := range ids {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "mailbox: rate limiter")
		}
		msg, err := g.svc.Users.Messages.Get(gmailUser, id).Format("full").Context(ctx).Do()
		if err != nil {
			var gerr *googleapi.Error
			if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
				zap.L().Warn("mailbox: message vanished between list and get", zap.String("message_id", id))
				continue
			}
			return nil, eris.Wrapf(classifyGmailError(ctx, err), "mailbox: get message %s", id)
		}
		out = append(out, toRawMessage(msg))
	}

	zap.L().Info("mailbox: fetched messages",
		zap.Int("count", len(out)),
		zap.Int("lookback_days", lookbackDays),
	)
	return out, nil
}

// TestConnection checks that the credentials can read the mailbox profile.
func (g *GmailConnector) TestConnection(ctx context.Context) (bool, error) {
	if _, err := g.svc.Users.GetProfile(gmailUser).Context(ctx).Do(); err != nil {
		return false, eris.Wrap(classifyGmailError(ctx, err), "mailbox: get profile")
	}
	return true, nil
}

func (g *GmailConnector) searchQuery(lookbackDays int) string {
	after := g.now().AddDate(0, 0, -lookbackDays).Unix()
	return strings.TrimSpace(g.query + " after:" + strconv.FormatInt(after, 10))
}

func (g *GmailConnector) listIDs(ctx context.Context, q string, maxResults int) ([]string, error) {
	var ids []string
	pageToken := ""
	for len(ids) < maxResults {
		call := g.svc.Users.Messages.List(gmailUser).Q(q).MaxResults(int64(maxResults - len(ids))).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, eris.Wrap(classifyGmailError(ctx, err), "mailbox: list messages")
		}
		for _, m := range resp.Messages {
			if len(ids) == maxResults {
				break
			}
			ids = append(ids, m.Id)
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return ids, nil
}

// classifyGmailError maps API and token failures onto the resilience
// taxonomy.
func classifyGmailError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return resilience.ClassifyHTTP("gmail", gerr.Code, err)
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.Response != nil && resilience.IsTransientHTTPStatus(rerr.Response.StatusCode) {
			return resilience.NewTransientError(err, rerr.Response.StatusCode)
		}
		return resilience.NewAuthError("gmail", err)
	}
	if errors.Is(err, context.DeadlineExceeded) || resilience.IsTransient(err) {
		return resilience.NewTransientError(err, 0)
	}
	return err
}

func toRawMessage(msg *gmail.Message) model.RawMessage {
	raw := model.RawMessage{MessageID: msg.Id}
	if msg.InternalDate > 0 {
		raw.ReceivedAt = time.UnixMilli(msg.InternalDate).UTC()
	}
	if msg.Payload == nil {
		return raw
	}
	for _, h := range msg.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "subject":
			raw.Subject = decodeHeader(h.Value)
		case "from":
			raw.Sender = decodeHeader(h.Value)
		case "date":
			if raw.ReceivedAt.IsZero() {
				if t, err := mail.ParseDate(h.Value); err == nil {
					raw.ReceivedAt = t.UTC()
				}
			}
		}
	}
	walkParts(msg.Payload, &raw)
	return raw
}

// walkParts keeps the first text/html and text/plain bodies found,
// depth first, skipping attachments.
func walkParts(p *gmail.MessagePart, raw *model.RawMessage) {
	if p == nil || p.Filename != "" {
		return
	}
	mediaType, params, err := mime.ParseMediaType(partContentType(p))
	if err != nil {
		mediaType = strings.ToLower(p.MimeType)
	}

	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		for _, child := range p.Parts {
			walkParts(child, raw)
		}
	case mediaType == "text/html" && raw.HTML == "":
		raw.HTML = decodeBody(p.Body, params["charset"])
	case mediaType == "text/plain" && raw.Text == "":
		raw.Text = decodeBody(p.Body, params["charset"])
	}
}

func partContentType(p *gmail.MessagePart) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, "Content-Type") {
			return h.Value
		}
	}
	return p.MimeType
}

func decodeBody(body *gmail.MessagePartBody, charset string) string {
	if body == nil || body.Data == "" {
		return ""
	}
	data, err := base64.URLEncoding.DecodeString(body.Data)
	if err != nil {
		data, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(body.Data, "="))
		if err != nil {
			zap.L().Debug("mailbox: undecodable body", zap.Error(err))
			return ""
		}
	}
	return toUTF8(data, charset)
}

// toUTF8 converts data from charset; unknown charsets pass through.
func toUTF8(data []byte, charset string) string {
	cs := strings.ToLower(strings.TrimSpace(charset))
	if cs == "" || cs == "utf-8" || cs == "utf8" || cs == "us-ascii" {
		return string(data)
	}
	enc, err := htmlindex.Get(cs)
	if err != nil {
		return string(data)
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return string(data)
	}
	return string(out)
}

var wordDecoder = &mime.WordDecoder{
	CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "mailbox: unsupported charset %q", charset)
		}
		return enc.NewDecoder().Reader(input), nil
	},
}

// decodeHeader expands RFC 2047 encoded words.
func decodeHeader(v string) string {
	out, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return out
}
