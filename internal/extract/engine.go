// Package extract turns cleaned newsletter text into scored company
// candidates using a language model.
package extract

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/substack-intel/internal/model"
	"github.com/sells-group/substack-intel/internal/resilience"
	"github.com/sells-group/substack-intel/internal/resolve"
)

// DefaultConfidenceThreshold drops candidates the model is unsure about.
const DefaultConfidenceThreshold = 0.5

// Config tunes an Engine.
type Config struct {
	// ConfidenceThreshold drops candidates scored below it. Zero means
	// DefaultConfidenceThreshold.
	ConfidenceThreshold float64
	// MissingConfidence scores candidates the model gave no readable
	// confidence for. Zero means ConfidenceThreshold, so they are kept.
	MissingConfidence float64
	Verify              bool
	MaxInputChars       int
	Retry               resilience.RetryConfig
	Breaker             *resilience.CircuitBreaker
	Limiter             *AdaptiveLimiter
}

// ExtractionResult is the outcome for one email.
type ExtractionResult struct {
	Companies   []model.Candidate
	ParseFailed bool
	Dropped     int // candidates removed by validation, threshold or verification
}

// Engine calls the LLM and validates what comes back. It never touches
// storage.
type Engine struct {
	llm     LLMClient
	cfg     Config
	breaker *resilience.CircuitBreaker
	limiter *AdaptiveLimiter
}

// New creates an Engine. Zero-valued config fields take defaults.
func New(llm LLMClient, cfg Config) *Engine {
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if cfg.MissingConfidence <= 0 {
		cfg.MissingConfidence = cfg.ConfidenceThreshold
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = 30000
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = resilience.ExtractionPolicy()
	}
	breaker := cfg.Breaker
	if breaker == nil {
		bc := resilience.DefaultCircuitBreakerConfig()
		bc.Name = "llm"
		breaker = resilience.NewCircuitBreaker(bc)
	}
	return &Engine{llm: llm, cfg: cfg, breaker: breaker, limiter: cfg.Limiter}
}

// ExtractCompanies returns the companies mentioned in cleanText. Transient
// provider failures are retried; once retries are exhausted the error is an
// *resilience.ExtractionError. Auth failures come back as
// *resilience.AuthError. A response that cannot be parsed is not an error:
// the result is empty with ParseFailed set.
func (e *Engine) ExtractCompanies(ctx context.Context, cleanText, newsletterName string) (*ExtractionResult, error) {
	if strings.TrimSpace(cleanText) == "" {
		return &ExtractionResult{Companies: []model.Candidate{}}, nil
	}
	log := zap.L().With(zap.String("newsletter", newsletterName))

	comp, err := e.complete(ctx, buildExtractPrompt(cleanText, newsletterName, e.cfg.MaxInputChars))
	if err != nil {
		return nil, err
	}

	items, err := parseResponse(comp.Text)
	if err != nil {
		log.Warn("extract: unparseable llm response",
			zap.Int("response_len", len(comp.Text)),
			zap.Error(err),
		)
		return &ExtractionResult{Companies: []model.Candidate{}, ParseFailed: true}, nil
	}

	candidates, dropped := e.validate(items)
	res := &ExtractionResult{Companies: candidates, Dropped: dropped}

	if e.cfg.Verify && len(candidates) > 0 {
		verified, vdropped, err := e.verify(ctx, cleanText, candidates)
		switch {
		case err != nil && resilience.IsFatal(err):
			return nil, err
		case err != nil && ctx.Err() != nil:
			return nil, err
		case err != nil:
			log.Warn("extract: verification failed, keeping unverified candidates", zap.Error(err))
		default:
			res.Companies = verified
			res.Dropped += vdropped
		}
	}

	log.Debug("extract: candidates",
		zap.Int("kept", len(res.Companies)),
		zap.Int("dropped", res.Dropped),
	)
	return res, nil
}

// complete runs one LLM call under the limiter, the circuit breaker and
// the retry policy.
func (e *Engine) complete(ctx context.Context, p Prompt) (*Completion, error) {
	comp, err := resilience.DoVal(ctx, e.cfg.Retry, func(ctx context.Context) (*Completion, error) {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return resilience.ExecuteVal(ctx, e.breaker, func(ctx context.Context) (*Completion, error) {
			c, err := e.llm.Complete(ctx, p)
			if err != nil {
				var ee *resilience.ExtractionError
				if errors.As(err, &ee) && ee.StatusCode == 429 {
					e.limiter.OnRateLimit()
				}
				return nil, err
			}
			e.limiter.OnSuccess()
			return c, nil
		})
	})
	if err != nil {
		return nil, eris.Wrapf(err, "extract: %s", p.Phase)
	}
	return comp, nil
}

// validate normalizes fields, drops implausible or low-confidence items and
// collapses duplicates by normalized name, keeping the highest confidence.
func (e *Engine) validate(items []rawCandidate) ([]model.Candidate, int) {
	byKey := make(map[string]int, len(items))
	out := make([]model.Candidate, 0, len(items))
	dropped := 0

	for _, it := range items {
		name, ok := plausibleName(it.str("name", "company", "company_name"))
		if !ok {
			dropped++
			continue
		}
		key := resolve.NormalizeName(name)
		if key == "" {
			dropped++
			continue
		}
		mentionCtx := strings.TrimSpace(it.str("context", "quote", "mention"))
		conf, ok := readConfidence(it.val("confidence", "score"))
		if !ok {
			conf = e.cfg.MissingConfidence
		}
		c := model.Candidate{
			Name:          name,
			Description:   cleanOptional(it.str("description")),
			Website:       cleanWebsite(it.str("website", "url")),
			FundingStatus: inferFunding(it.str("funding_status", "fundingStatus", "funding"), mentionCtx),
			Industry:      industryTags(it.val("industry", "industries", "tags")),
			Sentiment:     NormalizeSentiment(it.str("sentiment")),
			Confidence:    conf,
			Context:       mentionCtx,
		}
		if c.Confidence < e.cfg.ConfidenceThreshold {
			dropped++
			continue
		}

		if i, seen := byKey[key]; seen {
			dropped++
			if c.Confidence > out[i].Confidence {
				out[i] = c
			}
			continue
		}
		byKey[key] = len(out)
		out = append(out, c)
	}
	return out, dropped
}

// verify asks the model to confirm each candidate. Names the verifier does
// not mention are kept as they were.
func (e *Engine) verify(ctx context.Context, cleanText string, candidates []model.Candidate) ([]model.Candidate, int, error) {
	comp, err := e.complete(ctx, buildVerifyPrompt(cleanText, candidates, e.cfg.MaxInputChars))
	if err != nil {
		return nil, 0, err
	}
	items, err := parseResponse(comp.Text)
	if err != nil {
		return nil, 0, &resilience.ExtractionParseError{Raw: comp.Text, Err: err}
	}

	type verdict struct {
		ok   bool
		conf float64
		has  bool
	}
	verdicts := make(map[string]verdict, len(items))
	for _, it := range items {
		key := resolve.NormalizeName(it.str("name"))
		if key == "" {
			continue
		}
		v := verdict{ok: true, conf: -1}
		if raw, ok := it["is_company"]; ok {
			switch t := raw.(type) {
			case bool:
				v.ok = t
			case string:
				v.ok = strings.EqualFold(strings.TrimSpace(t), "true") || strings.EqualFold(strings.TrimSpace(t), "yes")
			}
		}
		v.conf, v.has = readConfidence(it.val("confidence"))
		verdicts[key] = v
	}

	out := make([]model.Candidate, 0, len(candidates))
	dropped := 0
	for _, c := range candidates {
		v, found := verdicts[resolve.NormalizeName(c.Name)]
		if found && !v.ok {
			dropped++
			continue
		}
		if found && v.has && v.conf < c.Confidence {
			c.Confidence = v.conf
		}
		if c.Confidence < e.cfg.ConfidenceThreshold {
			dropped++
			continue
		}
		out = append(out, c)
	}
	return out, dropped, nil
}
