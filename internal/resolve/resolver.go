// Package resolve maps extracted candidates onto the tenant's company
// records and records their mentions.
package resolve

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/substack-intel/internal/model"
	"github.com/sells-group/substack-intel/internal/queue"
	"github.com/sells-group/substack-intel/internal/resilience"
	"github.com/sells-group/substack-intel/internal/store"
)

// CompanyStore is the slice of store.Store the resolver needs.
type CompanyStore interface {
	UpsertCompanyMention(ctx context.Context, in store.MentionUpsert) (*store.MentionResult, error)
	FindCompany(ctx context.Context, userID, normalizedName string) (*model.Company, error)
	SimilarCompanies(ctx context.Context, userID, normalizedName string, limit int) ([]model.Company, error)
	SetEnrichmentStatus(ctx context.Context, companyID int64, status model.EnrichmentStatus) error
}

// EnrichmentPublisher receives newly created companies.
type EnrichmentPublisher interface {
	PublishCompany(ctx context.Context, ev queue.CompanyEvent) error
}

// Options tunes a Resolver.
type Options struct {
	// FuzzyThreshold enables near-duplicate matching when > 0.
	FuzzyThreshold float64
	Retry          resilience.RetryConfig
	Publisher      EnrichmentPublisher
}

// Resolution is the outcome for one candidate.
type Resolution struct {
	CompanyID           int64
	MentionID           int64
	NormalizedName      string
	CompanyCreated      bool
	MentionCreated      bool
	FuzzyMatched        bool
	MentionCount        int
	NewsletterDiversity int
}

// Resolver finds or creates companies and records mentions.
type Resolver struct {
	store CompanyStore
	opts  Options
}

// New creates a Resolver.
func New(st CompanyStore, opts Options) *Resolver {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DedupPolicy()
	}
	return &Resolver{store: st, opts: opts}
}

// ResolveAndRecord upserts the company for c and records its mention in
// emailID. A lost race on the company row is retried per the dedup policy
// and otherwise returned as *resilience.DedupConflictError.
func (r *Resolver) ResolveAndRecord(ctx context.Context, userID string, c model.Candidate, emailID string) (*Resolution, error) {
	key := NormalizeName(c.Name)
	if key == "" {
		return nil, eris.Errorf("resolve: candidate %q has an empty normalized name", c.Name)
	}

	fuzzy := false
	if r.opts.FuzzyThreshold > 0 {
		matched, err := r.fuzzyKey(ctx, userID, key)
		if err != nil {
			return nil, err
		}
		if matched != key {
			zap.L().Debug("resolve: fuzzy match",
				zap.String("candidate", key),
				zap.String("matched", matched),
			)
			key, fuzzy = matched, true
		}
	}

	res, err := resilience.DoVal(ctx, r.opts.Retry, func(ctx context.Context) (*store.MentionResult, error) {
		return r.store.UpsertCompanyMention(ctx, store.MentionUpsert{
			UserID:         userID,
			EmailID:        emailID,
			NormalizedName: key,
			Candidate:      c,
		})
	})
	if err != nil {
		return nil, eris.Wrapf(err, "resolve: record %q", key)
	}

	out := &Resolution{
		CompanyID:           res.CompanyID,
		MentionID:           res.MentionID,
		NormalizedName:      key,
		CompanyCreated:      res.CompanyCreated,
		MentionCreated:      res.MentionCreated,
		FuzzyMatched:        fuzzy,
		MentionCount:        res.MentionCount,
		NewsletterDiversity: res.NewsletterDiversity,
	}
	if res.CompanyCreated {
		r.enqueue(ctx, userID, emailID, c, out)
	}
	return out, nil
}

// RecordAll records every candidate of one email. Duplicates by normalized
// name keep the highest confidence. The first error stops the loop.
func (r *Resolver) RecordAll(ctx context.Context, userID, emailID string, candidates []model.Candidate) ([]Resolution, error) {
	unique := Dedupe(candidates)
	out := make([]Resolution, 0, len(unique))
	for _, c := range unique {
		res, err := r.ResolveAndRecord(ctx, userID, c, emailID)
		if err != nil {
			return out, err
		}
		out = append(out, *res)
	}
	return out, nil
}

// Dedupe collapses candidates sharing a normalized name, keeping the one
// with the highest confidence in first-seen order.
func Dedupe(candidates []model.Candidate) []model.Candidate {
	idx := make(map[string]int, len(candidates))
	out := make([]model.Candidate, 0, len(candidates))
	for _, c := range candidates {
		key := NormalizeName(c.Name)
		if key == "" {
			continue
		}
		if i, ok := idx[key]; ok {
			if c.Confidence > out[i].Confidence {
				out[i] = c
			}
			continue
		}
		idx[key] = len(out)
		out = append(out, c)
	}
	return out
}

// fuzzyKey returns the normalized name of the closest existing company when
// no exact match exists and the best score reaches the threshold.
func (r *Resolver) fuzzyKey(ctx context.Context, userID, key string) (string, error) {
	exact, err := r.store.FindCompany(ctx, userID, key)
	if err != nil {
		return "", eris.Wrap(err, "resolve: exact lookup")
	}
	if exact != nil {
		return key, nil
	}
	similar, err := r.store.SimilarCompanies(ctx, userID, key, 5)
	if err != nil {
		return "", eris.Wrap(err, "resolve: similar lookup")
	}
	best, bestScore := key, 0.0
	for _, c := range similar {
		if s := Similarity(key, c.NormalizedName); s > bestScore {
			best, bestScore = c.NormalizedName, s
		}
	}
	if bestScore >= r.opts.FuzzyThreshold {
		return best, nil
	}
	return key, nil
}

// enqueue is best effort: a queue outage must not fail the email.
func (r *Resolver) enqueue(ctx context.Context, userID, emailID string, c model.Candidate, res *Resolution) {
	if r.opts.Publisher == nil {
		return
	}
	log := zap.L().With(zap.Int64("company_id", res.CompanyID), zap.String("normalized_name", res.NormalizedName))
	err := r.opts.Publisher.PublishCompany(ctx, queue.CompanyEvent{
		UserID:         userID,
		CompanyID:      res.CompanyID,
		Name:           c.Name,
		NormalizedName: res.NormalizedName,
		Website:        c.Website,
		EmailID:        emailID,
	})
	if err != nil {
		log.Warn("resolve: enrichment enqueue failed", zap.Error(err))
		return
	}
	if err := r.store.SetEnrichmentStatus(ctx, res.CompanyID, model.EnrichmentQueued); err != nil {
		log.Warn("resolve: mark company queued", zap.Error(err))
	}
}
