package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/substack-intel/internal/db"
	"github.com/sells-group/substack-intel/internal/model"
)

const selectCompanySQL = `SELECT id, user_id, name, normalized_name, description, website,
	funding_status, industry, mention_count, newsletter_diversity, first_seen_at,
	last_updated_at, enrichment_status FROM companies`

// upsertCompanySQL inserts a company or fills only its empty fields. The
// row lock taken by ON CONFLICT serializes concurrent writers per company.
const upsertCompanySQL = `INSERT INTO companies (user_id, name, normalized_name, description, website,
	funding_status, industry, first_seen_at, last_updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
ON CONFLICT (user_id, normalized_name) DO UPDATE SET
	description = COALESCE(companies.description, EXCLUDED.description),
	website = COALESCE(companies.website, EXCLUDED.website),
	funding_status = CASE WHEN companies.funding_status = 'unknown'
		THEN EXCLUDED.funding_status ELSE companies.funding_status END,
	industry = ARRAY(SELECT DISTINCT t FROM unnest(companies.industry || EXCLUDED.industry) AS t ORDER BY t),
	last_updated_at = EXCLUDED.last_updated_at
RETURNING id, (xmax = 0) AS inserted`

const insertMentionSQL = `INSERT INTO company_mentions (email_id, company_id, context, sentiment, confidence, extracted_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (email_id, company_id) DO NOTHING
RETURNING id`

const refreshAggregatesSQL = `UPDATE companies SET
	mention_count = (SELECT COUNT(*) FROM company_mentions WHERE company_id = $1),
	newsletter_diversity = (SELECT COUNT(DISTINCT e.newsletter_name)
		FROM company_mentions m JOIN emails e ON e.id = m.email_id WHERE m.company_id = $1)
WHERE id = $1
RETURNING mention_count, newsletter_diversity`

// UpsertCompanyMention finds or creates the company for in.NormalizedName,
// records the mention idempotently and recomputes the company's aggregates,
// all in one transaction.
func (s *PostgresStore) UpsertCompanyMention(ctx context.Context, in MentionUpsert) (*MentionResult, error) {
	c := in.Candidate
	seen := in.SeenAt
	if seen.IsZero() {
		seen = s.clock()
	}
	industry := mergeTags(nil, c.Industry)

	var res MentionResult
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, upsertCompanySQL,
			in.UserID, c.Name, in.NormalizedName, nullIfEmpty(c.Description), nullIfEmpty(c.Website),
			string(fundingOrUnknown(c.FundingStatus)), industry, seen,
		).Scan(&res.CompanyID, &res.CompanyCreated); err != nil {
			return eris.Wrap(err, "upsert company")
		}

		err := tx.QueryRow(ctx, insertMentionSQL,
			in.EmailID, res.CompanyID, c.Context, string(sentimentOrNeutral(c.Sentiment)), c.Confidence, seen,
		).Scan(&res.MentionID)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			if err := tx.QueryRow(ctx,
				`SELECT id FROM company_mentions WHERE email_id = $1 AND company_id = $2`,
				in.EmailID, res.CompanyID,
			).Scan(&res.MentionID); err != nil {
				return eris.Wrap(err, "lookup existing mention")
			}
		case err != nil:
			return eris.Wrap(err, "insert mention")
		default:
			res.MentionCreated = true
		}

		if err := tx.QueryRow(ctx, refreshAggregatesSQL, res.CompanyID).
			Scan(&res.MentionCount, &res.NewsletterDiversity); err != nil {
			return eris.Wrap(err, "refresh company aggregates")
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(classifyPgErr(err, in.NormalizedName), "postgres: record mention of %q", in.NormalizedName)
	}
	return &res, nil
}

func (s *PostgresStore) GetCompany(ctx context.Context, id int64) (*model.Company, error) {
	c, err := scanCompany(s.pool.QueryRow(ctx, selectCompanySQL+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get company %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get company %d", id)
	}
	return c, nil
}

func (s *PostgresStore) FindCompany(ctx context.Context, userID, normalizedName string) (*model.Company, error) {
	c, err := scanCompany(s.pool.QueryRow(ctx,
		selectCompanySQL+` WHERE user_id = $1 AND normalized_name = $2`, userID, normalizedName))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find company %q", normalizedName)
	}
	return c, nil
}

// SimilarCompanies returns the tenant's companies ranked by pg_trgm
// similarity to normalizedName.
func (s *PostgresStore) SimilarCompanies(ctx context.Context, userID, normalizedName string, limit int) ([]model.Company, error) {
	rows, err := s.pool.Query(ctx,
		selectCompanySQL+` WHERE user_id = $1 AND similarity(normalized_name, $2) > 0.3
		ORDER BY similarity(normalized_name, $2) DESC LIMIT $3`,
		userID, normalizedName, limitOrDefault(limit, 5),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: similar companies")
	}
	return collectCompanies(rows)
}

// ListCompanies returns a tenant's companies, most mentioned first.
func (s *PostgresStore) ListCompanies(ctx context.Context, f CompanyFilter) ([]model.Company, error) {
	rows, err := s.pool.Query(ctx,
		selectCompanySQL+` WHERE user_id = $1
		ORDER BY mention_count DESC, last_updated_at DESC LIMIT $2 OFFSET $3`,
		f.UserID, limitOrDefault(f.Limit, 50), f.Offset,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list companies")
	}
	return collectCompanies(rows)
}

// ListMentions returns a company's mentions with their source newsletter,
// newest first.
func (s *PostgresStore) ListMentions(ctx context.Context, companyID int64) ([]model.Mention, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT m.id, m.email_id, m.company_id, m.context, m.sentiment, m.confidence, m.extracted_at,
			e.newsletter_name, e.subject
		FROM company_mentions m JOIN emails e ON e.id = m.email_id
		WHERE m.company_id = $1 ORDER BY e.received_at DESC, m.id DESC`, companyID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list mentions %d", companyID)
	}
	defer rows.Close()

	var out []model.Mention
	for rows.Next() {
		var m model.Mention
		var sentiment string
		if err := rows.Scan(&m.ID, &m.EmailID, &m.CompanyID, &m.Context, &sentiment, &m.Confidence,
			&m.ExtractedAt, &m.NewsletterName, &m.Subject); err != nil {
			return nil, eris.Wrap(err, "postgres: scan mention")
		}
		m.Sentiment = model.Sentiment(sentiment)
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate mentions")
}

func (s *PostgresStore) SetEnrichmentStatus(ctx context.Context, companyID int64, status model.EnrichmentStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE companies SET enrichment_status = $1 WHERE id = $2`, string(status), companyID)
	if err != nil {
		return eris.Wrapf(err, "postgres: set enrichment status %d", companyID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: set enrichment status %d", companyID)
	}
	return nil
}

func collectCompanies(rows pgx.Rows) ([]model.Company, error) {
	defer rows.Close()
	var out []model.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan company")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate companies")
}

func scanCompany(row pgx.Row) (*model.Company, error) {
	var c model.Company
	var funding, enrichment string
	err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.NormalizedName, &c.Description, &c.Website,
		&funding, &c.Industry, &c.MentionCount, &c.NewsletterDiversity, &c.FirstSeenAt,
		&c.LastUpdatedAt, &enrichment)
	if err != nil {
		return nil, err
	}
	c.FundingStatus = model.FundingStatus(funding)
	c.EnrichmentStatus = model.EnrichmentStatus(enrichment)
	if c.Industry == nil {
		c.Industry = []string{}
	}
	return &c, nil
}
