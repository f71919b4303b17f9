package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/substack-intel/internal/model"
)

const sqliteSelectCompany = `SELECT id, user_id, name, normalized_name, description, website,
	funding_status, industry, mention_count, newsletter_diversity, first_seen_at,
	last_updated_at, enrichment_status FROM companies`

// UpsertCompanyMention mirrors the Postgres implementation. Writers are
// serialized by the immediate transaction, so the industry merge can be
// done in Go between the read and the write.
func (s *SQLiteStore) UpsertCompanyMention(ctx context.Context, in MentionUpsert) (*MentionResult, error) {
	c := in.Candidate
	seen := in.SeenAt.UTC()
	if in.SeenAt.IsZero() {
		seen = s.clock()
	}

	var res MentionResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var existingIndustry string
		err := tx.QueryRowContext(ctx,
			`SELECT id, industry FROM companies WHERE user_id = ? AND normalized_name = ?`,
			in.UserID, in.NormalizedName,
		).Scan(&res.CompanyID, &existingIndustry)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			res.CompanyCreated = true
		case err != nil:
			return eris.Wrap(err, "lookup company")
		}

		var existing []string
		if existingIndustry != "" {
			if err := json.Unmarshal([]byte(existingIndustry), &existing); err != nil {
				return eris.Wrap(err, "decode industry")
			}
		}
		industry, err := json.Marshal(mergeTags(existing, c.Industry))
		if err != nil {
			return eris.Wrap(err, "encode industry")
		}

		if err := tx.QueryRowContext(ctx,
			`INSERT INTO companies (user_id, name, normalized_name, description, website,
				funding_status, industry, first_seen_at, last_updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, normalized_name) DO UPDATE SET
				description = COALESCE(companies.description, excluded.description),
				website = COALESCE(companies.website, excluded.website),
				funding_status = CASE WHEN companies.funding_status = 'unknown'
					THEN excluded.funding_status ELSE companies.funding_status END,
				industry = excluded.industry,
				last_updated_at = excluded.last_updated_at
			RETURNING id`,
			in.UserID, c.Name, in.NormalizedName, nullIfEmpty(c.Description), nullIfEmpty(c.Website),
			string(fundingOrUnknown(c.FundingStatus)), string(industry), seen, seen,
		).Scan(&res.CompanyID); err != nil {
			return eris.Wrap(err, "upsert company")
		}

		mres, err := tx.ExecContext(ctx,
			`INSERT INTO company_mentions (email_id, company_id, context, sentiment, confidence, extracted_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (email_id, company_id) DO NOTHING`,
			in.EmailID, res.CompanyID, c.Context, string(sentimentOrNeutral(c.Sentiment)), c.Confidence, seen,
		)
		if err != nil {
			return eris.Wrap(err, "insert mention")
		}
		if n, _ := mres.RowsAffected(); n == 1 {
			res.MentionCreated = true
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM company_mentions WHERE email_id = ? AND company_id = ?`,
			in.EmailID, res.CompanyID,
		).Scan(&res.MentionID); err != nil {
			return eris.Wrap(err, "lookup mention")
		}

		if err := tx.QueryRowContext(ctx,
			`UPDATE companies SET
				mention_count = (SELECT COUNT(*) FROM company_mentions WHERE company_id = ?),
				newsletter_diversity = (SELECT COUNT(DISTINCT e.newsletter_name)
					FROM company_mentions m JOIN emails e ON e.id = m.email_id WHERE m.company_id = ?)
			WHERE id = ?
			RETURNING mention_count, newsletter_diversity`,
			res.CompanyID, res.CompanyID, res.CompanyID,
		).Scan(&res.MentionCount, &res.NewsletterDiversity); err != nil {
			return eris.Wrap(err, "refresh company aggregates")
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(classifySQLiteErr(err, in.NormalizedName), "sqlite: record mention of %q", in.NormalizedName)
	}
	return &res, nil
}

func (s *SQLiteStore) GetCompany(ctx context.Context, id int64) (*model.Company, error) {
	c, err := scanSQLiteCompany(s.db.QueryRowContext(ctx, sqliteSelectCompany+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get company %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get company %d", id)
	}
	return c, nil
}

func (s *SQLiteStore) FindCompany(ctx context.Context, userID, normalizedName string) (*model.Company, error) {
	c, err := scanSQLiteCompany(s.db.QueryRowContext(ctx,
		sqliteSelectCompany+` WHERE user_id = ? AND normalized_name = ?`, userID, normalizedName))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find company %q", normalizedName)
	}
	return c, nil
}

// SimilarCompanies has no trigram index in SQLite; it returns companies
// sharing the first token of normalizedName and leaves ranking to the caller.
func (s *SQLiteStore) SimilarCompanies(ctx context.Context, userID, normalizedName string, limit int) ([]model.Company, error) {
	first := normalizedName
	if i := strings.IndexByte(first, ' '); i > 0 {
		first = first[:i]
	}
	if first == "" {
		return nil, nil
	}
	pattern := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(first) + "%"

	rows, err := s.db.QueryContext(ctx,
		sqliteSelectCompany+` WHERE user_id = ? AND normalized_name LIKE ? ESCAPE '\'
		ORDER BY mention_count DESC LIMIT ?`,
		userID, pattern, limitOrDefault(limit, 5)*4,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: similar companies")
	}
	return collectSQLiteCompanies(rows)
}

func (s *SQLiteStore) ListCompanies(ctx context.Context, f CompanyFilter) ([]model.Company, error) {
	rows, err := s.db.QueryContext(ctx,
		sqliteSelectCompany+` WHERE user_id = ?
		ORDER BY mention_count DESC, last_updated_at DESC LIMIT ? OFFSET ?`,
		f.UserID, limitOrDefault(f.Limit, 50), f.Offset,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list companies")
	}
	return collectSQLiteCompanies(rows)
}

func (s *SQLiteStore) ListMentions(ctx context.Context, companyID int64) ([]model.Mention, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.email_id, m.company_id, m.context, m.sentiment, m.confidence, m.extracted_at,
			e.newsletter_name, e.subject
		FROM company_mentions m JOIN emails e ON e.id = m.email_id
		WHERE m.company_id = ? ORDER BY e.received_at DESC, m.id DESC`, companyID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list mentions %d", companyID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Mention
	for rows.Next() {
		var m model.Mention
		var sentiment string
		if err := rows.Scan(&m.ID, &m.EmailID, &m.CompanyID, &m.Context, &sentiment, &m.Confidence,
			&m.ExtractedAt, &m.NewsletterName, &m.Subject); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan mention")
		}
		m.Sentiment = model.Sentiment(sentiment)
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate mentions")
}

func (s *SQLiteStore) SetEnrichmentStatus(ctx context.Context, companyID int64, status model.EnrichmentStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE companies SET enrichment_status = ? WHERE id = ?`, string(status), companyID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set enrichment status %d", companyID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: set enrichment status %d", companyID)
	}
	return nil
}

func collectSQLiteCompanies(rows *sql.Rows) ([]model.Company, error) {
	defer rows.Close() //nolint:errcheck
	var out []model.Company
	for rows.Next() {
		c, err := scanSQLiteCompany(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan company")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate companies")
}

func scanSQLiteCompany(row rowScanner) (*model.Company, error) {
	var c model.Company
	var funding, enrichment, industry string
	err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.NormalizedName, &c.Description, &c.Website,
		&funding, &industry, &c.MentionCount, &c.NewsletterDiversity, &c.FirstSeenAt,
		&c.LastUpdatedAt, &enrichment)
	if err != nil {
		return nil, err
	}
	c.FundingStatus = model.FundingStatus(funding)
	c.EnrichmentStatus = model.EnrichmentStatus(enrichment)
	c.Industry = []string{}
	if industry != "" {
		if err := json.Unmarshal([]byte(industry), &c.Industry); err != nil {
			return nil, eris.Wrap(err, "decode industry")
		}
	}
	return &c, nil
}
