package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/substack-intel/internal/db"
	"github.com/sells-group/substack-intel/internal/model"
)

var emailColumns = []string{
	"id", "user_id", "message_id", "subject", "sender", "newsletter_name",
	"received_at", "raw_content", "clean_text", "status", "created_at",
}

const selectEmailSQL = `SELECT id, user_id, message_id, subject, sender, newsletter_name, received_at,
	raw_content, clean_text, status, COALESCE(error_message, ''), processing_started_at,
	processed_at, companies_extracted, created_at FROM emails`

// InsertEmails stores new emails, skipping any (user_id, message_id) that
// already exists. Returns the number of rows inserted.
func (s *PostgresStore) InsertEmails(ctx context.Context, emails []model.Email) (int, error) {
	if len(emails) == 0 {
		return 0, nil
	}
	now := s.clock()
	rows := make([][]any, 0, len(emails))
	for _, e := range emails {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.NewsletterName == "" {
			e.NewsletterName = model.UnknownNewsletter
		}
		rows = append(rows, []any{
			e.ID, e.UserID, e.MessageID, e.Subject, e.Sender, e.NewsletterName,
			e.ReceivedAt.UTC(), e.RawContent, e.CleanText, string(model.EmailStatusUnprocessed), now,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "emails",
		Columns:      emailColumns,
		ConflictKeys: []string{"user_id", "message_id"},
		DoNothing:    true,
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert emails")
	}
	return int(n), nil
}

func (s *PostgresStore) GetEmail(ctx context.Context, id string) (*model.Email, error) {
	e, err := scanEmail(s.pool.QueryRow(ctx, selectEmailSQL+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get email %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get email %s", id)
	}
	return e, nil
}

// ListEmails returns a tenant's emails oldest first.
func (s *PostgresStore) ListEmails(ctx context.Context, f EmailFilter) ([]model.Email, error) {
	query := selectEmailSQL + ` WHERE user_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY received_at ASC, created_at ASC LIMIT $3 OFFSET $4`
	rows, err := s.pool.Query(ctx, query, f.UserID, string(f.Status), limitOrDefault(f.Limit, 100), f.Offset)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list emails")
	}
	defer rows.Close()

	var out []model.Email
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan email")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate emails")
}

// TransitionEmail applies t only if the email is still in t.From.
func (s *PostgresStore) TransitionEmail(ctx context.Context, id string, t model.Transition) error {
	if err := checkTransition(t); err != nil {
		return err
	}
	startedAt, processedAt := transitionTimes(t, s.clock())

	tag, err := s.pool.Exec(ctx,
		`UPDATE emails SET status = $1, error_message = $2, processing_started_at = $3,
			processed_at = $4, companies_extracted = $5
		WHERE id = $6 AND status = $7`,
		string(t.To), nullIfEmpty(t.ErrorMessage), startedAt, processedAt, t.CompaniesExtracted,
		id, string(t.From),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: transition email %s", id)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetEmail(ctx, id); err != nil {
			return err
		}
		return eris.Wrapf(ErrIllegalTransition, "email %s is not %s", id, t.From)
	}
	return nil
}

func (s *PostgresStore) SetCleanContent(ctx context.Context, id string, c model.NormalizedContent) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE emails SET clean_text = $1, newsletter_name = $2 WHERE id = $3`,
		c.CleanText, c.NewsletterName, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set clean content %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: set clean content %s", id)
	}
	return nil
}

// ResetEmails moves every email of userID in status from back to
// unprocessed, clearing error and timing columns.
func (s *PostgresStore) ResetEmails(ctx context.Context, userID string, from model.EmailStatus) (int, error) {
	if !from.CanTransition(model.EmailStatusUnprocessed) {
		return 0, eris.Wrapf(ErrIllegalTransition, "%s -> unprocessed", from)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE emails SET status = 'unprocessed', error_message = NULL,
			processing_started_at = NULL, processed_at = NULL, companies_extracted = 0
		WHERE user_id = $1 AND status = $2`,
		userID, string(from),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: reset %s emails", from)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CountEmailsByStatus(ctx context.Context, userID string) (map[model.EmailStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM emails WHERE user_id = $1 GROUP BY status`, userID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count emails")
	}
	defer rows.Close()

	counts := make(map[model.EmailStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan email count")
		}
		counts[model.EmailStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: iterate email counts")
}

func scanEmail(row pgx.Row) (*model.Email, error) {
	var e model.Email
	var status string
	err := row.Scan(&e.ID, &e.UserID, &e.MessageID, &e.Subject, &e.Sender, &e.NewsletterName,
		&e.ReceivedAt, &e.RawContent, &e.CleanText, &status, &e.ErrorMessage,
		&e.ProcessingStartedAt, &e.ProcessedAt, &e.CompaniesExtracted, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = model.EmailStatus(status)
	return &e, nil
}
