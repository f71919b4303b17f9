package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/substack-intel/internal/model"
)

const sqliteSelectEmail = `SELECT id, user_id, message_id, subject, sender, newsletter_name, received_at,
	raw_content, clean_text, status, COALESCE(error_message, ''), processing_started_at,
	processed_at, companies_extracted, created_at FROM emails`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) InsertEmails(ctx context.Context, emails []model.Email) (int, error) {
	if len(emails) == 0 {
		return 0, nil
	}
	now := s.clock()
	inserted := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO emails (id, user_id, message_id, subject, sender, newsletter_name,
				received_at, raw_content, clean_text, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'unprocessed', ?)
			ON CONFLICT (user_id, message_id) DO NOTHING`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare insert email")
		}
		defer stmt.Close() //nolint:errcheck

		for _, e := range emails {
			if e.ID == "" {
				e.ID = uuid.NewString()
			}
			if e.NewsletterName == "" {
				e.NewsletterName = model.UnknownNewsletter
			}
			res, err := stmt.ExecContext(ctx, e.ID, e.UserID, e.MessageID, e.Subject, e.Sender,
				e.NewsletterName, e.ReceivedAt.UTC(), e.RawContent, e.CleanText, now)
			if err != nil {
				return eris.Wrapf(err, "sqlite: insert email %s", e.MessageID)
			}
			n, _ := res.RowsAffected()
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *SQLiteStore) GetEmail(ctx context.Context, id string) (*model.Email, error) {
	e, err := scanSQLiteEmail(s.db.QueryRowContext(ctx, sqliteSelectEmail+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get email %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get email %s", id)
	}
	return e, nil
}

func (s *SQLiteStore) ListEmails(ctx context.Context, f EmailFilter) ([]model.Email, error) {
	rows, err := s.db.QueryContext(ctx,
		sqliteSelectEmail+` WHERE user_id = ? AND (? = '' OR status = ?)
		ORDER BY received_at ASC, created_at ASC LIMIT ? OFFSET ?`,
		f.UserID, string(f.Status), string(f.Status), limitOrDefault(f.Limit, 100), f.Offset,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list emails")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Email
	for rows.Next() {
		e, err := scanSQLiteEmail(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan email")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate emails")
}

func (s *SQLiteStore) TransitionEmail(ctx context.Context, id string, t model.Transition) error {
	if err := checkTransition(t); err != nil {
		return err
	}
	startedAt, processedAt := transitionTimes(t, s.clock())

	res, err := s.db.ExecContext(ctx,
		`UPDATE emails SET status = ?, error_message = ?, processing_started_at = ?,
			processed_at = ?, companies_extracted = ?
		WHERE id = ? AND status = ?`,
		string(t.To), nullIfEmpty(t.ErrorMessage), startedAt, processedAt, t.CompaniesExtracted,
		id, string(t.From),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition email %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		if _, err := s.GetEmail(ctx, id); err != nil {
			return err
		}
		return eris.Wrapf(ErrIllegalTransition, "email %s is not %s", id, t.From)
	}
	return nil
}

func (s *SQLiteStore) SetCleanContent(ctx context.Context, id string, c model.NormalizedContent) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE emails SET clean_text = ?, newsletter_name = ? WHERE id = ?`,
		c.CleanText, c.NewsletterName, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set clean content %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: set clean content %s", id)
	}
	return nil
}

func (s *SQLiteStore) ResetEmails(ctx context.Context, userID string, from model.EmailStatus) (int, error) {
	if !from.CanTransition(model.EmailStatusUnprocessed) {
		return 0, eris.Wrapf(ErrIllegalTransition, "%s -> unprocessed", from)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE emails SET status = 'unprocessed', error_message = NULL,
			processing_started_at = NULL, processed_at = NULL, companies_extracted = 0
		WHERE user_id = ? AND status = ?`,
		userID, string(from),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: reset %s emails", from)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) CountEmailsByStatus(ctx context.Context, userID string) (map[model.EmailStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM emails WHERE user_id = ? GROUP BY status`, userID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count emails")
	}
	defer rows.Close() //nolint:errcheck

	counts := make(map[model.EmailStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan email count")
		}
		counts[model.EmailStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: iterate email counts")
}

func scanSQLiteEmail(row rowScanner) (*model.Email, error) {
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
