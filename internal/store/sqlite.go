package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/substack-intel/internal/model"
	"github.com/sells-group/substack-intel/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// sqlitePragmas are applied to every pooled connection through the DSN so
// foreign keys and the busy timeout hold on all of them.
var sqlitePragmas = []string{
	"_pragma=journal_mode(WAL)",
	"_pragma=busy_timeout(5000)",
	"_pragma=synchronous(NORMAL)",
	"_pragma=foreign_keys(1)",
	"_txlock=immediate",
}

// NewSQLite opens a SQLite database at the given path.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", dsn+sep+strings.Join(sqlitePragmas, "&"))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := db.Ping(); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db, now: utcNow}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS emails (
	id                    TEXT PRIMARY KEY,
	user_id               TEXT NOT NULL,
	message_id            TEXT NOT NULL,
	subject               TEXT NOT NULL DEFAULT '',
	sender                TEXT NOT NULL DEFAULT '',
	newsletter_name       TEXT NOT NULL DEFAULT 'Unknown',
	received_at           DATETIME NOT NULL,
	raw_content           TEXT NOT NULL DEFAULT '',
	clean_text            TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL DEFAULT 'unprocessed',
	error_message         TEXT,
	processing_started_at DATETIME,
	processed_at          DATETIME,
	companies_extracted   INTEGER NOT NULL DEFAULT 0,
	created_at            DATETIME NOT NULL,
	UNIQUE (user_id, message_id)
);

CREATE INDEX IF NOT EXISTS idx_emails_user_status_received ON emails(user_id, status, received_at);

CREATE TABLE IF NOT EXISTS companies (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id              TEXT NOT NULL,
	name                 TEXT NOT NULL,
	normalized_name      TEXT NOT NULL,
	description          TEXT,
	website              TEXT,
	funding_status       TEXT NOT NULL DEFAULT 'unknown',
	industry             TEXT NOT NULL DEFAULT '[]',
	mention_count        INTEGER NOT NULL DEFAULT 0,
	newsletter_diversity INTEGER NOT NULL DEFAULT 0,
	first_seen_at        DATETIME NOT NULL,
	last_updated_at      DATETIME NOT NULL,
	enrichment_status    TEXT NOT NULL DEFAULT 'pending',
	UNIQUE (user_id, normalized_name)
);

CREATE TABLE IF NOT EXISTS company_mentions (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	email_id     TEXT NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
	company_id   INTEGER NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
	context      TEXT NOT NULL DEFAULT '',
	sentiment    TEXT NOT NULL DEFAULT 'neutral',
	confidence   REAL NOT NULL,
	extracted_at DATETIME NOT NULL,
	UNIQUE (email_id, company_id)
);

CREATE INDEX IF NOT EXISTS idx_company_mentions_company ON company_mentions(company_id);

CREATE TABLE IF NOT EXISTS pipeline_status (
	user_id               TEXT PRIMARY KEY,
	run_id                TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL DEFAULT 'idle',
	progress              INTEGER NOT NULL DEFAULT 0,
	message               TEXT NOT NULL DEFAULT '',
	emails_processed      INTEGER NOT NULL DEFAULT 0,
	emails_failed         INTEGER NOT NULL DEFAULT 0,
	companies_extracted   INTEGER NOT NULL DEFAULT 0,
	current_email_subject TEXT NOT NULL DEFAULT '',
	last_error            TEXT NOT NULL DEFAULT '',
	updated_at            DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS pipeline_locks (
	lock_key    TEXT PRIMARY KEY,
	owner       TEXT NOT NULL,
	acquired_at DATETIME NOT NULL,
	expires_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS mailbox_credentials (
	user_id       TEXT PRIMARY KEY,
	provider      TEXT NOT NULL DEFAULT 'gmail',
	email_address TEXT NOT NULL DEFAULT '',
	refresh_token TEXT NOT NULL,
	updated_at    DATETIME NOT NULL
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) clock() time.Time {
	if s.now == nil {
		return utcNow()
	}
	return s.now().UTC()
}

// classifySQLiteErr maps busy/locked and uniqueness failures to
// DedupConflictError.
func classifySQLiteErr(err error, normalizedName string) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return resilience.NewDedupConflictError(normalizedName, err)
		}
		if se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return resilience.NewDedupConflictError(normalizedName, err)
		}
	}
	return err
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// --- Progress ---

func (s *SQLiteStore) GetProgress(ctx context.Context, userID string) (*model.Progress, error) {
	var p model.Progress
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, run_id, status, progress, message, emails_processed, emails_failed,
			companies_extracted, current_email_subject, last_error, updated_at
		FROM pipeline_status WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &p.RunID, &p.Status, &p.Progress, &p.Message, &p.EmailsProcessed,
		&p.EmailsFailed, &p.CompaniesExtracted, &p.CurrentEmailSubject, &p.LastError, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get progress %s", userID)
	}
	return &p, nil
}

func (s *SQLiteStore) SetProgress(ctx context.Context, p model.Progress) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_status (user_id, run_id, status, progress, message, emails_processed,
			emails_failed, companies_extracted, current_email_subject, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			run_id = excluded.run_id,
			status = excluded.status,
			progress = excluded.progress,
			message = excluded.message,
			emails_processed = excluded.emails_processed,
			emails_failed = excluded.emails_failed,
			companies_extracted = excluded.companies_extracted,
			current_email_subject = excluded.current_email_subject,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		p.UserID, p.RunID, string(p.Status), p.Progress, p.Message, p.EmailsProcessed,
		p.EmailsFailed, p.CompaniesExtracted, p.CurrentEmailSubject, p.LastError, p.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: set progress %s", p.UserID)
}

func (s *SQLiteStore) ClearProgress(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_status WHERE user_id = ?`, userID)
	return eris.Wrapf(err, "sqlite: clear progress %s", userID)
}

// --- Locks ---

func (s *SQLiteStore) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := s.clock()
	var got string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO pipeline_locks (lock_key, owner, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (lock_key) DO UPDATE SET
			owner = excluded.owner,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE pipeline_locks.expires_at < excluded.acquired_at
		RETURNING owner`,
		key, owner, now, now.Add(ttl),
	).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: acquire lock %s", key)
	}
	return got == owner, nil
}

func (s *SQLiteStore) RefreshLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_locks SET expires_at = ? WHERE lock_key = ? AND owner = ?`,
		s.clock().Add(ttl), key, owner,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: refresh lock %s", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) ReleaseLock(ctx context.Context, key, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_locks WHERE lock_key = ? AND owner = ?`, key, owner)
	return eris.Wrapf(err, "sqlite: release lock %s", key)
}

func (s *SQLiteStore) ForceReleaseLock(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_locks WHERE lock_key = ?`, key)
	return eris.Wrapf(err, "sqlite: force release lock %s", key)
}

// --- Mailbox credentials ---

func (s *SQLiteStore) GetMailboxCredential(ctx context.Context, userID string) (*model.MailboxCredential, error) {
	var c model.MailboxCredential
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, provider, email_address, refresh_token, updated_at
		FROM mailbox_credentials WHERE user_id = ?`, userID,
	).Scan(&c.UserID, &c.Provider, &c.EmailAddress, &c.RefreshToken, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get mailbox credential %s", userID)
	}
	return &c, nil
}

func (s *SQLiteStore) SaveMailboxCredential(ctx context.Context, c model.MailboxCredential) error {
	if c.Provider == "" {
		c.Provider = "gmail"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mailbox_credentials (user_id, provider, email_address, refresh_token, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			provider = excluded.provider,
			email_address = excluded.email_address,
			refresh_token = excluded.refresh_token,
			updated_at = excluded.updated_at`,
		c.UserID, c.Provider, c.EmailAddress, c.RefreshToken, s.clock(),
	)
	return eris.Wrapf(err, "sqlite: save mailbox credential %s", c.UserID)
}

func (s *SQLiteStore) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM mailbox_credentials ORDER BY user_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tenants")
	}
	defer rows.Close() //nolint:errcheck

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan tenant")
		}
		users = append(users, u)
	}
	return users, eris.Wrap(rows.Err(), "sqlite: iterate tenants")
}
