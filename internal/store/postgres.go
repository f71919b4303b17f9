package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/substack-intel/internal/db"
	"github.com/sells-group/substack-intel/internal/model"
	"github.com/sells-group/substack-intel/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, now: utcNow}, nil
}

func utcNow() time.Time { return time.Now().UTC() }

func (s *PostgresStore) clock() time.Time {
	if s.now == nil {
		return utcNow()
	}
	return s.now()
}

// Migrate applies the embedded schema migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return migratePostgres(ctx, s.pool)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// classifyPgErr maps lost uniqueness or serialization races to
// DedupConflictError so the resolver can retry them.
func classifyPgErr(err error, normalizedName string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01":
			return resilience.NewDedupConflictError(normalizedName, err)
		}
	}
	return err
}

// --- Progress ---

func (s *PostgresStore) GetProgress(ctx context.Context, userID string) (*model.Progress, error) {
	var p model.Progress
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, run_id, status, progress, message, emails_processed, emails_failed,
			companies_extracted, current_email_subject, last_error, updated_at
		FROM pipeline_status WHERE user_id = $1`, userID,
	).Scan(&p.UserID, &p.RunID, &p.Status, &p.Progress, &p.Message, &p.EmailsProcessed,
		&p.EmailsFailed, &p.CompaniesExtracted, &p.CurrentEmailSubject, &p.LastError, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get progress %s", userID)
	}
	return &p, nil
}

func (s *PostgresStore) SetProgress(ctx context.Context, p model.Progress) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.clock()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pipeline_status (user_id, run_id, status, progress, message, emails_processed,
			emails_failed, companies_extracted, current_email_subject, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			message = EXCLUDED.message,
			emails_processed = EXCLUDED.emails_processed,
			emails_failed = EXCLUDED.emails_failed,
			companies_extracted = EXCLUDED.companies_extracted,
			current_email_subject = EXCLUDED.current_email_subject,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at`,
		p.UserID, p.RunID, string(p.Status), p.Progress, p.Message, p.EmailsProcessed,
		p.EmailsFailed, p.CompaniesExtracted, p.CurrentEmailSubject, p.LastError, p.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: set progress %s", p.UserID)
}

func (s *PostgresStore) ClearProgress(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM pipeline_status WHERE user_id = $1`, userID)
	return eris.Wrapf(err, "postgres: clear progress %s", userID)
}

// --- Locks ---

func (s *PostgresStore) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := s.clock()
	var got string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO pipeline_locks (lock_key, owner, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (lock_key) DO UPDATE SET
			owner = EXCLUDED.owner,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at
		WHERE pipeline_locks.expires_at < EXCLUDED.acquired_at
		RETURNING owner`,
		key, owner, now, now.Add(ttl),
	).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: acquire lock %s", key)
	}
	return got == owner, nil
}

func (s *PostgresStore) RefreshLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_locks SET expires_at = $1 WHERE lock_key = $2 AND owner = $3`,
		s.clock().Add(ttl), key, owner,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: refresh lock %s", key)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseLock(ctx context.Context, key, owner string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM pipeline_locks WHERE lock_key = $1 AND owner = $2`, key, owner)
	return eris.Wrapf(err, "postgres: release lock %s", key)
}

func (s *PostgresStore) ForceReleaseLock(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM pipeline_locks WHERE lock_key = $1`, key)
	return eris.Wrapf(err, "postgres: force release lock %s", key)
}

// --- Mailbox credentials ---

func (s *PostgresStore) GetMailboxCredential(ctx context.Context, userID string) (*model.MailboxCredential, error) {
	var c model.MailboxCredential
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, provider, email_address, refresh_token, updated_at
		FROM mailbox_credentials WHERE user_id = $1`, userID,
	).Scan(&c.UserID, &c.Provider, &c.EmailAddress, &c.RefreshToken, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get mailbox credential %s", userID)
	}
	return &c, nil
}

func (s *PostgresStore) SaveMailboxCredential(ctx context.Context, c model.MailboxCredential) error {
	if c.Provider == "" {
		c.Provider = "gmail"
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO mailbox_credentials (user_id, provider, email_address, refresh_token, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			provider = EXCLUDED.provider,
			email_address = EXCLUDED.email_address,
			refresh_token = EXCLUDED.refresh_token,
			updated_at = EXCLUDED.updated_at`,
		c.UserID, c.Provider, c.EmailAddress, c.RefreshToken, s.clock(),
	)
	return eris.Wrapf(err, "postgres: save mailbox credential %s", c.UserID)
}

func (s *PostgresStore) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM mailbox_credentials ORDER BY user_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tenants")
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, eris.Wrap(err, "postgres: scan tenant")
		}
		users = append(users, u)
	}
	return users, eris.Wrap(rows.Err(), "postgres: iterate tenants")
}
