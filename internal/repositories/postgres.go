package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/chatexport/backend/internal/db"
	"github.com/chatexport/backend/internal/models"
)

// PostgresCredentialStore provides PostgreSQL-backed persistence for credentials.
type PostgresCredentialStore struct {
	pool db.Pool
}

// NewPostgresCredentialStore constructs a credential store backed by PostgreSQL.
func NewPostgresCredentialStore(pool db.Pool) *PostgresCredentialStore {
	return &PostgresCredentialStore{pool: pool}
}

// Save stores or replaces the credential for a user.
func (s *PostgresCredentialStore) Save(ctx context.Context, cred models.Credential) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO credentials (user_id, session_blob, authenticated, last_activity)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (user_id)
        DO UPDATE SET session_blob = EXCLUDED.session_blob,
                      authenticated = EXCLUDED.authenticated,
                      last_activity = EXCLUDED.last_activity
    `, cred.UserID, cred.SessionBlob, cred.Authenticated, cred.LastActivity.UTC())
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}

	return nil
}

// Find loads the credential for a user.
func (s *PostgresCredentialStore) Find(ctx context.Context, userID int64) (models.Credential, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return models.Credential{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        SELECT user_id, session_blob, authenticated, last_activity
        FROM credentials
        WHERE user_id = $1
    `, userID)

	var cred models.Credential
	if err := row.Scan(&cred.UserID, &cred.SessionBlob, &cred.Authenticated, &cred.LastActivity); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Credential{}, ErrNotFound
		}
		return models.Credential{}, fmt.Errorf("select credential: %w", err)
	}

	cred.LastActivity = cred.LastActivity.UTC()
	return cred, nil
}

// Delete removes the credential for a user.
func (s *PostgresCredentialStore) Delete(ctx context.Context, userID int64) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        DELETE FROM credentials
        WHERE user_id = $1
    `, userID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// PostgresPendingLoginStore provides PostgreSQL-backed persistence for
// in-flight handshakes.
type PostgresPendingLoginStore struct {
	pool db.Pool
}

// NewPostgresPendingLoginStore constructs a pending login store backed by PostgreSQL.
func NewPostgresPendingLoginStore(pool db.Pool) *PostgresPendingLoginStore {
	return &PostgresPendingLoginStore{pool: pool}
}

// Save stores or replaces the pending login for a user. Starting a new
// handshake discards any prior one.
func (s *PostgresPendingLoginStore) Save(ctx context.Context, pending models.PendingLogin) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO pending_logins (user_id, phone, code_hash, interim_blob, created_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (user_id)
        DO UPDATE SET phone = EXCLUDED.phone,
                      code_hash = EXCLUDED.code_hash,
                      interim_blob = EXCLUDED.interim_blob,
                      created_at = EXCLUDED.created_at
    `, pending.UserID, pending.Phone, pending.CodeHash, pending.InterimBlob, pending.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert pending login: %w", err)
	}

	return nil
}

// Find loads the pending login for a user.
func (s *PostgresPendingLoginStore) Find(ctx context.Context, userID int64) (models.PendingLogin, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return models.PendingLogin{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        SELECT user_id, phone, code_hash, interim_blob, created_at
        FROM pending_logins
        WHERE user_id = $1
    `, userID)

	var pending models.PendingLogin
	if err := row.Scan(&pending.UserID, &pending.Phone, &pending.CodeHash, &pending.InterimBlob, &pending.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.PendingLogin{}, ErrNotFound
		}
		return models.PendingLogin{}, fmt.Errorf("select pending login: %w", err)
	}

	pending.CreatedAt = pending.CreatedAt.UTC()
	return pending, nil
}

// Delete removes the pending login for a user. Deleting an absent row is not
// an error: cancellation is idempotent.
func (s *PostgresPendingLoginStore) Delete(ctx context.Context, userID int64) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `
        DELETE FROM pending_logins
        WHERE user_id = $1
    `, userID); err != nil {
		return fmt.Errorf("delete pending login: %w", err)
	}

	return nil
}

// PostgresProgressStore provides PostgreSQL-backed persistence for export progress.
type PostgresProgressStore struct {
	pool db.Pool
}

// NewPostgresProgressStore constructs a progress store backed by PostgreSQL.
func NewPostgresProgressStore(pool db.Pool) *PostgresProgressStore {
	return &PostgresProgressStore{pool: pool}
}

// Get loads the progress row for a (user, chat, kind) triple.
func (s *PostgresProgressStore) Get(ctx context.Context, userID, chatID int64, kind models.ChatKind) (models.ChatProgress, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return models.ChatProgress{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        SELECT user_id, chat_id, chat_kind, last_message_id, updated_at
        FROM chat_progress
        WHERE user_id = $1 AND chat_id = $2 AND chat_kind = $3
    `, userID, chatID, string(kind))

	var progress models.ChatProgress
	if err := row.Scan(&progress.UserID, &progress.ChatID, &progress.Kind, &progress.LastMessageID, &progress.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ChatProgress{}, ErrNotFound
		}
		return models.ChatProgress{}, fmt.Errorf("select chat progress: %w", err)
	}

	progress.UpdatedAt = progress.UpdatedAt.UTC()
	return progress, nil
}

// Upsert inserts or replaces the progress row. GREATEST keeps the stored
// position monotonic even if two exports of the same chat race.
func (s *PostgresProgressStore) Upsert(ctx context.Context, progress models.ChatProgress) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO chat_progress (user_id, chat_id, chat_kind, last_message_id, updated_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (user_id, chat_id, chat_kind)
        DO UPDATE SET last_message_id = GREATEST(chat_progress.last_message_id, EXCLUDED.last_message_id),
                      updated_at = EXCLUDED.updated_at
    `, progress.UserID, progress.ChatID, string(progress.Kind), progress.LastMessageID, progress.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert chat progress: %w", err)
	}

	return nil
}

// DeleteAll removes every progress row for a user in one statement.
func (s *PostgresProgressStore) DeleteAll(ctx context.Context, userID int64) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `
        DELETE FROM chat_progress
        WHERE user_id = $1
    `, userID); err != nil {
		return fmt.Errorf("delete chat progress: %w", err)
	}

	return nil
}

// PostgresAccountStore bundles the logout path: credential, pending login and
// export progress are removed in a single transaction so a partial failure
// can never leave progress behind without its credential.
type PostgresAccountStore struct {
	pool db.Pool
}

// NewPostgresAccountStore constructs an account store backed by PostgreSQL.
func NewPostgresAccountStore(pool db.Pool) *PostgresAccountStore {
	return &PostgresAccountStore{pool: pool}
}

// Purge deletes every record for a user atomically.
func (s *PostgresAccountStore) Purge(ctx context.Context, userID int64) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin purge transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, stmt := range []string{
		`DELETE FROM chat_progress WHERE user_id = $1`,
		`DELETE FROM pending_logins WHERE user_id = $1`,
		`DELETE FROM credentials WHERE user_id = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, userID); err != nil {
			return fmt.Errorf("purge account: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit purge transaction: %w", err)
	}

	return nil
}

var _ CredentialStore = (*PostgresCredentialStore)(nil)
var _ PendingLoginStore = (*PostgresPendingLoginStore)(nil)
var _ ProgressStore = (*PostgresProgressStore)(nil)
var _ AccountPurger = (*PostgresAccountStore)(nil)
