package repositories

import (
	"context"

	"github.com/chatexport/backend/internal/models"
)

// CredentialStore defines the data access contract for long-lived credentials.
// A user has exactly zero or one credential; Save overwrites.
type CredentialStore interface {
	Save(ctx context.Context, cred models.Credential) error
	Find(ctx context.Context, userID int64) (models.Credential, error)
	Delete(ctx context.Context, userID int64) error
}

// PendingLoginStore defines the data access contract for in-flight handshakes.
// A user has at most one pending login; Save overwrites any prior one.
type PendingLoginStore interface {
	Save(ctx context.Context, pending models.PendingLogin) error
	Find(ctx context.Context, userID int64) (models.PendingLogin, error)
	Delete(ctx context.Context, userID int64) error
}

// ProgressStore defines the data access contract for export progress.
type ProgressStore interface {
	// Get returns the progress row for the triple, or ErrNotFound if the
	// conversation was never exported.
	Get(ctx context.Context, userID, chatID int64, kind models.ChatKind) (models.ChatProgress, error)
	// Upsert inserts or replaces the row keyed by the triple. The stored
	// position never decreases: concurrent writers merge by maximum.
	Upsert(ctx context.Context, progress models.ChatProgress) error
	// DeleteAll removes every progress row for the user atomically.
	DeleteAll(ctx context.Context, userID int64) error
}

// AccountPurger removes everything persisted for a user — credential, pending
// login, and all export progress — as one atomic operation, so progress can
// never outlive the credential it was produced under.
type AccountPurger interface {
	Purge(ctx context.Context, userID int64) error
}
