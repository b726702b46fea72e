package models

import "time"

// ChatKind classifies a conversation on the remote platform.
type ChatKind string

const (
	ChatKindDirect  ChatKind = "direct"
	ChatKindGroup   ChatKind = "group"
	ChatKindChannel ChatKind = "channel"
)

// Valid reports whether the kind is one of the known conversation kinds.
func (k ChatKind) Valid() bool {
	switch k {
	case ChatKindDirect, ChatKindGroup, ChatKindChannel:
		return true
	}
	return false
}

// Credential holds the long-lived remote session for an authenticated user.
// SessionBlob is ciphertext produced by the credential cipher; the plaintext
// session never touches the database or the logs.
type Credential struct {
	UserID        int64
	SessionBlob   []byte
	Authenticated bool
	LastActivity  time.Time
}

// PendingLogin captures an in-flight sign-in handshake. At most one exists
// per user; starting a new handshake replaces it. InterimBlob is the sealed
// partially-authenticated remote session.
type PendingLogin struct {
	UserID      int64
	Phone       string
	CodeHash    string
	InterimBlob []byte
	CreatedAt   time.Time
}

// ChatProgress records the highest exported message position for a
// (user, chat, kind) triple. A missing row means the chat was never exported.
type ChatProgress struct {
	UserID        int64
	ChatID        int64
	Kind          ChatKind
	LastMessageID int64
	UpdatedAt     time.Time
}
