// Package telegram defines the narrow capability contract the core needs from
// the remote messaging platform. The core depends only on this interface, so
// tests can substitute an in-memory implementation.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chatexport/backend/internal/models"
)

var (
	// ErrInvalidPhone indicates the platform rejected the phone number.
	ErrInvalidPhone = errors.New("invalid phone number")
	// ErrInvalidCode indicates the verification code was wrong.
	ErrInvalidCode = errors.New("invalid verification code")
	// ErrInvalidPassword indicates the second-factor password was wrong.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrUnavailable indicates a transport failure talking to the platform.
	ErrUnavailable = errors.New("remote platform unavailable")
)

// FloodWaitError carries the platform-mandated cooldown before the operation
// may be retried. It is surfaced to the caller verbatim, never retried here.
type FloodWaitError struct {
	RetryAfter time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("rate limited by platform, retry after %s", e.RetryAfter)
}

// CodeRequest is the result of asking the platform to send a verification
// code: an opaque handle identifying the attempt plus the interim session the
// sign-in must continue from.
type CodeRequest struct {
	CodeHash string
	Interim  []byte
}

// SignInResult is the outcome of submitting a verification code. Either the
// sign-in completed and Session holds the long-lived credential, or a second
// factor is required and Interim holds the updated partial session.
type SignInResult struct {
	NeedsPassword bool
	Session       []byte
	Interim       []byte
}

// Conversation identifies a chat on the remote platform.
type Conversation struct {
	ID    int64
	Kind  models.ChatKind
	Title string
}

// Message is a single exported message. ID is the platform-assigned position,
// monotonically increasing within a conversation.
type Message struct {
	ID     int64
	Date   time.Time
	Sender string
	Text   string
	Media  string
}

// MessageStream yields messages lazily. The stream is finite and not
// restartable; a fresh StreamMessages call is required for a fresh range.
type MessageStream interface {
	// Next returns the next message, or ok=false once the stream is drained.
	Next(ctx context.Context) (msg Message, ok bool, err error)
	Close() error
}

// FetchOptions bounds a StreamMessages call. SinceExclusive, when set, asks
// for messages with position strictly greater than the given value. Limit,
// when set, caps the number of messages returned.
type FetchOptions struct {
	SinceExclusive *int64
	Limit          *int
}

// Client is the capability set this core consumes from the remote platform.
type Client interface {
	// SendVerificationCode starts a sign-in by texting a code to phone.
	SendVerificationCode(ctx context.Context, phone string) (CodeRequest, error)

	// SignIn submits the verification code against a previously issued
	// code hash, continuing from the interim session.
	SignIn(ctx context.Context, interim []byte, phone, codeHash, code string) (SignInResult, error)

	// SignInWithPassword completes a sign-in that required a second factor.
	SignInWithPassword(ctx context.Context, interim []byte, password string) ([]byte, error)

	// StreamMessages fetches messages for a conversation using the given
	// long-lived session, newest first.
	StreamMessages(ctx context.Context, session []byte, conv Conversation, opts FetchOptions) (MessageStream, error)
}
