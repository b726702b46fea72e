// Package export produces chat export artifacts: it fetches messages through
// the remote platform client, formats them, uploads the artifact, and advances
// the per-conversation progress marker.
package export

import (
	"context"
	"errors"
	"fmt"

	"github.com/chatexport/backend/internal/cryptox"
	"github.com/chatexport/backend/internal/keylock"
	"github.com/chatexport/backend/internal/logging"
	"github.com/chatexport/backend/internal/models"
	"github.com/chatexport/backend/internal/repositories"
	"github.com/chatexport/backend/internal/telegram"
)

// ErrNotAuthenticated indicates the user holds no usable credential: none was
// stored, or the stored one cannot be opened under the current key.
var ErrNotAuthenticated = errors.New("user is not authenticated")

// ErrInvalidChatKind indicates the request named an unknown conversation kind.
var ErrInvalidChatKind = errors.New("invalid chat kind")

// Mode tells which kind of export ran.
type Mode string

const (
	// ModeFull is the first export of a conversation, bounded by the limit.
	ModeFull Mode = "full"
	// ModeIncremental continues from the stored position, unbounded.
	ModeIncremental Mode = "incremental"
	// ModeEmpty means the fetch produced nothing new; no artifact was written.
	ModeEmpty Mode = "empty"
)

// ArtifactStorage persists a finished export and returns its location.
type ArtifactStorage interface {
	Save(ctx context.Context, name string, body []byte) (string, error)
}

// Request describes one export run.
type Request struct {
	UserID int64
	ChatID int64
	Kind   models.ChatKind
	Title  string
	// Limit caps a full export. Zero means the service default; values above
	// the service maximum are clamped. Ignored for incremental exports.
	Limit int
}

// Result reports what an export run produced.
type Result struct {
	Mode     Mode
	Messages int
	Location string
}

type progressKey struct {
	userID int64
	chatID int64
	kind   models.ChatKind
}

// Service runs exports. Runs for the same (user, conversation) pair are
// serialized through a per-key lock; everything else proceeds in parallel.
type Service struct {
	cipher   *cryptox.Cipher
	remote   telegram.Client
	creds    repositories.CredentialStore
	progress repositories.ProgressStore
	storage  ArtifactStorage

	locks        *keylock.Table[progressKey]
	defaultLimit int
	maxLimit     int
	nowFunc      nowFunc
}

// NewService wires the export service. defaultLimit and maxLimit bound full
// exports; non-positive values fall back to 1000 and 10000.
func NewService(
	cipher *cryptox.Cipher,
	remote telegram.Client,
	creds repositories.CredentialStore,
	progress repositories.ProgressStore,
	storage ArtifactStorage,
	defaultLimit, maxLimit int,
) *Service {
	if defaultLimit <= 0 {
		defaultLimit = 1000
	}
	if maxLimit <= 0 {
		maxLimit = 10000
	}
	return &Service{
		cipher:       cipher,
		remote:       remote,
		creds:        creds,
		progress:     progress,
		storage:      storage,
		locks:        keylock.NewTable[progressKey](),
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
		nowFunc:      defaultNow,
	}
}

// Run performs one export for the requested conversation.
func (s *Service) Run(ctx context.Context, req Request) (Result, error) {
	if !req.Kind.Valid() {
		return Result{}, ErrInvalidChatKind
	}

	ctx, span := logging.StartSpan(ctx, "export.run")
	defer span.End()

	unlock := s.locks.Lock(progressKey{userID: req.UserID, chatID: req.ChatID, kind: req.Kind})
	defer unlock()

	session, err := s.openSession(ctx, req.UserID)
	if err != nil {
		return Result{}, err
	}

	mode := ModeFull
	opts := telegram.FetchOptions{}
	stored, err := s.progress.Get(ctx, req.UserID, req.ChatID, req.Kind)
	switch {
	case err == nil:
		mode = ModeIncremental
		since := stored.LastMessageID
		opts.SinceExclusive = &since
	case errors.Is(err, repositories.ErrNotFound):
		limit := s.clampLimit(req.Limit)
		opts.Limit = &limit
	default:
		return Result{}, err
	}

	conv := telegram.Conversation{ID: req.ChatID, Kind: req.Kind, Title: req.Title}
	stream, err := s.remote.StreamMessages(ctx, session, conv, opts)
	if err != nil {
		return Result{}, err
	}
	defer stream.Close()

	var (
		messages []telegram.Message
		maxID    int64
	)
	for {
		msg, ok, err := stream.Next(ctx)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			break
		}
		if msg.ID > maxID {
			maxID = msg.ID
		}
		messages = append(messages, msg)
	}

	// Nothing fetched: no artifact, no progress write.
	if len(messages) == 0 {
		return Result{Mode: ModeEmpty}, nil
	}

	lines := renderLines(messages)

	location := ""
	if len(lines) > 0 {
		body := buildArtifact(req.Title, mode, s.nowFunc(), lines)
		location, err = s.storage.Save(ctx, artifactName(req), body)
		if err != nil {
			return Result{}, fmt.Errorf("store export artifact: %w", err)
		}
	}

	// The progress write is last so a failed upload re-exports the same range
	// instead of silently dropping it.
	if err := s.progress.Upsert(ctx, models.ChatProgress{
		UserID:        req.UserID,
		ChatID:        req.ChatID,
		Kind:          req.Kind,
		LastMessageID: maxID,
		UpdatedAt:     s.nowFunc().UTC(),
	}); err != nil {
		return Result{}, err
	}

	return Result{Mode: mode, Messages: len(lines), Location: location}, nil
}

// openSession loads and decrypts the user's stored session. A missing or
// unreadable credential both surface as ErrNotAuthenticated.
func (s *Service) openSession(ctx context.Context, userID int64) ([]byte, error) {
	cred, err := s.creds.Find(ctx, userID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrNotAuthenticated
	}
	if err != nil {
		return nil, err
	}
	if !cred.Authenticated {
		return nil, ErrNotAuthenticated
	}

	session, err := s.cipher.Open(cred.SessionBlob)
	if err != nil {
		return nil, fmt.Errorf("%w: stored credential is unreadable", ErrNotAuthenticated)
	}
	return session, nil
}

func (s *Service) clampLimit(limit int) int {
	if limit <= 0 {
		return s.defaultLimit
	}
	if limit > s.maxLimit {
		return s.maxLimit
	}
	return limit
}
