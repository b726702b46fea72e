// Package auth implements the multi-step sign-in handshake against the
// remote platform. State lives in the pending login and credential stores,
// never in memory, so any process instance can service any step.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chatexport/backend/internal/cryptox"
	"github.com/chatexport/backend/internal/initdata"
	"github.com/chatexport/backend/internal/keylock"
	"github.com/chatexport/backend/internal/models"
	"github.com/chatexport/backend/internal/repositories"
	"github.com/chatexport/backend/internal/telegram"
)

// PayloadVerifier authenticates the signed payload attached to every request.
type PayloadVerifier interface {
	Verify(raw string) (initdata.Payload, error)
}

// Handshake drives the sign-in state machine: request code, confirm code,
// optional second-factor password. Transitions for one user are serialized
// through a per-user lock; different users proceed in parallel.
type Handshake struct {
	verifier PayloadVerifier
	cipher   *cryptox.Cipher
	remote   telegram.Client
	creds    repositories.CredentialStore
	pendings repositories.PendingLoginStore
	accounts repositories.AccountPurger

	locks      *keylock.Table[int64]
	pendingTTL time.Duration
	nowFunc    func() time.Time
}

// NewHandshake wires the handshake service. pendingTTL bounds how long an
// in-flight sign-in may sit before its interim material is discarded;
// pendingTTL <= 0 disables the age check.
func NewHandshake(
	verifier PayloadVerifier,
	cipher *cryptox.Cipher,
	remote telegram.Client,
	creds repositories.CredentialStore,
	pendings repositories.PendingLoginStore,
	accounts repositories.AccountPurger,
	pendingTTL time.Duration,
) *Handshake {
	return &Handshake{
		verifier:   verifier,
		cipher:     cipher,
		remote:     remote,
		creds:      creds,
		pendings:   pendings,
		accounts:   accounts,
		locks:      keylock.NewTable[int64](),
		pendingTTL: pendingTTL,
		nowFunc:    time.Now,
	}
}

// WithNowFunc overrides the time source, for tests.
func (h *Handshake) WithNowFunc(now func() time.Time) {
	h.nowFunc = now
}

// RequestCode asks the platform to text a verification code to phone and
// records the resulting pending login, discarding any prior one.
func (h *Handshake) RequestCode(ctx context.Context, rawInitData, phone string) error {
	payload, err := h.verifier.Verify(rawInitData)
	if err != nil {
		return err
	}

	phone = strings.TrimSpace(phone)
	if phone == "" {
		return telegram.ErrInvalidPhone
	}

	unlock := h.locks.Lock(payload.UserID)
	defer unlock()

	req, err := h.remote.SendVerificationCode(ctx, phone)
	if err != nil {
		return err
	}

	sealed, err := h.cipher.Seal(req.Interim)
	if err != nil {
		return fmt.Errorf("seal interim session: %w", err)
	}

	// The store write is the last step so a transport failure above leaves
	// no half-applied state; re-issuing simply overwrites.
	return h.pendings.Save(ctx, models.PendingLogin{
		UserID:      payload.UserID,
		Phone:       phone,
		CodeHash:    req.CodeHash,
		InterimBlob: sealed,
		CreatedAt:   h.nowFunc().UTC(),
	})
}

// ConfirmCode submits the verification code. It reports whether the account
// still requires a second-factor password to finish signing in.
func (h *Handshake) ConfirmCode(ctx context.Context, rawInitData, code string) (needPassword bool, err error) {
	payload, err := h.verifier.Verify(rawInitData)
	if err != nil {
		return false, err
	}

	unlock := h.locks.Lock(payload.UserID)
	defer unlock()

	pending, interim, err := h.loadPending(ctx, payload.UserID)
	if err != nil {
		return false, err
	}

	result, err := h.remote.SignIn(ctx, interim, pending.Phone, pending.CodeHash, normalizeCode(code))
	if err != nil {
		return false, err
	}

	if result.NeedsPassword {
		sealed, err := h.cipher.Seal(result.Interim)
		if err != nil {
			return false, fmt.Errorf("seal interim session: %w", err)
		}
		pending.InterimBlob = sealed
		if err := h.pendings.Save(ctx, pending); err != nil {
			return false, err
		}
		return true, nil
	}

	if err := h.complete(ctx, payload.UserID, result.Session); err != nil {
		return false, err
	}
	return false, nil
}

// ConfirmPassword completes a sign-in whose account has a second factor.
func (h *Handshake) ConfirmPassword(ctx context.Context, rawInitData, password string) error {
	payload, err := h.verifier.Verify(rawInitData)
	if err != nil {
		return err
	}

	unlock := h.locks.Lock(payload.UserID)
	defer unlock()

	_, interim, err := h.loadPending(ctx, payload.UserID)
	if err != nil {
		return err
	}

	session, err := h.remote.SignInWithPassword(ctx, interim, password)
	if err != nil {
		return err
	}

	return h.complete(ctx, payload.UserID, session)
}

// Cancel abandons any in-flight handshake. It is idempotent and shares the
// per-user lock, so it cannot race a concurrent confirm step.
func (h *Handshake) Cancel(ctx context.Context, rawInitData string) error {
	payload, err := h.verifier.Verify(rawInitData)
	if err != nil {
		return err
	}

	unlock := h.locks.Lock(payload.UserID)
	defer unlock()

	return h.pendings.Delete(ctx, payload.UserID)
}

// Logout removes the credential, any pending login, and all export progress
// for the user in one atomic operation.
func (h *Handshake) Logout(ctx context.Context, rawInitData string) error {
	payload, err := h.verifier.Verify(rawInitData)
	if err != nil {
		return err
	}

	unlock := h.locks.Lock(payload.UserID)
	defer unlock()

	return h.accounts.Purge(ctx, payload.UserID)
}

// Status reports whether the user currently holds a completed credential.
func (h *Handshake) Status(ctx context.Context, rawInitData string) (bool, error) {
	payload, err := h.verifier.Verify(rawInitData)
	if err != nil {
		return false, err
	}

	cred, err := h.creds.Find(ctx, payload.UserID)
	if errors.Is(err, repositories.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return cred.Authenticated, nil
}

// loadPending fetches and unseals the user's pending login. Expired or
// undecryptable entries are discarded and reported as absent, forcing the
// caller to restart the handshake.
func (h *Handshake) loadPending(ctx context.Context, userID int64) (models.PendingLogin, []byte, error) {
	pending, err := h.pendings.Find(ctx, userID)
	if errors.Is(err, repositories.ErrNotFound) {
		return models.PendingLogin{}, nil, ErrNoPendingLogin
	}
	if err != nil {
		return models.PendingLogin{}, nil, err
	}

	if h.pendingTTL > 0 && h.nowFunc().Sub(pending.CreatedAt) > h.pendingTTL {
		if err := h.pendings.Delete(ctx, userID); err != nil {
			return models.PendingLogin{}, nil, err
		}
		return models.PendingLogin{}, nil, ErrNoPendingLogin
	}

	interim, err := h.cipher.Open(pending.InterimBlob)
	if err != nil {
		if err := h.pendings.Delete(ctx, userID); err != nil {
			return models.PendingLogin{}, nil, err
		}
		return models.PendingLogin{}, nil, ErrNoPendingLogin
	}

	return pending, interim, nil
}

// complete seals the final session, writes the credential, and only then
// removes the pending login.
func (h *Handshake) complete(ctx context.Context, userID int64, session []byte) error {
	sealed, err := h.cipher.Seal(session)
	if err != nil {
		return fmt.Errorf("seal session: %w", err)
	}

	if err := h.creds.Save(ctx, models.Credential{
		UserID:        userID,
		SessionBlob:   sealed,
		Authenticated: true,
		LastActivity:  h.nowFunc().UTC(),
	}); err != nil {
		return err
	}

	return h.pendings.Delete(ctx, userID)
}

// normalizeCode strips the separators users commonly type into codes.
func normalizeCode(code string) string {
	return strings.NewReplacer(" ", "", "-", "").Replace(code)
}
