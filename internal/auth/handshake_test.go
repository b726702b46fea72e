package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chatexport/backend/internal/cryptox"
	"github.com/chatexport/backend/internal/initdata"
	"github.com/chatexport/backend/internal/models"
	"github.com/chatexport/backend/internal/repositories"
	"github.com/chatexport/backend/internal/telegram"
)

type staticVerifier struct {
	userID int64
	err    error
}

func (v staticVerifier) Verify(raw string) (initdata.Payload, error) {
	if v.err != nil {
		return initdata.Payload{}, v.err
	}
	return initdata.Payload{UserID: v.userID, AuthDate: time.Now()}, nil
}

type memoryCredentialStore struct {
	mu    sync.Mutex
	creds map[int64]models.Credential
}

func newMemoryCredentialStore() *memoryCredentialStore {
	return &memoryCredentialStore{creds: make(map[int64]models.Credential)}
}

func (s *memoryCredentialStore) Save(_ context.Context, cred models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[cred.UserID] = cred
	return nil
}

func (s *memoryCredentialStore) Find(_ context.Context, userID int64) (models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[userID]
	if !ok {
		return models.Credential{}, repositories.ErrNotFound
	}
	return cred, nil
}

func (s *memoryCredentialStore) Delete(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[userID]; !ok {
		return repositories.ErrNotFound
	}
	delete(s.creds, userID)
	return nil
}

type memoryPendingStore struct {
	mu       sync.Mutex
	pendings map[int64]models.PendingLogin
}

func newMemoryPendingStore() *memoryPendingStore {
	return &memoryPendingStore{pendings: make(map[int64]models.PendingLogin)}
}

func (s *memoryPendingStore) Save(_ context.Context, pending models.PendingLogin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendings[pending.UserID] = pending
	return nil
}

func (s *memoryPendingStore) Find(_ context.Context, userID int64) (models.PendingLogin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.pendings[userID]
	if !ok {
		return models.PendingLogin{}, repositories.ErrNotFound
	}
	return pending, nil
}

func (s *memoryPendingStore) Delete(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendings, userID)
	return nil
}

type memoryPurger struct {
	creds    *memoryCredentialStore
	pendings *memoryPendingStore
	purged   []int64
}

func (p *memoryPurger) Purge(ctx context.Context, userID int64) error {
	p.creds.mu.Lock()
	delete(p.creds.creds, userID)
	p.creds.mu.Unlock()
	p.pendings.mu.Lock()
	delete(p.pendings.pendings, userID)
	p.pendings.mu.Unlock()
	p.purged = append(p.purged, userID)
	return nil
}

type fakeClient struct {
	sendCode       func(ctx context.Context, phone string) (telegram.CodeRequest, error)
	signIn         func(ctx context.Context, interim []byte, phone, codeHash, code string) (telegram.SignInResult, error)
	signInPassword func(ctx context.Context, interim []byte, password string) ([]byte, error)
}

func (c *fakeClient) SendVerificationCode(ctx context.Context, phone string) (telegram.CodeRequest, error) {
	return c.sendCode(ctx, phone)
}

func (c *fakeClient) SignIn(ctx context.Context, interim []byte, phone, codeHash, code string) (telegram.SignInResult, error) {
	return c.signIn(ctx, interim, phone, codeHash, code)
}

func (c *fakeClient) SignInWithPassword(ctx context.Context, interim []byte, password string) ([]byte, error) {
	return c.signInPassword(ctx, interim, password)
}

func (c *fakeClient) StreamMessages(context.Context, []byte, telegram.Conversation, telegram.FetchOptions) (telegram.MessageStream, error) {
	return nil, errors.New("not implemented")
}

type handshakeFixture struct {
	handshake *Handshake
	cipher    *cryptox.Cipher
	creds     *memoryCredentialStore
	pendings  *memoryPendingStore
	purger    *memoryPurger
	client    *fakeClient
}

func newHandshakeFixture(t *testing.T, userID int64) *handshakeFixture {
	t.Helper()

	key := make([]byte, cryptox.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cipher, err := cryptox.NewCipher(key)
	if err != nil {
		t.Fatalf("create cipher: %v", err)
	}

	creds := newMemoryCredentialStore()
	pendings := newMemoryPendingStore()
	purger := &memoryPurger{creds: creds, pendings: pendings}
	client := &fakeClient{
		sendCode: func(context.Context, string) (telegram.CodeRequest, error) {
			return telegram.CodeRequest{CodeHash: "hash", Interim: []byte("interim")}, nil
		},
		signIn: func(context.Context, []byte, string, string, string) (telegram.SignInResult, error) {
			return telegram.SignInResult{Session: []byte("session")}, nil
		},
		signInPassword: func(context.Context, []byte, string) ([]byte, error) {
			return []byte("session"), nil
		},
	}

	handshake := NewHandshake(staticVerifier{userID: userID}, cipher, client, creds, pendings, purger, 10*time.Minute)

	return &handshakeFixture{
		handshake: handshake,
		cipher:    cipher,
		creds:     creds,
		pendings:  pendings,
		purger:    purger,
		client:    client,
	}
}

func TestHandshake_RequestCodeStoresPending(t *testing.T) {
	ctx := context.Background()
	fx := newHandshakeFixture(t, 42)

	if err := fx.handshake.RequestCode(ctx, "signed", "+1 555 0100"); err != nil {
		t.Fatalf("request code: %v", err)
	}

	pending, err := fx.pendings.Find(ctx, 42)
	if err != nil {
		t.Fatalf("find pending login: %v", err)
	}
	if pending.CodeHash != "hash" {
		t.Fatalf("unexpected code hash %q", pending.CodeHash)
	}

	interim, err := fx.cipher.Open(pending.InterimBlob)
	if err != nil {
		t.Fatalf("open interim blob: %v", err)
	}
	if string(interim) != "interim" {
		t.Fatalf("unexpected interim %q", interim)
	}
}

func TestHandshake_RequestCodeReplacesPriorPending(t *testing.T) {
	ctx := context.Background()
	fx := newHandshakeFixture(t, 42)

	hashes := []string{"first", "second"}
	calls := 0
	fx.client.sendCode = func(context.Context, string) (telegram.CodeRequest, error) {
		req := telegram.CodeRequest{CodeHash: hashes[calls], Interim: []byte("interim")}
		calls++
		return req, nil
	}

	if err := fx.handshake.RequestCode(ctx, "signed", "+15550100"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := fx.handshake.RequestCode(ctx, "signed", "+15550100"); err != nil {
		t.Fatalf("second request: %v", err)
	}

	pending, err := fx.pendings.Find(ctx, 42)
	if err != nil {
		t.Fatalf("find pending login: %v", err)
	}
	if pending.CodeHash != "second" {
		t.Fatalf("expected second handshake to win, got %q", pending.CodeHash)
	}
}

func TestHandshake_RequestCodeRejectsEmptyPhone(t *testing.T) {
	ctx := context.Background()
	fx := newHandshakeFixture(t, 42)

	if err := fx.handshake.RequestCode(ctx, "signed", "   "); !errors.Is(err, telegram.ErrInvalidPhone) {
		t.Fatalf("expected ErrInvalidPhone, got %v", err)
	}
}

func TestHandshake_RequestCodeSendFailureLeavesNoState(t *testing.T) {
	ctx := context.Background()
	fx := newHandshakeFixture(t, 42)

	fx.client.sendCode = func(context.Context, string) (telegram.CodeRequest, error) {
		return telegram.CodeRequest{}, telegram.ErrUnavailable
	}

	if err := fx.handshake.RequestCode(ctx, "signed", "+15550100"); !errors.Is(err, telegram.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := fx.pendings.Find(ctx, 42); !errors.Is(err, repositories.ErrNotFound) {
		t.Fatalf("expected no pending login after failure, got %v", err)
	}
}

func TestHandshake_VerifierFailureShortCircuits(t *testing.T) {
	ctx := context.Background()
	fx := newHandshakeFixture(t, 42)

	fx.handshake.verifier = staticVerifier{err: initdata.ErrSignatureInvalid}
	fx.client.sendCode = func(context.Context, string) (telegram.CodeRequest, error) {
		t.Fatal("remote must not be called when verification fails")
		return telegram.CodeRequest{}, nil
	}

	if err := fx.handshake.RequestCode(ctx, "forged", "+15550100"); !errors.Is(err, initdata.ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
	if _, err := fx.handshake.ConfirmCode(ctx, "forged", "12345"); !errors.Is(err, initdata.ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid from confirm, got %v", err)
	}
}

func TestHandshake_ConfirmCodeWithoutPending(t *testing.T) {
	ctx := context.Background()
	fx := newHandshakeFixture(t, 42)

	if _, err := fx.handshake.ConfirmCode(ctx, "signed", "12345"); !errors.Is(err, ErrNoPendingLogin) {
		t.Fatalf("expected ErrNoPendingLogin, got %v", err)
	}
}

func TestHandshake_ConfirmCodeCompletesSignIn(t *testing.T) {
	ctx := context.Background()
	fx := newHandshakeFixture(t, 42)

	var gotCode string
	fx.client.signIn = func(_ context.Context, interim []byte, phone, codeHash, code string) (telegram.SignInResult, error) {
		if string(interim) != "interim" || phone != "+15550100" || codeHash != "hash" {
			t.Fatalf("sign-in called with wrong state: %q %q %q", interim, phone, codeHash)
		}
		gotCode = code
		return telegram.SignInResult{Session: []byte("final-session")}, nil
	}

	if err := fx.handshake.RequestCode(ctx, "signed", "+15550100"); err != nil {
		t.Fatalf("request code: %v", err)
	}

	needPassword, err := fx.handshake.ConfirmCode(ctx, "signed", "123 45-6")
	if err != nil {
		t.Fatalf("confirm code: %v", err)
	}
	if needPassword {
		t.Fatal("expected sign-in to complete without a password")
	}
	if gotCode != "123456" {
		t.Fatalf("expected normalized code 123456, got %q", gotCode)
	}

	cred, err := fx.creds.Find(ctx, 42)
	if err != nil {
		t.Fatalf("find credential: %v", err)
	}
	if !cred.Authenticated {
		t.Fatal("expected credential marked authenticated")
	}
	session, err := fx.cipher.Open(cred.SessionBlob)
	if err != nil {
		t.Fatalf("open session blob: %v", err)
	}
	if string(session) != "final-session" {
		t.Fatalf("unexpected session %q", session)
	}

	if _, err := fx.pendings.Find(ctx, 42); !errors.Is(err, repositories.ErrNotFound) {
		t.Fatalf("expected pending login removed, got %v", err)
	}
}

func TestHandshake_ConfirmCodeWrongCodeKeepsPending(t *testing.T) {
	ctx := context.Background()
	fx := newHandshakeFixture(t, 42)

	fx.client.signIn = func(context.Context, []byte, string, string, string) (telegram.SignInResult, error) {
		return telegram.SignInResult{}, telegram.ErrInvalidCode
	}

	if err := fx.handshake.RequestCode(ctx, "signed", "+15550100"); err != nil {
		t.Fatalf("request code: %v", err)
	}
	if _, err := fx.handshake.ConfirmCode(ctx, "signed", "00000"); !errors.Is(err, telegram.ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}

	// The handshake survives a wrong code so the user can retry.
	if _, err := fx.pendings.Find(ctx, 42); err != nil {
		t.Fatalf("expected pending login to survive, got %v", err)
	}
}

func TestHandshake_SecondFactorPath(t *testing.T) {
	ctx := context.Background()
	fx := newHandshakeFixture(t, 42)

	fx.client.signIn = func(context.Context, []byte, string, string, string) (telegram.SignInResult, error) {
		return telegram.SignInResult{NeedsPassword: true, Interim: []byte("interim-after-code")}, nil
	}
	fx.client.signInPassword = func(_ context.Context, interim []byte, password string) ([]byte, error) {
		if string(interim) != "interim-after-code" {
			t.Fatalf("password step got stale interim %q", interim)
		}
		if password != "hunter2" {
			t.Fatalf("unexpected password %q", password)
		}
		return []byte("final-session"), nil
	}

	if err := fx.handshake.RequestCode(ctx, "signed", "+15550100"); err != nil {
		t.Fatalf("request code: %v", err)
	}

	needPassword, err := fx.handshake.ConfirmCode(ctx, "signed", "12345")
	if err != nil {
		t.Fatalf("confirm code: %v", err)
	}
	if !needPassword {
		t.Fatal("expected password to be required")
	}

	// No credential yet; the updated interim is persisted instead.
	if _, err := fx.creds.Find(ctx, 42); !errors.Is(err, repositories.ErrNotFound) {
		t.Fatalf("expected no credential before the password step, got %v", err)
	}
	pending, err := fx.pendings.Find(ctx, 42)
	if err != nil {
		t.Fatalf("find pending login: %v", err)
	}
	interim, err := fx.cipher.Open(pending.InterimBlob)
	if err != nil {
		t.Fatalf("open interim blob: %v", err)
	}
	if string(interim) != "interim-after-code" {
		t.Fatalf("expected updated interim, got %q", interim)
	}

	if err := fx.handshake.ConfirmPassword(ctx, "signed", "hunter2"); err != nil {
		t.Fatalf("confirm password: %v", err)
	}

	cred, err := fx.creds.Find(ctx, 42)
	if err != nil {
		t.Fatalf("find credential: %v", err)
	}
	session, err := fx.cipher.Open(cred.SessionBlob)
	if err != nil {
		t.Fatalf("open session blob: %v", err)
	}
	if string(session) != "final-session" {
		t.Fatalf("unexpected session %q", session)
	}
	if _, err := fx.pendings.Find(ctx, 42); !errors.Is(err, repositories.ErrNotFound) {
		t.Fatalf("expected pending login removed, got %v", err)
	}
}

func TestHandshake_ConfirmPasswordWrongPasswordKeepsPending(t *testing.T) {
	ctx := context.Background()
	fx := newHandshakeFixture(t, 42)

	fx.client.signIn = func(context.Context, []byte, string, string, string) (telegram.SignInResult, error) {
		return telegram.SignInResult{NeedsPassword: true, Interim: []byte("interim-after-code")}, nil
	}
	fx.client.signInPassword = func(context.Context, []byte, string) ([]byte, error) {
		return nil, telegram.ErrInvalidPassword
	}

	if err := fx.handshake.RequestCode(ctx, "signed", "+15550100"); err != nil {
		t.Fatalf("request code: %v", err)
	}
	if _, err := fx.handshake.ConfirmCode(ctx, "signed", "12345"); err != nil {
		t.Fatalf("confirm code: %v", err)
	}
	if err := fx.handshake.ConfirmPassword(ctx, "signed", "wrong"); !errors.Is(err, telegram.ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
	if _, err := fx.pendings.Find(ctx, 42); err != nil {
		t.Fatalf("expected pending login to survive, got %v", err)
	}
}

func TestHandshake_ExpiredPendingIsDiscarded(t *testing.T) {
	ctx := context.Background()
	fx := newHandshakeFixture(t, 42)

	base := time.Now().UTC()
	now := base
	fx.handshake.WithNowFunc(func() time.Time { return now })

	if err := fx.handshake.RequestCode(ctx, "signed", "+15550100"); err != nil {
		t.Fatalf("request code: %v", err)
	}

	now = base.Add(11 * time.Minute)
	if _, err := fx.handshake.ConfirmCode(ctx, "signed", "12345"); !errors.Is(err, ErrNoPendingLogin) {
		t.Fatalf("expected ErrNoPendingLogin for expired handshake, got %v", err)
	}
	if _, err := fx.pendings.Find(ctx, 42); !errors.Is(err, repositories.ErrNotFound) {
		t.Fatalf("expected expired pending login removed, got %v", err)
	}
}

func TestHandshake_UndecryptableInterimIsDiscarded(t *testing.T) {
	ctx := context.Background()
	fx := newHandshakeFixture(t, 42)

	if err := fx.pendings.Save(ctx, models.PendingLogin{
		UserID:      42,
		Phone:       "+15550100",
		CodeHash:    "hash",
		InterimBlob: []byte("sealed under some other key"),
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("save pending login: %v", err)
	}

	if _, err := fx.handshake.ConfirmCode(ctx, "signed", "12345"); !errors.Is(err, ErrNoPendingLogin) {
		t.Fatalf("expected ErrNoPendingLogin for unreadable interim, got %v", err)
	}
	if _, err := fx.pendings.Find(ctx, 42); !errors.Is(err, repositories.ErrNotFound) {
		t.Fatalf("expected unreadable pending login removed, got %v", err)
	}
}

func TestHandshake_CancelIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fx := newHandshakeFixture(t, 42)

	if err := fx.handshake.RequestCode(ctx, "signed", "+15550100"); err != nil {
		t.Fatalf("request code: %v", err)
	}
	if err := fx.handshake.Cancel(ctx, "signed"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := fx.pendings.Find(ctx, 42); !errors.Is(err, repositories.ErrNotFound) {
		t.Fatalf("expected pending login removed, got %v", err)
	}
	if err := fx.handshake.Cancel(ctx, "signed"); err != nil {
		t.Fatalf("expected idempotent cancel, got %v", err)
	}
}

func TestHandshake_LogoutPurgesAccount(t *testing.T) {
	ctx := context.Background()
	fx := newHandshakeFixture(t, 42)

	if err := fx.handshake.RequestCode(ctx, "signed", "+15550100"); err != nil {
		t.Fatalf("request code: %v", err)
	}
	if _, err := fx.handshake.ConfirmCode(ctx, "signed", "12345"); err != nil {
		t.Fatalf("confirm code: %v", err)
	}

	if err := fx.handshake.Logout(ctx, "signed"); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if len(fx.purger.purged) != 1 || fx.purger.purged[0] != 42 {
		t.Fatalf("expected one purge for user 42, got %v", fx.purger.purged)
	}
	if _, err := fx.creds.Find(ctx, 42); !errors.Is(err, repositories.ErrNotFound) {
		t.Fatalf("expected credential gone after logout, got %v", err)
	}
}

func TestHandshake_Status(t *testing.T) {
	ctx := context.Background()
	fx := newHandshakeFixture(t, 42)

	authed, err := fx.handshake.Status(ctx, "signed")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if authed {
		t.Fatal("expected unauthenticated before sign-in")
	}

	if err := fx.handshake.RequestCode(ctx, "signed", "+15550100"); err != nil {
		t.Fatalf("request code: %v", err)
	}
	if _, err := fx.handshake.ConfirmCode(ctx, "signed", "12345"); err != nil {
		t.Fatalf("confirm code: %v", err)
	}

	authed, err = fx.handshake.Status(ctx, "signed")
	if err != nil {
		t.Fatalf("status after sign-in: %v", err)
	}
	if !authed {
		t.Fatal("expected authenticated after sign-in")
	}
}

func TestHandshake_ConcurrentConfirmsResolveToOne(t *testing.T) {
	ctx := context.Background()
	fx := newHandshakeFixture(t, 42)

	if err := fx.handshake.RequestCode(ctx, "signed", "+15550100"); err != nil {
		t.Fatalf("request code: %v", err)
	}

	const racers = 8
	errs := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fx.handshake.ConfirmCode(ctx, "signed", "12345")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var completed, noPending int
	for err := range errs {
		switch {
		case err == nil:
			completed++
		case errors.Is(err, ErrNoPendingLogin):
			noPending++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if completed != 1 {
		t.Fatalf("expected exactly one confirm to complete, got %d", completed)
	}
	if noPending != racers-1 {
		t.Fatalf("expected %d losers, got %d", racers-1, noPending)
	}

	if _, err := fx.creds.Find(ctx, 42); err != nil {
		t.Fatalf("expected credential after the race: %v", err)
	}
}
