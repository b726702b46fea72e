package telegram

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Gateway implements Client against the MTProto gateway sidecar, which owns
// the actual platform protocol. Requests and responses are JSON; message
// streaming uses newline-delimited JSON so large histories are not buffered.
type Gateway struct {
	httpClient *http.Client
	baseURL    string
	observe    func(time.Duration)
}

// NewGateway constructs a Gateway client for the sidecar at baseURL. The
// timeout bounds every round trip; expiry surfaces as ErrUnavailable.
func NewGateway(baseURL string, timeout time.Duration) *Gateway {
	return &Gateway{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

// WithLatencyObserver registers a callback fed the duration of every sidecar
// round trip, for metrics.
func (g *Gateway) WithLatencyObserver(observe func(time.Duration)) *Gateway {
	g.observe = observe
	return g
}

func (g *Gateway) do(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := g.httpClient.Do(req)
	if g.observe != nil {
		g.observe(time.Since(start))
	}
	return resp, err
}

type gatewayError struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after"`
}

// SendVerificationCode implements Client.
func (g *Gateway) SendVerificationCode(ctx context.Context, phone string) (CodeRequest, error) {
	var resp struct {
		CodeHash string `json:"code_hash"`
		Session  string `json:"session"`
	}
	err := g.post(ctx, "/send_code", map[string]string{"phone": phone}, &resp)
	if err != nil {
		return CodeRequest{}, err
	}

	interim, err := base64.StdEncoding.DecodeString(resp.Session)
	if err != nil {
		return CodeRequest{}, fmt.Errorf("%w: decode interim session: %v", ErrUnavailable, err)
	}
	return CodeRequest{CodeHash: resp.CodeHash, Interim: interim}, nil
}

// SignIn implements Client.
func (g *Gateway) SignIn(ctx context.Context, interim []byte, phone, codeHash, code string) (SignInResult, error) {
	var resp struct {
		Status  string `json:"status"`
		Session string `json:"session"`
	}
	err := g.post(ctx, "/sign_in", map[string]string{
		"session":   base64.StdEncoding.EncodeToString(interim),
		"phone":     phone,
		"code_hash": codeHash,
		"code":      code,
	}, &resp)
	if err != nil {
		return SignInResult{}, err
	}

	session, err := base64.StdEncoding.DecodeString(resp.Session)
	if err != nil {
		return SignInResult{}, fmt.Errorf("%w: decode session: %v", ErrUnavailable, err)
	}

	switch resp.Status {
	case "ok":
		return SignInResult{Session: session}, nil
	case "password_needed":
		return SignInResult{NeedsPassword: true, Interim: session}, nil
	default:
		return SignInResult{}, fmt.Errorf("%w: unexpected sign-in status %q", ErrUnavailable, resp.Status)
	}
}

// SignInWithPassword implements Client.
func (g *Gateway) SignInWithPassword(ctx context.Context, interim []byte, password string) ([]byte, error) {
	var resp struct {
		Session string `json:"session"`
	}
	err := g.post(ctx, "/sign_in_password", map[string]string{
		"session":  base64.StdEncoding.EncodeToString(interim),
		"password": password,
	}, &resp)
	if err != nil {
		return nil, err
	}

	session, err := base64.StdEncoding.DecodeString(resp.Session)
	if err != nil {
		return nil, fmt.Errorf("%w: decode session: %v", ErrUnavailable, err)
	}
	return session, nil
}

// StreamMessages implements Client. The response body is held open and
// decoded line by line; Close must be called to release the connection.
func (g *Gateway) StreamMessages(ctx context.Context, session []byte, conv Conversation, opts FetchOptions) (MessageStream, error) {
	payload := map[string]any{
		"session":   base64.StdEncoding.EncodeToString(session),
		"chat_id":   conv.ID,
		"chat_kind": string(conv.Kind),
	}
	if opts.SinceExclusive != nil {
		payload["min_id"] = *opts.SinceExclusive
	}
	if opts.Limit != nil {
		payload["limit"] = *opts.Limit
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode messages request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create messages request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeGatewayError(resp)
	}

	return &gatewayStream{body: resp.Body, scanner: newStreamScanner(resp.Body)}, nil
}

type wireMessage struct {
	ID     int64  `json:"id"`
	Date   int64  `json:"date"`
	Sender string `json:"sender"`
	Text   string `json:"text"`
	Media  string `json:"media"`
}

type gatewayStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func newStreamScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return scanner
}

func (s *gatewayStream) Next(ctx context.Context) (Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var wire wireMessage
		if err := json.Unmarshal(line, &wire); err != nil {
			return Message{}, false, fmt.Errorf("%w: decode message: %v", ErrUnavailable, err)
		}
		return Message{
			ID:     wire.ID,
			Date:   time.Unix(wire.Date, 0).UTC(),
			Sender: wire.Sender,
			Text:   wire.Text,
			Media:  wire.Media,
		}, true, nil
	}

	if err := s.scanner.Err(); err != nil {
		return Message{}, false, fmt.Errorf("%w: read stream: %v", ErrUnavailable, err)
	}
	return Message{}, false, nil
}

func (s *gatewayStream) Close() error {
	return s.body.Close()
}

func (g *Gateway) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeGatewayError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return nil
}

// decodeGatewayError maps sidecar failures onto the typed client errors. The
// sidecar reports platform cooldowns with 429 and a retry_after hint.
func decodeGatewayError(resp *http.Response) error {
	var ge gatewayError
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&ge)

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(ge.RetryAfter) * time.Second
		if retryAfter <= 0 {
			retryAfter = time.Minute
		}
		return &FloodWaitError{RetryAfter: retryAfter}
	}

	switch ge.Error {
	case "phone_invalid":
		return ErrInvalidPhone
	case "code_invalid":
		return ErrInvalidCode
	case "password_invalid":
		return ErrInvalidPassword
	}

	if errors.Is(resp.Request.Context().Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: request timed out", ErrUnavailable)
	}
	return fmt.Errorf("%w: gateway returned status %d", ErrUnavailable, resp.StatusCode)
}
