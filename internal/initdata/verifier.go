// Package initdata validates the signed payload a trusted front-end attaches
// to every request, proving it originates from a verified platform session.
package initdata

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrSignatureInvalid indicates the payload hash does not match the derived key.
	ErrSignatureInvalid = errors.New("init data signature invalid")
	// ErrPayloadMalformed indicates required fields are missing or unparseable.
	ErrPayloadMalformed = errors.New("init data malformed")
	// ErrPayloadExpired indicates the payload was issued outside the freshness window.
	ErrPayloadExpired = errors.New("init data expired")
)

// secretDomain is the fixed domain-separation constant the platform uses when
// deriving the per-application signing key from the bot token.
const secretDomain = "WebAppData"

// Payload is the verified, typed content of an init data string.
type Payload struct {
	UserID   int64
	AuthDate time.Time
	QueryID  string
}

// Verifier checks init data payloads against a key derived from the bot token.
type Verifier struct {
	secret  []byte
	maxAge  time.Duration
	nowFunc func() time.Time
}

// NewVerifier derives the signing secret from the bot token. Payloads whose
// auth_date is older than maxAge are rejected; maxAge <= 0 disables the check.
func NewVerifier(botToken string, maxAge time.Duration) *Verifier {
	mac := hmac.New(sha256.New, []byte(secretDomain))
	mac.Write([]byte(botToken))
	return &Verifier{
		secret:  mac.Sum(nil),
		maxAge:  maxAge,
		nowFunc: time.Now,
	}
}

// WithNowFunc overrides the time source, for tests.
func (v *Verifier) WithNowFunc(now func() time.Time) {
	v.nowFunc = now
}

// Verify authenticates raw init data and returns its typed payload.
// The hash field is recomputed over every other field, sorted by key and
// joined as key=value lines, then compared in constant time.
func (v *Verifier) Verify(raw string) (Payload, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: parse query: %v", ErrPayloadMalformed, err)
	}

	received := values.Get("hash")
	if received == "" {
		return Payload{}, fmt.Errorf("%w: missing hash", ErrPayloadMalformed)
	}

	pairs := make([]string, 0, len(values))
	for key := range values {
		if key == "hash" {
			continue
		}
		pairs = append(pairs, key+"="+values.Get(key))
	}
	sort.Strings(pairs)
	checkString := strings.Join(pairs, "\n")

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(checkString))
	computed := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(computed), []byte(received)) {
		return Payload{}, ErrSignatureInvalid
	}

	payload, err := parsePayload(values)
	if err != nil {
		return Payload{}, err
	}

	if v.maxAge > 0 && v.nowFunc().Sub(payload.AuthDate) > v.maxAge {
		return Payload{}, ErrPayloadExpired
	}

	return payload, nil
}

func parsePayload(values url.Values) (Payload, error) {
	userField := values.Get("user")
	if userField == "" {
		return Payload{}, fmt.Errorf("%w: missing user", ErrPayloadMalformed)
	}

	var user struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal([]byte(userField), &user); err != nil {
		return Payload{}, fmt.Errorf("%w: decode user: %v", ErrPayloadMalformed, err)
	}
	if user.ID == 0 {
		return Payload{}, fmt.Errorf("%w: missing user id", ErrPayloadMalformed)
	}

	authDateField := values.Get("auth_date")
	if authDateField == "" {
		return Payload{}, fmt.Errorf("%w: missing auth_date", ErrPayloadMalformed)
	}
	authDate, err := strconv.ParseInt(authDateField, 10, 64)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: parse auth_date: %v", ErrPayloadMalformed, err)
	}

	return Payload{
		UserID:   user.ID,
		AuthDate: time.Unix(authDate, 0).UTC(),
		QueryID:  values.Get("query_id"),
	}, nil
}
