// Package signature mints the HS256-signed JWT that the conferencing SDK
// requires to join a meeting from the browser.
//
// The token format is fixed by the SDK: a standard JWT with the sdkKey,
// meeting number, role, and validity window as claims, signed with the SDK
// secret. No JWT library is pulled in for this; the token is three
// base64url segments and one HMAC, which the standard library covers.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Roles accepted by the conferencing SDK.
const (
	RoleAttendee = 0
	RoleHost     = 1
)

// ErrInvalidSignature is returned by [Verify] when a token fails the HMAC
// check or is structurally malformed.
var ErrInvalidSignature = errors.New("signature: invalid token")

// ErrExpired is returned by [Verify] when a structurally valid token is
// outside its validity window.
var ErrExpired = errors.New("signature: token expired")

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

type claims struct {
	SDKKey        string `json:"sdkKey"`
	MeetingNumber string `json:"mn"`
	Role          int    `json:"role"`
	IssuedAt      int64  `json:"iat"`
	Expires       int64  `json:"exp"`
	AppKey        string `json:"appKey"`
	TokenExpires  int64  `json:"tokenExp"`
}

// Signer mints meeting join signatures for a single SDK key pair.
type Signer struct {
	sdkKey    string
	sdkSecret []byte
	ttl       time.Duration

	// now is swappable in tests.
	now func() time.Time
}

// New creates a Signer. ttl is the validity window of issued tokens; zero
// or negative means five minutes.
func New(sdkKey, sdkSecret string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Signer{
		sdkKey:    sdkKey,
		sdkSecret: []byte(sdkSecret),
		ttl:       ttl,
		now:       time.Now,
	}
}

// Sign issues a join token for meetingNumber with the given role. The
// issued-at claim is backdated thirty seconds to absorb clock skew between
// the relay and the SDK's verification servers.
func (s *Signer) Sign(meetingNumber string, role int) (string, error) {
	if meetingNumber == "" {
		return "", errors.New("signature: meeting number is required")
	}
	if role != RoleAttendee && role != RoleHost {
		return "", fmt.Errorf("signature: role %d is invalid", role)
	}

	iat := s.now().Unix() - 30
	exp := iat + int64(s.ttl.Seconds())

	h, err := json.Marshal(header{Alg: "HS256", Typ: "JWT"})
	if err != nil {
		return "", fmt.Errorf("signature: marshal header: %w", err)
	}
	c, err := json.Marshal(claims{
		SDKKey:        s.sdkKey,
		MeetingNumber: meetingNumber,
		Role:          role,
		IssuedAt:      iat,
		Expires:       exp,
		AppKey:        s.sdkKey,
		TokenExpires:  exp,
	})
	if err != nil {
		return "", fmt.Errorf("signature: marshal claims: %w", err)
	}

	enc := base64.RawURLEncoding
	signingInput := enc.EncodeToString(h) + "." + enc.EncodeToString(c)

	mac := hmac.New(sha256.New, s.sdkSecret)
	mac.Write([]byte(signingInput))
	sig := enc.EncodeToString(mac.Sum(nil))

	return signingInput + "." + sig, nil
}

// Verify checks token against the signer's secret and validity window and
// returns the embedded meeting number and role.
func (s *Signer) Verify(token string) (meetingNumber string, role int, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", 0, ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, s.sdkSecret)
	mac.Write([]byte(parts[0] + "." + parts[1]))
	want := mac.Sum(nil)

	got, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || !hmac.Equal(got, want) {
		return "", 0, ErrInvalidSignature
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", 0, ErrInvalidSignature
	}
	var c claims
	if err := json.Unmarshal(raw, &c); err != nil {
		return "", 0, ErrInvalidSignature
	}

	now := s.now().Unix()
	if now < c.IssuedAt || now >= c.Expires {
		return "", 0, ErrExpired
	}
	return c.MeetingNumber, c.Role, nil
}
