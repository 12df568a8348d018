package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidToken is returned for malformed, tampered or expired tokens.
var ErrInvalidToken = errors.New("auth: invalid token")

// hs256Header is the fixed, pre-encoded JOSE header of every issued token.
var hs256Header = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))

type claims struct {
	Subject string `json:"sub"`
	Expires int64  `json:"exp"`
}

// signToken returns an HS256 JWT whose subject is ownerID.
func signToken(secret []byte, ownerID int64, expires time.Time) (string, error) {
	payload, err := json.Marshal(claims{Subject: strconv.FormatInt(ownerID, 10), Expires: expires.Unix()})
	if err != nil {
		return "", fmt.Errorf("auth: marshal claims: %w", err)
	}
	unsigned := hs256Header + "." + base64.RawURLEncoding.EncodeToString(payload)
	return unsigned + "." + sign(secret, unsigned), nil
}

// parseToken verifies tok and returns the owner id it was issued for.
func parseToken(secret []byte, tok string, now time.Time) (int64, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 || parts[0] != hs256Header {
		return 0, ErrInvalidToken
	}
	want := sign(secret, parts[0]+"."+parts[1])
	if !hmac.Equal([]byte(want), []byte(parts[2])) {
		return 0, ErrInvalidToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return 0, ErrInvalidToken
	}
	var c claims
	if err := json.Unmarshal(raw, &c); err != nil {
		return 0, ErrInvalidToken
	}
	if now.Unix() >= c.Expires {
		return 0, fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return 0, ErrInvalidToken
	}
	return id, nil
}

func sign(secret []byte, s string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(s))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
