package jwt

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// BearerToken extracts the bearer token from a request's Authorization
// header. It returns ErrEmptyToken when the header is missing or does not
// carry a bearer credential.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrEmptyToken
	}

	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", ErrEmptyToken
	}

	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", ErrEmptyToken
	}
	return token, nil
}

// UnverifiedSubject decodes a token's payload without verifying its
// signature and returns the sub claim. Callers must never use the result
// for authentication; it exists so rate limiting can attribute requests to
// a caller before the auth stage runs.
func UnverifiedSubject(token string) (string, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", false
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", false
	}

	var body struct {
		Subject string `json:"sub"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return "", false
	}
	if body.Subject == "" {
		return "", false
	}
	return body.Subject, true
}

// decodeSegment decodes a base64url token segment.
func decodeSegment(segment string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(segment)
}
