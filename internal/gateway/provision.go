package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tasknotes/apigw/internal/observability"
)

// provisionTimeout bounds one profile creation attempt.
const provisionTimeout = 10 * time.Second

// maxRegistrationBody caps how much of a registration response is buffered
// for inspection.
const maxRegistrationBody = 1 << 20

// Provisioner creates a user profile after a successful registration. The
// work runs detached from the request; registration already succeeded and
// its response is on the wire, so the outcome is only logged.
type Provisioner struct {
	profileBase string
	client      *http.Client
	logger      observability.Logger
}

// NewProvisioner creates a provisioner posting to the profile service at
// profileBase.
func NewProvisioner(profileBase string, logger observability.Logger) *Provisioner {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Provisioner{
		profileBase: strings.TrimSuffix(profileBase, "/"),
		client:      &http.Client{Timeout: provisionTimeout},
		logger:      logger,
	}
}

// registrationUser is the part of a registration response the provisioner
// cares about. The auth service returns id/email either at the top level or
// nested under "user".
type registrationUser struct {
	ID    string
	Email string
}

// parseRegistration extracts the new user's identity from a registration
// response body. Returns false when the body is not JSON or lacks the
// needed fields.
func parseRegistration(body []byte) (registrationUser, bool) {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return registrationUser{}, false
	}

	user := registrationUser{
		ID:    stringField(payload, "id"),
		Email: stringField(payload, "email"),
	}
	if nested, ok := payload["user"].(map[string]interface{}); ok {
		if user.ID == "" {
			user.ID = stringField(nested, "id")
		}
		if user.Email == "" {
			user.Email = stringField(nested, "email")
		}
	}

	if user.ID == "" || user.Email == "" {
		return registrationUser{}, false
	}
	return user, true
}

// stringField reads a field as a string, accepting numeric ids.
func stringField(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return ""
	}
}

// displayName derives a human-readable name from the email local part:
// separators become spaces and each word is capitalized.
func displayName(email string) string {
	local := email
	if idx := strings.Index(email, "@"); idx >= 0 {
		local = email[:idx]
	}
	local = strings.ReplaceAll(local, ".", " ")
	local = strings.ReplaceAll(local, "_", " ")

	words := strings.Fields(local)
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + strings.ToLower(word[1:])
	}
	name := strings.Join(words, " ")
	if name == "" {
		return "User"
	}
	return name
}

// AfterRegistration inspects a registration response and, when it minted a
// new user, schedules profile creation in the background.
func (p *Provisioner) AfterRegistration(status int, body []byte, requestID string) {
	if status != http.StatusOK && status != http.StatusCreated {
		return
	}

	user, ok := parseRegistration(body)
	if !ok {
		return
	}

	p.logger.Info("profile provisioning scheduled",
		observability.String("user_id", user.ID),
		observability.String("request_id", requestID))

	go p.createProfile(user, requestID)
}

// createProfile posts the derived profile to the profile service.
func (p *Provisioner) createProfile(user registrationUser, requestID string) {
	payload, err := json.Marshal(map[string]string{
		"name":  displayName(user.Email),
		"email": user.Email,
	})
	if err != nil {
		p.logger.Error("encoding profile payload failed", observability.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), provisionTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.profileBase+"/profiles/", bytes.NewReader(payload))
	if err != nil {
		p.logger.Error("building profile request failed", observability.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", user.ID)
	req.Header.Set("X-User-Email", user.Email)
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Error("profile provisioning failed",
			observability.String("user_id", user.ID),
			observability.Error(err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		p.logger.Info("profile created",
			observability.String("user_id", user.ID))
	case http.StatusConflict:
		p.logger.Info("profile already exists",
			observability.String("user_id", user.ID))
	default:
		p.logger.Warn("profile provisioning rejected",
			observability.String("user_id", user.ID),
			observability.Int("status", resp.StatusCode))
	}
}

// teeWriter mirrors the response to the client while keeping a bounded copy
// of the body for the provisioner.
type teeWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

// WriteHeader captures the status code.
func (t *teeWriter) WriteHeader(code int) {
	t.status = code
	t.ResponseWriter.WriteHeader(code)
}

// Write passes bytes through and buffers up to maxRegistrationBody of them.
func (t *teeWriter) Write(b []byte) (int, error) {
	if t.body.Len() < maxRegistrationBody {
		remain := maxRegistrationBody - t.body.Len()
		if len(b) < remain {
			remain = len(b)
		}
		t.body.Write(b[:remain])
	}
	return t.ResponseWriter.Write(b)
}
