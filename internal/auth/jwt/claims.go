package jwt

import (
	"encoding/json"
	"strings"
	"time"
)

// Claims represents a decoded token payload. The scope claim is normalized
// into a single Scopes set at construction time; downstream code never
// branches on the raw claim shape.
type Claims struct {
	Issuer    string   `json:"iss,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	Audience  Audience `json:"aud,omitempty"`
	ExpiresAt *Time    `json:"exp,omitempty"`
	NotBefore *Time    `json:"nbf,omitempty"`
	IssuedAt  *Time    `json:"iat,omitempty"`

	Email  string
	Roles  []string
	Scopes []string

	// Extra holds claims that are not modeled above.
	Extra map[string]interface{}
}

// Time is a wrapper around time.Time for numeric-date JSON claims.
type Time struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(data []byte) error {
	var timestamp float64
	if err := json.Unmarshal(data, &timestamp); err != nil {
		return err
	}
	t.Time = time.Unix(int64(timestamp), 0)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Unix())
}

// Audience represents the aud claim, which can be a string or an array.
type Audience []string

// UnmarshalJSON implements json.Unmarshaler.
func (a *Audience) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = Audience{single}
		return nil
	}

	var multiple []string
	if err := json.Unmarshal(data, &multiple); err != nil {
		return err
	}
	*a = Audience(multiple)
	return nil
}

// Contains checks if the audience contains a specific value.
func (a Audience) Contains(aud string) bool {
	for _, v := range a {
		if v == aud {
			return true
		}
	}
	return false
}

// ContainsAny checks if the audience contains any of the specified values.
func (a Audience) ContainsAny(auds ...string) bool {
	for _, aud := range auds {
		if a.Contains(aud) {
			return true
		}
	}
	return false
}

// HasRole checks if the claim set carries the given role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasScope checks if the normalized scope set contains the given scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ParseClaims parses claims from a decoded payload map.
func ParseClaims(data map[string]interface{}) *Claims {
	claims := &Claims{
		Extra: make(map[string]interface{}),
	}

	for key, value := range data {
		if parseStandardClaim(claims, key, value) {
			continue
		}
		claims.Extra[key] = value
	}

	return claims
}

// parseStandardClaim parses a modeled claim and reports whether it was one.
func parseStandardClaim(claims *Claims, key string, value interface{}) bool {
	switch key {
	case "iss":
		if s, ok := value.(string); ok {
			claims.Issuer = s
		}
	case "sub":
		if s, ok := value.(string); ok {
			claims.Subject = s
		}
	case "aud":
		claims.Audience = parseAudience(value)
	case "exp":
		claims.ExpiresAt = parseTime(value)
	case "nbf":
		claims.NotBefore = parseTime(value)
	case "iat":
		claims.IssuedAt = parseTime(value)
	case "email":
		if s, ok := value.(string); ok {
			claims.Email = s
		}
	case "roles", "role":
		claims.Roles = appendUnique(claims.Roles, toStringSlice(value)...)
	case "scope", "scopes":
		// scope may be a space-delimited string, scopes a list; both are
		// unioned into one set.
		claims.Scopes = appendUnique(claims.Scopes, toStringSlice(value)...)
	default:
		return false
	}
	return true
}

// parseAudience parses the audience claim.
func parseAudience(value interface{}) Audience {
	switch v := value.(type) {
	case string:
		return Audience{v}
	case []string:
		return Audience(v)
	case []interface{}:
		result := make(Audience, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	default:
		return nil
	}
}

// parseTime parses a numeric-date value from the formats JSON decoding
// produces.
func parseTime(value interface{}) *Time {
	switch v := value.(type) {
	case float64:
		return &Time{Time: time.Unix(int64(v), 0)}
	case int64:
		return &Time{Time: time.Unix(v, 0)}
	case int:
		return &Time{Time: time.Unix(int64(v), 0)}
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return &Time{Time: time.Unix(i, 0)}
		}
	}
	return nil
}

// toStringSlice coerces a claim value into a string slice. Plain strings are
// split on whitespace, the common encoding for scope claims.
func toStringSlice(value interface{}) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []interface{}:
		result := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	case string:
		return strings.Fields(v)
	default:
		return nil
	}
}

// appendUnique appends values not already present.
func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, existing := range dst {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}
