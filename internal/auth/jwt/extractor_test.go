package jwt

import (
	"net/http/httptest"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "valid bearer", header: "Bearer abc.def.ghi", want: "abc.def.ghi"},
		{name: "lowercase scheme", header: "bearer abc.def.ghi", want: "abc.def.ghi"},
		{name: "missing header", header: "", wantErr: true},
		{name: "wrong scheme", header: "Basic dXNlcjpwYXNz", wantErr: true},
		{name: "bare scheme", header: "Bearer ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/tasks/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}

			token, err := BearerToken(r)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrEmptyToken)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, token)
		})
	}
}

func TestUnverifiedSubject(t *testing.T) {
	now := time.Now()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub": "user-42",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("any-secret"))
	require.NoError(t, err)

	sub, ok := UnverifiedSubject(signed)
	assert.True(t, ok)
	assert.Equal(t, "user-42", sub)

	_, ok = UnverifiedSubject("not-a-token")
	assert.False(t, ok)

	_, ok = UnverifiedSubject("a.!!!.c")
	assert.False(t, ok)

	noSub := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{"iat": now.Unix()})
	signed, err = noSub.SignedString([]byte("any-secret"))
	require.NoError(t, err)
	_, ok = UnverifiedSubject(signed)
	assert.False(t, ok)
}
