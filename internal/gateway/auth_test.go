package gateway_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/gameroom/internal/gateway"
)

func signClaims(t *testing.T, method jwt.SigningMethod, key any, claims gateway.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func TestTokenVerifier(t *testing.T) {
	v := gateway.NewTokenVerifier(testSecret, testIssuer)
	valid := jwt.RegisteredClaims{
		Subject:   "u1",
		Issuer:    testIssuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}

	tests := []struct {
		name    string
		token   string
		want    gateway.Identity
		wantErr bool
	}{
		{
			name:  "valid with username",
			token: "Bearer " + signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), gateway.Claims{Username: "Ursula", RegisteredClaims: valid}),
			want:  gateway.Identity{UserID: "u1", Username: "Ursula"},
		},
		{
			name:  "username defaults to subject",
			token: signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), gateway.Claims{RegisteredClaims: valid}),
			want:  gateway.Identity{UserID: "u1", Username: "u1"},
		},
		{name: "empty", token: "", wantErr: true},
		{name: "garbage", token: "Bearer abc.def", wantErr: true},
		{
			name:    "wrong secret",
			token:   signClaims(t, jwt.SigningMethodHS256, []byte("other"), gateway.Claims{RegisteredClaims: valid}),
			wantErr: true,
		},
		{
			name:    "wrong algorithm",
			token:   signClaims(t, jwt.SigningMethodHS512, []byte(testSecret), gateway.Claims{RegisteredClaims: valid}),
			wantErr: true,
		},
		{
			name: "wrong issuer",
			token: signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), gateway.Claims{RegisteredClaims: jwt.RegisteredClaims{
				Subject: "u1", Issuer: "elsewhere", ExpiresAt: valid.ExpiresAt,
			}}),
			wantErr: true,
		},
		{
			name: "expired",
			token: signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), gateway.Claims{RegisteredClaims: jwt.RegisteredClaims{
				Subject: "u1", Issuer: testIssuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			}}),
			wantErr: true,
		},
		{
			name: "no expiry",
			token: signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), gateway.Claims{RegisteredClaims: jwt.RegisteredClaims{
				Subject: "u1", Issuer: testIssuer,
			}}),
			wantErr: true,
		},
		{
			name: "no subject",
			token: signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), gateway.Claims{RegisteredClaims: jwt.RegisteredClaims{
				Issuer: testIssuer, ExpiresAt: valid.ExpiresAt,
			}}),
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := v.Verify(tc.token)
			if tc.wantErr {
				assert.ErrorIs(t, err, gateway.ErrUnauthenticated)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
