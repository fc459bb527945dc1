package services

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	svc := NewJWTService("secret", 1, "")

	token, err := svc.GenerateToken()
	require.NoError(t, err)

	subject, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, AdminSubject, subject)
}

func TestValidateTokenRejectsOtherSecret(t *testing.T) {
	token, err := NewJWTService("secret", 1, "").GenerateToken()
	require.NoError(t, err)

	_, err = NewJWTService("other", 1, "").ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	claims := Claims{
		Role: AdminSubject,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			Issuer:    tokenIssuer,
			Subject:   AdminSubject,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = NewJWTService("secret", 1, "").ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenRejectsForeignIssuer(t *testing.T) {
	claims := Claims{
		Role: AdminSubject,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			Issuer:    "someone-else",
			Subject:   AdminSubject,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = NewJWTService("secret", 1, "").ValidateToken(token)
	assert.Error(t, err)
}

func TestLogin(t *testing.T) {
	hash, err := HashPassword("hunter22")
	require.NoError(t, err)
	svc := NewJWTService("secret", 1, hash)

	token, err := svc.Login("hunter22")
	require.NoError(t, err)
	_, err = svc.ValidateToken(token)
	assert.NoError(t, err)

	_, err = svc.Login("wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginWithoutHashIsRefused(t *testing.T) {
	_, err := NewJWTService("secret", 1, "").Login("")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestHashPasswordRequiresValue(t *testing.T) {
	_, err := HashPassword("")
	assert.Error(t, err)
}
