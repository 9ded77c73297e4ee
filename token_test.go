package chatsync

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func TestLocalUserID(t *testing.T) {
	tok := signedToken(t, jwt.MapClaims{"sub": "u-42", "name": "Sam"})

	uid, err := LocalUserID(tok)
	require.NoError(t, err)
	assert.Equal(t, "u-42", uid)
}

func TestLocalUserIDMissingSubject(t *testing.T) {
	tok := signedToken(t, jwt.MapClaims{"name": "Sam"})

	_, err := LocalUserID(tok)
	assert.Error(t, err)
}

func TestLocalUserIDMalformedToken(t *testing.T) {
	_, err := LocalUserID("not-a-jwt")
	assert.Error(t, err)
}
