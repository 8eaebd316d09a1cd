package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifier(t *testing.T) {
	secret := []byte("test-secret")
	v := NewVerifier(secret)

	t.Run("round-trips a generated token", func(t *testing.T) {
		token, err := v.Generate("user-a", time.Hour)
		require.NoError(t, err)

		userID, err := v.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, "user-a", userID)
	})

	t.Run("rejects an expired token", func(t *testing.T) {
		token, err := v.Generate("user-a", -time.Minute)
		require.NoError(t, err)

		_, err = v.Verify(token)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("rejects a token signed with another secret", func(t *testing.T) {
		other := NewVerifier([]byte("other-secret"))
		token, err := other.Generate("user-a", time.Hour)
		require.NoError(t, err)

		_, err = v.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := v.Verify("not.a.token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("rejects a token without a subject", func(t *testing.T) {
		raw := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"iat": time.Now().Unix(),
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		token, err := raw.SignedString(secret)
		require.NoError(t, err)

		_, err = v.Verify(token)
		assert.ErrorIs(t, err, ErrMissingClaim)
	})

	t.Run("rejects the none algorithm", func(t *testing.T) {
		raw := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
			"sub": "user-a",
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		token, err := raw.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = v.Verify(token)
		assert.Error(t, err)
	})
}
