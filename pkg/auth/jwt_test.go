package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiminjie89/ripc/pkg/config"
)

func Test_JWTValidator_roundTrip(t *testing.T) {
	v := NewJWTValidator("secret")
	token, err := v.GenerateToken("consumer-1", time.Minute)
	require.NoError(t, err)

	claims, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "consumer-1", claims.ConsumerID)
	assert.NoError(t, v.Authenticate(token))
}

func Test_JWTValidator_rejects(t *testing.T) {
	v := NewJWTValidator("secret")

	expired, err := v.GenerateToken("c", -time.Minute)
	require.NoError(t, err)
	_, err = v.Validate(expired)
	assert.ErrorIs(t, err, ErrTokenExpired)

	other, err := NewJWTValidator("other").GenerateToken("c", time.Minute)
	require.NoError(t, err)
	_, err = v.Validate(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	assert.ErrorIs(t, v.Authenticate(""), ErrMissingToken)
	assert.ErrorIs(t, v.Authenticate("dev_alice"), ErrInvalidToken)
}

func Test_FromConfig(t *testing.T) {
	assert.Nil(t, FromConfig(config.AuthConfig{}))

	v := FromConfig(config.AuthConfig{Enabled: true, JWTSecret: "s", AllowDev: true})
	require.NotNil(t, v)
	claims, err := v.ValidateOrMock("dev_alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.ConsumerID)
	assert.NoError(t, v.Authenticate("dev_bob"))
}
