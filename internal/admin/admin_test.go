package admin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyAdminToken(t *testing.T) {
	hash, err := HashToken("s3cret")
	require.NoError(t, err)

	assert.True(t, VerifyAdminToken(hash, "s3cret"))
	assert.False(t, VerifyAdminToken(hash, "wrong"))
	assert.False(t, VerifyAdminToken("", "s3cret"))
}

func TestSessionRoundTrip(t *testing.T) {
	token, exp, err := IssueSession("key", time.Hour, time.Now())
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	assert.NoError(t, ParseSession("key", token))
	assert.ErrorIs(t, ParseSession("other-key", token), ErrUnauthorized)
	assert.ErrorIs(t, ParseSession("key", "garbage"), ErrUnauthorized)
}

func TestExpiredSessionRejected(t *testing.T) {
	token, _, err := IssueSession("key", time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.ErrorIs(t, ParseSession("key", token), ErrUnauthorized)
}
