package main

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterLoginValidate(t *testing.T) {
	db := openTestDB(t)
	auth := NewAuth(db, "test-secret", nil)

	id, token, err := auth.Register("  alice ", "hunter2")
	require.NoError(t, err)

	uid, name, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, id, uid)
	assert.Equal(t, "alice", name)

	loginID, loginToken, err := auth.Login("alice", "hunter2", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, id, loginID)
	assert.NotEmpty(t, loginToken)

	_, _, err = auth.Login("alice", "wrong", "10.0.0.1")
	assert.EqualError(t, err, "invalid username or password")
	_, _, err = auth.Login("nobody", "hunter2", "10.0.0.1")
	assert.EqualError(t, err, "invalid username or password")
}

func TestRegisterValidation(t *testing.T) {
	db := openTestDB(t)
	auth := NewAuth(db, "test-secret", nil)

	_, _, err := auth.Register("a", "hunter2")
	assert.Error(t, err, "too short")
	_, _, err = auth.Register("<b>ob", "hunter2")
	assert.Error(t, err, "markup")
	_, _, err = auth.Register("bob", "abc")
	assert.Error(t, err, "short password")

	_, _, err = auth.Register("bob", "hunter2")
	require.NoError(t, err)
	_, _, err = auth.Register("bob", "hunter3")
	assert.EqualError(t, err, "username already taken")
}

func TestValidateTokenRejectsForeignSecret(t *testing.T) {
	db := openTestDB(t)
	a := NewAuth(db, "secret-a", nil)
	b := NewAuth(db, "secret-b", nil)

	token, err := a.generateToken(7, "alice")
	require.NoError(t, err)
	_, _, err = b.ValidateToken(token)
	assert.Error(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"uid": 7, "usr": "alice"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, _, err = a.ValidateToken(unsigned)
	assert.Error(t, err)
}

func TestGeneratedSecretPersists(t *testing.T) {
	db := openTestDB(t)
	first := NewAuth(db, "", nil)
	second := NewAuth(db, "", nil)

	token, err := first.generateToken(3, "carol")
	require.NoError(t, err)
	uid, _, err := second.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, int64(3), uid)
}

func TestGuestAccounts(t *testing.T) {
	db := openTestDB(t)
	auth := NewAuth(db, "test-secret", nil)

	id, name, token, err := auth.Guest("Zed")
	require.NoError(t, err)
	assert.Equal(t, "Zed", name)

	uid, _, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, id, uid)

	_, other, _, err := auth.Guest("Zed")
	require.NoError(t, err)
	assert.Regexp(t, `^Guest_[0-9a-f]{6}$`, other, "taken name is replaced")

	_, generated, _, err := auth.Guest("")
	require.NoError(t, err)
	assert.Regexp(t, `^Guest_[0-9a-f]{6}$`, generated)

	row, err := db.GetPlayerByUsername("Zed")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.True(t, row.IsGuest)

	_, _, err = auth.Login("Zed", "", "10.0.0.2")
	assert.Error(t, err, "guests have no password")
}

func TestLoginRateLimitPerIP(t *testing.T) {
	db := openTestDB(t)
	auth := NewAuth(db, "test-secret", nil)

	for i := 0; i < maxLoginAttempts; i++ {
		_, _, err := auth.Login("nobody", "pw", "10.0.0.3")
		assert.EqualError(t, err, "invalid username or password")
	}
	_, _, err := auth.Login("nobody", "pw", "10.0.0.3")
	assert.EqualError(t, err, "too many login attempts, try again later")

	_, _, err = auth.Login("nobody", "pw", "10.0.0.4")
	assert.EqualError(t, err, "invalid username or password", "other IPs unaffected")

	assert.Equal(t, 0, auth.PruneLimiters(), "budgets still draining")
}
