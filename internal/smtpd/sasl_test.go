package smtpd

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMechanismRejectsUnknown(t *testing.T) {
	_, err := newMechanism("GSSAPI", nil)
	assert.Error(t, err)
}

func TestLoginServerAcceptsUsernamePassword(t *testing.T) {
	var gotUser, gotPass string
	verify := func(identity, username, password string) error {
		gotUser, gotPass = username, password
		return nil
	}
	mech, err := newMechanism("LOGIN", verify)
	require.NoError(t, err)

	challenge, done, err := mech.Next(nil)
	require.NoError(t, err)
	require.False(t, done)
	assert.Equal(t, "Username:", string(challenge))

	challenge, done, err = mech.Next([]byte("alice"))
	require.NoError(t, err)
	require.False(t, done)
	assert.Equal(t, "Password:", string(challenge))

	_, done, err = mech.Next([]byte("hunter2"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "alice", gotUser)
	assert.Equal(t, "hunter2", gotPass)
}

func TestLoginServerPropagatesVerifyFailure(t *testing.T) {
	wantErr := errors.New("rejected")
	verify := func(identity, username, password string) error {
		return wantErr
	}
	mech, _ := newMechanism("LOGIN", verify)
	_, _, _ = mech.Next(nil)
	_, _, _ = mech.Next([]byte("alice"))
	_, done, err := mech.Next([]byte("wrong"))
	assert.True(t, done)
	assert.ErrorIs(t, err, wantErr)
}

func TestCramMD5ServerValidatesDigest(t *testing.T) {
	var gotChallenge, gotUser, gotDigest string
	verify := func(challenge, username, password string) error {
		gotChallenge, gotUser, gotDigest = challenge, username, password
		return nil
	}
	mech, err := newMechanism("CRAM-MD5", verify)
	require.NoError(t, err)

	challenge, done, err := mech.Next(nil)
	require.NoError(t, err)
	require.False(t, done)
	require.NotEmpty(t, challenge)

	digest := "deadbeef"
	_, done, err = mech.Next([]byte("bob " + digest))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, string(challenge), gotChallenge)
	assert.Equal(t, "bob", gotUser)
	assert.Equal(t, digest, gotDigest)
}

func TestVerifyCRAMDigestMatchesHMAC(t *testing.T) {
	const challenge = "<123.456@relaymta>"
	const secret = "hunter2"

	good := computeCramDigestForTest(challenge, secret)
	assert.True(t, verifyCRAMDigest(challenge, secret, good))
	assert.False(t, verifyCRAMDigest(challenge, secret, "wrongdigest"))
}

func computeCramDigestForTest(challenge, secret string) string {
	mac := hmac.New(md5.New, []byte(secret))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestAnonymousServerAcceptsAnyTrace(t *testing.T) {
	mech, err := newMechanism("ANONYMOUS", nil)
	require.NoError(t, err)
	_, done, err := mech.Next([]byte("guest@example.test"))
	assert.NoError(t, err)
	assert.True(t, done)
}
