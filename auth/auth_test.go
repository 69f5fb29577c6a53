package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv, base64.StdEncoding.EncodeToString(pub)
}

func testClaim(signingKeyB64 string) Claim {
	return Claim{
		WhisperID:        "WSP-AAAA-BBBB-CCCC",
		PublicKey:        base64.StdEncoding.EncodeToString(make([]byte, 32)),
		SigningPublicKey: signingKeyB64,
	}
}

func TestIssueAndVerify(t *testing.T) {
	_, priv, signB64 := testKeys(t)
	svc := NewService()

	challengeB64, err := svc.Issue("sock-1", testClaim(signB64))
	require.NoError(t, err)

	challenge, err := base64.StdEncoding.DecodeString(challengeB64)
	require.NoError(t, err)
	require.Len(t, challenge, ChallengeSize)

	sig := ed25519.Sign(priv, challenge)
	claim, err := svc.Verify("sock-1", base64.StdEncoding.EncodeToString(sig))
	require.NoError(t, err)
	assert.Equal(t, "WSP-AAAA-BBBB-CCCC", claim.WhisperID)

	// The pending challenge is consumed on the terminal case.
	_, err = svc.Verify("sock-1", base64.StdEncoding.EncodeToString(sig))
	assert.ErrorIs(t, err, ErrNoChallenge)
}

func TestVerifyBitFlippedSignature(t *testing.T) {
	_, priv, signB64 := testKeys(t)
	svc := NewService()

	challengeB64, err := svc.Issue("sock-1", testClaim(signB64))
	require.NoError(t, err)
	challenge, _ := base64.StdEncoding.DecodeString(challengeB64)

	sig := ed25519.Sign(priv, challenge)
	sig[0] ^= 0x01
	_, err = svc.Verify("sock-1", base64.StdEncoding.EncodeToString(sig))
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestVerifyWrongChallenge(t *testing.T) {
	// A signature over yesterday's challenge must not satisfy today's.
	_, priv, signB64 := testKeys(t)
	svc := NewService()

	oldChallenge := make([]byte, ChallengeSize)
	staleSig := ed25519.Sign(priv, oldChallenge)

	_, err := svc.Issue("sock-1", testClaim(signB64))
	require.NoError(t, err)

	_, err = svc.Verify("sock-1", base64.StdEncoding.EncodeToString(staleSig))
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestVerifyWithoutRegister(t *testing.T) {
	svc := NewService()
	_, err := svc.Verify("sock-unknown", "c2ln")
	assert.ErrorIs(t, err, ErrNoChallenge)
}

func TestVerifyExpired(t *testing.T) {
	_, priv, signB64 := testKeys(t)
	svc := NewService()

	now := time.Now()
	svc.SetClock(func() time.Time { return now })

	challengeB64, err := svc.Issue("sock-1", testClaim(signB64))
	require.NoError(t, err)
	challenge, _ := base64.StdEncoding.DecodeString(challengeB64)

	now = now.Add(ChallengeTTL + time.Second)
	sig := ed25519.Sign(priv, challenge)
	_, err = svc.Verify("sock-1", base64.StdEncoding.EncodeToString(sig))
	assert.ErrorIs(t, err, ErrChallengeExpired)
}

func TestSweep(t *testing.T) {
	_, _, signB64 := testKeys(t)
	svc := NewService()

	now := time.Now()
	svc.SetClock(func() time.Time { return now })

	_, err := svc.Issue("sock-1", testClaim(signB64))
	require.NoError(t, err)
	_, err = svc.Issue("sock-2", testClaim(signB64))
	require.NoError(t, err)

	assert.Equal(t, 0, svc.Sweep())

	now = now.Add(ChallengeTTL + time.Second)
	assert.Equal(t, 2, svc.Sweep())
}

func TestDrop(t *testing.T) {
	_, _, signB64 := testKeys(t)
	svc := NewService()

	_, err := svc.Issue("sock-1", testClaim(signB64))
	require.NoError(t, err)
	svc.Drop("sock-1")

	_, err = svc.Verify("sock-1", "c2ln")
	assert.ErrorIs(t, err, ErrNoChallenge)
}

func TestVerifyDeletion(t *testing.T) {
	_, priv, signB64 := testKeys(t)
	svc := NewService()

	ts := time.Now().Unix()
	statement := fmt.Sprintf("%s:%d", DeletionConfirmation, ts)
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(statement)))

	require.NoError(t, svc.VerifyDeletion(signB64, DeletionConfirmation, ts, sig))

	// Wrong confirmation string.
	err := svc.VerifyDeletion(signB64, "DELETE", ts, sig)
	assert.ErrorIs(t, err, ErrAuthFailed)

	// Stale timestamp.
	staleTS := time.Now().Add(-10 * time.Minute).Unix()
	staleStatement := fmt.Sprintf("%s:%d", DeletionConfirmation, staleTS)
	staleSig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(staleStatement)))
	err = svc.VerifyDeletion(signB64, DeletionConfirmation, staleTS, staleSig)
	assert.ErrorIs(t, err, ErrChallengeExpired)

	// Signature over a different statement.
	otherSig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte("something else")))
	err = svc.VerifyDeletion(signB64, DeletionConfirmation, ts, otherSig)
	assert.ErrorIs(t, err, ErrAuthFailed)
}
