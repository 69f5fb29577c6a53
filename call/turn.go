package call

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/opd-ai/whisper-relay/protocol"
)

// TURNIssuer mints time-limited TURN credentials using the REST API
// scheme coturn implements with use-auth-secret: the username embeds an
// expiry timestamp and the password is an HMAC over the username, so the
// TURN server can verify credentials statelessly with the shared secret.
type TURNIssuer struct {
	secret []byte
	urls   []string
	ttl    time.Duration
	now    func() time.Time
}

// NewTURNIssuer creates an issuer. Returns nil when no secret is
// configured; callers treat a nil issuer as TURN-disabled.
func NewTURNIssuer(secret string, urls []string, ttl time.Duration) *TURNIssuer {
	if secret == "" || len(urls) == 0 {
		return nil
	}
	return &TURNIssuer{
		secret: []byte(secret),
		urls:   urls,
		ttl:    ttl,
		now:    time.Now,
	}
}

// SetClock overrides the time source for tests.
func (t *TURNIssuer) SetClock(now func() time.Time) { t.now = now }

// Credentials mints a credential set bound to the user and valid for the
// configured TTL.
func (t *TURNIssuer) Credentials(whisperID string) protocol.TURNCredentialsPayload {
	expiry := t.now().Add(t.ttl).Unix()
	username := fmt.Sprintf("%d:%s", expiry, whisperID)

	mac := hmac.New(sha1.New, t.secret)
	mac.Write([]byte(username))
	credential := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return protocol.TURNCredentialsPayload{
		Username:   username,
		Credential: credential,
		TTL:        int64(t.ttl.Seconds()),
		URLs:       t.urls,
	}
}
