package push

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/net/http2"
)

const (
	apnsHostProduction  = "https://api.push.apple.com"
	apnsHostDevelopment = "https://api.sandbox.push.apple.com"

	// providerTokenLifetime is how long a signed provider token is reused.
	// Apple accepts tokens up to one hour old; refreshing at 50 minutes
	// leaves margin for clock drift.
	providerTokenLifetime = 50 * time.Minute
)

// APNSClient sends VoIP pushes to Apple over HTTP/2 with an ES256-signed
// provider token.
type APNSClient struct {
	keyID    string
	teamID   string
	bundleID string
	host     string
	key      *ecdsa.PrivateKey
	client   *http.Client

	mu          sync.Mutex
	cachedToken string
	tokenIssued time.Time
}

// NewAPNSClient loads the .p8 signing key and prepares an HTTP/2 client.
func NewAPNSClient(keyID, teamID, keyPath, bundleID string, production bool) (*APNSClient, error) {
	pem, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read APNs key: %w", err)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse APNs key: %w", err)
	}

	host := apnsHostDevelopment
	if production {
		host = apnsHostProduction
	}

	transport := &http2.Transport{}
	return &APNSClient{
		keyID:    keyID,
		teamID:   teamID,
		bundleID: bundleID,
		host:     host,
		key:      key,
		client:   &http.Client{Transport: transport, Timeout: RequestTimeout},
	}, nil
}

// providerToken returns a cached ES256 JWT, re-signing after the cache
// lifetime elapses.
func (a *APNSClient) providerToken() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	if a.cachedToken != "" && now.Sub(a.tokenIssued) < providerTokenLifetime {
		return a.cachedToken, nil
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": a.teamID,
		"iat": now.Unix(),
	})
	token.Header["kid"] = a.keyID

	signed, err := token.SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("sign provider token: %w", err)
	}
	a.cachedToken = signed
	a.tokenIssued = now
	return signed, nil
}

// ValidVoIPToken reports whether the token looks like an APNs device
// token: an even-length hex string of plausible size.
func ValidVoIPToken(token string) bool {
	if len(token) < 32 || len(token) > 200 || len(token)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(token)
	return err == nil
}

// SendVoIP posts one VoIP push. The topic is the app bundle id with the
// .voip suffix, as PushKit requires.
func (a *APNSClient) SendVoIP(ctx context.Context, voipToken string, payload map[string]any) error {
	if !ValidVoIPToken(voipToken) {
		return ErrInvalidToken
	}

	bearer, err := a.providerToken()
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]any{
		"aps":  map[string]any{"content-available": 1},
		"data": payload,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/3/device/%s", a.host, voipToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("authorization", "bearer "+bearer)
	req.Header.Set("apns-topic", a.bundleID+".voip")
	req.Header.Set("apns-push-type", "voip")
	req.Header.Set("apns-priority", "10")
	req.Header.Set("apns-expiration", "0")
	req.Header.Set("content-type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("apns request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("apns status %d: %s", resp.StatusCode, string(snippet))
	}
	return nil
}
