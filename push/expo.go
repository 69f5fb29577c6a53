package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrInvalidToken indicates a push token that is obviously malformed;
// rejected before any HTTP request is made.
var ErrInvalidToken = errors.New("invalid push token")

// ExpoClient sends notifications through the Expo push service.
type ExpoClient struct {
	url    string
	client *http.Client
}

// NewExpoClient creates an Expo client for the given endpoint URL.
func NewExpoClient(url string) *ExpoClient {
	return &ExpoClient{
		url:    url,
		client: &http.Client{Timeout: RequestTimeout},
	}
}

type expoMessage struct {
	To        string            `json:"to"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Sound     string            `json:"sound"`
	Priority  string            `json:"priority"`
	ChannelID string            `json:"channelId,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

// ValidExpoToken reports whether the token has the Expo token shape.
func ValidExpoToken(token string) bool {
	return strings.HasPrefix(token, "ExponentPushToken[") && strings.HasSuffix(token, "]") &&
		len(token) > len("ExponentPushToken[]")
}

// Send delivers one notification via the Expo push API.
func (e *ExpoClient) Send(ctx context.Context, token, title, body, channel string, data map[string]string) error {
	if !ValidExpoToken(token) {
		return ErrInvalidToken
	}

	msg := expoMessage{
		To:       token,
		Title:    title,
		Body:     body,
		Sound:    "default",
		Priority: "high",
		Data:     data,
	}
	if channel != "" && channel != "default" {
		msg.ChannelID = channel
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("expo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("expo push status %d: %s", resp.StatusCode, string(snippet))
	}
	return nil
}
