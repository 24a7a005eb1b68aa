package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"
)

var (
	ErrInvalidToken        = errors.New("invalid expo push token")
	ErrDeviceNotRegistered = errors.New("device not registered")
)

var expoTokenPattern = regexp.MustCompile(`^Expo(nent)?PushToken\[[^\[\]]+\]$`)

// ValidToken reports whether token looks like an Expo push token.
func ValidToken(token string) bool {
	return expoTokenPattern.MatchString(token)
}

// ExpoChannel posts notifications to the Expo push service.
type ExpoChannel struct {
	endpoint    string
	accessToken string
	client      *http.Client
}

func NewExpoChannel(endpoint, accessToken string) *ExpoChannel {
	return &ExpoChannel{
		endpoint:    endpoint,
		accessToken: accessToken,
		client:      &http.Client{Timeout: 15 * time.Second},
	}
}

type expoMessage struct {
	To    string            `json:"to"`
	Title string            `json:"title,omitempty"`
	Body  string            `json:"body,omitempty"`
	Sound string            `json:"sound,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

type expoResponse struct {
	Data struct {
		Status  string `json:"status"`
		ID      string `json:"id"`
		Message string `json:"message"`
		Details struct {
			Error string `json:"error"`
		} `json:"details"`
	} `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *ExpoChannel) Deliver(ctx context.Context, token string, n Notification) error {
	if !ValidToken(token) {
		return ErrInvalidToken
	}

	data := map[string]string{"category": string(n.Category)}
	for k, v := range n.Data {
		data[k] = v
	}
	body, err := json.Marshal(expoMessage{To: token, Title: n.Title, Body: n.Body, Sound: "default", Data: data})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("expo push request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read expo response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("expo push status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var parsed expoResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("decode expo response: %w", err)
	}
	if len(parsed.Errors) > 0 {
		return fmt.Errorf("expo push error %s: %s", parsed.Errors[0].Code, parsed.Errors[0].Message)
	}
	if parsed.Data.Status == "error" {
		if parsed.Data.Details.Error == "DeviceNotRegistered" {
			return ErrDeviceNotRegistered
		}
		return fmt.Errorf("expo push ticket error: %s", parsed.Data.Message)
	}
	return nil
}
