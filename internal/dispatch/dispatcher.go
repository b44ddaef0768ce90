package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"verify-service/internal/config"
	"verify-service/internal/model"
	"verify-service/internal/util"
)

var (
	// ErrDeliveryFailed means the provider accepted the request and
	// rejected it (bad destination, unsupported channel, quota).
	ErrDeliveryFailed = errors.New("provider rejected delivery")

	// ErrProviderUnavailable means no verdict was obtained at all
	// (timeout, transport failure, provider 5xx).
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// Dispatcher sends a verification code over a channel and returns the
// provider's message reference. One bounded attempt; retry policy
// belongs to the caller.
type Dispatcher interface {
	Send(ctx context.Context, phoneNumber string, channel model.Channel, code string) (providerRef string, err error)
}

type sendRequest struct {
	To      string `json:"to"`
	Channel string `json:"channel"`
	Body    string `json:"body"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

// ProviderDispatcher talks to the telephony provider's HTTP API.
type ProviderDispatcher struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewProviderDispatcher(cfg *config.Config) *ProviderDispatcher {
	return &ProviderDispatcher{
		baseURL: cfg.Provider.BaseURL,
		apiKey:  cfg.Provider.APIKey,
		client: &http.Client{
			Timeout: cfg.Provider.Timeout,
		},
	}
}

func (d *ProviderDispatcher) Send(ctx context.Context, phoneNumber string, channel model.Channel, code string) (string, error) {
	payload, err := json.Marshal(sendRequest{
		To:      phoneNumber,
		Channel: string(channel),
		Body:    code,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "", fmt.Errorf("%w: request timed out", ErrProviderUnavailable)
		}
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var body sendResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.MessageID == "" {
			return "", fmt.Errorf("%w: unparseable provider response", ErrProviderUnavailable)
		}
		return body.MessageID, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", fmt.Errorf("%w: provider returned %d", ErrDeliveryFailed, resp.StatusCode)
	default:
		return "", fmt.Errorf("%w: provider returned %d", ErrProviderUnavailable, resp.StatusCode)
	}
}

// DevDispatcher logs the code instead of sending it. Stands in when no
// provider is configured so local flows can complete end to end.
type DevDispatcher struct{}

func NewDevDispatcher() *DevDispatcher {
	return &DevDispatcher{}
}

func (d *DevDispatcher) Send(_ context.Context, phoneNumber string, channel model.Channel, code string) (string, error) {
	ref := "dev-" + uuid.NewString()
	util.Info("Dev dispatcher delivering code",
		zap.String("phone_number", phoneNumber),
		zap.String("channel", string(channel)),
		zap.String("code", code),
		zap.String("provider_ref", ref))
	return ref, nil
}

// FromConfig picks the provider adapter when a base URL is configured,
// the dev dispatcher otherwise.
func FromConfig(cfg *config.Config) Dispatcher {
	if cfg.Provider.BaseURL != "" {
		return NewProviderDispatcher(cfg)
	}
	util.Warn("No provider configured, using dev dispatcher")
	return NewDevDispatcher()
}
