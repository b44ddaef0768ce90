package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verify-service/internal/config"
	"verify-service/internal/model"
)

func providerConfig(baseURL string) *config.Config {
	return &config.Config{
		Provider: config.ProviderConfig{
			BaseURL: baseURL,
			APIKey:  "test-key",
			Timeout: 2 * time.Second,
		},
	}
}

func TestProviderDispatcherSend(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req sendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "+14155552671", req.To)
		assert.Equal(t, "sms", req.Channel)
		assert.Equal(t, "123456", req.Body)

		json.NewEncoder(w).Encode(sendResponse{MessageID: "msg-abc"})
	}))
	defer server.Close()

	d := NewProviderDispatcher(providerConfig(server.URL))
	ref, err := d.Send(context.Background(), "+14155552671", model.ChannelSMS, "123456")
	require.NoError(t, err)
	assert.Equal(t, "msg-abc", ref)
}

func TestProviderDispatcherRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid destination"}`, http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	d := NewProviderDispatcher(providerConfig(server.URL))
	_, err := d.Send(context.Background(), "+14155552671", model.ChannelSMS, "123456")
	assert.ErrorIs(t, err, ErrDeliveryFailed)
}

func TestProviderDispatcherServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	d := NewProviderDispatcher(providerConfig(server.URL))
	_, err := d.Send(context.Background(), "+14155552671", model.ChannelSMS, "123456")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestProviderDispatcherUnreachable(t *testing.T) {
	// Closed server: transport failure, not a provider verdict.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	d := NewProviderDispatcher(providerConfig(server.URL))
	_, err := d.Send(context.Background(), "+14155552671", model.ChannelSMS, "123456")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestProviderDispatcherUnparseableResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message_id":""}`))
	}))
	defer server.Close()

	d := NewProviderDispatcher(providerConfig(server.URL))
	_, err := d.Send(context.Background(), "+14155552671", model.ChannelSMS, "123456")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestDevDispatcher(t *testing.T) {
	d := NewDevDispatcher()

	ref, err := d.Send(context.Background(), "+14155552671", model.ChannelVoice, "123456")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "dev-"))
}

func TestFromConfig(t *testing.T) {
	assert.IsType(t, &ProviderDispatcher{}, FromConfig(providerConfig("https://provider.example.com")))
	assert.IsType(t, &DevDispatcher{}, FromConfig(providerConfig("")))
}
