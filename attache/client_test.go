package attache

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestEndpointClient returns a client pointed at an httptest server
// running the given handler.
func newTestEndpointClient(
	t *testing.T,
	handler http.HandlerFunc,
) *EndpointClient {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewEndpointClient(
		&EndpointConfig{
			BaseURL:        srv.URL + "/bot",
			RequestTimeout: 5 * time.Second,
		},
		srv.Client(),
		nil,
	)
}

func TestFetchConfig(t *testing.T) {
	client := newTestEndpointClient(
		t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "config", r.URL.Query().Get("action"))
			_ = json.NewEncoder(w).Encode(
				map[string]any{
					"success": true,
					"data": map[string]any{
						"instructions":    "Be nice.",
						"allowedChannels": []string{"123456789012345678"},
						"memory": map[string]any{
							"summary":       "we talked",
							"message_count": 3,
						},
					},
				},
			)
		},
	)

	config, err := client.FetchConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Be nice.", config.Instructions)
	assert.Equal(t, []string{"123456789012345678"}, config.AllowedChannels)
	require.NotNil(t, config.Memory)
	assert.Equal(t, "we talked", config.Memory.Summary)
	assert.Equal(t, 3, config.Memory.MessageCount)

	assert.True(t, config.ChannelAllowed("123456789012345678"))
	assert.False(t, config.ChannelAllowed("000000000000000000"))
}

func TestFetchConfigNilChannels(t *testing.T) {
	client := newTestEndpointClient(
		t, func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(
				map[string]any{
					"success": true,
					"data":    map[string]any{"instructions": ""},
				},
			)
		},
	)

	config, err := client.FetchConfig(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, config.AllowedChannels)
	assert.Empty(t, config.AllowedChannels)
}

func TestFetchConfigEmptyInstructions(t *testing.T) {
	client := newTestEndpointClient(
		t, func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(
				map[string]any{
					"success": true,
					"data":    map[string]any{"instructions": ""},
				},
			)
		},
	)

	config, err := client.FetchConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultInstructions, config.Instructions)
}

func TestFetchConfigServerError(t *testing.T) {
	client := newTestEndpointClient(
		t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(
				map[string]any{
					"success": false,
					"error":   "Internal server error",
				},
			)
		},
	)

	_, err := client.FetchConfig(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Internal server error")
}

func TestFetchConfigUnsuccessfulEnvelope(t *testing.T) {
	// HTTP 200 with success=false still fails
	client := newTestEndpointClient(
		t, func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(
				map[string]any{"success": false, "error": "nope"},
			)
		},
	)

	_, err := client.FetchConfig(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestUpdateMemory(t *testing.T) {
	var received map[string]any
	client := newTestEndpointClient(
		t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "update-memory", r.URL.Query().Get("action"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
		},
	)

	err := client.UpdateMemory(context.Background(), "summary text", 7)
	require.NoError(t, err)
	assert.Equal(t, "summary text", received["summary"])
	assert.Equal(t, float64(7), received["message_count"])
}

func TestReportHealth(t *testing.T) {
	var received map[string]any
	client := newTestEndpointClient(
		t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "health", r.URL.Query().Get("action"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
		},
	)

	now := time.Now().UTC()
	err := client.ReportHealth(
		context.Background(), HealthReport{
			LastPing:   &now,
			ErrorCount: 2,
			IsOnline:   true,
		},
	)
	require.NoError(t, err)
	assert.Equal(t, float64(2), received["error_count"])
	assert.Equal(t, true, received["is_online"])
}

func TestEndpointClientTimeout(t *testing.T) {
	started := make(chan struct{})
	client := newTestEndpointClient(
		t, func(w http.ResponseWriter, r *http.Request) {
			close(started)
			<-r.Context().Done()
		},
	)
	client.timeout = 50 * time.Millisecond

	_, err := client.FetchConfig(context.Background())
	require.Error(t, err)
	<-started
}
