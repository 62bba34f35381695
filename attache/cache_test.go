package attache

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigCacheHitWithinTTL(t *testing.T) {
	var fetches atomic.Int64
	client := newTestEndpointClient(
		t, func(w http.ResponseWriter, _ *http.Request) {
			fetches.Add(1)
			_ = json.NewEncoder(w).Encode(
				map[string]any{
					"success": true,
					"data":    map[string]any{"instructions": "from endpoint"},
				},
			)
		},
	)

	cache := NewConfigCache(client, time.Minute, nil, nil)
	ctx := context.Background()

	first := cache.Get(ctx)
	assert.Equal(t, "from endpoint", first.Instructions)
	assert.Equal(t, int64(1), fetches.Load())
	assert.Equal(t, int64(0), cache.Hits())
	assert.Equal(t, int64(1), cache.Misses())

	// second call within the TTL is served from the snapshot
	second := cache.Get(ctx)
	assert.Equal(t, "from endpoint", second.Instructions)
	assert.Equal(t, int64(1), fetches.Load())
	assert.Equal(t, int64(1), cache.Hits())
	assert.Equal(t, int64(1), cache.Misses())
}

func TestConfigCacheRefreshAfterTTL(t *testing.T) {
	var fetches atomic.Int64
	client := newTestEndpointClient(
		t, func(w http.ResponseWriter, _ *http.Request) {
			fetches.Add(1)
			_ = json.NewEncoder(w).Encode(
				map[string]any{
					"success": true,
					"data":    map[string]any{"instructions": "v2"},
				},
			)
		},
	)

	cache := NewConfigCache(client, 10*time.Millisecond, nil, nil)
	ctx := context.Background()

	cache.Get(ctx)
	time.Sleep(20 * time.Millisecond)
	cache.Get(ctx)

	assert.Equal(t, int64(2), fetches.Load())
	assert.Equal(t, int64(2), cache.Misses())
}

func TestConfigCacheDefaultsBeforeFirstFetch(t *testing.T) {
	// endpoint always fails: the compiled-in defaults are served
	var errorCount atomic.Int64
	client := newTestEndpointClient(
		t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"success":false,"error":"down"}`))
		},
	)

	cache := NewConfigCache(
		client, time.Minute, nil, func(error) {
			errorCount.Add(1)
		},
	)

	config := cache.Get(context.Background())
	require.NotNil(t, config)
	assert.Equal(t, DefaultInstructions, config.Instructions)
	assert.Empty(t, config.AllowedChannels)
	assert.Nil(t, config.Memory)
	assert.Equal(t, int64(1), errorCount.Load())
	assert.Equal(t, time.Duration(0), cache.Age())
}

func TestConfigCacheFallsBackToLastGoodSnapshot(t *testing.T) {
	var fail atomic.Bool
	client := newTestEndpointClient(
		t, func(w http.ResponseWriter, _ *http.Request) {
			if fail.Load() {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"success":false,"error":"down"}`))
				return
			}
			_ = json.NewEncoder(w).Encode(
				map[string]any{
					"success": true,
					"data": map[string]any{
						"instructions":    "good config",
						"allowedChannels": []string{"123456789012345678"},
					},
				},
			)
		},
	)

	cache := NewConfigCache(client, 10*time.Millisecond, nil, nil)
	ctx := context.Background()

	good := cache.Get(ctx)
	assert.Equal(t, "good config", good.Instructions)

	// endpoint goes down and the TTL lapses: the last good snapshot is
	// served instead of the defaults
	fail.Store(true)
	time.Sleep(20 * time.Millisecond)

	fallback := cache.Get(ctx)
	assert.Equal(t, "good config", fallback.Instructions)
	assert.True(t, fallback.ChannelAllowed("123456789012345678"))
}

func TestConfigCacheNeverReturnsNil(t *testing.T) {
	client := NewEndpointClient(
		&EndpointConfig{
			BaseURL:        "http://127.0.0.1:1/bot",
			RequestTimeout: 100 * time.Millisecond,
		},
		nil,
		nil,
	)
	cache := NewConfigCache(client, time.Minute, nil, nil)

	config := cache.Get(context.Background())
	require.NotNil(t, config)
	assert.Equal(t, DefaultInstructions, config.Instructions)
}
