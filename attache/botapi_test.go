package attache

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// setupTestAttache builds a bot over a temp-dir SQLite database with the
// Discord gateway disabled, initialized up to (but not including) Run's
// serve loop.
func setupTestAttache(t *testing.T) *Attache {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := DefaultConfig()
	cfg.Database = filepath.Join(t.TempDir(), "attache.sqlite3")
	cfg.Discord.Enabled = false
	cfg.API.Secret = "test-secret"

	a, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, a.initRun(context.Background()))

	// no rate limiting in tests
	a.api.loginRequestLimiter = rate.NewLimiter(rate.Inf, 1)
	return a
}

func doRequest(
	t *testing.T,
	a *Attache,
	method string,
	target string,
	body any,
	cookies ...*http.Cookie,
) *httptest.ResponseRecorder {
	t.Helper()

	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reqBody)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}

	w := httptest.NewRecorder()
	a.api.engine.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) botEndpointResponse {
	t.Helper()
	var envelope botEndpointResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	return envelope
}

func TestBotEndpointGetConfigSeeded(t *testing.T) {
	a := setupTestAttache(t)

	w := doRequest(t, a, http.MethodGet, "/bot?action=config", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var envelope struct {
		Success bool      `json:"success"`
		Data    BotConfig `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.True(t, envelope.Success)

	// freshly seeded rows read as zero values
	assert.Equal(t, "", envelope.Data.Instructions)
	assert.NotNil(t, envelope.Data.AllowedChannels)
	assert.Empty(t, envelope.Data.AllowedChannels)
	require.NotNil(t, envelope.Data.Memory)
	assert.Equal(t, "", envelope.Data.Memory.Summary)
	assert.Equal(t, 0, envelope.Data.Memory.MessageCount)
}

func TestBotEndpointGetConfigPopulated(t *testing.T) {
	a := setupTestAttache(t)
	ctx := context.Background()

	require.NoError(
		t,
		a.db.Model(&SystemInstructions{}).Where("id = ?", 1).Update(
			"content", "Answer briefly.",
		).Error,
	)
	_, err := a.writeDB.Create(
		ctx,
		&AllowedChannel{ChannelID: "123456789012345678"},
	)
	require.NoError(t, err)
	_, err = a.writeDB.Create(
		ctx,
		&AllowedChannel{ChannelID: "876543210987654321"},
	)
	require.NoError(t, err)

	w := doRequest(t, a, http.MethodGet, "/bot?action=config", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var envelope struct {
		Success bool      `json:"success"`
		Data    BotConfig `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, "Answer briefly.", envelope.Data.Instructions)
	assert.Equal(
		t,
		[]string{"123456789012345678", "876543210987654321"},
		envelope.Data.AllowedChannels,
	)
}

func TestBotEndpointUpdateMemory(t *testing.T) {
	a := setupTestAttache(t)

	w := doRequest(
		t, a, http.MethodPost, "/bot?action=update-memory",
		map[string]any{"summary": "we talked about tests", "message_count": 5},
	)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeEnvelope(t, w).Success)

	var memory ConversationMemory
	require.NoError(t, a.db.First(&memory).Error)
	assert.Equal(t, "we talked about tests", memory.Summary)
	assert.Equal(t, 5, memory.MessageCount)
}

func TestBotEndpointUpdateMemoryCoercion(t *testing.T) {
	a := setupTestAttache(t)

	// wrong types coerce to zero values instead of rejecting
	w := doRequest(
		t, a, http.MethodPost, "/bot?action=update-memory",
		map[string]any{"summary": 42, "message_count": "seven"},
	)
	require.Equal(t, http.StatusOK, w.Code)

	var memory ConversationMemory
	require.NoError(t, a.db.First(&memory).Error)
	assert.Equal(t, "", memory.Summary)
	assert.Equal(t, 0, memory.MessageCount)
}

func TestBotEndpointUpdateMemoryBoundsSummary(t *testing.T) {
	a := setupTestAttache(t)

	long := strings.Repeat("z", 3000) + "TAIL"
	w := doRequest(
		t, a, http.MethodPost, "/bot?action=update-memory",
		map[string]any{"summary": long, "message_count": 1},
	)
	require.Equal(t, http.StatusOK, w.Code)

	var memory ConversationMemory
	require.NoError(t, a.db.First(&memory).Error)
	assert.Equal(t, memorySummaryMaxLength, len([]rune(memory.Summary)))
	assert.True(t, strings.HasSuffix(memory.Summary, "TAIL"))
}

func TestBotEndpointReportHealth(t *testing.T) {
	a := setupTestAttache(t)

	report := HealthReport{
		ErrorCount:      3,
		CacheAgeSeconds: 12,
		CacheHits:       40,
		CacheMisses:     2,
		IsOnline:        true,
	}
	w := doRequest(t, a, http.MethodPost, "/bot?action=health", report)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeEnvelope(t, w).Success)

	var health BotHealth
	require.NoError(
		t,
		a.db.Where("id = ?", botHealthRowID).First(&health).Error,
	)
	assert.Equal(t, int64(3), health.ErrorCount)
	assert.Equal(t, int64(40), health.CacheHits)
	assert.True(t, health.IsOnline)
	assert.NotZero(t, health.LastSeen)
}

func TestBotEndpointReportHealthUpserts(t *testing.T) {
	a := setupTestAttache(t)

	for _, errorCount := range []int64{1, 2, 3} {
		w := doRequest(
			t, a, http.MethodPost, "/bot?action=health",
			HealthReport{ErrorCount: errorCount, IsOnline: true},
		)
		require.Equal(t, http.StatusOK, w.Code)
	}

	// still exactly one row, holding the latest report
	var count int64
	require.NoError(t, a.db.Model(&BotHealth{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var health BotHealth
	require.NoError(t, a.db.First(&health).Error)
	assert.Equal(t, int64(3), health.ErrorCount)
}

func TestBotEndpointReportHealthDefaults(t *testing.T) {
	a := setupTestAttache(t)

	// missing fields default instead of rejecting
	w := doRequest(
		t, a, http.MethodPost, "/bot?action=health", map[string]any{},
	)
	require.Equal(t, http.StatusOK, w.Code)

	var health BotHealth
	require.NoError(t, a.db.First(&health).Error)
	assert.Equal(t, int64(0), health.ErrorCount)
	assert.True(t, health.IsOnline)
}

func TestBotEndpointInvalidAction(t *testing.T) {
	testCases := []struct {
		name   string
		method string
		target string
	}{
		{
			name:   "unknown action",
			method: http.MethodGet,
			target: "/bot?action=bogus",
		},
		{
			name:   "missing action",
			method: http.MethodGet,
			target: "/bot",
		},
		{
			name:   "config with wrong method",
			method: http.MethodPost,
			target: "/bot?action=config",
		},
		{
			name:   "health with wrong method",
			method: http.MethodGet,
			target: "/bot?action=health",
		},
		{
			name:   "unsupported method",
			method: http.MethodPut,
			target: "/bot?action=config",
		},
		{
			name:   "delete",
			method: http.MethodDelete,
			target: "/bot",
		},
	}

	a := setupTestAttache(t)
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				w := doRequest(t, a, tc.method, tc.target, nil)
				require.Equal(t, http.StatusBadRequest, w.Code)
				envelope := decodeEnvelope(t, w)
				assert.False(t, envelope.Success)
				assert.Equal(t, "Invalid action", envelope.Error)
			},
		)
	}
}

func TestBotEndpointMalformedBody(t *testing.T) {
	a := setupTestAttache(t)

	req := httptest.NewRequest(
		http.MethodPost,
		"/bot?action=update-memory",
		strings.NewReader("{not json"),
	)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.api.engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, decodeEnvelope(t, w).Success)
}
