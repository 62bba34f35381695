package attache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAdminEmail    = "admin@example.com"
	testAdminPassword = "hunter2 but longer"
)

// createTestAdmin runs the first-time setup and returns the session
// cookies from a subsequent login.
func createTestAdmin(t *testing.T, a *Attache) []*http.Cookie {
	t.Helper()

	w := doRequest(
		t, a, http.MethodPost, "/api/setup",
		map[string]string{
			"email":    testAdminEmail,
			"password": testAdminPassword,
		},
	)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(
		t, a, http.MethodPost, "/api/login",
		map[string]string{
			"email":    testAdminEmail,
			"password": testAdminPassword,
		},
	)
	require.Equal(t, http.StatusOK, w.Code)

	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	return cookies
}

func TestSetupStatus(t *testing.T) {
	a := setupTestAttache(t)

	w := doRequest(t, a, http.MethodGet, "/api/setup/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status setupResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.True(t, status.Required)

	createTestAdmin(t, a)

	w = doRequest(t, a, http.MethodGet, "/api/setup/status", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.False(t, status.Required)
}

func TestSetupOnlyOnce(t *testing.T) {
	a := setupTestAttache(t)
	createTestAdmin(t, a)

	w := doRequest(
		t, a, http.MethodPost, "/api/setup",
		map[string]string{
			"email":    "second@example.com",
			"password": "another password",
		},
	)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestLoginBadCredentials(t *testing.T) {
	a := setupTestAttache(t)
	createTestAdmin(t, a)

	w := doRequest(
		t, a, http.MethodPost, "/api/login",
		map[string]string{
			"email":    testAdminEmail,
			"password": "wrong password",
		},
	)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(
		t, a, http.MethodPost, "/api/login",
		map[string]string{
			"email":    "nobody@example.com",
			"password": testAdminPassword,
		},
	)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	a := setupTestAttache(t)
	createTestAdmin(t, a)

	w := doRequest(t, a, http.MethodGet, "/api/instructions", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestInstructionsRoundTrip(t *testing.T) {
	a := setupTestAttache(t)
	cookies := createTestAdmin(t, a)

	w := doRequest(
		t, a, http.MethodPut, "/api/instructions",
		instructionsPayload{Content: "Answer in haiku."},
		cookies...,
	)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, a, http.MethodGet, "/api/instructions", nil, cookies...)
	require.Equal(t, http.StatusOK, w.Code)

	var instructions SystemInstructions
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &instructions))
	assert.Equal(t, "Answer in haiku.", instructions.Content)

	// the bot endpoint reflects the update immediately
	w = doRequest(t, a, http.MethodGet, "/bot?action=config", nil)
	var envelope struct {
		Data BotConfig `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, "Answer in haiku.", envelope.Data.Instructions)

	// clearing back to empty persists rather than being skipped as a
	// zero value
	w = doRequest(
		t, a, http.MethodPut, "/api/instructions",
		instructionsPayload{Content: ""},
		cookies...,
	)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, a, http.MethodGet, "/api/instructions", nil, cookies...)
	require.Equal(t, http.StatusOK, w.Code)
	instructions = SystemInstructions{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &instructions))
	assert.Empty(t, instructions.Content)
}

func TestChannelLifecycle(t *testing.T) {
	a := setupTestAttache(t)
	cookies := createTestAdmin(t, a)

	// invalid snowflake is rejected
	w := doRequest(
		t, a, http.MethodPost, "/api/channels",
		channelPayload{ChannelID: "123"},
		cookies...,
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(
		t, a, http.MethodPost, "/api/channels",
		channelPayload{
			ChannelID:   "123456789012345678",
			ChannelName: "general",
		},
		cookies...,
	)
	require.Equal(t, http.StatusCreated, w.Code)

	var created AllowedChannel
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "123456789012345678", created.ChannelID)
	assert.NotZero(t, created.ID)

	// duplicates conflict
	w = doRequest(
		t, a, http.MethodPost, "/api/channels",
		channelPayload{ChannelID: "123456789012345678"},
		cookies...,
	)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(t, a, http.MethodGet, "/api/channels", nil, cookies...)
	require.Equal(t, http.StatusOK, w.Code)
	var channels []AllowedChannel
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &channels))
	require.Len(t, channels, 1)

	w = doRequest(
		t, a, http.MethodDelete,
		fmt.Sprintf("/api/channels/%d", created.ID),
		nil,
		cookies...,
	)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(
		t, a, http.MethodDelete,
		fmt.Sprintf("/api/channels/%d", created.ID),
		nil,
		cookies...,
	)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMemoryReset(t *testing.T) {
	a := setupTestAttache(t)
	cookies := createTestAdmin(t, a)

	_, err := a.writeDB.Save(
		context.Background(),
		&ConversationMemory{
			ModelUintID:  ModelUintID{ID: 1},
			Summary:      "old conversation",
			MessageCount: 9,
		},
	)
	require.NoError(t, err)

	w := doRequest(t, a, http.MethodPost, "/api/memory/reset", nil, cookies...)
	require.Equal(t, http.StatusOK, w.Code)

	var memory ConversationMemory
	require.NoError(t, a.db.First(&memory).Error)
	assert.Equal(t, "", memory.Summary)
	assert.Equal(t, 0, memory.MessageCount)
}

func TestGetBotHealthFromAPI(t *testing.T) {
	a := setupTestAttache(t)
	cookies := createTestAdmin(t, a)

	w := doRequest(
		t, a, http.MethodPost, "/bot?action=health",
		HealthReport{ErrorCount: 7, IsOnline: true},
	)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, a, http.MethodGet, "/api/bot_health", nil, cookies...)
	require.Equal(t, http.StatusOK, w.Code)

	var health BotHealth
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, botHealthRowID, health.ID)
	assert.Equal(t, int64(7), health.ErrorCount)
	assert.True(t, health.IsOnline)
}

func TestHealthCheck(t *testing.T) {
	a := setupTestAttache(t)

	w := doRequest(t, a, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var response healthCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.False(t, response.DiscordConnected)
	assert.Equal(t, ErrorTrendStable, response.ErrorTrend)
}

func TestLogout(t *testing.T) {
	a := setupTestAttache(t)
	cookies := createTestAdmin(t, a)

	w := doRequest(t, a, http.MethodPost, "/api/logout", nil, cookies...)
	require.Equal(t, http.StatusOK, w.Code)
}
