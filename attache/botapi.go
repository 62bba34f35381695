package attache

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// botEndpointPath is the single route the bot talks to; the operation is
// selected by the `action` query parameter, mirroring the dashboard's
// backend function.
const botEndpointPath = "/bot"

type botEndpointResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// botEndpointHandler dispatches the bot-facing actions: config reads,
// memory updates, and health reports. Unknown actions or methods get a
// structured client error; internal failures get a structured server
// error that doesn't leak internals.
func (h *APIHandlers) botEndpointHandler(c *gin.Context) {
	defer func() {
		if rc := recover(); rc != nil {
			ginContextLogger(c).Error(
				"panic in bot endpoint handler",
				"panic", rc,
			)
			c.JSON(
				http.StatusInternalServerError,
				botEndpointResponse{
					Success: false,
					Error:   "Internal server error",
				},
			)
		}
	}()

	action := c.Query("action")
	method := c.Request.Method

	switch {
	case method == http.MethodGet && action == endpointActionConfig:
		h.botGetConfig(c)
	case method == http.MethodPost && action == endpointActionUpdateMemory:
		h.botUpdateMemory(c)
	case method == http.MethodPost && action == endpointActionHealth:
		h.botReportHealth(c)
	default:
		c.JSON(
			http.StatusBadRequest,
			botEndpointResponse{Success: false, Error: "Invalid action"},
		)
	}
}

// botGetConfig returns instructions, the channel allowlist and the
// conversation memory in one payload. The three reads are independent -
// acceptable staleness between them. Missing rows read as zero values,
// never as errors.
func (h *APIHandlers) botGetConfig(c *gin.Context) {
	logger := ginContextLogger(c)
	db := h.a.db.WithContext(c.Request.Context())

	var instructions SystemInstructions
	if err := db.First(&instructions).Error; err != nil &&
		!errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Error("error reading instructions", tint.Err(err))
		botEndpointServerError(c)
		return
	}

	var channelIDs []string
	if err := db.Model(&AllowedChannel{}).Order("id").Pluck(
		"channel_id",
		&channelIDs,
	).Error; err != nil {
		logger.Error("error reading allowed channels", tint.Err(err))
		botEndpointServerError(c)
		return
	}
	if channelIDs == nil {
		channelIDs = []string{}
	}

	var memory ConversationMemory
	if err := db.First(&memory).Error; err != nil &&
		!errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Error("error reading conversation memory", tint.Err(err))
		botEndpointServerError(c)
		return
	}

	c.JSON(
		http.StatusOK, botEndpointResponse{
			Success: true,
			Data: BotConfig{
				Instructions:    instructions.Content,
				AllowedChannels: channelIDs,
				Memory: &MemorySnapshot{
					Summary:      memory.Summary,
					MessageCount: memory.MessageCount,
				},
			},
		},
	)
}

// botUpdateMemory upserts the single conversation memory row. The body
// is coerced rather than rejected: a non-string summary becomes "", a
// non-numeric count becomes 0. The stored summary keeps only its last
// [memorySummaryMaxLength] characters.
func (h *APIHandlers) botUpdateMemory(c *gin.Context) {
	logger := ginContextLogger(c)

	var body map[string]json.RawMessage
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(
			http.StatusBadRequest,
			botEndpointResponse{Success: false, Error: "Invalid body"},
		)
		return
	}

	var summary string
	if raw, ok := body["summary"]; ok {
		// non-string values coerce to empty
		_ = json.Unmarshal(raw, &summary)
	}
	var messageCount int
	if raw, ok := body["message_count"]; ok {
		_ = json.Unmarshal(raw, &messageCount)
	}

	memory := ConversationMemory{
		ModelUintID:  ModelUintID{ID: 1},
		Summary:      summary,
		MessageCount: messageCount,
	}
	if _, err := h.a.writeDB.Save(c.Request.Context(), &memory); err != nil {
		logger.Error("memory update failed", tint.Err(err))
		botEndpointServerError(c)
		return
	}

	c.JSON(http.StatusOK, botEndpointResponse{Success: true})
}

// botHealthPayload is the health report body. Pointer fields distinguish
// absent values, which default rather than reject.
type botHealthPayload struct {
	LastPing        *time.Time `json:"last_ping"`
	LastMessage     *time.Time `json:"last_message"`
	ErrorCount      *int64     `json:"error_count"`
	CacheAgeSeconds *int64     `json:"cache_age_seconds"`
	CacheHits       *int64     `json:"cache_hits"`
	CacheMisses     *int64     `json:"cache_misses"`
	IsOnline        *bool      `json:"is_online"`
}

// botReportHealth upserts the single health row keyed by the fixed
// identifier. Missing fields default (error_count=0, is_online=true).
func (h *APIHandlers) botReportHealth(c *gin.Context) {
	logger := ginContextLogger(c)

	var payload botHealthPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(
			http.StatusBadRequest,
			botEndpointResponse{Success: false, Error: "Invalid body"},
		)
		return
	}

	now := time.Now().UTC().UnixMilli()
	health := BotHealth{
		ID:              botHealthRowID,
		LastPing:        timeToMillis(payload.LastPing),
		LastMessage:     timeToMillis(payload.LastMessage),
		ErrorCount:      int64PointerValue(payload.ErrorCount, 0),
		CacheAgeSeconds: int64PointerValue(payload.CacheAgeSeconds, 0),
		CacheHits:       int64PointerValue(payload.CacheHits, 0),
		CacheMisses:     int64PointerValue(payload.CacheMisses, 0),
		IsOnline:        boolPointerValue(payload.IsOnline, true),
		LastSeen:        now,
	}

	err := h.a.writeDB.Transaction(
		c.Request.Context(), func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: "id"}},
					UpdateAll: true,
				},
			).Create(&health).Error
		},
	)
	if err != nil {
		logger.Error("health upsert failed", tint.Err(err))
		botEndpointServerError(c)
		return
	}

	c.JSON(http.StatusOK, botEndpointResponse{Success: true})
}

func botEndpointServerError(c *gin.Context) {
	c.JSON(
		http.StatusInternalServerError,
		botEndpointResponse{Success: false, Error: "Internal server error"},
	)
}

func timeToMillis(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UTC().UnixMilli()
}

func int64PointerValue(v *int64, fallback int64) int64 {
	if v == nil {
		return fallback
	}
	return *v
}

func boolPointerValue(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
