package attache

import (
	"fmt"
	"regexp"

	"gorm.io/gorm"
)

// botHealthRowID is the fixed primary key for the single health snapshot
// row. Health reports upsert this row; the row count never grows.
const botHealthRowID = "00000000-0000-0000-0000-000000000000"

// channelIDPattern matches Discord snowflake channel IDs.
var channelIDPattern = regexp.MustCompile(`^\d{17,20}$`)

// ModelUnixTime is an embeddable model with Unix millisecond timestamps
// for creation and update.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// SystemInstructions is the prompt prefix sent to the completion
// provider. A single row, seeded at startup and edited from the admin UI.
type SystemInstructions struct {
	ModelUintID
	ModelUnixTime
	Content string `json:"content" gorm:"type:text"`
}

// AllowedChannel is a channel where the bot replies without being
// mentioned. Created and deleted from the admin UI; read-only to the bot.
type AllowedChannel struct {
	ModelUintID
	ModelUnixTime
	ChannelID   string `json:"channel_id" gorm:"uniqueIndex;size:20" binding:"required"`
	ChannelName string `json:"channel_name" gorm:"size:100"`
}

// BeforeCreate rejects channel IDs that aren't Discord snowflakes.
func (a *AllowedChannel) BeforeCreate(_ *gorm.DB) error {
	return ValidateChannelID(a.ChannelID)
}

// ValidateChannelID verifies the given ID is a 17-20 digit numeric
// Discord snowflake.
func ValidateChannelID(channelID string) error {
	if !channelIDPattern.MatchString(channelID) {
		return fmt.Errorf(
			"invalid channel ID %q (must be 17-20 digits)",
			channelID,
		)
	}
	return nil
}

// ConversationMemory is the rolling summary of recent exchanges. A single
// row, updated by the bot after every answered message and resettable
// from the admin UI. The summary is bounded: only the last
// [memorySummaryMaxLength] characters are retained.
type ConversationMemory struct {
	ModelUintID
	ModelUnixTime
	Summary      string `json:"summary" gorm:"type:text"`
	MessageCount int    `json:"message_count"`
}

// BeforeSave clamps the summary to its bound and the message count to a
// non-negative value.
func (m *ConversationMemory) BeforeSave(_ *gorm.DB) error {
	m.Summary = tail(m.Summary, memorySummaryMaxLength)
	if m.MessageCount < 0 {
		m.MessageCount = 0
	}
	return nil
}

// BotHealth is the last-known liveness snapshot of the bot process,
// upserted on every heartbeat and read by the admin UI.
type BotHealth struct {
	ID              string `json:"id" gorm:"primaryKey;size:36"`
	LastPing        int64  `json:"last_ping"`
	LastMessage     int64  `json:"last_message"`
	ErrorCount      int64  `json:"error_count"`
	CacheAgeSeconds int64  `json:"cache_age_seconds"`
	CacheHits       int64  `json:"cache_hits"`
	CacheMisses     int64  `json:"cache_misses"`
	IsOnline        bool   `json:"is_online"`
	LastSeen        int64  `json:"last_seen"`
	UpdatedAt       int64  `json:"updated_at" gorm:"autoUpdateTime:milli"`
}

// Admin is a dashboard operator account.
type Admin struct {
	ModelUintID
	ModelUnixTime
	Email    string `json:"email" gorm:"uniqueIndex;size:254" binding:"required,email"`
	Password string `json:"-" log:"[redacted]"`
}
