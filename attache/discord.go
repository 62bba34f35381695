package attache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// mentionPattern matches Discord user-mention markup in message content.
var mentionPattern = regexp.MustCompile(`<@!?\d+>`)

// memoryUpdateTimeout bounds the fire-and-forget memory persist so an
// unresponsive endpoint can't leak goroutines.
const memoryUpdateTimeout = 15 * time.Second

// DiscordSessionHandler is the subset of the discordgo session the bot
// uses, split out so tests can substitute a mock session.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler registers an event handler, returning a function that
	// removes it
	AddHandler(handler any) func()

	// ChannelMessageSendReply sends a message to a channel as a reply to
	// the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelTyping shows a typing indicator in the given channel
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

// DiscordSession wraps a discordgo session with logging.
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(
		channelID, content, reference, options...,
	)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelTyping(
	channelID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelTyping(channelID, options...)
}

// Discord handles the gateway connection and the per-message decision
// loop: whether to respond to an inbound message, and how.
type Discord struct {
	session DiscordSessionHandler
	config  *DiscordConfig
	logger  *slog.Logger

	cache    *ConfigCache
	provider CompletionProvider
	endpoint *EndpointClient
	health   *HealthTracker

	// botUserID is learned from the Ready event, and used both to
	// ignore the bot's own messages and to detect mentions.
	botUserID atomic.Value // string

	connected             atomic.Bool
	metricConnects        atomic.Int64
	metricDisconnects     atomic.Int64
	metricMessagesHandled atomic.Int64
	metricRepliesSent     atomic.Int64

	removeHandlerFuncs []func()
}

// NewDiscord assembles the Discord integration. The session itself is
// created lazily by newSession, so tests can inject a mock.
func NewDiscord(
	config *DiscordConfig,
	cache *ConfigCache,
	provider CompletionProvider,
	endpoint *EndpointClient,
	health *HealthTracker,
	logger *slog.Logger,
) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Discord{
		config:             config,
		cache:              cache,
		provider:           provider,
		endpoint:           endpoint,
		health:             health,
		logger:             logger.With(loggerNameKey, "discord"),
		removeHandlerFuncs: []func(){},
	}
	if config.ApplicationID != "" {
		d.botUserID.Store(config.ApplicationID)
	}
	return d
}

// newSession initializes a discordgo session for the configured token.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.Identify.Intents = d.config.GatewayIntents
	disc.SyncEvents = false
	disc.StateEnabled = false
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}
	session.session = disc
	return session, nil
}

// Connect opens the gateway session and registers event handlers.
func (d *Discord) Connect(ctx context.Context) error {
	if d.session == nil {
		session, err := d.newSession()
		if err != nil {
			return err
		}
		d.session = session
	}

	d.removeHandlerFuncs = append(
		d.removeHandlerFuncs,
		d.session.AddHandler(d.handlerReady(ctx)),
		d.session.AddHandler(d.handlerMessageCreate(ctx)),
		d.session.AddHandler(
			func(_ *discordgo.Session, _ *discordgo.Disconnect) {
				d.connected.Store(false)
				d.metricDisconnects.Add(1)
				d.logger.Warn("disconnected from discord gateway")
			},
		),
	)

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	return nil
}

// Close removes event handlers and closes the gateway session.
func (d *Discord) Close() error {
	for _, remove := range d.removeHandlerFuncs {
		remove()
	}
	d.removeHandlerFuncs = nil
	if d.session == nil {
		return nil
	}
	return d.session.Close()
}

func (d *Discord) handlerReady(
	ctx context.Context,
) func(*discordgo.Session, *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			d.botUserID.Store(r.User.ID)
		}
		d.connected.Store(true)
		d.metricConnects.Add(1)
		d.health.MarkPing()
		d.logger.InfoContext(
			ctx,
			"connected to discord gateway",
			"session_id", r.SessionID,
		)
	}
}

func (d *Discord) handlerMessageCreate(
	ctx context.Context,
) func(*discordgo.Session, *discordgo.MessageCreate) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		go d.handleMessage(ctx, m)
	}
}

// BotUserID returns the bot's own user ID, or "" before the Ready event.
func (d *Discord) BotUserID() string {
	id, _ := d.botUserID.Load().(string)
	return id
}

// handleMessage is the per-message decision loop. Nothing in here is
// allowed to crash the process: failures on the reply path degrade to a
// generic apology, and everything off it is logged and swallowed.
func (d *Discord) handleMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	defer d.handleRecover(ctx)

	logger := d.logger
	if ctxLogger, ok := ContextLogger(ctx); ok {
		logger = ctxLogger
	}

	author := m.Author
	if author == nil && m.Member != nil {
		author = m.Member.User
	}
	if author == nil {
		return
	}

	// never reply to bots (including ourselves) - prevents reply loops
	if author.Bot || author.ID == d.BotUserID() {
		return
	}

	d.health.MarkMessage()
	d.metricMessagesHandled.Add(1)

	// liveness fast path: bypasses configuration and the provider
	// entirely, so it works even when the endpoint is down
	if strings.EqualFold(strings.TrimSpace(m.Content), greetingTrigger) {
		d.reply(ctx, m, greetingReply)
		return
	}

	config := d.cache.Get(ctx)

	mentioned := messageMentionsUser(m.Message, d.BotUserID())
	if !mentioned && !config.ChannelAllowed(m.ChannelID) {
		return
	}

	content := strings.TrimSpace(
		mentionPattern.ReplaceAllString(m.Content, ""),
	)
	if content == "" {
		// a bare mention with nothing to answer
		return
	}

	// best-effort typing indicator
	if err := d.session.ChannelTyping(m.ChannelID); err != nil {
		logger.DebugContext(
			ctx,
			"typing indicator failed",
			tint.Err(err),
			"channel_id", m.ChannelID,
		)
	}

	var memorySummary string
	if config.Memory != nil {
		memorySummary = config.Memory.Summary
	}

	answer, err := d.provider.Complete(
		ctx, CompletionRequest{
			Instructions:  config.Instructions,
			MemorySummary: memorySummary,
			UserMessage:   content,
		},
	)
	switch {
	case err == nil:
		//
	case errors.Is(err, ErrProviderNotConfigured):
		d.reply(ctx, m, notConfiguredReply)
		return
	default:
		logger.ErrorContext(ctx, "completion failed", tint.Err(err))
		d.health.RecordError()
		d.reply(ctx, m, genericErrorReply)
		return
	}

	answer = truncateWithEllipsis(answer, discordMaxMessageLength)
	if !d.reply(ctx, m, answer) {
		return
	}

	d.appendMemory(config, content)
}

// reply sends a message reply, logging and counting delivery failures.
// Delivery failures are not retried.
func (d *Discord) reply(
	ctx context.Context,
	m *discordgo.MessageCreate,
	content string,
) bool {
	_, err := d.session.ChannelMessageSendReply(
		m.ChannelID,
		content,
		m.Reference(),
	)
	if err != nil {
		d.logger.ErrorContext(
			ctx,
			"reply delivery failed",
			tint.Err(err),
			"channel_id", m.ChannelID,
		)
		d.health.RecordError()
		return false
	}
	d.metricRepliesSent.Add(1)
	return true
}

// appendMemory appends a timestamped excerpt of the answered message to
// the rolling summary and persists it as a fire-and-forget background
// operation. The user-visible reply never waits on this.
func (d *Discord) appendMemory(config *BotConfig, content string) {
	var prevSummary string
	var prevCount int
	if config.Memory != nil {
		prevSummary = config.Memory.Summary
		prevCount = config.Memory.MessageCount
	}

	entry := fmt.Sprintf(
		"\n[%s] %s",
		time.Now().UTC().Format(time.RFC3339),
		truncate(content, memoryExcerptMaxLength),
	)
	summary := tail(prevSummary+entry, memorySummaryMaxLength)
	count := prevCount + 1

	go func() {
		updateCtx, cancel := context.WithTimeout(
			context.Background(),
			memoryUpdateTimeout,
		)
		defer cancel()
		if err := d.endpoint.UpdateMemory(updateCtx, summary, count); err != nil {
			d.logger.Warn("memory update failed", tint.Err(err))
			d.health.RecordError()
		}
	}()
}

// handleRecover converts a panicking message handler into a logged,
// counted error. The gateway connection stays up.
func (d *Discord) handleRecover(ctx context.Context) {
	if rc := recover(); rc != nil {
		d.health.RecordError()
		d.logger.ErrorContext(
			ctx,
			"recovered from panic in message handler",
			"panic", rc,
			"stack", string(debug.Stack()),
		)
	}
}

// messageMentionsUser reports whether the message mentions the given
// user ID.
func messageMentionsUser(m *discordgo.Message, userID string) bool {
	if userID == "" {
		return false
	}
	for _, mention := range m.Mentions {
		if mention != nil && mention.ID == userID {
			return true
		}
	}
	return false
}
