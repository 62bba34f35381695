package attache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	pprofPrefix          = "/debug"
	apiPrefix            = "/api"
	apiPathLogin         = "/login"
	apiPathLogout        = "/logout"
	apiPathLoggedIn      = "/logged_in"
	apiPathSetup         = "/setup"
	apiPathSetupStatus   = "/setup/status"
	apiHealthCheck       = "/healthz"
	apiPathInstructions  = "/instructions"
	apiPathChannels      = "/channels"
	apiPathChannelDelete = "/channels/:id"
	apiPathMemory        = "/memory"
	apiPathMemoryReset   = "/memory/reset"
	apiPathBotHealth     = "/bot_health"

	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "email"
)

var structValidator = validator.New()

//nolint:gochecknoinits // gotta register the validator tag
func init() {
	structValidator.SetTagName("binding")
}

// API is the HTTP server hosting both the bot-facing endpoint and the
// admin dashboard API over the same database.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI configures the gin engine, session store, middleware and routes.
func newAPI(a *Attache, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}
	apiHandlers := newAPIHandlers(a)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	_ = r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	tlsCfg, e := tlsConfig(
		config.SSL.Cert,
		config.SSL.Key,
		config.SSL.TLSMinVersion,
	)
	if e != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", e)
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	api.logger = setupLogger.With(loggerNameKey, "api")

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
	)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	// the bot endpoint allows any origin, like the dashboard backend
	// function it replaces
	botGroup := r.Group(botEndpointPath)
	botGroup.Use(
		cors.New(
			cors.Config{
				AllowOrigins: []string{"*"},
				AllowMethods: []string{http.MethodGet, http.MethodPost},
				AllowHeaders: []string{"Content-Type", "Authorization"},
				MaxAge:       DefaultCORSMaxAge,
			},
		),
	)
	// Any, not GET+POST, so unknown methods get the structured
	// invalid-action reply rather than a bare 404
	botGroup.Any("", apiHandlers.botEndpointHandler)

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	adminCORS := cors.New(corsConfig)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)

	public := r.Group(apiPrefix)
	public.Use(adminCORS)
	public.POST(apiPathLogin, apiHandlers.loginHandler)
	public.POST(apiPathLogout, apiHandlers.logoutHandler)
	public.POST(apiPathSetup, apiHandlers.adminSetup)
	public.GET(apiPathSetupStatus, apiHandlers.setupStatus)

	protected := r.Group(apiPrefix)
	protected.Use(adminCORS, authMiddleware(a))
	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathInstructions, apiHandlers.getInstructions)
	protected.PUT(apiPathInstructions, apiHandlers.updateInstructions)
	protected.GET(apiPathChannels, apiHandlers.getChannels)
	protected.POST(apiPathChannels, apiHandlers.createChannel)
	protected.DELETE(apiPathChannelDelete, apiHandlers.deleteChannel)
	protected.GET(apiPathMemory, apiHandlers.getMemory)
	protected.POST(apiPathMemoryReset, apiHandlers.resetMemory)
	protected.GET(apiPathBotHealth, apiHandlers.getBotHealth)

	return api, nil
}

// Serve listens on the configured address until the server is shut down.
// TLS is used when a certificate is configured.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(
			ctx,
			a.config.ListenNetwork,
			a.config.Listen,
		)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	return a.httpServer.Serve(a.listener)
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the admin and bot endpoints.
type APIHandlers struct {
	a      *Attache
	logger *slog.Logger
	store  CookieStore
}

func newAPIHandlers(a *Attache) *APIHandlers {
	logger := a.logger.With(loggerNameKey, "api")

	var secretKey []byte
	switch sk := a.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	sameSite := http.SameSiteStrictMode
	if a.config.API.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			HttpOnly: true,
			Secure:   true,
			MaxAge:   int(a.config.API.SessionMaxAge.Seconds()),
			SameSite: sameSite,
		},
	)
	return &APIHandlers{a: a, logger: logger, store: store}
}

type httpError struct {
	Error string `json:"error"`
}

type httpReply struct {
	Message string `json:"message"`
}

type setupResponse struct {
	Required bool `json:"required"`
}

type loggedInResponse struct {
	Email string `json:"email"`
}

type adminLogin struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type instructionsPayload struct {
	Content string `json:"content"`
}

type channelPayload struct {
	ChannelID   string `json:"channel_id" binding:"required"`
	ChannelName string `json:"channel_name"`
}

type healthCheckResponse struct {
	DiscordConnected bool       `json:"discord_connected"`
	ErrorCount       int64      `json:"error_count"`
	ErrorTrend       ErrorTrend `json:"error_trend"`
	Uptime           string     `json:"uptime"`
}

// healthCheck reports process-local liveness without touching the
// database.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	connected := false
	if h.a.discord != nil {
		connected = h.a.discord.connected.Load()
	}
	c.JSON(
		http.StatusOK, healthCheckResponse{
			DiscordConnected: connected,
			ErrorCount:       h.a.health.ErrorCount(),
			ErrorTrend:       h.a.health.Trend(),
			Uptime:           time.Since(h.a.startedAt).String(),
		},
	)
}

// setupStatus indicates whether first-time admin setup is required.
func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.a.pendingSetup.Load()})
}

// adminSetup creates the first admin account. Only available while no
// admin exists.
func (h *APIHandlers) adminSetup(c *gin.Context) {
	if !h.a.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	logger := ginContextLogger(c)
	logger.Info("first time admin setup")

	var login adminLogin
	if e := c.ShouldBindJSON(&login); e != nil {
		logger.Error("bad payload", tint.Err(e))
		c.JSON(http.StatusBadRequest, httpError{Error: e.Error()})
		return
	}

	hashed, err := HashPassword(login.Password)
	if err != nil {
		logger.Error("error hashing password", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}

	admin := Admin{Email: login.Email, Password: hashed}
	if _, err = h.a.writeDB.Create(c.Request.Context(), &admin); err != nil {
		logger.Error("error creating admin", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}

	h.a.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, loggedInResponse{Email: login.Email})
}

// loginHandler verifies credentials and creates a session cookie.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)

	if !h.a.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login adminLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	var admin Admin
	err := h.a.db.WithContext(c.Request.Context()).Where(
		"email = ?",
		login.Email,
	).First(&admin).Error
	if err != nil {
		logger.Warn("unknown admin email", "email", login.Email)
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}

	valid, err := verifyPassword(admin.Password, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "email", login.Email)
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}

	session, err := h.store.New(c.Request, sessionVarName)
	if err != nil || session == nil {
		logger.Error("error creating session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	sameSite := http.SameSiteStrictMode
	if h.a.config.API.Development {
		sameSite = http.SameSiteNoneMode
	}
	session.Options = &gsessions.Options{
		MaxAge:   int(h.a.config.API.SessionMaxAge.Seconds()),
		SameSite: sameSite,
		HttpOnly: true,
		Secure:   true,
	}
	session.Values[sessionVarField] = login.Email
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Email: login.Email})
}

// logoutHandler clears the session cookie.
func (h *APIHandlers) logoutHandler(c *gin.Context) {
	session, err := h.store.Get(c.Request, sessionVarName)
	if err == nil && session != nil {
		session.Values[sessionVarField] = ""
		session.Options.MaxAge = -1
		_ = session.Save(c.Request, c.Writer)
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil || session == nil {
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	email, _ := session.Values[sessionVarField].(string)
	c.JSON(http.StatusOK, loggedInResponse{Email: email})
}

// getInstructions returns the system instructions row.
func (h *APIHandlers) getInstructions(c *gin.Context) {
	var instructions SystemInstructions
	err := h.a.db.WithContext(c.Request.Context()).First(&instructions).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		ginReplyError(c, "internal server error")
		return
	}
	c.JSON(http.StatusOK, instructions)
}

// updateInstructions replaces the system prompt content.
func (h *APIHandlers) updateInstructions(c *gin.Context) {
	logger := ginContextLogger(c)

	var payload instructionsPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	// column map so clearing the prompt back to empty still writes
	instructions := SystemInstructions{ModelUintID: ModelUintID{ID: 1}}
	if _, err := h.a.writeDB.Updates(
		c.Request.Context(),
		&instructions,
		map[string]any{"content": payload.Content},
	); err != nil {
		logger.Error("error updating instructions", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	c.JSON(http.StatusOK, instructions)
}

// getChannels lists the channel allowlist.
func (h *APIHandlers) getChannels(c *gin.Context) {
	var channels []AllowedChannel
	err := h.a.db.WithContext(c.Request.Context()).Order("id").Find(
		&channels,
	).Error
	if err != nil {
		ginReplyError(c, "internal server error")
		return
	}
	c.JSON(http.StatusOK, channels)
}

// createChannel adds a channel to the allowlist. The channel ID must be
// a 17-20 digit Discord snowflake.
func (h *APIHandlers) createChannel(c *gin.Context) {
	logger := ginContextLogger(c)

	var payload channelPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := ValidateChannelID(payload.ChannelID); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	channel := AllowedChannel{
		ChannelID:   payload.ChannelID,
		ChannelName: payload.ChannelName,
	}
	if _, err := h.a.writeDB.Create(c.Request.Context(), &channel); err != nil {
		logger.Error("error creating channel", tint.Err(err))
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			c.JSON(
				http.StatusConflict,
				httpError{Error: "channel already allowed"},
			)
			return
		}
		ginReplyError(c, "internal server error")
		return
	}
	c.JSON(http.StatusCreated, channel)
}

// deleteChannel removes a channel from the allowlist by row ID.
func (h *APIHandlers) deleteChannel(c *gin.Context) {
	logger := ginContextLogger(c)

	rowsAffected, err := h.a.writeDB.Delete(
		c.Request.Context(),
		&AllowedChannel{},
		"id = ?",
		c.Param("id"),
	)
	if err != nil {
		logger.Error("error deleting channel", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if rowsAffected == 0 {
		c.JSON(http.StatusNotFound, httpError{Error: "not found"})
		return
	}
	ginReplyMessage(c, "deleted")
}

// getMemory returns the conversation memory row.
func (h *APIHandlers) getMemory(c *gin.Context) {
	var memory ConversationMemory
	err := h.a.db.WithContext(c.Request.Context()).First(&memory).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		ginReplyError(c, "internal server error")
		return
	}
	c.JSON(http.StatusOK, memory)
}

// resetMemory clears the rolling summary and message count.
func (h *APIHandlers) resetMemory(c *gin.Context) {
	logger := ginContextLogger(c)

	memory := ConversationMemory{ModelUintID: ModelUintID{ID: 1}}
	if _, err := h.a.writeDB.Save(c.Request.Context(), &memory); err != nil {
		logger.Error("error resetting memory", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	c.JSON(http.StatusOK, memory)
}

// getBotHealth returns the last health snapshot the bot reported.
func (h *APIHandlers) getBotHealth(c *gin.Context) {
	var health BotHealth
	err := h.a.db.WithContext(c.Request.Context()).Where(
		"id = ?",
		botHealthRowID,
	).First(&health).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		ginReplyError(c, "internal server error")
		return
	}
	c.JSON(http.StatusOK, health)
}

// authMiddleware rejects requests without a valid admin session.
func authMiddleware(a *Attache) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if a.pendingSetup.Load() {
			logger.Warn("no admin account configured")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		session, err := a.api.store.Get(c.Request, sessionVarName)
		if err != nil || session == nil {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		email, ok := session.Values[sessionVarField]
		if !ok || email == "" {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		c.Next()
	}
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request, for tracking and logging.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details
// included and stores it for subsequent calls.
func ginContextLogger(c *gin.Context) *slog.Logger {
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request with its duration and response
// status.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			slog.Group(
				"response",
				"status_code", c.Writer.Status(),
				"body_size", c.Writer.Size(),
			),
		)
	}
}

// metricMiddleware counts requests per method and path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		a.requestMetrics[key]++
	}
}

// ginReplyMessage sends a JSON response with a message and status 200.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON error response with status 500.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
