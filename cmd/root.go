package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/attachebot/attache/attache"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = attache.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "attache [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes a log level name into a *slog.LevelVar.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", attache.DefaultDatabase)
	viper.SetDefault("database_type", attache.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		attache.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		attache.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", attache.DefaultLogLevel.String())

	viper.SetDefault("startup_timeout", attache.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", attache.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.enabled", true)
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault(
		"discord.log_level",
		attache.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		attache.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		attache.DefaultDiscordGatewayIntent,
	)

	// Endpoint client config
	viper.SetDefault("endpoint.base_url", "")
	viper.SetDefault(
		"endpoint.request_timeout",
		attache.DefaultEndpointRequestTimeout,
	)
	viper.SetDefault("endpoint.cache_ttl", attache.DefaultConfigCacheTTL)
	viper.SetDefault(
		"endpoint.heartbeat_interval",
		attache.DefaultHeartbeatInterval,
	)

	// AI config
	viper.SetDefault("ai.provider", attache.DefaultAIProvider)
	viper.SetDefault("ai.token", "")
	viper.SetDefault("ai.model", "")
	viper.SetDefault("ai.log_level", attache.DefaultAILogLevel.String())
	viper.SetDefault("ai.max_tokens", attache.DefaultAIMaxTokens)
	viper.SetDefault("ai.request_timeout", attache.DefaultAIRequestTimeout)
	viper.SetDefault(
		"ai.max_requests_per_second",
		attache.DefaultAIMaxRequestsPerSecond,
	)

	// API config
	viper.SetDefault("api.listen", attache.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.log_level", attache.DefaultAPILogLevel.String())
	viper.SetDefault("api.session_max_age", attache.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", attache.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		attache.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", attache.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", attache.DefaultIdleTimeout)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		attache.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		attache.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		attache.DefaultCORSExposeHeaders,
	)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", attache.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", true)

	envPrefix := os.Getenv(attache.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = attache.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"ai.log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
