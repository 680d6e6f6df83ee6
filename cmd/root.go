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

	"github.com/EphiBL/sonnetbot/sonnetbot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = sonnetbot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "sonnetbot [flags]",
	Short: "Discord conversation-thread bot backed by a completion API",
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
	if err := rootCmd.ExecuteContext(ctx); err != nil {
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

	viper.SetDefault("database", sonnetbot.DefaultDatabase)
	viper.SetDefault(
		"database_slow_threshold",
		sonnetbot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		sonnetbot.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", sonnetbot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", sonnetbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", sonnetbot.DefaultShutdownTimeout)

	viper.SetDefault("command_prefix", sonnetbot.DefaultCommandPrefix)
	viper.SetDefault("silent_prefix", sonnetbot.DefaultSilentPrefix)
	viper.SetDefault("prompt_dir", sonnetbot.DefaultPromptDir)

	// Completion API config
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.base_url", "")
	viper.SetDefault("openai.model", sonnetbot.DefaultOpenAIModel)
	viper.SetDefault("openai.log_level", sonnetbot.DefaultOpenAILogLevel.String())
	viper.SetDefault(
		"openai.max_requests_per_second",
		sonnetbot.DefaultOpenAIMaxRequestsPerSecond,
	)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault(
		"discord.log_level",
		sonnetbot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		sonnetbot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		sonnetbot.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.custom_status", sonnetbot.DefaultDiscordCustomStatus)

	// Status API config
	viper.SetDefault("api.listen", sonnetbot.DefaultAPIListen)
	viper.SetDefault("api.log_level", sonnetbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", sonnetbot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		sonnetbot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", sonnetbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", sonnetbot.DefaultIdleTimeout)

	envPrefix := os.Getenv(sonnetbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = sonnetbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"openai.log_level",
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
		"Env file to load",
	)
}
