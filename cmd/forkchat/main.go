package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-go-golems/forkchat/pkg/settings"
	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var rootCmd = &cobra.Command{
	Use:   "forkchat",
	Short: "forkchat is a branching chat client for OpenAI compatible models",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// reinitialize the logger because we can now parse --log-level and co
		// from the command line flag
		initLogger()
	},
	SilenceUsage: true,
}

func initLogger() {
	logLevel := viper.GetString("log-level")
	verbose := viper.GetBool("verbose")
	if verbose && logLevel != "trace" {
		logLevel = "debug"
	}

	err := InitLogger(&logConfig{
		Level:      logLevel,
		LogFile:    viper.GetString("log-file"),
		LogFormat:  viper.GetString("log-format"),
		WithCaller: viper.GetBool("with-caller"),
	})
	cobra.CheckErr(err)
}

type logConfig struct {
	WithCaller bool
	Level      string
	LogFormat  string
	LogFile    string
}

func InitLogger(config *logConfig) error {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if config.WithCaller {
		logger = logger.With().Caller().Logger()
	}

	var logWriter io.Writer
	switch config.LogFormat {
	case "json":
		logWriter = os.Stderr
	case "text":
		logWriter = zerolog.ConsoleWriter{Out: os.Stderr}
	default:
		// text on a terminal, json when piped
		if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
			logWriter = zerolog.ConsoleWriter{Out: os.Stderr}
		} else {
			logWriter = os.Stderr
		}
	}

	if config.LogFile != "" {
		logWriter = io.MultiWriter(
			logWriter,
			zerolog.ConsoleWriter{
				NoColor: true,
				Out: &lumberjack.Logger{
					Filename:   config.LogFile,
					MaxSize:    10, // megabytes
					MaxBackups: 3,
					MaxAge:     28, //days
				},
			})
	}

	log.Logger = logger.Output(logWriter)

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "forkchat", "data")
	}
	return filepath.Join(".forkchat", "data")
}

func initCommands(rootCmd *cobra.Command, configPath string) error {
	// a .env file in the working directory is optional
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	viper.SetEnvPrefix("forkchat")
	settings.SetDefaults(viper.GetViper(), defaultDataDir())

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.forkchat")

		xdgConfigPath, err := os.UserConfigDir()
		if err == nil {
			viper.AddConfigPath(xdgConfigPath + "/forkchat")
		}
	}

	err := viper.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		// Config file not found; ignore error
	} else if err != nil {
		return err
	}
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return err
	}
	for flag, key := range map[string]string{
		"model":         "model",
		"base-url":      "base_url",
		"api-key":       "api_key",
		"store-backend": "store.backend",
	} {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			return err
		}
	}

	initLogger()

	log.Debug().
		Str("config", viper.ConfigFileUsed()).
		Msg("Loaded configuration")

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().Bool("with-caller", false, "Log caller")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (json, text); text on a terminal by default")
	rootCmd.PersistentFlags().String("log-file", "", "Log file (default: stderr)")

	rootCmd.PersistentFlags().String("config", "", "Path to config file (default ~/.forkchat/config.yaml)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Verbose output")

	rootCmd.PersistentFlags().String("model", "", "Model name")
	rootCmd.PersistentFlags().String("base-url", "", "Base URL of the OpenAI compatible API")
	rootCmd.PersistentFlags().String("api-key", "", "API key")
	rootCmd.PersistentFlags().String("store-backend", "", "Store backend (memory, pebble, postgres)")

	// parse the flags one time just to catch --config
	configFile := ""
	for idx, arg := range os.Args {
		if arg == "--config" {
			if len(os.Args) > idx+1 {
				configFile = os.Args[idx+1]
			}
		} else if strings.HasPrefix(arg, "--config=") {
			configFile = strings.TrimPrefix(arg, "--config=")
		}
	}

	err := initCommands(rootCmd, configFile)
	if err != nil {
		panic(err)
	}

	rootCmd.AddCommand(newChatCommand())
	rootCmd.AddCommand(newSessionsCommand())
	rootCmd.AddCommand(newToolsCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newConfigCommand())
}
