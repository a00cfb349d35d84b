package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pior/mctext"
	mczap "github.com/pior/mctext/log/zap"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:          "mctext",
	Short:        "memcached text protocol client",
	Long:         fmt.Sprintf("mctext (v%s)\n\nA client for memcached servers speaking the ASCII protocol.", version),
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return viper.BindPFlags(cmd.Flags())
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringP("server", "s", "localhost:11211", "server address (host:port)")
	flags.Int("retries", mctext.DefaultMaxRetries, "consecutive failed connection attempts before giving up (negative: forever)")
	flags.Duration("retry-delay", time.Second, "delay between connection attempts")
	flags.Duration("connect-timeout", mctext.DefaultConnectTimeout, "timeout of a connection attempt")
	flags.Duration("idle-timeout", 0, "close the connection after this long without reading (0: disabled)")
	flags.Duration("timeout", 5*time.Second, "timeout of a command")
	flags.Bool("legacy-flags", false, "limit item flags to 16 bits")
	flags.Bool("debug", false, "trace every command and reply")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
}

// initConfig reads .env files and MCTEXT_* environment variables.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("mctext")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of mctext",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "mctext v%s\n", version)
	},
}

func newLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return nil, err
	}
	if viper.GetBool("debug") {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// clientConfig builds the client configuration from flags and environment.
func clientConfig(logger *zap.Logger) mctext.Config {
	return mctext.Config{
		MaxRetries:     viper.GetInt("retries"),
		RetryDelay:     viper.GetDuration("retry-delay"),
		ConnectTimeout: viper.GetDuration("connect-timeout"),
		IdleTimeout:    viper.GetDuration("idle-timeout"),
		LegacyFlags:    viper.GetBool("legacy-flags"),
		Debug:          viper.GetBool("debug"),
		Logger:         mczap.New(logger),
	}
}

// withClient connects to the server, runs fn and closes the client after
// pending commands settled.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *mctext.Client) error) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	client, err := mctext.NewClient(viper.GetString("server"), clientConfig(logger))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), viper.GetDuration("timeout"))
	defer cancel()

	err = fn(ctx, client)
	if endErr := client.End(ctx, true); err == nil {
		err = endErr
	}
	return err
}

// addItemFlags adds the flags shared by storage commands.
func addItemFlags(fs *pflag.FlagSet) {
	fs.Duration("ttl", 0, "item lifetime (0: never expires)")
	fs.Uint32("flags", 0, "opaque item flags")
}

func itemFromFlags(cmd *cobra.Command, key, value string) (mctext.Item, error) {
	ttl, err := cmd.Flags().GetDuration("ttl")
	if err != nil {
		return mctext.Item{}, err
	}
	flags, err := cmd.Flags().GetUint32("flags")
	if err != nil {
		return mctext.Item{}, err
	}
	return mctext.Item{Key: key, Value: []byte(value), TTL: ttl, Flags: flags}, nil
}
