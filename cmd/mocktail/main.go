package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mocktail/internal/config"
	"mocktail/internal/logger"
)

var (
	cfg *config.Config
	log logger.Logger = logger.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "mocktail",
	Short: "Rule-based HTTP response interceptor",
	Long: `mocktail rewrites HTTP responses according to user-defined rules.

Run it as a reverse proxy in front of an API (serve), attach it to a Chrome tab
over the DevTools protocol (attach), or manage the stored rule set (rules).`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("db", "", "Path to the sqlite database")
}

// flagKeys 命令行参数与配置键的对应关系，同名参数在多个子命令中复用
var flagKeys = map[string]string{
	"log-level":      "log.level",
	"db":             "sqlite.dsn",
	"listen":         "proxy.listen",
	"upstream":       "proxy.upstream",
	"metrics-listen": "metrics.listen",
	"rules-file":     "intercept.rules_file",
	"devtools":       "cdp.devtools_url",
}

func loadConfig(cmd *cobra.Command, args []string) error {
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			viper.BindPFlag(key, f)
		}
	}
	path, _ := cmd.Flags().GetString("config")
	c, err := config.LoadWith(viper.GetViper(), path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}
	cfg = c
	log = logger.New(logger.Options{
		Level:  cfg.Log.Level,
		Writer: cfg.Log.Writer,
		File:   cfg.Log.File,
	})
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
