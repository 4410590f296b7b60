package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tkengine/tknet/internal/config"
)

var (
	Root = &cobra.Command{
		Use:          "tknet",
		Short:        "Reliable peer-to-peer message sessions over UDP",
		SilenceUsage: true,
	}
	rootFlags = struct {
		Config   string
		LogLevel string
		LogFile  string
	}{}
)

func init() {
	Root.PersistentFlags().StringVar(&rootFlags.Config, "config", "", "the YAML config file to use (default $"+config.EnvPath+")")
	Root.PersistentFlags().StringVar(&rootFlags.LogLevel, "log-level", "info", "the log level to use")
	Root.PersistentFlags().StringVar(&rootFlags.LogFile, "log-file", "", "write logs to this file instead of stderr, with rotation")
}

// loadConfig reads the config file and applies the persistent flags that were
// set explicitly on the command line.
func loadConfig(cmd *cobra.Command) *config.Config {
	cfg, err := config.Load(rootFlags.Config)
	if err != nil {
		exitWithError(err.Error())
		return nil
	}

	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = rootFlags.LogLevel
	}
	if cmd.Flags().Changed("log-file") {
		cfg.Log.File = rootFlags.LogFile
	}
	return cfg
}

func newLogger(cfg *config.Config) *slog.Logger {
	level, err := cfg.LogLevel()
	if err != nil {
		exitWithError(fmt.Sprintf("bad log level: %s", cfg.Log.Level))
		return nil
	}

	var w io.Writer = os.Stderr
	noColor := !isatty.IsTerminal(os.Stderr.Fd())
	if cfg.Log.File != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		}
		noColor = true
	}

	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:   level,
		NoColor: noColor,
	}))
}

func logErrorAndExit(logger *slog.Logger, msg string, args ...any) {
	logger.Error(msg, args...)
	os.Exit(1)
}

func exitWithError(s string) {
	fmt.Fprintf(os.Stderr, "error: %s\n", s)
	os.Exit(1)
}
