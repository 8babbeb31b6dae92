package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/astromechza/notesync/pkg/config"
)

func main() {
	if err := run(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	level := new(slog.LevelVar)
	slog.SetDefault(newLogger(os.Stderr, config.DefaultLogFormat, level))

	return newRootCommand(level).ExecuteContext(ctx)
}

func newLogger(w io.Writer, format string, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func newRootCommand(level *slog.LevelVar) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "notesync",
		Short:         "notesync keeps collaboratively edited notes in sync",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.PersistentFlags().StringP("config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().String("log-level", config.DefaultLogLevel, "log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", config.DefaultLogFormat, "log format (text, json)")

	cmd.AddCommand(newServeCommand(level))
	cmd.AddCommand(newEditCommand())
	cmd.AddCommand(newInspectCommand())
	cmd.AddCommand(newAdminCommand())
	return cmd
}

// newViper binds the named flags of cmd into a fresh viper instance that
// also reads NOTESYNC_* environment variables.
func newViper(cmd *cobra.Command, names ...string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("NOTESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	lookup := func(name string) *pflag.Flag {
		if f := cmd.Flags().Lookup(name); f != nil {
			return f
		}
		return cmd.InheritedFlags().Lookup(name)
	}
	for _, name := range append([]string{"config", "log-level", "log-format"}, names...) {
		flag := lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := v.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
	return v
}

// loadConfigFile reads the --config file into v, if one was given.
func loadConfigFile(v *viper.Viper) (string, error) {
	path := strings.TrimSpace(v.GetString("config"))
	if path == "" {
		return "", nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", path, err)
	}
	return path, nil
}

// setupLogging applies log-level and log-format from v. When a config file
// is in use the level follows edits to it.
func setupLogging(v *viper.Viper, level *slog.LevelVar, configFile string) (*slog.Logger, error) {
	l, err := config.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return nil, err
	}
	if level == nil {
		level = new(slog.LevelVar)
	}
	level.Set(l)
	format := strings.ToLower(strings.TrimSpace(v.GetString("log-format")))
	if format != "text" && format != "json" {
		return nil, fmt.Errorf("log-format must be %q or %q", "text", "json")
	}
	logger := newLogger(os.Stderr, format, level)
	slog.SetDefault(logger)

	if configFile != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
				return
			}
			l, err := config.ParseLevel(v.GetString("log-level"))
			if err != nil {
				logger.Warn("ignoring invalid log level from config", "file", e.Name, "err", err)
				return
			}
			if l != level.Level() {
				level.Set(l)
				logger.Info("log level changed", "level", l)
			}
		})
		v.WatchConfig()
	}
	return logger, nil
}
