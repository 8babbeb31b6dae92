package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/astromechza/notesync/pkg/access"
	"github.com/astromechza/notesync/pkg/config"
	"github.com/astromechza/notesync/pkg/fanout"
	"github.com/astromechza/notesync/pkg/fanout/redisbus"
	"github.com/astromechza/notesync/pkg/metrics"
	"github.com/astromechza/notesync/pkg/presence"
	"github.com/astromechza/notesync/pkg/room"
	"github.com/astromechza/notesync/pkg/server"
	"github.com/astromechza/notesync/pkg/store"
	"github.com/astromechza/notesync/pkg/store/storeurl"
)

var serveFlags = []string{
	"listen", "metrics-listen", "store", "snapshot-store",
	"fanout", "fanout-prefix", "fanout-queue", "process-id", "replicas",
	"debounce", "room-idle-ttl", "load-timeout", "save-timeout",
	"max-frame-size", "outbound-queue", "ping-interval", "shutdown-timeout",
}

func newServeCommand(level *slog.LevelVar) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the sync server",
		Example: `
  # single instance, everything in memory
  notesync serve --store mem://

  # sqlite for sessions and notes, snapshots in S3, redis fan-out
  notesync serve --store sqlite:///var/lib/notesync/notes.db \
    --snapshot-store 's3://minioadmin:minioadmin@localhost:9000/notes?insecure=1' \
    --fanout redis://localhost:6379/0

  # three replicas in one binary on :8080-:8082
  notesync serve --replicas 3 --fanout mem://
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := newViper(cmd, serveFlags...)
			configFile, err := loadConfigFile(v)
			if err != nil {
				return err
			}
			logger, err := setupLogging(v, level, configFile)
			if err != nil {
				return err
			}
			if configFile != "" {
				logger.Info("loaded config file", "path", configFile)
			}
			var cfg config.Config
			if err := bindConfig(v, &cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", config.DefaultListen, "listen address")
	flags.String("metrics-listen", config.DefaultMetricsListen, "prometheus listen address (empty disables)")
	flags.String("store", config.DefaultStore, "store URL for sessions, notes and snapshots (mem://, sqlite:///path, postgres://...)")
	flags.String("snapshot-store", "", "separate snapshot store URL (s3://key:secret@host/bucket/prefix, mem://)")
	flags.String("fanout", "", "cross-process fan-out (mem://, redis://host:port/db); empty runs a single instance")
	flags.String("fanout-prefix", config.DefaultFanoutPrefix, "pub/sub channel prefix")
	flags.Int("fanout-queue", config.DefaultFanoutQueue, "outbound fan-out queue size")
	flags.String("process-id", "", "origin id stamped on fan-out envelopes (random when empty)")
	flags.Int("replicas", 1, "number of sync servers to run in this process on consecutive ports")
	flags.Duration("debounce", config.DefaultDebounce, "quiet period before a snapshot is written")
	flags.Duration("room-idle-ttl", config.DefaultRoomIdleTTL, "how long an empty room stays in memory")
	flags.Duration("load-timeout", config.DefaultLoadTimeout, "snapshot load timeout")
	flags.Duration("save-timeout", config.DefaultSaveTimeout, "snapshot write timeout")
	flags.String("max-frame-size", config.HumanizeBytes(config.DefaultMaxFrameSize), "largest accepted websocket frame")
	flags.Int("outbound-queue", config.DefaultOutboundQueue, "per-connection outbound frame queue")
	flags.Duration("ping-interval", config.DefaultPingInterval, "websocket ping interval")
	flags.Duration("shutdown-timeout", config.DefaultShutdownTimeout, "graceful shutdown budget")
	return cmd
}

func bindConfig(v *viper.Viper, cfg *config.Config) error {
	cfg.Listen = v.GetString("listen")
	cfg.MetricsListen = v.GetString("metrics-listen")
	cfg.Store = v.GetString("store")
	cfg.SnapshotStore = v.GetString("snapshot-store")
	cfg.Fanout = v.GetString("fanout")
	cfg.FanoutPrefix = v.GetString("fanout-prefix")
	cfg.FanoutQueue = v.GetInt("fanout-queue")
	cfg.ProcessID = v.GetString("process-id")
	cfg.Replicas = v.GetInt("replicas")
	cfg.Debounce = v.GetDuration("debounce")
	cfg.RoomIdleTTL = v.GetDuration("room-idle-ttl")
	cfg.LoadTimeout = v.GetDuration("load-timeout")
	cfg.SaveTimeout = v.GetDuration("save-timeout")
	if size := v.GetString("max-frame-size"); size != "" {
		n, err := config.ParseBytes(size)
		if err != nil {
			return err
		}
		cfg.MaxFrameSize = n
	}
	cfg.OutboundQueue = v.GetInt("outbound-queue")
	cfg.PingInterval = v.GetDuration("ping-interval")
	cfg.ShutdownTimeout = v.GetDuration("shutdown-timeout")
	cfg.LogLevel = v.GetString("log-level")
	cfg.LogFormat = v.GetString("log-format")
	return nil
}

// replica is one sync server: its own rooms, presence and fan-out
// endpoint over the shared store.
type replica struct {
	listen string
	fan    *fanout.Fanout
	rooms  *room.Registry
	srv    *server.Server
	http   *http.Server
	logger *slog.Logger
}

func newTransport(cfg config.Config, bus *fanout.Bus) (fanout.Transport, error) {
	switch {
	case cfg.Fanout == "":
		return nil, nil
	case strings.HasPrefix(cfg.Fanout, "mem://"):
		return bus.Connect(), nil
	default:
		return redisbus.Open(cfg.Fanout)
	}
}

func newReplica(i int, cfg config.Config, backend store.Backend, bus *fanout.Bus, m *metrics.Metrics, logger *slog.Logger) (*replica, error) {
	listen, err := cfg.ReplicaListen(i)
	if err != nil {
		return nil, err
	}
	r := &replica{listen: listen, logger: logger}
	if cfg.Replicas > 1 {
		r.logger = logger.With("replica", i)
	}

	transport, err := newTransport(cfg, bus)
	if err != nil {
		return nil, fmt.Errorf("failed to open fan-out: %w", err)
	}
	var pub room.Publisher
	if transport != nil {
		origin := cfg.ProcessID
		if origin == "" {
			origin = xid.New().String()
		} else if cfg.Replicas > 1 {
			origin += "-" + strconv.Itoa(i)
		}
		r.fan = fanout.New(transport, fanout.Options{
			OriginID:  origin,
			Prefix:    cfg.FanoutPrefix,
			QueueSize: cfg.FanoutQueue,
			Logger:    r.logger,
			Metrics:   m,
		})
		pub = r.fan
	}

	r.rooms = room.NewRegistry(room.Options{
		Store:       backend,
		Publisher:   pub,
		Debounce:    cfg.Debounce,
		IdleTTL:     cfg.RoomIdleTTL,
		LoadTimeout: cfg.LoadTimeout,
		SaveTimeout: cfg.SaveTimeout,
		Logger:      r.logger,
		Metrics:     m,
	})
	var healthy func() error
	if r.fan != nil {
		r.fan.Start(r.rooms)
		healthy = func() error {
			if !r.fan.Healthy() {
				return errors.New("fan-out degraded")
			}
			return nil
		}
	}
	r.srv = server.New(server.Options{
		Gate:          access.NewGate(access.StoreValidator{Store: backend}, access.StoreResolver{Store: backend}),
		Rooms:         r.rooms,
		Presence:      presence.New(),
		Snapshots:     backend,
		Metrics:       m,
		Logger:        r.logger,
		Healthy:       healthy,
		MaxFrameSize:  cfg.MaxFrameSize,
		OutboundQueue: cfg.OutboundQueue,
		PingInterval:  cfg.PingInterval,
	})
	r.http = &http.Server{Addr: listen, Handler: r.srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return r, nil
}

// shutdown stops accepting, closes connections, flushes every room and
// leaves the fan-out, in that order.
func (r *replica) shutdown(ctx context.Context) {
	if err := r.http.Shutdown(ctx); err != nil {
		r.logger.Error("http shutdown failed", "err", err)
	}
	if err := r.srv.Shutdown(ctx); err != nil {
		r.logger.Error("connections did not close in time", "err", err)
	}
	if err := r.rooms.Close(ctx); err != nil {
		r.logger.Error("rooms did not flush in time", "err", err)
	}
	if r.fan != nil {
		if err := r.fan.Close(); err != nil {
			r.logger.Warn("failed to close fan-out", "err", err)
		}
	}
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("welcome to notesync", "pid", os.Getpid(), "store", redact(cfg.Store), "fanout", redact(cfg.Fanout), "replicas", cfg.Replicas)

	backend, err := storeurl.Open(ctx, cfg.Store, cfg.SnapshotStore)
	if err != nil {
		return err
	}
	defer backend.Close()

	m := metrics.New()
	bus := fanout.NewBus()
	replicas := make([]*replica, 0, cfg.Replicas)
	for i := 0; i < cfg.Replicas; i++ {
		r, err := newReplica(i, cfg, backend, bus, m, logger)
		if err != nil {
			return err
		}
		replicas = append(replicas, r)
	}

	errs := make(chan error, len(replicas)+1)
	wg := new(sync.WaitGroup)
	for _, r := range replicas {
		wg.Add(1)
		go func(r *replica) {
			defer wg.Done()
			r.logger.Info("listening", "addr", r.listen)
			if err := r.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("listen %s: %w", r.listen, err)
			}
		}(r)
	}
	var metricsServer *http.Server
	if cfg.MetricsListen != "" {
		metricsServer = &http.Server{Addr: cfg.MetricsListen, Handler: m.Handler(), ReadHeaderTimeout: 10 * time.Second}
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("metrics listening", "addr", cfg.MetricsListen)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("metrics listen %s: %w", cfg.MetricsListen, err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	swg := new(sync.WaitGroup)
	for _, r := range replicas {
		swg.Add(1)
		go func(r *replica) {
			defer swg.Done()
			r.shutdown(shutdownCtx)
		}(r)
	}
	swg.Wait()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	wg.Wait()
	logger.Info("stopped")
	return runErr
}

// redact drops credentials from a URL for logging.
func redact(raw string) string {
	if i := strings.Index(raw, "@"); i >= 0 {
		if j := strings.Index(raw, "://"); j >= 0 && j < i {
			return raw[:j+3] + "***" + raw[i:]
		}
	}
	return raw
}
