package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/screenmirror/internal/adb"
	"github.com/zsiec/screenmirror/internal/config"
	"github.com/zsiec/screenmirror/internal/dashboard"
	"github.com/zsiec/screenmirror/internal/decoder"
	"github.com/zsiec/screenmirror/internal/health"
	"github.com/zsiec/screenmirror/internal/logger"
	"github.com/zsiec/screenmirror/internal/registry"
	"github.com/zsiec/screenmirror/internal/scrcpy"
	"github.com/zsiec/screenmirror/internal/server"
	"github.com/zsiec/screenmirror/internal/session"
	"github.com/zsiec/screenmirror/internal/shell"
	"github.com/zsiec/screenmirror/internal/transcoding/gstreamer"
	"github.com/zsiec/screenmirror/internal/transcoding/hw"
	"github.com/zsiec/screenmirror/internal/transcoding/video"
	"github.com/zsiec/screenmirror/pkg/version"
)

const healthInterval = 30 * time.Second

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.Parse()

	if showVersion {
		fmt.Println(version.GetInfo().String())
		os.Exit(0)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	base, err := logger.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.FromLogrus(base)

	log.WithField("version", version.GetInfo().Short()).Info("Starting screenmirror")
	log.WithField("config_path", configPath).Debug("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Error("screenmirror stopped with error")
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	defaults, videoDefaults, err := sessionDefaults(cfg.Session)
	if err != nil {
		return err
	}
	preferred, err := preferredDevices(cfg.Decoder.PreferredDevices)
	if err != nil {
		return err
	}

	devices := adb.NewHandle(adb.ClientProvider{
		Addr:        cfg.ADB.ServerAddr,
		BinaryPath:  cfg.ADB.BinaryPath,
		DialTimeout: cfg.ADB.DialTimeout,
	}, log)

	hwDevices := hw.NewLazy(gstreamer.NewProber(), cfg.Decoder.MaxInterfaces, log)
	deps := session.Deps{
		Devices:  devices,
		Launcher: scrcpy.NewLauncher(cfg.Session, log),
		Decoding: decoder.Options{
			Backend:      gstreamer.NewBackend(log),
			Devices:      hwDevices,
			Preferred:    preferred,
			ErrorLogRate: cfg.Decoder.ErrorLogRate,
		},
		Log: log,
	}

	healthMgr := health.NewManager(log)
	healthMgr.Register(health.NewADBChecker(devices))
	healthMgr.RegisterOptional(health.NewDiskChecker(logDir(cfg.Logging), 0.95))
	healthMgr.RegisterOptional(health.NewMemoryChecker(0.9))

	opts := registry.Options{Directory: registry.NewMemoryDirectory()}
	if cfg.Directory.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Directory.RedisAddr,
			Password: cfg.Directory.RedisPassword,
			DB:       cfg.Directory.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("session directory: %w", err)
		}
		log.WithField("addr", cfg.Directory.RedisAddr).Info("Connected to session directory")
		opts.Directory = registry.NewRedisDirectory(client, log, cfg.Directory.TTL)
		if cfg.Directory.TTL > 0 {
			opts.Heartbeat = cfg.Directory.TTL / 3
		}
		healthMgr.RegisterOptional(health.NewRedisChecker(client))
	}

	sessions := registry.New(func(c session.Config) (session.Handle, <-chan error) {
		return session.Start(deps, c)
	}, opts, log)

	sh := shell.New(devices, sessions, log)
	srv := server.New(&cfg.Server, log, server.Deps{
		UI:            sh,
		Links:         devices,
		Sessions:      sessions,
		VideoDefaults: videoDefaults,
		Runtime:       runtimeInfo{sessions: sessions, hw: hwDevices},
	}, healthMgr)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sh.Run(gctx) })
	g.Go(func() error {
		if err := sh.PollDevices(gctx, cfg.ADB.PollInterval); err != nil && !errors.Is(err, shell.ErrStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error {
		healthMgr.Run(gctx, healthInterval)
		return nil
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics, log) })
	}
	if cfg.Dashboard.Enabled {
		g.Go(func() error {
			// quitting the dashboard ends the process
			defer cancel()
			return dashboard.Run(gctx, sh, defaults, cfg.Dashboard.RefreshInterval)
		})
	}

	runErr := g.Wait()

	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer done()
	if err := sessions.Exit(shutdownCtx); err != nil {
		log.WithError(err).Warn("Failed to stop sessions")
	}
	if err := opts.Directory.Close(); err != nil {
		log.WithError(err).Warn("Failed to close session directory")
	}
	if err := devices.Exit(shutdownCtx); err != nil {
		log.WithError(err).Warn("Failed to stop adb worker")
	}
	return runErr
}

// sessionDefaults is the template for sessions started from the dashboard,
// plus the video settings API requests fall back to.
func sessionDefaults(cfg config.SessionConfig) (session.Config, session.VideoConfig, error) {
	codec, err := video.ParseCodec(cfg.Video.Codec)
	if err != nil {
		return session.Config{}, session.VideoConfig{}, fmt.Errorf("session.video.codec: %w", err)
	}
	vc := session.VideoConfig{
		Codec:     codec,
		MaxSize:   cfg.Video.MaxSize,
		Bitrate:   cfg.Video.Bitrate,
		MaxFPS:    cfg.Video.MaxFPS,
		HWDecoder: cfg.Video.HWDecoder,
	}
	c := session.Config{Control: cfg.Control, Audio: cfg.Audio}
	if cfg.Video.Enabled {
		v := vc
		c.Video = &v
	}
	return c, vc, nil
}

func preferredDevices(names []string) ([]hw.DeviceType, error) {
	types := make([]hw.DeviceType, 0, len(names))
	for _, name := range names {
		t, err := hw.ParseDeviceType(name)
		if err != nil {
			return nil, fmt.Errorf("decoder.preferred_devices: %w", err)
		}
		types = append(types, t)
	}
	return types, nil
}

// logDir is where log files land, or the temp dir when logging to a stream.
func logDir(cfg config.LoggingConfig) string {
	switch cfg.Output {
	case "", "stdout", "stderr":
		return os.TempDir()
	}
	return filepath.Dir(cfg.Output)
}

func serveMetrics(ctx context.Context, cfg config.MetricsConfig, log logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	srv := &http.Server{Addr: ":" + strconv.Itoa(cfg.Port), Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	log.WithField("addr", srv.Addr).Info("Starting metrics server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// runtimeInfo feeds live session and decoder state to /health.
type runtimeInfo struct {
	sessions registry.Handle
	hw       *hw.Lazy
}

func (r runtimeInfo) ActiveSessions(ctx context.Context) (int, error) {
	s, err := r.sessions.Sessions(ctx)
	return len(s), err
}

func (r runtimeInfo) HardwareTypes() []string {
	var out []string
	for _, t := range r.hw.Pool().Types() {
		out = append(out, string(t))
	}
	return out
}
