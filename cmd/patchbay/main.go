package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/patchbay/internal/bridge"
	"github.com/agentworkforce/patchbay/internal/config"
	"github.com/agentworkforce/patchbay/internal/engine"
	"github.com/agentworkforce/patchbay/internal/graph"
	"github.com/agentworkforce/patchbay/internal/httpapi"
	"github.com/agentworkforce/patchbay/internal/layout"
	"github.com/agentworkforce/patchbay/internal/logx"
)

type settings struct {
	server         string
	token          string
	clientName     string
	configPath     string
	layoutDSN      string
	httpAddr       string
	httpToken      string
	reconnectDelay time.Duration
	refreshDelay   time.Duration
}

func main() {
	logger := logx.New(log.New(os.Stderr, "patchbay: ", log.LstdFlags), logx.LevelFromEnv("DEBUG"))
	s, err := loadSettings(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		logger.Errorf("%v", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM, unix.SIGHUP)
	defer stop()
	if err := run(ctx, s, logger); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func loadSettings(args []string, output io.Writer) (settings, error) {
	fs := flag.NewFlagSet("patchbay", flag.ContinueOnError)
	fs.SetOutput(output)
	s := settings{}
	fs.StringVar(&s.server, "server", envOrDefault("PATCHBAY_SERVER", "ws://127.0.0.1:4714/bridge"), "audio server bridge URL")
	fs.StringVar(&s.token, "token", strings.TrimSpace(os.Getenv("PATCHBAY_TOKEN")), "bridge auth token")
	fs.StringVar(&s.clientName, "client-name", envOrDefault("PATCHBAY_CLIENT_NAME", engine.DefaultClientName), "client name announced to the server")
	fs.StringVar(&s.configPath, "config", strings.TrimSpace(os.Getenv("PATCHBAY_CONFIG")), "configuration file (default in the user config dir)")
	fs.StringVar(&s.layoutDSN, "layout", strings.TrimSpace(os.Getenv("PATCHBAY_LAYOUT_DSN")), "layout backend DSN (default file in the user data dir)")
	fs.StringVar(&s.httpAddr, "http", strings.TrimSpace(os.Getenv("PATCHBAY_HTTP_ADDR")), "control API listen address, empty disables it")
	fs.StringVar(&s.httpToken, "http-token", strings.TrimSpace(os.Getenv("PATCHBAY_HTTP_TOKEN")), "bearer token for the control API")
	fs.DurationVar(&s.reconnectDelay, "reconnect-delay", durationEnv("PATCHBAY_RECONNECT_DELAY", engine.DefaultReconnectDelay), "delay between connection attempts")
	fs.DurationVar(&s.refreshDelay, "refresh-delay", durationEnv("PATCHBAY_REFRESH_DELAY", engine.DefaultRefreshDelay), "layout refresh debounce")
	if err := fs.Parse(args); err != nil {
		return settings{}, err
	}
	if fs.NArg() > 0 {
		return settings{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if strings.TrimSpace(s.server) == "" {
		return settings{}, fmt.Errorf("server is required (--server or PATCHBAY_SERVER)")
	}
	if s.reconnectDelay <= 0 {
		s.reconnectDelay = engine.DefaultReconnectDelay
	}
	if s.refreshDelay <= 0 {
		s.refreshDelay = engine.DefaultRefreshDelay
	}
	return s, nil
}

func (s settings) resolvedConfigPath() string {
	if s.configPath != "" {
		return s.configPath
	}
	return filepath.Join(config.ConfigDir(), config.ConfigFileName)
}

func (s settings) resolvedLayoutDSN() string {
	if s.layoutDSN != "" {
		return s.layoutDSN
	}
	return "file://" + filepath.Join(config.DataDir(), config.StateFileName)
}

func loadConfig(path string, logger *logx.Logger) config.Config {
	cfg, warnings, err := config.Load(path)
	switch {
	case errors.Is(err, config.ErrNotFound):
		logger.Debugf("no configuration at %s, using defaults", path)
	case err != nil:
		logger.Errorf("load configuration: %v", err)
	}
	for _, warning := range warnings {
		logger.Errorf("%s: %s", path, warning)
	}
	return cfg
}

func openLayout(dsn string, logger *logx.Logger) (layout.Backend, *layout.Manifest) {
	backend, err := layout.BuildBackendFromDSN(dsn)
	if err != nil {
		logger.Errorf("layout backend %s: %v", dsn, err)
		return nil, nil
	}
	if backend == nil {
		return nil, nil
	}
	if fb, ok := backend.(*layout.FileBackend); ok {
		fb.Logger = logger
	}
	manifest, err := backend.Load()
	if err != nil {
		logger.Errorf("load layout: %v", err)
		return backend, nil
	}
	return backend, manifest
}

func run(ctx context.Context, s settings, logger *logx.Logger) error {
	configPath := s.resolvedConfigPath()
	cfg := loadConfig(configPath, logger)
	backend, manifest := openLayout(s.resolvedLayoutDSN(), logger)
	defer func() {
		if err := layout.Close(backend); err != nil {
			logger.Errorf("close layout backend: %v", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := engine.NewMetrics(registry)

	loop := engine.NewLoop(0)
	dialer, err := bridge.NewDialer(bridge.Options{
		URL:    s.server,
		Token:  s.token,
		Post:   loop.Post,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	session, err := engine.NewSession(engine.Options{
		Dialer:         dialer,
		Scheduler:      loop,
		View:           newLogView(logger),
		Logger:         logger,
		Metrics:        metrics,
		ClientName:     s.clientName,
		Config:         cfg,
		Normalizer:     graph.NewNormalizer(graph.LocaleCharset(os.Getenv)),
		Layout:         manifest,
		ReconnectDelay: s.reconnectDelay,
		RefreshDelay:   s.refreshDelay,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(gctx)
	})
	loop.Post(func() { session.Start(gctx) })

	watcher, err := config.NewWatcher(config.WatcherOptions{
		Path: configPath,
		OnChange: func(next config.Config) {
			loop.Post(func() { session.ApplyConfig(next) })
		},
		Logger: logger,
	})
	if err != nil {
		logger.Debugf("configuration reload disabled: %v", err)
	} else {
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	if s.httpAddr != "" {
		server := &http.Server{
			Addr: s.httpAddr,
			Handler: httpapi.NewServer(loop, session, session.Commands(), httpapi.ServerConfig{
				Token:   s.httpToken,
				Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Debugf("control API listening on %s", s.httpAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("control API: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()

	// The loop has stopped; finish on this goroutine.
	current := session.CurrentLayout()
	session.Shutdown()
	loop.Drain()
	saveLayout(backend, current, logger)
	return err
}

func saveLayout(backend layout.Backend, m *layout.Manifest, logger *logx.Logger) {
	if backend == nil || m == nil {
		return
	}
	if err := backend.Save(m); err != nil {
		logger.Errorf("save layout: %v", err)
		return
	}
	logger.Debugf("saved layout: %d sources, %d blocks, %d sinks", len(m.Sources), len(m.Blocks), len(m.Sinks))
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		if ms, msErr := strconv.Atoi(raw); msErr == nil {
			return time.Duration(ms) * time.Millisecond
		}
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
