// Package cliproxyctl embeds the control-plane daemon: it supervises a
// CLIProxyAPI+ server process and serves the control-panel HTTP API.
package cliproxyctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/cliproxyctl/internal/config"
	"github.com/loykin/cliproxyctl/internal/configstore"
	"github.com/loykin/cliproxyctl/internal/env"
	"github.com/loykin/cliproxyctl/internal/history"
	"github.com/loykin/cliproxyctl/internal/history/factory"
	"github.com/loykin/cliproxyctl/internal/login"
	"github.com/loykin/cliproxyctl/internal/metrics"
	"github.com/loykin/cliproxyctl/internal/pidfile"
	"github.com/loykin/cliproxyctl/internal/server"
	"github.com/loykin/cliproxyctl/internal/supervisor"
	"github.com/loykin/cliproxyctl/internal/update"
	"github.com/loykin/cliproxyctl/internal/upstream"
)

// Re-export core types for external consumers.

type Config = config.Config

type Status = supervisor.Status

type RestartResult = supervisor.RestartResult

type HistorySink = history.Sink

var (
	ErrAlreadyRunning  = supervisor.ErrAlreadyRunning
	ErrNotRunning      = supervisor.ErrNotRunning
	ErrStartFailed     = supervisor.ErrStartFailed
	ErrRestartFailed   = supervisor.ErrRestartFailed
	ErrNoAvailablePort = server.ErrNoAvailablePort
)

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Daemon is a fully wired control plane.
type Daemon struct {
	cfg       *Config
	log       *slog.Logger
	sup       *supervisor.Supervisor
	store     *configstore.Store
	sinks     []history.Sink
	collector *metrics.ChildCollector
	router    *server.Router
}

// Options tweak NewDaemon. Registerer defaults to the Prometheus default
// registry; extra Sinks are appended to the ones configured by DSN.
type Options struct {
	Logger     *slog.Logger
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Sinks      []HistorySink
}

// NewDaemon builds every component from cfg. Nothing is spawned or bound
// until Run is called.
func NewDaemon(cfg *Config, o Options) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(cfg.Proxy.ConfigDir, 0o750); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		reg := o.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		if err := metrics.Register(reg); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		if o.Gatherer != nil {
			metricsHandler = metrics.HandlerFor(o.Gatherer)
		} else {
			metricsHandler = metrics.Handler()
		}
	}

	sinks, err := factory.NewSinks(cfg.History.Sinks)
	if err != nil {
		return nil, fmt.Errorf("history sinks: %w", err)
	}
	sinks = append(sinks, o.Sinks...)

	childEnv, err := buildEnv(cfg)
	if err != nil {
		factory.CloseAll(sinks)
		return nil, err
	}

	sup := supervisor.New(pidfile.New(cfg.PIDPath()), supervisor.Options{
		Binary:          cfg.Proxy.Binary,
		ConfigPath:      cfg.ConfigPath(),
		Env:             childEnv,
		LogFile:         cfg.Proxy.LogFile,
		Settle:          cfg.Supervisor.Settle,
		PollInterval:    cfg.Supervisor.PollInterval,
		PollAttempts:    cfg.Supervisor.PollAttempts,
		RestartCooldown: cfg.Supervisor.RestartCooldown,
		Sinks:           sinks,
		Logger:          log,
	})
	store := configstore.New(cfg.ConfigPath(), log)

	d := &Daemon{cfg: cfg, log: log, sup: sup, store: store, sinks: sinks}

	if cfg.Metrics.Enabled {
		d.collector = metrics.NewChildCollector(cfg.Metrics.SampleInterval, sup.PID)
		reg := o.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		if err := d.collector.RegisterMetrics(reg); err != nil {
			log.Warn("register child metrics", "error", err)
		}
	}

	d.router = server.NewRouter(server.Options{
		Supervisor:     sup,
		Config:         store,
		Models:         upstream.New(cfg.Proxy.Port, cfg.Models.Timeout),
		Updates:        update.New(cfg.Update.URL, cfg.Update.CurrentVersion, cfg.Update.Timeout),
		Login:          login.New(cfg.Login.Script, log),
		ProxyPort:      cfg.Proxy.Port,
		StaticDir:      cfg.Server.StaticDir,
		MetricsPath:    cfg.Metrics.Path,
		MetricsHandler: metricsHandler,
		Logger:         log,
	})
	return d, nil
}

// buildEnv composes the child environment: the daemon's own (optional),
// then env files in order, then inline proxy.env entries.
func buildEnv(cfg *Config) ([]string, error) {
	e := env.New()
	if cfg.Proxy.UseOSEnv {
		e.FromOS()
	}
	for _, f := range cfg.Proxy.EnvFiles {
		if err := e.LoadFile(f); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return e.Merge(cfg.Proxy.Env), nil
}

// Handler is the HTTP API, ready to mount in any server or mux.
func (d *Daemon) Handler() http.Handler { return d.router.Handler() }

func (d *Daemon) Status(ctx context.Context) Status { return d.sup.Status(ctx) }

func (d *Daemon) Start(ctx context.Context) (int, error) { return d.sup.Start(ctx) }

func (d *Daemon) Stop(ctx context.Context) error { return d.sup.Stop(ctx) }

func (d *Daemon) Restart(ctx context.Context) (RestartResult, error) { return d.sup.Restart(ctx) }

// Run binds the gateway (with port fallback) and serves until ctx is
// cancelled. The supervised server is left running on return.
func (d *Daemon) Run(ctx context.Context) error {
	s := d.cfg.Server
	ln, err := server.Listen(ctx, s.Host, s.Port, s.BindAttempts, s.BindBackoff, d.log)
	if err != nil {
		return err
	}
	if d.collector != nil {
		d.collector.Start(ctx)
		defer d.collector.Stop()
	}
	d.log.Info("cliproxyctl ready",
		"addr", ln.Addr().String(),
		"proxy_binary", d.cfg.Proxy.Binary,
		"proxy_config", d.cfg.ConfigPath(),
	)
	g := server.NewGateway(ln, d.Handler(), server.GatewayOptions{
		ReadTimeout:  s.ReadTimeout,
		WriteTimeout: s.WriteTimeout,
		IdleTimeout:  s.IdleTimeout,
		Logger:       d.log,
	})
	return g.Serve(ctx)
}

// Close flushes pending history events and closes the sinks.
func (d *Daemon) Close() error {
	d.sup.Close()
	factory.CloseAll(d.sinks)
	return nil
}
