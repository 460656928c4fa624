package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loykin/cliproxyctl/internal/supervisor"
	"github.com/loykin/cliproxyctl/internal/update"
)

// Router maps the control-panel API onto the supervisor and config store.
//
//	GET  /api/status          server state
//	GET  /api/auth-status     provider -> configured
//	GET  /api/models          models advertised by the running server
//	GET  /api/stats           placeholder counters
//	GET  /api/config          raw config document
//	GET  /api/update/check    release feed lookup
//	POST /api/start | /api/stop | /api/restart
//	POST /api/config          body {content}
//	POST /api/provider/login  body {provider}
//	POST /api/update/apply    not implemented
//
// Other GET paths are served from the static directory. OPTIONS on any path
// answers the CORS preflight.
type Router struct {
	sup       Supervisor
	cfg       ConfigStore
	models    ModelLister
	updates   UpdateChecker
	login     LoginLauncher
	proxyPort int
	staticDir string
	metrics   http.Handler
	metricsAt string
	log       *slog.Logger
}

// Supervisor is the lifecycle surface the router drives.
type Supervisor interface {
	Status(ctx context.Context) supervisor.Status
	Start(ctx context.Context) (int, error)
	Stop(ctx context.Context) error
	Restart(ctx context.Context) (supervisor.RestartResult, error)
}

type ConfigStore interface {
	Read() (string, error)
	Write(content string) error
	AuthStatus() map[string]bool
}

type ModelLister interface {
	Models(ctx context.Context, running bool) ([]string, error)
}

type UpdateChecker interface {
	Check(ctx context.Context) update.Result
}

type LoginLauncher interface {
	Login(provider string) (string, error)
	Instructions(provider string) string
}

// Options wires a Router. MetricsHandler is mounted at MetricsPath when both
// are set.
type Options struct {
	Supervisor     Supervisor
	Config         ConfigStore
	Models         ModelLister
	Updates        UpdateChecker
	Login          LoginLauncher
	ProxyPort      int
	StaticDir      string
	MetricsPath    string
	MetricsHandler http.Handler
	Logger         *slog.Logger
}

func NewRouter(o Options) *Router {
	l := o.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Router{
		sup:       o.Supervisor,
		cfg:       o.Config,
		models:    o.Models,
		updates:   o.Updates,
		login:     o.Login,
		proxyPort: o.ProxyPort,
		staticDir: o.StaticDir,
		metrics:   o.MetricsHandler,
		metricsAt: o.MetricsPath,
		log:       l.With("component", "http"),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.RedirectTrailingSlash = false
	g.RedirectFixedPath = false
	g.HandleMethodNotAllowed = false
	g.Use(gin.Recovery(), cors(), requestLog(r.log))

	api := g.Group("/api")
	api.GET("/status", r.handleStatus)
	api.GET("/auth-status", r.handleAuthStatus)
	api.GET("/models", r.handleModels)
	api.GET("/stats", r.handleStats)
	api.GET("/config", r.handleGetConfig)
	api.GET("/update/check", r.handleUpdateCheck)
	api.POST("/start", r.handleStart)
	api.POST("/stop", r.handleStop)
	api.POST("/restart", r.handleRestart)
	api.POST("/config", r.handleSaveConfig)
	api.POST("/provider/login", r.handleProviderLogin)
	api.POST("/update/apply", r.handleApplyUpdate)

	if r.metrics != nil && r.metricsAt != "" {
		g.GET(r.metricsAt, gin.WrapH(r.metrics))
	}
	g.NoRoute(r.handleNoRoute)
	return g
}
