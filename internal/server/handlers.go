package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loykin/cliproxyctl/internal/configstore"
	"github.com/loykin/cliproxyctl/internal/login"
	"github.com/loykin/cliproxyctl/internal/supervisor"
)

type errorResp struct {
	Error string `json:"error"`
}

type resultResp struct {
	Success bool   `json:"success"`
	PID     int    `json:"pid,omitempty"`
	Error   string `json:"error,omitempty"`
}

type restartResp struct {
	Success   bool   `json:"success"`
	PID       int    `json:"pid,omitempty"`
	Restarted *bool  `json:"restarted,omitempty"`
	Error     string `json:"error,omitempty"`
}

type statusResp struct {
	Running   bool   `json:"running"`
	PID       *int   `json:"pid"`
	Port      int    `json:"port"`
	StartTime *int64 `json:"startTime"`
}

type modelsResp struct {
	Success bool     `json:"success"`
	Models  []string `json:"models"`
	Error   string   `json:"error,omitempty"`
}

type statsResp struct {
	Total      int     `json:"total"`
	Success    int     `json:"success"`
	Errors     int     `json:"errors"`
	AvgLatency float64 `json:"avgLatency"`
}

type configResp struct {
	Success bool    `json:"success"`
	Content *string `json:"content,omitempty"`
	Error   string  `json:"error,omitempty"`
}

type updateResp struct {
	Success        bool   `json:"success"`
	HasUpdate      bool   `json:"hasUpdate"`
	CurrentVersion string `json:"currentVersion"`
	LatestVersion  string `json:"latestVersion"`
	ReleaseNotes   string `json:"releaseNotes"`
}

type loginResp struct {
	Success      bool   `json:"success"`
	Message      string `json:"message,omitempty"`
	Error        string `json:"error,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// opCtx detaches lifecycle work from client disconnects. The returned
// context is still cancelled when the serving gateway shuts down.
func opCtx(c *gin.Context) (context.Context, context.CancelFunc) {
	rc := c.Request.Context()
	ctx, cancel := context.WithCancel(context.WithoutCancel(rc))
	if run, ok := rc.Value(runCtxKey{}).(context.Context); ok {
		stop := context.AfterFunc(run, cancel)
		return ctx, func() {
			stop()
			cancel()
		}
	}
	return ctx, cancel
}

// errorMessage renders an error the way the control panel displays it.
func errorMessage(err error) string {
	switch {
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		return "Server is already running"
	case errors.Is(err, supervisor.ErrNotRunning):
		return "Server is not running"
	case errors.Is(err, supervisor.ErrRestartFailed):
		return "Server failed to start after restart"
	case errors.Is(err, supervisor.ErrStartFailed):
		return "Server failed to start"
	case errors.Is(err, configstore.ErrNotFound):
		return "Config file not found"
	case errors.Is(err, login.ErrMissingProvider):
		return "Provider not specified"
	case errors.Is(err, login.ErrNoTerminal):
		return "No terminal emulator found"
	}
	return err.Error()
}

func (r *Router) handleStatus(c *gin.Context) {
	ctx, cancel := opCtx(c)
	defer cancel()
	st := r.sup.Status(ctx)
	resp := statusResp{Running: st.Running, Port: r.proxyPort}
	if st.Running {
		pid := st.PID
		ms := st.StartedAtMillis()
		resp.PID = &pid
		resp.StartTime = &ms
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleAuthStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.cfg.AuthStatus())
}

func (r *Router) handleModels(c *gin.Context) {
	ctx, cancel := opCtx(c)
	defer cancel()
	running := r.sup.Status(ctx).Running
	ids, err := r.models.Models(ctx, running)
	if err != nil {
		resp := modelsResp{Success: false, Models: []string{}}
		if running {
			resp.Error = err.Error()
		}
		writeJSON(c, http.StatusOK, resp)
		return
	}
	writeJSON(c, http.StatusOK, modelsResp{Success: true, Models: ids})
}

func (r *Router) handleStats(c *gin.Context) {
	writeJSON(c, http.StatusOK, statsResp{})
}

func (r *Router) handleGetConfig(c *gin.Context) {
	content, err := r.cfg.Read()
	if err != nil {
		writeJSON(c, http.StatusOK, configResp{Success: false, Error: errorMessage(err)})
		return
	}
	writeJSON(c, http.StatusOK, configResp{Success: true, Content: &content})
}

func (r *Router) handleSaveConfig(c *gin.Context) {
	body := readBody(c)
	content, ok := stringField(body, "content")
	if !ok {
		if v, present := body["content"]; present && v != nil {
			writeJSON(c, http.StatusOK, resultResp{Success: false, Error: "content must be a string"})
			return
		}
	}
	if err := r.cfg.Write(content); err != nil {
		r.log.Error("save config", "error", err)
		writeJSON(c, http.StatusOK, resultResp{Success: false, Error: errorMessage(err)})
		return
	}
	writeJSON(c, http.StatusOK, resultResp{Success: true})
}

func (r *Router) handleUpdateCheck(c *gin.Context) {
	ctx, cancel := opCtx(c)
	defer cancel()
	res := r.updates.Check(ctx)
	writeJSON(c, http.StatusOK, updateResp{
		Success:        true,
		HasUpdate:      res.HasUpdate,
		CurrentVersion: res.CurrentVersion,
		LatestVersion:  res.LatestVersion,
		ReleaseNotes:   res.ReleaseNotes,
	})
}

func (r *Router) handleApplyUpdate(c *gin.Context) {
	writeJSON(c, http.StatusOK, resultResp{Success: false, Error: "Updates not implemented yet"})
}

func (r *Router) handleStart(c *gin.Context) {
	ctx, cancel := opCtx(c)
	defer cancel()
	pid, err := r.sup.Start(ctx)
	if err != nil {
		writeJSON(c, http.StatusOK, resultResp{Success: false, Error: errorMessage(err)})
		return
	}
	writeJSON(c, http.StatusOK, resultResp{Success: true, PID: pid})
}

func (r *Router) handleStop(c *gin.Context) {
	ctx, cancel := opCtx(c)
	defer cancel()
	if err := r.sup.Stop(ctx); err != nil {
		writeJSON(c, http.StatusOK, resultResp{Success: false, Error: errorMessage(err)})
		return
	}
	writeJSON(c, http.StatusOK, resultResp{Success: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	ctx, cancel := opCtx(c)
	defer cancel()
	res, err := r.sup.Restart(ctx)
	if err != nil {
		writeJSON(c, http.StatusOK, restartResp{Success: false, Error: errorMessage(err)})
		return
	}
	was := res.WasRunning
	writeJSON(c, http.StatusOK, restartResp{Success: true, PID: res.PID, Restarted: &was})
}

func (r *Router) handleProviderLogin(c *gin.Context) {
	body := readBody(c)
	id, ok := stringField(body, "provider")
	if !ok {
		if v, present := body["provider"]; present && v != nil {
			id = fmt.Sprint(v)
		}
	}
	msg, err := r.login.Login(id)
	switch {
	case err == nil:
		writeJSON(c, http.StatusOK, loginResp{Success: true, Message: msg})
	case errors.Is(err, login.ErrUnknownProvider):
		writeJSON(c, http.StatusOK, loginResp{Success: false, Error: "Unknown provider: " + id})
	case errors.Is(err, login.ErrNoTerminal):
		writeJSON(c, http.StatusOK, loginResp{
			Success:      false,
			Error:        errorMessage(err),
			Instructions: r.login.Instructions(id),
		})
	default:
		writeJSON(c, http.StatusOK, loginResp{Success: false, Error: errorMessage(err)})
	}
}

func (r *Router) handleNoRoute(c *gin.Context) {
	if c.Request.Method == http.MethodGet && !isAPIPath(c.Request.URL.Path) {
		r.serveStatic(c)
		return
	}
	writeJSON(c, http.StatusNotFound, errorResp{Error: "Not Found"})
}
