package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/loykin/cliproxyctl"
	"github.com/loykin/cliproxyctl/internal/logger"
	"github.com/loykin/cliproxyctl/internal/pidfile"
	"github.com/loykin/cliproxyctl/pkg/client"
)

type command struct {
	out io.Writer
}

// reachable returns a client for the daemon, failing fast when nothing answers.
func (c command) reachable(ctx context.Context, f APIFlags) (*client.Client, error) {
	url := f.APIUrl
	if url == "" {
		url = defaultAPIUrl
	}
	api := client.New(client.Config{BaseURL: url, Timeout: f.APITimeout})
	if !api.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - please start daemon first with 'cliproxyctl serve'", url)
	}
	return api, nil
}

// Status prints the proxy server state reported by the daemon.
func (c command) Status(ctx context.Context, f APIFlags) error {
	api, err := c.reachable(ctx, f)
	if err != nil {
		return err
	}
	st, err := api.Status(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

// Lifecycle calls the start, stop or restart endpoint and prints the reply.
func (c command) Lifecycle(ctx context.Context, op string, f APIFlags) error {
	api, err := c.reachable(ctx, f)
	if err != nil {
		return err
	}
	var res client.Result
	switch op {
	case "start":
		var pid int
		pid, err = api.Start(ctx)
		res = client.Result{Success: err == nil, PID: pid}
	case "stop":
		err = api.Stop(ctx)
		res = client.Result{Success: err == nil}
	case "restart":
		res, err = api.Restart(ctx)
	default:
		return fmt.Errorf("unknown operation %q", op)
	}
	if err != nil {
		return err
	}
	printJSON(c.out, res)
	return nil
}

func runServe(ctx context.Context, f ServeFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := cliproxyctl.LoadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	pids := pidfile.New(cfg.Server.PIDFile)
	if f.Daemonize {
		return daemonize(pids, f.LogFile)
	}

	log, closer, err := logger.New(cfg.Log, os.Stderr)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = closer.Close() }()

	d, err := cliproxyctl.NewDaemon(cfg, cliproxyctl.Options{Logger: log})
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	if isDaemonChild() {
		defer releasePidFile(pids, os.Getpid())
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = d.Run(ctx)
	if errors.Is(err, cliproxyctl.ErrNoAvailablePort) {
		log.Error("cannot bind control API", "error", err)
	}
	if err == nil {
		log.Info("shut down")
	}
	return err
}
