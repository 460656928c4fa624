package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

const (
	DefaultBindAttempts = 5
	DefaultBindBackoff  = 500 * time.Millisecond
)

// ErrNoAvailablePort is returned by Listen once every candidate port was in use.
var ErrNoAvailablePort = errors.New("no available port")

// Listen binds host:port, moving on to the next port whenever the address is
// already in use. At most attempts consecutive ports are tried with backoff
// between them. Any bind error other than "address in use" is returned as is.
func Listen(ctx context.Context, host string, port, attempts int, backoff time.Duration, log *slog.Logger) (net.Listener, error) {
	if log == nil {
		log = slog.Default()
	}
	if attempts <= 0 {
		attempts = DefaultBindAttempts
	}
	if backoff < 0 {
		backoff = 0
	}
	var lc net.ListenConfig
	for i := 0; i < attempts; i++ {
		p := port + i
		ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err == nil {
			if i > 0 {
				log.Warn("configured port busy, bound to fallback", "configured", port, "port", p)
			}
			return ln, nil
		}
		if !isAddrInUse(err) {
			return nil, err
		}
		log.Warn("port in use", "port", p, "attempt", i+1, "of", attempts)
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return nil, fmt.Errorf("%w: ports %d-%d are in use; stop the other instance with `pkill -f cliproxyctl` or free the port with `kill $(lsof -ti:%d)`",
		ErrNoAvailablePort, port, port+attempts-1, port)
}

// GatewayOptions configures the HTTP server wrapped by a Gateway.
type GatewayOptions struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Logger       *slog.Logger
}

// runCtxKey carries the Serve context into request contexts.
type runCtxKey struct{}

// Gateway serves a handler on an already-bound listener.
type Gateway struct {
	ln  net.Listener
	srv *http.Server
	log *slog.Logger
}

func NewGateway(ln net.Listener, h http.Handler, o GatewayOptions) *Gateway {
	l := o.Logger
	if l == nil {
		l = slog.Default()
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 15 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 30 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	return &Gateway{
		ln: ln,
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       o.ReadTimeout,
			WriteTimeout:      o.WriteTimeout,
			IdleTimeout:       o.IdleTimeout,
			ErrorLog:          slog.NewLogLogger(l.Handler(), slog.LevelWarn),
		},
		log: l,
	}
}

// Addr is the bound listen address.
func (g *Gateway) Addr() net.Addr { return g.ln.Addr() }

// Serve blocks until ctx is cancelled, then shuts the server down gracefully.
// It returns nil on a clean shutdown.
func (g *Gateway) Serve(ctx context.Context) error {
	g.srv.BaseContext = func(net.Listener) context.Context {
		return context.WithValue(context.Background(), runCtxKey{}, ctx)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- g.srv.Serve(g.ln) }()
	g.log.Info("listening", "addr", g.ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := g.srv.Shutdown(sctx); err != nil {
		_ = g.srv.Close()
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
