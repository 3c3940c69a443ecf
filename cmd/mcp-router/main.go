// Command mcp-router serves an MCP engine over HTTP in one of three modes:
// the legacy SSE transport, stateless streamable HTTP, or stateful
// streamable HTTP with a session registry.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/mcp-session-router/auth"
	"github.com/ggoodman/mcp-session-router/sessions/redismirror"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := newRootCommand(&cfg).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "mcp-router",
		Short:         "Serve an MCP engine over HTTP with session routing",
		SilenceUsage:  true,
		SilenceErrors: false,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			level, _ := parseLevel(cfg.LogLevel)
			log := newLogger(os.Stderr, level, cfg.LogJSON)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, *cfg, log)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address (MCP_ADDR)")
	f.StringVar(&cfg.Mode, "mode", cfg.Mode, "transport mode: sse, stateless or stateful (MCP_MODE)")
	f.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "streamable endpoint path (MCP_ENDPOINT)")
	f.StringVar(&cfg.SSEEndpoint, "sse-endpoint", cfg.SSEEndpoint, "legacy stream path (MCP_SSE_ENDPOINT)")
	f.StringVar(&cfg.MessagesEndpoint, "messages-endpoint", cfg.MessagesEndpoint, "legacy message path (MCP_MESSAGES_ENDPOINT)")
	f.DurationVar(&cfg.KeepAlive, "keepalive", cfg.KeepAlive, "legacy stream ping interval (MCP_KEEPALIVE)")
	f.BoolVar(&cfg.JSONResponse, "json-response", cfg.JSONResponse, "answer streamable POSTs with JSON instead of SSE (MCP_JSON_RESPONSE)")
	f.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "grace period for open requests (MCP_SHUTDOWN_TIMEOUT)")
	f.StringVar(&cfg.OIDCIssuer, "oidc-issuer", cfg.OIDCIssuer, "verify bearer tokens issued by this OIDC issuer (OIDC_ISSUER)")
	f.StringVar(&cfg.Audience, "audience", cfg.Audience, "required token audience (MCP_AUDIENCE)")
	f.StringVar(&cfg.PublicURL, "public-url", cfg.PublicURL, "public endpoint URL for protected resource metadata (MCP_PUBLIC_URL)")
	f.BoolVar(&cfg.RedisMirror, "redis-mirror", cfg.RedisMirror, "mirror sessions to Redis, configured by REDIS_ADDR (MCP_REDIS_MIRROR)")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (LOG_LEVEL)")
	f.BoolVar(&cfg.LogJSON, "json", cfg.LogJSON, "log JSON even on a terminal (LOG_JSON)")

	return cmd
}

func run(ctx context.Context, cfg Config, log *slog.Logger) error {
	d := deps{log: log, factory: defaultFactory(log)}

	if cfg.OIDCIssuer != "" {
		a, err := auth.NewFromDiscovery(ctx, cfg.OIDCIssuer, cfg.Audience)
		if err != nil {
			return fmt.Errorf("configure authentication: %w", err)
		}
		d.authenticator = a
	}

	if cfg.RedisMirror {
		m, err := redismirror.NewFromEnv(ctx, redismirror.WithLogger(log))
		if err != nil {
			return fmt.Errorf("connect redis mirror: %w", err)
		}
		defer m.Close()
		d.mirror = m
	}

	a, err := buildApp(cfg, d)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http.listen", slog.String("addr", cfg.Addr), slog.String("mode", cfg.Mode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout)
		defer cancel()

		n := a.closeAll(shutdownCtx)
		log.Info("http.shutdown", slog.Int("sessions_closed", n))
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http.shutdown.fail", slog.String("err", err.Error()))
			return srv.Close()
		}
		a.Close()
		if d.mirror != nil {
			if _, err := d.mirror.Purge(shutdownCtx); err != nil {
				log.Warn("redismirror.purge.fail", slog.String("err", err.Error()))
			}
		}
		return nil
	})
	if d.mirror != nil {
		g.Go(func() error {
			err := d.mirror.Watch(gctx, func(ev redismirror.Event) {
				if ev.Instance == d.mirror.Instance() {
					return
				}
				log.Debug("redismirror.peer.event", slog.String("event", string(ev.Event)), slog.String("session_id", ev.SessionID), slog.String("instance", ev.Instance))
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	return g.Wait()
}
