package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stevecastle/grabq/auth"
	"github.com/stevecastle/grabq/server"
)

const serveShutdownTimeout = 15 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var (
		host string
		port int
		open bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the download queue behind an HTTP API",
		Long: `Serve the job API and the Server-Sent Events stream until interrupted.
Live jobs are cancelled on shutdown and recorded in history.

Authentication is enabled when server.password_hash is set; create one with
grabq hash-password.

Examples:
  grabq serve
  grabq serve --port 9000 --open`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("host") {
				a.cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				a.cfg.Server.Port = port
			}
			return a.runServe(cmd.Context(), open)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen address (default server.host)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default server.port)")
	cmd.Flags().BoolVar(&open, "open", false, "open the API root in a browser once listening")
	return cmd
}

func (a *app) runServe(ctx context.Context, open bool) error {
	store, err := a.openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	sched := a.newScheduler(store, a.logger)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
		defer cancel()
		if err := sched.Shutdown(sctx); err != nil {
			a.logger.Warn("scheduler shutdown", zap.Error(err))
		}
	}()

	authSvc := auth.NewAuthService(a.cfg.Server.PasswordHash, a.cfg.Server.JWTSecret)
	if authSvc.Enabled() && a.cfg.Server.JWTSecret == "" {
		return errors.New("server.password_hash is set but server.jwt_secret is empty; run grabq config init")
	}
	srv := server.New(server.Deps{
		Scheduler: sched,
		History:   store,
		Auth:      authSvc,
		Logger:    a.logger,
	})

	addr := net.JoinHostPort(a.cfg.Server.Host, strconv.Itoa(a.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	url := server.URL(a.cfg.Server.Host, port)
	a.logger.Info("grabq serving",
		zap.String("url", url),
		zap.Bool("auth", authSvc.Enabled()),
		zap.Int("max_concurrency", a.cfg.Scheduler.MaxConcurrency),
	)
	if open {
		if err := browser.OpenURL(url + "healthz"); err != nil {
			a.logger.Warn("could not open browser", zap.Error(err))
		}
	}
	return srv.Serve(ctx, ln)
}
