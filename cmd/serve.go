package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/substack-intel/internal/config"
	"github.com/sells-group/substack-intel/internal/pipeline"
	"github.com/sells-group/substack-intel/internal/server"
	"github.com/sells-group/substack-intel/internal/session"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP trigger surface and the scheduled trigger",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, config.ModeServe)
		if err != nil {
			return err
		}
		defer env.Close()

		serverCfg := cfg.Server
		serverCfg.Port = resolvePort(servePort, cfg.Server.Port)

		srv := server.New(ctx, serverCfg, server.Deps{
			Pipeline:   env.Orchestrator,
			Events:     env.Orchestrator.Progress(),
			Companies:  env.Store,
			Sessions:   session.NewTokenProvider(cfg.Session.Tokens),
			CronSecret: cfg.Session.CronSecret,
			Health: func(ctx context.Context) error {
				_, err := env.Store.CountEmailsByStatus(ctx, cfg.Gmail.UserID)
				return err
			},
		})

		g, gctx := errgroup.WithContext(ctx)
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout(cfg.Server))
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		if cfg.Schedule.Enabled {
			sched, err := pipeline.NewRunAllScheduler(cfg.Schedule.Cron, env.Orchestrator)
			if err != nil {
				return err
			}
			g.Go(func() error { return sched.Run(gctx) })
		} else {
			zap.L().Info("scheduled trigger disabled")
		}

		return g.Wait()
	},
}

// resolvePort prefers the --port flag over the configured port.
func resolvePort(flagPort, cfgPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfgPort
}

func shutdownTimeout(sc config.ServerConfig) time.Duration {
	if sc.ShutdownTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(sc.ShutdownTimeout) * time.Second
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
