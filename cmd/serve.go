package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/api"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/grpc"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/ratelimit"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var httpAddr, grpcAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and gRPC APIs",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := opts.settings
			if httpAddr != "" {
				s.Server.HTTPAddr = httpAddr
			}
			if grpcAddr != "" {
				s.Server.GRPCAddr = grpcAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (overrides server.http_addr)")
	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "gRPC listen address (overrides server.grpc_addr)")
	return cmd
}

// serve runs both servers and the health monitor until ctx is done or a
// server fails.
func serve(ctx context.Context, opts *rootOptions) error {
	s, logger := opts.settings, opts.logger
	a, err := newApp(ctx, s, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.Warn("shutdown_incomplete", "error", err.Error())
		}
	}()

	httpSrv := api.NewServer(a.orch, a.history, a.bus, api.Options{
		AllowedOrigins: s.Server.AllowedOrigins,
		JWTSecret:      s.Server.JWTSecret,
		Limits: ratelimit.Limits{
			PerMinute: s.Server.RequestsPerMinute,
			PerHour:   s.Server.RequestsPerHour,
		},
		Stats: a.registry,
	}, logger)
	grpcSrv := grpc.NewServer(s.Server.GRPCAddr, grpc.NewQueryService(a.orch, a.bus, logger), logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.ListenAndServe(ctx, s.Server.HTTPAddr) })
	g.Go(func() error { return grpcSrv.Start(ctx) })
	g.Go(func() error {
		a.monitor.Run(ctx, s.Server.HealthInterval(), grpcSrv.UpdateHealth)
		return nil
	})

	logger.Info("queryrouter_started", "http", s.Server.HTTPAddr, "grpc", s.Server.GRPCAddr, "version", Version)
	err = g.Wait()
	logger.Info("queryrouter_stopped")
	return err
}
