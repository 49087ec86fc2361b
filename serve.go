package main

import (
	"context"
	"crypto/x509"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/breez/data-mirror/docrpc"
	"github.com/breez/data-mirror/metrics"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/improbable-eng/grpc-web/go/grpcweb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the document store over gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, rootOpts)
		},
	}
}

func serve(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := opts.loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServe(); err != nil {
		return WrapExitError(ExitFailure, "invalid configuration", err)
	}
	logger, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}

	storage, err := openDocuments(cfg.Server.SQLitePath, cfg.Server.PgDatabaseUrl)
	if err != nil {
		return WrapExitError(ExitFatal, "failed to open document store", err)
	}
	defer storage.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	serverMetrics, err := metrics.NewServerMetrics(registry)
	if err != nil {
		return WrapExitError(ExitFatal, "failed to set up metrics", err)
	}

	grpcListener, err := net.Listen("tcp", cfg.Server.GrpcListenAddress)
	if err != nil {
		return WrapExitError(ExitFatal, "failed to listen", err)
	}

	quitChan := make(chan struct{})
	defer close(quitChan)
	var caCert *x509.Certificate
	if cfg.Server.CACert != nil {
		caCert = cfg.Server.CACert.Raw
	}
	documentServer := NewDocumentStoreServer(storage, caCert, logger)
	documentServer.Start(quitChan)
	s := CreateServer(documentServer, serverMetrics)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server listening", "address", cfg.Server.GrpcListenAddress)
		return s.Serve(grpcListener)
	})
	var httpServers []*http.Server
	if addr := cfg.Server.GrpcWebListenAddress; addr != "" {
		wrapped := grpcweb.WrapServer(s, grpcweb.WithOriginFunc(func(string) bool { return true }))
		httpServers = append(httpServers, &http.Server{Addr: addr, Handler: cors.AllowAll().Handler(wrapped)})
	}
	if addr := cfg.Server.MetricsListenAddress; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(registry))
		httpServers = append(httpServers, &http.Server{Addr: addr, Handler: mux})
	}
	for _, srv := range httpServers {
		srv := srv
		g.Go(func() error {
			logger.Info("http listener starting", "address", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdown(logger, s, httpServers)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return WrapExitError(ExitFatal, "server failed", err)
	}
	return nil
}

func shutdown(logger *slog.Logger, s *grpc.Server, httpServers []*http.Server) {
	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range httpServers {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("http shutdown failed", "address", srv.Addr, "error", err)
		}
	}
	stopped := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.Stop()
	}
}

// CreateServer builds the gRPC server. serverMetrics may be nil.
func CreateServer(documentServer docrpc.DocumentStoreServer, serverMetrics *grpcprom.ServerMetrics) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             time.Second * 5,
			PermitWithoutStream: true,
		}),
		grpc.ForceServerCodec(docrpc.Codec{}),
	}
	if serverMetrics != nil {
		opts = append(opts,
			grpc.ChainUnaryInterceptor(serverMetrics.UnaryServerInterceptor()),
			grpc.ChainStreamInterceptor(serverMetrics.StreamServerInterceptor()),
		)
	}
	s := grpc.NewServer(opts...)
	docrpc.RegisterDocumentStoreServer(s, documentServer)
	if serverMetrics != nil {
		serverMetrics.InitializeMetrics(s)
	}
	return s
}
