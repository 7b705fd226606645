// Template server
// Serves the template engine over gRPC with metrics and health over HTTP
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/RsousaIA/agentewhatsappia-sub001/internal/config"
	"github.com/RsousaIA/agentewhatsappia-sub001/internal/logger"
	"github.com/RsousaIA/agentewhatsappia-sub001/internal/metrics"
	"github.com/RsousaIA/agentewhatsappia-sub001/internal/server"
	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/engine"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "templated: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("templated", os.Args[1:])
	if err != nil {
		return err
	}

	log := logger.InitGlobalLogger(logger.Config{
		Level:      cfg.Log.Level,
		Pretty:     cfg.Log.Pretty,
		WithCaller: cfg.Log.Caller,
	})
	log.LogServerStart(cfg.Server.Port, cfg.Storage.Backend, cfg.Storage.Path)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)
	m.StartUptime(10 * time.Second)
	defer m.Stop()

	eng, err := engine.Open(cfg.EngineSettings(),
		engine.WithLogger(*log.GetZerolog()),
		engine.WithRecorder(m),
	)
	if err != nil {
		return err
	}
	defer eng.Close()

	svc := server.NewServer(eng, m, log)

	var obs *server.ObservabilityServer
	if cfg.Observability.Enabled {
		obs = server.NewObservabilityServer(cfg.Observability.Port, reg, svc, log)
		go func() {
			if err := obs.Start(); err != nil {
				log.Error().Err(err).Msg("observability server stopped")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := svc.LoadCatalog(ctx); err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(cfg.Server.MaxRecvMsgBytes),
		grpc.UnaryInterceptor(server.GrpcMetricsInterceptor(m, log)),
	)
	server.RegisterTemplateServiceServer(grpcServer, svc)
	if cfg.Server.Reflection {
		reflection.Register(grpcServer)
	}

	go func() {
		<-ctx.Done()
		log.LogServerShutdown()
		grpcServer.GracefulStop()
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := obs.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("observability shutdown")
			}
		}
	}()

	log.LogServerReady(cfg.Server.Port)
	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
