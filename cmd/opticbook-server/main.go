package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"opticbook/internal/booking"
	"opticbook/internal/config"
	"opticbook/internal/events"
	"opticbook/internal/httpx"
	"opticbook/internal/otelx"
	"opticbook/internal/service/appointments"
	"opticbook/internal/slots"
	"opticbook/internal/store/postgres"
	"opticbook/internal/transport/httpapi"
)

const serviceName = "opticbook-server"

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With(
		slog.String("service", serviceName),
	)
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	srv := cfg.Server

	log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)})).With(
		slog.String("service", serviceName),
	)
	slog.SetDefault(log)

	log.Info("starting",
		slog.String("http_addr", srv.HTTPAddr()),
		slog.String("grpc_addr", srv.GRPCAddr),
		slog.String("log_level", cfg.LogLevel),
		slog.String("policy", cfg.Policy.String()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otelx.Setup(ctx, otelx.Config{
		Enabled:     srv.OtelEnabled,
		ServiceName: serviceName,
		Endpoint:    srv.OtelEndpoint,
		SampleRatio: srv.OtelSampleRatio,
	})
	if err != nil {
		log.Error("tracing setup failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("tracing shutdown failed", slog.Any("err", err))
		}
	}()

	rules, err := slots.New(cfg.Slots)
	if err != nil {
		log.Error("slot rules invalid", slog.Any("err", err))
		os.Exit(1)
	}

	log.Info("connecting to database", databaseLogArgs(srv.DatabaseURL)...)
	db, err := postgres.Open(srv.DatabaseURL, postgres.PoolConfig{
		MaxOpenConns:    srv.DBMaxOpenConns,
		MaxIdleConns:    srv.DBMaxIdleConns,
		ConnMaxLifetime: srv.DBConnMaxLifetime,
		ConnMaxIdleTime: srv.DBConnMaxIdleTime,
	})
	if err != nil {
		args := append([]any{slog.Any("err", err)}, databaseLogArgs(srv.DatabaseURL)...)
		log.Error("database connection failed", args...)
		os.Exit(1)
	}
	defer func() {
		if err := postgres.Close(db); err != nil {
			log.Warn("database close failed", slog.Any("err", err))
		}
	}()

	checks := []httpx.ReadyCheck{{Name: "database", Check: postgres.ReadyCheck(db)}}

	var publisher events.Publisher = events.Nop{}
	if srv.KafkaBrokers != "" {
		kp, err := events.NewKafkaPublisher(srv.KafkaBrokers, log)
		if err != nil {
			log.Error("kafka publisher failed", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := kp.Close(); err != nil {
				log.Warn("kafka publisher close failed", slog.Any("err", err))
			}
		}()
		publisher = kp
		checks = append(checks, httpx.ReadyCheck{Name: "kafka", Check: events.ReadyCheck(srv.KafkaBrokers)})
	}

	repo := postgres.NewAppointmentRepo(db)
	svc := appointments.NewService(repo, booking.Guard{Rules: rules, Policy: cfg.Policy}, publisher, log)

	middleware := []httpx.Middleware{
		httpx.WithRequestID,
		httpx.WithAccessLog(log),
		httpx.WithCORS(srv.CORSOrigins),
	}
	if srv.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: srv.RedisAddr})
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warn("redis close failed", slog.Any("err", err))
			}
		}()
		limiter := httpx.NewRateLimiter(rdb, srv.RateLimit, srv.RateLimitWindow, "")
		middleware = append(middleware, limiter.Middleware(log, srv.RateLimitFailOpen))
		checks = append(checks, httpx.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	middleware = append(middleware,
		httpx.WithBodyLimit(srv.HTTPBodyLimit),
		httpx.WithTimeout(srv.HTTPRequestTimeout),
	)

	mux := httpx.NewBaseMux(checks...)
	api := httpx.Chain(httpapi.NewHandler(svc, log), middleware...)
	mux.Handle("/", otelhttp.NewHandler(api, "opticbook.wire"))

	httpServer := &http.Server{
		Addr:              srv.HTTPAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	healthServer := health.NewServer()
	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(defaultRequestTimeoutInterceptor(srv.GRPCRequestTimeout)),
	)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", srv.GRPCAddr)
	if err != nil {
		log.Error("grpc listen failed", slog.Any("err", err), slog.String("grpc_addr", srv.GRPCAddr))
		os.Exit(1)
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Info("servers started", slog.String("http_addr", srv.HTTPAddr()), slog.String("grpc_addr", srv.GRPCAddr))

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("server stopped with error", slog.Any("err", err))
		}
	}
	healthServer.Shutdown()
	shutdown(log, httpServer, grpcServer, srv.ShutdownTimeout)
}

func defaultRequestTimeoutInterceptor(timeout time.Duration) grpc.UnaryServerInterceptor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := ctx.Deadline(); ok {
			return handler(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		return handler(ctx, req)
	}
}

// shutdown drains HTTP first, then gRPC, within one timeout.
func shutdown(log *slog.Logger, h *http.Server, g *grpc.Server, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	log.Info("shutting down", slog.Duration("timeout", timeout))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := h.Shutdown(ctx); err != nil {
		log.Warn("http shutdown failed", slog.Any("err", err))
	}

	done := make(chan struct{})
	go func() {
		g.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("servers stopped")
	case <-ctx.Done():
		log.Warn("grpc graceful shutdown timed out; forcing stop")
		g.Stop()
	}
}

func databaseLogArgs(databaseURL string) []any {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return []any{slog.String("db_url", "invalid")}
	}
	name := strings.TrimPrefix(u.Path, "/")
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "default"
	}
	if host == "" {
		host = "unknown"
	}
	if name == "" {
		name = "unknown"
	}
	return []any{
		slog.String("db_host", host),
		slog.String("db_port", port),
		slog.String("db_name", name),
	}
}
