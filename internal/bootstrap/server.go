package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/Domenick1991/tutorbooking/api"
	"github.com/Domenick1991/tutorbooking/internal/auth"
	"github.com/gin-gonic/gin"
	httpSwagger "github.com/swaggo/http-swagger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

type Servers struct {
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	logger     *slog.Logger
}

// Run starts the gRPC health server and the HTTP API and blocks until ctx is canceled or a
// server fails. With in-memory storage no worker can see this process's holds, so the
// expiry sweeper runs here instead.
func Run(ctx context.Context, svc *Services, logger *slog.Logger) error {
	s := newServers(svc, logger)
	cfg := svc.Config

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !svc.SharedStorage() {
		sweeper := svc.NewSweeper()
		wg.Add(1)
		go func() {
			defer wg.Done()
			sweeper.Run(ctx, svc.SweepInterval())
		}()
		logger.Info("expiry sweeper running in-process", "interval", svc.SweepInterval())
	}

	errCh := make(chan error, 2)

	lis, err := net.Listen("tcp", cfg.GRPC.Address)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPC.Address, err)
	}
	go func() { errCh <- s.grpcServer.Serve(lis) }()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info("servers started", "http", cfg.HTTP.Address, "grpc", cfg.GRPC.Address)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.health.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.grpcServer.GracefulStop()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	}
}

func newServers(svc *Services, logger *slog.Logger) *Servers {
	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	reflection.Register(grpcSrv)
	healthSrv.SetServingStatus("tutorbooking", healthpb.HealthCheckResponse_SERVING)

	return &Servers{
		grpcServer: grpcSrv,
		health:     healthSrv,
		httpServer: &http.Server{
			Addr:              svc.Config.HTTP.Address,
			Handler:           NewRouter(svc, auth.NewTokens(svc.Config.Auth.JWTSecret), logger),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// NewRouter mounts the student API under /api/v1 behind bearer auth. The gateway
// callback stays public because it is authenticated by its signature.
func NewRouter(svc *Services, tokens *auth.Tokens, logger *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	public := router.Group("/api/v1")
	private := router.Group("/api/v1", tokens.Middleware())

	api.NewOccurrenceHandler(svc.Occurrences, svc.Availability, svc.Location, svc.Config.Reservation.MaxWeekdaysPerWeek).Register(private)
	api.NewReservationHandler(svc.Reservations, nil).Register(private)
	api.NewNextPeriodHandler(svc.NextPeriod, svc.Reservations, nil).Register(private)

	payments := api.NewPaymentHandler(svc.Payments, svc.Settlement, svc.Reservations, nil)
	payments.Register(private)
	payments.RegisterPublic(public)

	if dir := svc.Config.HTTP.SwaggerDir; dir != "" {
		router.StaticFile("/swagger/doc.json", filepath.Join(dir, "tutorbooking.swagger.json"))
		router.GET("/docs/*any", gin.WrapH(httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json"))))
	}
	return router
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Error("request", attrs...)
			return
		}
		logger.Info("request", attrs...)
	}
}
