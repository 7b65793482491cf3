package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Domenick1991/tutorbooking/config"
	"github.com/Domenick1991/tutorbooking/internal/bootstrap"
	"github.com/Domenick1991/tutorbooking/internal/domain"
	"github.com/Domenick1991/tutorbooking/internal/events"
	"github.com/Domenick1991/tutorbooking/internal/notify"
	"github.com/Domenick1991/tutorbooking/internal/obs"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "worker")
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("load .env", "error", err)
	}

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := obs.InitTracer(ctx, cfg.Tracing, "worker")
	if err != nil {
		logger.Error("init tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	svc, err := bootstrap.NewServices(ctx, cfg, logger)
	if err != nil {
		logger.Error("build services", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	if !svc.SharedStorage() {
		logger.Error("worker needs shared storage; the app sweeps in-memory reservations itself", "driver", cfg.Database.Driver)
		svc.Close()
		os.Exit(1)
	}

	var wg sync.WaitGroup

	sweeper := svc.NewSweeper()
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx, svc.SweepInterval())
	}()

	if cfg.Events.Driver != "none" {
		sender := notify.NewSender(logger)
		consume(ctx, &wg, svc, logger, cfg.Events.RefundsTopic, "refunds", refundHandler(svc, logger))
		consume(ctx, &wg, svc, logger, cfg.Events.NotificationsTopic, "notifications", sender.Handler())
	}

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()
}

func consume(ctx context.Context, wg *sync.WaitGroup, svc *bootstrap.Services, logger *slog.Logger, topic, name string, handler events.Handler) {
	if topic == "" {
		return
	}
	sub, err := svc.Subscribe(topic, name)
	if err != nil {
		logger.Error("subscribe", "topic", topic, "error", err)
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer sub.Close()
		if err := sub.Consume(ctx, handler); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("consumer stopped", "topic", topic, "error", err)
		}
	}()
}

const refundAttempts = 3

// refundHandler executes refunds requested on the bus. A refund the gateway keeps rejecting
// is logged and acknowledged; the session keeps its refund_requested flag for follow-up.
func refundHandler(svc *bootstrap.Services, logger *slog.Logger) events.Handler {
	return func(ctx context.Context, event events.Event) error {
		if event.Type != events.TypeRefundRequested {
			return nil
		}
		var err error
		for attempt := 1; attempt <= refundAttempts; attempt++ {
			var session *domain.PaymentSession
			session, err = svc.Payments.Refund(ctx, event.OrderID, event.Reason)
			if err == nil {
				logger.Info("refund completed", "order_id", session.OrderID, "reservation_id", session.ReservationID, "amount", session.Amount)
				return nil
			}
			if errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, domain.ErrPaymentSessionNotFound) {
				logger.Warn("skip refund", "order_id", event.OrderID, "error", err)
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
		logger.Error("refund failed", "order_id", event.OrderID, "reservation_id", event.ReservationID, "error", err)
		return nil
	}
}
