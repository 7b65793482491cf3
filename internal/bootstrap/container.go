package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Domenick1991/tutorbooking/config"
	"github.com/Domenick1991/tutorbooking/internal/cache"
	"github.com/Domenick1991/tutorbooking/internal/events"
	"github.com/Domenick1991/tutorbooking/internal/gateway"
	"github.com/Domenick1991/tutorbooking/internal/kafka"
	"github.com/Domenick1991/tutorbooking/internal/mq"
	"github.com/Domenick1991/tutorbooking/internal/repository"
	"github.com/Domenick1991/tutorbooking/internal/service/availability"
	"github.com/Domenick1991/tutorbooking/internal/service/confirmation"
	"github.com/Domenick1991/tutorbooking/internal/service/nextperiod"
	"github.com/Domenick1991/tutorbooking/internal/service/occurrence"
	"github.com/Domenick1991/tutorbooking/internal/service/payment"
	"github.com/Domenick1991/tutorbooking/internal/service/reservation"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Services is everything cmd/app and cmd/worker share. Close releases the
// connections opened by NewServices in reverse order.
type Services struct {
	Config       *config.Config
	Location     *time.Location
	Availability *availability.Service
	Occurrences  *occurrence.Generator
	Reservations *reservation.Manager
	Payments     *payment.Broker
	Settlement   *confirmation.Coordinator
	NextPeriod   *nextperiod.Extension

	store   *storage
	closers []func() error
	logger  *slog.Logger
}

type storage struct {
	ledger       repository.SlotLedger
	slots        repository.AvailabilityRepository
	reservations repository.ReservationRepository
	payments     repository.PaymentRepository
	bookings     repository.BookingRepository
	rates        repository.RateRepository
}

func NewServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Services, error) {
	loc, err := cfg.Reservation.LoadLocation()
	if err != nil {
		return nil, fmt.Errorf("load location: %w", err)
	}
	s := &Services{Config: cfg, Location: loc, logger: logger}

	store, err := s.openStorage(ctx, loc)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.store = store
	producer, err := s.openPublisher()
	if err != nil {
		s.Close()
		return nil, err
	}

	availabilityOpts := []availability.Option{availability.WithLogger(logger)}
	var previews nextperiod.PreviewStore = cache.NewMemoryPreviewStore(nil)
	if cfg.Redis.Addr != "" {
		redisCache := cache.NewRedisCache(cfg.Redis, time.Duration(cfg.Reservation.AvailabilityCacheSeconds)*time.Second)
		if err := redisCache.Ping(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		s.closers = append(s.closers, redisCache.Close)
		previews = redisCache
		if cfg.Reservation.AvailabilityCacheSeconds > 0 {
			availabilityOpts = append(availabilityOpts, availability.WithCache(redisCache))
		}
	}
	s.Availability = availability.NewService(store.slots, availabilityOpts...)

	lead := occurrence.LeadTimes{
		OneTime:   time.Duration(cfg.Reservation.OneTimeLeadTimeMinutes) * time.Minute,
		Recurring: time.Duration(cfg.Reservation.RecurringLeadTimeMinutes) * time.Minute,
		Location:  loc,
	}
	s.Occurrences = occurrence.NewGenerator(s.Availability, occurrence.WithLocation(loc), occurrence.WithLeadTimes(lead))

	s.Reservations = reservation.NewManager(store.ledger, store.reservations, cfg.Reservation.HoldTTL(),
		reservation.WithProducer(producer, cfg.Events.ReservationTopic, cfg.Events.NotificationsTopic),
		reservation.WithPeriodChecker(store.bookings),
		reservation.WithRates(store.rates),
		reservation.WithInvalidator(s.Availability),
		reservation.WithLeadTimes(lead),
		reservation.WithMaxWeekdays(cfg.Reservation.MaxWeekdaysPerWeek),
		reservation.WithCurrency(cfg.Payment.Currency),
		reservation.WithLogger(logger),
	)

	gw, err := newGateway(cfg.Payment)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Payments = payment.NewBroker(gw, store.payments, store.reservations,
		payment.WithProducer(producer, cfg.Events.RefundsTopic, cfg.Events.NotificationsTopic),
		payment.WithSessionTTL(cfg.Payment.SessionTTL()),
		payment.WithReconcile(cfg.Payment.ReconcileAttempts, cfg.Payment.ReconcileBackoff()),
		payment.WithLogger(logger),
	)

	s.Settlement = confirmation.NewCoordinator(s.Payments, s.Reservations, store.bookings,
		confirmation.WithProducer(producer, cfg.Events.NotificationsTopic),
		confirmation.WithLogger(logger),
	)

	s.NextPeriod = nextperiod.NewExtension(s.Reservations, s.Availability, s.Occurrences, previews,
		nextperiod.WithCutoff(time.Duration(cfg.Reservation.NextPeriodCutoffHours)*time.Hour),
		nextperiod.WithLogger(logger),
	)
	return s, nil
}

// SharedStorage reports whether state lives outside this process, so that a separate
// worker sees the same reservations and sessions.
func (s *Services) SharedStorage() bool {
	return s.Config.Database.Driver != "memory"
}

// NewSweeper builds the expiry sweeper over these services.
func (s *Services) NewSweeper() *reservation.Sweeper {
	return reservation.NewSweeper(s.Reservations,
		reservation.WithSessionExpirer(s.Payments),
		reservation.WithSweeperLogger(s.logger),
	)
}

func (s *Services) SweepInterval() time.Duration {
	return time.Duration(s.Config.Worker.ExpirationSweepSeconds) * time.Second
}

func (s *Services) openStorage(ctx context.Context, loc *time.Location) (*storage, error) {
	if s.Config.Database.Driver == "memory" {
		s.logger.Warn("using in-memory storage; state is lost on restart")
		mem := repository.NewMemoryStore(nil)
		return &storage{ledger: mem, slots: mem, reservations: mem, payments: mem, bookings: mem, rates: mem}, nil
	}

	pool, err := pgxpool.New(ctx, s.Config.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s.closers = append(s.closers, func() error { pool.Close(); return nil })
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if s.Config.Database.Migrate {
		if err := repository.Migrate(ctx, pool); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	slots := repository.NewSlotRepository(pool, loc)
	return &storage{
		ledger:       slots,
		slots:        slots,
		reservations: repository.NewReservationRepository(pool),
		payments:     repository.NewPaymentRepository(pool),
		bookings:     repository.NewBookingRepository(pool),
		rates:        repository.NewRateRepository(pool),
	}, nil
}

func (s *Services) openPublisher() (events.Publisher, error) {
	var producer events.Publisher
	switch s.Config.Events.Driver {
	case "kafka":
		p := kafka.NewProducer(s.Config.Kafka.Brokers, s.logger)
		s.closers = append(s.closers, p.Close)
		producer = p
	case "rabbitmq":
		p, err := mq.NewPublisher(s.Config.RabbitMQ.URL, s.Config.RabbitMQ.Exchange)
		if err != nil {
			return nil, fmt.Errorf("connect rabbitmq: %w", err)
		}
		s.closers = append(s.closers, p.Close)
		producer = p
	default:
		return events.Nop{}, nil
	}
	return events.WithRetry(producer, 3, 200*time.Millisecond, s.logger), nil
}

// Subscribe opens a consumer for topic on the configured bus. name suffixes the kafka
// consumer group or the durable rabbitmq queue so each worker loop gets its own.
func (s *Services) Subscribe(topic, name string) (events.Subscriber, error) {
	switch s.Config.Events.Driver {
	case "kafka":
		return kafka.NewConsumer(s.Config.Kafka.Brokers, s.Config.Kafka.GroupID+"-"+name, topic, s.logger), nil
	case "rabbitmq":
		return mq.NewConsumer(s.Config.RabbitMQ.URL, s.Config.RabbitMQ.Exchange, s.Config.RabbitMQ.Queue+"."+name, []string{topic}, s.logger)
	}
	return nil, fmt.Errorf("events driver %q cannot subscribe", s.Config.Events.Driver)
}

func newGateway(cfg config.PaymentConfig) (gateway.Gateway, error) {
	urls := gateway.URLs{Return: cfg.ReturnURL, Cancel: cfg.CancelURL, Notify: cfg.NotifyURL}
	switch cfg.Gateway {
	case "payhere":
		return gateway.NewPayHere(gateway.PayHereConfig{
			MerchantID:     cfg.PayHere.MerchantID,
			MerchantSecret: cfg.PayHere.MerchantSecret,
			AppID:          cfg.PayHere.AppID,
			AppSecret:      cfg.PayHere.AppSecret,
			Sandbox:        cfg.PayHere.Sandbox,
		}, urls), nil
	case "midtrans":
		return gateway.NewMidtrans(gateway.MidtransConfig{
			ServerKey:  cfg.Midtrans.ServerKey,
			Production: cfg.Midtrans.Production,
		}, urls), nil
	}
	return nil, fmt.Errorf("unknown payment gateway %q", cfg.Gateway)
}

func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("close resource", "error", err)
		}
	}
	s.closers = nil
}
