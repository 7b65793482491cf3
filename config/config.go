package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP        HTTPConfig        `yaml:"http"`
	GRPC        GRPCConfig        `yaml:"grpc"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Events      EventsConfig      `yaml:"events"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	Reservation ReservationConfig `yaml:"reservation"`
	Payment     PaymentConfig     `yaml:"payment"`
	Auth        AuthConfig        `yaml:"auth"`
	Worker      WorkerConfig      `yaml:"worker"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

type HTTPConfig struct {
	Address    string `yaml:"address" envconfig:"ADDRESS" validate:"required"`
	SwaggerDir string `yaml:"swagger_dir" envconfig:"SWAGGER_DIR"`
}

type GRPCConfig struct {
	Address string `yaml:"address" envconfig:"ADDRESS" validate:"required"`
}

type DatabaseConfig struct {
	// Driver selects the storage backend: postgres or memory.
	Driver   string `yaml:"driver" envconfig:"DRIVER" validate:"oneof=postgres memory"`
	Host     string `yaml:"host" envconfig:"HOST"`
	Port     int    `yaml:"port" envconfig:"PORT"`
	User     string `yaml:"user" envconfig:"USER"`
	Password string `yaml:"password" envconfig:"PASSWORD"`
	Name     string `yaml:"name" envconfig:"NAME"`
	SSLMode  string `yaml:"ssl_mode" envconfig:"SSL_MODE"`
	Migrate  bool   `yaml:"migrate" envconfig:"MIGRATE"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Addr     string `yaml:"addr" envconfig:"ADDR"`
	Password string `yaml:"password" envconfig:"PASSWORD"`
	DB       int    `yaml:"db" envconfig:"DB"`
}

type EventsConfig struct {
	// Driver selects the event bus: kafka, rabbitmq or none.
	Driver             string `yaml:"driver" envconfig:"DRIVER" validate:"oneof=kafka rabbitmq none"`
	ReservationTopic   string `yaml:"reservation_topic" envconfig:"RESERVATION_TOPIC"`
	NotificationsTopic string `yaml:"notifications_topic" envconfig:"NOTIFICATIONS_TOPIC"`
	RefundsTopic       string `yaml:"refunds_topic" envconfig:"REFUNDS_TOPIC"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" envconfig:"BROKERS"`
	GroupID string   `yaml:"group_id" envconfig:"GROUP_ID"`
}

type RabbitMQConfig struct {
	URL      string `yaml:"url" envconfig:"URL"`
	Exchange string `yaml:"exchange" envconfig:"EXCHANGE"`
	Queue    string `yaml:"queue" envconfig:"QUEUE"`
}

type ReservationConfig struct {
	HoldTTLMinutes           int    `yaml:"hold_ttl_minutes" envconfig:"HOLD_TTL_MINUTES" validate:"gte=1"`
	OneTimeLeadTimeMinutes   int    `yaml:"one_time_lead_time_minutes" envconfig:"ONE_TIME_LEAD_MINUTES" validate:"gte=0"`
	RecurringLeadTimeMinutes int    `yaml:"recurring_lead_time_minutes" envconfig:"RECURRING_LEAD_MINUTES" validate:"gte=0"`
	MaxWeekdaysPerWeek       int    `yaml:"max_weekdays_per_week" envconfig:"MAX_WEEKDAYS" validate:"gte=1,lte=7"`
	NextPeriodCutoffHours    int    `yaml:"next_period_cutoff_hours" envconfig:"NEXT_PERIOD_CUTOFF_HOURS" validate:"gte=0"`
	AvailabilityCacheSeconds int    `yaml:"availability_cache_seconds" envconfig:"AVAILABILITY_CACHE_SECONDS" validate:"gte=0"`
	Location                 string `yaml:"location" envconfig:"LOCATION"`
}

func (r ReservationConfig) HoldTTL() time.Duration {
	return time.Duration(r.HoldTTLMinutes) * time.Minute
}

func (r ReservationConfig) LoadLocation() (*time.Location, error) {
	if r.Location == "" {
		return time.Local, nil
	}
	return time.LoadLocation(r.Location)
}

type PaymentConfig struct {
	Gateway            string         `yaml:"gateway" envconfig:"GATEWAY" validate:"oneof=payhere midtrans"`
	Currency           string         `yaml:"currency" envconfig:"CURRENCY" validate:"len=3"`
	SessionTTLMinutes  int            `yaml:"session_ttl_minutes" envconfig:"SESSION_TTL_MINUTES" validate:"gte=1"`
	ReconcileAttempts  int            `yaml:"reconcile_attempts" envconfig:"RECONCILE_ATTEMPTS" validate:"gte=1"`
	ReconcileBackoffMS int            `yaml:"reconcile_backoff_ms" envconfig:"RECONCILE_BACKOFF_MS" validate:"gte=0"`
	ReturnURL          string         `yaml:"return_url" envconfig:"RETURN_URL"`
	CancelURL          string         `yaml:"cancel_url" envconfig:"CANCEL_URL"`
	NotifyURL          string         `yaml:"notify_url" envconfig:"NOTIFY_URL"`
	PayHere            PayHereConfig  `yaml:"payhere"`
	Midtrans           MidtransConfig `yaml:"midtrans"`
}

func (p PaymentConfig) SessionTTL() time.Duration {
	return time.Duration(p.SessionTTLMinutes) * time.Minute
}

func (p PaymentConfig) ReconcileBackoff() time.Duration {
	return time.Duration(p.ReconcileBackoffMS) * time.Millisecond
}

type PayHereConfig struct {
	MerchantID     string `yaml:"merchant_id" envconfig:"MERCHANT_ID"`
	MerchantSecret string `yaml:"merchant_secret" envconfig:"MERCHANT_SECRET"`
	AppID          string `yaml:"app_id" envconfig:"APP_ID"`
	AppSecret      string `yaml:"app_secret" envconfig:"APP_SECRET"`
	Sandbox        bool   `yaml:"sandbox" envconfig:"SANDBOX"`
}

type MidtransConfig struct {
	ServerKey  string `yaml:"server_key" envconfig:"SERVER_KEY"`
	Production bool   `yaml:"production" envconfig:"PRODUCTION"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" envconfig:"JWT_SECRET" validate:"required"`
}

type WorkerConfig struct {
	ExpirationSweepSeconds int `yaml:"expiration_sweep_seconds" envconfig:"SWEEP_SECONDS" validate:"gte=1"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" envconfig:"ENABLED"`
	Endpoint    string `yaml:"endpoint" envconfig:"ENDPOINT"`
	ServiceName string `yaml:"service_name" envconfig:"SERVICE_NAME"`
}

// EnvPrefix namespaces environment overrides, e.g. TUTORBOOKING_DATABASE_HOST.
const EnvPrefix = "TUTORBOOKING"

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies environment overrides and defaults, then validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}
	cfg.applyDefaults()
	validate := validator.New()
	validate.RegisterStructValidation(validateTTLs, Config{})
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// validateTTLs requires a payment session to live at least as long as the hold it pays for.
func validateTTLs(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)
	if cfg.Payment.SessionTTLMinutes < cfg.Reservation.HoldTTLMinutes {
		sl.ReportError(cfg.Payment.SessionTTLMinutes, "SessionTTLMinutes", "session_ttl_minutes", "gtecsfield", "Reservation.HoldTTLMinutes")
	}
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Events.Driver == "" {
		c.Events.Driver = "none"
	}
	if c.Reservation.HoldTTLMinutes == 0 {
		c.Reservation.HoldTTLMinutes = 15
	}
	if c.Reservation.OneTimeLeadTimeMinutes == 0 {
		c.Reservation.OneTimeLeadTimeMinutes = 180
	}
	if c.Reservation.RecurringLeadTimeMinutes == 0 {
		c.Reservation.RecurringLeadTimeMinutes = 120
	}
	if c.Reservation.MaxWeekdaysPerWeek == 0 {
		c.Reservation.MaxWeekdaysPerWeek = 4
	}
	if c.Reservation.NextPeriodCutoffHours == 0 {
		c.Reservation.NextPeriodCutoffHours = 48
	}
	if c.Payment.Gateway == "" {
		c.Payment.Gateway = "payhere"
	}
	if c.Payment.Currency == "" {
		c.Payment.Currency = "LKR"
	}
	if c.Payment.SessionTTLMinutes == 0 {
		c.Payment.SessionTTLMinutes = c.Reservation.HoldTTLMinutes
	}
	if c.Payment.ReconcileAttempts == 0 {
		c.Payment.ReconcileAttempts = 3
	}
	if c.Worker.ExpirationSweepSeconds == 0 {
		c.Worker.ExpirationSweepSeconds = 30
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "tutorbooking"
	}
}
