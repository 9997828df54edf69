package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API and the
// location consumer. Every optional backend is off when its address is empty
// and the process falls back to in-memory implementations.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers        []string
	KafkaLocationTopic  string
	KafkaEventsTopic    string
	KafkaConsumerGroup  string
	ConsumerMetricsAddr string

	PGDSN         string
	RunMigrations bool

	AMQPURL      string
	AMQPExchange string
	PushEndpoint string
	PushKey      string

	StripeAPIKey    string
	PaymentCurrency string

	OSRMEndpoint     string
	GoogleMapsAPIKey string
	ETACacheTTL      time.Duration

	DispatchTimeout       time.Duration
	DispatchFanout        int
	MatchRadiusMeters     float64
	MatchMaxResults       int
	EscalationRadius      float64
	EscalationMaxResults  int
	MaxDispatchRounds     int
	AcceptRadiusMeters    float64
	DefaultCommissionRate float64
	InterRegionalPerKm    int64
	ZoneCacheTTL          time.Duration

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:              ":8080",
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           120 * time.Second,
		ShutdownTimeout:       15 * time.Second,
		RedisGeoKey:           "providers_geo",
		KafkaLocationTopic:    "provider-locations",
		KafkaEventsTopic:      "booking-events",
		KafkaConsumerGroup:    "ride-dispatch-consumer",
		ConsumerMetricsAddr:   ":2112",
		AMQPExchange:          "dispatch.notifications",
		PaymentCurrency:       "GHS",
		ETACacheTTL:           2 * time.Minute,
		DispatchTimeout:       60 * time.Second,
		DispatchFanout:        5,
		MatchRadiusMeters:     15000,
		MatchMaxResults:       10,
		EscalationRadius:      30000,
		EscalationMaxResults:  8,
		MaxDispatchRounds:     3,
		AcceptRadiusMeters:    15000,
		DefaultCommissionRate: 0.18,
		InterRegionalPerKm:    10,
		ZoneCacheTTL:          5 * time.Minute,
		LogLevel:              "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaConsumerGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.ConsumerMetricsAddr, "CONSUMER_METRICS_ADDR")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")
	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.PushKey = os.Getenv("PUSH_KEY")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	if v := strings.TrimSpace(os.Getenv("PAYMENT_CURRENCY")); v != "" {
		cfg.PaymentCurrency = strings.ToUpper(v)
	}

	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	cfg.GoogleMapsAPIKey = os.Getenv("GOOGLE_MAPS_API_KEY")
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	setDurationFromEnv(&cfg.DispatchTimeout, "DISPATCH_TIMEOUT", &errs)
	setIntFromEnv(&cfg.DispatchFanout, "DISPATCH_FANOUT", &errs)
	setFloatFromEnv(&cfg.MatchRadiusMeters, "MATCH_RADIUS_M", &errs)
	setIntFromEnv(&cfg.MatchMaxResults, "MATCH_MAX_RESULTS", &errs)
	setFloatFromEnv(&cfg.EscalationRadius, "ESCALATION_RADIUS_M", &errs)
	setIntFromEnv(&cfg.EscalationMaxResults, "ESCALATION_MAX_RESULTS", &errs)
	setIntFromEnv(&cfg.MaxDispatchRounds, "MAX_DISPATCH_ROUNDS", &errs)
	setFloatFromEnv(&cfg.AcceptRadiusMeters, "ACCEPT_RADIUS_M", &errs)
	setFloatFromEnv(&cfg.DefaultCommissionRate, "DEFAULT_COMMISSION_RATE", &errs)
	setInt64FromEnv(&cfg.InterRegionalPerKm, "INTER_REGIONAL_PER_KM", &errs)
	setDurationFromEnv(&cfg.ZoneCacheTTL, "ZONE_CACHE_TTL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	positive := func(key string, v float64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}
	positive("DISPATCH_TIMEOUT", c.DispatchTimeout.Seconds())
	positive("DISPATCH_FANOUT", float64(c.DispatchFanout))
	positive("MATCH_RADIUS_M", c.MatchRadiusMeters)
	positive("MATCH_MAX_RESULTS", float64(c.MatchMaxResults))
	positive("ESCALATION_RADIUS_M", c.EscalationRadius)
	positive("ESCALATION_MAX_RESULTS", float64(c.EscalationMaxResults))
	positive("MAX_DISPATCH_ROUNDS", float64(c.MaxDispatchRounds))
	positive("ACCEPT_RADIUS_M", c.AcceptRadiusMeters)
	if c.DefaultCommissionRate < 0 || c.DefaultCommissionRate > 1 {
		errs = append(errs, fmt.Errorf("DEFAULT_COMMISSION_RATE must be within [0,1]"))
	}
	if c.InterRegionalPerKm < 0 {
		errs = append(errs, fmt.Errorf("INTER_REGIONAL_PER_KM must be >= 0"))
	}
	if c.EscalationRadius < c.MatchRadiusMeters {
		errs = append(errs, fmt.Errorf("ESCALATION_RADIUS_M must not be below MATCH_RADIUS_M"))
	}
	return errs
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
