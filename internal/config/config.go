// Package config loads storyledgerd runtime settings from flags, environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/MarkoPoloResearchLab/storyledger/internal/providers"
	"github.com/MarkoPoloResearchLab/storyledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/storyledger/pkg/payments"
)

const (
	envPrefix = "STORYLEDGER"

	KeyDatabaseURL         = "database-url"
	KeyPostgresEngine      = "postgres-engine"
	KeyHTTPListenAddr      = "http-listen-addr"
	KeyGRPCListenAddr      = "grpc-listen-addr"
	KeyCatalogPath         = "catalog-path"
	KeyAllowedOrigins      = "allowed-origins"
	KeyRedisAddr           = "redis-addr"
	KeyRedisPassword       = "redis-password"
	KeyRedisDB             = "redis-db"
	KeyAdminJWTSecret      = "admin-jwt-secret"
	KeyAdminJWTIssuer      = "admin-jwt-issuer"
	KeySessionSigningKey   = "session-signing-key"
	KeySessionIssuer       = "session-issuer"
	KeySessionCookieName   = "session-cookie-name"
	KeyInitialCredits      = "initial-credits"
	KeyNOWPaymentsSecret   = "nowpayments-ipn-secret"
	KeyCryptomusKey        = "cryptomus-payment-key"
	KeyPaddleSecret        = "paddle-webhook-secret"
	KeyLemonSqueezySecret  = "lemonsqueezy-signing-secret"
	KeyPaddleTolerance     = "paddle-tolerance"
	KeyDedupWindow         = "dedup-window"
	KeyEventRetention      = "event-retention"
	KeyGrantRetention      = "grant-retention"
	KeySweepInterval       = "sweep-interval"
	KeySweepBatchSize      = "sweep-batch-size"
	KeyReprocessAfter      = "reprocess-after"
	KeyDispatchWorkers     = "dispatch-workers"
	KeyRequestTimeout      = "request-timeout"
	KeyLogDevelopment      = "log-dev"
	defaultDatabaseURL     = "sqlite:///tmp/storyledger.db"
	defaultPostgresEngine  = EnginePGX
	defaultHTTPListenAddr  = ":8080"
	defaultGRPCListenAddr  = ":7000"
	defaultCatalogPath     = "catalog.yaml"
	defaultAllowedOrigin   = "http://localhost:8000"
	defaultAdminJWTIssuer  = "storyledger-admin"
	defaultSessionIssuer   = "tauth"
	defaultSessionCookie   = "app_session"
	defaultInitialCredits  = int64(100)
	defaultSweepInterval   = time.Hour
	defaultSweepBatchSize  = 500
	defaultReprocessAfter  = 10 * time.Minute
	defaultDispatchWorkers = 4
	defaultRequestTimeout  = 5 * time.Second
)

// Postgres engines. pgx runs the native store with River dispatch; gorm runs the ORM store with the in-process pool.
const (
	EnginePGX  = "pgx"
	EngineGORM = "gorm"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config aggregates runtime settings for storyledgerd.
type Config struct {
	DatabaseURL    string `validate:"required"`
	PostgresEngine string `validate:"oneof=pgx gorm"`
	HTTPListenAddr string `validate:"required"`
	// GRPCListenAddr empty disables the worker gRPC service.
	GRPCListenAddr string
	CatalogPath    string   `validate:"required"`
	AllowedOrigins []string `validate:"dive,url"`

	// RedisAddr empty disables the balance mirror.
	RedisAddr     string
	RedisPassword string
	RedisDB       int `validate:"gte=0,lte=15"`

	AdminJWTSecret string `validate:"required,min=32"`
	AdminJWTIssuer string `validate:"required"`

	// SessionSigningKey empty disables the end-user wallet route.
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string

	InitialCredits int64 `validate:"gte=0"`
	Providers      providers.Secrets

	DedupWindow     time.Duration `validate:"gt=0"`
	EventRetention  time.Duration `validate:"gt=0"`
	GrantRetention  time.Duration `validate:"gt=0"`
	SweepInterval   time.Duration `validate:"gt=0"`
	SweepBatchSize  int           `validate:"gt=0,lte=10000"`
	ReprocessAfter  time.Duration `validate:"gt=0"`
	DispatchWorkers int           `validate:"gt=0,lte=64"`
	RequestTimeout  time.Duration `validate:"gt=0"`
	LogDevelopment  bool
}

// RegisterFlags declares every setting on the flag set with its default.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String(KeyDatabaseURL, defaultDatabaseURL, "postgres:// or sqlite:// database URL")
	flags.String(KeyPostgresEngine, defaultPostgresEngine, "store engine for postgres URLs: pgx or gorm")
	flags.String(KeyHTTPListenAddr, defaultHTTPListenAddr, "HTTP listen address")
	flags.String(KeyGRPCListenAddr, defaultGRPCListenAddr, "worker gRPC listen address (empty disables)")
	flags.String(KeyCatalogPath, defaultCatalogPath, "YAML file with plans and credit packs")
	flags.String(KeyAllowedOrigins, defaultAllowedOrigin, "comma-separated CORS origins")
	flags.String(KeyRedisAddr, "", "Redis address for the balance mirror (empty disables)")
	flags.String(KeyRedisPassword, "", "Redis password")
	flags.Int(KeyRedisDB, 0, "Redis database number")
	flags.String(KeyAdminJWTSecret, "", "HS256 secret for admin bearer tokens")
	flags.String(KeyAdminJWTIssuer, defaultAdminJWTIssuer, "issuer required on admin tokens")
	flags.String(KeySessionSigningKey, "", "tauth session signing key (empty disables /api/wallet)")
	flags.String(KeySessionIssuer, defaultSessionIssuer, "tauth session issuer")
	flags.String(KeySessionCookieName, defaultSessionCookie, "tauth session cookie name")
	flags.Int64(KeyInitialCredits, defaultInitialCredits, "credits granted on first wallet access (0 disables)")
	flags.String(KeyNOWPaymentsSecret, "", "NOWPayments IPN secret")
	flags.String(KeyCryptomusKey, "", "Cryptomus payment API key")
	flags.String(KeyPaddleSecret, "", "Paddle webhook secret")
	flags.String(KeyLemonSqueezySecret, "", "LemonSqueezy signing secret")
	flags.Duration(KeyPaddleTolerance, providers.DefaultPaddleTolerance, "maximum age of a Paddle signature")
	flags.Duration(KeyDedupWindow, payments.DefaultDedupWindow, "window in which repeated (payment, status) deliveries are duplicates")
	flags.Duration(KeyEventRetention, payments.DefaultEventRetention, "how long processed webhook events are kept")
	flags.Duration(KeyGrantRetention, ledger.DefaultGrantRetention, "how long retired grants are kept")
	flags.Duration(KeySweepInterval, defaultSweepInterval, "interval between retention sweeps")
	flags.Int(KeySweepBatchSize, defaultSweepBatchSize, "expired grants handled per sweep batch")
	flags.Duration(KeyReprocessAfter, defaultReprocessAfter, "age after which unprocessed events are retried")
	flags.Int(KeyDispatchWorkers, defaultDispatchWorkers, "in-process webhook workers")
	flags.Duration(KeyRequestTimeout, defaultRequestTimeout, "per-request ledger timeout")
	flags.Bool(KeyLogDevelopment, false, "human-readable development logging")
}

// Load reads envFile (when present), then resolves flags over STORYLEDGER_* environment variables.
// DATABASE_URL is honored as a fallback for the database URL.
func Load(flags *pflag.FlagSet, envFile string) (Config, error) {
	if strings.TrimSpace(envFile) != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	settings := viper.New()
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	if err := settings.BindEnv(KeyDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return Config{}, err
	}
	if err := settings.BindPFlags(flags); err != nil {
		return Config{}, err
	}

	cfg := Config{
		DatabaseURL:       strings.TrimSpace(settings.GetString(KeyDatabaseURL)),
		PostgresEngine:    strings.ToLower(strings.TrimSpace(settings.GetString(KeyPostgresEngine))),
		HTTPListenAddr:    strings.TrimSpace(settings.GetString(KeyHTTPListenAddr)),
		GRPCListenAddr:    strings.TrimSpace(settings.GetString(KeyGRPCListenAddr)),
		CatalogPath:       strings.TrimSpace(settings.GetString(KeyCatalogPath)),
		AllowedOrigins:    ParseAllowedOrigins(settings.GetString(KeyAllowedOrigins)),
		RedisAddr:         strings.TrimSpace(settings.GetString(KeyRedisAddr)),
		RedisPassword:     settings.GetString(KeyRedisPassword),
		RedisDB:           settings.GetInt(KeyRedisDB),
		AdminJWTSecret:    settings.GetString(KeyAdminJWTSecret),
		AdminJWTIssuer:    strings.TrimSpace(settings.GetString(KeyAdminJWTIssuer)),
		SessionSigningKey: settings.GetString(KeySessionSigningKey),
		SessionIssuer:     strings.TrimSpace(settings.GetString(KeySessionIssuer)),
		SessionCookieName: strings.TrimSpace(settings.GetString(KeySessionCookieName)),
		InitialCredits:    settings.GetInt64(KeyInitialCredits),
		Providers: providers.Secrets{
			NOWPaymentsIPNSecret:      settings.GetString(KeyNOWPaymentsSecret),
			CryptomusPaymentKey:       settings.GetString(KeyCryptomusKey),
			PaddleWebhookSecret:       settings.GetString(KeyPaddleSecret),
			LemonSqueezySigningSecret: settings.GetString(KeyLemonSqueezySecret),
			PaddleTolerance:           settings.GetDuration(KeyPaddleTolerance),
		},
		DedupWindow:     settings.GetDuration(KeyDedupWindow),
		EventRetention:  settings.GetDuration(KeyEventRetention),
		GrantRetention:  settings.GetDuration(KeyGrantRetention),
		SweepInterval:   settings.GetDuration(KeySweepInterval),
		SweepBatchSize:  settings.GetInt(KeySweepBatchSize),
		ReprocessAfter:  settings.GetDuration(KeyReprocessAfter),
		DispatchWorkers: settings.GetInt(KeyDispatchWorkers),
		RequestTimeout:  settings.GetDuration(KeyRequestTimeout),
		LogDevelopment:  settings.GetBool(KeyLogDevelopment),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (cfg Config) Validate() error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.SessionSigningKey != "" && (cfg.SessionIssuer == "" || cfg.SessionCookieName == "") {
		return fmt.Errorf("%w: session issuer and cookie name are required with a session signing key", ErrInvalidConfig)
	}
	if cfg.Providers.PaddleTolerance < 0 {
		return fmt.Errorf("%w: paddle tolerance must not be negative", ErrInvalidConfig)
	}
	if cfg.ReprocessAfter <= cfg.DedupWindow {
		return fmt.Errorf("%w: reprocess-after must exceed dedup-window", ErrInvalidConfig)
	}
	return nil
}

// WalletEnabled reports whether tauth sessions are configured.
func (cfg Config) WalletEnabled() bool {
	return cfg.SessionSigningKey != ""
}

// SweepOptions maps the retention settings onto the ledger sweep.
func (cfg Config) SweepOptions() ledger.SweepOptions {
	return ledger.SweepOptions{GrantRetention: cfg.GrantRetention, BatchSize: cfg.SweepBatchSize}
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		if origin := strings.TrimSpace(part); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}
