package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

const (
	StoreMongo    = "mongo"
	StorePostgres = "postgres"

	// DefaultFrontendOrigin is used for QR links when CLIENT_ORIGIN or
	// FRONTEND_URL are unset.
	DefaultFrontendOrigin = "https://nagrath-frontend.vercel.app"
)

type Config struct {
	Port            string   `mapstructure:"PORT"`
	Env             string   `mapstructure:"ENV"`
	StoreDriver     string   `mapstructure:"STORE_DRIVER"`
	MongoURI        string   `mapstructure:"MONGODB_URI"`
	MongoDatabase   string   `mapstructure:"MONGODB_DATABASE"`
	DatabaseURL     string   `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32    `mapstructure:"DB_MIN_CONNS"`
	JWTSecret       string   `mapstructure:"JWT_SECRET"`
	DevAuth         bool     `mapstructure:"DEV_AUTH"`
	ClientOrigin    string   `mapstructure:"CLIENT_ORIGIN"`
	FrontendURL     string   `mapstructure:"FRONTEND_URL"`
	CORSOrigins     []string `mapstructure:"CORS_ORIGINS"`
	MaxUploadSize   string   `mapstructure:"MAX_UPLOAD_SIZE"`
	MaxRequestSize  string   `mapstructure:"MAX_REQUEST_SIZE"`
	MaxDocuments    int      `mapstructure:"MAX_DOCUMENTS"`
	SuperAdminName  string   `mapstructure:"SUPERADMIN_NAME"`
	SuperAdminEmail string   `mapstructure:"SUPERADMIN_EMAIL"`
	SuperAdminPass  string   `mapstructure:"SUPERADMIN_PASSWORD"`
	AMQPURL         string   `mapstructure:"AMQP_URL"`
	AMQPExchange    string   `mapstructure:"AMQP_EXCHANGE"`
	SentryDSN       string   `mapstructure:"SENTRY_DSN"`
	WebhookURLs     []string `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret   string   `mapstructure:"WEBHOOK_SECRET"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "5000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", StoreMongo)
	v.SetDefault("MONGODB_URI", "mongodb://localhost:27017")
	v.SetDefault("MONGODB_DATABASE", "clinic")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CLIENT_ORIGIN", DefaultFrontendOrigin)
	v.SetDefault("FRONTEND_URL", DefaultFrontendOrigin)
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
	v.SetDefault("MAX_UPLOAD_SIZE", "5M")
	v.SetDefault("MAX_REQUEST_SIZE", "60M")
	v.SetDefault("MAX_DOCUMENTS", 10)
	v.SetDefault("SUPERADMIN_NAME", "Super Admin")
	v.SetDefault("AMQP_EXCHANGE", "clinic.events")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "STORE_DRIVER", "MONGODB_URI", "MONGODB_DATABASE",
		"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "JWT_SECRET", "DEV_AUTH",
		"CLIENT_ORIGIN", "FRONTEND_URL", "CORS_ORIGINS",
		"MAX_UPLOAD_SIZE", "MAX_REQUEST_SIZE", "MAX_DOCUMENTS",
		"SUPERADMIN_NAME", "SUPERADMIN_EMAIL", "SUPERADMIN_PASSWORD",
		"AMQP_URL", "AMQP_EXCHANGE", "SENTRY_DSN",
		"WEBHOOK_URLS", "WEBHOOK_SECRET",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.WebhookURLs == nil {
		if urls := v.GetString("WEBHOOK_URLS"); urls != "" {
			cfg.WebhookURLs = strings.Split(urls, ",")
		}
	}

	// An empty value in the environment still counts as "set" for viper.
	if cfg.ClientOrigin == "" {
		cfg.ClientOrigin = DefaultFrontendOrigin
	}
	if cfg.FrontendURL == "" {
		cfg.FrontendURL = DefaultFrontendOrigin
	}
	cfg.ClientOrigin = strings.TrimRight(cfg.ClientOrigin, "/")
	cfg.FrontendURL = strings.TrimRight(cfg.FrontendURL, "/")

	if cfg.UseDevAuth() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: DEV_AUTH is enabled and JWT_SECRET is not set.")
		log.Println("WARNING: Requests without a token are treated as a super-admin session.")
		log.Println("WARNING: Unset DEV_AUTH and set JWT_SECRET before deploying.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UseDevAuth reports whether unauthenticated requests run as a dev
// super-admin. It needs ENV=development, DEV_AUTH=true and no JWT_SECRET.
func (c *Config) UseDevAuth() bool {
	return c.IsDev() && c.DevAuth && c.JWTSecret == ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGODB_URI is required when STORE_DRIVER is %q", StoreMongo)
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StorePostgres)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreMongo, StorePostgres, c.StoreDriver)
	}

	if c.DevAuth && !c.IsDev() {
		return fmt.Errorf("DEV_AUTH is only allowed when ENV is development (current ENV=%q)", c.Env)
	}
	if c.JWTSecret == "" && !c.UseDevAuth() {
		return fmt.Errorf("JWT_SECRET is required unless DEV_AUTH is enabled in development")
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 16 {
		return fmt.Errorf("JWT_SECRET must be at least 16 characters, got %d", len(c.JWTSecret))
	}

	if c.MaxDocuments <= 0 {
		return fmt.Errorf("MAX_DOCUMENTS must be positive, got %d", c.MaxDocuments)
	}

	if len(c.WebhookURLs) > 0 && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URLS is set")
	}

	if (c.SuperAdminEmail == "") != (c.SuperAdminPass == "") {
		return fmt.Errorf("SUPERADMIN_EMAIL and SUPERADMIN_PASSWORD must be set together")
	}

	return nil
}

// BootstrapAdmin reports whether a super-admin account should be ensured
// at startup.
func (c *Config) BootstrapAdmin() bool {
	return c.SuperAdminEmail != "" && c.SuperAdminPass != ""
}
