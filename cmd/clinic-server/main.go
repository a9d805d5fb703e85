package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinic/clinic/internal/config"
	"github.com/clinic/clinic/internal/domain/admin"
	"github.com/clinic/clinic/internal/domain/patient"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/events"
	"github.com/clinic/clinic/internal/platform/middleware"
	"github.com/clinic/clinic/internal/platform/qrlink"
	"github.com/clinic/clinic/internal/platform/telemetry"
	"github.com/clinic/clinic/internal/platform/webhook"
	"github.com/clinic/clinic/migrations"
)

const (
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinic-server",
		Short: "Clinic patient records API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(adminCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run Postgres migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrations")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, migrations.FS))
}

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage admin accounts",
	}

	bootstrap := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the super-admin account if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			name, _ := cmd.Flags().GetString("name")
			email, _ := cmd.Flags().GetString("email")
			password, _ := cmd.Flags().GetString("password")
			if name == "" {
				name = cfg.SuperAdminName
			}
			if email == "" {
				email = cfg.SuperAdminEmail
			}
			if password == "" {
				password = cfg.SuperAdminPass
			}

			logger := newLogger(cfg)
			ctx := context.Background()
			st, err := openStores(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.close()

			svc := admin.NewService(st.admins, auth.JWTConfig{SigningKey: []byte(cfg.JWTSecret)}, logger)
			created, err := svc.EnsureSuperAdmin(ctx, name, email, password)
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("Super-admin %s created.\n", admin.NormalizeEmail(email))
			} else {
				fmt.Println("A super-admin already exists, nothing to do.")
			}
			return nil
		},
	}
	bootstrap.Flags().String("name", "", "Display name (default SUPERADMIN_NAME)")
	bootstrap.Flags().String("email", "", "Login email (default SUPERADMIN_EMAIL)")
	bootstrap.Flags().String("password", "", "Initial password (default SUPERADMIN_PASSWORD)")

	cmd.AddCommand(bootstrap)
	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// stores holds the repositories of the configured driver.
type stores struct {
	patients patient.PatientRepository
	admins   admin.Repository
	health   echo.HandlerFunc
	close    func()
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("driver", config.StorePostgres).Msg("connected to database")
		return &stores{
			patients: patient.NewPGRepo(pool),
			admins:   admin.NewPGRepo(pool),
			health:   db.PostgresHealth(pool),
			close:    pool.Close,
		}, nil

	case config.StoreMongo:
		client, database, err := db.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		if err := admin.EnsureMongoIndexes(ctx, database); err != nil {
			client.Disconnect(context.Background())
			return nil, err
		}
		logger.Info().Str("driver", config.StoreMongo).Str("database", cfg.MongoDatabase).Msg("connected to database")
		return &stores{
			patients: patient.NewMongoRepo(database, logger),
			admins:   admin.NewMongoRepo(database),
			health:   db.MongoHealth(client),
			close: func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := client.Disconnect(ctx); err != nil {
					logger.Error().Err(err).Msg("mongo disconnect failed")
				}
			},
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// serverDeps are the collaborators of the HTTP server.
type serverDeps struct {
	cfg      *config.Config
	logger   zerolog.Logger
	patients patient.PatientRepository
	admins   admin.Repository
	dbHealth echo.HandlerFunc
	events   events.Publisher
	qr       patient.QRGenerator
	reporter *telemetry.Reporter
}

func newServer(d serverDeps) *echo.Echo {
	cfg, logger := d.cfg, d.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger, d.reporter.Report)

	// Global middleware
	e.Use(middleware.Recovery(logger, d.reporter.Report))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:     []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
		AllowCredentials: true,
	}))
	e.Use(middleware.BodyLimit(cfg.MaxRequestSize))
	e.Use(middleware.RequestTimeout(requestTimeout))
	e.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
	e.Use(middleware.Audit(logger))

	jwtCfg := auth.JWTConfig{SigningKey: []byte(cfg.JWTSecret)}
	authn := auth.JWTMiddleware(jwtCfg)
	if cfg.UseDevAuth() {
		authn = auth.DevAuthMiddleware(jwtCfg)
	}

	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "API is running...")
	})
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	if d.dbHealth != nil {
		e.GET("/health/db", d.dbHealth)
	}
	e.GET("/health/telemetry", d.reporter.Status)

	api := e.Group("/api")

	links := qrlink.Links{ClientOrigin: cfg.ClientOrigin, FrontendURL: cfg.FrontendURL}
	patientSvc := patient.NewService(d.patients, d.qr, links, d.events, logger)
	limits := patient.FormLimits{
		MaxFileSize:  middleware.ParseLimit(cfg.MaxUploadSize),
		MaxDocuments: cfg.MaxDocuments,
	}
	patient.NewHandler(patientSvc, limits, logger).RegisterRoutes(api, authn)

	adminSvc := admin.NewService(d.admins, jwtCfg, logger)
	admin.NewHandler(adminSvc, logger).RegisterRoutes(api, authn, middleware.RateLimit(middleware.LoginRateLimitConfig()))

	return e
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Error reporting
	reporter, err := telemetry.NewReporter(telemetry.Config{
		DSN:         cfg.SentryDSN,
		Environment: cfg.Env,
		Release:     version,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise sentry")
	}

	// Database
	ctx := context.Background()
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to connect to database")
	}
	defer st.close()

	if cfg.BootstrapAdmin() {
		svc := admin.NewService(st.admins, auth.JWTConfig{SigningKey: []byte(cfg.JWTSecret)}, logger)
		if _, err := svc.EnsureSuperAdmin(ctx, cfg.SuperAdminName, cfg.SuperAdminEmail, cfg.SuperAdminPass); err != nil {
			logger.Fatal().Err(err).Msg("failed to ensure super-admin account")
		}
	}

	// Events
	var publishers events.Fanout
	if cfg.AMQPURL != "" {
		amqpPub := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		defer amqpPub.Close()
		publishers = append(publishers, amqpPub)
		logger.Info().Str("exchange", cfg.AMQPExchange).Msg("publishing patient events to amqp")
	}
	if len(cfg.WebhookURLs) > 0 {
		hookPub, err := webhook.New(cfg.WebhookURLs, cfg.WebhookSecret, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid webhook configuration")
		}
		defer hookPub.Close()
		publishers = append(publishers, hookPub)
		logger.Info().Int("endpoints", len(cfg.WebhookURLs)).Msg("publishing patient events to webhooks")
	}

	e := newServer(serverDeps{
		cfg:      cfg,
		logger:   logger,
		patients: st.patients,
		admins:   st.admins,
		dbHealth: st.health,
		events:   publishers,
		qr:       qrlink.NewGenerator(),
		reporter: reporter,
	})

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			reporter.CaptureError(err, map[string]string{"phase": "listen"})
			reporter.Flush(2 * time.Second)
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	reporter.Flush(2 * time.Second)
	logger.Info().Msg("server stopped")
	return nil
}
