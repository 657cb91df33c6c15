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

	"github.com/uhr/uhr/internal/config"
	"github.com/uhr/uhr/internal/domain/audit"
	"github.com/uhr/uhr/internal/domain/consent"
	"github.com/uhr/uhr/internal/domain/event"
	"github.com/uhr/uhr/internal/domain/patient"
	"github.com/uhr/uhr/internal/platform/auth"
	"github.com/uhr/uhr/internal/platform/db"
	"github.com/uhr/uhr/internal/platform/docstore"
	"github.com/uhr/uhr/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "uhr-server",
		Short: "Longitudinal health record API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

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
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
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
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	// History is append-only all the way down; roll forward instead.
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("migrate down is not supported; write a forward migration instead.")
			return nil
		},
	})

	return cmd
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	var docs event.DocumentSource
	if cfg.DocstoreDir != "" {
		store, err := docstore.NewFileStore(cfg.DocstoreDir)
		if err != nil {
			logger.Fatal().Err(err).Str("dir", cfg.DocstoreDir).Msg("failed to open document store")
		}
		docs = store
	} else {
		logger.Warn().Msg("DOCSTORE_DIR not set; documents are held in memory and lost on restart")
		docs = docstore.NewMemoryStore()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	// The share-link submission path is the only surface that takes no
	// bearer token, so it lives outside the auth middleware.
	api := e.Group("/api/v1")
	public := e.Group("/api/v1")
	api.Use(middleware.RateLimit(rateLimitCfg))
	public.Use(middleware.RateLimit(rateLimitCfg))

	if cfg.IsDev() {
		api.Use(auth.DevAuthMiddleware())
	} else {
		api.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}

	// Every write commits its audit entry in the same transaction.
	txRunner := db.PoolRunner(pool)
	writeTx := db.SerializableRunner(pool)

	auditRepo := audit.NewRepoPG(pool)
	recorder := audit.NewRecorder(auditRepo)
	auditSvc := audit.NewService(auditRepo, recorder, txRunner)
	auditHandler := audit.NewHandler(auditSvc)
	auditHandler.RegisterRoutes(api)

	grantRepo := consent.NewGrantRepoPG(pool)
	shareLinkRepo := consent.NewShareLinkRepoPG(pool)
	consentSvc := consent.NewService(grantRepo, shareLinkRepo, recorder, txRunner, consent.Policy{
		TTL:         time.Duration(cfg.ShareLinkTTLHours) * time.Hour,
		MaxUses:     cfg.ShareLinkMaxUses,
		MaxAttempts: cfg.ShareLinkMaxAttempts,
	})
	consentHandler := consent.NewHandler(consentSvc)
	consentHandler.RegisterRoutes(api)

	patientRepo := patient.NewRepoPG(pool)
	patientSvc := patient.NewService(patientRepo, consentSvc, recorder, txRunner)
	patientHandler := patient.NewHandler(patientSvc)
	patientHandler.RegisterRoutes(api)

	eventRepo := event.NewRepoPG(pool)
	eventSvc := event.NewService(eventRepo, patientRepo, consentSvc, consentSvc,
		recorder, docs, txRunner, writeTx)
	eventHandler := event.NewHandler(eventSvc)
	eventHandler.RegisterRoutes(api, public)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("starting server")
		if err := e.StartServer(srv); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
