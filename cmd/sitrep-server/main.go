package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/eidsr/sitrep/internal/config"
	"github.com/eidsr/sitrep/internal/domain/surveillance"
	"github.com/eidsr/sitrep/internal/platform/archive"
	"github.com/eidsr/sitrep/internal/platform/auth"
	"github.com/eidsr/sitrep/internal/platform/cache"
	"github.com/eidsr/sitrep/internal/platform/db"
	"github.com/eidsr/sitrep/internal/platform/middleware"
	"github.com/eidsr/sitrep/internal/platform/reporting"
	"github.com/eidsr/sitrep/internal/platform/telemetry"
	"github.com/eidsr/sitrep/migrations"
)

const version = "0.3.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "sitrep-server",
		Short: "Measles situation report API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(checkSchemaCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var w io.Writer = os.Stdout
	if cfg == nil || cfg.IsDev() {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	}
	logger := zerolog.New(w).With().Timestamp().Str("service", "sitrep").Logger()
	zerolog.DefaultContextLogger = &logger
	return logger
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:         cfg.DBMaxConns,
		MinConns:         cfg.DBMinConns,
		StatementTimeout: cfg.DBStatementTimeout,
		ApplicationName:  "sitrep",
	})
}

func mappingFromConfig(cfg *config.Config) surveillance.AttributeMapping {
	m := surveillance.DefaultAttributeMapping()
	if cfg.AttrAgeCode != m.Age[0] || cfg.AttrSexCode != m.Sex[0] || cfg.AttrOutcomeCode != m.Outcome[0] {
		m.Version = "env"
	}
	m.Age = []string{cfg.AttrAgeCode}
	m.Sex = []string{cfg.AttrSexCode}
	m.Outcome = []string{cfg.AttrOutcomeCode}
	return m
}

func newCache(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (cache.Store, error) {
	if cfg.RedisURL != "" {
		r, err := cache.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("using redis aggregate cache")
		return r, nil
	}
	m := cache.NewMemory()
	m.StartCleanup(ctx, time.Minute)
	return m, nil
}

func newArchive(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (archive.Store, error) {
	if cfg.ArchiveBucket == "" {
		logger.Warn().Msg("ARCHIVE_BUCKET not set, published reports are kept in memory")
		return archive.NewMemory(), nil
	}
	return archive.NewS3(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix)
}

// app is everything the HTTP server and the commands share.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	pool      *pgxpool.Pool
	store     cache.Store
	svc       *surveillance.Service
	publisher *surveillance.Publisher
	archive   archive.Store
	metrics   *telemetry.Metrics
	health    echo.HandlerFunc
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to warehouse: %w", err)
	}
	a.pool = pool
	a.health = db.PoolHealthHandler(pool)
	a.metrics = telemetry.New().WithPool(pool)

	a.store, err = newCache(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.archive, err = newArchive(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	reader := db.NewReader(pool, cfg.DBAcquireTimeout, db.RetryPolicy{
		Attempts:   cfg.DBRetryAttempts,
		Delay:      cfg.DBRetryDelay,
		Multiplier: cfg.DBRetryMultiplier,
	})
	repo := surveillance.NewRepoPG(reader, surveillance.Disease{ElementID: cfg.DiseaseElementID, Value: cfg.DiseaseValue})
	a.svc = surveillance.NewService(repo, a.store, surveillance.Options{
		CacheTTL:   cfg.CacheTTL,
		OptionsTTL: cfg.OptionsCacheTTL,
		Mapping:    mappingFromConfig(cfg),
		Recorder:   a.metrics,

		ComputeTimeout: cfg.RequestTimeout,
	})

	renderer, err := reporting.NewRenderer()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.publisher = surveillance.NewPublisher(a.svc, renderer, a.archive)
	return a, nil
}

// newServer builds the echo instance. It does no I/O so tests can drive it
// with a stub repository.
func newServer(a *app) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	if a.metrics != nil {
		e.Use(a.metrics.Middleware())
	}
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "If-None-Match", "X-Request-ID"},
	}))
	e.Use(middleware.RequestTimeout(a.cfg.RequestTimeout, "/health", "/metrics"))

	cacheCfg := middleware.DefaultCacheConfig()
	if a.cfg.CacheTTL > 0 {
		cacheCfg.MaxAge = int(a.cfg.CacheTTL.Seconds())
	}
	cacheCfg.ExcludePaths = []string{"/health", "/metrics", "/api/v1/sitrep/archive"}
	e.Use(middleware.ETag(cacheCfg))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if a.health != nil {
		e.GET("/health/db", a.health)
	}
	if a.metrics != nil {
		e.GET("/metrics", a.metrics.Handler())
	}

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))

	// Publishing is the only write; it needs an identity.
	var secured *echo.Group
	switch {
	case a.cfg.AuthEnabled():
		secured = apiV1.Group("", auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     a.cfg.AuthIssuer,
			Audience:   a.cfg.AuthAudience,
			SigningKey: []byte(a.cfg.AuthSigningKey),
			Leeway:     30 * time.Second,
		}))
	case a.cfg.IsDev():
		secured = apiV1.Group("", auth.DevAuthMiddleware())
	default:
		a.logger.Warn().Msg("no AUTH_SIGNING_KEY, report publishing is disabled")
	}

	surveillance.NewHandler(a.svc, a.publisher).RegisterRoutes(apiV1, secured)
	if a.archive != nil {
		archive.NewHandler(a.archive).RegisterRoutes(apiV1)
	}

	catalog, err := reporting.NewCatalog(a.svc.Measures()...)
	if err != nil {
		return nil, fmt.Errorf("build measure catalog: %w", err)
	}
	reporting.NewHandler(catalog).RegisterRoutes(apiV1)

	return e, nil
}

func serveCmd() *cobra.Command {
	var skipSchemaCheck bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the situation report API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(skipSchemaCheck)
		},
	}
	cmd.Flags().BoolVar(&skipSchemaCheck, "skip-schema-check", false, "Start without verifying warehouse tables and attribute codes")
	return cmd
}

func runServer(skipSchemaCheck bool) error {
	cfg, err := loadConfig()
	if err != nil {
		bootLogger := newLogger(nil)
		bootLogger.Error().Err(err).Msg("failed to load config")
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}
	defer a.Close()
	logger.Info().Msg("connected to warehouse")

	if !skipSchemaCheck {
		if err := a.svc.CheckSchema(ctx); err != nil {
			logger.Error().Err(err).Str("mapping", a.svc.Mapping().Version).Msg("warehouse schema check failed")
			return err
		}
		logger.Info().Str("mapping", a.svc.Mapping().Version).Msg("warehouse schema verified")
	}

	e, err := newServer(a)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// reportFlags are the report parameters accepted on the command line.
type reportFlags struct {
	year     string
	month    string
	location string
	days     int
	hours    int
}

func (f *reportFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.year, "year", "", `Report year, or "all" (default current year)`)
	cmd.Flags().StringVar(&f.month, "month", "", "Month number or name (default all months)")
	cmd.Flags().StringVar(&f.location, "location", "", "National, a region or a district (default national)")
	cmd.Flags().IntVar(&f.days, "days", 0, "Only events from the last N days")
	cmd.Flags().IntVar(&f.hours, "hours", 0, "Only events from the last N hours")
}

// query turns the flags into the same parameters the HTTP API reads.
func (f *reportFlags) query() url.Values {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("year", f.year)
	set("month", f.month)
	set("location", f.location)
	if f.days > 0 {
		set("days", strconv.Itoa(f.days))
	}
	if f.hours > 0 {
		set("hours", strconv.Itoa(f.hours))
	}
	return q
}

func (f *reportFlags) resolve(ctx context.Context, svc *surveillance.Service) (surveillance.ReportParams, surveillance.Location, error) {
	p, err := surveillance.ParseReportParams(f.query(), time.Now())
	if err != nil {
		return p, surveillance.Location{}, err
	}
	loc, err := svc.ResolveLocation(ctx, p.Location)
	return p, loc, err
}

// withApp loads config, connects and runs fn with a context carrying the logger.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	ctx := logger.WithContext(context.Background())
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func reportCmd() *cobra.Command {
	var (
		flags  reportFlags
		format string
		out    string
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate a situation report to stdout or a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "html" {
				return fmt.Errorf("unknown format %q", format)
			}
			return withApp(func(ctx context.Context, a *app) error {
				p, loc, err := flags.resolve(ctx, a.svc)
				if err != nil {
					return err
				}

				w := cmd.OutOrStdout()
				if out != "" {
					f, err := os.Create(out)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}

				var rep *surveillance.SitRep
				if format == "html" {
					var page []byte
					rep, page, err = a.publisher.Render(ctx, p, loc)
					if err != nil {
						return err
					}
					_, err = w.Write(page)
				} else {
					rep = a.svc.SitRep(ctx, p, loc)
					enc := json.NewEncoder(w)
					enc.SetIndent("", "  ")
					err = enc.Encode(rep)
				}
				if err != nil {
					return err
				}
				if failed := rep.Degraded(); len(failed) > 0 {
					a.logger.Warn().Strs("sections", failed).Msg("report generated with degraded sections")
				}
				return nil
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&format, "format", "json", "Output format: json or html")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write to this file instead of stdout")
	return cmd
}

func publishCmd() *cobra.Command {
	var (
		flags reportFlags
		by    string
	)
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Render a situation report and store it in the archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if a.cfg.ArchiveBucket == "" {
					return errors.New("ARCHIVE_BUCKET is required to publish from the command line")
				}
				p, loc, err := flags.resolve(ctx, a.svc)
				if err != nil {
					return err
				}
				stored, err := a.publisher.Publish(ctx, p, loc, by)
				if err != nil {
					return err
				}
				a.logger.Info().Str("id", stored.ID).Str("period", stored.Period).Str("location", stored.Location).Msg("report published")
				return json.NewEncoder(cmd.OutOrStdout()).Encode(stored)
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&by, "by", "cli", "Publisher recorded in the archive")
	return cmd
}

func checkSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-schema",
		Short: "Verify the warehouse tables and attribute codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.svc.CheckSchema(ctx); err != nil {
					return err
				}
				m := a.svc.Mapping()
				fmt.Fprintf(cmd.OutOrStdout(), "warehouse schema OK (mapping %s: %d attribute codes)\n", m.Version, len(m.Codes()))
				return nil
			})
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the development warehouse schema",
	}

	withMigrator := func(fn func(ctx context.Context, m *db.Migrator) error) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, db.NewMigrator(pool, migrations.FS))
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status, at := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							at = s.AppliedAt.Format(time.RFC3339)
						}
					}
					fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, at)
				}
				return nil
			})
		},
	})

	return cmd
}
