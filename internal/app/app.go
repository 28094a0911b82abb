package app

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/scimcore/internal/clientapp"
	"github.com/wisbric/scimcore/internal/config"
	"github.com/wisbric/scimcore/internal/httpserver"
	"github.com/wisbric/scimcore/internal/platform"
	"github.com/wisbric/scimcore/internal/scimclient"
	"github.com/wisbric/scimcore/internal/scimtoken"
	"github.com/wisbric/scimcore/internal/telemetry"
	"github.com/wisbric/scimcore/pkg/scim"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api or worker).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting scimcore", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "scimcore", "dev")
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Warn("redis unavailable, poller will run tick-only", "error", err)
		rdb = nil
	} else {
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error("closing redis", "error", err)
			}
		}()
	}

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	if !cfg.SCIMEnabled {
		logger.Warn("scimcore disabled via SCIMCORE_ENABLED, idling")
		<-ctx.Done()
		return nil
	}

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, db, rdb)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// redisNotifier publishes to scim.DeliveryReadyChannel after Intake inserts
// Deliveries, letting ScheduledProcessor's subscriber run a tick right away.
// Publish failures are logged and swallowed: Redis is a latency
// optimization only, never a correctness dependency (mirrors
// httpserver.Server.handleReadyz's treatment of Redis).
type redisNotifier struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func (n *redisNotifier) Notify(ctx context.Context) {
	if err := n.rdb.Publish(ctx, scim.DeliveryReadyChannel, "1").Err(); err != nil {
		n.logger.Warn("scim: publishing delivery-ready wake-up", "error", err)
	}
}

// buildCore wires the shared pkg/scim components (stores, translator,
// token signer, HTTP client) used by both the api and worker modes.
func buildCore(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) (*scim.Service, *scim.Intake, *scim.Worker, *scim.DeliveryStore, error) {
	signingKey, keyID, err := loadOrGenerateSigningKey(cfg, logger)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("loading signing key: %w", err)
	}

	httpTimeout, err := time.ParseDuration(cfg.SCIMHTTPTimeout)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("parsing http timeout %q: %w", cfg.SCIMHTTPTimeout, err)
	}
	tokenLifetime, err := time.ParseDuration(cfg.SCIMTokenLifetime)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("parsing token lifetime %q: %w", cfg.SCIMTokenLifetime, err)
	}

	destinations := scim.NewDestinationStore(db)
	events := scim.NewEventStore(db)
	deliveries := scim.NewDeliveryStore(db)
	mappings := scim.NewMappingStore(db)
	apps := clientapp.NewStore(db)

	translator := scim.NewTranslator()
	minter := scimtoken.NewMinter(signingKey, keyID)
	client := scimclient.New(httpTimeout, httpTimeout)

	var notifier scim.Notifier
	if rdb != nil {
		notifier = &redisNotifier{rdb: rdb, logger: logger}
	}

	worker := scim.NewWorker(destinations, events, deliveries, mappings, translator, minter, client, cfg.IssuerURL, tokenLifetime, logger)
	intake := scim.NewIntake(events, deliveries, destinations, logger, notifier, telemetry.FanoutDeliveriesCreated)
	service := scim.NewService(db, destinations, mappings, deliveries, apps, apps, minter, client, cfg.IssuerURL, logger)

	return service, intake, worker, deliveries, nil
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	service, intake, _, _, err := buildCore(cfg, logger, db, rdb)
	if err != nil {
		return err
	}

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg)

	scimHandler := scim.NewHandler(service, intake, logger)
	srv.Router.Mount("/api/v1/scim", scimHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) error {
	_, _, worker, deliveries, err := buildCore(cfg, logger, db, rdb)
	if err != nil {
		return err
	}

	pollInterval, err := time.ParseDuration(cfg.SCIMPollInterval)
	if err != nil {
		return fmt.Errorf("parsing poll interval %q: %w", cfg.SCIMPollInterval, err)
	}
	drainTimeout, err := time.ParseDuration(cfg.SCIMDrainTimeout)
	if err != nil {
		return fmt.Errorf("parsing drain timeout %q: %w", cfg.SCIMDrainTimeout, err)
	}
	reclaimAfter, err := time.ParseDuration(cfg.SCIMReclaimAfter)
	if err != nil {
		return fmt.Errorf("parsing reclaim after %q: %w", cfg.SCIMReclaimAfter, err)
	}

	if cfg.SCIMProcessor != "scheduled" {
		return fmt.Errorf("unsupported scim processor %q (only \"scheduled\" is implemented)", cfg.SCIMProcessor)
	}

	processor := scim.NewScheduledProcessor(deliveries, worker, rdb, logger, scim.ScheduledProcessorConfig{
		PollInterval: pollInterval,
		BatchSize:    cfg.SCIMBatchSize,
		ReclaimAfter: reclaimAfter,
		DrainTimeout: drainTimeout,
	}, telemetry.PollerBatchSize)

	logger.Info("scim worker started", "processor", "scheduled", "poll_interval", pollInterval)

	errCh := make(chan error, 1)
	go func() { errCh <- processor.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down scim worker")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout+5*time.Second)
		defer cancel()
		if err := processor.Stop(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// loadOrGenerateSigningKey parses cfg.SigningKeyPEM (PKCS#1 or PKCS#8 RSA
// private key) if set, or generates an ephemeral dev key otherwise —
// mirroring the teacher's auth.GenerateDevSecret() fallback for the session
// signing secret: safe for local development, unsuitable for production
// (tokens would stop verifying on every restart).
func loadOrGenerateSigningKey(cfg *config.Config, logger *slog.Logger) (*rsa.PrivateKey, string, error) {
	if cfg.SigningKeyPEM == "" {
		logger.Warn("scimtoken: using auto-generated ephemeral signing key (set SCIMCORE_SIGNING_KEY_PEM in production)")
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, "", err
		}
		return key, cfg.SigningKeyID, nil
	}

	block, _ := pem.Decode([]byte(cfg.SigningKeyPEM))
	if block == nil {
		return nil, "", fmt.Errorf("decoding signing key PEM: no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, cfg.SigningKeyID, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, "", fmt.Errorf("parsing signing key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, "", fmt.Errorf("signing key is not an RSA private key")
	}
	return key, cfg.SigningKeyID, nil
}
