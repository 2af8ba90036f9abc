// custodyd is the KYC document custody service. It encrypts submitted KYC
// payloads under per-record data keys, wraps those keys through the configured
// key hierarchy, stores ciphertext in a content-addressed blob store and
// anchors hash-only proofs on an external ledger.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/touristsafe/custody/internal/api"
	"github.com/touristsafe/custody/internal/audit"
	"github.com/touristsafe/custody/internal/blob"
	"github.com/touristsafe/custody/internal/config"
	"github.com/touristsafe/custody/internal/crypto"
	"github.com/touristsafe/custody/internal/custody"
	"github.com/touristsafe/custody/internal/ledger"
	"github.com/touristsafe/custody/internal/metrics"
	"github.com/touristsafe/custody/internal/middleware"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	logger := logrus.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	applyLogConfig(logger, cfg.Log)

	if cfg.Auth.JWTSigningKey == "" {
		logger.Fatal("auth.jwt_signing_key is required (or set CUSTODY_JWT_SIGNING_KEY)")
	}

	metrics.SetVersion(version)
	m := metrics.New()

	shutdownTracing, err := setupTracing()
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Key wrap chain: KMS first, custodian RSA next, dev placeholder last.
	var keyManager crypto.KeyManager
	var readyChecks []func(context.Context) error
	if cfg.KMS.Configured() {
		kms, err := newKMIPManager(cfg.KMS)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to KMS")
		}
		defer kms.Close(context.Background())
		keyManager = kms
		readyChecks = append(readyChecks, kms.HealthCheck)
		logger.WithField("endpoint", cfg.KMS.Endpoint).Info("KMS key wrapping enabled")
	}

	chainOpts := crypto.WrapChainOptions{KeyManager: keyManager, Logger: logger}
	if cfg.Crypto.CustodianPublicKey != "" {
		chainOpts.CustodianPublicPEM, err = os.ReadFile(cfg.Crypto.CustodianPublicKey)
		if err != nil {
			logger.WithError(err).Fatal("Failed to read custodian public key")
		}
	}
	if cfg.Crypto.CustodianPrivate != "" {
		chainOpts.CustodianPrivatePEM, err = os.ReadFile(cfg.Crypto.CustodianPrivate)
		if err != nil {
			logger.WithError(err).Fatal("Failed to read custodian private key")
		}
	}
	chain, err := crypto.NewWrapChain(chainOpts)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build key wrap chain")
	}

	var blobs blob.Store
	if cfg.Blob.Bucket != "" {
		s3Store, err := blob.NewS3Store(&cfg.Blob)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize blob store")
		}
		blobs = s3Store
		logger.WithFields(logrus.Fields{
			"bucket": cfg.Blob.Bucket,
			"prefix": cfg.Blob.Prefix,
		}).Info("S3 blob store enabled")
	} else {
		blobs = blob.NewMemoryStore()
		logger.Warn("No blob bucket configured; ciphertext is held in memory (development only)")
	}

	var store custody.Store
	if cfg.Database.DSN != "" {
		pg, err := custody.NewPostgres(ctx, cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to database")
		}
		defer pg.Close()
		store = pg
		readyChecks = append(readyChecks, pg.Ping)
		logger.Info("PostgreSQL custody store enabled")
	} else {
		store = custody.NewMemoryStore()
		logger.Warn("No database configured; custody records are held in memory (development only)")
	}

	var anchor ledger.Anchor = ledger.NoopAnchor{}
	if cfg.Ledger.Configured() {
		anchor = ledger.NewHTTPAnchor(cfg.Ledger.Endpoint, cfg.Ledger.Headers, cfg.Ledger.Timeout)
		logger.WithField("endpoint", cfg.Ledger.Endpoint).Info("Ledger anchoring enabled")
	}

	var auditLog audit.Logger
	if cfg.Audit.Enabled {
		auditLog, err = audit.NewLoggerFromConfig(cfg.Audit)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize audit logger")
		}
		defer auditLog.Close()
	}

	algorithm := crypto.Algorithm(cfg.Crypto.Algorithm)
	if algorithm == "" {
		algorithm = crypto.DefaultAlgorithm()
	}
	logger.WithFields(logrus.Fields(crypto.HardwareInfo(algorithm))).Info("Payload cipher selected")

	service := custody.NewService(custody.ServiceOptions{
		Store:       store,
		Blobs:       blobs,
		Chain:       chain,
		Anchor:      anchor,
		Audit:       auditLog,
		Metrics:     m,
		Logger:      logger,
		Algorithm:   algorithm,
		SubjectSalt: cfg.Ledger.SubjectSalt,
	})

	if cfg.Ledger.Configured() {
		worker := ledger.NewWorker(anchor, service, logger, cfg.Ledger.RetryInterval, cfg.Ledger.MaxBackoff)
		go worker.Run(ctx)
	}

	handler := api.NewHandler(service, logger, m, readyChecks...)

	router := mux.NewRouter()
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))

	handler.RegisterHealthRoutes(router)
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	apiRouter := router.PathPrefix("/").Subrouter()
	apiRouter.Use(api.AuthMiddleware([]byte(cfg.Auth.JWTSigningKey)))
	handler.RegisterRoutes(apiRouter)

	// Live reload covers the log level; clients built at startup keep their
	// original configuration.
	if *configPath != "" {
		closeWatcher, err := config.Watch(*configPath, logger, func(next *config.Config) {
			applyLogConfig(logger, next.Log)
		})
		if err != nil {
			logger.WithError(err).Warn("Config watching disabled")
		} else {
			defer closeWatcher()
		}
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"addr":    cfg.Server.Addr,
			"version": version,
		}).Info("custodyd listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed")
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Graceful shutdown failed")
	}
}

func applyLogConfig(logger *logrus.Logger, cfg config.LogConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
}

// setupTracing installs a batching tracer provider. Spans go to stdout; swap
// the exporter when a collector becomes available.
func setupTracing() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// newKMIPManager builds the KMIP client with mutual TLS from file paths.
func newKMIPManager(cfg config.KMSConfig) (*crypto.KMIPManager, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CACert != "" {
		caPEM, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read KMS CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CACert)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load KMS client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return crypto.NewKMIPManager(crypto.KMIPOptions{
		Endpoint:  cfg.Endpoint,
		KeyID:     cfg.KeyID,
		TLSConfig: tlsConfig,
		Timeout:   cfg.Timeout,
		Provider:  cfg.Provider,
	})
}
