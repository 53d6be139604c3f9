package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/medichain/platform/pkg/access"
	"github.com/medichain/platform/pkg/audit"
	"github.com/medichain/platform/pkg/cards"
	"github.com/medichain/platform/pkg/common/config"
	"github.com/medichain/platform/pkg/common/database"
	"github.com/medichain/platform/pkg/common/kafka"
	"github.com/medichain/platform/pkg/common/logger"
	"github.com/medichain/platform/pkg/dispatch"
	"github.com/medichain/platform/pkg/gateway/auth"
	"github.com/medichain/platform/pkg/gateway/middleware"
	"github.com/medichain/platform/pkg/identity"
	"github.com/medichain/platform/pkg/labs"
	"github.com/medichain/platform/pkg/observability/metrics"
	"github.com/medichain/platform/pkg/phi"
	"github.com/medichain/platform/pkg/records"
	"github.com/medichain/platform/pkg/records/keys"
	"github.com/medichain/platform/pkg/records/objectstore"
)

func main() {
	godotenv.Load()
	logger.Init()
	metrics.Init()
	cfg := config.Load()

	// Audit log: scrubbed, optionally mirrored to kafka.
	scrubber, err := phi.NewScrubber(phi.DefaultRules())
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to build phi scrubber")
	}

	auditOpts := []audit.Option{audit.WithScrubber(scrubber)}
	if cfg.AuditKafkaTopic != "" {
		producer := kafka.NewProducer(cfg.AuditKafkaTopic)
		defer producer.Close()
		auditOpts = append(auditOpts, audit.WithStream(producer))
	}

	var (
		auditLog   *audit.Log
		users      identity.UserRegistry
		patients   identity.PatientStore
		grantStore access.GrantStore
		cardStore  cards.CardStore
		index      records.RecordIndex
		labStore   labs.SubmissionStore
		patientDir cards.PatientDirectory
	)

	switch cfg.StoreBackend {
	case "postgres":
		db, err := database.GetPostgres()
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to connect to postgres")
		}

		auditRepo := audit.NewRepository(db)
		identityRepo := identity.NewRepository(db)
		accessRepo := access.NewRepository(db)
		cardRepo := cards.NewRepository(db)
		recordRepo := records.NewRepository(db)
		labRepo := labs.NewRepository(db)
		for name, migrate := range map[string]func() error{
			"audit":    auditRepo.AutoMigrate,
			"identity": identityRepo.AutoMigrate,
			"access":   accessRepo.AutoMigrate,
			"cards":    cardRepo.AutoMigrate,
			"records":  recordRepo.AutoMigrate,
			"labs":     labRepo.AutoMigrate,
		} {
			if err := migrate(); err != nil {
				logger.Log.WithError(err).Fatalf("failed to migrate %s tables", name)
			}
		}

		auditLog = audit.New(auditRepo, auditOpts...)
		users = identityRepo
		patients = identityRepo
		grantStore = access.NewCachedGrantStore(accessRepo, database.GetRedis())
		cardStore = cardRepo
		index = recordRepo
		labStore = labRepo
		patientDir = identityRepo

	default:
		memRegistry := identity.NewMemoryRegistry()
		auditLog = audit.New(audit.NewMemoryStore(), auditOpts...)
		users = memRegistry
		patients = memRegistry
		grantStore = access.NewMemoryGrantStore()
		cardStore = cards.NewMemoryCardStore()
		index = records.NewMemoryIndex()
		labStore = labs.NewMemoryStore()
		patientDir = memRegistry
	}

	// Object store backend.
	var store objectstore.Store
	switch cfg.ObjectStoreBackend {
	case "remote":
		store = objectstore.NewRemoteStore(cfg.ObjectStoreURL, cfg.ObjectStoreTimeout)
	case "memory":
		store = objectstore.NewMemoryStore()
	default:
		ldb, err := objectstore.OpenLevelDB(cfg.ObjectStorePath)
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to open object store")
		}
		defer ldb.Close()
		store = ldb
	}

	// Patient key material.
	var provider keys.Provider
	switch {
	case cfg.MasterKeyFile != "":
		provider, err = keys.NewFileProvider(cfg.MasterKeyFile)
	case cfg.MasterKeyHex != "":
		provider, err = keys.NewStaticProviderHex(cfg.MasterKeyHex)
	default:
		err = keys.ErrNoKeyMaterial
	}
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load patient key material")
	}

	identitySvc := identity.NewService(users, patients, auditLog)
	grantSvc := access.NewService(grantStore, auditLog)
	engine := access.NewEngine(grantStore, identitySvc)
	cardSvc := cards.NewService(cardStore, patientDir, auditLog)
	recordSvc := records.NewService(store, provider, index, patientDir, auditLog)

	validator, err := labs.NewValidator()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to compile lab schema")
	}
	catalog, err := labs.LoadCatalog(cfg.LabCatalogPath)
	if err != nil {
		logger.Log.WithError(err).Warn("falling back to built-in lab catalog")
	}
	labSvc := labs.NewService(labStore, patientDir, recordSvc, auditLog, validator, catalog)

	dispatcher := dispatch.New(identitySvc, grantSvc, engine, cardSvc, recordSvc, labSvc, auditLog)
	handler := dispatch.NewHTTPHandler(dispatcher, cfg.MaxRequestBody)

	if cfg.SeedDemo {
		seedDemo(users)
	}

	tokenManager, err := auth.NewTokenManager(cfg.TokenSecret, cfg.TokenIssuer, cfg.TokenTTL)
	if err != nil {
		logger.Log.WithError(err).Fatal("token secret missing or too short")
	}
	var verifier middleware.Verifier = middleware.TokenVerifier{Manager: tokenManager}
	if cfg.OIDCIssuer != "" {
		oidc, err := auth.NewOIDCAuthenticator(cfg.OIDCIssuer, cfg.OIDCClientID, cfg.OIDCClientSecret)
		if err != nil {
			logger.Log.WithError(err).Fatal("invalid OIDC configuration")
		}
		verifier = middleware.OIDCVerifier{Authenticator: oidc}
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w)
	}).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(
		middleware.Logging,
		middleware.Recovery,
		middleware.RateLimit(cfg.GatewayRateLimitRPS, cfg.GatewayRateLimitBurst),
		middleware.BodyLimit(cfg.MaxRequestBody),
		middleware.Authenticate(verifier, "/api/v1/cards/tap"),
	)
	handler.Register(api)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Records service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down records service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("forced shutdown")
	}
	database.ClosePostgres()
	database.CloseRedis()
}
