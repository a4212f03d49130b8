package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/synapsehealth/dicom-gateway/internal/bus"
	"github.com/synapsehealth/dicom-gateway/internal/cache"
	"github.com/synapsehealth/dicom-gateway/internal/config"
	"github.com/synapsehealth/dicom-gateway/internal/database"
	"github.com/synapsehealth/dicom-gateway/internal/handlers"
	"github.com/synapsehealth/dicom-gateway/internal/middleware"
	"github.com/synapsehealth/dicom-gateway/internal/repository"
	"github.com/synapsehealth/dicom-gateway/internal/services"
	"github.com/synapsehealth/dicom-gateway/internal/volume"
	"github.com/synapsehealth/dicom-gateway/internal/ws"
	"github.com/synapsehealth/dicom-gateway/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Initialize logger
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log.Info().Msg("Starting DICOM Gateway")

	// Connect to database
	dbConfig := database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		LogLevel: cfg.Database.LogLevel,
	}

	if err := database.Connect(dbConfig); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	// Initialize the query cache tier
	var queryCache cache.Cache
	if cfg.Redis.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
		queryCache, err = cache.NewRedisCache(addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		log.Info().Msg("Redis query cache initialized")
	} else {
		queryCache = cache.NewMemoryCacheWithSweep(cfg.Cache.QuerySweep)
		log.Info().Msg("Memory query cache initialized")
	}
	defer queryCache.Close()

	// Initialize the disk cache
	store, err := cache.NewStore(cfg.Cache.Path, logger.Get())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize disk cache")
	}

	// Initialize repositories
	pacsRepo := repository.NewPACSRepository()
	indexRepo := repository.NewIndexRepository()

	// Initialize the progress bus
	progressBus := bus.New()

	// Initialize services
	pacsService := services.NewPACSService(cfg, pacsRepo, logger.Get())
	defer pacsService.Close()

	if err := pacsService.SyncNodes(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to sync PACS nodes")
	}

	ingestService := services.NewIngestService(store, indexRepo, logger.Get())
	retrieveService := services.NewRetrieveService(cfg, pacsService, ingestService, indexRepo, store, progressBus, logger.Get())

	baseURL := fmt.Sprintf("http://%s:%d", cfg.Local.PublicHostname, cfg.Server.Port)
	queryService := services.NewQueryService(pacsService, queryCache, indexRepo, baseURL, logger.Get())
	retrieveService.SetQueryInvalidator(queryService.InvalidateStudy)

	// Bind the storage SCP before serving HTTP so C-MOVE destinations
	// resolve from the first request onward.
	scpService := services.NewSCPService(cfg, ingestService, logger.Get())
	if err := scpService.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start storage SCP")
	}
	retrieveService.SetInboundAborter(scpService.AbortInboundFrom)

	// Start the cache sweeper
	sweeper := cache.NewSweeper(store, indexRepo, cache.SweeperConfig{
		RetentionDays: cfg.Cache.RetentionDays,
		MaxBytes:      cfg.MaxCacheBytes(),
		CleanupCron:   cfg.Cache.CleanupCron,
		SizeSweepCron: cfg.Cache.SizeSweepCron,
	}, logger.Get())
	if err := sweeper.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start cache sweeper")
	}

	extractor := volume.NewExtractor(logger.Get())
	hub := ws.NewHub(progressBus, retrieveService, logger.Get())

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(scpService.Ready)
	dicomwebHandler := handlers.NewDICOMWebHandler(queryService, retrieveService, indexRepo, store, extractor)
	retrieveHandler := handlers.NewRetrieveHandler(retrieveService)
	managementHandler := handlers.NewManagementHandler(pacsService)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health endpoints
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// DICOMweb endpoints
	r.Route("/dicomweb", func(r chi.Router) {
		// QIDO-RS (Query)
		r.Get("/studies", dicomwebHandler.SearchStudies)
		r.Get("/studies/{studyUid}/series", dicomwebHandler.SearchSeries)
		r.Get("/studies/{studyUid}/series/{seriesUid}/instances", dicomwebHandler.SearchInstances)

		// WADO-RS (Retrieve)
		r.Get("/studies/{studyUid}/metadata", dicomwebHandler.GetStudyMetadata)
		r.Get("/studies/{studyUid}/series/{seriesUid}/instances/{sopUid}", dicomwebHandler.RetrieveInstance)
		r.Get("/studies/{studyUid}/series/{seriesUid}/pixeldata", dicomwebHandler.GetPixelData)
	})

	// Management API
	r.Route("/api", func(r chi.Router) {
		r.Post("/retrieve/study/{studyUid}", retrieveHandler.StartStudyRetrieve)
		r.Get("/retrieve/study/{studyUid}", retrieveHandler.GetStudyRetrieve)
		r.Delete("/retrieve/study/{studyUid}", retrieveHandler.CancelStudyRetrieve)

		r.Get("/pacs/nodes", managementHandler.ListNodes)
		r.Post("/pacs/echo/{name}", managementHandler.EchoNode)
	})

	// WebSocket progress feed
	r.Get("/ws/retrieve/{studyUid}", hub.HandleRetrieveProgress)

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	scpService.Stop()
	sweeper.Stop()
	if closer, ok := queryCache.(interface{ Close() error }); ok {
		_ = closer.Close()
	}

	log.Info().Msg("Server stopped")
}
