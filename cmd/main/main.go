package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/lead-capture-service/internal/api"
	"gitlab.com/timkado/api/lead-capture-service/internal/config"
	"gitlab.com/timkado/api/lead-capture-service/internal/filter"
	"gitlab.com/timkado/api/lead-capture-service/internal/healthcheck"
	"gitlab.com/timkado/api/lead-capture-service/internal/ingestion"
	"gitlab.com/timkado/api/lead-capture-service/internal/ingestion/handler"
	"gitlab.com/timkado/api/lead-capture-service/internal/jetstream"
	"gitlab.com/timkado/api/lead-capture-service/internal/model"
	"gitlab.com/timkado/api/lead-capture-service/internal/observer"
	"gitlab.com/timkado/api/lead-capture-service/internal/storage"
	"gitlab.com/timkado/api/lead-capture-service/internal/usecase"
	"gitlab.com/timkado/api/lead-capture-service/pkg/logger"
	"gitlab.com/timkado/api/lead-capture-service/pkg/utils"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	// Set timezone to UTC
	time.Local = time.UTC

	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(cfg.LogLevel); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	observer.InitMetrics(cfg.Metrics.Enabled)

	logger.Log.Info("Starting Lead Capture Service",
		zap.String("environment", cfg.Environment),
		zap.String("version", version),
		zap.String("store_driver", cfg.Store.Driver),
		zap.Bool("dual_write", cfg.Store.DualWrite),
		zap.Bool("nats_enabled", cfg.NATS.Enabled),
	)

	startCtx, startCancel := context.WithTimeout(context.Background(), time.Minute)
	store, err := storage.Open(startCtx, cfg.Store)
	startCancel()
	if err != nil {
		logger.Log.Fatal("Failed to open record store", zap.Error(err))
	}
	store = storage.WithTimeout(store, cfg.Store.OpTimeout)

	service := usecase.NewLeadService(store, cfg.Store.DualWrite, filter.Options{
		PushDown:     cfg.Filters.PushDown,
		DefaultLimit: cfg.Filters.DefaultLimit,
		MaxLimit:     cfg.Filters.MaxLimit,
	})

	// Optional NATS ingestion
	var (
		jsClient *jetstream.Client
		consumer *ingestion.LeadConsumer
	)
	if cfg.NATS.Enabled {
		jsClient, consumer, err = initIngestion(cfg, service)
		if err != nil {
			logger.Log.Fatal("Failed to initialize NATS ingestion", zap.Error(err))
		}
	}

	healthServer := healthcheck.NewServer(cfg.Metrics.Port, version, logger.Log)
	healthServer.AddReadinessCheck("store", service)
	if cfg.Metrics.Enabled {
		healthServer.RegisterMetricsHandler(promhttp.Handler())
		logger.Log.Info("Metrics endpoint enabled", zap.String("path", "/metrics"), zap.Int("port", cfg.Metrics.Port))
	} else {
		logger.Log.Info("Metrics endpoint disabled", zap.String("environment", cfg.Environment))
	}
	healthServer.Start()

	router := api.NewRouter(service, api.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxImportBytes: cfg.Server.MaxImportBytes,
		Logger:         logger.Log,
	})
	apiServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Log.Info("Starting API server", zap.String("addr", apiServer.Addr))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("API server error, initiating shutdown", zap.Error(err))
			select {
			case sigChan <- syscall.SIGTERM:
			default:
				logger.Log.Warn("Could not send SIGTERM to signal channel immediately")
			}
		}
	}()

	if consumer != nil {
		if err := consumer.Start(); err != nil {
			logger.Log.Fatal("Failed to start lead consumer", zap.Error(err))
		}
	}

	sig := <-sigChan
	logger.Log.Info("Received termination signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	logger.Log.Info("Starting graceful shutdown", zap.Duration("timeout", shutdownTimeout))

	stop := func(wg *sync.WaitGroup, name string, fn func() error) {
		wg.Add(1)
		utils.SafeGo(func() {
			defer wg.Done()
			logger.Log.Info("[shutdown] Stopping " + name)
			start := time.Now()
			if err := fn(); err != nil {
				logger.Log.Error("[shutdown] Error stopping "+name, zap.Error(err))
				return
			}
			logger.Log.Info("[shutdown] Stopped "+name, zap.Duration("duration", time.Since(start)))
		}, func(r interface{}, stack []byte) {
			logger.Log.Error("[shutdown] Panic while stopping "+name,
				zap.Any("panic", r),
				zap.ByteString("stack", stack),
			)
		})
	}

	// In-flight HTTP requests and NATS messages finish before the store closes.
	var servers sync.WaitGroup
	stop(&servers, "API server", func() error { return apiServer.Shutdown(shutdownCtx) })
	if consumer != nil {
		stop(&servers, "lead consumer", func() error { consumer.Stop(); return nil })
	}
	stop(&servers, "health check server", func() error { return healthServer.Stop(shutdownCtx) })
	if !waitWithTimeout(shutdownCtx, &servers) {
		logger.Log.Warn("[shutdown] Servers did not stop in time, closing connections anyway")
	}

	var conns sync.WaitGroup
	if jsClient != nil {
		stop(&conns, "JetStream connection", func() error { jsClient.Close(); return nil })
	}
	stop(&conns, "record store", func() error { return store.Close(shutdownCtx) })

	if waitWithTimeout(shutdownCtx, &conns) {
		logger.Log.Info("[shutdown] All components stopped gracefully")
	} else {
		logger.Log.Warn("[shutdown] Graceful shutdown timed out, forcing exit")
	}

	logger.Log.Info("Lead Capture Service shutdown complete")
}

// initIngestion connects to NATS and prepares the lead consumer. The caller
// starts it once the HTTP side is up.
func initIngestion(cfg *config.Config, service *usecase.LeadService) (*jetstream.Client, *ingestion.LeadConsumer, error) {
	client, err := jetstream.NewClient(cfg.NATS.URL, "lead-capture-service")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create JetStream client: %w", err)
	}

	leadHandler := handler.NewLeadHandler(service)
	router := ingestion.NewRouter()
	router.Register(model.V1LeadsSubmit, leadHandler.HandleEvent)
	router.Register(model.V1LeadsDelete, leadHandler.HandleEvent)

	consumer, err := ingestion.NewLeadConsumer(client, router, cfg.NATS.Leads, cfg.WorkerPools.Ingestion)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to create lead consumer: %w", err)
	}
	if err := consumer.Setup(); err != nil {
		consumer.Stop()
		client.Close()
		return nil, nil, fmt.Errorf("failed to set up lead consumer: %w", err)
	}

	logger.Log.Info("NATS ingestion ready",
		zap.String("stream", cfg.NATS.Leads.Stream),
		zap.String("consumer", cfg.NATS.Leads.Consumer),
		zap.Strings("subjects", cfg.NATS.Leads.SubjectList),
	)
	return client, consumer, nil
}

// waitWithTimeout reports whether wg finished before ctx ended.
func waitWithTimeout(ctx context.Context, wg *sync.WaitGroup) bool {
	waitCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		return true
	case <-ctx.Done():
		return false
	}
}
