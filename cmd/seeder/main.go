package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/lead-capture-service/internal/config"
	"gitlab.com/timkado/api/lead-capture-service/internal/jetstream"
	"gitlab.com/timkado/api/lead-capture-service/internal/model"
	"gitlab.com/timkado/api/lead-capture-service/internal/observer"
	"gitlab.com/timkado/api/lead-capture-service/pkg/logger"
	"gitlab.com/timkado/api/lead-capture-service/pkg/utils"
)

// outboundMessage is one generated submission ready to publish.
type outboundMessage struct {
	Subject string
	Data    []byte
	Headers map[string]string
}

// batchTask is a batch of messages handed to one pool worker.
type batchTask struct {
	Messages   []outboundMessage
	NatsClient jetstream.ClientInterface
}

const defaultBatchSize = 50

func main() {
	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	natsURL := flag.String("url", cfg.NATS.URL, "NATS server URL")
	sourcesStr := flag.String("sources", "kiosk-1,kiosk-2,web", "Comma-separated list of source tokens appended to the subject")
	rate := flag.Int("rate", 50, "Target messages per second (total)")
	duration := flag.Duration("duration", time.Minute, "Seeding duration")
	concurrency := flag.Int("concurrency", 4, "Number of concurrent publishing workers")
	batchSize := flag.Int("batch-size", defaultBatchSize, "Number of messages per worker batch")
	dupRatio := flag.Float64("dup-ratio", 0.1, "Fraction of messages that resubmit an earlier lead")
	metricsPort := flag.Int("metrics-port", 9091, "Port for Prometheus metrics endpoint")
	logLevel := flag.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Lead Seeder\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Publishes fake lead submissions to NATS for the lead-capture-service.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *batchSize <= 0 {
		*batchSize = defaultBatchSize
	}
	if *rate <= 0 {
		fmt.Println("rate must be positive")
		os.Exit(1)
	}

	if err := logger.Initialize(*logLevel); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	observer.InitMetrics(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsServer := startMetricsServer(*metricsPort)
	var metricsWg sync.WaitGroup
	metricsWg.Add(1)
	go func() {
		defer metricsWg.Done()
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Log.Error("Metrics server shutdown error", zap.Error(err))
		}
	}()

	sources := splitNonEmpty(*sourcesStr)
	if len(sources) == 0 {
		logger.Log.Fatal("No sources provided")
	}

	logger.Log.Info("Starting lead seeder",
		zap.String("nats_url", *natsURL),
		zap.Strings("sources", sources),
		zap.Int("rate_per_sec", *rate),
		zap.Duration("duration", *duration),
		zap.Int("concurrency", *concurrency),
		zap.Int("batch_size", *batchSize),
		zap.Float64("dup_ratio", *dupRatio),
	)

	natsClient, err := jetstream.NewClient(*natsURL, "lead-seeder")
	if err != nil {
		logger.Log.Fatal("Failed to connect to NATS", zap.String("url", *natsURL), zap.Error(err))
	}
	defer natsClient.Close()

	var wg sync.WaitGroup
	pool, err := ants.NewPoolWithFunc(*concurrency, func(data interface{}) {
		publishBatch(data.(batchTask), &wg)
	})
	if err != nil {
		logger.Log.Fatal("Failed to create worker pool", zap.Error(err))
	}
	defer pool.Release()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	gen := newGenerator(rand.New(rand.NewSource(time.Now().UnixNano())), *dupRatio)

	var loopWg sync.WaitGroup
	loopWg.Add(1)
	loopDone := make(chan struct{})
	go func() {
		runSeedLoop(ctx, *rate, *duration, *batchSize, sources, gen, natsClient, pool, &wg, &loopWg)
		close(loopDone)
	}()

	select {
	case sig := <-sigChan:
		logger.Log.Info("Received termination signal, shutting down", zap.String("signal", sig.String()))
	case <-loopDone:
		logger.Log.Info("Seeding duration finished")
	}
	cancel()

	loopWg.Wait()
	wg.Wait()
	metricsWg.Wait()
	logger.Log.Info("Lead seeder shutdown complete")
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func startMetricsServer(port int) *http.Server {
	logger.Log.Info("Starting Prometheus metrics server", zap.Int("port", port))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Error("Failed to start Prometheus metrics server", zap.Error(err))
		}
	}()
	return server
}

// generator produces submissions. A share of them replay an earlier payload
// so the consumer's idempotent upsert is exercised.
type generator struct {
	rnd      *rand.Rand
	dupRatio float64
	history  []*model.SubmitLeadPayload
}

const historySize = 256

func newGenerator(rnd *rand.Rand, dupRatio float64) *generator {
	return &generator{rnd: rnd, dupRatio: dupRatio}
}

func (g *generator) next(source string) outboundMessage {
	var p *model.SubmitLeadPayload
	if len(g.history) > 0 && g.rnd.Float64() < g.dupRatio {
		p = g.history[g.rnd.Intn(len(g.history))]
	} else {
		p = model.NewSubmitLeadPayload()
		if len(g.history) < historySize {
			g.history = append(g.history, p)
		} else {
			g.history[g.rnd.Intn(historySize)] = p
		}
	}

	return outboundMessage{
		Subject: fmt.Sprintf("%s.%s", model.V1LeadsSubmit, source),
		Data:    utils.MustMarshalJSON(p),
		Headers: map[string]string{nats.MsgIdHdr: uuid.NewString()},
	}
}

// runSeedLoop paces message generation and hands full batches to the pool.
func runSeedLoop(ctx context.Context, rate int, duration time.Duration, batchSize int, sources []string, gen *generator, nc jetstream.ClientInterface, pool *ants.PoolWithFunc, wg *sync.WaitGroup, loopWg *sync.WaitGroup) {
	defer loopWg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()
	durationTimer := time.NewTimer(duration)
	defer durationTimer.Stop()

	counter := 0
	batch := make([]outboundMessage, 0, batchSize)

	submit := func(msgs []outboundMessage) {
		if len(msgs) == 0 {
			return
		}
		wg.Add(len(msgs))
		if err := pool.Invoke(batchTask{Messages: msgs, NatsClient: nc}); err != nil {
			logger.Log.Warn("Failed to invoke worker pool for batch", zap.Int("batch_size", len(msgs)), zap.Error(err))
			wg.Add(-len(msgs))
			for _, m := range msgs {
				observer.IncLoadgenPublishErrors(m.Subject)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			submit(batch)
			return
		case <-durationTimer.C:
			submit(batch)
			return
		case <-ticker.C:
			source := sources[counter%len(sources)]
			counter++

			msg := gen.next(source)
			observer.IncLoadgenMessagesAttempted(msg.Subject)
			batch = append(batch, msg)

			if len(batch) >= batchSize {
				submit(batch)
				batch = make([]outboundMessage, 0, batchSize)
			}
		}
	}
}

func publishBatch(task batchTask, wg *sync.WaitGroup) {
	for _, m := range task.Messages {
		func(m outboundMessage) {
			defer wg.Done()
			if err := task.NatsClient.Publish(m.Subject, m.Data, m.Headers); err != nil {
				logger.Log.Error("Failed to publish submission", zap.String("subject", m.Subject), zap.Error(err))
				observer.IncLoadgenPublishErrors(m.Subject)
				return
			}
			observer.IncLoadgenMessagesPublished(m.Subject)
		}(m)
	}
}
