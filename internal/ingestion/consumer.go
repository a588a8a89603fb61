package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/lead-capture-service/internal/apperrors"
	"gitlab.com/timkado/api/lead-capture-service/internal/config"
	"gitlab.com/timkado/api/lead-capture-service/internal/jetstream"
	"gitlab.com/timkado/api/lead-capture-service/internal/model"
	"gitlab.com/timkado/api/lead-capture-service/internal/observer"
	"gitlab.com/timkado/api/lead-capture-service/pkg/logger"
	"gitlab.com/timkado/api/lead-capture-service/pkg/utils"
)

// AckNakAction represents the decision made after processing a message
type AckNakAction int

const (
	ActionAck      AckNakAction = iota // processed, ACK it
	ActionNak                          // NAK for immediate redelivery
	ActionNakDelay                     // retryable error, NAK with backoff delay
	ActionTerm                         // fatal error or retries exhausted, stop redelivery
)

const releaseTimeout = 30 * time.Second

// acker is the part of *nats.Msg used to settle a delivery.
type acker interface {
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
	NakWithDelay(delay time.Duration, opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
	Metadata() (*nats.MsgMetadata, error)
}

type delivery struct {
	subject string
	header  nats.Header
	data    []byte
	msg     acker
}

// LeadConsumer consumes lead events from a durable JetStream queue consumer
// and processes them on an ants worker pool.
type LeadConsumer struct {
	client  jetstream.ClientInterface
	router  RouterInterface
	cfg     config.ConsumerNatsConfig
	poolCfg config.WorkerPoolConfig
	pool    *ants.PoolWithFunc
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	log     *zap.Logger
}

// NewLeadConsumer creates the consumer and its worker pool.
func NewLeadConsumer(client jetstream.ClientInterface, router RouterInterface, cfg config.ConsumerNatsConfig, poolCfg config.WorkerPoolConfig) (*LeadConsumer, error) {
	log := logger.FromContext(context.Background()).Named("ingestion")
	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(), log))

	c := &LeadConsumer{
		client:  client,
		router:  router,
		cfg:     cfg,
		poolCfg: poolCfg,
		ctx:     ctx,
		cancel:  cancel,
		log:     log,
	}

	pool, err := ants.NewPoolWithFunc(poolCfg.PoolSize, func(i interface{}) {
		d, ok := i.(delivery)
		if !ok {
			log.Error("Invalid task data type received", zap.Any("data", i))
			return
		}
		c.process(d)
	},
		ants.WithExpiryDuration(poolCfg.ExpiryTime),
		ants.WithNonblocking(false),
		ants.WithMaxBlockingTasks(poolCfg.QueueSize),
		ants.WithPanicHandler(func(p interface{}) {
			log.Error("Panic recovered in ingestion worker", zap.Any("panic", p), zap.Stack("stack"))
		}),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create ingestion worker pool: %w", err)
	}
	c.pool = pool

	log.Info("Ingestion worker pool initialized",
		zap.Int("pool_size", poolCfg.PoolSize),
		zap.Int("queue_size", poolCfg.QueueSize),
		zap.Duration("expiry_time", poolCfg.ExpiryTime),
	)
	return c, nil
}

// streamConfig is the LEADS stream definition.
func (c *LeadConsumer) streamConfig() *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:      c.cfg.Stream,
		Subjects:  c.cfg.SubjectList,
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    time.Duration(c.cfg.MaxAge*24) * time.Hour,
	}
}

// consumerConfig is the durable push consumer shared by every replica
// through its deliver group.
func (c *LeadConsumer) consumerConfig() *nats.ConsumerConfig {
	cc := &nats.ConsumerConfig{
		Durable:        c.cfg.Consumer,
		DeliverGroup:   c.cfg.QueueGroup,
		AckPolicy:      nats.AckExplicitPolicy,
		DeliverSubject: nats.NewInbox(),
		DeliverPolicy:  nats.DeliverAllPolicy,
		ReplayPolicy:   nats.ReplayInstantPolicy,
		MaxDeliver:     c.cfg.MaxDeliver,
		AckWait:        c.cfg.AckWait,
		MaxAckPending:  c.poolCfg.PoolSize + c.poolCfg.QueueSize,
	}
	if len(c.cfg.SubjectList) == 1 {
		cc.FilterSubject = c.cfg.SubjectList[0]
	} else {
		cc.FilterSubjects = c.cfg.SubjectList
	}
	return cc
}

// Setup ensures the stream and the durable consumer exist.
func (c *LeadConsumer) Setup() error {
	log := c.log.With(zap.String("stream", c.cfg.Stream), zap.String("consumer", c.cfg.Consumer))
	log.Info("Setting up lead consumer")

	if err := c.client.SetupStream(c.ctx, c.streamConfig()); err != nil {
		log.Error("Failed to setup lead stream", zap.Error(err))
		return fmt.Errorf("failed to setup stream '%s': %w", c.cfg.Stream, err)
	}
	if err := c.client.SetupConsumer(c.ctx, c.cfg.Stream, c.consumerConfig()); err != nil {
		log.Error("Failed to setup lead consumer", zap.Error(err))
		return fmt.Errorf("failed to setup consumer '%s' for stream '%s': %w", c.cfg.Consumer, c.cfg.Stream, err)
	}

	log.Info("Lead consumer setup complete")
	return nil
}

// Start subscribes to the stream. Each message is handed to the pool; a
// full pool blocks the subscription callback, which throttles delivery.
func (c *LeadConsumer) Start() error {
	subject := "v1.leads.>"
	if len(c.cfg.SubjectList) == 1 {
		subject = c.cfg.SubjectList[0]
	}
	sub, err := c.client.SubscribePush(subject, c.cfg.Consumer, c.cfg.QueueGroup, c.cfg.Stream, func(msg *nats.Msg) {
		c.dispatch(delivery{subject: msg.Subject, header: msg.Header, data: msg.Data, msg: msg})
	})
	if err != nil {
		c.log.Error("Failed to subscribe lead consumer", zap.Error(err),
			zap.String("stream", c.cfg.Stream),
			zap.String("consumer", c.cfg.Consumer),
			zap.String("group", c.cfg.QueueGroup),
		)
		return fmt.Errorf("failed to subscribe consumer '%s': %w", c.cfg.Consumer, err)
	}
	c.sub = sub
	c.log.Info("Lead consumer subscribed", zap.String("subject", subject))
	return nil
}

// Stop drains the subscription and waits for in-flight messages.
func (c *LeadConsumer) Stop() {
	c.log.Info("Stopping lead consumer")
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			c.log.Error("Error draining lead subscription", zap.Error(err))
		}
	}
	if err := c.pool.ReleaseTimeout(releaseTimeout); err != nil {
		c.log.Warn("Ingestion workers did not finish in time", zap.Error(err))
	}
	c.cancel()
	observer.SetIngestionWorkersRunning(0)
	c.log.Info("Lead consumer stopped")
}

func (c *LeadConsumer) dispatch(d delivery) {
	observer.IncIngestionTasksSubmitted()
	if err := c.pool.Invoke(d); err != nil {
		c.log.Warn("Failed to submit message to ingestion pool", zap.String("subject", d.subject), zap.Error(err))
		if errors.Is(err, ants.ErrPoolClosed) {
			return // left unacked, redelivered after AckWait
		}
		if nakErr := d.msg.NakWithDelay(c.cfg.NakBaseDelay); nakErr != nil {
			c.log.Error("Failed to NAK message after pool rejection", zap.Error(nakErr))
		}
		return
	}
	observer.SetIngestionWorkersRunning(c.pool.Running())
}

// process routes one delivery and settles it according to the outcome.
func (c *LeadConsumer) process(d delivery) {
	start := utils.Now()
	eventType, found := model.MapToBaseEventType(d.subject)
	source := model.SourceFromSubject(d.subject)

	defer func() {
		observer.ObserveEventProcessingDuration(string(eventType), source, time.Since(start))
		if r := recover(); r != nil {
			c.log.Error("[panic] Recovered from panic in message handler",
				zap.Any("panic", r),
				zap.String("subject", d.subject),
				zap.Stack("stack"),
			)
			observer.IncEventsFailed(string(eventType), source)
			observer.IncEventProcessingAction(string(eventType), "panic_nak", "panic")
			if nakErr := d.msg.Nak(); nakErr != nil {
				c.log.Error("Failed to NAK message after panic", zap.Error(nakErr))
			}
		}
	}()

	if !found {
		c.log.Warn("Unknown event type, terminating message", zap.String("subject", d.subject))
		observer.IncEventProcessingAction(string(eventType), "term_unknown_type", "unknown_event_type")
		if err := d.msg.Term(); err != nil {
			c.log.Error("Failed to TERM message for unknown event type", zap.Error(err))
		}
		return
	}

	metadata, err := d.msg.Metadata()
	if err != nil {
		c.log.Error("Failed to read message metadata", zap.Error(err))
		observer.IncEventProcessingAction(string(eventType), "nak_metadata_error", "metadata")
		if nakErr := d.msg.Nak(); nakErr != nil {
			c.log.Error("Failed to NAK message", zap.Error(nakErr))
		}
		return
	}

	msgID := d.header.Get(nats.MsgIdHdr)
	if msgID == "" {
		msgID = fmt.Sprintf("msg-%d", metadata.Sequence.Stream)
	}
	meta := &model.MessageMetadata{
		StreamSequence:   metadata.Sequence.Stream,
		ConsumerSequence: metadata.Sequence.Consumer,
		NumDelivered:     metadata.NumDelivered,
		NumPending:       metadata.NumPending,
		Timestamp:        metadata.Timestamp,
		Stream:           metadata.Stream,
		Consumer:         metadata.Consumer,
		MessageID:        msgID,
		MessageSubject:   d.subject,
	}

	observer.IncEventsReceived(string(eventType), source)
	log := c.log.With(
		zap.String("nats_message_id", msgID),
		zap.Uint64("stream_sequence", meta.StreamSequence),
		zap.Uint64("num_delivered", meta.NumDelivered),
		zap.String("subject", d.subject),
	)
	ctx := logger.WithLogger(c.ctx, log)

	processingErr := c.router.Route(ctx, meta, d.data)
	action, delay := determineAckNakAction(processingErr, meta.NumDelivered, c.cfg.MaxDeliver, c.cfg.NakBaseDelay, c.cfg.NakMaxDelay)

	errorType := "none"
	if processingErr != nil {
		errorType = processingErr.Error()
	}

	switch action {
	case ActionAck:
		log.Debug("Message processed", zap.Duration("duration", time.Since(start)))
		observer.IncEventsProcessed(string(eventType), source)
		observer.IncEventProcessingAction(string(eventType), "ack_success", errorType)
		if err := d.msg.Ack(); err != nil {
			log.Error("Failed to ACK message", zap.Error(err))
		}

	case ActionNakDelay:
		log.Warn("NAKing message for redelivery",
			zap.Error(processingErr),
			zap.Int("max_deliver", c.cfg.MaxDeliver),
			zap.Duration("nak_delay", delay),
		)
		observer.IncEventsFailed(string(eventType), source)
		observer.IncEventProcessingAction(string(eventType), "nak_retry", errorType)
		if err := d.msg.NakWithDelay(delay); err != nil {
			log.Error("Failed to NAK message with delay", zap.Error(err))
		}

	case ActionTerm:
		reason := "fatal error"
		if apperrors.IsRetryable(processingErr) {
			reason = "max delivery attempts reached"
		}
		log.Error("Terminating message: "+reason,
			zap.Error(processingErr),
			zap.Int("max_deliver", c.cfg.MaxDeliver),
		)
		observer.IncEventsFailed(string(eventType), source)
		observer.IncEventProcessingAction(string(eventType), "term", errorType)
		if err := d.msg.Term(); err != nil {
			log.Error("Failed to TERM message", zap.Error(err))
		}

	default:
		observer.IncEventsFailed(string(eventType), source)
		observer.IncEventProcessingAction(string(eventType), "nak", errorType)
		if err := d.msg.Nak(); err != nil {
			log.Error("Failed to NAK message", zap.Error(err))
		}
	}
}

// determineAckNakAction decides the fate of a message. Retryable errors are
// NAKed with an exponential delay, base * 2^(attempt-1) capped at maxDelay,
// until maxDeliver attempts were made. Anything else that failed is
// terminated.
func determineAckNakAction(processingErr error, numDelivered uint64, maxDeliver int, baseDelay, maxDelay time.Duration) (AckNakAction, time.Duration) {
	if processingErr == nil {
		return ActionAck, 0
	}
	if !apperrors.IsRetryable(processingErr) {
		return ActionTerm, 0
	}
	if maxDeliver > 0 && numDelivered >= uint64(maxDeliver) {
		return ActionTerm, 0
	}

	delay := baseDelay
	for i := uint64(1); i < numDelivered && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return ActionNakDelay, delay
}
