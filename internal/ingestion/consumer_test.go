package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/lead-capture-service/internal/apperrors"
	"gitlab.com/timkado/api/lead-capture-service/internal/config"
	clientmock "gitlab.com/timkado/api/lead-capture-service/internal/jetstream/mock"
	"gitlab.com/timkado/api/lead-capture-service/internal/model"
	"gitlab.com/timkado/api/lead-capture-service/internal/reqctx"
	"gitlab.com/timkado/api/lead-capture-service/pkg/logger"
)

// fakeMsg records how a delivery was settled.
type fakeMsg struct {
	mu       sync.Mutex
	meta     *nats.MsgMetadata
	metaErr  error
	settled  chan string
	nakDelay time.Duration
}

func newFakeMsg(numDelivered uint64) *fakeMsg {
	return &fakeMsg{
		meta: &nats.MsgMetadata{
			Sequence:     nats.SequencePair{Stream: 42, Consumer: 7},
			NumDelivered: numDelivered,
			Stream:       "LEADS",
			Consumer:     "lead-capture",
			Timestamp:    time.Now(),
		},
		settled: make(chan string, 1),
	}
}

func (m *fakeMsg) Ack(...nats.AckOpt) error  { m.settled <- "ack"; return nil }
func (m *fakeMsg) Nak(...nats.AckOpt) error  { m.settled <- "nak"; return nil }
func (m *fakeMsg) Term(...nats.AckOpt) error { m.settled <- "term"; return nil }
func (m *fakeMsg) NakWithDelay(d time.Duration, _ ...nats.AckOpt) error {
	m.mu.Lock()
	m.nakDelay = d
	m.mu.Unlock()
	m.settled <- "nak_delay"
	return nil
}
func (m *fakeMsg) Metadata() (*nats.MsgMetadata, error) { return m.meta, m.metaErr }

func (m *fakeMsg) wait(t *testing.T) string {
	t.Helper()
	select {
	case s := <-m.settled:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("message was never settled")
		return ""
	}
}

var testConsumerCfg = config.ConsumerNatsConfig{
	MaxAge:       7,
	Stream:       "LEADS",
	Consumer:     "lead-capture",
	QueueGroup:   "lead-capture",
	SubjectList:  []string{"v1.leads.>"},
	MaxDeliver:   3,
	AckWait:      30 * time.Second,
	NakBaseDelay: time.Second,
	NakMaxDelay:  10 * time.Second,
}

var testPoolCfg = config.WorkerPoolConfig{PoolSize: 2, QueueSize: 10, ExpiryTime: time.Minute}

func newTestConsumer(t *testing.T, handler EventHandler) (*LeadConsumer, *clientmock.ClientMock) {
	t.Helper()
	logger.Log = zaptest.NewLogger(t).Named("test")
	client := new(clientmock.ClientMock)
	router := NewRouter()
	router.Register(model.V1LeadsSubmit, handler)
	router.Register(model.V1LeadsDelete, handler)

	c, err := NewLeadConsumer(client, router, testConsumerCfg, testPoolCfg)
	require.NoError(t, err)
	return c, client
}

func TestLeadConsumer_Setup(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	c, client := newTestConsumer(t, func(context.Context, model.EventType, *model.MessageMetadata, []byte) error { return nil })
	defer c.Stop()

	client.On("SetupStream", mock.Anything, mock.MatchedBy(func(sc *nats.StreamConfig) bool {
		return sc.Name == "LEADS" &&
			assert.ElementsMatch(t, []string{"v1.leads.>"}, sc.Subjects) &&
			sc.Storage == nats.FileStorage &&
			sc.Retention == nats.LimitsPolicy &&
			sc.MaxAge == 7*24*time.Hour
	})).Return(nil)
	client.On("SetupConsumer", mock.Anything, "LEADS", mock.MatchedBy(func(cc *nats.ConsumerConfig) bool {
		return cc.Durable == "lead-capture" &&
			cc.DeliverGroup == "lead-capture" &&
			cc.FilterSubject == "v1.leads.>" &&
			cc.AckPolicy == nats.AckExplicitPolicy &&
			cc.MaxDeliver == 3 &&
			cc.AckWait == 30*time.Second &&
			cc.MaxAckPending == 12 &&
			cc.DeliverSubject != ""
	})).Return(nil)

	require.NoError(t, c.Setup())
	client.AssertExpectations(t)
}

func TestLeadConsumer_Setup_Errors(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	t.Run("stream", func(t *testing.T) {
		c, client := newTestConsumer(t, nil)
		defer c.Stop()
		client.On("SetupStream", mock.Anything, mock.Anything).Return(errors.New("stream setup failed"))

		err := c.Setup()
		assert.ErrorContains(t, err, "failed to setup stream 'LEADS'")
		client.AssertNotCalled(t, "SetupConsumer", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("consumer", func(t *testing.T) {
		c, client := newTestConsumer(t, nil)
		defer c.Stop()
		client.On("SetupStream", mock.Anything, mock.Anything).Return(nil)
		client.On("SetupConsumer", mock.Anything, "LEADS", mock.Anything).Return(errors.New("consumer setup failed"))

		assert.ErrorContains(t, c.Setup(), "failed to setup consumer 'lead-capture'")
	})
}

func TestLeadConsumer_Start(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	c, client := newTestConsumer(t, nil)
	defer c.Stop()

	client.On("SubscribePush", "v1.leads.>", "lead-capture", "lead-capture", "LEADS", mock.AnythingOfType("nats.MsgHandler")).
		Return(nil, errors.New("no responders"))

	assert.ErrorContains(t, c.Start(), "failed to subscribe consumer 'lead-capture'")
}

func TestLeadConsumer_Process(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	tests := []struct {
		name         string
		subject      string
		numDelivered uint64
		handlerErr   error
		want         string
		wantDelay    time.Duration
	}{
		{name: "success acks", subject: "v1.leads.submit", numDelivered: 1, want: "ack"},
		{name: "fatal terms", subject: "v1.leads.submit", numDelivered: 1,
			handlerErr: apperrors.NewFatal(apperrors.ErrValidation, "submit lead"), want: "term"},
		{name: "retryable naks with delay", subject: "v1.leads.submit.kiosk-3", numDelivered: 2,
			handlerErr: apperrors.NewRetryable(apperrors.ErrStoreUnavailable, "submit lead"), want: "nak_delay", wantDelay: 2 * time.Second},
		{name: "retries exhausted terms", subject: "v1.leads.delete", numDelivered: 3,
			handlerErr: apperrors.NewRetryable(apperrors.ErrStoreUnavailable, "delete lead"), want: "term"},
		{name: "unknown subject terms", subject: "v1.chats.upsert", numDelivered: 1, want: "term"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotSource string
			c, _ := newTestConsumer(t, func(ctx context.Context, _ model.EventType, _ *model.MessageMetadata, _ []byte) error {
				gotSource = reqctx.SourceFromContext(ctx, "")
				return tt.handlerErr
			})

			msg := newFakeMsg(tt.numDelivered)
			c.dispatch(delivery{subject: tt.subject, data: []byte(`{}`), msg: msg})

			assert.Equal(t, tt.want, msg.wait(t))
			c.Stop()

			if tt.wantDelay > 0 {
				assert.Equal(t, tt.wantDelay, msg.nakDelay)
			}
			if tt.subject == "v1.leads.submit.kiosk-3" {
				assert.Equal(t, "nats:kiosk-3", gotSource)
			}
		})
	}
}

func TestLeadConsumer_MetadataErrorNaks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	called := false
	c, _ := newTestConsumer(t, func(context.Context, model.EventType, *model.MessageMetadata, []byte) error {
		called = true
		return nil
	})

	msg := newFakeMsg(1)
	msg.metaErr = fmt.Errorf("not a jetstream message")
	c.dispatch(delivery{subject: "v1.leads.submit", msg: msg})

	assert.Equal(t, "nak", msg.wait(t))
	c.Stop()
	assert.False(t, called)
}

func TestLeadConsumer_PanicNaks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	c, _ := newTestConsumer(t, func(context.Context, model.EventType, *model.MessageMetadata, []byte) error {
		panic("handler exploded")
	})

	msg := newFakeMsg(1)
	c.dispatch(delivery{subject: "v1.leads.submit", msg: msg})

	assert.Equal(t, "nak", msg.wait(t))
	c.Stop()
}

func TestLeadConsumer_MessageIDFromHeader(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ids := make(chan string, 2)
	c, _ := newTestConsumer(t, func(_ context.Context, _ model.EventType, meta *model.MessageMetadata, _ []byte) error {
		ids <- meta.MessageID
		return nil
	})
	defer c.Stop()

	withHeader := newFakeMsg(1)
	c.dispatch(delivery{subject: "v1.leads.submit", header: nats.Header{nats.MsgIdHdr: []string{"seed-1"}}, msg: withHeader})
	withHeader.wait(t)
	assert.Equal(t, "seed-1", <-ids)

	noHeader := newFakeMsg(1)
	c.dispatch(delivery{subject: "v1.leads.submit", msg: noHeader})
	noHeader.wait(t)
	assert.Equal(t, "msg-42", <-ids)
}

func TestDetermineAckNakAction(t *testing.T) {
	base, maxDelay := time.Second, 10*time.Second
	retryable := apperrors.NewRetryable(errors.New("timeout"), "op")

	tests := []struct {
		name       string
		err        error
		delivered  uint64
		wantAction AckNakAction
		wantDelay  time.Duration
	}{
		{"success", nil, 1, ActionAck, 0},
		{"fatal", apperrors.NewFatal(errors.New("bad"), "op"), 1, ActionTerm, 0},
		{"unclassified", errors.New("plain"), 1, ActionTerm, 0},
		{"first retry", retryable, 1, ActionNakDelay, time.Second},
		{"second retry", retryable, 2, ActionNakDelay, 2 * time.Second},
		{"fourth retry", retryable, 4, ActionNakDelay, 8 * time.Second},
		{"capped", retryable, 5, ActionNakDelay, 10 * time.Second},
		{"exhausted", retryable, 6, ActionTerm, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, delay := determineAckNakAction(tt.err, tt.delivered, 6, base, maxDelay)
			assert.Equal(t, tt.wantAction, action)
			assert.Equal(t, tt.wantDelay, delay)
		})
	}
}
