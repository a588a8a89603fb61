//go:build integration

package integration_test

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"gitlab.com/timkado/api/lead-capture-service/internal/config"
	"gitlab.com/timkado/api/lead-capture-service/internal/identity"
	"gitlab.com/timkado/api/lead-capture-service/internal/ingestion"
	"gitlab.com/timkado/api/lead-capture-service/internal/ingestion/handler"
	"gitlab.com/timkado/api/lead-capture-service/internal/jetstream"
	"gitlab.com/timkado/api/lead-capture-service/internal/model"
	"gitlab.com/timkado/api/lead-capture-service/internal/storage"
	"gitlab.com/timkado/api/lead-capture-service/internal/usecase"
)

func (s *IntegrationSuite) TestLeadConsumer() {
	store := storage.NewMemoryStore()
	svc := usecase.NewLeadService(store, true, testFilterOpts)

	client, err := jetstream.NewClient(s.NATSURL, "lead-capture-it")
	s.Require().NoError(err)
	defer client.Close()

	leadHandler := handler.NewLeadHandler(svc)
	router := ingestion.NewRouter()
	router.Register(model.V1LeadsSubmit, leadHandler.HandleEvent)
	router.Register(model.V1LeadsDelete, leadHandler.HandleEvent)

	consumer, err := ingestion.NewLeadConsumer(client, router, config.ConsumerNatsConfig{
		MaxAge:       1,
		Stream:       "LEADS",
		Consumer:     "lead-capture-it",
		QueueGroup:   "lead-capture-it",
		SubjectList:  []string{"v1.leads.>"},
		MaxDeliver:   3,
		AckWait:      5 * time.Second,
		NakBaseDelay: 100 * time.Millisecond,
		NakMaxDelay:  time.Second,
	}, config.WorkerPoolConfig{PoolSize: 2, QueueSize: 10, ExpiryTime: time.Minute})
	s.Require().NoError(err)
	s.Require().NoError(consumer.Setup())
	s.Require().NoError(consumer.Start())
	defer consumer.Stop()

	// A malformed message is terminated and does not hold up later ones.
	s.publish(client, "v1.leads.submit.kiosk-1", uuid.NewString(), []byte(`{"name":`))

	payload, err := json.Marshal(model.SubmitLeadPayload{Name: "Ana Ruiz", Phone: "5512345678", MachineID: "7"})
	s.Require().NoError(err)
	msgID := uuid.NewString()
	s.publish(client, "v1.leads.submit.kiosk-1", msgID, payload)
	// Same message id inside the duplicate window is dropped by the stream.
	s.publish(client, "v1.leads.submit.kiosk-1", msgID, payload)

	s.Eventually(func() bool { return store.Len() == 1 }, 10*time.Second, 100*time.Millisecond)

	key := identity.DeriveKey("Ana Ruiz", "", "5512345678")
	lead, err := svc.Get(s.Ctx, key)
	s.Require().NoError(err)
	s.Equal(int64(7), lead.MachineID)

	del, err := json.Marshal(model.DeleteLeadPayload{Key: key})
	s.Require().NoError(err)
	s.publish(client, "v1.leads.delete", uuid.NewString(), del)

	s.Eventually(func() bool { return store.Len() == 0 }, 10*time.Second, 100*time.Millisecond)
}

func (s *IntegrationSuite) publish(client *jetstream.Client, subject, msgID string, data []byte) {
	s.Require().NoError(client.Publish(subject, data, map[string]string{nats.MsgIdHdr: msgID}))
}
