//go:build integration

package integration_test

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gitlab.com/timkado/api/lead-capture-service/internal/apperrors"
	"gitlab.com/timkado/api/lead-capture-service/internal/filter"
	"gitlab.com/timkado/api/lead-capture-service/internal/model"
	"gitlab.com/timkado/api/lead-capture-service/internal/storage"
	"gitlab.com/timkado/api/lead-capture-service/internal/usecase"
)

func (s *IntegrationSuite) TestPostgresStore() {
	store, err := storage.NewPostgresRepo(s.Ctx, s.PostgresDSN, true)
	s.Require().NoError(err)
	defer store.Close(s.Ctx)
	s.Require().NoError(store.Ping(s.Ctx))

	s.exerciseStore(store)
}

func (s *IntegrationSuite) TestMongoStore() {
	collection := "leads_" + uuid.NewString()[:8]
	store, err := storage.NewMongoStore(s.Ctx, s.MongoURI, "leads_it", collection)
	s.Require().NoError(err)
	defer store.Close(s.Ctx)
	s.Require().NoError(store.Ping(s.Ctx))

	s.exerciseStore(store)
}

// exerciseStore runs the same lead flow against any store driver. Keys are
// unique per run so drivers sharing a database do not interfere.
func (s *IntegrationSuite) exerciseStore(store storage.DocumentStore) {
	ctx := s.Ctx
	svc := usecase.NewLeadService(store, true, testFilterOpts)
	suffix := uuid.NewString()[:6]

	ana, err := svc.Submit(ctx, model.SubmitLeadPayload{
		MachineID: "7", CapturedDate: "2024-05-03", Name: "Ana Ruiz " + suffix,
		Email: "ana@x.mx", Phone: "55 1234 5678", Folio: "F-1", Contacted: "SI",
	})
	s.Require().NoError(err)
	_, err = svc.Submit(ctx, model.SubmitLeadPayload{
		MachineID: "8", CapturedDate: "2024-06-20", Name: "Luis Gómez " + suffix, Contacted: "no",
	})
	s.Require().NoError(err)

	// Re-submitting with an unknown answer keeps the stored one.
	again, err := svc.Submit(ctx, model.SubmitLeadPayload{
		MachineID: "7", CapturedDate: "2024-05-03", Name: "Ana Ruiz " + suffix,
		Phone: "5512345678", Folio: "F-1",
	})
	s.Require().NoError(err)
	s.Equal(ana.Key, again.Key)
	s.Equal(ana.CreatedAt, again.CreatedAt)

	got, err := svc.Get(ctx, ana.Key)
	s.Require().NoError(err)
	s.Equal(model.TernaryTrue, got.Contacted)

	// Pushed-down predicates combined with a residual text match.
	leads, err := svc.Query(ctx, filter.Criteria{
		Text: suffix, Contacted: "si", MachineID: "7", From: "2024-05-01", To: "2024-05-31",
	})
	s.Require().NoError(err)
	s.Require().Len(leads, 1)
	s.Equal(ana.Key, leads[0].Key)

	leads, err = svc.Query(ctx, filter.Criteria{Text: suffix, To: "2024-05-31"})
	s.Require().NoError(err)
	s.Require().Len(leads, 1)

	var buf bytes.Buffer
	s.Require().NoError(svc.Export(ctx, filter.Criteria{Text: suffix, MachineID: "7"}, &buf))
	s.Contains(buf.String(), fmt.Sprintf("7,2024-05-03,Ana Ruiz %s,ana@x.mx,5512345678,F-1,SI,", suffix))

	// Legacy upper-case documents are readable.
	legacyKey := "legacy-" + suffix
	s.Require().NoError(store.Upsert(ctx, legacyKey, model.Document{
		"NOMBRE":     "Rosa " + suffix,
		"MAQUINA":    "4",
		"CONTACTADO": "SI",
		"FECHA":      "2023-11-02T00:00:00Z",
	}, false))
	rosa, err := svc.Get(ctx, legacyKey)
	s.Require().NoError(err)
	s.Equal("Rosa "+suffix, rosa.Name)
	s.Equal(int64(4), rosa.MachineID)

	// and match pushed-down predicates through their legacy spelling.
	leads, err = svc.Query(ctx, filter.Criteria{
		Text: suffix, Contacted: "si", MachineID: "4", From: "2023-11-01", To: "2023-11-03",
	})
	s.Require().NoError(err)
	s.Require().Len(leads, 1)
	s.Equal(legacyKey, leads[0].Key)

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	probeKey, err := svc.Probe(probeCtx)
	s.Require().NoError(err)
	s.Require().NoError(svc.Delete(ctx, probeKey))

	s.Require().NoError(svc.Delete(ctx, ana.Key))
	_, err = svc.Get(ctx, ana.Key)
	s.True(apperrors.IsNotFoundError(err))
	s.True(apperrors.IsNotFoundError(svc.Delete(ctx, ana.Key)))
}
