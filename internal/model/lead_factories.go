package model

import (
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"gitlab.com/timkado/api/lead-capture-service/pkg/utils"
)

func init() {
	gofakeit.Seed(time.Now().UnixNano())
}

// NewSubmitLeadPayload creates a form submission with fake data.
// A non-nil override replaces every field, including with empty strings.
func NewSubmitLeadPayload(overrideDefaults ...*SubmitLeadPayload) *SubmitLeadPayload {
	base := &SubmitLeadPayload{
		MachineID:    FlexString(strconv.Itoa(gofakeit.Number(1, 40))),
		CapturedDate: gofakeit.DateRange(utils.Now().AddDate(0, -6, 0), utils.Now()).Format("2006-01-02"),
		Name:         gofakeit.Name(),
		Email:        gofakeit.Email(),
		Phone:        FlexString(gofakeit.Phone()),
		Folio:        FlexString(strconv.Itoa(gofakeit.Number(1000, 99999))),
		Contacted:    FlexString(gofakeit.RandomString([]string{"SI", "NO", ""})),
		Qualified:    FlexString(gofakeit.RandomString([]string{"si", "no", "", "yes", "0"})),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		base.MachineID = ovr.MachineID
		base.CapturedDate = ovr.CapturedDate
		base.Name = ovr.Name
		base.Email = ovr.Email
		base.Phone = ovr.Phone
		base.Folio = ovr.Folio
		base.Contacted = ovr.Contacted
		base.Qualified = ovr.Qualified
	}
	return base
}

// NewLead creates a canonical lead with fake data. Key is left for the caller
// to derive. A non-nil override replaces every field.
func NewLead(overrideDefaults ...*Lead) *Lead {
	captured := gofakeit.DateRange(utils.Now().AddDate(0, -6, 0), utils.Now()).UTC()
	created := utils.Now().Add(-time.Duration(gofakeit.Number(1, 100)) * time.Hour)
	base := &Lead{
		MachineID:    int64(gofakeit.Number(1, 40)),
		CapturedDate: time.Date(captured.Year(), captured.Month(), captured.Day(), 0, 0, 0, 0, time.UTC),
		Name:         gofakeit.Name(),
		Email:        gofakeit.Email(),
		Phone:        gofakeit.Numerify("55########"),
		Folio:        strconv.Itoa(gofakeit.Number(1000, 99999)),
		Contacted:    Ternary(gofakeit.Number(0, 2)),
		Qualified:    Ternary(gofakeit.Number(0, 2)),
		CreatedAt:    created,
		UpdatedAt:    created.Add(time.Duration(gofakeit.Number(1, 60)) * time.Minute),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		base.Key = ovr.Key
		base.MachineID = ovr.MachineID
		base.CapturedDate = ovr.CapturedDate
		base.Name = ovr.Name
		base.Email = ovr.Email
		base.Phone = ovr.Phone
		base.Folio = ovr.Folio
		base.Contacted = ovr.Contacted
		base.Qualified = ovr.Qualified
		base.CreatedAt = ovr.CreatedAt
		base.UpdatedAt = ovr.UpdatedAt
	}
	return base
}
