package schema

import (
	"gitlab.com/timkado/api/lead-capture-service/internal/model"
	"gitlab.com/timkado/api/lead-capture-service/internal/normalize"
)

// Fields renders a lead as a document for a merge upsert. Current names are
// always written; legacy names too when dualWrite is set, so readers of
// either scheme see the record.
//
// Unknown ternaries and zero timestamps are left out so that merging the
// document never erases a value already stored.
func Fields(l model.Lead, dualWrite bool) model.Document {
	doc := model.Document{}
	put := func(m FieldMapping, current, legacy interface{}) {
		doc[m.Current] = current
		if dualWrite {
			doc[m.Legacy] = legacy
		}
	}

	put(machineID, l.MachineID, l.MachineID)
	if !l.CapturedDate.IsZero() {
		d := normalize.FormatISO(l.CapturedDate)
		put(capturedDate, d, d)
	}
	put(name, l.Name, l.Name)
	put(email, l.Email, l.Email)
	put(phone, l.Phone, l.Phone)
	put(folio, l.Folio, l.Folio)
	if b := l.Contacted.Bool(); b != nil {
		put(contacted, *b, normalize.RenderTernary(l.Contacted))
	}
	if b := l.Qualified.Bool(); b != nil {
		put(qualified, *b, normalize.RenderTernary(l.Qualified))
	}
	if !l.CreatedAt.IsZero() {
		ts := normalize.FormatISO(l.CreatedAt)
		put(createdAt, ts, ts)
	}
	if !l.UpdatedAt.IsZero() {
		ts := normalize.FormatISO(l.UpdatedAt)
		put(updatedAt, ts, ts)
	}
	return doc
}
