// Package schema translates between stored lead documents and model.Lead.
// Documents may use the current lower-case field names, the legacy upper-case
// names, or both. The mapping table below is consulted only here.
package schema

// Current field names.
const (
	FieldMachineID    = "maquina"
	FieldCapturedDate = "fecha"
	FieldName         = "nombre"
	FieldEmail        = "correo"
	FieldPhone        = "telefono"
	FieldFolio        = "folio"
	FieldContacted    = "contactado"
	FieldQualified    = "posible"
	FieldCreatedAt    = "created_at"
	FieldUpdatedAt    = "updated_at"
)

// FieldMapping pairs the current and legacy spelling of one logical field.
type FieldMapping struct {
	Current string
	Legacy  string
}

var (
	machineID    = FieldMapping{FieldMachineID, "MAQUINA"}
	capturedDate = FieldMapping{FieldCapturedDate, "FECHA"}
	name         = FieldMapping{FieldName, "NOMBRE"}
	email        = FieldMapping{FieldEmail, "CORREO"}
	phone        = FieldMapping{FieldPhone, "TELEFONO"}
	folio        = FieldMapping{FieldFolio, "FOLIO"}
	contacted    = FieldMapping{FieldContacted, "CONTACTADO"}
	qualified    = FieldMapping{FieldQualified, "POSIBLE"}
	createdAt    = FieldMapping{FieldCreatedAt, "CREATED_AT"}
	updatedAt    = FieldMapping{FieldUpdatedAt, "UPDATED_AT"}
)

// Mappings lists every lead field in column order.
func Mappings() []FieldMapping {
	return []FieldMapping{
		machineID, capturedDate, name, email, phone, folio,
		contacted, qualified, createdAt, updatedAt,
	}
}

// LegacyName returns the upper-case spelling of a current field name, or ""
// if the field is not part of the table.
func LegacyName(current string) string {
	for _, m := range Mappings() {
		if m.Current == current {
			return m.Legacy
		}
	}
	return ""
}
