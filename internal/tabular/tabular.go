// Package tabular reads and writes leads as CSV using the legacy column names.
package tabular

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gitlab.com/timkado/api/lead-capture-service/internal/model"
	"gitlab.com/timkado/api/lead-capture-service/internal/normalize"
)

// Column names in file order.
const (
	ColMachineID    = "MAQUINA"
	ColCapturedDate = "FECHA"
	ColName         = "NOMBRE"
	ColEmail        = "CORREO"
	ColPhone        = "TELEFONO"
	ColFolio        = "FOLIO"
	ColContacted    = "CONTACTADO"
	ColQualified    = "POSIBLE"
)

// Header is the column order used for export.
var Header = []string{
	ColMachineID, ColCapturedDate, ColName, ColEmail,
	ColPhone, ColFolio, ColContacted, ColQualified,
}

const bom = "\ufeff"

// Row is one data line of an import file. Line is the 1-based line in the
// source. Err is set when the line could not be parsed.
type Row struct {
	Line    int
	Payload model.SubmitLeadPayload
	Err     error
}

// Read parses an import file. Header names are matched case-insensitively and
// columns missing from the header read as empty. A malformed line yields a Row
// carrying the parse error and reading continues.
func Read(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	index := headerIndex(header)

	var rows []Row
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				rows = append(rows, Row{Line: pe.StartLine, Err: err})
				continue
			}
			return rows, fmt.Errorf("failed to read CSV: %w", err)
		}
		if blank(record) {
			continue
		}
		line, _ := cr.FieldPos(0)
		rows = append(rows, Row{Line: line, Payload: payload(record, index)})
	}
	return rows, nil
}

func headerIndex(header []string) map[string]int {
	index := make(map[string]int, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, bom)
		}
		name := strings.ToUpper(strings.TrimSpace(h))
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}
	return index
}

func payload(record []string, index map[string]int) model.SubmitLeadPayload {
	cell := func(col string) string {
		i, ok := index[col]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
	return model.SubmitLeadPayload{
		MachineID:    model.FlexString(cell(ColMachineID)),
		CapturedDate: cell(ColCapturedDate),
		Name:         cell(ColName),
		Email:        cell(ColEmail),
		Phone:        model.FlexString(cell(ColPhone)),
		Folio:        model.FlexString(cell(ColFolio)),
		Contacted:    model.FlexString(cell(ColContacted)),
		Qualified:    model.FlexString(cell(ColQualified)),
	}
}

func blank(record []string) bool {
	for _, c := range record {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// Records returns the header followed by one record per lead.
func Records(leads []model.Lead) [][]string {
	out := make([][]string, 0, len(leads)+1)
	out = append(out, append([]string(nil), Header...))
	for _, l := range leads {
		date := ""
		if !l.CapturedDate.IsZero() {
			date = l.CapturedDate.UTC().Format(normalize.DateLayout)
		}
		out = append(out, []string{
			strconv.FormatInt(l.MachineID, 10),
			date,
			l.Name,
			l.Email,
			l.Phone,
			l.Folio,
			normalize.RenderTernary(l.Contacted),
			normalize.RenderTernary(l.Qualified),
		})
	}
	return out
}

// Write encodes leads as CSV with a header row.
func Write(w io.Writer, leads []model.Lead) error {
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(Records(leads)); err != nil {
		return fmt.Errorf("failed to write CSV: %w", err)
	}
	return nil
}
