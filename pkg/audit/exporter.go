package audit

import (
	"bytes"
	"fmt"
	"time"

	"github.com/medichain/platform/pkg/common/models"
	"github.com/xuri/excelize/v2"
)

// ExportXLSX renders a patient's audit trail as a compliance workbook.
func ExportXLSX(patientID string, events []models.AuditEvent) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Audit Trail"
	index, err := f.NewSheet(sheet)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	headers := []string{"Seq", "Event", "Actor", "Role", "Timestamp (UTC)", "Emergency", "Granted", "Location"}
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return nil, err
		}
	}

	for rowIdx, e := range events {
		values := []interface{}{
			e.Seq,
			e.Kind,
			e.ActorID,
			string(e.ActorRole),
			e.Timestamp.UTC().Format(time.RFC3339),
			e.Emergency,
			e.Granted,
			e.Location,
		}
		for colIdx, v := range values {
			cell, err := excelize.CoordinatesToCellName(colIdx+1, rowIdx+2)
			if err != nil {
				return nil, err
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return nil, err
			}
		}
	}

	if err := f.SetDocProps(&excelize.DocProperties{
		Title:   fmt.Sprintf("Audit trail for %s", patientID),
		Creator: "medichain-records-service",
	}); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}
