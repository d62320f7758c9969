package http

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
	"liyu1981.xyz/smartplant-service/pkg/models"
)

const (
	alertSheetName  = "Alerts"
	maxExportRows   = 500
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var AlertExportHeader = []string{
	"Created At",
	"Severity",
	"Category",
	"Title",
	"Message",
	"Sensor",
	"Image",
	"Read",
}

// GenerateAlertExport renders alerts as a single-sheet workbook, newest first
// as given.
func GenerateAlertExport(alerts []models.Alert) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", alertSheetName); err != nil {
		return nil, fmt.Errorf("failed to rename sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	header := make([]any, len(AlertExportHeader))
	for i, h := range AlertExportHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(alertSheetName, "A1", &header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	lastCol, _ := excelize.CoordinatesToCellName(len(AlertExportHeader), 1)
	if err := f.SetCellStyle(alertSheetName, "A1", lastCol, headerStyle); err != nil {
		return nil, fmt.Errorf("failed to style header: %w", err)
	}

	for i, a := range alerts {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := []any{
			a.CreatedAt.UTC().Format(time.RFC3339),
			string(a.Severity),
			string(a.Category),
			a.Title,
			a.Body,
			a.SensorID,
			a.ImageID,
			a.Read,
		}
		if err := f.SetSheetRow(alertSheetName, cell, &row); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	_ = f.SetColWidth(alertSheetName, "A", "A", 22)
	_ = f.SetColWidth(alertSheetName, "D", "E", 40)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}
