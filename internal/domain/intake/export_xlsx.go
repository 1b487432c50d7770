package intake

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ExportSheet is the worksheet name of record exports.
const ExportSheet = "Intake Records"

// ExportHeader lists the export columns in order.
var ExportHeader = []string{
	"Record ID",
	"Submitted At",
	"Visit Date",
	"Patient Name",
	"Gender",
	"Date of Birth",
	"Age",
	"Past History",
	"Other Chronic Conditions",
	"Current Pain Site",
	"Onset",
	"Duration",
	"Pain Type",
	"Course",
	"Treatment Site",
	"Temp Before (°C)",
	"Temp After (°C)",
}

var exportColumnWidths = []float64{38, 22, 12, 16, 8, 14, 6, 28, 36, 28, 18, 18, 18, 8, 28, 14, 14}

// WriteWorkbook writes records as an xlsx workbook, one row per record, with
// option codes rendered as catalog labels.
func WriteWorkbook(w io.Writer, records []*Record, catalog *Catalog) error {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(ExportSheet)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("remove default sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	for col, header := range ExportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(ExportSheet, cell, header); err != nil {
			return fmt.Errorf("set header %s: %w", cell, err)
		}
	}
	last, _ := excelize.CoordinatesToCellName(len(ExportHeader), 1)
	if err := f.SetCellStyle(ExportSheet, "A1", last, headerStyle); err != nil {
		return fmt.Errorf("style header: %w", err)
	}
	for i, width := range exportColumnWidths {
		name, _ := excelize.ColumnNumberToName(i + 1)
		if err := f.SetColWidth(ExportSheet, name, name, width); err != nil {
			return fmt.Errorf("set column width: %w", err)
		}
	}

	for i, rec := range records {
		row := exportRow(rec, catalog)
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(ExportSheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func exportRow(rec *Record, c *Catalog) []interface{} {
	var age, before, after interface{} = "", "", ""
	if rec.Age != nil {
		age = *rec.Age
	}
	if rec.TempBefore != nil {
		before = *rec.TempBefore
	}
	if rec.TempAfter != nil {
		after = *rec.TempAfter
	}
	course := ""
	if rec.AcuteChronic != "" {
		course = c.Label(FieldAcuteChronic, rec.AcuteChronic)
	}
	gender := ""
	if rec.Gender != "" {
		gender = c.Label(FieldGender, rec.Gender)
	}
	return []interface{}{
		rec.ID.String(),
		rec.SubmittedAt.Format("2006-01-02 15:04:05"),
		rec.TodayDate,
		rec.PatientName,
		gender,
		rec.DOB,
		age,
		strings.Join(c.Labels(FieldPastHistory, rec.PastHistory), "、"),
		rec.OtherChronic,
		strings.Join(c.Labels(FieldCurrentPainSite, rec.CurrentPainSite), "、"),
		rec.OnsetTime,
		rec.Duration,
		rec.PainType,
		course,
		strings.Join(c.Labels(FieldTreatmentSite, rec.TreatmentSite), "、"),
		before,
		after,
	}
}
