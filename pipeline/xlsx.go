package pipeline

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

const xlsxSheet = "Products"

// ExportXLSX writes the rows of csvPath to a workbook at xlsxPath, header
// in bold. It returns the number of data rows exported.
func ExportXLSX(csvPath, xlsxPath string) (int, error) {
	t, err := readTable(csvPath)
	if err != nil {
		return 0, err
	}
	if len(t.header) == 0 {
		return 0, fmt.Errorf("%s is empty", csvPath)
	}
	if err := ensureDir(xlsxPath); err != nil {
		return 0, err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", xlsxSheet); err != nil {
		return 0, fmt.Errorf("rename sheet: %w", err)
	}

	header := append([]string(nil), t.header...)
	if err := f.SetSheetRow(xlsxSheet, "A1", &header); err != nil {
		return 0, fmt.Errorf("write xlsx header: %w", err)
	}
	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return 0, fmt.Errorf("create header style: %w", err)
	}
	if err := f.SetRowStyle(xlsxSheet, 1, 1, style); err != nil {
		return 0, fmt.Errorf("style xlsx header: %w", err)
	}

	for i, row := range t.rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return 0, err
		}
		values := make([]string, len(t.header))
		for j, col := range t.header {
			values[j] = row[col]
		}
		if err := f.SetSheetRow(xlsxSheet, cell, &values); err != nil {
			return 0, fmt.Errorf("write xlsx row %d: %w", i+2, err)
		}
	}

	lastCol, err := excelize.ColumnNumberToName(len(t.header))
	if err != nil {
		return 0, err
	}
	if err := f.SetColWidth(xlsxSheet, "A", lastCol, 20); err != nil {
		return 0, fmt.Errorf("set column width: %w", err)
	}

	if err := f.SaveAs(xlsxPath); err != nil {
		return 0, fmt.Errorf("save %s: %w", xlsxPath, err)
	}
	return len(t.rows), nil
}
