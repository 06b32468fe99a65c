package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Haysam-Bin-Tahir/Array-Products-Scraper/models"
)

// DualWriter appends to a CSV file and mirrors every record to JSONL.
type DualWriter struct {
	csvWriter  *CSVWriter
	jsonWriter *JSONWriter
	mu         sync.Mutex
}

// NewDualWriter opens both outputs.
func NewDualWriter(csvFilename, jsonFilename string, columns []string, delimiter string) (*DualWriter, error) {
	csvWriter, err := NewCSVWriter(csvFilename, columns, delimiter)
	if err != nil {
		return nil, fmt.Errorf("create csv writer: %w", err)
	}

	jsonWriter, err := NewJSONWriter(jsonFilename)
	if err != nil {
		csvWriter.Close()
		return nil, fmt.Errorf("create json writer: %w", err)
	}

	return &DualWriter{
		csvWriter:  csvWriter,
		jsonWriter: jsonWriter,
	}, nil
}

// Write appends to the CSV first; the CSV stays the record of truth.
func (dw *DualWriter) Write(products []*models.Product) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if err := dw.csvWriter.Write(products); err != nil {
		return fmt.Errorf("csv write: %w", err)
	}
	if err := dw.jsonWriter.Write(products); err != nil {
		return fmt.Errorf("json write: %w", err)
	}
	return nil
}

// Close closes both writers.
func (dw *DualWriter) Close() error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	var errs []error
	if err := dw.csvWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("csv close: %w", err))
	}
	if err := dw.jsonWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("json close: %w", err))
	}
	return errors.Join(errs...)
}

// Validate validates both output files.
func (dw *DualWriter) Validate() error {
	var errs []error
	if err := dw.csvWriter.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("csv: %w", err))
	}
	if err := dw.jsonWriter.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("json: %w", err))
	}
	return errors.Join(errs...)
}

// NewWriter opens the output for format at csvPath. The dual format adds a
// JSONL file next to the CSV.
func NewWriter(format, csvPath string, columns []string, delimiter string) (OutputWriter, error) {
	switch format {
	case "", "csv":
		w, err := NewCSVWriter(csvPath, columns, delimiter)
		if err != nil {
			return nil, err
		}
		return w, nil
	case "dual":
		w, err := NewDualWriter(csvPath, JSONPath(csvPath), columns, delimiter)
		if err != nil {
			return nil, err
		}
		return w, nil
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
}
