package pipeline

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Haysam-Bin-Tahir/Array-Products-Scraper/models"
)

// CombineOptions controls Combine.
type CombineOptions struct {
	// Dedupe keeps only the first row of each Product URL.
	Dedupe bool
	// KeepInputs leaves the input files in place after a successful merge.
	KeepInputs bool
}

// CombineStats describes a finished merge.
type CombineStats struct {
	Inputs     int
	Rows       int
	Duplicates int
	Dropped    int
}

// Combine merges inputs into output. Rows already in output are kept and
// come first, so repeated runs accumulate. Columns are the union of all
// headers in first-seen order. Rows without a Product URL are dropped.
// Missing inputs are skipped. The output is replaced atomically; inputs are
// removed afterwards unless opts.KeepInputs is set.
func Combine(inputs []string, output string, opts CombineOptions) (*CombineStats, error) {
	if err := ensureDir(output); err != nil {
		return nil, err
	}

	stats := &CombineStats{}
	var columns []string
	colSeen := make(map[string]struct{})
	addColumns := func(header []string) {
		for _, col := range header {
			if _, ok := colSeen[col]; ok {
				continue
			}
			colSeen[col] = struct{}{}
			columns = append(columns, col)
		}
	}

	var rows []map[string]string
	urlSeen := make(map[string]struct{})
	addRows := func(t *table) {
		for _, row := range t.rows {
			u := row[models.ColumnURL]
			if u == "" {
				stats.Dropped++
				continue
			}
			if opts.Dedupe {
				if _, dup := urlSeen[u]; dup {
					stats.Duplicates++
					continue
				}
				urlSeen[u] = struct{}{}
			}
			rows = append(rows, row)
		}
	}

	sources := append([]string{output}, inputs...)
	var merged []string
	for i, path := range sources {
		if i > 0 && samePath(path, output) {
			continue
		}
		if i > 0 {
			if _, err := os.Stat(path); os.IsNotExist(err) {
				continue
			}
		}
		t, err := readTable(path)
		if err != nil {
			return nil, err
		}
		if len(t.header) > 0 && !hasColumn(t.header, models.ColumnURL) {
			return nil, fmt.Errorf("%s has no %q column", path, models.ColumnURL)
		}
		addColumns(t.header)
		addRows(t)
		if i > 0 {
			stats.Inputs++
			merged = append(merged, path)
		}
	}

	if len(columns) == 0 {
		columns = append(columns, models.DefaultColumns...)
	}
	if err := writeTable(output, columns, rows); err != nil {
		return nil, err
	}
	stats.Rows = len(rows)

	if !opts.KeepInputs {
		for _, path := range merged {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return stats, fmt.Errorf("remove merged input %s: %w", path, err)
			}
		}
	}
	return stats, nil
}

func writeTable(path string, columns []string, rows []map[string]string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".combine-*.csv")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	writer := csv.NewWriter(tmp)
	if err := writer.Write(columns); err != nil {
		cleanup()
		return fmt.Errorf("write header: %w", err)
	}
	record := make([]string, len(columns))
	for _, row := range rows {
		for i, col := range columns {
			record[i] = row[col]
		}
		if err := writer.Write(record); err != nil {
			cleanup()
			return fmt.Errorf("write row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		cleanup()
		return fmt.Errorf("flush %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}
