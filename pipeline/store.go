package pipeline

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Haysam-Bin-Tahir/Array-Products-Scraper/models"
)

// table is a CSV file held in memory, rows keyed by column name.
type table struct {
	header []string
	rows   []map[string]string
}

// readTable loads path. A missing file yields an empty table.
func readTable(path string) (*table, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return &table{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return &table{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}

	t := &table{header: header}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		t.rows = append(t.rows, row)
	}
	return t, nil
}

// ReadURLs returns the Product URL of every row in path, in file order. A
// missing or empty file yields no URLs.
func ReadURLs(path string) ([]string, error) {
	t, err := readTable(path)
	if err != nil {
		return nil, err
	}
	if len(t.header) == 0 {
		return nil, nil
	}
	if !hasColumn(t.header, models.ColumnURL) {
		return nil, fmt.Errorf("%s has no %q column", path, models.ColumnURL)
	}
	urls := make([]string, 0, len(t.rows))
	for _, row := range t.rows {
		if u := row[models.ColumnURL]; u != "" {
			urls = append(urls, u)
		}
	}
	return urls, nil
}

// LastURL returns the Product URL of the last row in path, the point a
// previous run reached.
func LastURL(path string) (string, error) {
	urls, err := ReadURLs(path)
	if err != nil || len(urls) == 0 {
		return "", err
	}
	return urls[len(urls)-1], nil
}

func hasColumn(header []string, col string) bool {
	for _, h := range header {
		if h == col {
			return true
		}
	}
	return false
}
