// Package models defines data structures for the scraper.
package models

import (
	"strings"
	"time"
)

// Column names used in CSV output.
const (
	ColumnGender      = "Gender"
	ColumnName        = "Name"
	ColumnColor       = "Color"
	ColumnDescription = "Description"
	ColumnDetails     = "Details"
	ColumnSizes       = "Sizes"
	ColumnPrice       = "Price"
	ColumnImages      = "Images"
	ColumnURL         = "Product URL"
	ColumnScrapedAt   = "Scraped At"
)

// DefaultColumns is the column order written when a site does not set its own.
var DefaultColumns = []string{
	ColumnGender,
	ColumnName,
	ColumnColor,
	ColumnDescription,
	ColumnPrice,
	ColumnImages,
	ColumnURL,
}

// DefaultImageDelimiter joins image URLs into a single CSV cell.
const DefaultImageDelimiter = ","

// Product is a single record harvested from a detail page.
type Product struct {
	Gender      string    `csv:"Gender" json:"gender,omitempty"`
	Name        string    `csv:"Name" json:"name,omitempty"`
	Color       string    `csv:"Color" json:"color,omitempty"`
	Description string    `csv:"Description" json:"description,omitempty"`
	Details     string    `csv:"Details" json:"details,omitempty"`
	Sizes       string    `csv:"Sizes" json:"sizes,omitempty"`
	Price       string    `csv:"Price" json:"price,omitempty"`
	Images      []string  `csv:"Images" json:"images,omitempty"`
	URL         string    `csv:"Product URL" json:"product_url"`
	ScrapedAt   time.Time `csv:"Scraped At" json:"scraped_at"`
}

// Field returns the value stored under a CSV column name. Images are joined
// with delimiter. Unknown columns yield an empty string.
func (p *Product) Field(column, delimiter string) string {
	if p == nil {
		return ""
	}
	switch column {
	case ColumnGender:
		return p.Gender
	case ColumnName:
		return p.Name
	case ColumnColor:
		return p.Color
	case ColumnDescription:
		return p.Description
	case ColumnDetails:
		return p.Details
	case ColumnSizes:
		return p.Sizes
	case ColumnPrice:
		return p.Price
	case ColumnImages:
		if delimiter == "" {
			delimiter = DefaultImageDelimiter
		}
		return strings.Join(p.Images, delimiter)
	case ColumnURL:
		return p.URL
	case ColumnScrapedAt:
		if p.ScrapedAt.IsZero() {
			return ""
		}
		return p.ScrapedAt.Format(time.RFC3339)
	default:
		return ""
	}
}

// SetField assigns a value by field key. Keys are the lower-case field names
// used in site configuration ("name", "price", ...). It reports whether the
// key is known.
func (p *Product) SetField(key, value string) bool {
	switch strings.ToLower(key) {
	case "gender":
		p.Gender = value
	case "name":
		p.Name = value
	case "color":
		p.Color = value
	case "description":
		p.Description = value
	case "details":
		p.Details = value
	case "sizes":
		p.Sizes = value
	case "price":
		p.Price = value
	case "url":
		p.URL = value
	default:
		return false
	}
	return true
}

// FieldByKey is the read counterpart of SetField.
func (p *Product) FieldByKey(key string) (string, bool) {
	switch strings.ToLower(key) {
	case "gender":
		return p.Gender, true
	case "name":
		return p.Name, true
	case "color":
		return p.Color, true
	case "description":
		return p.Description, true
	case "details":
		return p.Details, true
	case "sizes":
		return p.Sizes, true
	case "price":
		return p.Price, true
	case "url":
		return p.URL, true
	case "images":
		return strings.Join(p.Images, DefaultImageDelimiter), true
	default:
		return "", false
	}
}
