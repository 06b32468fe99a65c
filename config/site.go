package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Haysam-Bin-Tahir/Array-Products-Scraper/models"
)

// Pagination modes.
const (
	PaginationPage     = "page"
	PaginationLoadMore = "load_more"
	PaginationScroll   = "scroll"
	PaginationNone     = "none"
)

// DefaultSite is the preset used when no site is selected.
const DefaultSite = "versace"

// PaginationConfig describes how a listing continues past its first screen.
type PaginationConfig struct {
	Mode string `yaml:"mode"`

	// page mode: the listing URL gets Param=FirstPage+page (or page*PageSize
	// when PageSize is set).
	Param     string `yaml:"param"`
	PageSize  int    `yaml:"page_size"`
	FirstPage int    `yaml:"first_page"`

	// MoreSelector marks a "load more" control. In page mode a missing or
	// hidden control ends the listing; in load_more mode it is clicked.
	MoreSelector   string `yaml:"more_selector"`
	HiddenSelector string `yaml:"hidden_selector"`
	MaxClicks      int    `yaml:"max_clicks"`

	// scroll and load_more polling.
	PollInterval time.Duration `yaml:"poll_interval"`
	StableRounds int           `yaml:"stable_rounds"`
	MaxScrolls   int           `yaml:"max_scrolls"`
}

// ListingSelectors locate product links on a listing page.
type ListingSelectors struct {
	Ready    string `yaml:"ready"`
	Item     string `yaml:"item"`
	Link     string `yaml:"link"`
	LinkAttr string `yaml:"link_attr"`
	Price    string `yaml:"price"`
}

// DetailSelectors locate product fields on a detail page.
type DetailSelectors struct {
	Ready        string `yaml:"ready"`
	Name         string `yaml:"name"`
	Price        string `yaml:"price"`
	Color        string `yaml:"color"`
	Description  string `yaml:"description"`
	Details      string `yaml:"details"`
	Sizes        string `yaml:"sizes"`
	Images       string `yaml:"images"`
	ImageAttr    string `yaml:"image_attr"`
	ImagePattern string `yaml:"image_pattern"`
	ImageReplace string `yaml:"image_replace"`
}

// SiteConfig is the declarative description of one retailer.
type SiteConfig struct {
	Name              string            `yaml:"name"`
	ListingURLs       []string          `yaml:"listing_urls"`
	Gender            string            `yaml:"gender"`
	AllowedPathPrefix string            `yaml:"allowed_path_prefix"`
	Pagination        PaginationConfig  `yaml:"pagination"`
	Listing           ListingSelectors  `yaml:"listing"`
	Detail            DetailSelectors   `yaml:"detail"`
	Required          []string          `yaml:"required"`
	Fallbacks         map[string]string `yaml:"fallbacks"`
	Columns           []string          `yaml:"columns"`
	ImageDelimiter    string            `yaml:"image_delimiter"`
}

var presets = map[string]SiteConfig{
	"versace": {
		Name:              "versace",
		ListingURLs:       []string{"https://www.versace.com/us/en/women/clothing/"},
		Gender:            "Women",
		AllowedPathPrefix: "/us/en/",
		Pagination: PaginationConfig{
			Mode:           PaginationPage,
			Param:          "start",
			PageSize:       24,
			MoreSelector:   ".desktop-load-more, .mobile-load-more",
			HiddenSelector: ".d-none",
			PollInterval:   time.Second,
			StableRounds:   3,
		},
		Listing: ListingSelectors{
			Ready:    ".product-tile-wrapper",
			Item:     ".product-tile-wrapper",
			Link:     "a.back-to-product-anchor-js",
			LinkAttr: "href",
			Price:    ".price .sales .value",
		},
		Detail: DetailSelectors{
			Ready:        ".product-detail-content",
			Name:         "h1.product-name",
			Price:        ".price .sales .value",
			Color:        ".color .display-color-name",
			Description:  "#product-collapsible-tabDetails",
			Images:       ".js-large-images-list .zoom-image",
			ImageAttr:    "src",
			ImagePattern: `sw=\d+`,
			ImageReplace: "sw=1200",
		},
		Required: []string{"name", "price"},
		Fallbacks: map[string]string{
			"color": "Color not available",
		},
		Columns:        append([]string(nil), models.DefaultColumns...),
		ImageDelimiter: models.DefaultImageDelimiter,
	},
}

// Preset returns a copy of a built-in site configuration.
func Preset(name string) (SiteConfig, bool) {
	site, ok := presets[strings.ToLower(name)]
	if !ok {
		return SiteConfig{}, false
	}
	return site.clone(), true
}

// PresetNames lists the built-in sites.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadSites reads a YAML document holding a list of site configurations.
func LoadSites(path string) ([]SiteConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read site file: %w", err)
	}
	var sites []SiteConfig
	if err := yaml.Unmarshal(data, &sites); err != nil {
		return nil, fmt.Errorf("parse site file %s: %w", path, err)
	}
	for i := range sites {
		sites[i].applyDefaults()
		if err := sites[i].Validate(); err != nil {
			return nil, fmt.Errorf("site %q: %w", sites[i].Name, err)
		}
	}
	return sites, nil
}

// ResolveSite looks name up in the YAML file at path (when set) and then in
// the built-in presets.
func ResolveSite(name, path string) (SiteConfig, error) {
	if path != "" {
		sites, err := LoadSites(path)
		if err != nil {
			return SiteConfig{}, err
		}
		for _, s := range sites {
			if strings.EqualFold(s.Name, name) {
				return s, nil
			}
		}
		if name == "" && len(sites) > 0 {
			return sites[0], nil
		}
	}
	if name == "" {
		name = DefaultSite
	}
	if site, ok := Preset(name); ok {
		return site, nil
	}
	return SiteConfig{}, fmt.Errorf("unknown site %q (presets: %s)", name, strings.Join(PresetNames(), ", "))
}

func (s *SiteConfig) applyDefaults() {
	if s.Pagination.Mode == "" {
		s.Pagination.Mode = PaginationNone
	}
	if s.Pagination.PollInterval <= 0 {
		s.Pagination.PollInterval = time.Second
	}
	if s.Pagination.StableRounds <= 0 {
		s.Pagination.StableRounds = 3
	}
	if s.Listing.LinkAttr == "" {
		s.Listing.LinkAttr = "href"
	}
	if s.Detail.ImageAttr == "" {
		s.Detail.ImageAttr = "src"
	}
	if len(s.Columns) == 0 {
		s.Columns = append([]string(nil), models.DefaultColumns...)
	}
	if s.ImageDelimiter == "" {
		s.ImageDelimiter = models.DefaultImageDelimiter
	}
}

// Validate checks the selector map is usable.
func (s *SiteConfig) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if len(s.ListingURLs) == 0 {
		return fmt.Errorf("at least one listing URL is required")
	}
	for _, raw := range s.ListingURLs {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid listing URL %q: %w", raw, err)
		}
		if u.Host == "" {
			return fmt.Errorf("listing URL %q must include a host", raw)
		}
	}
	switch s.Pagination.Mode {
	case PaginationPage:
		if s.Pagination.Param == "" {
			return fmt.Errorf("page pagination needs a param")
		}
		if s.Pagination.PageSize < 0 {
			return fmt.Errorf("page size cannot be negative")
		}
	case PaginationLoadMore:
		if s.Pagination.MoreSelector == "" {
			return fmt.Errorf("load_more pagination needs a more selector")
		}
	case PaginationScroll, PaginationNone:
	default:
		return fmt.Errorf("unknown pagination mode %q", s.Pagination.Mode)
	}
	if s.Listing.Item == "" && s.Listing.Link == "" {
		return fmt.Errorf("listing needs an item or link selector")
	}
	if s.Detail.Ready == "" {
		return fmt.Errorf("detail ready selector cannot be empty")
	}
	if s.Detail.ImagePattern != "" {
		if _, err := regexp.Compile(s.Detail.ImagePattern); err != nil {
			return fmt.Errorf("invalid image pattern: %w", err)
		}
	}
	blank := &models.Product{}
	for _, field := range s.Required {
		if _, ok := blank.FieldByKey(field); !ok {
			return fmt.Errorf("unknown required field %q", field)
		}
	}
	for field := range s.Fallbacks {
		if !blank.SetField(field, "") {
			return fmt.Errorf("unknown fallback field %q", field)
		}
	}
	hasURL := false
	for _, col := range s.Columns {
		if col == models.ColumnURL {
			hasURL = true
		}
		if !knownColumn(col) {
			return fmt.Errorf("unknown column %q", col)
		}
	}
	if !hasURL {
		return fmt.Errorf("columns must include %q", models.ColumnURL)
	}
	return nil
}

func knownColumn(col string) bool {
	switch col {
	case models.ColumnGender, models.ColumnName, models.ColumnColor,
		models.ColumnDescription, models.ColumnDetails, models.ColumnSizes,
		models.ColumnPrice, models.ColumnImages, models.ColumnURL,
		models.ColumnScrapedAt:
		return true
	}
	return false
}

func (s SiteConfig) clone() SiteConfig {
	out := s
	out.ListingURLs = append([]string(nil), s.ListingURLs...)
	out.Required = append([]string(nil), s.Required...)
	out.Columns = append([]string(nil), s.Columns...)
	if s.Fallbacks != nil {
		out.Fallbacks = make(map[string]string, len(s.Fallbacks))
		for k, v := range s.Fallbacks {
			out.Fallbacks[k] = v
		}
	}
	return out
}
