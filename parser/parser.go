// Package parser extracts product data from rendered listing and detail pages.
package parser

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/Haysam-Bin-Tahir/Array-Products-Scraper/config"
	"github.com/Haysam-Bin-Tahir/Array-Products-Scraper/models"
)

// ListingItem is one product link found on a listing page.
type ListingItem struct {
	URL   string
	Price string
}

var whitespace = regexp.MustCompile(`\s+`)

// CollapseSpace trims s and folds runs of whitespace into single spaces.
func CollapseSpace(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// NormalizePrice removes surrounding and repeated whitespace from a price
// label. The currency symbol is kept since sites differ in currency.
func NormalizePrice(price string) string {
	return CollapseSpace(price)
}

// CanonicalURL resolves raw against base and strips the fragment. Only http
// and https URLs are accepted.
func CanonicalURL(raw string, base *url.URL) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return "", fmt.Errorf("unsupported url %q", ref.String())
	}
	ref.Fragment = ""
	ref.RawFragment = ""
	return ref.String(), nil
}

// ParseListing returns the product links of a listing page in document
// order, without duplicates.
func ParseListing(html, pageURL string, sel config.ListingSelectors) ([]ListingItem, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse listing html: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse listing url: %w", err)
	}

	attr := sel.LinkAttr
	if attr == "" {
		attr = "href"
	}

	var items []ListingItem
	seen := make(map[string]struct{})
	add := func(link *goquery.Selection, price string) {
		href, ok := link.Attr(attr)
		if !ok {
			return
		}
		abs, err := CanonicalURL(href, base)
		if err != nil {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		items = append(items, ListingItem{URL: abs, Price: NormalizePrice(price)})
	}

	if sel.Item == "" {
		doc.Find(sel.Link).Each(func(_ int, s *goquery.Selection) {
			add(s, "")
		})
		return items, nil
	}

	doc.Find(sel.Item).Each(func(_ int, item *goquery.Selection) {
		link := item
		if sel.Link != "" {
			link = item.Find(sel.Link).First()
			if link.Length() == 0 {
				return
			}
		}
		price := ""
		if sel.Price != "" {
			price = item.Find(sel.Price).First().Text()
		}
		add(link, price)
	})
	return items, nil
}

// HasMore reports whether a "load more" control matching more is present and
// not inside an element matching hidden.
func HasMore(html, more, hidden string) (bool, error) {
	if more == "" {
		return true, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false, fmt.Errorf("parse html: %w", err)
	}
	visible := false
	doc.Find(more).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if hidden != "" && s.Closest(hidden).Length() > 0 {
			return true
		}
		visible = true
		return false
	})
	return visible, nil
}

// ImageRewriter rewrites image URLs, typically to request a larger rendition.
type ImageRewriter struct {
	pattern *regexp.Regexp
	replace string
}

// NewImageRewriter compiles pattern. An empty pattern yields a no-op rewriter.
func NewImageRewriter(pattern, replace string) (*ImageRewriter, error) {
	if pattern == "" {
		return &ImageRewriter{}, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile image pattern: %w", err)
	}
	return &ImageRewriter{pattern: re, replace: replace}, nil
}

// Rewrite applies the replacement to src.
func (r *ImageRewriter) Rewrite(src string) string {
	if r == nil || r.pattern == nil {
		return src
	}
	return r.pattern.ReplaceAllString(src, r.replace)
}

// ParseDetail extracts a product from a detail page. The returned product is
// not validated.
func ParseDetail(html, pageURL string, site *config.SiteConfig) (*models.Product, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse detail html: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse detail url: %w", err)
	}
	rewriter, err := NewImageRewriter(site.Detail.ImagePattern, site.Detail.ImageReplace)
	if err != nil {
		return nil, err
	}

	sel := site.Detail
	p := &models.Product{
		Gender:      site.Gender,
		Name:        firstText(doc, sel.Name),
		Price:       NormalizePrice(firstText(doc, sel.Price)),
		Color:       firstText(doc, sel.Color),
		Description: firstText(doc, sel.Description),
		Details:     firstText(doc, sel.Details),
		Sizes:       allText(doc, sel.Sizes, ", "),
		URL:         pageURL,
		ScrapedAt:   time.Now().UTC(),
	}

	if sel.Images != "" {
		seen := make(map[string]struct{})
		doc.Find(sel.Images).Each(func(_ int, s *goquery.Selection) {
			src := imageSource(s, sel.ImageAttr)
			if src == "" {
				return
			}
			abs, err := CanonicalURL(src, base)
			if err != nil {
				return
			}
			abs = rewriter.Rewrite(abs)
			if _, dup := seen[abs]; dup {
				return
			}
			seen[abs] = struct{}{}
			p.Images = append(p.Images, abs)
		})
	}
	return p, nil
}

func imageSource(s *goquery.Selection, attr string) string {
	for _, name := range []string{attr, "data-src", "src"} {
		if name == "" {
			continue
		}
		if v, ok := s.Attr(name); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func firstText(doc *goquery.Document, selector string) string {
	if selector == "" {
		return ""
	}
	return CollapseSpace(doc.Find(selector).First().Text())
}

func allText(doc *goquery.Document, selector, sep string) string {
	if selector == "" {
		return ""
	}
	var parts []string
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		if text := CollapseSpace(s.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	return strings.Join(parts, sep)
}

// ValidateProduct ensures the URL and every required field are present.
func ValidateProduct(p *models.Product, required []string) error {
	if p == nil {
		return fmt.Errorf("product is nil")
	}
	if strings.TrimSpace(p.URL) == "" {
		return fmt.Errorf("product missing url")
	}
	for _, field := range required {
		value, ok := p.FieldByKey(field)
		if !ok {
			return fmt.Errorf("unknown required field %q", field)
		}
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("product missing %s for %s", field, p.URL)
		}
	}
	return nil
}

// ApplyFallbacks fills empty optional fields with placeholder values.
func ApplyFallbacks(p *models.Product, fallbacks map[string]string) {
	for field, value := range fallbacks {
		current, ok := p.FieldByKey(field)
		if ok && strings.TrimSpace(current) == "" {
			p.SetField(field, value)
		}
	}
}
