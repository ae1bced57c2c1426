package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
)

// DriverHTML extracts records from HTML pages with CSS selectors.
const DriverHTML = "html"

// urlAttrs are attributes resolved against the page URL.
var urlAttrs = map[string]bool{"href": true, "src": true, "action": true}

// HTMLParser applies a source's rules to an HTML document.
//
// Field selectors take the form "css", "css@attr", "@attr" or "" (the item's
// own text). The next-page selector takes the same form and defaults to the
// href attribute.
type HTMLParser struct{}

// Parse implements Parser.
func (HTMLParser) Parse(src crawler.SourceConfig, page Page) ([]crawler.RawRecord, []string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse document: %w", err)
	}

	var records []crawler.RawRecord
	for _, rule := range src.Rules {
		doc.Find(rule.Item).Each(func(_ int, item *goquery.Selection) {
			fields := make(map[string]any, len(rule.Fields)+len(rule.Static))
			for name, selector := range rule.Fields {
				if value := selectValue(item, selector, page.URL); value != "" {
					fields[name] = value
				}
			}
			if len(fields) == 0 {
				return
			}
			for name, value := range rule.Static {
				if _, ok := fields[name]; !ok {
					fields[name] = value
				}
			}
			records = append(records, crawler.RawRecord{
				Kind:       rule.Kind,
				Fields:     fields,
				Provenance: provenance(src, page),
			})
		})
	}

	var next []string
	if src.Next != "" {
		selector, attr := splitSelector(src.Next)
		if attr == "" {
			attr = "href"
		}
		doc.Find(selector).Each(func(_ int, link *goquery.Selection) {
			if href, ok := link.Attr(attr); ok && strings.TrimSpace(href) != "" {
				next = append(next, crawler.ResolveURL(page.URL, href))
			}
		})
	}
	return records, next, nil
}

func selectValue(item *goquery.Selection, spec, pageURL string) string {
	selector, attr := splitSelector(spec)
	sel := item
	if selector != "" {
		sel = item.Find(selector).First()
	}
	if sel.Length() == 0 {
		return ""
	}
	if attr == "" {
		return strings.Join(strings.Fields(sel.Text()), " ")
	}
	value, ok := sel.Attr(attr)
	if !ok {
		return ""
	}
	value = strings.TrimSpace(value)
	if urlAttrs[attr] && value != "" {
		return crawler.ResolveURL(pageURL, value)
	}
	return value
}

// splitSelector separates "css@attr" into its parts.
func splitSelector(spec string) (string, string) {
	spec = strings.TrimSpace(spec)
	if i := strings.LastIndex(spec, "@"); i >= 0 {
		return strings.TrimSpace(spec[:i]), strings.TrimSpace(spec[i+1:])
	}
	return spec, ""
}
