package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
)

// DriverJSON extracts records from JSON API responses with dotted paths.
const DriverJSON = "json"

// JSONParser applies a source's rules to a JSON document.
//
// Item is a dotted path to an array (or a single object) of items; an empty
// path is the document root. Field paths are relative to each item and numeric
// segments index arrays. Next is a dotted path, from the root, to the URL of
// the following page.
type JSONParser struct{}

// Parse implements Parser.
func (JSONParser) Parse(src crawler.SourceConfig, page Page) ([]crawler.RawRecord, []string, error) {
	dec := json.NewDecoder(bytes.NewReader(page.Body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, nil, fmt.Errorf("decode json: %w", err)
	}

	var records []crawler.RawRecord
	for _, rule := range src.Rules {
		node, ok := lookup(doc, rule.Item)
		if !ok {
			continue
		}
		items, isList := node.([]any)
		if !isList {
			items = []any{node}
		}
		for _, item := range items {
			fields := make(map[string]any, len(rule.Fields)+len(rule.Static))
			for name, path := range rule.Fields {
				if value, ok := lookup(item, path); ok && value != nil {
					fields[name] = scalar(value)
				}
			}
			if len(fields) == 0 {
				continue
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
		}
	}

	var next []string
	if src.Next != "" {
		if value, ok := lookup(doc, src.Next); ok {
			if href, isString := value.(string); isString && strings.TrimSpace(href) != "" {
				next = append(next, crawler.ResolveURL(page.URL, href))
			}
		}
	}
	return records, next, nil
}

func lookup(node any, path string) (any, bool) {
	path = strings.Trim(strings.TrimSpace(path), ".")
	if path == "" {
		return node, true
	}
	for _, segment := range strings.Split(path, ".") {
		switch current := node.(type) {
		case map[string]any:
			value, ok := current[segment]
			if !ok {
				return nil, false
			}
			node = value
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(current) {
				return nil, false
			}
			node = current[idx]
		default:
			return nil, false
		}
	}
	return node, true
}

// scalar keeps strings, booleans and numbers, and flattens anything else to text.
func scalar(value any) any {
	switch v := value.(type) {
	case string, bool:
		return v
	case json.Number:
		return v.String()
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(raw)
	}
}
