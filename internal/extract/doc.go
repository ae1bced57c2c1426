// Package extract turns configured sources into record streams.
//
// A Registry maps driver names (html, json) to Parsers and source ids to
// Extractors. Every Extractor walks its source page by page through the shared
// polite fetcher, so the governor and the response cache see every request.
package extract
