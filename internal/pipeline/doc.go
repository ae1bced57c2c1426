// Package pipeline carries raw records through validation, deduplication and
// sync. Each stage is usable on its own and returns a tagged result; Chain
// composes them for one job's record stream.
package pipeline
