// Package report renders probe results.
//
// This package contains writers for different output formats:
//   - TextWriter: the one-line human-readable outcome, and an aligned
//     summary for batches
//   - JSONWriter: one JSON object per result (JSON lines)
//   - MarkdownWriter: a Markdown document for sharing batch runs
//
// Writers implement the Writer interface, allowing the command layer to
// pick one from the --json and --markdown flags.
package report
