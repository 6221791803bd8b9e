package report

import (
	"io"

	"github.com/nao1215/conntest/internal/probe"
)

// Writer defines the interface for result output.
type Writer interface {
	// Write outputs the outcome of a single probe.
	// Returns the number of bytes written and any error encountered.
	Write(result probe.Result) (int, error)

	// WriteBatch outputs the outcomes of several probes, in order, with a
	// summary where the format has one.
	WriteBatch(results []probe.Result) (int, error)
}

// Format selects a Writer implementation.
type Format int

const (
	// FormatText is the default human-readable output.
	FormatText Format = iota
	// FormatJSON is JSON lines.
	FormatJSON
	// FormatMarkdown is a Markdown report.
	FormatMarkdown
)

// NewWriter returns the Writer for format. Text output sends failures to
// errOutput; the other formats write everything to output.
func NewWriter(format Format, output, errOutput io.Writer) Writer {
	switch format {
	case FormatJSON:
		return NewJSONWriter(output)
	case FormatMarkdown:
		return NewMarkdownWriter(output)
	default:
		return NewTextWriter(output, errOutput)
	}
}

// Summary counts the outcomes of a batch.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	// ByKind counts failures per kind.
	ByKind map[probe.ErrorKind]int
}

// Summarize counts results.
func Summarize(results []probe.Result) Summary {
	s := Summary{Total: len(results), ByKind: make(map[probe.ErrorKind]int)}
	for _, r := range results {
		if r.Succeeded {
			s.Succeeded++
			continue
		}
		s.Failed++
		s.ByKind[r.Kind]++
	}
	return s
}

// failureKinds lists failure kinds in display order.
var failureKinds = []probe.ErrorKind{
	probe.KindAuthentication,
	probe.KindTransport,
	probe.KindTimeout,
	probe.KindNegotiation,
	probe.KindInvalid,
}

// baseWriter provides common functionality for report writers.
type baseWriter struct {
	output io.Writer
}

// newBaseWriter creates a baseWriter with the given output destination.
func newBaseWriter(output io.Writer) baseWriter {
	return baseWriter{output: output}
}
