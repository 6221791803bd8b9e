package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nao1215/conntest/internal/probe"
)

// Outcome prefixes of the one-line text output.
const (
	SuccessPrefix = "Connection successfully established!"
	FailurePrefix = "Connection FAILED:"
)

// TextWriter outputs human-readable text. A single result is one line:
// on stdout for a success, on stderr for a failure.
type TextWriter struct {
	baseWriter

	// errOutput receives failure lines.
	errOutput io.Writer
}

// NewTextWriter creates a TextWriter. If errOutput is nil, failures go to
// output as well.
func NewTextWriter(output, errOutput io.Writer) *TextWriter {
	if errOutput == nil {
		errOutput = output
	}
	return &TextWriter{
		baseWriter: newBaseWriter(output),
		errOutput:  errOutput,
	}
}

// Write outputs the single line for result.
func (w *TextWriter) Write(result probe.Result) (int, error) {
	if result.Succeeded {
		return fmt.Fprintf(w.output, "%s %s\n", SuccessPrefix, result.Message)
	}
	return fmt.Fprintf(w.errOutput, "%s %s\n", FailurePrefix, result.Message)
}

// WriteBatch outputs an aligned table of results followed by a summary
// line. Everything goes to output; the exit code reports failures.
func (w *TextWriter) WriteBatch(results []probe.Result) (int, error) {
	var sb strings.Builder

	protoWidth, targetWidth := len("PROTOCOL"), len("TARGET")
	for _, r := range results {
		protoWidth = max(protoWidth, len(r.Protocol))
		targetWidth = max(targetWidth, len(r.Target.Address()))
	}

	row := fmt.Sprintf("%%-%ds  %%-%ds  %%-6s  %%-14s  %%8s  %%s\n", protoWidth, targetWidth)
	sb.WriteString(fmt.Sprintf(row, "PROTOCOL", "TARGET", "STATUS", "KIND", "TIME", "MESSAGE"))
	for _, r := range results {
		status := "ok"
		kind := "-"
		if !r.Succeeded {
			status = "FAILED"
			kind = r.Kind.String()
		}
		sb.WriteString(fmt.Sprintf(row,
			r.Protocol,
			r.Target.Address(),
			status,
			kind,
			r.Duration.Round(time.Millisecond),
			r.Message,
		))
	}

	s := Summarize(results)
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("%d probes: %d succeeded, %d failed", s.Total, s.Succeeded, s.Failed))
	if s.Failed > 0 {
		parts := make([]string, 0, len(failureKinds))
		for _, k := range failureKinds {
			if n := s.ByKind[k]; n > 0 {
				parts = append(parts, fmt.Sprintf("%s %d", k, n))
			}
		}
		sb.WriteString(" (" + strings.Join(parts, ", ") + ")")
	}
	sb.WriteString("\n")

	return io.WriteString(w.output, sb.String())
}
