package report

import (
	"encoding/json"
	"io"
	"time"

	"github.com/nao1215/conntest/internal/probe"
)

// JSONWriter outputs one JSON object per result, newline separated, so
// that batch output can be consumed line by line with tools like jq.
type JSONWriter struct {
	baseWriter

	// indent enables pretty-printed JSON output. The result is no longer
	// one object per line.
	indent bool
}

// JSONWriterOption configures a JSONWriter.
type JSONWriterOption func(*JSONWriter)

// WithPrettyPrint enables indented JSON.
func WithPrettyPrint() JSONWriterOption {
	return func(w *JSONWriter) {
		w.indent = true
	}
}

// NewJSONWriter creates a JSONWriter that outputs to the given writer.
func NewJSONWriter(output io.Writer, opts ...JSONWriterOption) *JSONWriter {
	w := &JSONWriter{baseWriter: newBaseWriter(output)}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// JSONResult is the serialized form of a probe result.
type JSONResult struct {
	ID         string    `json:"id"`
	Protocol   string    `json:"protocol"`
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	Username   string    `json:"username,omitempty"`
	Succeeded  bool      `json:"succeeded"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	DurationMS int64     `json:"duration_ms"`
	StartedAt  time.Time `json:"started_at"`
}

// NewJSONResult converts a probe result.
func NewJSONResult(r probe.Result) JSONResult {
	return JSONResult{
		ID:         r.ID.String(),
		Protocol:   r.Protocol,
		Host:       r.Target.Host,
		Port:       r.Target.Port,
		Username:   r.Username,
		Succeeded:  r.Succeeded,
		Kind:       r.Kind.String(),
		Message:    r.Message,
		DurationMS: r.Duration.Milliseconds(),
		StartedAt:  r.StartedAt,
	}
}

// Write outputs one object.
func (w *JSONWriter) Write(result probe.Result) (int, error) {
	return w.writeJSON(NewJSONResult(result))
}

// WriteBatch outputs one object per result.
func (w *JSONWriter) WriteBatch(results []probe.Result) (int, error) {
	var total int
	for _, r := range results {
		n, err := w.Write(r)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// writeJSON marshals the given value to JSON and writes it to the output.
func (w *JSONWriter) writeJSON(v any) (int, error) {
	var (
		data []byte
		err  error
	)
	if w.indent {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return 0, err
	}

	data = append(data, '\n')
	return w.output.Write(data)
}
