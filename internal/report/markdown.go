package report

import (
	"io"
	"strconv"
	"time"

	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/nao1215/conntest/internal/probe"
)

// MarkdownWriter outputs results as a Markdown document, meant for
// pasting batch runs into tickets and wikis.
type MarkdownWriter struct {
	baseWriter
}

// NewMarkdownWriter creates a MarkdownWriter that outputs to the given writer.
func NewMarkdownWriter(output io.Writer) *MarkdownWriter {
	return &MarkdownWriter{
		baseWriter: newBaseWriter(output),
	}
}

// Write outputs a report for a single result.
func (w *MarkdownWriter) Write(result probe.Result) (int, error) {
	return w.WriteBatch([]probe.Result{result})
}

// WriteBatch outputs the summary followed by one section per protocol,
// in the order protocols first appear in results.
func (w *MarkdownWriter) WriteBatch(results []probe.Result) (int, error) {
	md := markdown.NewMarkdown(w.output)

	md.H1("Connectivity Report")
	md.PlainText("")

	s := Summarize(results)
	w.writeSummary(md, s)

	for _, group := range groupByProtocol(results) {
		w.writeProtocol(md, group)
	}

	md.HorizontalRule()
	md.PlainText("")
	md.PlainTextf("*Report generated by conntest at %s*", time.Now().Format("2006-01-02 15:04:05 MST"))

	return len(md.String()), md.Build()
}

// writeSummary writes the counts table, a pie chart of failure kinds and
// an alert.
func (w *MarkdownWriter) writeSummary(md *markdown.Markdown, s Summary) {
	md.H2("Summary")
	md.PlainText("")

	rows := [][]string{
		{"✅ Succeeded", strconv.Itoa(s.Succeeded)},
		{"❌ Failed", strconv.Itoa(s.Failed)},
	}
	for _, k := range failureKinds {
		if n := s.ByKind[k]; n > 0 {
			rows = append(rows, []string{"&nbsp;&nbsp;" + kindTitle(k), strconv.Itoa(n)})
		}
	}
	rows = append(rows, []string{"**Total**", "**" + strconv.Itoa(s.Total) + "**"})

	md.Table(markdown.TableSet{
		Header: []string{"Outcome", "Count"},
		Rows:   rows,
	})
	md.PlainText("")

	if s.Failed > 0 {
		chart := piechart.NewPieChart(
			io.Discard,
			piechart.WithTitle("Failures by kind"),
			piechart.WithShowData(true),
		)
		for _, k := range failureKinds {
			if n := s.ByKind[k]; n > 0 {
				chart.LabelAndIntValue(kindTitle(k), uint64(n))
			}
		}
		md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
		md.PlainText("")
	}

	switch {
	case s.Total == 0:
		md.Note("No targets were probed.")
	case s.Failed == 0:
		md.Tip("Every target accepted its credentials.")
	case s.ByKind[probe.KindAuthentication] > 0:
		md.Cautionf("%d target(s) rejected their credentials.", s.ByKind[probe.KindAuthentication])
	default:
		md.Warningf("%d target(s) could not be reached or did not complete the handshake.", s.Failed)
	}
	md.PlainText("")
}

// writeProtocol writes the results table of one protocol.
func (w *MarkdownWriter) writeProtocol(md *markdown.Markdown, results []probe.Result) {
	md.H2(protocolTitle(results[0].Protocol))
	md.PlainText("")

	rows := make([][]string, len(results))
	for i, r := range results {
		status := "✅"
		kind := "-"
		if !r.Succeeded {
			status = "❌"
			kind = kindTitle(r.Kind)
		}
		user := r.Username
		if user == "" {
			user = "-"
		}
		rows[i] = []string{
			"`" + r.Target.Address() + "`",
			user,
			status,
			kind,
			r.Duration.Round(time.Millisecond).String(),
			r.Message,
		}
	}

	md.Table(markdown.TableSet{
		Header: []string{"Target", "User", "Status", "Kind", "Time", "Message"},
		Rows:   rows,
	})
	md.PlainText("")
}

// groupByProtocol splits results by protocol keeping first-seen order.
func groupByProtocol(results []probe.Result) [][]probe.Result {
	index := make(map[string]int)
	var groups [][]probe.Result
	for _, r := range results {
		i, ok := index[r.Protocol]
		if !ok {
			i = len(groups)
			index[r.Protocol] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], r)
	}
	return groups
}

// protocolTitle renders protocol identifiers as headings. Acronyms are
// upper-cased, product names title-cased.
func protocolTitle(protocol string) string {
	switch protocol {
	case "ssh", "rdp", "vnc", "snmp":
		return cases.Upper(language.English).String(protocol)
	case "winrm":
		return "WinRM"
	case "vcenter":
		return "vCenter"
	default:
		return cases.Title(language.English).String(protocol)
	}
}

func kindTitle(k probe.ErrorKind) string {
	return cases.Title(language.English).String(k.String())
}
