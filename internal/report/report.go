// Package report writes analysis results as the tabular files consumed by the
// PDF and spreadsheet renderers.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/yourorg/nessus-analyzer/internal/analysis"
	"github.com/yourorg/nessus-analyzer/internal/model"
)

// Output keys. Each is also the file's base name without extension.
const (
	DataWithExploits  = "data_with_exploits"
	RankedEntryPoints = "ranked_entry_points"
	MostInfo          = "entrypoint_most_info"
	PortZeroEntries   = "port_0_entries"
	Exploits          = "exploits"
)

var (
	rankedHeader   = []string{"ip", "port", "severity_score", "exploit_score", "distinct_vulnerabilities", "combined_score"}
	mostInfoHeader = []string{"ip", "port", "vulnerability_count"}
)

// File describes one written output.
type File struct {
	Key         string
	Name        string
	ContentType string
}

// Files lists the outputs Write produces, in write order.
func Files() []File {
	return []File{
		{Key: DataWithExploits, Name: DataWithExploits + ".csv", ContentType: "text/csv"},
		{Key: RankedEntryPoints, Name: RankedEntryPoints + ".csv", ContentType: "text/csv"},
		{Key: MostInfo, Name: MostInfo + ".csv", ContentType: "text/csv"},
		{Key: PortZeroEntries, Name: PortZeroEntries + ".csv", ContentType: "text/csv"},
		{Key: Exploits, Name: Exploits + ".json", ContentType: "application/json"},
	}
}

// Write renders every output of res into dir. Files are first written to a
// staging directory inside dir and moved into place only once all of them
// have been produced; on error dir is left without any of them.
func Write(dir string, res *analysis.Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	staging, err := os.MkdirTemp(dir, ".staging-")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	for _, f := range Files() {
		if err := writeFile(filepath.Join(staging, f.Name), func(w io.Writer) error {
			return Render(w, f.Key, res)
		}); err != nil {
			return fmt.Errorf("write %s: %w", f.Name, err)
		}
	}

	var moved []string
	for _, f := range Files() {
		dst := filepath.Join(dir, f.Name)
		if err := os.Rename(filepath.Join(staging, f.Name), dst); err != nil {
			for _, m := range moved {
				_ = os.Remove(m)
			}
			return fmt.Errorf("move %s into place: %w", f.Name, err)
		}
		moved = append(moved, dst)
	}
	return nil
}

func writeFile(path string, render func(io.Writer) error) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := render(out); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Render writes the output named key to w.
func Render(w io.Writer, key string, res *analysis.Result) error {
	switch key {
	case DataWithExploits:
		return WriteFindings(w, res.Findings)
	case RankedEntryPoints:
		return WriteEntryPoints(w, res.RankedEntryPoints)
	case MostInfo:
		return WriteEntryPointCounts(w, res.MostFindings)
	case PortZeroEntries:
		return WriteFindings(w, res.PortZero)
	case Exploits:
		return WriteExploits(w, res.Exploits)
	default:
		return fmt.Errorf("unknown output %q", key)
	}
}

func WriteFindings(w io.Writer, set *model.FindingSet) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(set.Schema.Columns()); err != nil {
		return err
	}
	for _, f := range set.Findings {
		if err := cw.Write(set.Schema.Row(f)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func WriteEntryPoints(w io.Writer, eps []model.EntryPoint) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(rankedHeader); err != nil {
		return err
	}
	for _, e := range eps {
		if err := cw.Write([]string{
			e.IP,
			e.Port,
			model.FormatFloat(e.SeverityScore),
			model.FormatFloat(e.ExploitScore),
			model.FormatFloat(e.DistinctVulnerabilities),
			model.FormatFloat(e.CombinedScore),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func WriteEntryPointCounts(w io.Writer, counts []model.EntryPointCount) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(mostInfoHeader); err != nil {
		return err
	}
	for _, c := range counts {
		if err := cw.Write([]string{c.IP, c.Port, strconv.Itoa(c.VulnerabilityCount)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteExploits writes the exploit feed as a JSON array; an empty feed is "[]".
func WriteExploits(w io.Writer, exploits []model.ExploitRecord) error {
	if exploits == nil {
		exploits = []model.ExploitRecord{}
	}
	return json.NewEncoder(w).Encode(exploits)
}
