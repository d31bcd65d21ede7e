// Package analysis runs the full entry-point analysis over one scan document.
package analysis

import (
	"errors"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/nessus-analyzer/internal/archetype"
	"github.com/yourorg/nessus-analyzer/internal/filter"
	"github.com/yourorg/nessus-analyzer/internal/model"
	"github.com/yourorg/nessus-analyzer/internal/nessus"
	"github.com/yourorg/nessus-analyzer/internal/rank"
)

// Stages reported through Options.Progress.
const (
	StageExtract = "extract"
	StageFilter  = "filter"
	StageRank    = "rank"
	StageDone    = "done"
)

type Options struct {
	AllowList *filter.AllowList
	Rules     *archetype.Ruleset
	Log       logrus.FieldLogger
	Progress  func(model.ProgressEvent)
}

// Result holds the five outputs of a run.
type Result struct {
	Findings          *model.FindingSet
	RankedEntryPoints []model.EntryPoint
	MostFindings      []model.EntryPointCount
	PortZero          *model.FindingSet
	Exploits          []model.ExploitRecord
}

// RunFile decodes the document at path and runs the analysis on it. The
// file's base name is recorded on every finding.
func RunFile(path string, opts Options) (*Result, error) {
	if opts.AllowList == nil {
		return nil, filter.ErrMissingAllowList
	}
	doc, err := nessus.DecodeFile(path)
	if err != nil {
		return nil, err
	}
	return Run(doc, filepath.Base(path), opts)
}

// Run extracts, classifies, filters and ranks doc. Findings are filtered
// before aggregation, so entry-point scores only reflect allowed data.
func Run(doc *nessus.Document, sourceFile string, opts Options) (*Result, error) {
	if opts.AllowList == nil {
		return nil, filter.ErrMissingAllowList
	}
	if doc == nil {
		return nil, errors.New("analysis: nil document")
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	progress := func(stage, detail string) {
		if opts.Progress != nil {
			opts.Progress(model.ProgressEvent{Stage: stage, Detail: detail, TS: time.Now().UTC().Format(time.RFC3339)})
		}
	}

	progress(StageExtract, sourceFile)
	all := nessus.NewExtractor(opts.Rules, log).Extract(doc, sourceFile)
	exploits := nessus.CollectExploits(doc)

	progress(StageFilter, "applying allow-lists")
	findings := all.WithFindings(filter.Apply(all.Findings, opts.AllowList))
	exploits = filter.ApplyIP(exploits, opts.AllowList)
	log.WithFields(logrus.Fields{
		"file":     sourceFile,
		"before":   all.Len(),
		"after":    findings.Len(),
		"exploits": len(exploits),
	}).Info("filtered findings")

	progress(StageRank, "ranking entry points")
	portZero, _ := rank.SplitPortZero(findings.Findings)
	res := &Result{
		Findings:          findings,
		RankedEntryPoints: filter.Apply(rank.Rank(findings.Findings), opts.AllowList),
		MostFindings:      filter.Apply(rank.MostFindings(findings.Findings), opts.AllowList),
		PortZero:          findings.WithFindings(portZero),
		Exploits:          exploits,
	}

	progress(StageDone, "analysis complete")
	log.WithFields(logrus.Fields{
		"file":         sourceFile,
		"entry_points": len(res.RankedEntryPoints),
		"port_zero":    res.PortZero.Len(),
	}).Info("analysis complete")
	return res, nil
}

// Summary condenses the result for storage next to a job.
func (r *Result) Summary() model.Summary {
	s := model.Summary{
		Findings:    r.Findings.Len(),
		Exploits:    len(r.Exploits),
		EntryPoints: len(r.RankedEntryPoints),
		PortZero:    r.PortZero.Len(),
		Archetypes:  map[string]int{},
	}
	for _, f := range r.Findings.Findings {
		s.Archetypes[f.Archetype]++
	}
	return s
}
