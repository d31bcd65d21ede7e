package nessus

import (
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/nessus-analyzer/internal/archetype"
	"github.com/yourorg/nessus-analyzer/internal/model"
)

// Classifier assigns an archetype label from a plugin name and family.
type Classifier interface {
	Classify(pluginName, pluginFamily string) string
}

// Extractor flattens a Document into findings.
type Extractor struct {
	Classifier Classifier
	Log        logrus.FieldLogger
}

// NewExtractor returns an Extractor classifying with rules; nil means the
// standard profile.
func NewExtractor(rules *archetype.Ruleset, log logrus.FieldLogger) *Extractor {
	if rules == nil {
		rules = archetype.Standard()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Extractor{Classifier: rules, Log: log}
}

// Extract returns one Finding per ReportItem, host-major in document order.
// Hosts without a host-ip property contribute nothing. The schema is derived
// from the first ReportItem seen.
func (e *Extractor) Extract(doc *Document, sourceFile string) *model.FindingSet {
	var (
		schema   *model.Schema
		findings []model.Finding
		skipped  int
	)
	for _, host := range doc.Hosts() {
		if !host.HasIP() {
			skipped++
			e.Log.WithFields(logrus.Fields{"host": host.Name, "items": host.ItemCount()}).
				Warn("host has no host-ip property, skipping")
			continue
		}
		for _, item := range host.items {
			if schema == nil {
				keys := make([]string, 0, len(item.Attrs))
				for _, a := range item.Attrs {
					keys = append(keys, a.Name.Local)
				}
				schema = model.NewSchema(keys)
			}
			findings = append(findings, e.finding(sourceFile, host, item))
		}
	}
	if schema == nil {
		schema = model.NewSchema(nil)
	}
	e.Log.WithFields(logrus.Fields{
		"file":          sourceFile,
		"findings":      len(findings),
		"skipped_hosts": skipped,
	}).Debug("extracted findings")
	return &model.FindingSet{Schema: schema, Findings: findings}
}

func (e *Extractor) finding(sourceFile string, host Host, item *element) model.Finding {
	attrs := make(map[string]string, len(item.Attrs))
	for _, a := range item.Attrs {
		attrs[a.Name.Local] = a.Value
	}
	f := model.Finding{
		SourceFile:    sourceFile,
		HostName:      host.Name,
		HostIP:        host.IP,
		Port:          attrs["port"],
		Attributes:    attrs,
		Severity:      parseSeverity(attrs["severity"]),
		CVSSBaseScore: parseScore(attrs["cvss_base_score"]),
		ViableExploit: viableExploit(item),
	}
	f.Archetype = e.Classifier.Classify(attrs["pluginName"], attrs["pluginFamily"])
	return f
}

func viableExploit(item *element) bool {
	if item.find("exploit_available") != nil {
		return true
	}
	if ease := item.find("exploitability_ease"); ease != nil {
		switch strings.TrimSpace(ease.Text) {
		case "Exploitable", "Easy":
			return true
		}
	}
	return false
}

// parseSeverity defaults to 0 on a missing or non-integer value.
func parseSeverity(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

func parseScore(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}
