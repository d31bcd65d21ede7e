// Package rank aggregates findings into entry points and orders them by a
// weighted risk score.
package rank

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/yourorg/nessus-analyzer/internal/model"
)

// Weights of the combined score. They sum to 1.
const (
	SeverityWeight = 0.5
	ExploitWeight  = 0.3
	DistinctWeight = 0.2
)

type group struct {
	ip, port string
	sevSum   float64
	sevN     int
	exploits int
	plugins  map[string]struct{}
	rows     int
}

func (g *group) meanSeverity() float64 {
	if g.sevN == 0 {
		return 0
	}
	return g.sevSum / float64(g.sevN)
}

// groupFindings buckets findings by (ip, port), skipping port "0". Groups come
// back ordered by ip then port.
func groupFindings(findings []model.Finding) []*group {
	byKey := make(map[[2]string]*group)
	for _, f := range findings {
		if f.IsPortZero() {
			continue
		}
		key := [2]string{f.HostIP, f.Port}
		g, ok := byKey[key]
		if !ok {
			g = &group{ip: f.HostIP, port: f.Port, plugins: make(map[string]struct{})}
			byKey[key] = g
		}
		g.rows++
		if sev, ok := numericSeverity(f.Attr("severity")); ok {
			g.sevSum += sev
			g.sevN++
		}
		if f.ViableExploit {
			g.exploits++
		}
		g.plugins[f.Attr("pluginID")] = struct{}{}
	}

	groups := make([]*group, 0, len(byKey))
	for _, g := range byKey {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].ip != groups[j].ip {
			return groups[i].ip < groups[j].ip
		}
		return groups[i].port < groups[j].port
	})
	return groups
}

// numericSeverity re-reads the raw severity attribute. Unlike extraction,
// values that are not numbers are reported as missing rather than 0 so they
// stay out of the mean.
func numericSeverity(raw string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Rank scores every (ip, port) entry point in findings, excluding port "0",
// and returns them by combined score, highest first. Ties keep ip/port order.
// With fewer than two entry points the component scores are left unscaled.
func Rank(findings []model.Finding) []model.EntryPoint {
	groups := groupFindings(findings)
	eps := make([]model.EntryPoint, len(groups))
	sev := make([]float64, len(groups))
	exp := make([]float64, len(groups))
	dist := make([]float64, len(groups))
	for i, g := range groups {
		sev[i] = g.meanSeverity()
		exp[i] = float64(g.exploits)
		dist[i] = float64(len(g.plugins))
	}
	if len(groups) > 1 {
		MinMax(sev)
		MinMax(exp)
		MinMax(dist)
	}
	for i, g := range groups {
		eps[i] = model.EntryPoint{
			IP:                      g.ip,
			Port:                    g.port,
			SeverityScore:           sev[i],
			ExploitScore:            exp[i],
			DistinctVulnerabilities: dist[i],
			CombinedScore:           Combined(sev[i], exp[i], dist[i]),
		}
	}
	sort.SliceStable(eps, func(i, j int) bool {
		return eps[i].CombinedScore > eps[j].CombinedScore
	})
	return eps
}

// Combined is the weighted sum of the three component scores.
func Combined(severity, exploit, distinct float64) float64 {
	return SeverityWeight*severity + ExploitWeight*exploit + DistinctWeight*distinct
}

// MinMax rescales vals in place to [0, 1]. When every value is equal they all
// become 0.
func MinMax(vals []float64) {
	if len(vals) == 0 {
		return
	}
	lo, hi := vals[0], vals[0]
	for _, v := range vals[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	span := hi - lo
	for i, v := range vals {
		if span == 0 {
			vals[i] = 0
			continue
		}
		vals[i] = (v - lo) / span
	}
}

// MostFindings counts findings per (ip, port), excluding port "0", largest
// count first. Ties keep ip/port order.
func MostFindings(findings []model.Finding) []model.EntryPointCount {
	groups := groupFindings(findings)
	out := make([]model.EntryPointCount, len(groups))
	for i, g := range groups {
		out[i] = model.EntryPointCount{IP: g.ip, Port: g.port, VulnerabilityCount: g.rows}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].VulnerabilityCount > out[j].VulnerabilityCount
	})
	return out
}

// SplitPortZero partitions findings into those reported against port "0" and
// the rest, preserving order in both.
func SplitPortZero(findings []model.Finding) (portZero, rest []model.Finding) {
	portZero = make([]model.Finding, 0)
	rest = make([]model.Finding, 0, len(findings))
	for _, f := range findings {
		if f.IsPortZero() {
			portZero = append(portZero, f)
		} else {
			rest = append(rest, f)
		}
	}
	return portZero, rest
}
