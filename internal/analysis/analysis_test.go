package analysis

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/nessus-analyzer/internal/archetype"
	"github.com/yourorg/nessus-analyzer/internal/filter"
	"github.com/yourorg/nessus-analyzer/internal/model"
	"github.com/yourorg/nessus-analyzer/internal/nessus"
)

const scanDoc = `<?xml version="1.0"?>
<NessusClientData_v2><Report name="t">
  <ReportHost name="app">
    <HostProperties><tag name="host-ip">10.0.0.1</tag></HostProperties>
    <ReportItem port="443" protocol="tcp" svc_name="www" severity="5" pluginID="1" pluginName="HTTP Server Type" pluginFamily="Web Servers">
      <exploit_available><exploit exploit_name="http_rce"/></exploit_available>
    </ReportItem>
    <ReportItem port="443" protocol="tcp" svc_name="www" severity="7" pluginID="2" pluginName="HTTP TRACE" pluginFamily="Web Servers"/>
    <ReportItem port="22" protocol="tcp" svc_name="ssh" severity="3" pluginID="3" pluginName="SSH Default Credentials" pluginFamily="Misc."/>
    <ReportItem port="0" protocol="tcp" svc_name="general" severity="2" pluginID="4" pluginName="Traceroute Information" pluginFamily="General">
      <exploit_available><exploit exploit_name="route_leak"/></exploit_available>
    </ReportItem>
  </ReportHost>
  <ReportHost name="other">
    <HostProperties><tag name="host-ip">10.0.0.2</tag></HostProperties>
    <ReportItem port="80" protocol="tcp" svc_name="www" severity="9" pluginID="5" pluginName="HTTP Server Type" pluginFamily="Web Servers">
      <exploit_available><exploit exploit_name="other_rce"/></exploit_available>
    </ReportItem>
  </ReportHost>
</Report></NessusClientData_v2>`

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func runScan(t *testing.T, ips, archetypes []string) (*Result, []string) {
	t.Helper()
	rules := archetype.Standard()
	allow, err := filter.New(ips, archetypes, rules)
	if err != nil {
		t.Fatal(err)
	}
	doc, err := nessus.Decode(strings.NewReader(scanDoc))
	if err != nil {
		t.Fatal(err)
	}
	var stages []string
	res, err := Run(doc, "scan.nessus", Options{
		AllowList: allow,
		Rules:     rules,
		Log:       quietLogger(),
		Progress:  func(e model.ProgressEvent) { stages = append(stages, e.Stage) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res, stages
}

func TestRunFiltersEveryOutput(t *testing.T) {
	res, stages := runScan(t, []string{"10.0.0.1"}, []string{"other"})

	if diff := cmp.Diff([]string{StageExtract, StageFilter, StageRank, StageDone}, stages); diff != "" {
		t.Errorf("stages mismatch (-want +got):\n%s", diff)
	}

	if res.Findings.Len() != 3 {
		t.Fatalf("got %d findings, want 3", res.Findings.Len())
	}
	for _, f := range res.Findings.Findings {
		if f.HostIP != "10.0.0.1" || f.Archetype != archetype.Other {
			t.Errorf("disallowed finding kept: %+v", f)
		}
	}

	want := []model.EntryPoint{{
		IP: "10.0.0.1", Port: "443",
		SeverityScore: 6, ExploitScore: 1, DistinctVulnerabilities: 2, CombinedScore: 3.7,
	}}
	if diff := cmp.Diff(want, res.RankedEntryPoints, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("ranked mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]model.EntryPointCount{{IP: "10.0.0.1", Port: "443", VulnerabilityCount: 2}}, res.MostFindings); diff != "" {
		t.Errorf("most findings mismatch (-want +got):\n%s", diff)
	}

	// exploits are filtered by host only
	var names []string
	for _, x := range res.Exploits {
		names = append(names, x.Name)
	}
	if diff := cmp.Diff([]string{"http_rce", "route_leak"}, names); diff != "" {
		t.Errorf("exploits mismatch (-want +got):\n%s", diff)
	}
}

func TestRunPortZeroViableExploit(t *testing.T) {
	res, _ := runScan(t, []string{"10.0.0.1", "10.0.0.2"}, archetype.Standard().Labels())

	if res.PortZero.Len() != 1 || !res.PortZero.Findings[0].ViableExploit {
		t.Fatalf("port zero set: %+v", res.PortZero.Findings)
	}
	inData := false
	for _, f := range res.Findings.Findings {
		if f.IsPortZero() {
			inData = true
		}
	}
	if !inData {
		t.Error("port zero finding missing from data_with_exploits")
	}
	for _, e := range res.RankedEntryPoints {
		if e.Port == model.PortZero {
			t.Errorf("port zero ranked: %+v", e)
		}
	}
	for _, e := range res.MostFindings {
		if e.Port == model.PortZero {
			t.Errorf("port zero counted: %+v", e)
		}
	}
	if len(res.RankedEntryPoints) != 3 {
		t.Errorf("got %d entry points, want 3", len(res.RankedEntryPoints))
	}
	if res.RankedEntryPoints[0].IP != "10.0.0.2" {
		t.Errorf("highest entry point = %+v", res.RankedEntryPoints[0])
	}
}

func TestSummary(t *testing.T) {
	res, _ := runScan(t, []string{"10.0.0.1"}, []string{"Other", "Default credentials"})
	got := res.Summary()
	want := model.Summary{
		Findings:    4,
		Exploits:    2,
		EntryPoints: 2,
		PortZero:    1,
		Archetypes:  map[string]int{archetype.Other: 3, archetype.DefaultCredentials: 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
}

func TestRunRequiresAllowList(t *testing.T) {
	doc, err := nessus.Decode(strings.NewReader(scanDoc))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Run(doc, "x", Options{}); !errors.Is(err, filter.ErrMissingAllowList) {
		t.Errorf("err = %v", err)
	}
}

func TestRunFile(t *testing.T) {
	allow, err := filter.New([]string{"10.0.0.2"}, []string{"Other"}, archetype.Standard())
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "lab.nessus")
	if err := os.WriteFile(path, []byte(scanDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := RunFile(path, Options{AllowList: allow, Log: quietLogger()})
	if err != nil {
		t.Fatalf("RunFile: %v", err)
	}
	if res.Findings.Len() != 1 || res.Findings.Findings[0].SourceFile != "lab.nessus" {
		t.Errorf("unexpected findings %+v", res.Findings.Findings)
	}

	if _, err := RunFile(filepath.Join(dir, "missing.nessus"), Options{AllowList: allow}); err == nil {
		t.Error("expected error for missing document")
	}
	bad := filepath.Join(dir, "bad.nessus")
	if err := os.WriteFile(bad, []byte("<NessusClientData_v2>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := RunFile(bad, Options{AllowList: allow}); !errors.Is(err, nessus.ErrMalformedDocument) {
		t.Errorf("err = %v, want ErrMalformedDocument", err)
	}
}
