package model

const (
	// PortZero marks findings that are not bound to a service port.
	PortZero = "0"

	ExploitTypeAvailable = "HAS_AVAILABLE_EXPLOIT"
	UnknownExploitName   = "Unknown"
)

// Finding is one ReportItem flattened together with its host.
type Finding struct {
	SourceFile    string
	HostName      string
	HostIP        string
	Port          string
	Attributes    map[string]string
	Severity      int
	CVSSBaseScore float64
	ViableExploit bool
	Archetype     string
}

// Attr returns a raw scanner attribute, or "" when the item did not carry it.
func (f Finding) Attr(key string) string {
	return f.Attributes[key]
}

func (f Finding) HostAddr() string { return f.HostIP }

func (f Finding) ArchetypeLabel() (string, bool) { return f.Archetype, true }

// IsPortZero reports whether the finding is not tied to a service port.
func (f Finding) IsPortZero() bool { return f.Port == PortZero }

// FindingSet is an ordered list of findings sharing one schema.
type FindingSet struct {
	Schema   *Schema
	Findings []Finding
}

// WithFindings returns a set with the same schema and the given rows.
func (s *FindingSet) WithFindings(findings []Finding) *FindingSet {
	return &FindingSet{Schema: s.Schema, Findings: findings}
}

func (s *FindingSet) Len() int { return len(s.Findings) }

type ExploitRecord struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	IP       string `json:"ip"`
	Port     string `json:"port"`
	Severity int    `json:"severity"`
}

func (e ExploitRecord) HostAddr() string { return e.IP }

func (e ExploitRecord) ArchetypeLabel() (string, bool) { return "", false }

// EntryPoint is the scored aggregate of all findings on one (ip, port).
type EntryPoint struct {
	IP                      string  `json:"ip"`
	Port                    string  `json:"port"`
	SeverityScore           float64 `json:"severity_score"`
	ExploitScore            float64 `json:"exploit_score"`
	DistinctVulnerabilities float64 `json:"distinct_vulnerabilities"`
	CombinedScore           float64 `json:"combined_score"`
}

func (e EntryPoint) HostAddr() string { return e.IP }

func (e EntryPoint) ArchetypeLabel() (string, bool) { return "", false }

type EntryPointCount struct {
	IP                 string `json:"ip"`
	Port               string `json:"port"`
	VulnerabilityCount int    `json:"vulnerability_count"`
}

func (e EntryPointCount) HostAddr() string { return e.IP }

func (e EntryPointCount) ArchetypeLabel() (string, bool) { return "", false }
