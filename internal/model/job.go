package model

// ProgressEvent is emitted by the analysis pipeline as it moves between stages.
type ProgressEvent struct {
	Stage  string `json:"stage"`
	Detail string `json:"detail"`
	TS     string `json:"ts"`
}

// Summary is the small per-run digest stored next to a job.
type Summary struct {
	Findings    int            `json:"total_findings"`
	Exploits    int            `json:"exploits"`
	EntryPoints int            `json:"entry_points"`
	PortZero    int            `json:"port_zero"`
	Archetypes  map[string]int `json:"archetypes"`
}
