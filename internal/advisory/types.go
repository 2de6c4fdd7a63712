// Package advisory holds the threat advisory catalog: the records the
// platform emails out, and the Liquid-based renderer that turns one
// into a styled HTML email.
package advisory

import "time"

// Severity levels, highest first.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityInfo     = "info"
)

// MitreTactic is one row of the ATT&CK mapping table.
type MitreTactic struct {
	Name      string `json:"name"`
	ID        string `json:"id"`
	Technique string `json:"technique"`
}

// IOC is a single indicator of compromise.
type IOC struct {
	Type        string `json:"type"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

// Advisory is one published threat advisory.
type Advisory struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	Severity         string   `json:"severity"`
	TLP              string   `json:"tlp,omitempty"`
	Category         string   `json:"category,omitempty"`
	Author           string   `json:"author,omitempty"`
	CVSS             string   `json:"cvss,omitempty"`
	ExecutiveSummary string   `json:"executiveSummary,omitempty"`
	CVEIDs           []string `json:"cveIds,omitempty"`
	TargetSectors    []string `json:"targetSectors,omitempty"`
	AffectedProducts []string `json:"affectedProducts,omitempty"`
	Recommendations  []string `json:"recommendations,omitempty"`
	References       []string `json:"references,omitempty"`
	PatchDetails     string   `json:"patchDetails,omitempty"`

	MitreTactics []MitreTactic `json:"mitreTactics,omitempty"`
	IOCs         []IOC         `json:"iocs,omitempty"`

	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// DefaultSubject is the subject line used when a scheduled send does
// not override it.
func (a *Advisory) DefaultSubject() string {
	return "THREAT ALERT: " + a.Title
}
