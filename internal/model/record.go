package model

import "time"

// Product is one affected (vendor, product) pair.
type Product struct {
	Vendor  string `json:"vendor"`
	Product string `json:"product"`
}

// Key joins vendor and product the way product nodes are identified.
func (p Product) Key() string { return p.Vendor + "::" + p.Product }

// Severity sources. Enrichment scores often repeat the submitter's.
const (
	SourceCNA = "cna"
	SourceADP = "adp"
)

type Severity struct {
	Version   string  `json:"version"`
	BaseScore float64 `json:"base_score"`
	Label     string  `json:"severity"`
	Vector    string  `json:"vector"`
	Source    string  `json:"source"`
}

// Record is the normalized form of one document. It is never mutated after
// the normalizer returns it.
type Record struct {
	ID             string     `json:"cve_id"`
	Published      *time.Time `json:"published,omitempty"`
	Updated        string     `json:"updated,omitempty"`
	State          string     `json:"state,omitempty"`
	Authority      string     `json:"cna,omitempty"`
	AuthorityOrgID string     `json:"cna_org_id,omitempty"`
	Weaknesses     []string   `json:"cwes"`
	Vendors        []string   `json:"vendors"`
	Products       []Product  `json:"products"`
	References     []string   `json:"references"`
	Severities     []Severity `json:"severities"`
	AffectedCount  int        `json:"affected_count"`
}

func (r *Record) HasAuthority() bool { return r.Authority != "" }

func (r *Record) HasPublished() bool { return r.Published != nil }
