// Package query answers questions about a collected identity snapshot.
// A fixed, ordered rule table maps keyword patterns to built-in checks;
// questions nothing matches fall through to the model-backed answer
// path, which sees only a bounded text rendering of the snapshot.
package query

import (
	"time"

	"github.com/nhiscan-project/nhiscan/internal/identity"
)

// Finding is one result row: an identity or credential a check flagged,
// or a structured system message (identity required, permission
// refusal).
type Finding struct {
	Title       string         `json:"title"`
	Source      string         `json:"source"` // "aws" or "system"
	Category    string         `json:"category"`
	Status      string         `json:"status"`
	Description string         `json:"description"`
	Owner       string         `json:"owner,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Finding statuses.
const (
	StatusInfo          string = "info"
	StatusWarning       string = "warning"
	StatusError         string = "error"
	StatusAdmin         string = "admin"
	StatusHighPrivilege string = "high-privilege"
	StatusInactive      string = "inactive"
	StatusOldCredential string = "old-credential"
	StatusOldest        string = "oldest"
	StatusNotOldest     string = "not-oldest"
)

// Result is the outcome of one query. MatchedCheck is empty when the
// answer came from the model instead of a built-in check.
type Result struct {
	MatchedCheck string    `json:"matched_check,omitempty"`
	Findings     []Finding `json:"findings"`
	Narrative    string    `json:"narrative,omitempty"`
}

// checkInput is everything a check may look at. Checks are pure: same
// input, same result.
type checkInput struct {
	Snapshot    *identity.Snapshot
	Query       string // lowered
	RequesterID string
	SecureMode  bool
	Now         time.Time
}

// Check is one built-in question the engine can answer without a model.
type Check struct {
	ID string

	// RequiredActions lists the provider permissions the check's data
	// depends on, for surfacing in refusal messages and docs.
	RequiredActions []string

	// NeedsEnrichment marks checks that read fields only an enrichment
	// pass fills in. The caller enriches the snapshot first when set.
	NeedsEnrichment bool

	Run func(in checkInput) Result
}
