// Package identity defines the canonical data model for non-human
// identities: principals, credentials, enrichment detail, and the
// immutable per-collection snapshot.
package identity

import (
	"time"
)

// Kind distinguishes the principal categories the provider exposes.
type Kind string

const (
	KindUser  Kind = "user"
	KindRole  Kind = "role"
	KindGroup Kind = "group"
)

// Tristate holds a boolean that may be unknown. Enrichment fields use it
// so a permission-denied lookup is distinguishable from a false result.
type Tristate int

const (
	Unknown Tristate = iota
	False
	True
)

// Bool converts a known Tristate to a bool; Unknown maps to false.
func (t Tristate) Bool() bool { return t == True }

// Known reports whether the value was actually observed.
func (t Tristate) Known() bool { return t != Unknown }

func (t Tristate) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unknown"
	}
}

// Principal is one identity record in the tenant. A Principal is unique
// within a snapshot by (Kind, ID) and is never mutated after
// construction; a later collection round produces new values.
type Principal struct {
	ID          string
	Kind        Kind
	DisplayName string
	ARN         string
	CreateDate  time.Time

	// Enrichment fields. Only populated when Detail enrichment ran;
	// MFAEnabled and ConsoleAccess stay Unknown otherwise.
	AttachedPolicies []string
	InlinePolicies   []string
	Groups           []string
	MFAEnabled       Tristate
	ConsoleAccess    Tristate

	// Meta preserves provider fields the normalizer did not map.
	Meta map[string]any
}

// CredentialStatus mirrors the provider's access key status.
type CredentialStatus string

const (
	StatusActive   CredentialStatus = "active"
	StatusInactive CredentialStatus = "inactive"
)

// Credential is an access key bound to a principal.
type Credential struct {
	ID          string
	PrincipalID string
	Status      CredentialStatus
	CreateDate  time.Time
	LastUsed    *time.Time // nil when never used or not enriched

	Meta map[string]any
}

// AgeDays returns the key age in whole days at the given evaluation
// time. It is always recomputed; it is never stored on the Credential.
func (c Credential) AgeDays(now time.Time) int {
	if c.CreateDate.IsZero() {
		return 0
	}
	d := now.Sub(c.CreateDate)
	if d < 0 {
		return 0
	}
	return int(d.Hours() / 24)
}

// Scope names what a collection run covered: the whole tenant or one
// principal.
type Scope struct {
	PrincipalID string // empty for tenant scope
}

// ScopeTenant covers every principal the credentials can see.
var ScopeTenant = Scope{}

// ScopePrincipal restricts collection to a single principal's own
// record and credentials.
func ScopePrincipal(id string) Scope { return Scope{PrincipalID: id} }

func (s Scope) Tenant() bool { return s.PrincipalID == "" }

func (s Scope) String() string {
	if s.Tenant() {
		return "tenant"
	}
	return s.PrincipalID
}

// Snapshot is the immutable aggregate one collection run produces.
// Order of Principals and Credentials is the order of discovery.
// Snapshots are never merged with, or patched from, earlier snapshots.
type Snapshot struct {
	RunID       string
	Scope       Scope
	CollectedAt time.Time
	Principals  []Principal
	Credentials []Credential
	Enriched    bool
}

// Principal returns the principal with the given kind and id, if present.
func (s *Snapshot) Principal(kind Kind, id string) (Principal, bool) {
	for _, p := range s.Principals {
		if p.Kind == kind && p.ID == id {
			return p, true
		}
	}
	return Principal{}, false
}

// CredentialsFor returns the credentials owned by one principal, in
// snapshot order.
func (s *Snapshot) CredentialsFor(principalID string) []Credential {
	var out []Credential
	for _, c := range s.Credentials {
		if c.PrincipalID == principalID {
			out = append(out, c)
		}
	}
	return out
}

// Counts summarizes the snapshot for logging and summaries.
func (s *Snapshot) Counts() (users, roles, groups, keys int) {
	for _, p := range s.Principals {
		switch p.Kind {
		case KindUser:
			users++
		case KindRole:
			roles++
		case KindGroup:
			groups++
		}
	}
	return users, roles, groups, len(s.Credentials)
}
