// Package credrouter resolves the concrete credential material for a
// request. It enforces the isolation contract between shared mode (one
// tenant-wide privileged set) and secure mode (exactly one principal's
// own registered material, never anything broader).
package credrouter

import (
	"fmt"

	"github.com/nhiscan-project/nhiscan/internal/config"
)

// Mode selects which credential set a request runs under.
type Mode string

const (
	// ModeShared uses the tenant-wide configured credential set.
	ModeShared Mode = "shared"
	// ModeSecure uses material registered for one specific principal.
	ModeSecure Mode = "secure"
)

// CredentialSet is the resolved material for one session. Either
// Profile or the key pair is populated.
type CredentialSet struct {
	Mode            Mode
	PrincipalID     string // populated in secure mode
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
}

// Env returns the environment variables carrying exactly this set's
// material, for injection into a tool server subprocess.
func (cs CredentialSet) Env() map[string]string {
	env := map[string]string{
		"AWS_REGION":        cs.Region,
		"FASTMCP_LOG_LEVEL": "ERROR",
	}
	if cs.AccessKeyID != "" {
		env["AWS_ACCESS_KEY_ID"] = cs.AccessKeyID
		env["AWS_SECRET_ACCESS_KEY"] = cs.SecretAccessKey
	} else if cs.Profile != "" {
		env["AWS_PROFILE"] = cs.Profile
	}
	return env
}

// NotConfiguredError reports that secure mode was requested for a
// principal with no registered credential material. This is a
// user-correctable configuration condition; the router never falls back
// to the shared set in its place.
type NotConfiguredError struct {
	PrincipalID string
}

func (e *NotConfiguredError) Error() string {
	return fmt.Sprintf(
		"credentials not configured for principal %q: set AWS_USER_%s_KEY and AWS_USER_%s_SECRET",
		e.PrincipalID, e.PrincipalID, e.PrincipalID,
	)
}

// Router maps (mode, principal) to credential material. The underlying
// configuration is fixed at construction; nothing is learned or derived
// from query results at runtime.
type Router struct {
	creds config.Credentials
}

// New builds a router over static credential configuration.
func New(creds config.Credentials) *Router {
	// Copy the per-principal map so later mutation of the caller's
	// config cannot reach the router.
	cp := make(map[string]config.KeyPair, len(creds.PerPrincipal))
	for k, v := range creds.PerPrincipal {
		cp[k] = v
	}
	creds.PerPrincipal = cp
	return &Router{creds: creds}
}

// Resolve returns the credential set for a request.
//
// Shared mode ignores principalID entirely. Secure mode requires a
// principal with registered material and fails closed with
// *NotConfiguredError otherwise.
func (r *Router) Resolve(mode Mode, principalID string) (CredentialSet, error) {
	switch mode {
	case ModeShared:
		return CredentialSet{
			Mode:            ModeShared,
			Profile:         r.creds.Profile,
			AccessKeyID:     r.creds.Shared.AccessKeyID,
			SecretAccessKey: r.creds.Shared.SecretAccessKey,
			Region:          r.creds.Region,
		}, nil

	case ModeSecure:
		if principalID == "" {
			return CredentialSet{}, fmt.Errorf("secure mode requires a principal id")
		}
		entry, ok := r.creds.PerPrincipal[principalID]
		if !ok || entry.AccessKeyID == "" || entry.SecretAccessKey == "" {
			return CredentialSet{}, &NotConfiguredError{PrincipalID: principalID}
		}
		return CredentialSet{
			Mode:            ModeSecure,
			PrincipalID:     principalID,
			AccessKeyID:     entry.AccessKeyID,
			SecretAccessKey: entry.SecretAccessKey,
			Region:          r.creds.Region,
		}, nil

	default:
		return CredentialSet{}, fmt.Errorf("unknown credential mode %q", mode)
	}
}
