// Package adapter translates the closed set of identity operations into
// remote tool invocations and normalizes the heterogeneous payload
// shapes tool servers return. When a tool is absent from the server's
// catalog or keeps failing, the adapter falls back to the direct SDK
// path using the same resolved credentials, invisibly to callers.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhiscan-project/nhiscan/internal/aws"
	"github.com/nhiscan-project/nhiscan/internal/identity"
	"github.com/nhiscan-project/nhiscan/internal/mcp"
)

// Op enumerates every remote operation the adapter may issue. The set
// is closed: there is no way to invoke an arbitrary tool by name, so an
// unvetted (possibly mutating) remote tool can never be reached.
type Op int

const (
	OpListUsers Op = iota
	OpListRoles
	OpListGroups
	OpGetUser
	OpListAccessKeys
	OpListAttachedUserPolicies
	OpListUserPolicies
	OpListGroupsForUser
	OpListMFADevices
	OpGetLoginProfile
	OpGetAccessKeyLastUsed
)

// toolNames is the compile-time mapping from abstract operation to the
// remote tool that implements it.
var toolNames = map[Op]string{
	OpListUsers:                "list_users",
	OpListRoles:                "list_roles",
	OpListGroups:               "list_groups",
	OpGetUser:                  "get_user",
	OpListAccessKeys:           "list_access_keys",
	OpListAttachedUserPolicies: "list_attached_user_policies",
	OpListUserPolicies:         "list_user_policies",
	OpListGroupsForUser:        "list_groups_for_user",
	OpListMFADevices:           "list_mfa_devices",
	OpGetLoginProfile:          "get_login_profile",
	OpGetAccessKeyLastUsed:     "get_access_key_last_used",
}

func (op Op) String() string { return toolNames[op] }

// maxToolFailures is the failure count after which an operation is
// routed to the direct SDK path for the rest of the adapter's life.
const maxToolFailures = 2

// PermissionDeniedError marks a remote call the provider rejected for
// lack of privilege. Enrichment callers absorb it into per-field
// unknown markers instead of aborting the collection.
type PermissionDeniedError struct {
	Op  string
	Err error
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("adapter: permission denied for %s: %v", e.Op, e.Err)
}

func (e *PermissionDeniedError) Unwrap() error { return e.Err }

// ToolClient is the transport surface the adapter drives. *mcp.Client
// implements it; tests substitute a stub. The transport spawns itself
// lazily on the first call, so no explicit start hook is needed here.
type ToolClient interface {
	ListTools(ctx context.Context) ([]mcp.ToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)
	Close()
}

// DirectAPI is the provider-API surface the adapter falls back to when
// the tool path is unavailable. *aws.ClientFactory implements it.
type DirectAPI interface {
	ListUsers(ctx context.Context, creds aws.SessionCredentials) ([]identity.Principal, error)
	ListRoles(ctx context.Context, creds aws.SessionCredentials) ([]identity.Principal, error)
	ListGroups(ctx context.Context, creds aws.SessionCredentials) ([]identity.Principal, error)
	GetUser(ctx context.Context, creds aws.SessionCredentials, userName string) (identity.Principal, error)
	ListAccessKeys(ctx context.Context, creds aws.SessionCredentials, userName string) ([]identity.Credential, error)
	ListAttachedUserPolicies(ctx context.Context, creds aws.SessionCredentials, userName string) ([]string, error)
	ListUserInlinePolicies(ctx context.Context, creds aws.SessionCredentials, userName string) ([]string, error)
	ListUserGroups(ctx context.Context, creds aws.SessionCredentials, userName string) ([]string, error)
	HasMFA(ctx context.Context, creds aws.SessionCredentials, userName string) (bool, error)
	HasLoginProfile(ctx context.Context, creds aws.SessionCredentials, userName string) (bool, error)
	AccessKeyLastUsed(ctx context.Context, creds aws.SessionCredentials, accessKeyID string) (*time.Time, error)
}

// ErrNoFallback indicates an operation needed the direct API path but
// none was configured.
var ErrNoFallback = errors.New("adapter: operation unavailable: no tool advertises it and no direct api path is configured")

// Detail carries the extended attributes of one principal. Fields the
// resolved credentials could not read stay at their zero value with the
// corresponding Tristate Unknown.
type Detail struct {
	AttachedPolicies []string
	InlinePolicies   []string
	Groups           []string
	MFAEnabled       identity.Tristate
	ConsoleAccess    identity.Tristate
}

// Adapter issues identity operations over a tool client with a direct
// SDK fallback. One Adapter serves one credential set.
type Adapter struct {
	client  ToolClient
	factory DirectAPI
	creds   aws.SessionCredentials
	logger  zerolog.Logger

	catalog  map[string]bool // tool names the server advertises; nil until discovered
	failures map[Op]int
}

// New builds an adapter. client may be nil, in which case every
// operation uses the direct SDK path; factory may be nil, in which case
// operations the tool server cannot serve fail with ErrNoFallback.
func New(client ToolClient, factory DirectAPI, creds aws.SessionCredentials, logger zerolog.Logger) *Adapter {
	return &Adapter{
		client:   client,
		factory:  factory,
		creds:    creds,
		logger:   logger.With().Str("component", "adapter").Logger(),
		failures: map[Op]int{},
	}
}

// Close releases the underlying tool client.
func (a *Adapter) Close() {
	if a.client != nil {
		a.client.Close()
	}
}

// toolAvailable reports whether the remote catalog advertises the tool
// for op, discovering the catalog on first use. A catalog fetch failure
// disables the tool path entirely.
func (a *Adapter) toolAvailable(ctx context.Context, op Op) bool {
	if a.client == nil {
		return false
	}
	if a.failures[op] >= maxToolFailures {
		return false
	}
	if a.catalog == nil {
		tools, err := a.client.ListTools(ctx)
		if err != nil {
			a.logger.Warn().Err(err).Msg("tool catalog unavailable, using direct api path")
			a.catalog = map[string]bool{}
			return false
		}
		a.catalog = make(map[string]bool, len(tools))
		for _, t := range tools {
			a.catalog[t.Name] = true
		}
	}
	return a.catalog[toolNames[op]]
}

// callTool runs one tool invocation, tracking repeated failures so the
// operation can be demoted to the direct path.
func (a *Adapter) callTool(ctx context.Context, op Op, args map[string]any) (any, error) {
	result, err := a.client.CallTool(ctx, toolNames[op], args)
	if err != nil {
		if isPermissionDenied(err) {
			return nil, &PermissionDeniedError{Op: op.String(), Err: err}
		}
		a.failures[op]++
		a.logger.Debug().Err(err).Str("tool", op.String()).Int("failures", a.failures[op]).Msg("tool call failed")
		return nil, err
	}
	return result, nil
}

// isPermissionDenied recognizes provider-side authorization rejections
// in both SDK errors and tool error text.
func isPermissionDenied(err error) bool {
	if aws.IsAccessDenied(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "AccessDenied") ||
		strings.Contains(msg, "not authorized") ||
		strings.Contains(msg, "UnauthorizedOperation")
}

// listKeyFor names the provider's wrapper key for each listing kind.
func listKeyFor(kind identity.Kind) string {
	switch kind {
	case identity.KindRole:
		return "Roles"
	case identity.KindGroup:
		return "Groups"
	default:
		return "Users"
	}
}

func listOpFor(kind identity.Kind) Op {
	switch kind {
	case identity.KindRole:
		return OpListRoles
	case identity.KindGroup:
		return OpListGroups
	default:
		return OpListUsers
	}
}

// ListPrincipals enumerates all principals of one kind.
func (a *Adapter) ListPrincipals(ctx context.Context, kind identity.Kind) ([]identity.Principal, error) {
	op := listOpFor(kind)
	if a.toolAvailable(ctx, op) {
		result, err := a.callTool(ctx, op, nil)
		if err == nil {
			return normalizePrincipals(kind, result)
		}
		var pd *PermissionDeniedError
		if errors.As(err, &pd) {
			return nil, err
		}
		if !errors.Is(err, mcp.ErrTransportUnavailable) && a.failures[op] < maxToolFailures {
			return nil, err
		}
		// Transport down or tool demoted: fall through to direct path.
	}
	return a.listPrincipalsDirect(ctx, kind)
}

func normalizePrincipals(kind identity.Kind, result any) ([]identity.Principal, error) {
	records := unwrapList(result, listKeyFor(kind))
	out := make([]identity.Principal, 0, len(records))
	for _, m := range records {
		p, err := normalizePrincipal(kind, m)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (a *Adapter) listPrincipalsDirect(ctx context.Context, kind identity.Kind) ([]identity.Principal, error) {
	if a.factory == nil {
		return nil, ErrNoFallback
	}
	switch kind {
	case identity.KindRole:
		return a.factory.ListRoles(ctx, a.creds)
	case identity.KindGroup:
		return a.factory.ListGroups(ctx, a.creds)
	default:
		return a.factory.ListUsers(ctx, a.creds)
	}
}

// GetPrincipal fetches a single principal's own record. Only users are
// reachable this way; it is the narrow path secure mode depends on.
func (a *Adapter) GetPrincipal(ctx context.Context, kind identity.Kind, id string) (identity.Principal, error) {
	if kind != identity.KindUser {
		return identity.Principal{}, fmt.Errorf("adapter: single-principal fetch supports users only, got %s", kind)
	}
	if a.toolAvailable(ctx, OpGetUser) {
		result, err := a.callTool(ctx, OpGetUser, map[string]any{"user_name": id})
		if err == nil {
			if m, ok := unwrapRecord(result, "User"); ok {
				return normalizePrincipal(kind, m)
			}
			return identity.Principal{}, &NormalizationError{Op: "get_user", Raw: result}
		}
		var pd *PermissionDeniedError
		if errors.As(err, &pd) {
			return identity.Principal{}, err
		}
	}
	if a.factory == nil {
		return identity.Principal{}, ErrNoFallback
	}
	return a.factory.GetUser(ctx, a.creds, id)
}

// unwrapRecord extracts a single wrapped record ({User: {...}} or the
// bare record itself).
func unwrapRecord(result any, key string) (map[string]any, bool) {
	m, ok := result.(map[string]any)
	if !ok {
		return nil, false
	}
	if inner, ok := lookupKey(m, key); ok {
		if im, ok := inner.(map[string]any); ok {
			return im, true
		}
	}
	if looksLikeRecord(m) {
		return m, true
	}
	return nil, false
}

// ListCredentials lists the access keys owned by one principal. A
// principal with no keys yields an empty slice, not an error.
func (a *Adapter) ListCredentials(ctx context.Context, principalID string) ([]identity.Credential, error) {
	if a.toolAvailable(ctx, OpListAccessKeys) {
		result, err := a.callTool(ctx, OpListAccessKeys, map[string]any{"user_name": principalID})
		if err == nil {
			records := unwrapList(result, "AccessKeyMetadata")
			out := make([]identity.Credential, 0, len(records))
			for _, m := range records {
				c, err := normalizeCredential(m, principalID)
				if err != nil {
					return nil, err
				}
				out = append(out, c)
			}
			return out, nil
		}
		var pd *PermissionDeniedError
		if errors.As(err, &pd) {
			return nil, err
		}
	}
	if a.factory == nil {
		return nil, ErrNoFallback
	}
	return a.factory.ListAccessKeys(ctx, a.creds, principalID)
}

// GetPrincipalDetail fetches extended attributes for one principal.
// These calls need broader privilege than listing; each field the
// resolved credentials cannot read is left unknown and the error is
// returned in the side list, never as a failure of the whole call.
func (a *Adapter) GetPrincipalDetail(ctx context.Context, kind identity.Kind, id string) (Detail, []error) {
	var detail Detail
	var errs []error
	if kind != identity.KindUser {
		return detail, nil
	}

	if policies, err := a.listStrings(ctx, OpListAttachedUserPolicies, id, "AttachedPolicies",
		[]string{"PolicyName", "policy_name"}, a.directAttachedPolicies); err != nil {
		errs = append(errs, err)
	} else {
		detail.AttachedPolicies = policies
	}

	if policies, err := a.listStrings(ctx, OpListUserPolicies, id, "PolicyNames",
		[]string{"PolicyName", "policy_name"}, a.directInlinePolicies); err != nil {
		errs = append(errs, err)
	} else {
		detail.InlinePolicies = policies
	}

	if groups, err := a.listStrings(ctx, OpListGroupsForUser, id, "Groups",
		[]string{"GroupName", "group_name"}, a.directUserGroups); err != nil {
		errs = append(errs, err)
	} else {
		detail.Groups = groups
	}

	if mfa, err := a.hasMFA(ctx, id); err != nil {
		errs = append(errs, err)
	} else {
		detail.MFAEnabled = mfa
	}

	if console, err := a.hasLoginProfile(ctx, id); err != nil {
		errs = append(errs, err)
	} else {
		detail.ConsoleAccess = console
	}

	return detail, errs
}

type directListFn func(ctx context.Context, userName string) ([]string, error)

func (a *Adapter) directAttachedPolicies(ctx context.Context, userName string) ([]string, error) {
	return a.factory.ListAttachedUserPolicies(ctx, a.creds, userName)
}

func (a *Adapter) directInlinePolicies(ctx context.Context, userName string) ([]string, error) {
	return a.factory.ListUserInlinePolicies(ctx, a.creds, userName)
}

func (a *Adapter) directUserGroups(ctx context.Context, userName string) ([]string, error) {
	return a.factory.ListUserGroups(ctx, a.creds, userName)
}

// listStrings runs one string-list detail operation over the tool path
// with direct fallback.
func (a *Adapter) listStrings(ctx context.Context, op Op, userName, wrapperKey string, itemAliases []string, direct directListFn) ([]string, error) {
	if a.toolAvailable(ctx, op) {
		result, err := a.callTool(ctx, op, map[string]any{"user_name": userName})
		if err == nil {
			if m, ok := result.(map[string]any); ok {
				if inner, ok := lookupKey(m, wrapperKey); ok {
					return stringList(inner, itemAliases), nil
				}
			}
			if list, ok := result.([]any); ok {
				return stringList(list, itemAliases), nil
			}
			return nil, nil
		}
		var pd *PermissionDeniedError
		if errors.As(err, &pd) {
			return nil, err
		}
	}
	if a.factory == nil {
		return nil, ErrNoFallback
	}
	out, err := direct(ctx, userName)
	if err != nil {
		if aws.IsAccessDenied(err) {
			return nil, &PermissionDeniedError{Op: op.String(), Err: err}
		}
		return nil, err
	}
	return out, nil
}

func (a *Adapter) hasMFA(ctx context.Context, userName string) (identity.Tristate, error) {
	if a.toolAvailable(ctx, OpListMFADevices) {
		result, err := a.callTool(ctx, OpListMFADevices, map[string]any{"user_name": userName})
		if err == nil {
			devices := unwrapList(result, "MFADevices")
			if len(devices) > 0 {
				return identity.True, nil
			}
			// A bare list response may hold non-record entries.
			if list, ok := result.([]any); ok && len(list) > 0 {
				return identity.True, nil
			}
			return identity.False, nil
		}
		var pd *PermissionDeniedError
		if errors.As(err, &pd) {
			return identity.Unknown, err
		}
	}
	if a.factory == nil {
		return identity.Unknown, ErrNoFallback
	}
	has, err := a.factory.HasMFA(ctx, a.creds, userName)
	if err != nil {
		if aws.IsAccessDenied(err) {
			return identity.Unknown, &PermissionDeniedError{Op: OpListMFADevices.String(), Err: err}
		}
		return identity.Unknown, err
	}
	if has {
		return identity.True, nil
	}
	return identity.False, nil
}

func (a *Adapter) hasLoginProfile(ctx context.Context, userName string) (identity.Tristate, error) {
	if a.toolAvailable(ctx, OpGetLoginProfile) {
		result, err := a.callTool(ctx, OpGetLoginProfile, map[string]any{"user_name": userName})
		if err == nil {
			if m, ok := result.(map[string]any); ok && len(m) > 0 {
				return identity.True, nil
			}
			return identity.False, nil
		}
		// Users without console access surface as a NoSuchEntity tool
		// error; that is a definite answer, not a failure.
		if strings.Contains(err.Error(), "NoSuchEntity") {
			return identity.False, nil
		}
		var pd *PermissionDeniedError
		if errors.As(err, &pd) {
			return identity.Unknown, err
		}
	}
	if a.factory == nil {
		return identity.Unknown, ErrNoFallback
	}
	has, err := a.factory.HasLoginProfile(ctx, a.creds, userName)
	if err != nil {
		if aws.IsAccessDenied(err) {
			return identity.Unknown, &PermissionDeniedError{Op: OpGetLoginProfile.String(), Err: err}
		}
		return identity.Unknown, err
	}
	if has {
		return identity.True, nil
	}
	return identity.False, nil
}

// AccessKeyLastUsed returns when a key was last used, nil when never.
func (a *Adapter) AccessKeyLastUsed(ctx context.Context, accessKeyID string) (*time.Time, error) {
	if a.toolAvailable(ctx, OpGetAccessKeyLastUsed) {
		result, err := a.callTool(ctx, OpGetAccessKeyLastUsed, map[string]any{"access_key_id": accessKeyID})
		if err == nil {
			if m, ok := result.(map[string]any); ok {
				if inner, ok := lookupKey(m, "AccessKeyLastUsed"); ok {
					if im, ok := inner.(map[string]any); ok {
						m = im
					}
				}
				if t, ok := firstTime(m, []string{"LastUsedDate", "last_used_date"}); ok {
					return &t, nil
				}
			}
			return nil, nil
		}
		var pd *PermissionDeniedError
		if errors.As(err, &pd) {
			return nil, err
		}
	}
	if a.factory == nil {
		return nil, ErrNoFallback
	}
	t, err := a.factory.AccessKeyLastUsed(ctx, a.creds, accessKeyID)
	if err != nil && aws.IsAccessDenied(err) {
		return nil, &PermissionDeniedError{Op: OpGetAccessKeyLastUsed.String(), Err: err}
	}
	return t, err
}
