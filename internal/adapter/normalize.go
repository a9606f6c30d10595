package adapter

import (
	"fmt"
	"time"

	"github.com/nhiscan-project/nhiscan/internal/identity"
)

// NormalizationError reports a tool payload the adapter could not map
// into the canonical model: none of the known field aliases were
// present. The raw payload is attached for diagnosis; the adapter never
// guesses.
type NormalizationError struct {
	Op  string
	Raw any
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("adapter: unrecognized %s payload shape: %.200v", e.Op, e.Raw)
}

// Field aliases, in priority order. Different tool server versions ship
// the same logical field under different keys; the first present value
// wins. The canonical provider key is always listed first so an
// already-canonical record maps to itself.
var (
	userNameAliases   = []string{"UserName", "user_name", "username", "name"}
	roleNameAliases   = []string{"RoleName", "role_name", "rolename", "name"}
	groupNameAliases  = []string{"GroupName", "group_name", "groupname", "name"}
	arnAliases        = []string{"Arn", "arn", "ARN"}
	createDateAliases = []string{"CreateDate", "create_date", "created_at", "CreatedDate"}
	keyIDAliases      = []string{"AccessKeyId", "access_key_id", "key_id"}
	statusAliases     = []string{"Status", "status"}
	ownerAliases      = []string{"UserName", "user_name", "username"}
)

func nameAliases(kind identity.Kind) []string {
	switch kind {
	case identity.KindRole:
		return roleNameAliases
	case identity.KindGroup:
		return groupNameAliases
	default:
		return userNameAliases
	}
}

// firstString returns the first alias present in the record with a
// non-empty string value.
func firstString(m map[string]any, aliases []string) (string, bool) {
	for _, key := range aliases {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// timeLayouts covers the timestamp encodings observed across tool
// server versions.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func firstTime(m map[string]any, aliases []string) (time.Time, bool) {
	for _, key := range aliases {
		if v, ok := m[key]; ok {
			if t, ok := parseTime(v); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// consumed tracks which record keys were mapped so the rest can be
// preserved in the metadata bag instead of silently dropped.
func metaBag(m map[string]any, mapped ...[]string) map[string]any {
	used := map[string]bool{}
	for _, aliases := range mapped {
		for _, a := range aliases {
			used[a] = true
		}
	}
	var meta map[string]any
	for k, v := range m {
		if used[k] {
			continue
		}
		if meta == nil {
			meta = map[string]any{}
		}
		meta[k] = v
	}
	return meta
}

// identityFields is the sniff list deciding whether an arbitrary map
// plausibly is a principal or credential record at all.
var identityFields = []string{
	"UserName", "user_name", "RoleName", "role_name", "GroupName", "group_name",
	"Arn", "arn", "UserId", "RoleId", "GroupId", "AccessKeyId", "access_key_id",
}

func looksLikeRecord(m map[string]any) bool {
	for _, f := range identityFields {
		if _, ok := m[f]; ok {
			return true
		}
	}
	return false
}

// unwrapList extracts the list of records from a tool response that may
// arrive as {key: [...]}, [{key: [...]}], a bare list of records, or a
// single record. key is the provider's wrapper name ("Users", "Roles",
// "Groups", "AccessKeyMetadata").
func unwrapList(result any, key string) []map[string]any {
	switch v := result.(type) {
	case nil:
		return nil
	case []any:
		if len(v) == 0 {
			return nil
		}
		if first, ok := v[0].(map[string]any); ok {
			if inner, ok := lookupKey(first, key); ok {
				return toRecords(inner)
			}
			if looksLikeRecord(first) {
				return toRecords(v)
			}
		}
		return toRecords(v)
	case map[string]any:
		if inner, ok := lookupKey(v, key); ok {
			return toRecords(inner)
		}
		if looksLikeRecord(v) {
			return []map[string]any{v}
		}
	}
	return nil
}

// lookupKey checks both the provider's PascalCase wrapper key and its
// lowercase variant.
func lookupKey(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	if v, ok := m[lower(key)]; ok {
		return v, true
	}
	return nil, false
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}

func toRecords(v any) []map[string]any {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []map[string]any
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// normalizePrincipal maps one raw record into the canonical Principal.
// Normalization is idempotent: a record already using canonical keys
// maps to the same Principal.
func normalizePrincipal(kind identity.Kind, m map[string]any) (identity.Principal, error) {
	names := nameAliases(kind)
	name, ok := firstString(m, names)
	if !ok {
		return identity.Principal{}, &NormalizationError{Op: "principal/" + string(kind), Raw: m}
	}

	p := identity.Principal{
		ID:          name,
		Kind:        kind,
		DisplayName: name,
	}
	if arn, ok := firstString(m, arnAliases); ok {
		p.ARN = arn
	}
	if t, ok := firstTime(m, createDateAliases); ok {
		p.CreateDate = t
	}
	p.Meta = metaBag(m, names, arnAliases, createDateAliases)
	return p, nil
}

// normalizeCredential maps one raw access key record. owner overrides
// any owner field in the record when non-empty.
func normalizeCredential(m map[string]any, owner string) (identity.Credential, error) {
	keyID, ok := firstString(m, keyIDAliases)
	if !ok {
		return identity.Credential{}, &NormalizationError{Op: "credential", Raw: m}
	}

	c := identity.Credential{
		ID:          keyID,
		PrincipalID: owner,
		Status:      identity.StatusActive,
	}
	if c.PrincipalID == "" {
		if name, ok := firstString(m, ownerAliases); ok {
			c.PrincipalID = name
		}
	}
	if status, ok := firstString(m, statusAliases); ok {
		if lower(status) == "inactive" {
			c.Status = identity.StatusInactive
		}
	}
	if t, ok := firstTime(m, createDateAliases); ok {
		c.CreateDate = t
	}
	c.Meta = metaBag(m, keyIDAliases, ownerAliases, statusAliases, createDateAliases)
	return c, nil
}

// stringList coerces a tool response field into a list of strings,
// accepting both bare strings and {PolicyName: ...} records.
func stringList(v any, aliases []string) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range list {
		switch t := item.(type) {
		case string:
			out = append(out, t)
		case map[string]any:
			if s, ok := firstString(t, aliases); ok {
				out = append(out, s)
			}
		}
	}
	return out
}
