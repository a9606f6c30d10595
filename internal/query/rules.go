package query

import "strings"

// rule binds a set of trigger phrases to a check. The table is ordered:
// the first rule whose phrase appears in the query wins, so specific
// rules sit above general ones. Category listings come last because
// almost any identity question contains "user" or "key" somewhere.
type rule struct {
	phrases []string
	checkID string

	// exclude vetoes the rule when any of these phrases also appears,
	// keeping "users without mfa" from landing on the bare user listing.
	exclude []string
}

const (
	checkMyKeysOldest        = "my-keys-oldest"
	checkAdminUsers          = "admin-users"
	checkUsersWithoutMFA     = "users-without-mfa"
	checkSecurityRisks       = "security-risks"
	checkInactiveCredentials = "inactive-credentials"
	checkStaleCredentials    = "stale-credentials"
	checkListUsers           = "list-users"
	checkListRoles           = "list-roles"
	checkListGroups          = "list-groups"
	checkListAccessKeys      = "list-access-keys"
)

var rules = []rule{
	{phrases: []string{"my access key", "my keys"}, checkID: checkMyKeysOldest},
	{phrases: []string{"admin access", "administrator", "overprivileged", "admin users"}, checkID: checkAdminUsers},
	{phrases: []string{"without mfa", "no mfa", "mfa status", "missing mfa"}, checkID: checkUsersWithoutMFA},
	{phrases: []string{"security risk", "vulnerable", "at risk", "security posture"}, checkID: checkSecurityRisks},
	{phrases: []string{"inactive user", "unused", "not used", "last used"}, checkID: checkInactiveCredentials},
	{phrases: []string{"not rotated", "expired", "old access key", "old key"}, checkID: checkStaleCredentials},
	{phrases: []string{"access key", "access_key", "accesskey"}, checkID: checkListAccessKeys},
	{phrases: []string{"role"}, checkID: checkListRoles, exclude: []string{"user"}},
	{phrases: []string{"group"}, checkID: checkListGroups},
	{phrases: []string{"user"}, checkID: checkListUsers, exclude: []string{"role"}},
}

// classify returns the id of the first matching check, or "" when the
// query matches nothing and should go to the model.
func classify(query string) string {
	lowered := strings.ToLower(query)
	for _, r := range rules {
		if matchesAny(lowered, r.exclude) {
			continue
		}
		if matchesAny(lowered, r.phrases) {
			return r.checkID
		}
	}
	return ""
}

func matchesAny(lowered string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(lowered, p) {
			return true
		}
	}
	return false
}
