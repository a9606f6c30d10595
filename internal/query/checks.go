package query

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/nhiscan-project/nhiscan/internal/identity"
)

// defaultStaleDays is the rotation threshold applied when the query
// does not name one.
const defaultStaleDays = 90

// inactiveDays is how long a key may go unused before it counts as
// inactive.
const inactiveDays = 90

var daysPattern = regexp.MustCompile(`(\d+)\s*days?`)

// checks is the registry the engine dispatches into. Every id the rule
// table can produce must be present here.
var checks = map[string]Check{
	checkMyKeysOldest: {
		ID:              checkMyKeysOldest,
		RequiredActions: []string{"iam:ListUsers", "iam:ListAccessKeys"},
		Run:             runMyKeysOldest,
	},
	checkAdminUsers: {
		ID:              checkAdminUsers,
		RequiredActions: []string{"iam:ListAttachedUserPolicies", "iam:ListUserPolicies"},
		NeedsEnrichment: true,
		Run:             runAdminUsers,
	},
	checkUsersWithoutMFA: {
		ID:              checkUsersWithoutMFA,
		RequiredActions: []string{"iam:ListMFADevices", "iam:GetLoginProfile"},
		NeedsEnrichment: true,
		Run:             runUsersWithoutMFA,
	},
	checkSecurityRisks: {
		ID:              checkSecurityRisks,
		RequiredActions: []string{"iam:ListAttachedUserPolicies", "iam:ListUserPolicies", "iam:ListMFADevices", "iam:GetLoginProfile"},
		NeedsEnrichment: true,
		Run:             runSecurityRisks,
	},
	checkInactiveCredentials: {
		ID:              checkInactiveCredentials,
		RequiredActions: []string{"iam:GetAccessKeyLastUsed"},
		NeedsEnrichment: true,
		Run:             runInactiveCredentials,
	},
	checkStaleCredentials: {
		ID:              checkStaleCredentials,
		RequiredActions: []string{"iam:ListAccessKeys"},
		Run:             runStaleCredentials,
	},
	checkListUsers: {
		ID:              checkListUsers,
		RequiredActions: []string{"iam:ListUsers"},
		Run:             listKindCheck(identity.KindUser, "user"),
	},
	checkListRoles: {
		ID:              checkListRoles,
		RequiredActions: []string{"iam:ListRoles"},
		Run:             listKindCheck(identity.KindRole, "role"),
	},
	checkListGroups: {
		ID:              checkListGroups,
		RequiredActions: []string{"iam:ListGroups"},
		Run:             listKindCheck(identity.KindGroup, "group"),
	},
	checkListAccessKeys: {
		ID:              checkListAccessKeys,
		RequiredActions: []string{"iam:ListAccessKeys"},
		Run:             runListAccessKeys,
	},
}

func identityRequiredFinding() Finding {
	return Finding{
		Title:       "User Identity Required",
		Source:      "system",
		Category:    "info",
		Status:      StatusInfo,
		Description: "Select your IAM user identity to check your access keys.",
	}
}

func insufficientPermissionsFinding(reason string) Finding {
	return Finding{
		Title:       "Insufficient Permissions",
		Source:      "system",
		Category:    "error",
		Status:      StatusError,
		Description: reason,
	}
}

// runMyKeysOldest answers "are my access keys the oldest". It is a
// comparative check: it needs every user's keys, so it refuses under
// per-principal credentials rather than answering from partial data.
func runMyKeysOldest(in checkInput) Result {
	result := Result{MatchedCheck: checkMyKeysOldest}
	if in.RequesterID == "" {
		result.Findings = []Finding{identityRequiredFinding()}
		return result
	}
	if in.SecureMode {
		result.Findings = []Finding{insufficientPermissionsFinding(
			"This query compares your keys against every user's, which requires listing all users. Per-principal credentials cannot do that.")}
		return result
	}

	type userAge struct {
		user string
		age  int
	}
	oldestByUser := map[string]int{}
	for _, cred := range in.Snapshot.Credentials {
		age := cred.AgeDays(in.Now)
		if cur, ok := oldestByUser[cred.PrincipalID]; !ok || age > cur {
			oldestByUser[cred.PrincipalID] = age
		}
	}
	if _, ok := oldestByUser[in.RequesterID]; !ok {
		result.Findings = []Finding{{
			Title:       "No Access Keys",
			Source:      "system",
			Category:    "info",
			Status:      StatusInfo,
			Description: fmt.Sprintf("%s has no access keys to compare.", in.RequesterID),
		}}
		return result
	}

	ranking := make([]userAge, 0, len(oldestByUser))
	for user, age := range oldestByUser {
		ranking = append(ranking, userAge{user, age})
	}
	// Oldest first; equal ages rank by user id so the answer is stable.
	sort.Slice(ranking, func(i, j int) bool {
		if ranking[i].age != ranking[j].age {
			return ranking[i].age > ranking[j].age
		}
		return ranking[i].user < ranking[j].user
	})

	requesterAge := oldestByUser[in.RequesterID]
	oldest := ranking[0]
	isOldest := oldest.user == in.RequesterID

	var description string
	status := StatusNotOldest
	if isOldest {
		status = StatusOldest
		description = fmt.Sprintf("YES - your access keys are the oldest (%d days old).", requesterAge)
		if len(ranking) > 1 {
			description += fmt.Sprintf(" Next oldest: %s (%d days old).", ranking[1].user, ranking[1].age)
		}
	} else {
		description = fmt.Sprintf("NO - %s has the oldest keys (%d days old). Your keys are %d days old.",
			oldest.user, oldest.age, requesterAge)
	}

	rankingLines := make([]string, 0, len(ranking))
	for i, entry := range ranking {
		marker := ""
		if entry.user == in.RequesterID {
			marker = "-> "
		}
		rankingLines = append(rankingLines, fmt.Sprintf("%s%d. %s - %d days old", marker, i+1, entry.user, entry.age))
	}

	result.Findings = []Finding{{
		Title:       "Access Key Age Comparison",
		Source:      "aws",
		Category:    "access_key",
		Status:      status,
		Description: description,
		Owner:       in.RequesterID,
		Metadata: map[string]any{
			"current_user_age_days": requesterAge,
			"is_oldest":             isOldest,
			"oldest_user":           oldest.user,
			"oldest_age_days":       oldest.age,
			"ranking":               rankingLines,
		},
	}}
	return result
}

// scopedTo reports whether a finding about owner is visible for this
// requester. Without a requester everything is visible; with one, only
// the requester's own entries are.
func scopedTo(requesterID, owner string) bool {
	return requesterID == "" || owner == requesterID
}

// isAdmin reports whether a principal's policy names mark it as
// high privilege.
func isAdmin(p identity.Principal) bool {
	for _, name := range p.AttachedPolicies {
		if strings.Contains(name, "Administrator") || strings.Contains(strings.ToLower(name), "admin") {
			return true
		}
	}
	for _, name := range p.InlinePolicies {
		if strings.Contains(strings.ToLower(name), "admin") {
			return true
		}
	}
	return false
}

func runAdminUsers(in checkInput) Result {
	result := Result{MatchedCheck: checkAdminUsers}
	for _, p := range in.Snapshot.Principals {
		if p.Kind != identity.KindUser || !isAdmin(p) {
			continue
		}
		if !scopedTo(in.RequesterID, p.ID) {
			continue
		}
		result.Findings = append(result.Findings, Finding{
			Title:       p.ID,
			Source:      "aws",
			Category:    "user",
			Status:      StatusAdmin,
			Description: fmt.Sprintf("User with administrative access: %s", p.ID),
			Owner:       p.ID,
			Metadata: map[string]any{
				"attached_policies": p.AttachedPolicies,
				"inline_policies":   p.InlinePolicies,
			},
		})
	}
	return result
}

// runUsersWithoutMFA flags users that can sign in to the console but
// have no MFA device. Both facts must be known: a user whose MFA state
// could not be read is never flagged.
func runUsersWithoutMFA(in checkInput) Result {
	result := Result{MatchedCheck: checkUsersWithoutMFA}
	for _, p := range in.Snapshot.Principals {
		if p.Kind != identity.KindUser || !scopedTo(in.RequesterID, p.ID) {
			continue
		}
		if p.ConsoleAccess != identity.True || p.MFAEnabled != identity.False {
			continue
		}
		result.Findings = append(result.Findings, Finding{
			Title:       p.ID,
			Source:      "aws",
			Category:    "user",
			Status:      StatusWarning,
			Description: fmt.Sprintf("User without MFA (console access enabled): %s", p.ID),
			Owner:       p.ID,
		})
	}
	return result
}

// runSecurityRisks combines the individual posture checks into one
// report.
func runSecurityRisks(in checkInput) Result {
	result := Result{MatchedCheck: checkSecurityRisks}
	result.Findings = append(result.Findings, runUsersWithoutMFA(in).Findings...)

	for _, f := range runAdminUsers(in).Findings {
		f.Status = StatusHighPrivilege
		f.Description = fmt.Sprintf("High-privilege account: %s", f.Title)
		result.Findings = append(result.Findings, f)
	}

	staleIn := in
	staleIn.Query = "" // composite always uses the default threshold
	for _, f := range runStaleCredentials(staleIn).Findings {
		f.Status = StatusOldCredential
		f.Description = fmt.Sprintf("Old access key: %s", f.Title)
		result.Findings = append(result.Findings, f)
	}
	return result
}

// runInactiveCredentials flags keys that were never used or have gone
// unused past the inactivity window. Last-used data comes from
// enrichment; a key that was never enriched reads as never used, which
// is the conservative direction for this check.
func runInactiveCredentials(in checkInput) Result {
	result := Result{MatchedCheck: checkInactiveCredentials}
	for _, cred := range in.Snapshot.Credentials {
		if !scopedTo(in.RequesterID, cred.PrincipalID) {
			continue
		}
		var reason string
		switch {
		case cred.LastUsed == nil:
			reason = "never used"
		default:
			days := int(in.Now.Sub(*cred.LastUsed).Hours() / 24)
			if days <= inactiveDays {
				continue
			}
			reason = fmt.Sprintf("not used in %d days", days)
		}
		result.Findings = append(result.Findings, Finding{
			Title:       fmt.Sprintf("%s (%s)", cred.ID, cred.PrincipalID),
			Source:      "aws",
			Category:    "access_key",
			Status:      StatusInactive,
			Description: fmt.Sprintf("Inactive access key %s for %s: %s", cred.ID, cred.PrincipalID, reason),
			Owner:       cred.PrincipalID,
		})
	}
	return result
}

// staleDaysThreshold extracts an "N days" threshold from the query,
// falling back to the default.
func staleDaysThreshold(query string) int {
	if m := daysPattern.FindStringSubmatch(query); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	return defaultStaleDays
}

// runStaleCredentials lists access keys at or past the rotation
// threshold. The comparison is inclusive: a key exactly N days old is
// already due.
func runStaleCredentials(in checkInput) Result {
	result := Result{MatchedCheck: checkStaleCredentials}
	threshold := staleDaysThreshold(in.Query)
	for _, cred := range in.Snapshot.Credentials {
		if !scopedTo(in.RequesterID, cred.PrincipalID) {
			continue
		}
		age := cred.AgeDays(in.Now)
		if age < threshold {
			continue
		}
		result.Findings = append(result.Findings, Finding{
			Title:       fmt.Sprintf("%s (%s)", cred.ID, cred.PrincipalID),
			Source:      "aws",
			Category:    "access_key",
			Status:      StatusWarning,
			Description: fmt.Sprintf("Access key %s is %d days old (threshold %d days)", cred.ID, age, threshold),
			Owner:       cred.PrincipalID,
			Metadata:    map[string]any{"age_days": age, "threshold_days": threshold},
		})
	}
	return result
}

func listKindCheck(kind identity.Kind, category string) func(checkInput) Result {
	return func(in checkInput) Result {
		result := Result{MatchedCheck: "list-" + category + "s"}
		for _, p := range in.Snapshot.Principals {
			if p.Kind != kind {
				continue
			}
			// Roles and groups are not owned, so they are never narrowed
			// to the requester.
			if kind == identity.KindUser && !scopedTo(in.RequesterID, p.ID) {
				continue
			}
			result.Findings = append(result.Findings, Finding{
				Title:       p.ID,
				Source:      "aws",
				Category:    category,
				Status:      StatusInfo,
				Description: fmt.Sprintf("IAM %s: %s", category, p.ID),
				Owner:       p.ID,
				Metadata:    map[string]any{"arn": p.ARN},
			})
		}
		return result
	}
}

func runListAccessKeys(in checkInput) Result {
	result := Result{MatchedCheck: checkListAccessKeys}
	for _, cred := range in.Snapshot.Credentials {
		if !scopedTo(in.RequesterID, cred.PrincipalID) {
			continue
		}
		result.Findings = append(result.Findings, Finding{
			Title:       fmt.Sprintf("%s (%s)", cred.ID, cred.PrincipalID),
			Source:      "aws",
			Category:    "access_key",
			Status:      StatusInfo,
			Description: fmt.Sprintf("Access key %s owned by %s, %s, %d days old", cred.ID, cred.PrincipalID, cred.Status, cred.AgeDays(in.Now)),
			Owner:       cred.PrincipalID,
		})
	}
	return result
}
