package query

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhiscan-project/nhiscan/internal/identity"
	"github.com/nhiscan-project/nhiscan/internal/llm"
)

var testNow = time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

func fixClock(t *testing.T) {
	t.Helper()
	prev := clockNow
	clockNow = func() time.Time { return testNow }
	t.Cleanup(func() { clockNow = prev })
}

func daysAgo(n int) time.Time { return testNow.AddDate(0, 0, -n) }

func testSnapshot() *identity.Snapshot {
	return &identity.Snapshot{
		RunID:       "run-1",
		CollectedAt: testNow,
		Principals: []identity.Principal{
			{ID: "alice", Kind: identity.KindUser, ARN: "arn:aws:iam::1:user/alice"},
			{ID: "bob", Kind: identity.KindUser, ARN: "arn:aws:iam::1:user/bob"},
			{ID: "carol", Kind: identity.KindUser, ARN: "arn:aws:iam::1:user/carol"},
			{ID: "deploy", Kind: identity.KindRole, ARN: "arn:aws:iam::1:role/deploy"},
			{ID: "admins", Kind: identity.KindGroup, ARN: "arn:aws:iam::1:group/admins"},
		},
		Credentials: []identity.Credential{
			{ID: "AKIA-ALICE", PrincipalID: "alice", Status: identity.StatusActive, CreateDate: daysAgo(400)},
			{ID: "AKIA-BOB", PrincipalID: "bob", Status: identity.StatusActive, CreateDate: daysAgo(120)},
			{ID: "AKIA-CAROL", PrincipalID: "carol", Status: identity.StatusActive, CreateDate: daysAgo(30)},
		},
	}
}

func newTestEngine() *Engine {
	return NewEngine(nil, nil, zerolog.Nop(), nil)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{"are my access keys the oldest?", checkMyKeysOldest},
		{"show my keys age", checkMyKeysOldest},
		{"which users have admin access", checkAdminUsers},
		{"find overprivileged identities", checkAdminUsers},
		{"users without mfa", checkUsersWithoutMFA},
		{"what is the mfa status", checkUsersWithoutMFA},
		{"show security risks", checkSecurityRisks},
		{"what is our security posture", checkSecurityRisks},
		{"inactive users", checkInactiveCredentials},
		{"unused credentials", checkInactiveCredentials},
		{"keys not rotated within 30 days", checkStaleCredentials},
		{"expired credentials", checkStaleCredentials},
		{"list access keys", checkListAccessKeys},
		{"list all users", checkListUsers},
		{"show roles", checkListRoles},
		{"list groups", checkListGroups},
		{"what does our network topology look like", ""},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := classify(tt.query); got != tt.want {
				t.Errorf("classify(%q) = %q, want %q", tt.query, got, tt.want)
			}
		})
	}
}

func TestRuleTableCoversRegistry(t *testing.T) {
	for _, r := range rules {
		if _, ok := checks[r.checkID]; !ok {
			t.Errorf("rule %v names unregistered check %q", r.phrases, r.checkID)
		}
	}
}

func TestMyKeysOldest(t *testing.T) {
	fixClock(t)
	engine := newTestEngine()

	t.Run("requester has oldest", func(t *testing.T) {
		result, err := engine.Search(context.Background(), testSnapshot(), "are my access keys the oldest?", "alice", false)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if result.MatchedCheck != checkMyKeysOldest {
			t.Errorf("matched %q", result.MatchedCheck)
		}
		if len(result.Findings) != 1 || result.Findings[0].Status != StatusOldest {
			t.Fatalf("findings: %+v", result.Findings)
		}
		meta := result.Findings[0].Metadata
		if meta["is_oldest"] != true || meta["oldest_user"] != "alice" {
			t.Errorf("metadata: %v", meta)
		}
	})

	t.Run("requester does not have oldest", func(t *testing.T) {
		result, err := engine.Search(context.Background(), testSnapshot(), "are my access keys the oldest?", "carol", false)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if result.Findings[0].Status != StatusNotOldest {
			t.Errorf("status = %s", result.Findings[0].Status)
		}
		if result.Findings[0].Metadata["oldest_user"] != "alice" {
			t.Errorf("metadata: %v", result.Findings[0].Metadata)
		}
	})

	t.Run("age tie breaks lexically", func(t *testing.T) {
		snap := testSnapshot()
		// bob's key now matches alice's age exactly.
		snap.Credentials[1].CreateDate = daysAgo(400)
		result, err := engine.Search(context.Background(), snap, "are my access keys the oldest?", "bob", false)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if result.Findings[0].Status != StatusNotOldest {
			t.Errorf("alice should win the tie, got %s", result.Findings[0].Status)
		}
	})
}

func TestMyKeysRequiresIdentity(t *testing.T) {
	fixClock(t)
	result, err := newTestEngine().Search(context.Background(), testSnapshot(), "are my access keys the oldest?", "", false)
	if err != nil {
		t.Fatalf("missing requester must not be an error: %v", err)
	}
	if len(result.Findings) != 1 {
		t.Fatalf("findings: %+v", result.Findings)
	}
	f := result.Findings[0]
	if f.Source != "system" || f.Status != StatusInfo || f.Title != "User Identity Required" {
		t.Errorf("finding: %+v", f)
	}
}

func TestMyKeysComparativeRefusedInSecureMode(t *testing.T) {
	fixClock(t)
	result, err := newTestEngine().Search(context.Background(), testSnapshot(), "are my access keys the oldest?", "alice", true)
	if err != nil {
		t.Fatalf("secure-mode refusal must not be an error: %v", err)
	}
	f := result.Findings[0]
	if f.Title != "Insufficient Permissions" || f.Status != StatusError {
		t.Errorf("finding: %+v", f)
	}
}

func TestStaleCredentials(t *testing.T) {
	fixClock(t)
	engine := newTestEngine()

	tests := []struct {
		name    string
		query   string
		wantIDs []string
	}{
		{
			name:    "default threshold",
			query:   "which keys were not rotated?",
			wantIDs: []string{"AKIA-ALICE", "AKIA-BOB"},
		},
		{
			name:    "explicit threshold",
			query:   "keys not rotated within 200 days",
			wantIDs: []string{"AKIA-ALICE"},
		},
		{
			name:    "threshold is inclusive",
			query:   "keys not rotated within 120 days",
			wantIDs: []string{"AKIA-ALICE", "AKIA-BOB"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := engine.Search(context.Background(), testSnapshot(), tt.query, "", false)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if result.MatchedCheck != checkStaleCredentials {
				t.Fatalf("matched %q", result.MatchedCheck)
			}
			var got []string
			for _, f := range result.Findings {
				got = append(got, strings.SplitN(f.Title, " ", 2)[0])
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("got %v, want %v", got, tt.wantIDs)
			}
			for i := range got {
				if got[i] != tt.wantIDs[i] {
					t.Errorf("got %v, want %v", got, tt.wantIDs)
				}
			}
		})
	}
}

func enrichedSnapshot() *identity.Snapshot {
	snap := testSnapshot()
	snap.Enriched = true
	snap.Principals[0].AttachedPolicies = []string{"AdministratorAccess"}
	snap.Principals[0].MFAEnabled = identity.True
	snap.Principals[0].ConsoleAccess = identity.True
	snap.Principals[1].MFAEnabled = identity.False
	snap.Principals[1].ConsoleAccess = identity.True
	// carol's enrichment was denied: everything stays unknown.
	used := daysAgo(10)
	snap.Credentials[2].LastUsed = &used
	return snap
}

func TestAdminUsers(t *testing.T) {
	fixClock(t)
	result, err := newTestEngine().Search(context.Background(), enrichedSnapshot(), "which users have admin access", "", false)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(result.Findings) != 1 || result.Findings[0].Title != "alice" {
		t.Fatalf("findings: %+v", result.Findings)
	}
	if result.Findings[0].Status != StatusAdmin {
		t.Errorf("status = %s", result.Findings[0].Status)
	}
}

func TestUsersWithoutMFA(t *testing.T) {
	fixClock(t)
	result, err := newTestEngine().Search(context.Background(), enrichedSnapshot(), "users without mfa", "", false)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(result.Findings) != 1 || result.Findings[0].Title != "bob" {
		t.Fatalf("unknown-state users must not be flagged: %+v", result.Findings)
	}
}

func TestInactiveCredentials(t *testing.T) {
	fixClock(t)
	result, err := newTestEngine().Search(context.Background(), enrichedSnapshot(), "find unused credentials", "", false)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	// alice's and bob's keys were never used; carol's was used recently.
	if len(result.Findings) != 2 {
		t.Fatalf("findings: %+v", result.Findings)
	}
	for _, f := range result.Findings {
		if f.Owner == "carol" {
			t.Errorf("recently used key flagged: %+v", f)
		}
	}
}

func TestSecurityRisksComposite(t *testing.T) {
	fixClock(t)
	result, err := newTestEngine().Search(context.Background(), enrichedSnapshot(), "show security risks", "", false)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	statuses := map[string]int{}
	for _, f := range result.Findings {
		statuses[f.Status]++
	}
	if statuses[StatusWarning] != 1 {
		t.Errorf("want 1 no-mfa warning, got %v", statuses)
	}
	if statuses[StatusHighPrivilege] != 1 {
		t.Errorf("want 1 high-privilege finding, got %v", statuses)
	}
	if statuses[StatusOldCredential] != 2 {
		t.Errorf("want 2 old-credential findings, got %v", statuses)
	}
}

type fakeEnricher struct{ called bool }

func (f *fakeEnricher) Enrich(ctx context.Context, snap *identity.Snapshot) []error {
	f.called = true
	snap.Enriched = true
	return nil
}

func TestEnrichmentRunsOnlyWhenNeeded(t *testing.T) {
	fixClock(t)
	enricher := &fakeEnricher{}
	engine := NewEngine(nil, enricher, zerolog.Nop(), nil)

	if _, err := engine.Search(context.Background(), testSnapshot(), "list all users", "", false); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if enricher.called {
		t.Error("listing must not trigger enrichment")
	}

	if _, err := engine.Search(context.Background(), testSnapshot(), "users without mfa", "", false); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !enricher.called {
		t.Error("mfa check needs enrichment")
	}
}

func TestEnrichmentSkippedWhenAlreadyEnriched(t *testing.T) {
	fixClock(t)
	enricher := &fakeEnricher{}
	engine := NewEngine(nil, enricher, zerolog.Nop(), nil)
	if _, err := engine.Search(context.Background(), enrichedSnapshot(), "users without mfa", "", false); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if enricher.called {
		t.Error("already enriched snapshot must not be enriched again")
	}
}

type fakeProvider struct {
	question string
	context  string
	answer   string
	err      error
}

func (f *fakeProvider) Answer(ctx context.Context, system, question, contextBlock string) (string, error) {
	f.question = question
	f.context = contextBlock
	return f.answer, f.err
}

func TestFallbackToModel(t *testing.T) {
	fixClock(t)
	provider := &fakeProvider{answer: "Nothing unusual."}
	engine := NewEngine(provider, nil, zerolog.Nop(), nil)

	result, err := engine.Search(context.Background(), testSnapshot(), "what does our network topology look like", "", false)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if result.MatchedCheck != "" {
		t.Errorf("model answers carry no matched check, got %q", result.MatchedCheck)
	}
	if result.Narrative != "Nothing unusual." {
		t.Errorf("narrative = %q", result.Narrative)
	}
	if !strings.Contains(provider.context, "3 users") {
		t.Errorf("context missing counts: %q", provider.context)
	}
}

func TestFallbackWithoutProvider(t *testing.T) {
	fixClock(t)
	_, err := newTestEngine().Search(context.Background(), testSnapshot(), "what does our network topology look like", "", false)
	var nc llm.NotConfiguredError
	if !errors.As(err, &nc) {
		t.Fatalf("want NotConfiguredError, got %v", err)
	}
}

func TestNilSnapshotIsError(t *testing.T) {
	if _, err := newTestEngine().Search(context.Background(), nil, "list users", "", false); err == nil {
		t.Fatal("nil snapshot must be an error, not an empty result")
	}
	if _, err := newTestEngine().Ask(context.Background(), nil, "anything?"); err == nil {
		t.Fatal("nil snapshot must be an error")
	}
}

func TestContextSummaryCapsItems(t *testing.T) {
	fixClock(t)
	snap := &identity.Snapshot{CollectedAt: testNow}
	for i := 0; i < 25; i++ {
		snap.Principals = append(snap.Principals, identity.Principal{
			ID: string(rune('a'+i%26)) + "-user", Kind: identity.KindUser,
		})
	}
	summary := contextSummary(snap)
	if !strings.Contains(summary, "and 15 more") {
		t.Errorf("summary not capped:\n%s", summary)
	}
}

func TestRequesterScopesFindings(t *testing.T) {
	fixClock(t)
	engine := newTestEngine()
	ctx := context.Background()

	t.Run("stale credentials narrowed to requester", func(t *testing.T) {
		result, err := engine.Search(ctx, testSnapshot(), "which keys were not rotated", "bob", false)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(result.Findings) != 1 || result.Findings[0].Owner != "bob" {
			t.Fatalf("findings: %+v", result.Findings)
		}
	})

	t.Run("mfa check narrowed to requester", func(t *testing.T) {
		result, err := engine.Search(ctx, enrichedSnapshot(), "users without mfa", "alice", false)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(result.Findings) != 0 {
			t.Fatalf("alice has mfa, want no findings: %+v", result.Findings)
		}
		result, err = engine.Search(ctx, enrichedSnapshot(), "users without mfa", "bob", false)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(result.Findings) != 1 || result.Findings[0].Title != "bob" {
			t.Fatalf("findings: %+v", result.Findings)
		}
	})

	t.Run("inactive credentials narrowed to requester", func(t *testing.T) {
		result, err := engine.Search(ctx, enrichedSnapshot(), "find unused credentials", "carol", false)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(result.Findings) != 0 {
			t.Fatalf("carol's key was used recently: %+v", result.Findings)
		}
	})

	t.Run("user listing shows only the requester", func(t *testing.T) {
		result, err := engine.Search(ctx, testSnapshot(), "list all users", "carol", false)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(result.Findings) != 1 || result.Findings[0].Title != "carol" {
			t.Fatalf("findings: %+v", result.Findings)
		}
	})

	t.Run("role listing ignores the requester", func(t *testing.T) {
		result, err := engine.Search(ctx, testSnapshot(), "show roles", "alice", false)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(result.Findings) != 1 || result.Findings[0].Title != "deploy" {
			t.Fatalf("findings: %+v", result.Findings)
		}
	})

	t.Run("access key listing narrowed to requester", func(t *testing.T) {
		result, err := engine.Search(ctx, testSnapshot(), "list access keys", "alice", false)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(result.Findings) != 1 || result.Findings[0].Owner != "alice" {
			t.Fatalf("findings: %+v", result.Findings)
		}
	})
}
