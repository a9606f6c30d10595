// Package collector builds point-in-time snapshots of the tenant's
// non-human identities. A collection run enumerates principals and
// their access keys through the adapter; enrichment is a separate,
// opt-in pass because it multiplies the number of remote calls.
package collector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nhiscan-project/nhiscan/internal/adapter"
	"github.com/nhiscan-project/nhiscan/internal/audit"
	"github.com/nhiscan-project/nhiscan/internal/identity"
)

// Source is the slice of the adapter the collector drives. It exists so
// tests can run collections against a canned identity population.
type Source interface {
	ListPrincipals(ctx context.Context, kind identity.Kind) ([]identity.Principal, error)
	GetPrincipal(ctx context.Context, kind identity.Kind, id string) (identity.Principal, error)
	ListCredentials(ctx context.Context, principalID string) ([]identity.Credential, error)
	GetPrincipalDetail(ctx context.Context, kind identity.Kind, id string) (adapter.Detail, []error)
	AccessKeyLastUsed(ctx context.Context, accessKeyID string) (*time.Time, error)
}

// Collector runs collection and enrichment passes over one credential
// scope.
type Collector struct {
	source      Source
	logger      zerolog.Logger
	auditLogger *audit.Logger
	concurrency int
}

// New builds a collector. auditLogger may be nil. concurrency bounds
// the per-principal fan-out during collection and enrichment.
func New(source Source, logger zerolog.Logger, auditLogger *audit.Logger, concurrency int) *Collector {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Collector{
		source:      source,
		logger:      logger.With().Str("component", "collector").Logger(),
		auditLogger: auditLogger,
		concurrency: concurrency,
	}
}

// Collect builds a fresh snapshot for the given scope. The returned
// error slice holds partial failures: kinds or principals that could
// not be read. The snapshot is still usable when it is non-nil; it is
// nil only when nothing at all could be collected.
func (c *Collector) Collect(ctx context.Context, scope identity.Scope) (*identity.Snapshot, []error) {
	runID := uuid.NewString()
	started := time.Now().UTC()
	c.logger.Info().Str("run_id", runID).Str("scope", scope.String()).Msg("collection started")
	c.auditEvent(audit.EventCollectionStarted, runID, map[string]any{"scope": scope.String()})

	snap := &identity.Snapshot{
		RunID:       runID,
		Scope:       scope,
		CollectedAt: started,
	}

	var errs []error
	if scope.Tenant() {
		errs = c.collectTenant(ctx, snap)
	} else {
		errs = c.collectPrincipal(ctx, snap, scope.PrincipalID)
	}

	if len(snap.Principals) == 0 && len(errs) > 0 {
		c.auditEvent(audit.EventCollectionFinished, runID, map[string]any{"ok": false, "errors": len(errs)})
		return nil, errs
	}

	users, roles, groups, keys := snap.Counts()
	c.logger.Info().
		Str("run_id", runID).
		Int("users", users).Int("roles", roles).Int("groups", groups).Int("keys", keys).
		Int("partial_errors", len(errs)).
		Dur("elapsed", time.Since(started)).
		Msg("collection finished")
	c.auditEvent(audit.EventCollectionFinished, runID, map[string]any{
		"ok": true, "users": users, "roles": roles, "groups": groups, "keys": keys, "errors": len(errs),
	})
	return snap, errs
}

func (c *Collector) collectTenant(ctx context.Context, snap *identity.Snapshot) []error {
	var errs []error
	for _, kind := range []identity.Kind{identity.KindUser, identity.KindRole, identity.KindGroup} {
		principals, err := c.source.ListPrincipals(ctx, kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("list %ss: %w", kind, err))
			continue
		}
		snap.Principals = append(snap.Principals, principals...)
	}

	// Access keys belong to users only; fan out with a bounded pool.
	var users []string
	for _, p := range snap.Principals {
		if p.Kind == identity.KindUser {
			users = append(users, p.ID)
		}
	}
	creds, credErrs := c.collectCredentials(ctx, users)
	snap.Credentials = creds
	return append(errs, credErrs...)
}

func (c *Collector) collectPrincipal(ctx context.Context, snap *identity.Snapshot, id string) []error {
	p, err := c.source.GetPrincipal(ctx, identity.KindUser, id)
	if err != nil {
		return []error{fmt.Errorf("get principal %s: %w", id, err)}
	}
	snap.Principals = []identity.Principal{p}

	creds, errs := c.collectCredentials(ctx, []string{id})
	snap.Credentials = creds
	return errs
}

// collectCredentials lists access keys for each named user. A user
// whose keys cannot be read contributes an error, not an abort.
func (c *Collector) collectCredentials(ctx context.Context, users []string) ([]identity.Credential, []error) {
	var (
		mu    sync.Mutex
		creds []identity.Credential
		errs  []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, user := range users {
		user := user
		g.Go(func() error {
			keys, err := c.source.ListCredentials(gctx, user)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("list access keys for %s: %w", user, err))
				return nil
			}
			creds = append(creds, keys...)
			return nil
		})
	}
	g.Wait()

	// Deterministic order regardless of goroutine scheduling.
	sortCredentials(creds)
	return creds, errs
}

// Enrich fetches extended attributes for every user in the snapshot and
// last-used timestamps for every access key. Fields the credentials
// cannot read stay unknown; the snapshot is marked enriched either way
// so callers can tell "not asked" from "asked and denied".
func (c *Collector) Enrich(ctx context.Context, snap *identity.Snapshot) []error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for i := range snap.Principals {
		if snap.Principals[i].Kind != identity.KindUser {
			continue
		}
		i := i
		g.Go(func() error {
			p := &snap.Principals[i]
			detail, detailErrs := c.source.GetPrincipalDetail(gctx, p.Kind, p.ID)
			mu.Lock()
			defer mu.Unlock()
			p.AttachedPolicies = detail.AttachedPolicies
			p.InlinePolicies = detail.InlinePolicies
			p.Groups = detail.Groups
			p.MFAEnabled = detail.MFAEnabled
			p.ConsoleAccess = detail.ConsoleAccess
			for _, err := range detailErrs {
				errs = append(errs, fmt.Errorf("enrich %s: %w", p.ID, err))
			}
			return nil
		})
	}

	for i := range snap.Credentials {
		i := i
		g.Go(func() error {
			cred := &snap.Credentials[i]
			lastUsed, err := c.source.AccessKeyLastUsed(gctx, cred.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("last used for %s: %w", cred.ID, err))
				return nil
			}
			cred.LastUsed = lastUsed
			return nil
		})
	}

	g.Wait()
	snap.Enriched = true
	c.logger.Info().Str("run_id", snap.RunID).Int("errors", len(errs)).Msg("enrichment finished")
	return errs
}

func (c *Collector) auditEvent(event audit.EventType, runID string, detail any) {
	if c.auditLogger == nil {
		return
	}
	if err := c.auditLogger.Log(event, runID, detail); err != nil {
		c.logger.Warn().Err(err).Msg("audit write failed")
	}
}

func sortCredentials(creds []identity.Credential) {
	sort.Slice(creds, func(i, j int) bool {
		if creds[i].PrincipalID != creds[j].PrincipalID {
			return creds[i].PrincipalID < creds[j].PrincipalID
		}
		return creds[i].ID < creds[j].ID
	})
}
