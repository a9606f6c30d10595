package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhiscan-project/nhiscan/internal/audit"
	"github.com/nhiscan-project/nhiscan/internal/identity"
	"github.com/nhiscan-project/nhiscan/internal/llm"
)

// systemPrompt frames the model-backed answer path.
const systemPrompt = `You are an identity management expert analyzing identity data from AWS systems.
Your task is to answer questions about these identities, their metadata, relationships, and any security concerns.
Be thorough, accurate, and provide specific examples when relevant.`

// summaryItemCap bounds how many entries of each category the model
// context includes.
const summaryItemCap = 10

// clockNow is swapped out by tests that need a fixed evaluation time.
var clockNow = func() time.Time { return time.Now().UTC() }

// Enricher runs the extended-attribute pass over a snapshot when a
// check needs fields plain collection does not fill.
type Enricher interface {
	Enrich(ctx context.Context, snap *identity.Snapshot) []error
}

// Engine resolves questions over a snapshot.
type Engine struct {
	provider    llm.Provider // nil when no model is configured
	enricher    Enricher     // nil when enrichment is unavailable
	logger      zerolog.Logger
	auditLogger *audit.Logger
}

// NewEngine builds an engine. provider, enricher and auditLogger may
// each be nil.
func NewEngine(provider llm.Provider, enricher Enricher, logger zerolog.Logger, auditLogger *audit.Logger) *Engine {
	return &Engine{
		provider:    provider,
		enricher:    enricher,
		logger:      logger.With().Str("component", "query").Logger(),
		auditLogger: auditLogger,
	}
}

// Search answers a question over the snapshot. Questions matching a
// built-in check run locally; everything else goes to the model. A nil
// snapshot is an error: "the collection failed" must never read as
// "there are no findings".
func (e *Engine) Search(ctx context.Context, snap *identity.Snapshot, query, requesterID string, secureMode bool) (Result, error) {
	if snap == nil {
		return Result{}, errors.New("query: no snapshot available, run a collection first")
	}

	checkID := classify(query)
	e.auditEvent(snap.RunID, map[string]any{"query": query, "check": checkID})

	if checkID == "" {
		narrative, err := e.askModel(ctx, snap, query)
		if err != nil {
			return Result{}, err
		}
		return Result{Narrative: narrative}, nil
	}

	check, ok := checks[checkID]
	if !ok {
		return Result{}, fmt.Errorf("query: rule table names unknown check %q", checkID)
	}

	if check.NeedsEnrichment && !snap.Enriched {
		if e.enricher == nil {
			return Result{}, fmt.Errorf("query: check %s needs an enriched snapshot", checkID)
		}
		if errs := e.enricher.Enrich(ctx, snap); len(errs) > 0 {
			e.logger.Warn().Int("errors", len(errs)).Str("check", checkID).Msg("enrichment was partial")
		}
	}

	result := check.Run(checkInput{
		Snapshot:    snap,
		Query:       strings.ToLower(query),
		RequesterID: requesterID,
		SecureMode:  secureMode,
		Now:         clockNow(),
	})
	e.logger.Info().Str("check", checkID).Int("findings", len(result.Findings)).Msg("query answered")
	return result, nil
}

// Ask always routes to the model, for open-ended analysis questions.
func (e *Engine) Ask(ctx context.Context, snap *identity.Snapshot, question string) (string, error) {
	if snap == nil {
		return "", errors.New("query: no snapshot available, run a collection first")
	}
	e.auditEvent(snap.RunID, map[string]any{"question": question, "check": "ask"})
	return e.askModel(ctx, snap, question)
}

func (e *Engine) askModel(ctx context.Context, snap *identity.Snapshot, question string) (string, error) {
	if e.provider == nil {
		return "", llm.NotConfiguredError{}
	}
	return e.provider.Answer(ctx, systemPrompt, question, contextSummary(snap))
}

func (e *Engine) auditEvent(runID string, detail any) {
	if e.auditLogger == nil {
		return
	}
	if err := e.auditLogger.Log(audit.EventQuery, runID, detail); err != nil {
		e.logger.Warn().Err(err).Msg("audit write failed")
	}
}

// contextSummary renders the snapshot as the bounded text block the
// model receives: per-kind counts plus a capped number of one-line
// entries. No secret material appears here; access keys are named by id
// only.
func contextSummary(snap *identity.Snapshot) string {
	var b strings.Builder
	users, roles, groups, keys := snap.Counts()
	fmt.Fprintf(&b, "Snapshot collected at %s (scope %s).\n", snap.CollectedAt.Format("2006-01-02 15:04 MST"), snap.Scope)
	fmt.Fprintf(&b, "Totals: %d users, %d roles, %d groups, %d access keys.\n", users, roles, groups, keys)

	writeKind := func(kind identity.Kind, header string) {
		var lines []string
		for _, p := range snap.Principals {
			if p.Kind != kind {
				continue
			}
			line := fmt.Sprintf("- %s (%s)", p.ID, p.ARN)
			if kind == identity.KindUser && snap.Enriched {
				var attrs []string
				if p.MFAEnabled.Known() {
					attrs = append(attrs, "mfa="+p.MFAEnabled.String())
				}
				if p.ConsoleAccess.Known() {
					attrs = append(attrs, "console="+p.ConsoleAccess.String())
				}
				if len(p.AttachedPolicies) > 0 {
					attrs = append(attrs, "policies="+strings.Join(p.AttachedPolicies, ","))
				}
				if len(attrs) > 0 {
					line += " [" + strings.Join(attrs, " ") + "]"
				}
			}
			lines = append(lines, line)
		}
		if len(lines) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n%s:\n", header)
		capped := lines
		if len(capped) > summaryItemCap {
			capped = capped[:summaryItemCap]
		}
		for _, line := range capped {
			b.WriteString(line + "\n")
		}
		if extra := len(lines) - summaryItemCap; extra > 0 {
			fmt.Fprintf(&b, "... and %d more\n", extra)
		}
	}

	writeKind(identity.KindUser, "Users")
	writeKind(identity.KindRole, "Roles")
	writeKind(identity.KindGroup, "Groups")

	if len(snap.Credentials) > 0 {
		b.WriteString("\nAccess keys:\n")
		now := clockNow()
		for i, cred := range snap.Credentials {
			if i == summaryItemCap {
				fmt.Fprintf(&b, "... and %d more\n", len(snap.Credentials)-summaryItemCap)
				break
			}
			line := fmt.Sprintf("- %s owner=%s status=%s age=%dd", cred.ID, cred.PrincipalID, cred.Status, cred.AgeDays(now))
			if cred.LastUsed != nil {
				line += " last_used=" + cred.LastUsed.Format("2006-01-02")
			}
			b.WriteString(line + "\n")
		}
	}

	return b.String()
}
