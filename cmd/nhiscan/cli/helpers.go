package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/nhiscan-project/nhiscan/internal/adapter"
	"github.com/nhiscan-project/nhiscan/internal/audit"
	"github.com/nhiscan-project/nhiscan/internal/aws"
	"github.com/nhiscan-project/nhiscan/internal/collector"
	"github.com/nhiscan-project/nhiscan/internal/config"
	"github.com/nhiscan-project/nhiscan/internal/credrouter"
	"github.com/nhiscan-project/nhiscan/internal/llm"
	"github.com/nhiscan-project/nhiscan/internal/logging"
	"github.com/nhiscan-project/nhiscan/internal/mcp"
	"github.com/nhiscan-project/nhiscan/internal/query"
	"github.com/nhiscan-project/nhiscan/internal/vault"
	"golang.org/x/term"
)

// app bundles everything a command needs after bootstrap.
type app struct {
	cfg          config.Config
	logger       zerolog.Logger
	router       *credrouter.Router
	auditLogger  *audit.Logger
	client       *mcp.Client
	factory      *aws.ClientFactory
	sessionCreds aws.SessionCredentials
	adapter      *adapter.Adapter
	collector    *collector.Collector
	engine       *query.Engine
}

// preflight verifies the resolved credentials actually authenticate
// before a collection fans out.
func (a *app) preflight(ctx context.Context) error {
	arn, account, _, err := a.factory.GetCallerIdentity(ctx, a.sessionCreds)
	if err != nil {
		return fmt.Errorf("credential check failed: %w", err)
	}
	a.logger.Info().Str("arn", arn).Str("account", account).Msg("authenticated")
	return nil
}

type appOptions struct {
	secureMode  bool
	principalID string // required in secure mode
	useVault    bool   // merge vault-stored per-principal keys
	directOnly  bool   // skip the MCP tool server
}

// newApp loads configuration, resolves credentials for the requested
// mode, and wires the collection and query pipeline.
func newApp(opts appOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	creds := config.CredentialsFromEnv()
	if opts.useVault {
		if err := mergeVaultCredentials(&creds); err != nil {
			return nil, err
		}
	}
	if creds.Region == "" {
		creds.Region = cfg.DefaultRegion
	}

	mode := credrouter.ModeShared
	if opts.secureMode {
		mode = credrouter.ModeSecure
	}
	router := credrouter.New(creds)
	credSet, err := router.Resolve(mode, opts.principalID)
	if err != nil {
		return nil, err
	}

	var auditLogger *audit.Logger
	if cfg.AuditEnabled {
		auditLogger, err = audit.Open(config.AuditDBPath())
		if err != nil {
			return nil, fmt.Errorf("opening audit log: %w", err)
		}
	}

	factory := aws.NewClientFactory(logger)
	if auditLogger != nil {
		factory.SetAudit(auditLogger, "")
	}
	sessionCreds := aws.SessionCredentials{
		Profile:         credSet.Profile,
		AccessKeyID:     credSet.AccessKeyID,
		SecretAccessKey: credSet.SecretAccessKey,
		Region:          credSet.Region,
	}

	var client *mcp.Client
	var toolClient adapter.ToolClient
	if !opts.directOnly {
		client = mcp.NewClient(cfg.MCPServerCommand, credSet.Env(), logger)
		toolClient = client
	}

	adt := adapter.New(toolClient, factory, sessionCreds, logger)
	coll := collector.New(adt, logger, auditLogger, cfg.EnrichmentConcurrency)

	var provider llm.Provider
	if p, err := llm.NewOpenAIFromEnv(cfg.OpenAIModel, logger); err == nil {
		provider = p
	}

	return &app{
		cfg:          cfg,
		logger:       logger,
		router:       router,
		auditLogger:  auditLogger,
		client:       client,
		factory:      factory,
		sessionCreds: sessionCreds,
		adapter:      adt,
		collector:    coll,
		engine:       query.NewEngine(provider, coll, logger, auditLogger),
	}, nil
}

func (a *app) Close() {
	a.adapter.Close()
	if a.auditLogger != nil {
		a.auditLogger.Close()
	}
}

// mergeVaultCredentials opens the local vault and folds its
// per-principal keys into the credential map. Environment entries win
// over vault entries.
func mergeVaultCredentials(creds *config.Credentials) error {
	path := config.VaultPath()
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no credential vault at %s; add keys with 'nhiscan creds set'", path)
	}
	passphrase, err := readPassphrase("Vault passphrase: ")
	if err != nil {
		return err
	}
	v, err := vault.Open(path, passphrase)
	if err != nil {
		return fmt.Errorf("opening vault: %w", err)
	}
	defer v.Close()
	return v.MergeInto(creds)
}

func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	fmt.Fprintln(os.Stderr)
	return string(raw), nil
}
