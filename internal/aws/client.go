// Package aws provides the direct AWS SDK v2 path for identity
// discovery, used when the remote tool catalog lacks an operation or a
// tool keeps failing. All operations are read-only, rate limited, and
// audit logged.
package aws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"

	"github.com/nhiscan-project/nhiscan/internal/audit"
)

// NoCredentialsError indicates the session carries neither a key pair
// nor a named profile, so no SDK call can be signed.
type NoCredentialsError struct{}

func (*NoCredentialsError) Error() string {
	return "aws: no credential material resolved: set AWS_PROFILE or AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY"
}

// SessionCredentials holds the credential material needed to create AWS
// clients. Either Profile or the key pair is set, never both.
type SessionCredentials struct {
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
}

// ClientFactory creates rate-limited, audit-logged AWS service clients.
type ClientFactory struct {
	mu          sync.Mutex
	rateLimiter *RateLimiter
	logger      zerolog.Logger
	auditLogger *audit.Logger
	runID       string
}

// NewClientFactory creates a new AWS client factory.
func NewClientFactory(logger zerolog.Logger) *ClientFactory {
	return &ClientFactory{
		rateLimiter: NewRateLimiter(10),
		logger:      logger,
	}
}

// NewClientFactoryWithAudit creates a factory that records every API
// call to the audit database.
func NewClientFactoryWithAudit(logger zerolog.Logger, al *audit.Logger, runID string) *ClientFactory {
	return &ClientFactory{
		rateLimiter: NewRateLimiter(10),
		logger:      logger,
		auditLogger: al,
		runID:       runID,
	}
}

// SetAudit enables audit logging on an existing factory.
func (f *ClientFactory) SetAudit(al *audit.Logger, runID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auditLogger = al
	f.runID = runID
}

// awsConfig resolves the SDK configuration for a session. A key pair is
// used directly; a profile-only session loads the named profile from the
// shared config files; a session with neither fails closed.
func (f *ClientFactory) awsConfig(ctx context.Context, creds SessionCredentials) (aws.Config, error) {
	if creds.AccessKeyID != "" {
		return aws.Config{
			Region:           creds.Region,
			RetryMaxAttempts: 5,
			Credentials: credentials.NewStaticCredentialsProvider(
				creds.AccessKeyID,
				creds.SecretAccessKey,
				creds.SessionToken,
			),
		}, nil
	}
	if creds.Profile != "" {
		cfg, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithSharedConfigProfile(creds.Profile),
			awsconfig.WithRegion(creds.Region),
			awsconfig.WithRetryMaxAttempts(5),
		)
		if err != nil {
			return aws.Config{}, fmt.Errorf("loading shared config profile %q: %w", creds.Profile, err)
		}
		return cfg, nil
	}
	return aws.Config{}, &NoCredentialsError{}
}

// logAPICall records an API call to both the structured logger and the
// audit database.
func (f *ClientFactory) logAPICall(service, operation string, params map[string]string, err error) {
	f.logger.Debug().Str("service", service).Str("operation", operation).Msg("aws api call")

	if f.auditLogger != nil {
		detail := map[string]string{
			"service":   service,
			"operation": operation,
		}
		for k, v := range params {
			detail[k] = v
		}
		if err != nil {
			detail["error"] = err.Error()
		}
		f.auditLogger.Log(audit.EventAPICall, f.runID, detail)
	}
}

// --- Service client factories ---

func (f *ClientFactory) IAMClient(ctx context.Context, creds SessionCredentials) (*iam.Client, error) {
	cfg, err := f.awsConfig(ctx, creds)
	if err != nil {
		return nil, err
	}
	return iam.NewFromConfig(cfg), nil
}

func (f *ClientFactory) STSClient(ctx context.Context, creds SessionCredentials) (*sts.Client, error) {
	cfg, err := f.awsConfig(ctx, creds)
	if err != nil {
		return nil, err
	}
	return sts.NewFromConfig(cfg), nil
}

// GetCallerIdentity performs sts:GetCallerIdentity.
func (f *ClientFactory) GetCallerIdentity(ctx context.Context, creds SessionCredentials) (arn, account, userID string, err error) {
	f.rateLimiter.Wait("sts")
	f.logAPICall("sts", "GetCallerIdentity", nil, nil)

	client, err := f.STSClient(ctx, creds)
	if err != nil {
		return "", "", "", err
	}
	result, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		f.logAPICall("sts", "GetCallerIdentity", nil, err)
		return "", "", "", fmt.Errorf("GetCallerIdentity: %w", err)
	}
	return aws.ToString(result.Arn), aws.ToString(result.Account), aws.ToString(result.UserId), nil
}

// --- Rate Limiter ---

type RateLimiter struct {
	mu         sync.Mutex
	ratePerSec int
	lastCall   map[string]time.Time
}

func NewRateLimiter(ratePerSec int) *RateLimiter {
	return &RateLimiter{
		ratePerSec: ratePerSec,
		lastCall:   make(map[string]time.Time),
	}
}

func (rl *RateLimiter) Wait(service string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	minInterval := time.Second / time.Duration(rl.ratePerSec)
	last, ok := rl.lastCall[service]
	if ok {
		elapsed := time.Since(last)
		if elapsed < minInterval {
			time.Sleep(minInterval - elapsed)
		}
	}
	rl.lastCall[service] = time.Now()
}
