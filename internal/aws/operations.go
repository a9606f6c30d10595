// Package aws — IAM identity operations used by the tool adapter's
// direct-SDK fallback path. Results are returned in the canonical
// identity model so callers never see the SDK shapes.
package aws

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/smithy-go"

	"github.com/nhiscan-project/nhiscan/internal/identity"
)

// IsAccessDenied reports whether an SDK error is a provider-side
// permission rejection. Such failures degrade to unknown fields
// rather than aborting a collection.
func IsAccessDenied(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "AccessDeniedException", "UnauthorizedAccess", "UnauthorizedOperation":
			return true
		}
	}
	return false
}

// IsNotFound reports whether an SDK error means the entity does not
// exist. GetLoginProfile returns this for users without console access.
func IsNotFound(err error) bool {
	var notFound *iamtypes.NoSuchEntityException
	return errors.As(err, &notFound)
}

func keyStatus(s iamtypes.StatusType) identity.CredentialStatus {
	if s == iamtypes.StatusTypeInactive {
		return identity.StatusInactive
	}
	return identity.StatusActive
}

func timeVal(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// ListUsers enumerates all IAM users in the tenant.
func (f *ClientFactory) ListUsers(ctx context.Context, creds SessionCredentials) ([]identity.Principal, error) {
	f.rateLimiter.Wait("iam")
	f.logAPICall("iam", "ListUsers", nil, nil)

	client, err := f.IAMClient(ctx, creds)
	if err != nil {
		return nil, err
	}
	var out []identity.Principal
	paginator := iam.NewListUsersPaginator(client, &iam.ListUsersInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("ListUsers: %w", err)
		}
		for _, u := range page.Users {
			out = append(out, identity.Principal{
				ID:          aws.ToString(u.UserName),
				Kind:        identity.KindUser,
				DisplayName: aws.ToString(u.UserName),
				ARN:         aws.ToString(u.Arn),
				CreateDate:  timeVal(u.CreateDate),
				Meta:        map[string]any{"UserId": aws.ToString(u.UserId), "Path": aws.ToString(u.Path)},
			})
		}
		f.rateLimiter.Wait("iam")
	}
	return out, nil
}

// ListRoles enumerates all IAM roles in the tenant.
func (f *ClientFactory) ListRoles(ctx context.Context, creds SessionCredentials) ([]identity.Principal, error) {
	f.rateLimiter.Wait("iam")
	f.logAPICall("iam", "ListRoles", nil, nil)

	client, err := f.IAMClient(ctx, creds)
	if err != nil {
		return nil, err
	}
	var out []identity.Principal
	paginator := iam.NewListRolesPaginator(client, &iam.ListRolesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("ListRoles: %w", err)
		}
		for _, r := range page.Roles {
			out = append(out, identity.Principal{
				ID:          aws.ToString(r.RoleName),
				Kind:        identity.KindRole,
				DisplayName: aws.ToString(r.RoleName),
				ARN:         aws.ToString(r.Arn),
				CreateDate:  timeVal(r.CreateDate),
				Meta:        map[string]any{"RoleId": aws.ToString(r.RoleId), "Path": aws.ToString(r.Path)},
			})
		}
		f.rateLimiter.Wait("iam")
	}
	return out, nil
}

// ListGroups enumerates all IAM groups in the tenant.
func (f *ClientFactory) ListGroups(ctx context.Context, creds SessionCredentials) ([]identity.Principal, error) {
	f.rateLimiter.Wait("iam")
	f.logAPICall("iam", "ListGroups", nil, nil)

	client, err := f.IAMClient(ctx, creds)
	if err != nil {
		return nil, err
	}
	var out []identity.Principal
	paginator := iam.NewListGroupsPaginator(client, &iam.ListGroupsInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("ListGroups: %w", err)
		}
		for _, g := range page.Groups {
			out = append(out, identity.Principal{
				ID:          aws.ToString(g.GroupName),
				Kind:        identity.KindGroup,
				DisplayName: aws.ToString(g.GroupName),
				ARN:         aws.ToString(g.Arn),
				CreateDate:  timeVal(g.CreateDate),
				Meta:        map[string]any{"GroupId": aws.ToString(g.GroupId), "Path": aws.ToString(g.Path)},
			})
		}
		f.rateLimiter.Wait("iam")
	}
	return out, nil
}

// GetUser fetches a single user's own record. This is the narrow
// secure-mode path: it needs only iam:GetUser on the caller's own user.
func (f *ClientFactory) GetUser(ctx context.Context, creds SessionCredentials, userName string) (identity.Principal, error) {
	f.rateLimiter.Wait("iam")
	f.logAPICall("iam", "GetUser", map[string]string{"user": userName}, nil)

	client, err := f.IAMClient(ctx, creds)
	if err != nil {
		return identity.Principal{}, err
	}
	result, err := client.GetUser(ctx, &iam.GetUserInput{UserName: aws.String(userName)})
	if err != nil {
		return identity.Principal{}, fmt.Errorf("GetUser %s: %w", userName, err)
	}
	u := result.User
	return identity.Principal{
		ID:          aws.ToString(u.UserName),
		Kind:        identity.KindUser,
		DisplayName: aws.ToString(u.UserName),
		ARN:         aws.ToString(u.Arn),
		CreateDate:  timeVal(u.CreateDate),
		Meta:        map[string]any{"UserId": aws.ToString(u.UserId), "Path": aws.ToString(u.Path)},
	}, nil
}

// ListAccessKeys lists the access keys owned by one user. A user with
// no keys yields an empty slice.
func (f *ClientFactory) ListAccessKeys(ctx context.Context, creds SessionCredentials, userName string) ([]identity.Credential, error) {
	f.rateLimiter.Wait("iam")
	f.logAPICall("iam", "ListAccessKeys", map[string]string{"user": userName}, nil)

	client, err := f.IAMClient(ctx, creds)
	if err != nil {
		return nil, err
	}
	var out []identity.Credential
	paginator := iam.NewListAccessKeysPaginator(client, &iam.ListAccessKeysInput{
		UserName: aws.String(userName),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("ListAccessKeys %s: %w", userName, err)
		}
		for _, k := range page.AccessKeyMetadata {
			out = append(out, identity.Credential{
				ID:          aws.ToString(k.AccessKeyId),
				PrincipalID: userName,
				Status:      keyStatus(k.Status),
				CreateDate:  timeVal(k.CreateDate),
			})
		}
		f.rateLimiter.Wait("iam")
	}
	return out, nil
}

// ListUserGroups returns the names of groups the user belongs to.
func (f *ClientFactory) ListUserGroups(ctx context.Context, creds SessionCredentials, userName string) ([]string, error) {
	f.rateLimiter.Wait("iam")
	f.logAPICall("iam", "ListGroupsForUser", map[string]string{"user": userName}, nil)

	client, err := f.IAMClient(ctx, creds)
	if err != nil {
		return nil, err
	}
	result, err := client.ListGroupsForUser(ctx, &iam.ListGroupsForUserInput{UserName: aws.String(userName)})
	if err != nil {
		return nil, fmt.Errorf("ListGroupsForUser %s: %w", userName, err)
	}
	var groups []string
	for _, g := range result.Groups {
		groups = append(groups, aws.ToString(g.GroupName))
	}
	return groups, nil
}

// ListAttachedUserPolicies returns the names of managed policies
// attached to the user.
func (f *ClientFactory) ListAttachedUserPolicies(ctx context.Context, creds SessionCredentials, userName string) ([]string, error) {
	f.rateLimiter.Wait("iam")
	f.logAPICall("iam", "ListAttachedUserPolicies", map[string]string{"user": userName}, nil)

	client, err := f.IAMClient(ctx, creds)
	if err != nil {
		return nil, err
	}
	result, err := client.ListAttachedUserPolicies(ctx, &iam.ListAttachedUserPoliciesInput{UserName: aws.String(userName)})
	if err != nil {
		return nil, fmt.Errorf("ListAttachedUserPolicies %s: %w", userName, err)
	}
	var policies []string
	for _, p := range result.AttachedPolicies {
		policies = append(policies, aws.ToString(p.PolicyName))
	}
	return policies, nil
}

// ListUserInlinePolicies returns the names of the user's inline policies.
func (f *ClientFactory) ListUserInlinePolicies(ctx context.Context, creds SessionCredentials, userName string) ([]string, error) {
	f.rateLimiter.Wait("iam")
	f.logAPICall("iam", "ListUserPolicies", map[string]string{"user": userName}, nil)

	client, err := f.IAMClient(ctx, creds)
	if err != nil {
		return nil, err
	}
	result, err := client.ListUserPolicies(ctx, &iam.ListUserPoliciesInput{UserName: aws.String(userName)})
	if err != nil {
		return nil, fmt.Errorf("ListUserPolicies %s: %w", userName, err)
	}
	return result.PolicyNames, nil
}

// HasMFA reports whether the user has at least one MFA device enrolled.
func (f *ClientFactory) HasMFA(ctx context.Context, creds SessionCredentials, userName string) (bool, error) {
	f.rateLimiter.Wait("iam")
	f.logAPICall("iam", "ListMFADevices", map[string]string{"user": userName}, nil)

	client, err := f.IAMClient(ctx, creds)
	if err != nil {
		return false, err
	}
	result, err := client.ListMFADevices(ctx, &iam.ListMFADevicesInput{UserName: aws.String(userName)})
	if err != nil {
		return false, fmt.Errorf("ListMFADevices %s: %w", userName, err)
	}
	return len(result.MFADevices) > 0, nil
}

// HasLoginProfile reports whether the user has console access. A
// missing login profile is the normal case for service accounts and is
// not an error.
func (f *ClientFactory) HasLoginProfile(ctx context.Context, creds SessionCredentials, userName string) (bool, error) {
	f.rateLimiter.Wait("iam")
	f.logAPICall("iam", "GetLoginProfile", map[string]string{"user": userName}, nil)

	client, err := f.IAMClient(ctx, creds)
	if err != nil {
		return false, err
	}
	_, err = client.GetLoginProfile(ctx, &iam.GetLoginProfileInput{UserName: aws.String(userName)})
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("GetLoginProfile %s: %w", userName, err)
	}
	return true, nil
}

// AccessKeyLastUsed returns the last-used timestamp of an access key,
// or nil when the key has never been used.
func (f *ClientFactory) AccessKeyLastUsed(ctx context.Context, creds SessionCredentials, accessKeyID string) (*time.Time, error) {
	f.rateLimiter.Wait("iam")
	f.logAPICall("iam", "GetAccessKeyLastUsed", map[string]string{"key": accessKeyID}, nil)

	client, err := f.IAMClient(ctx, creds)
	if err != nil {
		return nil, err
	}
	result, err := client.GetAccessKeyLastUsed(ctx, &iam.GetAccessKeyLastUsedInput{
		AccessKeyId: aws.String(accessKeyID),
	})
	if err != nil {
		return nil, fmt.Errorf("GetAccessKeyLastUsed %s: %w", accessKeyID, err)
	}
	if result.AccessKeyLastUsed == nil || result.AccessKeyLastUsed.LastUsedDate == nil {
		return nil, nil
	}
	t := *result.AccessKeyLastUsed.LastUsedDate
	return &t, nil
}

// UserNameFromARN extracts the user name from an IAM user ARN, e.g.
// arn:aws:iam::123456789012:user/alice -> alice. Returns "" for
// non-user ARNs.
func UserNameFromARN(arn string) string {
	i := strings.LastIndex(arn, ":user/")
	if i < 0 {
		return ""
	}
	name := arn[i+len(":user/"):]
	// Strip any path components.
	if j := strings.LastIndex(name, "/"); j >= 0 {
		name = name[j+1:]
	}
	return name
}
