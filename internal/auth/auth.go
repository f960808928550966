// Package auth resolves credentials for each cloud provider. Collectors call
// the relevant authenticator before any network operation; failures surface
// as a distinct authentication error so multi-provider queries can skip the
// broken provider and continue.
package auth

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"golang.org/x/oauth2/google"

	"github.com/bgdnvk/cloudcost/internal/cost"
)

// AWSAuthenticator resolves an AWS SDK config from the default credential
// chain and verifies it with an STS identity call.
type AWSAuthenticator struct {
	Profile string
	Region  string
}

// Authenticate loads and verifies AWS credentials.
func (a *AWSAuthenticator) Authenticate(ctx context.Context) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if a.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(a.Profile))
	}
	if a.Region != "" {
		opts = append(opts, awsconfig.WithRegion(a.Region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, &cost.AuthError{Provider: "aws", Message: "failed to load credentials", Err: err}
	}

	stsClient := sts.NewFromConfig(cfg)
	if _, err := stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}); err != nil {
		return aws.Config{}, &cost.AuthError{Provider: "aws", Message: fmt.Sprintf("credential check failed: %v", err), Err: err}
	}
	return cfg, nil
}

// AzureAuthenticator resolves an Azure token credential from the default
// chain (env vars, managed identity, az CLI).
type AzureAuthenticator struct {
	TenantID string
}

// Authenticate builds the Azure credential.
func (a *AzureAuthenticator) Authenticate(ctx context.Context) (azcore.TokenCredential, error) {
	opts := &azidentity.DefaultAzureCredentialOptions{}
	if a.TenantID != "" {
		opts.TenantID = a.TenantID
	}
	cred, err := azidentity.NewDefaultAzureCredential(opts)
	if err != nil {
		return nil, &cost.AuthError{Provider: "azure", Message: "failed to build credential", Err: err}
	}
	return cred, nil
}

// GCPAuthenticator resolves application default credentials.
type GCPAuthenticator struct {
	Scopes []string
}

// Authenticate finds GCP default credentials.
func (a *GCPAuthenticator) Authenticate(ctx context.Context) (*google.Credentials, error) {
	scopes := a.Scopes
	if len(scopes) == 0 {
		scopes = []string{"https://www.googleapis.com/auth/cloud-platform"}
	}
	creds, err := google.FindDefaultCredentials(ctx, scopes...)
	if err != nil {
		return nil, &cost.AuthError{Provider: "gcp", Message: "no default credentials found", Err: err}
	}
	return creds, nil
}
