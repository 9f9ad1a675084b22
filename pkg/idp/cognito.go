package idp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/cenkalti/backoff/v4"

	"github.com/batbern/identity-reconciler/pkg/identity"
	"github.com/batbern/identity-reconciler/pkg/observability"
)

// CognitoConfig configures the Cognito-backed provider gateway.
type CognitoConfig struct {
	UserPoolID  string
	Region      string
	CallTimeout time.Duration
	PageSize    int32

	// ListBackoff bounds the backoff spent on a throttled page fetch before
	// the listing is abandoned for this run.
	ListBackoff time.Duration
}

// DefaultCognitoConfig returns the default gateway configuration.
func DefaultCognitoConfig() CognitoConfig {
	return CognitoConfig{
		CallTimeout: 10 * time.Second,
		PageSize:    60,
		ListBackoff: 2 * time.Minute,
	}
}

// cognitoAPI is the slice of the Cognito client the gateway uses.
type cognitoAPI interface {
	AdminGetUser(ctx context.Context, params *cognitoidentityprovider.AdminGetUserInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.AdminGetUserOutput, error)
	AdminUpdateUserAttributes(ctx context.Context, params *cognitoidentityprovider.AdminUpdateUserAttributesInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.AdminUpdateUserAttributesOutput, error)
	ListUsers(ctx context.Context, params *cognitoidentityprovider.ListUsersInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.ListUsersOutput, error)
}

// Cognito implements Provider against an AWS Cognito user pool. Identity IDs
// are Cognito usernames.
type Cognito struct {
	client cognitoAPI
	cfg    CognitoConfig
	logger *observability.Logger
}

// NewCognito builds a gateway from the ambient AWS configuration.
func NewCognito(ctx context.Context, cfg CognitoConfig, logger *observability.Logger) (*Cognito, error) {
	if cfg.UserPoolID == "" {
		return nil, fmt.Errorf("cognito user pool ID is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &Cognito{
		client: cognitoidentityprovider.NewFromConfig(awsCfg),
		cfg:    cfg,
		logger: logger.WithField("component", "cognito_gateway"),
	}, nil
}

// FindByEmail looks up an identity by email via a filtered listing.
func (c *Cognito) FindByEmail(ctx context.Context, email string) (*identity.IdentityRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	out, err := c.client.ListUsers(ctx, &cognitoidentityprovider.ListUsersInput{
		UserPoolId: aws.String(c.cfg.UserPoolID),
		Filter:     aws.String(fmt.Sprintf("email = %q", email)),
		Limit:      aws.Int32(1),
	})
	if err != nil {
		return nil, mapCognitoError(err)
	}
	if len(out.Users) == 0 {
		return nil, identity.ErrIdentityNotFound
	}
	rec := recordFromUser(out.Users[0])
	return &rec, nil
}

// IdentityExists checks whether the identity is still present in the pool.
func (c *Cognito) IdentityExists(ctx context.Context, identityID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	_, err := c.client.AdminGetUser(ctx, &cognitoidentityprovider.AdminGetUserInput{
		UserPoolId: aws.String(c.cfg.UserPoolID),
		Username:   aws.String(identityID),
	})
	if err != nil {
		var notFound *types.UserNotFoundException
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, mapCognitoError(err)
	}
	return true, nil
}

// WriteRoleAttributes writes the engine-owned custom attributes.
func (c *Cognito) WriteRoleAttributes(ctx context.Context, identityID string, attrs map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	attributes := make([]types.AttributeType, 0, len(attrs))
	for name, value := range attrs {
		attributes = append(attributes, types.AttributeType{
			Name:  aws.String(name),
			Value: aws.String(value),
		})
	}

	_, err := c.client.AdminUpdateUserAttributes(ctx, &cognitoidentityprovider.AdminUpdateUserAttributesInput{
		UserPoolId:     aws.String(c.cfg.UserPoolID),
		Username:       aws.String(identityID),
		UserAttributes: attributes,
	})
	if err != nil {
		var notFound *types.UserNotFoundException
		if errors.As(err, &notFound) {
			return fmt.Errorf("%w: %s", identity.ErrIdentityNotFound, identityID)
		}
		return mapCognitoError(err)
	}
	return nil
}

// ListAll pages through the pool, retrying throttled page fetches with
// exponential backoff so a long listing survives provider rate limits.
func (c *Cognito) ListAll(ctx context.Context, fn func(identity.IdentityRecord) error) error {
	var paginationToken *string
	for {
		input := &cognitoidentityprovider.ListUsersInput{
			UserPoolId:      aws.String(c.cfg.UserPoolID),
			Limit:           aws.Int32(c.cfg.PageSize),
			PaginationToken: paginationToken,
		}

		out, err := c.fetchPage(ctx, input)
		if err != nil {
			return err
		}

		for _, user := range out.Users {
			if err := fn(recordFromUser(user)); err != nil {
				return err
			}
		}

		if out.PaginationToken == nil {
			return nil
		}
		paginationToken = out.PaginationToken
	}
}

// fetchPage fetches one listing page, backing off on throttling.
func (c *Cognito) fetchPage(ctx context.Context, input *cognitoidentityprovider.ListUsersInput) (*cognitoidentityprovider.ListUsersOutput, error) {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxElapsedTime(c.cfg.ListBackoff),
	), ctx)

	var out *cognitoidentityprovider.ListUsersOutput
	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()

		page, err := c.client.ListUsers(callCtx, input)
		if err != nil {
			mapped := mapCognitoError(err)
			if errors.Is(mapped, identity.ErrProviderThrottled) {
				c.logger.Warn("listing page throttled, backing off")
				return mapped
			}
			return backoff.Permanent(mapped)
		}
		out = page
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return out, nil
}

// recordFromUser converts a Cognito user to the domain identity record.
func recordFromUser(user types.UserType) identity.IdentityRecord {
	rec := identity.IdentityRecord{
		IdentityID: aws.ToString(user.Username),
		Attributes: make(map[string]string, len(user.Attributes)),
	}
	for _, attr := range user.Attributes {
		name := aws.ToString(attr.Name)
		value := aws.ToString(attr.Value)
		rec.Attributes[name] = value
		if name == "email" {
			rec.Email = value
		}
	}
	return rec
}

// mapCognitoError folds SDK errors into the engine's error taxonomy.
func mapCognitoError(err error) error {
	var throttled *types.TooManyRequestsException
	if errors.As(err, &throttled) {
		return fmt.Errorf("%w: %v", identity.ErrProviderThrottled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", identity.ErrProviderUnavailable, err)
}
