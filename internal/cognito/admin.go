// Package cognito administers accounts in the identity provider's user
// pool: deletion, recreation, passwords, custom attributes, and the MFA
// reset flow. Login itself never goes through here; it uses the hosted UI
// and the OAuth2 endpoints.
package cognito

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"go.uber.org/zap"
)

// MFAResetWindow bounds how long a requested MFA reset stays redeemable.
const MFAResetWindow = 10 * time.Minute

// attrTimeFormat is the stored form of datetime-valued custom attributes.
const attrTimeFormat = "2006-01-02 15:04:05 MST"

const (
	attrMFAResetDate = "mfa_reset_date"
	attrMFAResetCode = "mfa_reset_code"
)

var (
	ErrAccountNotFound  = errors.New("account not found in user pool")
	ErrBadCredentials   = errors.New("username and password do not match")
	ErrResetWindowOver  = errors.New("mfa reset window has passed")
	ErrResetCodeInvalid = errors.New("mfa reset code is not valid")
)

// API is the slice of the identity-provider admin surface this package
// uses. The production implementation is the SDK client.
type API interface {
	AdminGetUser(ctx context.Context, in *cip.AdminGetUserInput, opts ...func(*cip.Options)) (*cip.AdminGetUserOutput, error)
	AdminCreateUser(ctx context.Context, in *cip.AdminCreateUserInput, opts ...func(*cip.Options)) (*cip.AdminCreateUserOutput, error)
	AdminDeleteUser(ctx context.Context, in *cip.AdminDeleteUserInput, opts ...func(*cip.Options)) (*cip.AdminDeleteUserOutput, error)
	AdminSetUserPassword(ctx context.Context, in *cip.AdminSetUserPasswordInput, opts ...func(*cip.Options)) (*cip.AdminSetUserPasswordOutput, error)
	AdminEnableUser(ctx context.Context, in *cip.AdminEnableUserInput, opts ...func(*cip.Options)) (*cip.AdminEnableUserOutput, error)
	AdminDisableUser(ctx context.Context, in *cip.AdminDisableUserInput, opts ...func(*cip.Options)) (*cip.AdminDisableUserOutput, error)
	AdminUpdateUserAttributes(ctx context.Context, in *cip.AdminUpdateUserAttributesInput, opts ...func(*cip.Options)) (*cip.AdminUpdateUserAttributesOutput, error)
	AdminDeleteUserAttributes(ctx context.Context, in *cip.AdminDeleteUserAttributesInput, opts ...func(*cip.Options)) (*cip.AdminDeleteUserAttributesOutput, error)
	InitiateAuth(ctx context.Context, in *cip.InitiateAuthInput, opts ...func(*cip.Options)) (*cip.InitiateAuthOutput, error)
}

type Admin struct {
	api      API
	poolID   string
	clientID string
	logger   *zap.SugaredLogger
	now      func() time.Time
}

func NewAdmin(api API, poolID, clientID string, logger *zap.SugaredLogger) *Admin {
	return &Admin{api: api, poolID: poolID, clientID: clientID, logger: logger, now: time.Now}
}

// PoolIDFromEnv reads COGNITO_POOL_ID.
func PoolIDFromEnv() string { return os.Getenv("COGNITO_POOL_ID") }

// Account is a user-pool entry as returned by an admin lookup.
type Account struct {
	Username   string
	Attributes []types.AttributeType
}

// GetAccount looks the username up in the pool. ErrAccountNotFound when the
// pool has no such user.
func (a *Admin) GetAccount(ctx context.Context, username string) (*Account, error) {
	out, err := a.api.AdminGetUser(ctx, &cip.AdminGetUserInput{
		UserPoolId: aws.String(a.poolID),
		Username:   aws.String(username),
	})
	if err != nil {
		var nf *types.UserNotFoundException
		if errors.As(err, &nf) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("admin get user: %w", err)
	}
	return &Account{Username: aws.ToString(out.Username), Attributes: out.UserAttributes}, nil
}

// DeleteAccount removes the user from the pool and confirms the removal
// with a follow-up lookup.
func (a *Admin) DeleteAccount(ctx context.Context, username string) error {
	_, err := a.api.AdminDeleteUser(ctx, &cip.AdminDeleteUserInput{
		UserPoolId: aws.String(a.poolID),
		Username:   aws.String(username),
	})
	if err != nil {
		var nf *types.UserNotFoundException
		if errors.As(err, &nf) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("admin delete user: %w", err)
	}
	if _, err := a.GetAccount(ctx, username); err == nil {
		return fmt.Errorf("account %s still present after delete", username)
	} else if !errors.Is(err, ErrAccountNotFound) {
		return err
	}
	return nil
}

// recreate registers the account again with its previous attributes. The
// provider-assigned sub attribute must not be replayed.
func (a *Admin) recreate(ctx context.Context, account *Account) error {
	attrs := make([]types.AttributeType, 0, len(account.Attributes))
	for _, attr := range account.Attributes {
		if aws.ToString(attr.Name) == "sub" {
			continue
		}
		attrs = append(attrs, attr)
	}
	out, err := a.api.AdminCreateUser(ctx, &cip.AdminCreateUserInput{
		UserPoolId:     aws.String(a.poolID),
		Username:       aws.String(account.Username),
		UserAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("admin create user: %w", err)
	}
	if out.User == nil || aws.ToString(out.User.Username) != account.Username {
		return fmt.Errorf("recreated account does not match %s", account.Username)
	}
	return nil
}

// EnableAccount lets the account sign in again.
func (a *Admin) EnableAccount(ctx context.Context, username string) error {
	_, err := a.api.AdminEnableUser(ctx, &cip.AdminEnableUserInput{
		UserPoolId: aws.String(a.poolID),
		Username:   aws.String(username),
	})
	if err != nil {
		var nf *types.UserNotFoundException
		if errors.As(err, &nf) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("enable user %s: %w", username, err)
	}
	return nil
}

// DisableAccount blocks sign-in without deleting anything.
func (a *Admin) DisableAccount(ctx context.Context, username string) error {
	_, err := a.api.AdminDisableUser(ctx, &cip.AdminDisableUserInput{
		UserPoolId: aws.String(a.poolID),
		Username:   aws.String(username),
	})
	if err != nil {
		var nf *types.UserNotFoundException
		if errors.As(err, &nf) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("disable user %s: %w", username, err)
	}
	return nil
}

// SetPassword sets a permanent password on the account.
func (a *Admin) SetPassword(ctx context.Context, username, password string) error {
	_, err := a.api.AdminSetUserPassword(ctx, &cip.AdminSetUserPasswordInput{
		UserPoolId: aws.String(a.poolID),
		Username:   aws.String(username),
		Password:   aws.String(password),
		Permanent:  true,
	})
	if err != nil {
		return fmt.Errorf("set password for %s: %w", username, err)
	}
	return nil
}

// VerifyPassword checks the username/password pair with a plain password
// auth flow, which succeeds without an MFA challenge.
func (a *Admin) VerifyPassword(ctx context.Context, username, password string) error {
	_, err := a.api.InitiateAuth(ctx, &cip.InitiateAuthInput{
		AuthFlow: types.AuthFlowTypeUserPasswordAuth,
		AuthParameters: map[string]string{
			"USERNAME": username,
			"PASSWORD": password,
		},
		ClientId: aws.String(a.clientID),
	})
	if err != nil {
		var nf *types.UserNotFoundException
		var na *types.NotAuthorizedException
		if errors.As(err, &nf) || errors.As(err, &na) {
			a.logger.Warnw("password verification failed", "username", username)
			return ErrBadCredentials
		}
		return fmt.Errorf("initiate auth: %w", err)
	}
	return nil
}

// SetAttribute writes a custom attribute; the custom: prefix is applied
// here.
func (a *Admin) SetAttribute(ctx context.Context, username, name, value string) error {
	_, err := a.api.AdminUpdateUserAttributes(ctx, &cip.AdminUpdateUserAttributesInput{
		UserPoolId: aws.String(a.poolID),
		Username:   aws.String(username),
		UserAttributes: []types.AttributeType{
			{Name: aws.String("custom:" + name), Value: aws.String(value)},
		},
	})
	if err != nil {
		var nf *types.UserNotFoundException
		if errors.As(err, &nf) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("update attribute %s: %w", name, err)
	}
	return nil
}

// DeleteAttribute removes a custom attribute.
func (a *Admin) DeleteAttribute(ctx context.Context, username, name string) error {
	_, err := a.api.AdminDeleteUserAttributes(ctx, &cip.AdminDeleteUserAttributesInput{
		UserPoolId:         aws.String(a.poolID),
		Username:           aws.String(username),
		UserAttributeNames: []string{"custom:" + name},
	})
	if err != nil {
		var nf *types.UserNotFoundException
		if errors.As(err, &nf) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("delete attribute %s: %w", name, err)
	}
	return nil
}

// Attribute reads a custom attribute value, "" when it is unset.
func (a *Admin) Attribute(ctx context.Context, username, name string) (string, error) {
	account, err := a.GetAccount(ctx, username)
	if err != nil {
		return "", err
	}
	want := "custom:" + name
	for _, attr := range account.Attributes {
		if aws.ToString(attr.Name) == want {
			return aws.ToString(attr.Value), nil
		}
	}
	return "", nil
}

// ResetMFA wipes the account's MFA configuration by deleting and
// recreating the account with its attributes. An optional password is
// restored afterwards so the user can log straight back in.
func (a *Admin) ResetMFA(ctx context.Context, username, password string) error {
	account, err := a.GetAccount(ctx, username)
	if err != nil {
		return err
	}
	if err := a.DeleteAccount(ctx, username); err != nil {
		return err
	}
	if err := a.recreate(ctx, account); err != nil {
		return err
	}
	if password != "" {
		if err := a.SetPassword(ctx, username, password); err != nil {
			return err
		}
	}
	a.logger.Infow("mfa reset", "username", username)
	return nil
}

// BeginMFAReset stamps the reset code and request time onto the account.
// The reset must be redeemed within MFAResetWindow.
func (a *Admin) BeginMFAReset(ctx context.Context, username, resetCode string) error {
	stamp := a.now().UTC().Truncate(time.Second).Format(attrTimeFormat)
	if err := a.SetAttribute(ctx, username, attrMFAResetDate, stamp); err != nil {
		return err
	}
	return a.SetAttribute(ctx, username, attrMFAResetCode, resetCode)
}

// CompleteMFAReset verifies the password, the reset window, and the reset
// code, clears the reset attributes, and performs the reset.
func (a *Admin) CompleteMFAReset(ctx context.Context, username, password, resetCode string) error {
	if err := a.VerifyPassword(ctx, username, password); err != nil {
		return err
	}
	stamp, err := a.Attribute(ctx, username, attrMFAResetDate)
	if err != nil {
		return err
	}
	requested, err := time.Parse(attrTimeFormat, stamp)
	if err != nil {
		a.logger.Warnw("unparseable mfa reset date", "username", username, "value", stamp)
		return ErrResetWindowOver
	}
	if requested.Before(a.now().UTC().Add(-MFAResetWindow)) {
		return ErrResetWindowOver
	}
	code, err := a.Attribute(ctx, username, attrMFAResetCode)
	if err != nil {
		return err
	}
	if code == "" || code != resetCode {
		return ErrResetCodeInvalid
	}
	if err := a.DeleteAttribute(ctx, username, attrMFAResetCode); err != nil {
		return err
	}
	if err := a.DeleteAttribute(ctx, username, attrMFAResetDate); err != nil {
		return err
	}
	return a.ResetMFA(ctx, username, password)
}
