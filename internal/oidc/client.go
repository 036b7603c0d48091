// Package oidc implements the relying-party side of the portal's identity
// provider: authorization-code exchange, refresh grants, revocation, the
// provider key set, and the refresh-token cache.
package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// TokenSet is one exchanged access/id/refresh token triple.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
}

// Config locates the provider endpoints. The host is the Cognito-style
// hosted UI domain; the JWKS document lives on the regional IdP endpoint.
type Config struct {
	Host     string // https://{domain}.auth.{region}.amazoncognito.com
	ClientID string
	JWKSURL  string
	// DeploymentHost is the public portal hostname used in redirect URIs.
	DeploymentHost string
}

const loginScope = "aws.cognito.signin.user.admin+email+openid+phone+profile"

// ConfigFromEnv assembles provider endpoints from the deployment env vars.
func ConfigFromEnv() Config {
	region := os.Getenv("STACK_REGION")
	if region == "" {
		region = "us-west-2"
	}
	domain := os.Getenv("COGNITO_DOMAIN_ID")
	pool := os.Getenv("COGNITO_POOL_ID")
	return Config{
		Host:           fmt.Sprintf("https://%s.auth.%s.amazoncognito.com", domain, region),
		ClientID:       os.Getenv("COGNITO_CLIENT_ID"),
		JWKSURL:        fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s/.well-known/jwks.json", region, pool),
		DeploymentHost: os.Getenv("DEPLOYMENT_HOSTNAME"),
	}
}

// LoginURL is where unauthenticated users get sent to start the code flow.
func (c Config) LoginURL() string {
	return c.Host + "/login?" +
		"client_id=" + c.ClientID + "&" +
		"response_type=code&" +
		"scope=" + loginScope + "&" +
		"redirect_uri=https://" + c.DeploymentHost + "/auth"
}

// SignupURL points at the provider's hosted signup page.
func (c Config) SignupURL() string {
	return c.Host + "/signup?" +
		"client_id=" + c.ClientID + "&" +
		"response_type=code&" +
		"scope=" + loginScope + "&" +
		"redirect_uri=https://" + c.DeploymentHost + "/auth"
}

// ForgotPasswordURL points at the provider's hosted reset page.
func (c Config) ForgotPasswordURL() string {
	return c.Host + "/forgotPassword?" +
		"client_id=" + c.ClientID + "&" +
		"response_type=code&" +
		"scope=" + loginScope + "&" +
		"redirect_uri=https://" + c.DeploymentHost + "/auth"
}

// LogoutURL ends the hosted-UI session and bounces back to the portal.
func (c Config) LogoutURL() string {
	return c.Host + "/logout?" +
		"client_id=" + c.ClientID + "&" +
		"logout_uri=https://" + c.DeploymentHost + "/logout"
}

// Client talks to the provider's OAuth2 endpoints. All failures are
// "authentication failed" to callers; raw transport errors never reach the
// end user.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.SugaredLogger
}

func NewClient(cfg Config, httpClient *http.Client, logger *zap.SugaredLogger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger}
}

func (c *Client) Config() Config { return c.cfg }

// ExchangeCode swaps an authorization code for a token triple. Any non-2xx
// response, or a response without an id_token, is a failed exchange.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectHost string) (TokenSet, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"client_id":    {c.cfg.ClientID},
		"redirect_uri": {"https://" + redirectHost + "/auth"},
	}
	tokens, err := c.postToken(ctx, form)
	if err != nil {
		c.logger.Debugw("token exchange failed", "code", code, "err", err)
		return TokenSet{}, err
	}
	if tokens.IDToken == "" {
		c.logger.Debugw("token exchange response missing id_token", "code", code)
		return TokenSet{}, fmt.Errorf("token exchange: response missing id_token")
	}
	return tokens, nil
}

// RefreshGrant exchanges a refresh token for fresh access/id tokens. The
// provider does not rotate the refresh token on this grant; callers keep
// using the one they presented.
func (c *Client) RefreshGrant(ctx context.Context, refreshToken string) (TokenSet, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.cfg.ClientID},
		"refresh_token": {refreshToken},
	}
	tokens, err := c.postToken(ctx, form)
	if err != nil {
		return TokenSet{}, err
	}
	if tokens.AccessToken == "" {
		return TokenSet{}, fmt.Errorf("refresh grant: response missing access_token")
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	return tokens, nil
}

// Revoke invalidates a refresh token at the provider. Best-effort: callers
// proceed with local logout even when this fails.
func (c *Client) Revoke(ctx context.Context, refreshToken string) error {
	form := url.Values{
		"token":     {refreshToken},
		"client_id": {c.cfg.ClientID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Host+"/oauth2/revoke",
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("revoke: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("revoke: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) postToken(ctx context.Context, form url.Values) (TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Host+"/oauth2/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return TokenSet{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return TokenSet{}, fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return TokenSet{}, fmt.Errorf("token endpoint: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return TokenSet{}, fmt.Errorf("token endpoint: status %d", resp.StatusCode)
	}
	var tokens TokenSet
	if err := json.Unmarshal(body, &tokens); err != nil {
		return TokenSet{}, fmt.Errorf("token endpoint: decode: %w", err)
	}
	return tokens, nil
}
