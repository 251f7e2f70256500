package amocrm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"crmpulse/crm"
)

// OAuthConfig holds the amoCRM integration credentials.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

func (c OAuthConfig) complete() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// ErrInvalidSubdomain rejects account names that are not a single DNS label.
var ErrInvalidSubdomain = errors.New("amocrm: invalid account subdomain")

var subdomainPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// NormalizeSubdomain lower-cases s and reports whether it is usable as the
// account label in https://{subdomain}.amocrm.ru.
func NormalizeSubdomain(s string) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !subdomainPattern.MatchString(s) {
		return "", false
	}
	return s, true
}

// AccountURL is the base URL of an amoCRM account. An invalid subdomain
// yields an empty string so callers never build a foreign host.
func AccountURL(subdomain string) string {
	s, ok := NormalizeSubdomain(subdomain)
	if !ok {
		return ""
	}
	return "https://" + s + ".amocrm.ru"
}

// OAuthClient runs the authorization-code and refresh-token grants against
// one amoCRM account.
type OAuthClient struct {
	cfg     OAuthConfig
	baseURL string
	http    *crm.HTTPClient
	now     func() time.Time
}

// NewOAuthClient builds a grant client. Retries are always disabled: a
// refresh token is single-use, so a resent grant can burn the new pair.
func NewOAuthClient(cfg OAuthConfig, baseURL string, opts crm.HTTPOptions) *OAuthClient {
	opts.MaxRetries = -1
	return &OAuthClient{
		cfg:     cfg,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    crm.NewHTTPClient(opts),
		now:     time.Now,
	}
}

func (c *OAuthClient) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  c.cfg.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.baseURL + "/oauth",
			TokenURL:  c.baseURL + "/oauth2/access_token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AuthCodeURL is where the user is sent to grant access. The state value is
// echoed back on the callback.
func (c *OAuthClient) AuthCodeURL(state string) string {
	return c.oauth2Config().AuthCodeURL(state, oauth2.SetAuthURLParam("mode", "post_message"))
}

type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	GrantType    string `json:"grant_type"`
	Code         string `json:"code,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	RedirectURI  string `json:"redirect_uri"`
}

type tokenResponse struct {
	TokenType    string `json:"token_type"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ServerTime   int64  `json:"server_time"`
}

// Exchange trades an authorization code for the first token pair.
func (c *OAuthClient) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if code == "" {
		return nil, fmt.Errorf("amocrm: empty authorization code")
	}
	return c.grant(ctx, tokenRequest{GrantType: "authorization_code", Code: code})
}

// Refresh consumes refreshToken. amoCRM refresh tokens are single-use: after
// a successful call the old value is dead.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, crm.ErrMissingCredentials
	}
	return c.grant(ctx, tokenRequest{GrantType: "refresh_token", RefreshToken: refreshToken})
}

func (c *OAuthClient) grant(ctx context.Context, req tokenRequest) (*oauth2.Token, error) {
	if !c.cfg.complete() {
		return nil, crm.ErrMissingCredentials
	}
	req.ClientID = c.cfg.ClientID
	req.ClientSecret = c.cfg.ClientSecret
	req.RedirectURI = c.cfg.RedirectURI

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(ctx, http.MethodPost, c.baseURL+"/oauth2/access_token", nil, body)
	if err != nil {
		return nil, fmt.Errorf("amocrm %s grant: %w", req.GrantType, err)
	}
	if !resp.OK() {
		return nil, &crm.APIError{Provider: crm.ProviderAmoCRM, Status: resp.Status, Body: string(resp.Body)}
	}
	var tr tokenResponse
	if err := resp.DecodeJSON(&tr); err != nil {
		return nil, err
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("amocrm %s grant: response without access_token", req.GrantType)
	}
	return c.toToken(tr), nil
}

// toToken computes the expiry from the server clock when amoCRM reports it,
// so local clock skew does not shift the refresh window.
func (c *OAuthClient) toToken(tr tokenResponse) *oauth2.Token {
	issued := c.now()
	if tr.ServerTime > 0 {
		issued = time.Unix(tr.ServerTime, 0)
	}
	tokenType := tr.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	tok := &oauth2.Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tokenType,
	}
	if tr.ExpiresIn > 0 {
		tok.Expiry = issued.Add(time.Duration(tr.ExpiresIn) * time.Second).UTC()
	}
	return tok
}
