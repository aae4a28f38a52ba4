package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultDropboxTokenURL is the Dropbox OAuth2 token endpoint.
	DefaultDropboxTokenURL = "https://api.dropbox.com/oauth2/token"

	// DefaultDropboxAuthorizeURL is the Dropbox OAuth2 consent page.
	DefaultDropboxAuthorizeURL = "https://www.dropbox.com/oauth2/authorize"

	// maxTokenResponseSize bounds the token endpoint response body.
	maxTokenResponseSize = 64 << 10
)

// ErrTokenExchange indicates the token endpoint rejected an exchange.
var ErrTokenExchange = errors.New("token exchange failed")

// DropboxTokenProvider mints Dropbox access tokens from a refresh token and
// runs the one-off authorization-code exchange that yields that refresh
// token.
type DropboxTokenProvider struct {
	appKey       string
	appSecret    string
	tokenURL     string
	authorizeURL string
	client       *http.Client
	now          func() time.Time
}

// DropboxTokenOption configures a DropboxTokenProvider.
type DropboxTokenOption func(*DropboxTokenProvider)

// WithTokenURL overrides the token endpoint.
func WithTokenURL(u string) DropboxTokenOption {
	return func(p *DropboxTokenProvider) {
		p.tokenURL = u
	}
}

// WithAuthorizeURL overrides the consent page URL.
func WithAuthorizeURL(u string) DropboxTokenOption {
	return func(p *DropboxTokenProvider) {
		p.authorizeURL = u
	}
}

// WithTokenHTTPClient sets the HTTP client used for token requests.
func WithTokenHTTPClient(client *http.Client) DropboxTokenOption {
	return func(p *DropboxTokenProvider) {
		p.client = client
	}
}

// NewDropboxTokenProvider creates a token provider for the given app.
func NewDropboxTokenProvider(appKey, appSecret string, opts ...DropboxTokenOption) *DropboxTokenProvider {
	p := &DropboxTokenProvider{
		appKey:       appKey,
		appSecret:    appSecret,
		tokenURL:     DefaultDropboxTokenURL,
		authorizeURL: DefaultDropboxAuthorizeURL,
		client:       &http.Client{Timeout: 30 * time.Second},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ TokenProvider = (*DropboxTokenProvider)(nil)

// TokenResponse is the JSON body returned by the token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	AccountID    string `json:"account_id,omitempty"`
}

// Exchange trades a refresh token for a fresh access token.
func (p *DropboxTokenProvider) Exchange(ctx context.Context, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: refresh token is empty", ErrTokenExchange)
	}
	resp, err := p.post(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	})
	if err != nil {
		return nil, err
	}
	return p.token(resp), nil
}

// AuthorizeURL returns the consent page URL for the offline access flow.
// After consent Dropbox redirects to redirectURI with a code parameter.
func (p *DropboxTokenProvider) AuthorizeURL(redirectURI string) string {
	q := url.Values{}
	q.Set("client_id", p.appKey)
	q.Set("response_type", "code")
	q.Set("token_access_type", "offline")
	if redirectURI != "" {
		q.Set("redirect_uri", redirectURI)
	}
	return p.authorizeURL + "?" + q.Encode()
}

// ExchangeCode trades an authorization code for tokens. The response
// carries the long-lived refresh token.
func (p *DropboxTokenProvider) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenResponse, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: authorization code is empty", ErrTokenExchange)
	}
	form := url.Values{
		"grant_type": {"authorization_code"},
		"code":       {code},
	}
	if redirectURI != "" {
		form.Set("redirect_uri", redirectURI)
	}
	return p.post(ctx, form)
}

func (p *DropboxTokenProvider) token(resp *TokenResponse) *Token {
	t := &Token{AccessToken: resp.AccessToken}
	if resp.ExpiresIn > 0 {
		t.ExpiresAt = p.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return t
}

func (p *DropboxTokenProvider) post(ctx context.Context, form url.Values) (*TokenResponse, error) {
	form.Set("client_id", p.appKey)
	form.Set("client_secret", p.appSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var oauthErr struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		if json.Unmarshal(body, &oauthErr) == nil && oauthErr.Error != "" {
			return nil, fmt.Errorf("%w: status %d: %s: %s", ErrTokenExchange, resp.StatusCode, oauthErr.Error, oauthErr.ErrorDescription)
		}
		return nil, fmt.Errorf("%w: status %d", ErrTokenExchange, resp.StatusCode)
	}

	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: response has no access_token", ErrTokenExchange)
	}
	return &tr, nil
}
