package firebaseauth

import (
	"bytes"
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
	defaultIdentityToolkitURL = "https://identitytoolkit.googleapis.com/v1"
	defaultSecureTokenURL     = "https://securetoken.googleapis.com/v1"
	defaultRequestURI         = "http://localhost"
)

// APIError is a non-2xx response from the identity provider. Message carries
// the provider's error code, e.g. EMAIL_EXISTS or INVALID_REFRESH_TOKEN.
type APIError struct {
	StatusCode int
	Message    string
	URL        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("firebaseauth: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Message)
}

func (e *APIError) HTTPStatusCode() int {
	return e.StatusCode
}

// Code returns the provider error code without trailing detail
// ("WEAK_PASSWORD : Password should be..." becomes "WEAK_PASSWORD").
func (e *APIError) Code() string {
	code, _, _ := strings.Cut(e.Message, " ")
	return code
}

// Credential is the shared response shape of the accounts:* endpoints.
type Credential struct {
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
	DisplayName  string `json:"displayName"`
	PhotoURL     string `json:"photoUrl"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
}

// RefreshResult is the securetoken response, which uses snake case.
type RefreshResult struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
	UserID       string `json:"user_id"`
}

type LookupUser struct {
	LocalID     string `json:"localId"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoUrl"`
}

type LookupResult struct {
	Users []LookupUser `json:"users"`
}

type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client calls the Firebase Auth REST API for one project.
type Client struct {
	apiKey             string
	identityToolkitURL string
	secureTokenURL     string
	requestURI         string
	httpClient         *http.Client
}

type Option func(*Client)

func WithIdentityToolkitURL(u string) Option {
	return func(c *Client) {
		c.identityToolkitURL = strings.TrimRight(strings.TrimSpace(u), "/")
	}
}

func WithSecureTokenURL(u string) Option {
	return func(c *Client) {
		c.secureTokenURL = strings.TrimRight(strings.TrimSpace(u), "/")
	}
}

// WithRequestURI sets the continue URI sent with IdP sign-ins; it is usually
// the project's auth domain.
func WithRequestURI(u string) Option {
	return func(c *Client) {
		if u = strings.TrimSpace(u); u != "" {
			c.requestURI = u
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(apiKey string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("firebaseauth: api key must not be empty")
	}
	c := &Client{
		apiKey:             apiKey,
		identityToolkitURL: defaultIdentityToolkitURL,
		secureTokenURL:     defaultSecureTokenURL,
		requestURI:         defaultRequestURI,
		httpClient:         &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SignUp creates an email/password account.
func (c *Client) SignUp(ctx context.Context, email, password string) (Credential, error) {
	var out Credential
	err := c.postJSON(ctx, c.accountsURL("signUp"), map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &out)
	if err != nil {
		return Credential{}, fmt.Errorf("firebaseauth: sign up: %w", err)
	}
	return out, nil
}

// SignInWithPassword exchanges email/password for a credential.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (Credential, error) {
	var out Credential
	err := c.postJSON(ctx, c.accountsURL("signInWithPassword"), map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &out)
	if err != nil {
		return Credential{}, fmt.Errorf("firebaseauth: sign in: %w", err)
	}
	return out, nil
}

// IdPCredential is a token issued by an OAuth provider out of band.
// Exactly one of IDToken or AccessToken is required.
type IdPCredential struct {
	ProviderID  string
	IDToken     string
	AccessToken string
}

func (c IdPCredential) postBody() (string, error) {
	if strings.TrimSpace(c.ProviderID) == "" {
		return "", errors.New("provider id is required")
	}
	v := url.Values{}
	v.Set("providerId", c.ProviderID)
	switch {
	case c.IDToken != "":
		v.Set("id_token", c.IDToken)
	case c.AccessToken != "":
		v.Set("access_token", c.AccessToken)
	default:
		return "", errors.New("id token or access token is required")
	}
	return v.Encode(), nil
}

// SignInWithIdP exchanges an OAuth provider credential for a credential.
func (c *Client) SignInWithIdP(ctx context.Context, cred IdPCredential) (Credential, error) {
	body, err := cred.postBody()
	if err != nil {
		return Credential{}, fmt.Errorf("firebaseauth: sign in with idp: %w", err)
	}
	var out Credential
	err = c.postJSON(ctx, c.accountsURL("signInWithIdp"), map[string]any{
		"postBody":            body,
		"requestUri":          c.requestURI,
		"returnSecureToken":   true,
		"returnIdpCredential": true,
	}, &out)
	if err != nil {
		return Credential{}, fmt.Errorf("firebaseauth: sign in with idp: %w", err)
	}
	return out, nil
}

// UpdateProfile sets the display name of the signed-in account.
func (c *Client) UpdateProfile(ctx context.Context, idToken, displayName string) (Credential, error) {
	var out Credential
	err := c.postJSON(ctx, c.accountsURL("update"), map[string]any{
		"idToken":           idToken,
		"displayName":       displayName,
		"returnSecureToken": true,
	}, &out)
	if err != nil {
		return Credential{}, fmt.Errorf("firebaseauth: update profile: %w", err)
	}
	return out, nil
}

// Lookup fetches the account profile for idToken.
func (c *Client) Lookup(ctx context.Context, idToken string) (LookupResult, error) {
	var out LookupResult
	if err := c.postJSON(ctx, c.accountsURL("lookup"), map[string]any{"idToken": idToken}, &out); err != nil {
		return LookupResult{}, fmt.Errorf("firebaseauth: lookup: %w", err)
	}
	if len(out.Users) == 0 {
		return LookupResult{}, errors.New("firebaseauth: lookup: no users in response")
	}
	return out, nil
}

// Refresh exchanges a refresh token for a new ID token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (RefreshResult, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	u := c.secureTokenURL + "/token?key=" + url.QueryEscape(c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return RefreshResult{}, fmt.Errorf("firebaseauth: refresh: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out RefreshResult
	if err := c.do(req, &out); err != nil {
		return RefreshResult{}, fmt.Errorf("firebaseauth: refresh: %w", err)
	}
	return out, nil
}

func (c *Client) accountsURL(method string) string {
	return c.identityToolkitURL + "/accounts:" + method + "?key=" + url.QueryEscape(c.apiKey)
}

func (c *Client) postJSON(ctx context.Context, u string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	httpClient := c.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	res, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: res.StatusCode, URL: redactKey(req.URL)}
		var env errorEnvelope
		if json.Unmarshal(buf, &env) == nil && env.Error.Message != "" {
			apiErr.Message = env.Error.Message
		} else {
			apiErr.Message = string(buf)
		}
		return apiErr
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// redactKey drops the api key from URLs that end up in error messages.
func redactKey(u *url.URL) string {
	cp := *u
	cp.RawQuery = ""
	return cp.String()
}
