// Package oauth is the credential-issuing collaborator: it exchanges
// authorization codes and refresh tokens at the Google token endpoint.
// The authorization-code redirect flow itself lives in the HTTP layer.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
)

const userInfoURI = "https://www.googleapis.com/oauth2/v1/userinfo"

// Scopes required for the internal Cloud Code API.
var Scopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
	"https://www.googleapis.com/auth/cclog",
	"https://www.googleapis.com/auth/experimentsandconfigs",
}

// Token is an issued credential. ExpiryDate is epoch milliseconds.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiryDate   int64
}

// Client wraps the oauth2 config for the Antigravity client identity.
type Client struct {
	cfg  *oauth2.Config
	http *http.Client
}

func NewClient(clientID, clientSecret, redirectURL string) *Client {
	return &Client{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       Scopes,
			Endpoint:     googleoauth.Endpoint,
		},
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// AuthorizeURL builds the consent-screen URL for adding an account.
func (c *Client) AuthorizeURL(state string) string {
	return c.cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// Exchange trades an authorization code for tokens and resolves the
// account email from the userinfo endpoint. Email lookup failures leave
// the email as "unknown" rather than failing the exchange.
func (c *Client) Exchange(ctx context.Context, code string) (Token, string, error) {
	tok, err := c.cfg.Exchange(ctx, code)
	if err != nil {
		return Token{}, "", fmt.Errorf("exchange authorization code: %w", err)
	}

	email := "unknown"
	if fetched, err := c.fetchEmail(ctx, tok.AccessToken); err == nil && fetched != "" {
		email = fetched
	}

	return Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiryDate:   tok.Expiry.UnixMilli(),
	}, email, nil
}

// Refresh exchanges a refresh token for a new access token. A rotated
// refresh token, when issued, replaces the old one in the result.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	src := c.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return Token{}, fmt.Errorf("refresh token: %w", err)
	}

	out := Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshToken,
		ExpiryDate:   tok.Expiry.UnixMilli(),
	}
	if tok.RefreshToken != "" {
		out.RefreshToken = tok.RefreshToken
	}
	return out, nil
}

func (c *Client) fetchEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userInfoURI, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var info struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	return info.Email, nil
}
