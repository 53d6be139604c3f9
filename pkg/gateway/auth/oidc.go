package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// OIDCAuthenticator validates bearer tokens against an external identity
// provider's userinfo endpoint. It is the deployment alternative to the
// HS256 TokenManager for sites that already run an IdP.
type OIDCAuthenticator struct {
	config *oauth2.Config
	issuer string
	client *http.Client
}

func NewOIDCAuthenticator(issuer, clientID, clientSecret string) (*OIDCAuthenticator, error) {
	if issuer == "" || clientID == "" {
		return nil, fmt.Errorf("OIDC configuration incomplete")
	}

	config := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  fmt.Sprintf("%s/authorize", issuer),
			TokenURL: fmt.Sprintf("%s/token", issuer),
		},
		Scopes: []string{"openid", "profile"},
	}

	return &OIDCAuthenticator{
		config: config,
		issuer: issuer,
		client: http.DefaultClient,
	}, nil
}

// ValidateToken resolves the token's subject via the issuer's userinfo
// endpoint. The subject must match a user record in the registry; roles are
// never taken from the IdP.
func (a *OIDCAuthenticator) ValidateToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, a.client), src)

	resp, err := client.Get(fmt.Sprintf("%s/userinfo", a.issuer))
	if err != nil {
		return "", fmt.Errorf("userinfo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", ErrInvalidToken
	}

	var info struct {
		Subject string `json:"sub"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("userinfo decode: %w", err)
	}
	if info.Subject == "" {
		return "", ErrInvalidToken
	}
	return info.Subject, nil
}
