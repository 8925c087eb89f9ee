package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/sakif/cosmicfire/internal/model"
)

// Provider is an OAuth identity provider.
type Provider interface {
	Name() string
	// AuthURL is where the browser goes to sign in. state comes back on the
	// callback unchanged.
	AuthURL(state string) string
	// Exchange trades the callback code for the signed-in identity.
	Exchange(ctx context.Context, code string) (model.Identity, error)
}

// OAuthProvider implements Provider with the Authorization Code flow. The
// code-for-token exchange happens server to server, so the provider's access
// token never reaches the browser.
type OAuthProvider struct {
	name        string
	config      *oauth2.Config
	userInfoURL string
	emailsURL   string
	decode      func(body []byte) (id, email string, err error)
}

// NewGoogleProvider signs users in with their Google account. Identity IDs
// are "google:<sub>".
func NewGoogleProvider(clientID, clientSecret, callbackURL string) *OAuthProvider {
	return &OAuthProvider{
		name: "google",
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
			Scopes:       []string{"openid", "email"},
			Endpoint:     endpoints.Google,
		},
		userInfoURL: "https://openidconnect.googleapis.com/v1/userinfo",
		decode:      decodeGoogleUser,
	}
}

// NewGitHubProvider signs users in with GitHub. Identity IDs are
// "github:<numeric id>". Users who hide their email get their primary
// verified address from /user/emails.
func NewGitHubProvider(clientID, clientSecret, callbackURL string) *OAuthProvider {
	return &OAuthProvider{
		name: "github",
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     endpoints.GitHub,
		},
		userInfoURL: "https://api.github.com/user",
		emailsURL:   "https://api.github.com/user/emails",
		decode:      decodeGitHubUser,
	}
}

func (p *OAuthProvider) Name() string { return p.name }

func (p *OAuthProvider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

func (p *OAuthProvider) Exchange(ctx context.Context, code string) (model.Identity, error) {
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return model.Identity{}, fmt.Errorf("auth: exchanging %s code: %w", p.name, err)
	}
	client := p.config.Client(ctx, token)

	body, err := getJSON(client, p.userInfoURL)
	if err != nil {
		return model.Identity{}, fmt.Errorf("auth: %s user info: %w", p.name, err)
	}
	id, email, err := p.decode(body)
	if err != nil {
		return model.Identity{}, fmt.Errorf("auth: %s user info: %w", p.name, err)
	}
	if email == "" && p.emailsURL != "" {
		if email, err = primaryEmail(client, p.emailsURL); err != nil {
			return model.Identity{}, fmt.Errorf("auth: %s emails: %w", p.name, err)
		}
	}
	if email == "" {
		return model.Identity{}, fmt.Errorf("auth: %s account has no usable email", p.name)
	}

	return model.Identity{ID: p.name + ":" + id, Email: strings.ToLower(email)}, nil
}

func getJSON(client *http.Client, url string) ([]byte, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s returned status %d", url, resp.StatusCode)
	}
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", url, err)
	}
	return raw, nil
}

func decodeGoogleUser(body []byte) (string, string, error) {
	var u struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := json.Unmarshal(body, &u); err != nil {
		return "", "", err
	}
	if u.Sub == "" {
		return "", "", fmt.Errorf("missing subject")
	}
	if !u.EmailVerified {
		return u.Sub, "", nil
	}
	return u.Sub, u.Email, nil
}

func decodeGitHubUser(body []byte) (string, string, error) {
	var u struct {
		ID    int64  `json:"id"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &u); err != nil {
		return "", "", err
	}
	if u.ID == 0 {
		return "", "", fmt.Errorf("invalid user (id = 0)")
	}
	return strconv.FormatInt(u.ID, 10), u.Email, nil
}

func primaryEmail(client *http.Client, url string) (string, error) {
	body, err := getJSON(client, url)
	if err != nil {
		return "", err
	}
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := json.Unmarshal(body, &emails); err != nil {
		return "", err
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, nil
		}
	}
	return "", nil
}
