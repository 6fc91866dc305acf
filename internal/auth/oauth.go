package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"

	"gmoodle/internal/config"
	"gmoodle/internal/model"
)

// Identity is the Google user behind a login.
type Identity struct {
	ID      string
	Profile model.Profile
}

// OAuth drives the interactive authorization-code login.
type OAuth struct {
	conf        *oauth2.Config
	client      *resty.Client
	httpClient  *http.Client
	userInfoURL string
}

func NewOAuth(cfg config.GoogleConfig, timeout time.Duration) *OAuth {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &OAuth{
		conf:        oauthConfig(cfg),
		client:      resty.New().SetTimeout(timeout),
		httpClient:  &http.Client{Timeout: timeout},
		userInfoURL: cfg.UserInfoURL,
	}
}

// AuthCodeURL returns the consent page URL. Google issues a refresh token
// for offline access only when the consent screen is shown, so it is
// forced on every login.
func (o *OAuth) AuthCodeURL(state string) string {
	return o.conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades the callback code for tokens. RefreshToken may still be
// empty; the store keeps the previous one in that case.
func (o *OAuth) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if code == "" {
		return nil, errors.New("authorization code is empty")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
	tok, err := o.conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	return tok, nil
}

type userInfo struct {
	Sub     string `json:"sub"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
	Email   string `json:"email"`
}

// Identify fetches the profile of the token's owner.
func (o *OAuth) Identify(ctx context.Context, accessToken string) (Identity, error) {
	var info userInfo
	resp, err := o.client.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetResult(&info).
		Get(o.userInfoURL)
	if err != nil {
		return Identity{}, fmt.Errorf("userinfo request: %w", err)
	}
	if !resp.IsSuccess() {
		return Identity{}, fmt.Errorf("%w: userinfo status %d", ErrTokenInvalid, resp.StatusCode())
	}
	if info.Sub == "" {
		return Identity{}, errors.New("userinfo response has no subject")
	}

	id := Identity{
		ID: info.Sub,
		Profile: model.Profile{
			DisplayName: info.Name,
			Picture:     info.Picture,
		},
	}
	if info.Email != "" {
		id.Profile.Emails = []string{info.Email}
	}
	return id, nil
}
