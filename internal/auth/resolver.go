package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"

	"gmoodle/internal/config"
	appLog "gmoodle/internal/log"
)

// CredentialState is what the caller knows about a user's Google tokens.
// Either field may be empty.
type CredentialState struct {
	AccessToken  string
	RefreshToken string
}

// Credential is a usable access token. Refreshed is set when it was minted
// from the refresh token during this call and should be persisted.
type Credential struct {
	AccessToken string
	Expiry      time.Time
	Refreshed   bool
}

// Resolver validates presented access tokens against Google's tokeninfo
// endpoint and falls back to the refresh token when they are unusable.
type Resolver struct {
	client       *resty.Client
	httpClient   *http.Client
	oauth        *oauth2.Config
	tokenInfoURL string
	now          func() time.Time
}

// NewResolver builds a Resolver from the Google section of the config.
// timeout bounds each call to the identity provider.
func NewResolver(cfg config.GoogleConfig, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Resolver{
		client:       resty.New().SetTimeout(timeout),
		httpClient:   &http.Client{Timeout: timeout},
		oauth:        oauthConfig(cfg),
		tokenInfoURL: cfg.TokenInfoURL,
		now:          time.Now,
	}
}

// Resolve returns a usable access token. The presented token is checked
// first; if it is absent or invalid the refresh token is exchanged. Both
// failing yields ErrAuthFailure.
func (r *Resolver) Resolve(ctx context.Context, st CredentialState) (Credential, error) {
	if st.AccessToken != "" {
		expiry, err := r.Introspect(ctx, st.AccessToken)
		if err == nil {
			return Credential{AccessToken: st.AccessToken, Expiry: expiry}, nil
		}
		appLog.Debug("presented access token rejected, trying refresh", "reason", err.Error())
	}

	if st.RefreshToken == "" {
		return Credential{}, fmt.Errorf("%w: %w", ErrAuthFailure, ErrNoRefreshToken)
	}

	tok, err := r.Refresh(ctx, st.RefreshToken)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %w", ErrAuthFailure, err)
	}
	return Credential{AccessToken: tok.AccessToken, Expiry: tok.Expiry, Refreshed: true}, nil
}

// tokenInfo is the subset of Google's tokeninfo response we look at.
// Google sends numbers as strings, json.Number accepts both.
type tokenInfo struct {
	Aud       string      `json:"aud"`
	Azp       string      `json:"azp"`
	ExpiresIn json.Number `json:"expires_in"`
	Exp       json.Number `json:"exp"`
	Error     string      `json:"error_description"`
}

// Introspect asks the identity provider whether token is still valid and
// returns its expiry. Tokens issued to a different OAuth client are
// rejected when a client id is configured.
func (r *Resolver) Introspect(ctx context.Context, token string) (time.Time, error) {
	var info tokenInfo
	resp, err := r.client.R().
		SetContext(ctx).
		SetQueryParam("access_token", token).
		SetResult(&info).
		Get(r.tokenInfoURL)
	if err != nil {
		return time.Time{}, fmt.Errorf("tokeninfo request: %w", err)
	}
	if !resp.IsSuccess() {
		return time.Time{}, fmt.Errorf("%w: tokeninfo status %d", ErrTokenInvalid, resp.StatusCode())
	}

	if id := r.oauth.ClientID; id != "" {
		known := info.Aud != "" || info.Azp != ""
		if known && info.Aud != id && info.Azp != id {
			return time.Time{}, fmt.Errorf("%w: issued to another client", ErrTokenInvalid)
		}
	}

	if secs, err := info.ExpiresIn.Int64(); err == nil {
		if secs <= 0 {
			return time.Time{}, fmt.Errorf("%w: expired", ErrTokenInvalid)
		}
		return r.now().Add(time.Duration(secs) * time.Second), nil
	}
	if unix, err := strconv.ParseInt(info.Exp.String(), 10, 64); err == nil {
		exp := time.Unix(unix, 0)
		if !exp.After(r.now()) {
			return time.Time{}, fmt.Errorf("%w: expired", ErrTokenInvalid)
		}
		return exp, nil
	}
	return time.Time{}, fmt.Errorf("%w: no expiry in tokeninfo response", ErrTokenInvalid)
}

// Refresh exchanges a refresh token for a new access token.
func (r *Resolver) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	src := r.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token exchange: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("refresh token exchange: empty access token")
	}
	return tok, nil
}

func oauthConfig(cfg config.GoogleConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.CallbackURL,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthURL,
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}
