package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gmoodle/internal/config"
)

// fakeGoogle serves tokeninfo, token and userinfo endpoints.
type fakeGoogle struct {
	validToken   string
	refreshToken string
	aud          string

	tokenInfoCalls atomic.Int64
	refreshCalls   atomic.Int64
}

func (f *fakeGoogle) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/tokeninfo", func(w http.ResponseWriter, r *http.Request) {
		f.tokenInfoCalls.Add(1)
		if r.URL.Query().Get("access_token") != f.validToken {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error_description":"Invalid Value"}`))
			return
		}
		writeJSON(w, map[string]any{"aud": f.aud, "azp": f.aud, "expires_in": "3599"})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.refreshCalls.Add(1)
		_ = r.ParseForm()
		if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") != f.refreshToken {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		writeJSON(w, map[string]any{"access_token": "minted", "token_type": "Bearer", "expires_in": 3600})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+f.validToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]any{"sub": "10769150350006150715113082367", "name": "Ada", "email": "ada@example.com"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func googleConfig(base string) config.GoogleConfig {
	return config.GoogleConfig{
		ClientID:     "client-1",
		ClientSecret: "secret",
		CallbackURL:  "http://localhost/auth/google/callback",
		Scopes:       []string{"https://www.googleapis.com/auth/calendar"},
		AuthURL:      base + "/auth",
		TokenURL:     base + "/token",
		TokenInfoURL: base + "/tokeninfo",
		UserInfoURL:  base + "/userinfo",
	}
}

func TestResolve_PresentedTokenValid(t *testing.T) {
	g := &fakeGoogle{validToken: "good", refreshToken: "rt", aud: "client-1"}
	srv := g.server(t)
	r := NewResolver(googleConfig(srv.URL), time.Second)

	cred, err := r.Resolve(context.Background(), CredentialState{AccessToken: "good", RefreshToken: "rt"})
	require.NoError(t, err)

	assert.Equal(t, "good", cred.AccessToken)
	assert.False(t, cred.Refreshed)
	assert.WithinDuration(t, time.Now().Add(time.Hour), cred.Expiry, time.Minute)
	assert.Equal(t, int64(0), g.refreshCalls.Load())
}

func TestResolve_FallsBackToRefresh(t *testing.T) {
	g := &fakeGoogle{validToken: "good", refreshToken: "rt", aud: "client-1"}
	srv := g.server(t)
	r := NewResolver(googleConfig(srv.URL), time.Second)

	cred, err := r.Resolve(context.Background(), CredentialState{AccessToken: "stale", RefreshToken: "rt"})
	require.NoError(t, err)

	assert.Equal(t, "minted", cred.AccessToken)
	assert.True(t, cred.Refreshed)
	assert.Equal(t, int64(1), g.tokenInfoCalls.Load())
	assert.Equal(t, int64(1), g.refreshCalls.Load())
}

func TestResolve_NoAccessTokenSkipsIntrospection(t *testing.T) {
	g := &fakeGoogle{validToken: "good", refreshToken: "rt"}
	srv := g.server(t)
	r := NewResolver(googleConfig(srv.URL), time.Second)

	_, err := r.Resolve(context.Background(), CredentialState{RefreshToken: "rt"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), g.tokenInfoCalls.Load())
}

func TestResolve_NoRefreshToken(t *testing.T) {
	g := &fakeGoogle{validToken: "good"}
	srv := g.server(t)
	r := NewResolver(googleConfig(srv.URL), time.Second)

	_, err := r.Resolve(context.Background(), CredentialState{AccessToken: "stale"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthFailure))
	assert.True(t, errors.Is(err, ErrNoRefreshToken))
}

func TestResolve_BothFail(t *testing.T) {
	g := &fakeGoogle{validToken: "good", refreshToken: "rt"}
	srv := g.server(t)
	r := NewResolver(googleConfig(srv.URL), time.Second)

	_, err := r.Resolve(context.Background(), CredentialState{AccessToken: "stale", RefreshToken: "revoked"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthFailure))
}

func TestIntrospect_ForeignClientRejected(t *testing.T) {
	g := &fakeGoogle{validToken: "good", aud: "someone-else"}
	srv := g.server(t)
	r := NewResolver(googleConfig(srv.URL), time.Second)

	_, err := r.Introspect(context.Background(), "good")
	assert.True(t, errors.Is(err, ErrTokenInvalid))
}

func TestOAuth_AuthCodeURL(t *testing.T) {
	o := NewOAuth(googleConfig("https://accounts.example"), time.Second)

	raw := o.AuthCodeURL("state-123")
	u, err := url.Parse(raw)
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "/auth", u.Path)
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "http://localhost/auth/google/callback", q.Get("redirect_uri"))
}

func TestOAuth_Identify(t *testing.T) {
	g := &fakeGoogle{validToken: "good"}
	srv := g.server(t)
	o := NewOAuth(googleConfig(srv.URL), time.Second)

	id, err := o.Identify(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "10769150350006150715113082367", id.ID)
	assert.Equal(t, "Ada", id.Profile.DisplayName)
	assert.Equal(t, []string{"ada@example.com"}, id.Profile.Emails)

	_, err = o.Identify(context.Background(), "bad")
	assert.True(t, errors.Is(err, ErrTokenInvalid))
}

func TestOAuth_ExchangeEmptyCode(t *testing.T) {
	o := NewOAuth(googleConfig("http://127.0.0.1:1"), time.Second)
	_, err := o.Exchange(context.Background(), "")
	assert.Error(t, err)
}
