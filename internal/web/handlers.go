package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/csrf"

	"gmoodle/internal/ics"
	"gmoodle/internal/lms"
	appLog "gmoodle/internal/log"
	"gmoodle/internal/model"
	"gmoodle/internal/reconcile"
	"gmoodle/internal/store"
)

// applyRequest is the body of /apply and /api/preview.ics. Field names
// match the HTML form.
type applyRequest struct {
	Username    string `json:"musername"`
	Password    string `json:"mpassword"`
	SiteURL     string `json:"murl"`
	AccessToken string `json:"access_token"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessions.accountID(r)
	if err != nil {
		http.Redirect(w, r, "/auth/google", http.StatusFound)
		return
	}

	acc, err := s.accounts.Get(r.Context(), id)
	if errors.Is(err, store.ErrAccountNotFound) {
		s.sessions.clear(w)
		http.Redirect(w, r, "/auth/google", http.StatusFound)
		return
	}
	if err != nil {
		appLog.Error("index: account lookup failed", err, "account", id)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	data := map[string]any{
		"Name":         acc.Profile.DisplayName,
		"Picture":      acc.Profile.Picture,
		"Username":     acc.Moodle.Username,
		"SiteURL":      acc.Moodle.SiteURL,
		"AutoSync":     acc.AutoSync,
		"Applications": acc.ApplicationCount,
		"LastApplied":  formatTime(acc.LastAppliedAt),
		"CalendarName": s.cfg.CalendarName,
		"CSRFField":    template.HTML(""),
	}
	if !s.cfg.CSRF.Disabled {
		data["CSRFField"] = csrf.TemplateField(r)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.index.Execute(w, data); err != nil {
		appLog.Error("index: template render failed", err)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/auth",
		MaxAge:   int((10 * time.Minute).Seconds()),
		HttpOnly: true,
		Secure:   s.sessions.secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, s.oauth.AuthCodeURL(state), http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if msg := q.Get("error"); msg != "" {
		appLog.Warn("oauth callback returned error", "error", msg)
		writeError(w, http.StatusForbidden, "google sign-in was not completed")
		return
	}

	cookie, err := r.Cookie(stateCookie)
	if err != nil || !secureCompare(cookie.Value, q.Get("state")) {
		writeError(w, http.StatusForbidden, "invalid oauth state")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Path: "/auth", MaxAge: -1})

	tok, err := s.oauth.Exchange(ctx, q.Get("code"))
	if err != nil {
		appLog.Error("oauth exchange failed", err, "request_id", requestID(ctx))
		writeError(w, http.StatusForbidden, "google sign-in failed")
		return
	}

	ident, err := s.oauth.Identify(ctx, tok.AccessToken)
	if err != nil {
		appLog.Error("oauth userinfo failed", err, "request_id", requestID(ctx))
		writeError(w, http.StatusForbidden, "google sign-in failed")
		return
	}

	err = s.accounts.SaveLogin(ctx, ident.ID, ident.Profile, store.Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	})
	if err != nil {
		appLog.Error("saving login failed", err, "account", ident.ID)
		writeError(w, http.StatusInternalServerError, "could not save account")
		return
	}

	if err := s.sessions.issue(w, ident.ID); err != nil {
		appLog.Error("issuing session failed", err, "account", ident.ID)
		writeError(w, http.StatusInternalServerError, "could not start session")
		return
	}

	appLog.Info("user logged in", "account", ident.ID, "refresh_token_granted", tok.RefreshToken != "")
	http.Redirect(w, r, "/", http.StatusFound)
}

// accountView is what /auth/user exposes. Secrets never leave the server.
type accountView struct {
	ID               string    `json:"id"`
	DisplayName      string    `json:"display_name"`
	Picture          string    `json:"picture,omitempty"`
	Emails           []string  `json:"emails,omitempty"`
	MoodleUsername   string    `json:"moodle_username,omitempty"`
	MoodleSiteURL    string    `json:"moodle_site_url,omitempty"`
	AutoSync         bool      `json:"auto_sync"`
	ApplicationCount int       `json:"application_count"`
	LastAppliedAt    time.Time `json:"last_applied_at,omitzero"`
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessions.accountID(r)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"err": "Not logged in"})
		return
	}

	acc, err := s.accounts.Get(r.Context(), id)
	if errors.Is(err, store.ErrAccountNotFound) {
		writeJSON(w, http.StatusOK, map[string]string{"err": "Not logged in"})
		return
	}
	if err != nil {
		appLog.Error("auth/user: account lookup failed", err, "account", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, accountView{
		ID:               acc.ID,
		DisplayName:      acc.Profile.DisplayName,
		Picture:          acc.Profile.Picture,
		Emails:           acc.Profile.Emails,
		MoodleUsername:   acc.Moodle.Username,
		MoodleSiteURL:    acc.Moodle.SiteURL,
		AutoSync:         acc.AutoSync,
		ApplicationCount: acc.ApplicationCount,
		LastAppliedAt:    acc.LastAppliedAt,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.clear(w)
	if isJSON(r) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleApply runs an interactive sync and reports the outcome
// synchronously.
func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	req, ok := s.syncRequest(w, r)
	if !ok {
		return
	}

	res := s.engine.Sync(r.Context(), req)
	status := statusFor(res)

	if isJSON(r) {
		writeJSON(w, status, res)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(res.Message))
}

// handlePreview returns the events a sync would insert as an iCalendar
// file, without touching the calendar.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	req, ok := s.syncRequest(w, r)
	if !ok {
		return
	}

	plan, res := s.engine.Plan(r.Context(), req)
	if !res.Success {
		writeJSON(w, statusFor(res), res)
		return
	}

	body, err := ics.BuildFeed(plan.Calendar.Name, plan.Events)
	if err != nil {
		appLog.Error("preview: building feed failed", err)
		writeError(w, http.StatusInternalServerError, "failed to build calendar file")
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="moodle-assignments.ics"`)
	w.Header().Set("X-Planned-Events", strconv.Itoa(len(plan.Events)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleAutoSync(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessions.accountID(r)
	if err != nil {
		writeError(w, http.StatusForbidden, "Not logged in")
		return
	}

	var enabled bool
	if isJSON(r) {
		var body struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		enabled = body.Enabled
	} else {
		v := strings.ToLower(r.PostFormValue("enabled"))
		enabled = v == "on" || v == "true" || v == "1"
	}

	if err := s.accounts.SetAutoSync(r.Context(), id, enabled); err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			writeError(w, http.StatusForbidden, reconcile.KindAccountNotFound.Message())
			return
		}
		appLog.Error("autosync toggle failed", err, "account", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	appLog.Info("auto-sync toggled", "account", id, "enabled", enabled)
	if isJSON(r) {
		writeJSON(w, http.StatusOK, map[string]bool{"auto_sync": enabled})
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// syncRequest reads the moodle credentials and the session. On failure it
// has already written a 403.
func (s *Server) syncRequest(w http.ResponseWriter, r *http.Request) (model.SyncRequest, bool) {
	id, err := s.sessions.accountID(r)
	if err != nil {
		writeError(w, http.StatusForbidden, "Not logged in")
		return model.SyncRequest{}, false
	}

	in, err := decodeApply(r)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return model.SyncRequest{}, false
	}
	if in.Username == "" || in.Password == "" || in.SiteURL == "" {
		writeError(w, http.StatusForbidden, reconcile.ErrMissingMoodle.Error())
		return model.SyncRequest{}, false
	}

	site, err := lms.NormalizeSiteURL(in.SiteURL)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return model.SyncRequest{}, false
	}

	return model.SyncRequest{
		AccountID: id,
		Moodle: model.MoodleSettings{
			Username: in.Username,
			Password: in.Password,
			SiteURL:  site,
		},
		AccessToken: in.AccessToken,
	}, true
}

func decodeApply(r *http.Request) (applyRequest, error) {
	var in applyRequest
	if isJSON(r) {
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			return in, fmt.Errorf("invalid JSON body: %w", err)
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return in, fmt.Errorf("invalid form body: %w", err)
		}
		in = applyRequest{
			Username:    r.PostForm.Get("musername"),
			Password:    r.PostForm.Get("mpassword"),
			SiteURL:     r.PostForm.Get("murl"),
			AccessToken: r.PostForm.Get("access_token"),
		}
	}
	in.Username = strings.TrimSpace(in.Username)
	in.SiteURL = strings.TrimSpace(in.SiteURL)
	return in, nil
}

// statusFor maps a sync result to an HTTP status. Problems the user can fix
// (bad moodle login, expired google grant, missing input) are 403,
// everything else is a server side 500.
func statusFor(res model.SyncResult) int {
	if res.Success {
		return http.StatusOK
	}
	switch reconcile.Kind(res.Kind) {
	case reconcile.KindLmsAuthFailure,
		reconcile.KindAuthFailure,
		reconcile.KindAccountNotFound,
		reconcile.KindInvalidInput:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04 MST")
}
