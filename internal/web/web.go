package web

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/csrf"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/oauth2"

	"gmoodle/internal/auth"
	"gmoodle/internal/config"
	appLog "gmoodle/internal/log"
	"gmoodle/internal/model"
	"gmoodle/internal/reconcile"
	"gmoodle/internal/store"
)

// Syncer runs interactive syncs and dry runs. *reconcile.Engine satisfies it.
type Syncer interface {
	Sync(ctx context.Context, req model.SyncRequest) model.SyncResult
	Plan(ctx context.Context, req model.SyncRequest) (reconcile.Plan, model.SyncResult)
}

// Authenticator drives the Google login. *auth.OAuth satisfies it.
type Authenticator interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Identify(ctx context.Context, accessToken string) (auth.Identity, error)
}

// Accounts is the part of store.Accounts the HTTP layer touches.
type Accounts interface {
	Get(ctx context.Context, id string) (model.Account, error)
	SaveLogin(ctx context.Context, id string, profile model.Profile, tokens store.Tokens) error
	SetAutoSync(ctx context.Context, id string, enabled bool) error
}

// Server serves the sync form, the Google login flow and the sync APIs.
type Server struct {
	cfg      *config.Config
	router   chi.Router
	oauth    Authenticator
	accounts Accounts
	engine   Syncer
	sessions sessionCodec
	index    *template.Template
}

//go:embed templates
var embeddedTemplates embed.FS

// NewServer wires routes and middleware. cfg must already be normalized.
func NewServer(cfg *config.Config, oauth Authenticator, accounts Accounts, engine Syncer) (*Server, error) {
	index, err := template.ParseFS(embeddedTemplates, "templates/index.html")
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		oauth:    oauth,
		accounts: accounts,
		engine:   engine,
		sessions: newSessionCodec(cfg.Session.Secret, cfg.Session.MaxAge, strings.HasPrefix(cfg.PublicURL, "https://")),
		index:    index,
	}
	s.registerRoutes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on cfg.Listen until ctx is done, then drains
// in-flight requests for up to shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen, "public_url", s.cfg.PublicURL)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if !s.cfg.CSRF.Disabled {
		r.Use(s.csrfMiddleware())
	}

	r.Get("/health", s.handleHealth)
	if !s.cfg.Metrics.Disabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	r.Get("/", s.handleIndex)

	r.Route("/auth", func(r chi.Router) {
		r.Get("/google", s.handleLogin)
		r.Get("/google/callback", s.handleCallback)
		r.Get("/user", s.handleUser)
		r.Post("/logout", s.handleLogout)
	})

	r.Post("/apply", s.handleApply)
	r.Post("/api/preview.ics", s.handlePreview)
	r.Post("/api/autosync", s.handleAutoSync)

	s.router = r
}

// csrfMiddleware protects form posts. JSON requests are exempt since
// browsers cannot send them cross-site without CORS.
func (s *Server) csrfMiddleware() func(http.Handler) http.Handler {
	key := sha256.Sum256([]byte("csrf:" + s.cfg.Session.Secret))
	protect := csrf.Protect(
		key[:],
		csrf.Secure(s.cfg.CSRF.Secure),
		csrf.Path("/"),
		csrf.FieldName("csrf_token"),
		csrf.ErrorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			appLog.Warn("csrf check failed", "path", r.URL.Path, "reason", errString(csrf.FailureReason(r)))
			writeError(w, http.StatusForbidden, "invalid or missing csrf token")
		})),
	)

	return func(next http.Handler) http.Handler {
		protected := protect(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isJSON(r) {
				next.ServeHTTP(w, r)
				return
			}
			if !s.cfg.CSRF.Secure {
				r = csrf.PlaintextHTTPRequest(r)
			}
			protected.ServeHTTP(w, r)
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func isJSON(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
