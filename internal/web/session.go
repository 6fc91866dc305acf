package web

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	sessionCookie = "gmoodle_session"
	stateCookie   = "gmoodle_oauth_state"
	sessionIssuer = "gmoodle"
)

var errNoSession = errors.New("not logged in")

// sessionCodec stores the logged-in account id in an HS256 signed cookie.
// Google tokens stay in the account store.
type sessionCodec struct {
	key    []byte
	maxAge time.Duration
	secure bool
	now    func() time.Time
}

func newSessionCodec(secret string, maxAge time.Duration, secure bool) sessionCodec {
	if maxAge <= 0 {
		maxAge = 48 * time.Hour
	}
	return sessionCodec{key: []byte(secret), maxAge: maxAge, secure: secure, now: time.Now}
}

func (c sessionCodec) issue(w http.ResponseWriter, accountID string) error {
	now := c.now()
	claims := &jwt.RegisteredClaims{
		Issuer:    sessionIssuer,
		Subject:   accountID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.maxAge)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return fmt.Errorf("error signing session: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    signed,
		Path:     "/",
		MaxAge:   int(c.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// accountID returns the session's account or errNoSession.
func (c sessionCodec) accountID(r *http.Request) (string, error) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil || cookie.Value == "" {
		return "", errNoSession
	}

	tok, err := jwt.ParseWithClaims(cookie.Value, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return c.key, nil
	},
		jwt.WithIssuer(sessionIssuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errNoSession, err)
	}

	sub, err := tok.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errNoSession
	}
	return sub, nil
}

func (c sessionCodec) clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
