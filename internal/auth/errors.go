package auth

import "errors"

var (
	// ErrAuthFailure means no usable access credential could be produced;
	// the user has to log in with Google again.
	ErrAuthFailure = errors.New("unable to obtain a valid google access token")

	// ErrNoRefreshToken is wrapped into ErrAuthFailure when the account has
	// never been granted offline access.
	ErrNoRefreshToken = errors.New("no refresh token on record")

	// ErrTokenInvalid is returned by Introspect for expired, revoked or
	// foreign tokens.
	ErrTokenInvalid = errors.New("access token is not valid")
)
