package store

import "errors"

var (
	// ErrAccountNotFound is returned when no account row matches the id.
	ErrAccountNotFound = errors.New("no account was found")

	// ErrUnsupportedDriver is returned by Open for unknown storage drivers.
	ErrUnsupportedDriver = errors.New("unsupported storage driver")

	// ErrBuildingSQLQuery is returned when squirrel cannot render a query.
	ErrBuildingSQLQuery = errors.New("error building sql query")

	// ErrScanningRow is returned when a result row does not fit an account.
	ErrScanningRow = errors.New("failed to scan account row")
)
