package middleware

import "errors"

var (
	// errMissingAuth is returned when the Authorization header is absent
	errMissingAuth = errors.New("authorization header required")

	// errBadAuthFormat is returned when the header is not a bearer scheme
	errBadAuthFormat = errors.New("invalid authorization header format")
)
