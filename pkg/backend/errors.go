package backend

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrCodeModelNotFound is the backend error code for a model id that does
// not exist. It is a configuration problem, never fallen back from: the
// message is surfaced verbatim so the user can pick a different model.
const ErrCodeModelNotFound = "model_not_found"

// ErrNoCredential is returned by a sign-in provider when the environment
// has no usable identity credential.
var ErrNoCredential = errors.New("no credential available")

// ErrAuthFailure marks an unrecoverable authentication failure: no token
// could be obtained even after the one-shot refresh.
var ErrAuthFailure = errors.New("unable to obtain authentication token")

// HTTPError is a non-2xx reply from the remote negotiation service, with
// the parsed detail message and optional machine-readable code.
type HTTPError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports whether err is a 401-class backend rejection.
func IsUnauthorized(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnauthorized
}

// IsModelNotFound reports whether err carries the model_not_found code.
func IsModelNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.Code == ErrCodeModelNotFound
}
