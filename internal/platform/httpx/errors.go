package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors for the transport layer.
var (
	ErrNotFound    = errors.New("resource not found")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation failed")
	ErrLocked      = errors.New("resource locked")
	ErrUnavailable = errors.New("temporarily unavailable")
)

// StatusMapper translates a domain error into a status and title. It
// reports false when it does not recognise the error.
type StatusMapper func(err error) (status int, title string, ok bool)

// RespondError maps errors to HTTP responses using RFC7807. Mappers are
// consulted first, then the package sentinels. Unknown errors become a 500
// without detail.
func RespondError(w http.ResponseWriter, err error, mappers ...StatusMapper) {
	for _, m := range mappers {
		if status, title, ok := m(err); ok {
			Problem(w, status, title, err.Error())
			return
		}
	}
	switch {
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrLocked):
		Problem(w, http.StatusLocked, "Locked", err.Error())
	case errors.Is(err, ErrUnavailable):
		Problem(w, http.StatusServiceUnavailable, "Unavailable", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
