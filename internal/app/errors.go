package app

import (
	"database/sql"
	"errors"
	"net/http"

	"deckwork/api/internal/auth"
	"deckwork/api/internal/export"
	"deckwork/api/internal/sharelink"
)

// DomainError carries an HTTP status and a stable machine-readable code
// alongside the human message. Handlers never build status codes
// themselves; everything funnels through mapError.
type DomainError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *DomainError) Error() string {
	return e.Message
}

func notFound(what string) *DomainError {
	return &DomainError{Status: http.StatusNotFound, Code: "not-found", Message: what + " not found"}
}

func forbidden(message string) *DomainError {
	return &DomainError{Status: http.StatusForbidden, Code: "forbidden", Message: message}
}

func unauthorized(message string) *DomainError {
	return &DomainError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: message}
}

func invalidRequest(message string) *DomainError {
	return &DomainError{Status: http.StatusBadRequest, Code: "invalid-request", Message: message}
}

func conflict(message string) *DomainError {
	return &DomainError{Status: http.StatusConflict, Code: "conflict", Message: message}
}

func unavailable(message string) *DomainError {
	return &DomainError{Status: http.StatusServiceUnavailable, Code: "unavailable", Message: message}
}

// mapError normalises errors from the storage and subsystem layers into a
// DomainError. Anything unrecognised becomes an opaque 500; internal
// details never leak to clients.
func mapError(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return notFound("resource")
	case errors.Is(err, auth.ErrInvalidToken):
		return unauthorized("invalid token")
	case errors.Is(err, auth.ErrExpiredToken):
		return unauthorized("expired token")
	case errors.Is(err, export.ErrJobNotFound):
		return notFound("export job")
	case errors.Is(err, export.ErrNoRenderableSlides):
		return invalidRequest("deck has no slides to export")
	case errors.Is(err, export.ErrInvalidSlideIndex):
		return invalidRequest("slide index out of range")
	case errors.Is(err, export.ErrResultNotReady):
		return &DomainError{Status: http.StatusBadRequest, Code: "not-ready", Message: "export result not ready"}
	case errors.Is(err, export.ErrRenderDependencyMissing):
		return unavailable("render backend unavailable")
	case errors.Is(err, sharelink.ErrNotFound):
		return notFound("share link")
	case errors.Is(err, sharelink.ErrWrongPassword):
		return forbidden("share link password mismatch")
	}

	return &DomainError{Status: http.StatusInternalServerError, Code: "internal", Message: "internal error"}
}
