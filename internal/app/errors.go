package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"ims/api/internal/auth"
	"ims/api/internal/authpw"
	"ims/api/internal/catalog"
	"ims/api/internal/export"
	"ims/api/internal/forms"
	"ims/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func lookupSection(key string) (catalog.Section, error) {
	section, ok := catalog.Lookup(key)
	if !ok {
		return catalog.Section{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown section", map[string]any{"section": key})
	}
	return section, nil
}

// mapError turns service and store errors into an HTTP status and the
// code/message pair written to the client. Unknown errors become 500.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var formErr *forms.ValidationError
	if errors.As(err, &formErr) {
		var fieldDetails any
		if formErr.Field != "" {
			fieldDetails = map[string]any{"field": formErr.Field}
		}
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", formErr.Error(), fieldDetails
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "Upload exceeds the size limit", map[string]any{"limit": tooLarge.Limit}
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	case errors.Is(err, authpw.ErrEmailTaken):
		return http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil
	case errors.Is(err, authpw.ErrInvalidToken):
		return http.StatusBadRequest, "INVALID_TOKEN", "Token is invalid or has expired", nil
	case errors.Is(err, authpw.ErrInvalidInput):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, store.ErrCategoryMismatch):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Category does not belong to the section", nil
	case errors.Is(err, store.ErrCategoryNotEmpty):
		return http.StatusConflict, "CATEGORY_NOT_EMPTY", "Category still has entries", nil
	case errors.Is(err, store.ErrAttachmentInUse):
		return http.StatusConflict, "DOCUMENT_IN_USE", "Document is attached to a version", nil
	case errors.Is(err, store.ErrLastAdmin):
		return http.StatusConflict, "LAST_ADMIN", "The organisation must keep at least one admin", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be html, pdf or docx", nil
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export converter is not available", nil
	case store.IsUniqueViolation(err):
		return http.StatusConflict, "CONFLICT", "Resource already exists", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
