package app

import (
	"fmt"
	"net/http"

	"taskboard/api/internal/rbac"
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

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", message, details)
}

func notFound(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func forbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", message, nil)
}

func conflict(message string) *DomainError {
	return domainError(http.StatusConflict, "CONFLICT", message, nil)
}

// decisionError turns a resolver decision into the error a handler returns.
// Invisible resources read as missing so their existence is not confirmed.
func decisionError(d rbac.Decision, resource string, action rbac.Action) error {
	switch d {
	case rbac.Allow:
		return nil
	case rbac.Deny:
		return forbidden(fmt.Sprintf("Permission denied - %s requires %s", resource, action))
	default:
		return notFound(resource + " not found")
	}
}

// fieldError is one entry of a validation failure's details array.
type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func invalidField(field, message string) *DomainError {
	return validationError("Validation failed", []fieldError{{Field: field, Message: message}})
}
