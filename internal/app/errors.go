package app

import (
	"errors"
	"fmt"
	"net/http"

	"codepad/api/internal/auth"
	"codepad/api/internal/export"
	"codepad/api/internal/gate"
	"codepad/api/internal/gitrepo"
	"codepad/api/internal/tree"
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var inputErr *gate.InputError
	if errors.As(err, &inputErr) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", inputErr.Error(), map[string]any{"field": inputErr.Field}
	}
	var throttled *gate.ThrottledError
	if errors.As(err, &throttled) {
		return http.StatusTooManyRequests, "TOO_MANY_ATTEMPTS", throttled.Error(), map[string]any{"retryAfterSeconds": retryAfterSeconds(throttled)}
	}
	switch {
	case errors.Is(err, gate.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid workspace password", nil
	case errors.Is(err, gate.ErrUnauthorized), errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, export.ErrUploadDisabled):
		return http.StatusServiceUnavailable, "UPLOAD_DISABLED", "Archive upload is not configured", nil
	case errors.Is(err, export.ErrUnsafePath), errors.Is(err, gitrepo.ErrUnsafePath):
		return http.StatusUnprocessableEntity, "UNSAFE_PATH", err.Error(), nil
	case errors.Is(err, gitrepo.ErrNoChanges):
		return http.StatusConflict, "NO_CHANGES", "Nothing changed since the last snapshot", nil
	case errors.Is(err, gitrepo.ErrNoRepository):
		return http.StatusNotFound, "NOT_FOUND", "No snapshots for this workspace", nil
	}

	var treeErr *tree.Error
	if !errors.As(err, &treeErr) {
		return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
	}
	switch treeErr.Kind {
	case tree.KindNotFound:
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case tree.KindConflict:
		if treeErr.Reason == tree.ReasonDuplicateName {
			return http.StatusConflict, "DUPLICATE_NAME", "A sibling with that name already exists", nil
		}
		return http.StatusConflict, "VERSION_CONFLICT", "The item changed since it was read", map[string]any{"id": treeErr.ID}
	case tree.KindCycle:
		return http.StatusUnprocessableEntity, "CYCLE", "A folder cannot be moved into its own subtree", nil
	case tree.KindInvalidName:
		return http.StatusUnprocessableEntity, "INVALID_NAME", "Invalid name", map[string]any{"reason": treeErr.Reason}
	case tree.KindCrossScope:
		return http.StatusForbidden, "CROSS_WORKSPACE", "Target belongs to another workspace", nil
	case tree.KindIntegrity:
		return http.StatusInternalServerError, "INTEGRITY_ERROR", "Workspace tree is inconsistent", nil
	default:
		return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
	}
}

func retryAfterSeconds(err *gate.ThrottledError) int {
	seconds := int(err.RetryAfter.Seconds() + 0.999)
	if seconds < 1 {
		return 1
	}
	return seconds
}
