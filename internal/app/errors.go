package app

import (
	"errors"
	"fmt"
	"net/http"

	"requestdesk/api/internal/idtoken"
	"requestdesk/api/internal/ratelimit"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ReasonCode returns the internal authorization sub-code carried in the
// details, falling back to the public code. It is audited, never returned
// to the client.
func (e *DomainError) ReasonCode() string {
	if e == nil {
		return ""
	}
	if reason, ok := e.Details["reasonCode"].(string); ok && reason != "" {
		return reason
	}
	return e.Code
}

func domainError(status int, code, message string) *DomainError {
	return &DomainError{Status: status, Code: code, Message: message}
}

func badRequest(code, message string) *DomainError {
	return domainError(http.StatusBadRequest, code, message)
}

func notFoundError() *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", "ไม่พบคำขอ")
}

// adminAuthError is the uniform authorization failure: every denial surfaces
// as 403 NOT_AUTHORIZED while the actual reason travels in the details.
func adminAuthError(reasonCode string, details map[string]any) *DomainError {
	if details == nil {
		details = map[string]any{}
	}
	if reasonCode == "" {
		reasonCode = "NOT_AUTHORIZED"
	}
	details["reasonCode"] = reasonCode
	return &DomainError{
		Status:  http.StatusForbidden,
		Code:    "NOT_AUTHORIZED",
		Message: "ไม่ได้รับอนุญาต",
		Details: details,
	}
}

func rateLimitError(result ratelimit.Result) *DomainError {
	return &DomainError{
		Status:  http.StatusTooManyRequests,
		Code:    "RATE_LIMIT",
		Message: "ส่งข้อมูลถี่เกินไป กรุณาลองใหม่อีกครั้ง",
		Details: map[string]any{
			"retryAfterSec":  result.RetryAfterSec,
			"rateLimitCount": result.Count,
		},
	}
}

// asDomainError lifts any error into a DomainError. Verifier errors keep
// their code and status; unknown errors become a generic 500.
func asDomainError(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	var verifyErr *idtoken.Error
	if errors.As(err, &verifyErr) {
		if verifyErr.Status == http.StatusForbidden {
			return adminAuthError(verifyErr.Code, nil)
		}
		return domainError(verifyErr.Status, verifyErr.Code, verifyErr.Message)
	}
	return domainError(http.StatusInternalServerError, "INTERNAL_ERROR", "Unexpected server-side error.")
}

// normalizeAdminError collapses admin-path failures so callers cannot probe
// the allow list or verifier: only NOT_FOUND, RATE_LIMIT and the policy
// configuration error pass through, everything else is flattened to
// NOT_AUTHORIZED with the original code preserved for the audit trail.
func normalizeAdminError(err error) *DomainError {
	incoming := asDomainError(err)
	switch incoming.Code {
	case "NOT_FOUND":
		return notFoundError()
	case "RATE_LIMIT", "GOOGLE_POLICY_NOT_CONFIGURED":
		return incoming
	case "NOT_AUTHORIZED":
		return incoming
	}
	return adminAuthError(incoming.Code, map[string]any{
		"originalStatus": incoming.Status,
		"originalCode":   incoming.Code,
	})
}

func mapError(err error) (status int, code, message string) {
	domainErr := asDomainError(err)
	return domainErr.Status, domainErr.Code, domainErr.Message
}
