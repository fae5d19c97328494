package payflow

import (
	stderrors "errors"
	"strings"

	"github.com/goliatone/go-errors"
)

// Stable error codes used for flow branching. The machine and the fallback
// orchestrator dispatch on these codes, never on free-form error text.
const (
	CodeInvalidRequest            = "invalid_request"
	CodeMissingProvider           = "missing_provider"
	CodeProviderUnavailable       = "provider_unavailable"
	CodeProviderError             = "provider_error"
	CodeNetworkError              = "network_error"
	CodeTimeout                   = "timeout"
	CodeProcessingTimeout         = "processing_timeout"
	CodeCardDeclined              = "card_declined"
	CodeInsufficientFunds         = "insufficient_funds"
	CodeExpiredCard               = "expired_card"
	CodeRequiresAction            = "requires_action"
	CodeUnsupportedClientConfirm  = "unsupported_client_confirm"
	CodeUnsupportedFinalize       = "unsupported_finalize"
	CodeReturnCorrelationMismatch = "return_correlation_mismatch"
	CodeFallbackHandled           = "fallback_handled"
	CodeUnknownError              = "unknown_error"
)

var codeCategories = map[string]errors.Category{
	CodeInvalidRequest:            errors.CategoryBadInput,
	CodeMissingProvider:           errors.CategoryBadInput,
	CodeProviderUnavailable:       errors.CategoryExternal,
	CodeProviderError:             errors.CategoryExternal,
	CodeNetworkError:              errors.CategoryExternal,
	CodeTimeout:                   errors.CategoryExternal,
	CodeProcessingTimeout:         errors.CategoryExternal,
	CodeCardDeclined:              errors.CategoryExternal,
	CodeInsufficientFunds:         errors.CategoryExternal,
	CodeExpiredCard:               errors.CategoryExternal,
	CodeRequiresAction:            errors.CategoryConflict,
	CodeUnsupportedClientConfirm:  errors.CategoryBadInput,
	CodeUnsupportedFinalize:       errors.CategoryBadInput,
	CodeReturnCorrelationMismatch: errors.CategoryConflict,
	CodeFallbackHandled:           errors.CategoryHandler,
	CodeUnknownError:              errors.CategoryExternal,
}

// NewError builds a normalized error carrying one of the stable codes.
func NewError(code, message string) *errors.Error {
	category, ok := codeCategories[code]
	if !ok {
		code = CodeUnknownError
		category = errors.CategoryExternal
	}
	if strings.TrimSpace(message) == "" {
		message = strings.ReplaceAll(code, "_", " ")
	}
	return errors.New(message, category).WithTextCode(code)
}

// WrapError normalizes an arbitrary error into the taxonomy under code.
func WrapError(source error, code, message string) *errors.Error {
	category, ok := codeCategories[code]
	if !ok {
		code = CodeUnknownError
		category = errors.CategoryExternal
	}
	return errors.Wrap(source, category, message).WithTextCode(code)
}

// CodeOf extracts the stable code, or unknown_error for foreign errors.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var ge *errors.Error
	if stderrors.As(err, &ge) {
		if code := strings.TrimSpace(ge.TextCode); code != "" {
			if _, ok := codeCategories[code]; ok {
				return code
			}
		}
	}
	return CodeUnknownError
}

// Normalize guarantees the error carries a taxonomy code, wrapping foreign
// errors as unknown_error. Provider boundaries call this before any error
// reaches the machine.
func Normalize(err error) *errors.Error {
	if err == nil {
		return nil
	}
	var ge *errors.Error
	if stderrors.As(err, &ge) {
		if _, ok := codeCategories[strings.TrimSpace(ge.TextCode)]; ok {
			return ge
		}
	}
	return WrapError(err, CodeUnknownError, "unclassified provider failure")
}

// IsRetryable reports whether a local bounded retry may fix the failure.
func IsRetryable(code string) bool {
	switch code {
	case CodeNetworkError, CodeTimeout, CodeProviderError:
		return true
	}
	return false
}
