package core

import "errors"

// Dispatch failure taxonomy. Every gate result that is not a send carries
// the code of one of these in DispatchResult.ErrorCode.
var (
	ErrInvalidInput              = errors.New("invalid_input")
	ErrFeatureDisabled           = errors.New("feature_disabled")
	ErrProviderNotConfigured     = errors.New("provider_not_configured")
	ErrProviderUnavailable       = errors.New("provider_unavailable")
	ErrNoActiveSession           = errors.New("no_active_session")
	ErrProviderRequestFailed     = errors.New("provider_request_failed")
	ErrMalformedProviderResponse = errors.New("malformed_provider_response")
	ErrProviderReportedFailure   = errors.New("provider_reported_failure")
	ErrSessionStoreError         = errors.New("session_store_error")
)

var taxonomy = []error{
	ErrInvalidInput,
	ErrFeatureDisabled,
	ErrProviderNotConfigured,
	ErrProviderUnavailable,
	ErrNoActiveSession,
	ErrProviderRequestFailed,
	ErrMalformedProviderResponse,
	ErrProviderReportedFailure,
	ErrSessionStoreError,
}

// ErrorCode maps err onto its taxonomy code, or "internal" when it is not
// part of the taxonomy.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, known := range taxonomy {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "internal"
}
