package errors

// ErrorCode represents a unique error code for identifying different error types.
type ErrorCode int

const (
	// General errors (1-99)
	ErrCodeUnknown ErrorCode = 1

	// Validation errors (100-199)
	ErrCodeMissingField          ErrorCode = 100
	ErrCodeInvalidAction         ErrorCode = 101
	ErrCodeInvalidAmount         ErrorCode = 102
	ErrCodeConfidenceOutOfRange  ErrorCode = 103
	ErrCodeInvalidTicker         ErrorCode = 104
	ErrCodeMalformedPayload      ErrorCode = 105
	ErrCodeInvalidTimeframe      ErrorCode = 106
	ErrCodeInvalidExpectedProfit ErrorCode = 107
	ErrCodeInvalidConfiguration  ErrorCode = 110

	// Data errors (200-299)
	ErrCodeDataNotFound        ErrorCode = 200
	ErrCodeProviderUnavailable ErrorCode = 201
	ErrCodeProviderTimeout     ErrorCode = 202
	ErrCodeQueryFailed         ErrorCode = 203

	// Ledger errors (300-399)
	ErrCodeInsufficientCash ErrorCode = 300
	ErrCodePositionExists   ErrorCode = 301
	ErrCodeNoOpenPosition   ErrorCode = 302
	ErrCodeInvalidQuantity  ErrorCode = 303
	ErrCodeUnsupportedSide  ErrorCode = 304

	// Oracle errors (400-499)
	ErrCodeOracleUnavailable ErrorCode = 400
	ErrCodeOracleTimeout     ErrorCode = 401
	ErrCodeEmptyResponse     ErrorCode = 402
	ErrCodePersonaNotFound   ErrorCode = 403

	// Engine errors (500-599)
	ErrCodeEngineNotInitialized ErrorCode = 500
	ErrCodeEngineFailed         ErrorCode = 501
	ErrCodeNoDecisions          ErrorCode = 502
	ErrCodeNoResultsDir         ErrorCode = 503
	ErrCodeInvalidDateRange     ErrorCode = 504
)

// IsValidationCode reports whether code belongs to the validation range.
// Validation failures are recoverable: the offending decision is dropped
// and the simulation continues.
func IsValidationCode(code ErrorCode) bool {
	return code >= 100 && code < 200
}

// IsDataCode reports whether code belongs to the data range. Data failures
// abort the run.
func IsDataCode(code ErrorCode) bool {
	return code >= 200 && code < 300
}

// IsLedgerCode reports whether code belongs to the ledger range. A ledger
// failure rejects a single decision; the simulation continues.
func IsLedgerCode(code ErrorCode) bool {
	return code >= 300 && code < 400
}
