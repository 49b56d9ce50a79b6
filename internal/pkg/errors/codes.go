package errors

// Error code constants. Errors carry code + params; the console translates
// codes for display, backend logs stay in English.

// Impact analysis error codes.
const (
	CodeAnalysisFailed  = "ANALYSIS_FAILED"
	CodeEntityNotFound  = "ENTITY_NOT_FOUND"
	CodeDeletionBlocked = "DELETION_BLOCKED"
)

// Security policy error codes.
const (
	CodePermissionDenied  = "PERMISSION_DENIED"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeAnomalyBlocked    = "ANOMALY_BLOCKED"
	CodeTokenInvalid      = "TOKEN_INVALID"
	CodeTokenExpired      = "TOKEN_EXPIRED"
	CodeTokenConsumed     = "TOKEN_ALREADY_USED"
	CodeTooManyOperations = "TOO_MANY_OPERATIONS"
)

// Execution error codes.
const (
	CodeExecutionFailed     = "EXECUTION_FAILED"
	CodeOperationNotFound   = "OPERATION_NOT_FOUND"
	CodeCancelRefused       = "CANCEL_REFUSED"
	CodeImpactDrift         = "IMPACT_DRIFT"
	CodeInvalidTransition   = "INVALID_STATE_TRANSITION"
)

// Audit error codes.
const (
	CodeAuditAppendFailed   = "AUDIT_APPEND_FAILED"
	CodeAuditEntryNotFound  = "AUDIT_ENTRY_NOT_FOUND"
	CodeRollbackNotAllowed  = "ROLLBACK_NOT_ALLOWED"
	CodeRollbackFailed      = "ROLLBACK_FAILED"
)

// Progress channel error codes.
const (
	CodeChannelDisconnected = "CHANNEL_DISCONNECTED"
)

// Auth error codes.
const (
	CodeAuthFailed   = "AUTH_FAILED"
	CodeSessionStale = "SESSION_EXPIRED"
)

// Validation error codes.
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeInvalidRequestField = "INVALID_REQUEST_FIELD"
)
