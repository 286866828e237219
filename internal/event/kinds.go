package event

// Stable error kinds surfaced on Error events and API responses.
// Grouped by the recovery policy that applies to them.
const (
	// Transport: retriable, recovered locally by reconnect/backoff.
	ErrLinkLost           = "LinkLost"
	ErrNetworkUnavailable = "NetworkUnavailable"
	ErrServerRejected     = "ServerRejected"

	// Credential: non-retriable, blocks connect.
	ErrCredentialsMissing = "CredentialsMissing"
	ErrCredentialsInvalid = "CredentialsInvalid"

	// Routing: non-retriable, returned synchronously.
	ErrUnknownChannel  = "UnknownChannel"
	ErrUnknownSession  = "UnknownSession"
	ErrUnknownPrompt   = "UnknownPrompt"
	ErrAlreadyResolved = "AlreadyResolved"

	// Policy: non-retriable for that request.
	ErrPolicyRejected   = "PolicyRejected"
	ErrThrottled        = "Throttled"
	ErrSwitchInProgress = "SwitchInProgress"

	// Timeout.
	ErrTurnTimeout         = "TurnTimeout"
	ErrReconnectExhausted  = "ReconnectExhausted"
	ErrGracefulStopTimeout = "GracefulStopTimeout"

	// Fatal: auto-recovery disabled.
	ErrAgentStartFailed = "AgentStartFailed"
	ErrCrashLoop        = "CrashLoop"
)
