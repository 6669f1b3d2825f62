package tracing

// Span attribute keys for turnkeeper tracing.
// These constants define the semantic conventions for span attributes
// across the supervisor control loop.
const (
	// Session attributes
	AttrSessionID      = "session.id"
	AttrSessionState   = "session.state"
	AttrTranscriptPath = "session.transcript_path"

	// Hook attributes
	AttrHookEvent = "hook.event"

	// Supervisor attributes
	AttrIterationCurrent   = "supervisor.iteration.current"
	AttrIterationMax       = "supervisor.iteration.max"
	AttrConsecutiveFails   = "supervisor.consecutive_failures"
	AttrDecisionAction     = "supervisor.decision.action"
	AttrDecisionConfidence = "supervisor.decision.confidence"

	// Error attributes
	AttrErrorMessage = "error.message"
	AttrErrorType    = "error.type"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixHook       = "hook."
	SpanPrefixSupervisor = "supervisor.turn."
	SpanPrefixController = "controller."
)

// Event names for span events.
const (
	EventDecisionReceived = "decision.received"
	EventCooldownWaited   = "cooldown.waited"
	EventBudgetExhausted  = "iteration.budget_exhausted"
	EventConsecutiveAbort = "supervisor.consecutive_abort"
	EventErrorOccurred    = "error.occurred"
)
