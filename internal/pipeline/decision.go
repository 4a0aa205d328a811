package pipeline

// Action is what the attempt loop does next after an attempt resolves.
type Action int

const (
	ActionRetryAfterDelay Action = iota
	ActionTerminateSuccess
	ActionTerminateFailure
)

func (a Action) String() string {
	switch a {
	case ActionRetryAfterDelay:
		return "retry_after_delay"
	case ActionTerminateSuccess:
		return "terminate_success"
	case ActionTerminateFailure:
		return "terminate_failure"
	default:
		return "unknown"
	}
}

// NextAttemptAction decides the loop's next move from the attempt counter,
// the retry budget, and whether the attempt failed. Pure: the I/O shell
// around it owns all sleeping and store calls.
func NextAttemptAction(attempt, maxRetries int, failed bool) Action {
	if !failed {
		return ActionTerminateSuccess
	}
	if attempt < maxRetries {
		return ActionRetryAfterDelay
	}
	return ActionTerminateFailure
}
