package pipeline

// FailureKind classifies why an invocation did not complete.
type FailureKind string

const (
	FailureDuplicate         FailureKind = "duplicate"
	FailureAlreadyProcessing FailureKind = "already_processing"
	FailureFailedPreviously  FailureKind = "failed_previously"
	FailureTaskNotPending    FailureKind = "task_not_pending"
	FailurePreparation       FailureKind = "preparation_error"
	FailureResponder         FailureKind = "responder_error"
	FailureDelivery          FailureKind = "delivery_error"
	FailureResolution        FailureKind = "resolution_error"
	FailureStoreUnavailable  FailureKind = "store_unavailable"
)

// Failure carries the classified error of an unsuccessful invocation.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Result is the outcome of one ProcessIncoming invocation. A nil Failure
// means the reply was generated and delivered.
type Result struct {
	TaskID       string   `json:"task_id,omitempty"`
	WorkspaceRef string   `json:"workspace_ref,omitempty"`
	ReplySent    bool     `json:"reply_sent"`
	Attempts     int      `json:"attempts"`
	Failure      *Failure `json:"failure,omitempty"`
}

func (r Result) Success() bool {
	return r.Failure == nil
}

func failure(kind FailureKind, message string) *Failure {
	return &Failure{Kind: kind, Message: message}
}
