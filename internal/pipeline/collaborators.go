package pipeline

import "context"

// Workspace is the prepared working context for one task: the metadata the
// preparer extracted plus an opaque handle to where the files live.
type Workspace struct {
	Ref         string
	FromAddress string
	ToAddresses []string
	Subject     string
	MessageID   string
	ReplyTo     []string
	References  string
}

// Reply is the responder's output: a handle to the generated reply body and,
// when present, its attachments.
type Reply struct {
	Ref            string
	AttachmentsRef string
}

// OutboundMessage is everything the sender needs to deliver a reply.
type OutboundMessage struct {
	FromAddress    string
	ToAddresses    []string
	Subject        string
	ReplyRef       string
	AttachmentsRef string
	InReplyTo      string
	References     string
}

// MailMetadata is the header snapshot handed to the archival recorder.
type MailMetadata struct {
	MessageID   string
	TaskID      string
	FromAddress string
	ToAddresses []string
	Subject     string
}

// Preparer extracts a workspace from raw message bytes. A preparation error
// must leave no trace in the store, so resubmitting the same bytes starts clean.
type Preparer interface {
	Prepare(ctx context.Context, raw []byte) (*Workspace, error)
}

// Responder generates a reply for a prepared workspace.
type Responder interface {
	Respond(ctx context.Context, workspaceRef, model string) (*Reply, error)
}

// Sender delivers the reply and returns the provider's message identifier.
type Sender interface {
	Deliver(ctx context.Context, msg OutboundMessage) (deliveredID string, err error)
}

// Recorder archives message metadata. Best-effort: implementations log their
// own failures and never propagate them into the pipeline.
type Recorder interface {
	RecordInbound(ctx context.Context, meta MailMetadata)
	RecordOutbound(ctx context.Context, meta MailMetadata)
}
