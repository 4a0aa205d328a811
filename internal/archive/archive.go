// Package archive records inbound and outbound message headers in the mail
// log. Archival is best-effort: a failed write is logged and dropped so it
// never blocks or fails the pipeline.
package archive

import (
	"context"
	"log/slog"

	"github.com/basket/mailpilot/internal/pipeline"
	"github.com/basket/mailpilot/internal/taskstore"
)

type Recorder struct {
	store *taskstore.Store
	log   *slog.Logger
}

func New(store *taskstore.Store, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{store: store, log: log}
}

func (r *Recorder) RecordInbound(ctx context.Context, meta pipeline.MailMetadata) {
	r.record(ctx, taskstore.MailInbound, meta)
}

func (r *Recorder) RecordOutbound(ctx context.Context, meta pipeline.MailMetadata) {
	r.record(ctx, taskstore.MailOutbound, meta)
}

func (r *Recorder) record(ctx context.Context, direction taskstore.MailDirection, meta pipeline.MailMetadata) {
	err := r.store.LogMail(ctx, taskstore.MailLogEntry{
		Direction:   direction,
		MessageID:   meta.MessageID,
		TaskID:      meta.TaskID,
		FromAddress: meta.FromAddress,
		ToAddresses: meta.ToAddresses,
		Subject:     meta.Subject,
	})
	if err != nil {
		r.log.Warn("mail archive write failed",
			"direction", direction, "task_id", meta.TaskID, "error", err)
	}
}
