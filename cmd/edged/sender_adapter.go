package main

import (
	"context"

	"github.com/archety/edged/internal/sendqueue"
	"github.com/archety/edged/internal/transport"
)

// queueSender adapts *transport.Transport to sendqueue.Sender, routing a Job
// to Send or SendMulti depending on whether it carries a single bubble or a
// pre-split batch.
type queueSender struct {
	t *transport.Transport
}

func (q queueSender) Send(ctx context.Context, job sendqueue.Job) error {
	if len(job.Bubbles) > 0 {
		return q.t.SendMulti(ctx, job.ThreadID, job.Bubbles, job.IsGroup, job.Batched)
	}
	return q.t.Send(ctx, job.ThreadID, job.Text, job.IsGroup)
}
