package target

import (
	"context"
	"fmt"

	"github.com/tinyrange/nvmemap/internal/nvme"
	"golang.org/x/sync/errgroup"
)

// Queue is one submission queue and its completion path.
type Queue struct {
	ID       uint16
	Commands <-chan nvme.Command

	// Admin marks the admin queue, whose opcodes are the admin command set.
	Admin bool

	// Execute runs the data phase of a mapped request. When nil every
	// mapped request completes successfully.
	Execute func(ctx context.Context, req *Request) Status

	// Complete posts a completion. An error stops the queue.
	Complete func(Completion) error
}

// Process drains every queue until its channel is closed. Queues run
// concurrently and commands within a queue run in order. The first
// completion error or ctx cancellation stops all queues.
func (t *Target) Process(ctx context.Context, queues ...*Queue) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, q := range queues {
		g.Go(func() error {
			return t.drain(ctx, q)
		})
	}
	return g.Wait()
}

func (t *Target) drain(ctx context.Context, q *Queue) error {
	var head uint16
	for {
		var cmd nvme.Command
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd, ok = <-q.Commands:
			if !ok {
				return nil
			}
		}
		head++

		req := t.prepare(&cmd, q.Admin)
		status := req.Status
		if status.OK() && q.Execute != nil {
			status = q.Execute(ctx, req)
		}
		req.Release()

		if q.Complete == nil {
			continue
		}
		if err := q.Complete(Completion{
			SQHead: head,
			SQID:   q.ID,
			CID:    cmd.CID,
			Status: status,
		}); err != nil {
			return fmt.Errorf("target: complete cid %d on queue %d: %w", cmd.CID, q.ID, err)
		}
	}
}
