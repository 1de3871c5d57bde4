package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"txkernel/internal/eventbus"
	"txkernel/internal/kernel/identity"
	"txkernel/internal/kernel/txn"
	"txkernel/internal/task"
	"txkernel/internal/task/schedule"
	logx "txkernel/pkg/logx"
)

// consume pulls ready tasks until the queue shuts down or ctx is cancelled.
func (s *Service) consume(ctx context.Context, idx int) error {
	s.consumers.Add(1)
	s.prof.ThreadAdded()
	defer func() {
		s.consumers.Add(-1)
		s.prof.ThreadRemoved()
	}()
	log := s.log.With(logx.Int("consumer", idx))
	log.Debug("consumer started")

	for {
		st, err := s.queue.Next(ctx, true)
		if err != nil {
			if errors.Is(err, schedule.ErrShutdown) || ctx.Err() != nil {
				log.Debug("consumer leaving")
				return nil
			}
			return err
		}
		if st == nil {
			continue
		}
		if err := s.executeTask(ctx, st, false, false); err != nil {
			// Only interruption reaches here; the consumer is going away.
			log.Debug("consumer interrupted", logx.Err(err))
			return nil
		}
		s.afterTask(st)
	}
}

// afterTask queues the next occurrence of a recurring task and lets the
// task's lane release its next member.
func (s *Service) afterTask(st *task.ScheduledTask) {
	if st.IsRecurring() {
		if next := st.Next(); next != nil {
			if err := s.queue.Add(next); err != nil {
				s.log.Warn("could not queue next occurrence",
					logx.String("type", st.BaseType()),
					logx.Err(err),
				)
			}
		}
	}
	if tq, ok := st.Lane().(*TaskQueue); ok {
		tq.advance()
	}
}

// executeTask runs attempts of st until it settles. Each attempt runs in its
// own transaction; retryable failures are retried immediately. It returns an
// ErrInterrupted error if ctx was cancelled under a failing attempt, and the
// permanent failure when rethrow is set. Otherwise it returns nil.
func (s *Service) executeTask(ctx context.Context, st *task.ScheduledTask, unbounded, rethrow bool) error {
	octx := identity.WithOwner(ctx, st.Owner())
	typ := st.BaseType()

	for {
		if !st.MarkRunning() {
			return nil
		}
		s.attempts.Add(1)

		rec := s.prof.StartTask(st, s.queue.ReadyCount()+int(s.dependencyCount.Load()))
		var copts []txn.CreateOption
		if rec != nil {
			copts = append(copts, txn.WithObserver(rec))
		}
		h := s.coord.CreateTransaction(unbounded, copts...)
		tx := h.Transaction()
		rec.NoteTransactional(tx.ID())
		tries := st.IncrementTryCount()

		tctx := txn.WithTransaction(octx, tx)
		err := s.runBody(tctx, st)
		if err == nil {
			if tx.IsAborted() {
				err = tx.AbortCause()
			} else {
				err = h.Commit(tctx)
			}
		}

		if err == nil {
			rec.Finish(tries, nil)
			st.MarkDone(nil)
			s.succeeded.Add(1)
			return nil
		}

		if !tx.State().Terminal() {
			if aerr := tx.Abort(tctx, err); aerr != nil {
				s.log.Debug("abort after failure", logx.Txn(tx.ID()), logx.Err(aerr))
			}
		}
		rec.Finish(tries, err)
		s.failed.Add(1)

		if cerr := ctx.Err(); cerr != nil {
			st.MarkDone(err)
			s.dropped.Add(1)
			s.dropWarn.Warn(s.log, "dropping an interrupted task",
				logx.String("task", st.String()),
				logx.Int("tries", tries),
				logx.Err(err),
			)
			s.prof.NoteDropped(typ, "interrupted")
			s.publish(eventbus.TaskDropped, st, err)
			return fmt.Errorf("%w: %w", ErrInterrupted, cerr)
		}

		if txn.IsRetryable(err) {
			s.retried.Add(1)
			s.prof.NoteRetry(typ)
			s.publish(eventbus.TaskRetried, st, err)
			s.log.Debug("retrying task",
				logx.String("task", st.String()),
				logx.Int("tries", tries),
				logx.Err(err),
			)
			// Lets a blocked Cancel take effect between attempts.
			st.MarkIdle()
			continue
		}

		st.MarkDone(err)
		s.dropped.Add(1)
		msg := "dropping a task that failed"
		if st.IsRecurring() {
			msg = "skipping a recurrence of a task that failed"
		}
		s.dropWarn.Warn(s.log, msg,
			logx.String("task", st.String()),
			logx.Int("tries", tries),
			logx.Err(err),
		)
		s.prof.NoteDropped(typ, "failed")
		s.publish(eventbus.TaskDropped, st, err)
		if rethrow {
			return err
		}
		return nil
	}
}

func (s *Service) runBody(ctx context.Context, st *task.ScheduledTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = txn.NoRetry(fmt.Errorf("panic: %v", r))
			s.log.Error("task panicked",
				logx.String("task", st.String()),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	return st.Task().Run(ctx)
}

func (s *Service) publish(typ string, st *task.ScheduledTask, err error) {
	data := map[string]any{
		"task":  st.ID().String(),
		"type":  st.BaseType(),
		"owner": st.Owner().String(),
		"tries": st.TryCount(),
	}
	if err != nil {
		data["error"] = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: data})
}
