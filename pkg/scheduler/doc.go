// Package scheduler serializes every upstream-bound operation through a
// single priority queue with a minimum start-to-start spacing.
//
// Invariants:
// - At most one task executes at any instant, regardless of how many
//   goroutines call Enqueue.
// - Higher priority tasks start before lower priority tasks that are still
//   queued; equal priorities start in enqueue order.
// - Two successive task starts are at least MinDelay apart, and after a task
//   settles the consumer idles for MinDelay before picking the next one.
// - A task that starts settles exactly once; its error reaches the caller and
//   never stops the consumer.
//
// Usage:
//
//	sched := scheduler.New(logger, scheduler.WithMinDelay(800*time.Millisecond))
//	defer sched.Close()
//	result, err := sched.Enqueue(ctx, scheduler.PriorityChat, func(ctx context.Context) (interface{}, error) {
//		return provider.Call(ctx)
//	})
package scheduler
