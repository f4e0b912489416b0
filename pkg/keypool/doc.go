// Package keypool holds per-role credential lists and the retry policy that
// rotates through them.
//
// Invariants:
// - A role's cursor is always taken modulo its key count.
// - An emergency key, when set, is tried first and is never persisted.
// - Saving keys for a role resets its cursor to 0.
// - Any credential change drops every cached client.
// - A rate limit that survives every attempt becomes a *Suspension, and the
//   exhaustion event for it is published exactly once.
//
// Usage:
//
//	pool := keypool.NewPool(store, factory, logger)
//	retry := keypool.NewRetryController(pool, keypool.DefaultRetryConfig(), logger)
//	result, err := retry.Execute(ctx, keypool.RoleWorker1, 0, func(ctx context.Context, p llm.Provider) (interface{}, error) {
//		return llm.Complete(ctx, p, req)
//	})
//	var s *keypool.Suspension
//	if errors.As(err, &s) {
//		// ask for an emergency key, then s.Resume(ctx)
//	}
package keypool
