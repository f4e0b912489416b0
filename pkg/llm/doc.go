// Package llm adapts upstream generation APIs to one streaming interface.
//
// A Provider is bound to a single credential. Stream returns a pull
// iterator of chunks for one call; an Accumulator folds chunks into text
// plus fully assembled tool calls. Upstream HTTP failures are surfaced as
// *APIError so callers can classify them by status without knowing which
// SDK produced them.
//
// Usage:
//
//	provider, err := llm.NewProvider(llm.Settings{Name: "gemini", Model: "gemini-2.5-flash"}, key)
//	resp, err := llm.Complete(ctx, provider, llm.Request{System: prompt, Messages: history, Tools: specs})
package llm
