// Package toolloop runs a tool-calling conversation against a model until
// the model stops asking for tools or the loop bound is reached.
//
// Invariants:
// - Every tool call of a turn gets exactly one result, and all results of
//   a turn are sent back together.
// - A failing tool becomes an "Error: ..." result; it never ends the run.
// - A failing model turn ends the run and is returned unchanged.
// - Reaching MaxLoops round-trips ends the run with Truncated set; it is
//   not an error.
// - A reply with no tool calls but a fenced code block is turned into one
//   create_file call when the configuration knows that tool.
package toolloop
