// Package tools defines the closed set of tool invocations the manager and
// worker loops understand.
//
// Each tool is one struct implementing Invocation. Decode turns a model's
// (name, args) pair into the matching struct, and WorkerDispatcher /
// ManagerDispatcher route invocations to a handler interface with one
// method per tool, so a new tool fails to compile until every handler
// implements it.
package tools
