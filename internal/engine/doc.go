// Package engine provides the execution service facade. It validates
// requests, creates executions, hands each one to a background worker that
// drives it through the task runner, and exposes cancel, pause, resume and
// retry on top of the state machine.
package engine
