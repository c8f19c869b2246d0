// Package git executes remote operations (fetch, push, push of tags) with
// the git binary and implements asyncjob.Executor for them.
//
// The binary runs with --progress, its stderr is split on \r and \n and each
// progress line is reported as an asyncjob.Event. Other stderr lines are
// kept and become a part of CommandError when git fails. A basic credential
// is passed through the environment to an inline credential helper, so it
// never appears in the process arguments.
package git
