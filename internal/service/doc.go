// Package service wires remote jobs into an application.
//
// Overview
// The App owns one asyncjob.Job per kind (fetch, push, push-tags). All jobs
// share a single Notifier, the App is its only consumer. A notification only
// names the job, the App re-polls the job and hands the snapshot or result
// to a Renderer.
//
// Data flow:
//
//	scheduler / CLI        App                    Job{kind}            git
//	      |                 |                        |                  |
//	      | Request ------->| Request(req) --------->| admit, spawn ---->| Execute
//	      |                 |                        |<-- Event --------|
//	      |                 |<---- Progressed -------| relay            |
//	      |                 | Progress() ----------->|                  |
//	      |                 |                        |<-- metric/err ---|
//	      |                 |<---- Finished ---------| result, clear    |
//	      |                 | LastResult() --------->|                  |
//	      |                 |                        |--> history       |
//
// Modes:
//   - Once requests one job and renders until it finishes (CLI commands).
//   - Do renders until the context is cancelled, an optional gocron
//     scheduler requests a fetch periodically. A scheduled fetch while one
//     is still running is a no-op.
//
// Close stops the scheduler and the notifier and waits for running jobs,
// which are never interrupted.
package service
