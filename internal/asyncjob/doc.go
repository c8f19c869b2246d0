// Package asyncjob runs long, blocking remote operations off the render loop.
//
// A Job owns three independently locked slots: the state of the active run
// (the single-flight gate), the latest progress snapshot and the last result.
// Request admits a run only when no other run of the same Kind is active,
// otherwise it is a silent no-op. Every admitted run gets its own goroutine:
//
//	Request ---> run{executor} ---- Event ----> relay ---> progress slot
//	                   |                          |
//	                   | PhaseDone (after return) |---> Notifier (Progressed)
//	                   |<------- join ------------|
//	                   v
//	             result slot -> clear state -> Notifier (Finished) -> observers
//
// Invariants:
//   - At most one active run per Job.
//   - The relay is joined before the state is cleared, so no progress of a
//     finished run is written afterwards.
//   - A Finished notification is sent only after the result is stored and
//     the state cleared.
//   - Executor failures and panics are data in LastResult; a relay or notify
//     failure is logged, the state is cleared regardless.
//   - Runs can't be cancelled and have no deadline.
//
// Notifications carry no data, the owner re-polls IsPending, Progress and
// LastResult when it receives one.
package asyncjob
