// Package queue is the front door of the job queue.
//
// A Queue owns the regular Redis connection, the registry handing out
// per-type dedicated blocking connections, and the event bus. Producers
// build jobs with Create and save them; consumers attach processors with
// Process, which spawns workers claiming jobs of one type. Shutdown
// drains workers gracefully within a grace timeout.
//
// Delayed jobs re-enter the claimable set through the promoter, a
// periodic sweep of the delayed set for jobs whose promotion time has
// passed.
//
// # Thread safety
//
// Queue is safe for concurrent use by multiple goroutines.
package queue
