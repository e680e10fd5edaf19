// Package job implements the persisted job entity of the queue.
//
// A job is stored as a Redis hash at <prefix>:job:<id> and indexed by state
// in two sorted sets: <prefix>:jobs:<state> (all types) and
// <prefix>:jobs:<type>:<state>. State transitions move the id between sets
// and update the hash inside one MULTI/EXEC transaction. A transition into
// the inactive state additionally pushes one token onto the type's
// notification list so a parked worker wakes up.
//
// # Lifecycle
//
//	inactive -> active -> complete
//	                   -> failed -> delayed (retry after backoff)
//	                             -> inactive (immediate retry)
//	                             -> failed (terminal)
//
// Jobs in the inactive set are scored by priority first and insertion order
// second, so ZRANGE rank 0 always yields the oldest job of the highest
// priority. Jobs in the delayed set are scored by their promotion time; a
// separate promoter moves them back to inactive when the delay elapses.
//
// # Attempts
//
// Attempt atomically consumes one unit of the job's retry budget and
// reports how many attempts remain. Workers call it after every terminal
// processor outcome, success and failure alike.
package job
