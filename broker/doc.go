// Package broker provides the Redis primitives the worker core is built on.
//
// The worker coordinates with competing workers through two structures per
// job type:
//
//   - <prefix>:<type>:jobs - a notification list used purely as a semaphore.
//     Producers push one token per enqueued job; a waiter blocks on BRPOP
//     until a token arrives. The token carries no meaning beyond "wake up".
//   - <prefix>:jobs:<type>:inactive - a sorted set of claimable job ids,
//     scored by priority and insertion order. The lowest-ranked id is the
//     next job to claim.
//
// Adapter exposes exactly the operations the claim protocol needs: an
// indefinite blocking wait on the notification list, an atomic
// peek-and-remove of rank 0 on the inactive set (ZRANGE + ZREMRANGEBYRANK
// inside a single MULTI/EXEC so two workers can never observe the same id),
// and a non-blocking token push used to wake parked peers.
//
// Registry owns the process-wide dedicated blocking connection per type.
// Blocking waits monopolize a connection, so all workers of one type within
// a process share a single parked connection; Registry creates it lazily on
// first Acquire and tears it down on Release.
package broker
