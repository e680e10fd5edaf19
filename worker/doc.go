// Package worker claims and runs jobs of a single type.
//
// A worker cycles through claim, run, and finish. Claiming is two-phase:
// park on the type's notification list over a dedicated blocking
// connection, then atomically pop the head of the claimable set over the
// regular connection. The notification is only a wake-up; the pop is the
// claim, so a woken worker that finds the set empty simply parks again.
//
// Each worker runs at most one job at a time. Terminal outcomes consume
// one attempt; failures with budget left re-enter the claimable set,
// after a backoff delay when one is configured. Local observers attach
// through the worker's Emitter, and cross-process lifecycle events go out
// on the events bus.
//
// Shutdown drains the in-flight job, force-failing it if a grace timeout
// elapses first, then pushes a recovery token so parked peers of the same
// type wake up and notice the teardown.
package worker
