// Package events fans out per-job lifecycle events over Redis pub/sub.
//
// All events travel on one shared channel, <prefix>:events, as JSON
// envelopes carrying the job id, the event kind, and an optional payload.
// Subscribers filter the shared stream down to a single job id, so a
// producer can follow the lifecycle of the job it enqueued regardless of
// which process ends up running it.
//
// Event kinds emitted by the worker core:
//
//	complete        payload: the serialized processor result
//	failed          no payload
//	failed attempt  payload: the number of attempts made so far
package events
