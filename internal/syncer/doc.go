// Package syncer pushes the outbox to the remote authority.
//
// Engine.RunOnce is one attempt: pick up to N pending rows, send them as a
// single batch through a Remote, and record ACKED, FAILED or CONFLICT on each
// row from the reply. Scheduling, coalescing and backoff between attempts
// live in the coordinator package.
package syncer
