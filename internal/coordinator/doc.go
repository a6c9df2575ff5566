// Package coordinator schedules outbox syncs.
//
// A Coordinator owns one Worker goroutine and lets at most one tick run at a
// time; concurrent RequestSync calls join the in-flight tick through a
// singleflight group. After a tick:
//
//	success, work left      follow-up after DrainDelay
//	failure, work left      retry after exponential backoff with jitter
//	                        (auto and triggered modes only)
//	failure, manual mode    error returned to the caller, no retry
//
// Only one follow-up timer exists; arming a new one replaces the old one.
package coordinator
