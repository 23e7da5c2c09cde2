// Package schedule implements the recurring-backup scheduler: a persisted
// schedule document guarded by a cross-process advisory lock, an interval
// resolver with an authoritative environment override, a bounded history of
// past run batches, and a background engine driving the sleep/wake/evaluate
// loop.
//
// All reads and writes of the schedule document happen under the lock;
// acquiring it may legitimately fail when a cooperating process holds it, in
// which case the current cycle is skipped and retried on the next wake.
package schedule
