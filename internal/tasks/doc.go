// Package tasks runs the node's background work.
//
// # Scheduled jobs
//
// [Scheduler] wraps robfig/cron with a seconds field. [NodeJobs.Jobs] builds the node's jobs:
//
//  1. stats broadcast, every minute: samples frame counters and sends a stats message to every session
//  2. route planner prune, hourly: frees failing addresses older than a week
//  3. track cache prune, daily: soft deletes cached tracks not refreshed for 30 days
//  4. source refresh, every 6 hours: renews expiring source credentials (SoundCloud client id)
//
// A job whose previous run has not finished is skipped. Failures are logged and reported to Sentry.
//
// # Bulk loads
//
// [BulkLoad] resolves many identifiers with a rate limited producer and a pool of workers that write
// each result with the formatter package, then writes a manifest.
//
// # Progress Reporting
//
// Operations report [ProgressUpdate] values on an optional channel. Updates use select with default
// so a slow reader never blocks the work.
package tasks
