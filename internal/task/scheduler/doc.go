// Package scheduler triggers named jobs from cron, interval or HH:MM
// schedule strings. Jobs run on the cron goroutine pool; a job that is
// still running when its next tick fires is skipped.
package scheduler
