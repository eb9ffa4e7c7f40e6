// Package gearman implements a client for the Gearman job-queue protocol:
// callers submit named jobs with opaque arguments to a pool of
// interchangeable job servers, observe their completion through callbacks,
// and query servers for operational status.
//
// Key components:
//   - Client: the entry point, owning the server list and connection pool
//   - Task/TaskSet: tasks dispatched and awaited together through one
//     cooperative wait loop that multiplexes every connection in use
//   - Background jobs: fire-and-forget submission with pollable progress
//     via GetStatus
//   - Admin queries: status, workers, jobs, clients and maxqueue against
//     every configured server
//
// A taskset's wait loop is the sole driver of the connections it touches.
// Handlers run on the waiting goroutine and may append further tasks to the
// set; the loop ends only when every task reached a terminal state.
package gearman
