// Package core provides the business logic for bulk product imports.
//
// It holds no transport code: the HTTP handlers in package web and the queue
// consumers in cmd/worker both drive it through [Service] and [Orchestrator].
//
// # Architecture
//
//   - Service: accepts uploads, stores them under the upload directory, records
//     a pending task and queues it. Also fronts webhook management.
//   - Orchestrator: runs one queued task through validation and
//     reconciliation, publishing progress after every batch.
//   - SlotLimiter: bounds concurrent uploads in the API and concurrent
//     imports in a worker.
//   - Reaper: fails processing tasks whose heartbeat has gone stale.
//
// # Import Flow
//
//  1. Client posts a CSV; [Service.Submit] writes it as {task_id}_{filename}
//  2. A pending snapshot is written to the progress store and the job is
//     published to Kafka
//  3. A worker consumer calls [Orchestrator.Run], which counts rows, streams
//     batches of [csvimport.DefaultBatchSize] records and applies each batch
//     in one transaction
//  4. After the last batch the task is completed and import.completed is
//     delivered to every enabled subscriber
//
// Row-level problems are tallied as failed rows and never fail the task.
// Structural CSV errors and batch-level database failures do; batches
// committed before the failure stay committed.
//
// # Redelivery
//
// Kafka delivers at least once. A job whose task is already terminal is
// acknowledged without work. A job whose task is processing with a recent
// heartbeat is skipped; with a stale heartbeat the task is failed with
// [InterruptedMessage].
//
// # Error Handling
//
// Technical errors are mapped to user-facing messages with [MapError]. Each
// category has a code prefix: DB, VAL, FILE, IMP, HOOK, REQ and RATE.
package core
