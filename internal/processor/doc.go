// Package processor drives generation tasks through their lifecycle.
//
// A Processor runs one cooperative loop. Each cycle claims bounded batches
// from the task store and runs four phases in order: submission of PENDING
// tasks, reconciliation of active tasks against the generation service
// (including finalization of successful jobs into the artifact store), a
// timeout sweep, and a retry sweep. Cycles never overlap, and a shutdown
// request is honoured only between units of work so that no task is left
// half-written.
//
// Infrastructure failures move the processor through an explicit health
// state machine: Healthy, Degraded with a consecutive error count and capped
// exponential backoff, and Reinitializing, where every dependency handle is
// closed and rebuilt through the Connector.
package processor
