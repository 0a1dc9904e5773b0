// Package task defines the durable image-generation task, its lifecycle
// state machine, and the Manager contract that persistence backends
// implement. Tasks are the source of truth for the processor: every
// scheduling decision is derived from what a Manager returns.
package task
