// Package runninghub implements generation.Service against the RunningHub
// AI-app OpenAPI. A Client submits prompts to a configured web app, polls
// task status, resolves output file URLs and downloads the finished images.
//
// The Client enforces the service's concurrency ceiling locally with a
// weighted semaphore and paces every request through a token bucket. Slots
// are released when a poll reports a terminal status or when the caller
// abandons a job.
package runninghub
