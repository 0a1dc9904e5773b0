// Package generation defines the boundary between the task processor and an
// external image generation service. The Service interface covers submitting
// a prompt, polling a submitted job and downloading the finished artifact.
//
// Implementations classify their failures with the sentinel errors in this
// package so the processor can tell a transient transport problem (retry next
// cycle, no retry budget consumed) from a job the service refused outright.
package generation
