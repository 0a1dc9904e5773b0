package generation

import (
	"context"
	"strings"
)

// RemoteStatus is the job state reported by the generation service.
type RemoteStatus string

// Statuses reported by the service.
const (
	RemoteQueued  RemoteStatus = "QUEUED"
	RemoteRunning RemoteStatus = "RUNNING"
	RemoteSuccess RemoteStatus = "SUCCESS"
	RemoteFail    RemoteStatus = "FAIL"
	RemoteCancel  RemoteStatus = "CANCEL"
)

// ParseRemoteStatus normalizes a status string from the wire.
func ParseRemoteStatus(s string) RemoteStatus {
	return RemoteStatus(strings.ToUpper(strings.TrimSpace(s)))
}

// IsTerminal reports whether the service will not change the job any further.
func (s RemoteStatus) IsTerminal() bool {
	return s == RemoteSuccess || s == RemoteFail || s == RemoteCancel
}

// IsKnown reports whether s is one of the statuses the service documents.
func (s RemoteStatus) IsKnown() bool {
	switch s {
	case RemoteQueued, RemoteRunning, RemoteSuccess, RemoteFail, RemoteCancel:
		return true
	}
	return false
}

// Policy controls how a submission is made.
type Policy struct {
	// RespectCeiling makes Submit refuse with ErrCeilingReached instead of
	// exceeding the service's concurrency ceiling.
	RespectCeiling bool
	// AspectRatio is a "W:H" hint such as "3:4". Empty uses the service default.
	AspectRatio string
}

// Submission is the service's answer to an accepted job.
type Submission struct {
	ExternalID string
	Status     RemoteStatus
}

// PollResult is the service's view of a submitted job.
type PollResult struct {
	Status RemoteStatus
	// ResultLocation is where the finished artifact can be downloaded.
	// Only set for RemoteSuccess, and may still be empty if the service
	// reported success without an output.
	ResultLocation string
	// Error is the service's failure text for RemoteFail and RemoteCancel.
	Error string
}

// Artifact is a downloaded generation result.
type Artifact struct {
	Body        []byte
	ContentType string
}

// Service is the contract with an external image generation service.
//
// Implementations are responsible for respecting the service's concurrency
// ceiling and must classify failures with the errors in errors.go.
type Service interface {
	// Submit hands a prompt to the service and returns the job's id.
	Submit(ctx context.Context, prompt string, p Policy) (Submission, error)

	// Poll fetches the current state of a previously submitted job.
	Poll(ctx context.Context, externalID string) (PollResult, error)

	// Download fetches the artifact at a location returned by Poll.
	Download(ctx context.Context, location string) (Artifact, error)

	// Abandon drops any local bookkeeping for a job the caller will not poll
	// again, such as one that timed out.
	Abandon(externalID string)
}
