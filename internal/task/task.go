package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a generation task.
type Status string

// Possible task status values. The string values are persisted.
const (
	StatusPending   Status = "PENDING"
	StatusSubmitted Status = "SUBMITTED"
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusTimeout   Status = "TIMEOUT"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusSubmitted,
	StatusQueued,
	StatusRunning,
	StatusSuccess,
	StatusFailed,
	StatusTimeout,
}

// ActiveStatuses are the statuses of tasks the generation service is working on.
var ActiveStatuses = []Status{StatusSubmitted, StatusQueued, StatusRunning}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsActive reports whether the task has been handed to the generation service
// and has not reached an outcome yet.
func (s Status) IsActive() bool {
	return s == StatusSubmitted || s == StatusQueued || s == StatusRunning
}

// IsTerminal reports whether s is an outcome status. FAILED and TIMEOUT can
// still leave through the retry edge while retry budget remains.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusTimeout
}

// Kind is the kind of image a task produces.
type Kind string

const (
	KindCharacterImage Kind = "character_image"
	KindSceneImage     Kind = "scene_image"
	KindPropImage      Kind = "prop_image"
)

// IsValid reports whether k is a known kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindCharacterImage, KindSceneImage, KindPropImage:
		return true
	}
	return false
}

// SubjectType identifies which kind of story entity the image depicts.
type SubjectType string

const (
	SubjectCharacter SubjectType = "character"
	SubjectScene     SubjectType = "scene"
	SubjectProp      SubjectType = "prop"
)

// IsValid reports whether t is a known subject type.
func (t SubjectType) IsValid() bool {
	switch t {
	case SubjectCharacter, SubjectScene, SubjectProp:
		return true
	}
	return false
}

// Plural returns the collection name used in object keys.
func (t SubjectType) Plural() string {
	switch t {
	case SubjectCharacter:
		return "characters"
	case SubjectScene:
		return "scenes"
	case SubjectProp:
		return "props"
	}
	return "misc"
}

// Metadata holds denormalized context about the subject. It is used for
// logging and object naming only and is never authoritative.
type Metadata struct {
	DramaName     string
	EpisodeNumber int
	EntityName    string
}

// Task is one durable image-generation job.
type Task struct {
	ID          uuid.UUID
	ExternalID  string
	Kind        Kind
	SubjectType SubjectType
	SubjectID   string
	Status      Status
	Prompt      string
	AspectRatio string

	ResultRef    string
	ResultURL    string
	ErrorMessage string

	CreatedAt    time.Time
	SubmittedAt  *time.Time
	CompletedAt  *time.Time
	LastPolledAt *time.Time
	UpdatedAt    time.Time

	RetryCount int
	MaxRetries int

	Metadata Metadata

	ClaimedBy      string
	ClaimExpiresAt *time.Time
}

// CanRetry reports whether the task is in a failed outcome with retry budget left.
func (t *Task) CanRetry() bool {
	return (t.Status == StatusFailed || t.Status == StatusTimeout) && t.RetryCount < t.MaxRetries
}

// TimedOut reports whether an active task was submitted before cutoff.
func (t *Task) TimedOut(cutoff time.Time) bool {
	return t.Status.IsActive() && t.SubmittedAt != nil && t.SubmittedAt.Before(cutoff)
}

// ClaimLive reports whether a claim on the task is still held at now.
func (t *Task) ClaimLive(now time.Time) bool {
	return t.ClaimedBy != "" && t.ClaimExpiresAt != nil && t.ClaimExpiresAt.After(now)
}

// NewTask carries the caller-supplied fields of a task to be created.
type NewTask struct {
	Kind        Kind
	SubjectType SubjectType
	SubjectID   string
	Prompt      string
	AspectRatio string
	// MaxRetries overrides the manager's default retry budget when set.
	MaxRetries *int
	Metadata   Metadata
}

// Validate checks the fields required to create a task.
func (n NewTask) Validate() error {
	if !n.Kind.IsValid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTask, n.Kind)
	}
	if !n.SubjectType.IsValid() {
		return fmt.Errorf("%w: unknown subject type %q", ErrInvalidTask, n.SubjectType)
	}
	if n.SubjectID == "" {
		return fmt.Errorf("%w: subject id is required", ErrInvalidTask)
	}
	if n.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidTask)
	}
	if n.MaxRetries != nil && *n.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative", ErrInvalidTask)
	}
	return nil
}
