package processor

import (
	"context"
	"errors"
	"io"

	"github.com/phrazzld/storyboard-worker/internal/artifact"
	"github.com/phrazzld/storyboard-worker/internal/generation"
	"github.com/phrazzld/storyboard-worker/internal/task"
)

// Dependencies are the handles a processor works through. They are owned by
// the processor once returned from a Connector and are replaced wholesale on
// reinitialization.
type Dependencies struct {
	Tasks     task.Manager
	Generator generation.Service
	Artifacts artifact.Store

	// Closers are closed after Tasks when the dependencies are discarded.
	Closers []io.Closer
}

// Close releases every handle and returns the joined errors.
func (d *Dependencies) Close() error {
	var errs []error
	if d.Tasks != nil {
		errs = append(errs, d.Tasks.Close())
	}
	for _, c := range d.Closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Connector builds a fresh set of dependencies.
type Connector interface {
	Connect(ctx context.Context) (*Dependencies, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context) (*Dependencies, error)

// Connect calls f.
func (f ConnectorFunc) Connect(ctx context.Context) (*Dependencies, error) {
	return f(ctx)
}
