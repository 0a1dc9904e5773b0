// Package mocks provides in-memory fakes of the processor's collaborators
// for use in tests.
//
// TaskManager is a working implementation of task.Manager with the same
// claim, staleness and transition rules as the Postgres store, driven by an
// injectable clock. Generator and ArtifactStore are scripted fakes: each
// method delegates to an optional ...Fn field and otherwise returns a
// sensible default. Every fake records its calls for verification.
//
//	tasks := mocks.NewTaskManager()
//	gen := &mocks.Generator{
//	    PollFn: func(ctx context.Context, id string) (generation.PollResult, error) {
//	        return generation.PollResult{Status: generation.RemoteQueued}, nil
//	    },
//	}
package mocks
