package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/phrazzld/storyboard-worker/internal/generation"
)

// PNGBytes is the default artifact body returned by Generator.Download.
var PNGBytes = []byte("\x89PNG\r\n\x1a\nfake-image")

// Generator is a scripted generation.Service.
type Generator struct {
	SubmitFn   func(ctx context.Context, prompt string, p generation.Policy) (generation.Submission, error)
	PollFn     func(ctx context.Context, externalID string) (generation.PollResult, error)
	DownloadFn func(ctx context.Context, location string) (generation.Artifact, error)

	mu        sync.Mutex
	submits   []string
	policies  []generation.Policy
	polls     []string
	downloads []string
	abandoned []string
	closed    bool
}

var _ generation.Service = (*Generator)(nil)

// Submit records the prompt and returns SubmitFn's result, or a queued job
// with id "ext-<n>".
func (g *Generator) Submit(ctx context.Context, prompt string, p generation.Policy) (generation.Submission, error) {
	g.mu.Lock()
	g.submits = append(g.submits, prompt)
	g.policies = append(g.policies, p)
	n := len(g.submits)
	g.mu.Unlock()

	if g.SubmitFn != nil {
		return g.SubmitFn(ctx, prompt, p)
	}
	return generation.Submission{ExternalID: fmt.Sprintf("ext-%d", n), Status: generation.RemoteQueued}, nil
}

// Poll records the id and returns PollFn's result, or RUNNING.
func (g *Generator) Poll(ctx context.Context, externalID string) (generation.PollResult, error) {
	g.mu.Lock()
	g.polls = append(g.polls, externalID)
	g.mu.Unlock()

	if g.PollFn != nil {
		return g.PollFn(ctx, externalID)
	}
	return generation.PollResult{Status: generation.RemoteRunning}, nil
}

// Download records the location and returns DownloadFn's result, or a PNG.
func (g *Generator) Download(ctx context.Context, location string) (generation.Artifact, error) {
	g.mu.Lock()
	g.downloads = append(g.downloads, location)
	g.mu.Unlock()

	if g.DownloadFn != nil {
		return g.DownloadFn(ctx, location)
	}
	return generation.Artifact{Body: PNGBytes, ContentType: "image/png"}, nil
}

// Abandon records the id.
func (g *Generator) Abandon(externalID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.abandoned = append(g.abandoned, externalID)
}

// Close marks the generator closed.
func (g *Generator) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

// Submits returns the submitted prompts in call order.
func (g *Generator) Submits() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.submits...)
}

// Policies returns the policies passed to Submit in call order.
func (g *Generator) Policies() []generation.Policy {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]generation.Policy(nil), g.policies...)
}

// Polls returns the polled external ids in call order.
func (g *Generator) Polls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.polls...)
}

// Downloads returns the downloaded locations in call order.
func (g *Generator) Downloads() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.downloads...)
}

// Abandoned returns the ids passed to Abandon.
func (g *Generator) Abandoned() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.abandoned...)
}

// Closed reports whether Close was called.
func (g *Generator) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}
