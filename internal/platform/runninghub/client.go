package runninghub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/phrazzld/storyboard-worker/internal/generation"
	"github.com/phrazzld/storyboard-worker/internal/redact"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	defaultRequestTimeout   = 30 * time.Second
	defaultMaxDownloadBytes = 32 << 20
	maxEnvelopeBytes        = 1 << 20

	// Ratio presets understood by the ratio node.
	ratioLandscape = "0"
	ratioSquare    = "1"
	ratioPortrait  = "5"
)

// Config holds the settings for a Client.
type Config struct {
	BaseURL           string
	APIKey            string
	WebappID          string
	PromptNodeID      string
	RatioNodeID       string
	MaxInFlight       int
	RequestsPerSecond float64
	RequestTimeout    time.Duration
	MaxDownloadBytes  int64
}

func (c Config) validate() error {
	var missing []string
	if c.BaseURL == "" {
		missing = append(missing, "BaseURL")
	}
	if c.APIKey == "" {
		missing = append(missing, "APIKey")
	}
	if c.WebappID == "" {
		missing = append(missing, "WebappID")
	}
	if c.PromptNodeID == "" {
		missing = append(missing, "PromptNodeID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", generation.ErrInvalidConfig, strings.Join(missing, ", "))
	}
	if c.MaxInFlight < 1 {
		return fmt.Errorf("%w: MaxInFlight must be at least 1", generation.ErrInvalidConfig)
	}
	return nil
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client is a generation.Service backed by RunningHub.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	slots   *semaphore.Weighted
	logger  *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

var _ generation.Service = (*Client)(nil)

// New validates cfg and returns a ready Client.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MaxDownloadBytes <= 0 {
		cfg.MaxDownloadBytes = defaultMaxDownloadBytes
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	c := &Client{
		cfg:      cfg,
		http:     &http.Client{},
		limiter:  rate.NewLimiter(limit, 1),
		slots:    semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		logger:   logger.With("component", "runninghub"),
		inFlight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Submit starts a job for prompt. With p.RespectCeiling set it refuses with
// generation.ErrCeilingReached once MaxInFlight jobs are outstanding.
func (c *Client) Submit(ctx context.Context, prompt string, p generation.Policy) (generation.Submission, error) {
	held := false
	if p.RespectCeiling {
		if !c.slots.TryAcquire(1) {
			return generation.Submission{}, fmt.Errorf("%w: %d jobs in flight",
				generation.ErrCeilingReached, c.cfg.MaxInFlight)
		}
		held = true
	}

	req := runRequest{
		WebappID:     c.cfg.WebappID,
		APIKey:       c.cfg.APIKey,
		NodeInfoList: c.nodes(prompt, p.AspectRatio),
	}

	var data runData
	if err := c.call(ctx, runPath, req, &data); err != nil {
		if held {
			c.slots.Release(1)
		}
		return generation.Submission{}, err
	}
	if data.TaskID == "" {
		if held {
			c.slots.Release(1)
		}
		return generation.Submission{}, fmt.Errorf("%w: run response has no taskId", generation.ErrInvalidResponse)
	}

	if held {
		c.mu.Lock()
		c.inFlight[data.TaskID] = struct{}{}
		c.mu.Unlock()
	}

	status := generation.ParseRemoteStatus(data.TaskStatus)
	if status == "" {
		status = generation.RemoteQueued
	}
	c.logger.DebugContext(ctx, "job submitted", "external_id", data.TaskID, "remote_status", status)
	return generation.Submission{ExternalID: data.TaskID, Status: status}, nil
}

// Poll reports the job's status. On success it also resolves the first
// output file URL.
func (c *Client) Poll(ctx context.Context, externalID string) (generation.PollResult, error) {
	var sd statusData
	if err := c.call(ctx, statusPath, taskRequest{APIKey: c.cfg.APIKey, TaskID: externalID}, &sd); err != nil {
		return generation.PollResult{}, err
	}

	res := generation.PollResult{Status: generation.ParseRemoteStatus(sd.TaskStatus)}
	switch res.Status {
	case generation.RemoteSuccess:
		loc, err := c.outputLocation(ctx, externalID)
		if err != nil {
			// Keep the slot; the next poll resolves the outputs again.
			return generation.PollResult{}, err
		}
		res.ResultLocation = loc
	case generation.RemoteFail, generation.RemoteCancel:
		res.Error = fmt.Sprintf("generation service reported %s", res.Status)
	}

	if res.Status.IsTerminal() {
		c.Abandon(externalID)
	}
	return res, nil
}

func (c *Client) outputLocation(ctx context.Context, externalID string) (string, error) {
	var outs []output
	if err := c.call(ctx, outputsPath, taskRequest{APIKey: c.cfg.APIKey, TaskID: externalID}, &outs); err != nil {
		return "", err
	}
	for _, o := range outs {
		if o.FileURL != "" {
			return o.FileURL, nil
		}
	}
	return "", nil
}

// Download fetches the artifact at location, refusing bodies larger than
// MaxDownloadBytes.
func (c *Client) Download(ctx context.Context, location string) (generation.Artifact, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return generation.Artifact{}, fmt.Errorf("%w: rate limiter: %v", generation.ErrTransient, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return generation.Artifact{}, fmt.Errorf("%w: bad artifact location: %s",
			generation.ErrRejected, redact.Error(err))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return generation.Artifact{}, fmt.Errorf("%w: download: %s", generation.ErrTransient, redact.Error(err))
	}
	defer func() { _ = resp.Body.Close() }()

	if err := statusError(resp.StatusCode, "download"); err != nil {
		return generation.Artifact{}, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxDownloadBytes+1))
	if err != nil {
		return generation.Artifact{}, fmt.Errorf("%w: read artifact: %s", generation.ErrTransient, redact.Error(err))
	}
	if int64(len(body)) > c.cfg.MaxDownloadBytes {
		return generation.Artifact{}, fmt.Errorf("%w: artifact exceeds %d bytes",
			generation.ErrRejected, c.cfg.MaxDownloadBytes)
	}
	if len(body) == 0 {
		return generation.Artifact{}, fmt.Errorf("%w: empty artifact", generation.ErrInvalidResponse)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		contentType = http.DetectContentType(body)
	}
	return generation.Artifact{Body: body, ContentType: contentType}, nil
}

// Abandon frees the in-flight slot held for externalID, if any. The ledger
// is local to this client; a replacement client only knows the jobs handed
// to it with Adopt.
func (c *Client) Abandon(externalID string) {
	c.mu.Lock()
	_, ok := c.inFlight[externalID]
	delete(c.inFlight, externalID)
	c.mu.Unlock()
	if ok {
		c.slots.Release(1)
	}
}

// InFlight returns the number of slots currently held.
func (c *Client) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}

// Pending returns the ids of jobs holding a slot, sorted.
func (c *Client) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.inFlight))
	for id := range c.inFlight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Adopt takes a slot for each job submitted through an earlier client that
// is still running remotely, so a replacement client starts with the same
// ceiling accounting. Ids beyond MaxInFlight are dropped. It returns how
// many were adopted.
func (c *Client) Adopt(ids ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := c.inFlight[id]; ok || id == "" {
			continue
		}
		if !c.slots.TryAcquire(1) {
			break
		}
		c.inFlight[id] = struct{}{}
		n++
	}
	return n
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) nodes(prompt, aspectRatio string) []nodeInfo {
	nodes := []nodeInfo{{NodeID: c.cfg.PromptNodeID, FieldName: "text", FieldValue: prompt}}
	if c.cfg.RatioNodeID != "" {
		nodes = append(nodes, nodeInfo{NodeID: c.cfg.RatioNodeID, FieldName: "value", FieldValue: ratioPreset(aspectRatio)})
	}
	return nodes
}

// ratioPreset maps a "W:H" ratio onto the ratio node's presets. Anything
// unparseable falls back to portrait.
func ratioPreset(ratio string) string {
	w, h, ok := strings.Cut(ratio, ":")
	if !ok {
		return ratioPortrait
	}
	wn, err1 := strconv.ParseFloat(strings.TrimSpace(w), 64)
	hn, err2 := strconv.ParseFloat(strings.TrimSpace(h), 64)
	if err1 != nil || err2 != nil || wn <= 0 || hn <= 0 {
		return ratioPortrait
	}
	switch {
	case wn > hn:
		return ratioLandscape
	case wn == hn:
		return ratioSquare
	default:
		return ratioPortrait
	}
}

// call POSTs body to path and decodes the envelope's data into out.
func (c *Client) call(ctx context.Context, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", generation.ErrTransient, err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build %s request: %s", generation.ErrInvalidConfig, path, redact.Error(err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %s", generation.ErrTransient, path, redact.Error(err))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxEnvelopeBytes))
	if err != nil {
		return fmt.Errorf("%w: read %s response: %s", generation.ErrTransient, path, redact.Error(err))
	}
	if err := statusError(resp.StatusCode, path); err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: %s: %v", generation.ErrInvalidResponse, path, err)
	}
	if env.Code != 0 {
		return envelopeError(path, env)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: %s data: %v", generation.ErrInvalidResponse, path, err)
	}
	return nil
}

// APIError is a non-zero envelope code returned by the service.
type APIError struct {
	Path string
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("runninghub %s: code %d: %s", e.Path, e.Code, e.Msg)
}

func envelopeError(path string, env envelope) error {
	apiErr := &APIError{Path: path, Code: env.Code, Msg: redact.String(env.Msg)}
	if strings.Contains(env.Msg, queueMaxedMsg) {
		return fmt.Errorf("%w: %w", generation.ErrCeilingReached, apiErr)
	}
	return fmt.Errorf("%w: %w", generation.ErrRejected, apiErr)
}

func statusError(code int, op string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: %s returned HTTP %d", generation.ErrTransient, op, code)
	default:
		return fmt.Errorf("%w: %s returned HTTP %d", generation.ErrRejected, op, code)
	}
}

// IsAPIError reports whether err carries a service envelope error and returns it.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}
