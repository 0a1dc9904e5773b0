// Package api serves the worker's operational HTTP endpoints: liveness,
// processor statistics and Prometheus metrics. It exposes no task
// operations; tasks are created and read by other services through the
// task store.
package api
