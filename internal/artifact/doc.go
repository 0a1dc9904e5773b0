// Package artifact defines how finished generation results are stored: the
// Store contract implemented by object store adapters and the key layout
// shared by every adapter.
package artifact
