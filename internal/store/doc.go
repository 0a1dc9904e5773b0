// Package store holds the persistence plumbing shared by storage backends:
// the DBTX abstraction, transaction helpers, and the sentinel errors that
// callers match with errors.Is.
package store
