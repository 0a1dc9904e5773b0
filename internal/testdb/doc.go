//go:build integration

// Package testdb provides a migrated PostgreSQL database for integration
// tests. It uses DATABASE_URL when set and otherwise starts a disposable
// container with testcontainers. Tests share one database per package and
// must not run in parallel; every call to Open truncates ai_tasks.
//
// Usage:
//
//	func TestClaim(t *testing.T) {
//	    db := testdb.Open(t)
//	    store := postgres.NewTaskStore(db, logger)
//	    ...
//	}
package testdb
