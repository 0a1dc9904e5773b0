// Package postgres implements the task record store on PostgreSQL. It owns
// the ai_tasks schema (embedded goose migrations), the claim-and-mark
// queries that let several processors share one table, and the
// LISTEN/NOTIFY listener used to wake a processor when tasks are inserted.
package postgres
