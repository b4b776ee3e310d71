// Package database is the durable session directory and chat history on
// Postgres. Schema changes ship as embedded tern migrations.
package database
