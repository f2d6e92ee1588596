// Package migrations embeds the PostgreSQL schema migrations.
package migrations

import "embed"

// Files contains the SQL migrations bundled into the binary.
//
//go:embed *.sql
var Files embed.FS
