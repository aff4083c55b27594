// Package migrations embeds the SQL migrations applied at startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Dir is the directory passed to the iofs migration source.
const Dir = "."
