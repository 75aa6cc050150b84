// Package migrations embeds the postgres schema of the ERP backend.
package migrations

import "embed"

// FS holds the golang-migrate up/down files.
//
//go:embed *.sql
var FS embed.FS
