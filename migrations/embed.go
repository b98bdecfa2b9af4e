// Package migrations embeds the SQL migrations of the audit database.
package migrations

import "embed"

// FS holds every YYYYMMDD_HHMMSS_description.{up,down}.sql file.
//
//go:embed *.sql
var FS embed.FS
